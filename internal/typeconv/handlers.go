package typeconv

import (
	"database/sql/driver"
	"fmt"
	"math"
	"reflect"

	"github.com/spf13/cast"
)

// Handler converts between in-memory values and driver values for one Go type.
type Handler interface {
	// Name identifies the handler in definitions (handler=...) and diagnostics.
	Name() string
	// ToDriver converts a bind value into a driver value.
	ToDriver(v any, dbType DBType) (driver.Value, error)
	// FromDriver converts a scanned column value into the handler's Go type.
	FromDriver(src any) (any, error)
}

type stringHandler struct{ typ reflect.Type }

func (h stringHandler) Name() string { return "string" }

func (h stringHandler) ToDriver(v any, _ DBType) (driver.Value, error) {
	v = indirect(v)
	if v == nil {
		return nil, nil
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (h stringHandler) FromDriver(src any) (any, error) {
	if src == nil {
		return nil, nil
	}
	s, err := cast.ToStringE(src)
	if err != nil {
		return nil, err
	}
	return convertTo(s, h.typ), nil
}

// intHandler covers every signed and unsigned integer kind; values travel
// to the driver as int64.
type intHandler struct{ typ reflect.Type }

func (h intHandler) Name() string { return h.typ.String() }

func (h intHandler) ToDriver(v any, dbType DBType) (driver.Value, error) {
	v = indirect(v)
	if v == nil {
		return nil, nil
	}
	if dbType == Varchar || dbType == Char {
		return cast.ToStringE(v)
	}
	switch rv := reflect.ValueOf(v); rv.Kind() {
	case reflect.Uint, reflect.Uint64, reflect.Uintptr:
		if rv.Uint() > math.MaxInt64 {
			return nil, fmt.Errorf("unsigned value %d overflows int64", rv.Uint())
		}
	}
	return cast.ToInt64E(v)
}

func (h intHandler) FromDriver(src any) (any, error) {
	if src == nil {
		return nil, nil
	}
	if b, ok := src.([]byte); ok {
		src = string(b)
	}
	n, err := cast.ToInt64E(src)
	if err != nil {
		return nil, err
	}
	return convertTo(n, h.typ), nil
}

type floatHandler struct{ typ reflect.Type }

func (h floatHandler) Name() string { return h.typ.String() }

func (h floatHandler) ToDriver(v any, _ DBType) (driver.Value, error) {
	v = indirect(v)
	if v == nil {
		return nil, nil
	}
	return cast.ToFloat64E(v)
}

func (h floatHandler) FromDriver(src any) (any, error) {
	if src == nil {
		return nil, nil
	}
	if b, ok := src.([]byte); ok {
		src = string(b)
	}
	f, err := cast.ToFloat64E(src)
	if err != nil {
		return nil, err
	}
	return convertTo(f, h.typ), nil
}

type boolHandler struct{}

func (boolHandler) Name() string { return "bool" }

func (boolHandler) ToDriver(v any, dbType DBType) (driver.Value, error) {
	v = indirect(v)
	if v == nil {
		return nil, nil
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		return nil, err
	}
	if dbType == Integer || dbType == Bit || dbType == TinyInt {
		if b {
			return int64(1), nil
		}
		return int64(0), nil
	}
	return b, nil
}

func (boolHandler) FromDriver(src any) (any, error) {
	if src == nil {
		return nil, nil
	}
	if b, ok := src.([]byte); ok {
		src = string(b)
	}
	return cast.ToBoolE(src)
}

type timeHandler struct{}

func (timeHandler) Name() string { return "time" }

func (timeHandler) ToDriver(v any, _ DBType) (driver.Value, error) {
	v = indirect(v)
	if v == nil {
		return nil, nil
	}
	return cast.ToTimeE(v)
}

func (timeHandler) FromDriver(src any) (any, error) {
	if src == nil {
		return nil, nil
	}
	if b, ok := src.([]byte); ok {
		src = string(b)
	}
	return cast.ToTimeE(src)
}

type bytesHandler struct{}

func (bytesHandler) Name() string { return "bytes" }

func (bytesHandler) ToDriver(v any, _ DBType) (driver.Value, error) {
	switch b := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	}
	return nil, fmt.Errorf("cannot convert %T to bytes", v)
}

func (bytesHandler) FromDriver(src any) (any, error) {
	switch b := src.(type) {
	case nil:
		return nil, nil
	case []byte:
		return append([]byte(nil), b...), nil
	case string:
		return []byte(b), nil
	}
	return nil, fmt.Errorf("cannot convert %T to bytes", src)
}

// valuerHandler passes types that implement driver.Valuer through their
// own conversion.
type valuerHandler struct{}

func (valuerHandler) Name() string { return "valuer" }

func (valuerHandler) ToDriver(v any, _ DBType) (driver.Value, error) {
	if v == nil {
		return nil, nil
	}
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Pointer && rv.IsNil() {
		return nil, nil
	}
	if vr, ok := v.(driver.Valuer); ok {
		return vr.Value()
	}
	// Value receivers only: take the address of a copy.
	p := reflect.New(reflect.TypeOf(v))
	p.Elem().Set(reflect.ValueOf(v))
	vr, ok := p.Interface().(driver.Valuer)
	if !ok {
		return nil, fmt.Errorf("%T does not implement driver.Valuer", v)
	}
	return vr.Value()
}

func (valuerHandler) FromDriver(src any) (any, error) {
	return src, nil
}

// unknownHandler resolves the concrete handler from the runtime type of
// each value.
type unknownHandler struct{ reg *Registry }

func (unknownHandler) Name() string { return "unknown" }

func (h unknownHandler) ToDriver(v any, dbType DBType) (driver.Value, error) {
	if v == nil {
		return nil, nil
	}
	if resolved := h.reg.lookup(reflect.TypeOf(v), dbType); resolved != nil {
		return resolved.ToDriver(v, dbType)
	}
	return driver.DefaultParameterConverter.ConvertValue(v)
}

func (unknownHandler) FromDriver(src any) (any, error) {
	if b, ok := src.([]byte); ok {
		return append([]byte(nil), b...), nil
	}
	return src, nil
}

// indirect dereferences pointers and reduces named basic kinds (such as
// `type Status string`) to their builtin type.
func indirect(v any) any {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		return nil
	}
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.String:
		return rv.String()
	case reflect.Bool:
		return rv.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint()
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	}
	return rv.Interface()
}

// convertTo converts v to typ when typ is a named variant of v's kind
// (for example a `type Status string`).
func convertTo(v any, typ reflect.Type) any {
	if typ == nil {
		return v
	}
	rv := reflect.ValueOf(v)
	if rv.Type() == typ || !rv.Type().ConvertibleTo(typ) {
		return v
	}
	return rv.Convert(typ).Interface()
}
