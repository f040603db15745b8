// Package typeconv is the value-conversion registry: it maps a (Go type,
// database type) pair to the Handler that converts bind values for the
// driver and scanned columns back into Go values.
package typeconv

import (
	"database/sql"
	"database/sql/driver"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"
)

var (
	// AnyType is the generic fallback type for properties whose type cannot
	// be resolved.
	AnyType = reflect.TypeOf((*any)(nil)).Elem()
	// MapType is the type of map parameters and map result rows.
	MapType = reflect.TypeOf(map[string]any(nil))
	// RowsType is the effective type of CURSOR parameters.
	RowsType = reflect.TypeOf((*sql.Rows)(nil))

	valuerType = reflect.TypeOf((*driver.Valuer)(nil)).Elem()
	timeType   = reflect.TypeOf(time.Time{})
	bytesType  = reflect.TypeOf([]byte(nil))
)

// Registry resolves handlers and type aliases. The zero value is not usable;
// call NewRegistry.
type Registry struct {
	mu      sync.RWMutex
	byType  map[reflect.Type]map[DBType]Handler
	byName  map[string]Handler
	aliases map[string]reflect.Type
	unknown Handler
}

// NewRegistry returns a registry with handlers for the builtin scalar
// types, time.Time, []byte and driver.Valuer implementations.
func NewRegistry() *Registry {
	r := &Registry{
		byType:  map[reflect.Type]map[DBType]Handler{},
		byName:  map[string]Handler{},
		aliases: map[string]reflect.Type{},
	}
	r.unknown = unknownHandler{reg: r}
	r.byName[r.unknown.Name()] = r.unknown

	r.Register(reflect.TypeOf(""), Unset, stringHandler{typ: reflect.TypeOf("")})
	for _, v := range []any{int(0), int8(0), int16(0), int32(0), int64(0), uint(0), uint8(0), uint16(0), uint32(0), uint64(0)} {
		t := reflect.TypeOf(v)
		r.Register(t, Unset, intHandler{typ: t})
	}
	for _, v := range []any{float32(0), float64(0)} {
		t := reflect.TypeOf(v)
		r.Register(t, Unset, floatHandler{typ: t})
	}
	r.Register(reflect.TypeOf(false), Unset, boolHandler{})
	r.Register(timeType, Unset, timeHandler{})
	r.Register(bytesType, Unset, bytesHandler{})
	r.byName["valuer"] = valuerHandler{}

	for alias, t := range map[string]reflect.Type{
		"string": reflect.TypeOf(""), "int": reflect.TypeOf(0), "int8": reflect.TypeOf(int8(0)),
		"int16": reflect.TypeOf(int16(0)), "int32": reflect.TypeOf(int32(0)), "int64": reflect.TypeOf(int64(0)),
		"uint": reflect.TypeOf(uint(0)), "uint8": reflect.TypeOf(uint8(0)), "uint16": reflect.TypeOf(uint16(0)),
		"uint32": reflect.TypeOf(uint32(0)), "uint64": reflect.TypeOf(uint64(0)),
		"float32": reflect.TypeOf(float32(0)), "float64": reflect.TypeOf(float64(0)),
		"bool": reflect.TypeOf(false), "time": timeType, "bytes": bytesType,
		"map": MapType, "any": AnyType, "object": AnyType, "rows": RowsType,
	} {
		r.aliases[alias] = t
	}
	return r
}

// Register binds h to (t, dbType). Unset dbType is the default handler for t.
func (r *Registry) Register(t reflect.Type, dbType DBType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.byType[t]
	if !ok {
		m = map[DBType]Handler{}
		r.byType[t] = m
	}
	m[dbType] = h
	if _, taken := r.byName[h.Name()]; !taken {
		r.byName[h.Name()] = h
	}
}

// RegisterNamed makes h addressable by name from bind markers
// (handler=name) and result mappings.
func (r *Registry) RegisterNamed(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[h.Name()] = h
}

// RegisterAlias makes t addressable by name in definitions (type=...,
// resultType=..., parameterType=...).
func (r *Registry) RegisterAlias(alias string, t reflect.Type) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliases[strings.ToLower(alias)] = t
}

// ResolveAlias returns the type registered under alias.
func (r *Registry) ResolveAlias(alias string) (reflect.Type, error) {
	if alias == "" {
		return nil, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.aliases[strings.ToLower(alias)]
	if !ok {
		return nil, fmt.Errorf("could not resolve type alias %q", alias)
	}
	return t, nil
}

// AliasFor returns the registered alias of t, or the Go type name.
func (r *Registry) AliasFor(t reflect.Type) string {
	if t == nil {
		return ""
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	best := ""
	for alias, at := range r.aliases {
		if at == t && (best == "" || alias < best) {
			best = alias
		}
	}
	if best != "" {
		return best
	}
	return t.String()
}

// ByName returns the handler registered under name.
func (r *Registry) ByName(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byName[name]
	return h, ok
}

// Has reports whether t itself has a handler (it is a "simple" type that
// binds as one value rather than through its properties).
func (r *Registry) Has(t reflect.Type) bool {
	return t != nil && r.lookup(t, Unset) != nil
}

// Resolve returns the handler for (t, dbType), falling back to the handler
// of t's underlying kind and finally to the unknown handler, which decides
// per value at bind time. It never returns nil.
func (r *Registry) Resolve(t reflect.Type, dbType DBType) Handler {
	if t == nil || t == AnyType {
		return r.unknown
	}
	if h := r.lookup(t, dbType); h != nil {
		return h
	}
	return r.unknown
}

// Unknown returns the runtime-dispatching fallback handler.
func (r *Registry) Unknown() Handler {
	return r.unknown
}

func (r *Registry) lookup(t reflect.Type, dbType DBType) Handler {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	r.mu.RLock()
	m := r.byType[t]
	h := m[dbType]
	if h == nil {
		h = m[Unset]
	}
	r.mu.RUnlock()
	if h != nil {
		return h
	}

	if t.Implements(valuerType) || reflect.PointerTo(t).Implements(valuerType) {
		return valuerHandler{}
	}

	// Named types such as `type Status string` use their kind's handler.
	var base reflect.Type
	switch t.Kind() {
	case reflect.String:
		return stringHandler{typ: t}
	case reflect.Bool:
		return boolHandler{}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return intHandler{typ: t}
	case reflect.Float32, reflect.Float64:
		return floatHandler{typ: t}
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			base = bytesType
		}
	}
	if base != nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		return r.byType[base][Unset]
	}
	return nil
}
