// Package reflectx resolves property paths such as "author.name" or
// "items[0].id" against Go values and types.
//
// Struct fields are addressed by their `db` tag when present, otherwise by a
// property name derived from the field name ("Title" → "title", "ID" → "ID").
// Lookups are case-insensitive as a fallback. Per-type field tables are
// cached.
package reflectx

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"
)

// PropertyError reports a property path that does not exist on a value.
type PropertyError struct {
	Path    string
	Type    string
	Message string
}

func (e *PropertyError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("property %q on %s: %s", e.Path, e.Type, e.Message)
	}
	return fmt.Sprintf("there is no property named %q on %s", e.Path, e.Type)
}

// Field describes one addressable struct field.
type Field struct {
	Name  string // property name
	Index []int
	Type  reflect.Type
}

type structInfo struct {
	fields  []Field
	byName  map[string]int
	byLower map[string]int
}

var (
	cacheMu sync.RWMutex
	cache   = map[reflect.Type]*structInfo{}
)

// Fields returns the property fields of a struct type in declaration order.
func Fields(t reflect.Type) []Field {
	t = Indirect(t)
	if t.Kind() != reflect.Struct {
		return nil
	}
	return infoFor(t).fields
}

// FieldByName looks up a property field, falling back to a case-insensitive
// match.
func FieldByName(t reflect.Type, name string) (Field, bool) {
	t = Indirect(t)
	if t.Kind() != reflect.Struct {
		return Field{}, false
	}
	info := infoFor(t)
	if i, ok := info.byName[name]; ok {
		return info.fields[i], true
	}
	if i, ok := info.byLower[strings.ToLower(name)]; ok {
		return info.fields[i], true
	}
	return Field{}, false
}

func infoFor(t reflect.Type) *structInfo {
	cacheMu.RLock()
	info, ok := cache[t]
	cacheMu.RUnlock()
	if ok {
		return info
	}

	info = buildInfo(t)

	cacheMu.Lock()
	defer cacheMu.Unlock()
	if existing, ok := cache[t]; ok {
		return existing
	}
	cache[t] = info
	return info
}

func buildInfo(t reflect.Type) *structInfo {
	info := &structInfo{byName: map[string]int{}, byLower: map[string]int{}}
	var walk func(t reflect.Type, index []int)
	walk = func(t reflect.Type, index []int) {
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			idx := append(append([]int(nil), index...), i)
			tag := f.Tag.Get("db")
			if tag == "-" {
				continue
			}
			if f.Anonymous && tag == "" && Indirect(f.Type).Kind() == reflect.Struct {
				walk(Indirect(f.Type), idx)
				continue
			}
			if !f.IsExported() {
				continue
			}
			name := strings.Split(tag, ",")[0]
			if name == "" {
				name = Decapitalize(f.Name)
			}
			if _, dup := info.byName[name]; dup {
				continue
			}
			info.byName[name] = len(info.fields)
			info.byLower[strings.ToLower(name)] = len(info.fields)
			info.fields = append(info.fields, Field{Name: name, Index: idx, Type: f.Type})
		}
	}
	walk(t, nil)
	return info
}

// Decapitalize lowers the first rune of a Go field name unless the first two
// runes are both upper case.
func Decapitalize(name string) string {
	if name == "" {
		return name
	}
	r, size := utf8.DecodeRuneInString(name)
	if len(name) > size {
		r2, _ := utf8.DecodeRuneInString(name[size:])
		if unicode.IsUpper(r) && unicode.IsUpper(r2) {
			return name
		}
	}
	return string(unicode.ToLower(r)) + name[size:]
}

// Indirect strips pointer types.
func Indirect(t reflect.Type) reflect.Type {
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}

// segment is one step of a property path: a name and an optional index.
type segment struct {
	name  string
	index string
	hasIx bool
}

func splitPath(path string) []segment {
	var segs []segment
	for _, part := range strings.Split(path, ".") {
		s := segment{name: part}
		if open := strings.IndexByte(part, '['); open >= 0 && strings.HasSuffix(part, "]") {
			s.name = part[:open]
			s.index = part[open+1 : len(part)-1]
			s.hasIx = true
		}
		segs = append(segs, s)
	}
	return segs
}

// PropertyType resolves the declared type of a property path on type t.
// Map and interface steps yield their element type; the boolean is false
// when a step cannot be resolved statically.
func PropertyType(t reflect.Type, path string) (reflect.Type, bool) {
	if t == nil || path == "" {
		return nil, false
	}
	cur := t
	for _, seg := range splitPath(path) {
		cur = Indirect(cur)
		if seg.name != "" {
			switch cur.Kind() {
			case reflect.Struct:
				f, ok := FieldByName(cur, seg.name)
				if !ok {
					return nil, false
				}
				cur = f.Type
			case reflect.Map:
				cur = cur.Elem()
			default:
				return nil, false
			}
		}
		if seg.hasIx {
			cur = Indirect(cur)
			switch cur.Kind() {
			case reflect.Slice, reflect.Array, reflect.Map:
				cur = cur.Elem()
			default:
				return nil, false
			}
		}
		if cur.Kind() == reflect.Interface {
			return nil, false
		}
	}
	return cur, true
}

// HasProperty reports whether the top-level name resolves on obj.
func HasProperty(obj any, name string) bool {
	v := indirectValue(reflect.ValueOf(obj))
	if !v.IsValid() {
		return false
	}
	switch v.Kind() {
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return false
		}
		return v.MapIndex(reflect.ValueOf(name).Convert(v.Type().Key())).IsValid()
	case reflect.Struct:
		_, ok := FieldByName(v.Type(), name)
		return ok
	}
	return false
}

// Value reads a property path from obj. Missing map keys and nil pointers
// along the path yield nil; a missing struct field is an error.
func Value(obj any, path string) (any, error) {
	v := reflect.ValueOf(obj)
	for _, seg := range splitPath(path) {
		v = indirectValue(v)
		if !v.IsValid() {
			return nil, nil
		}
		if seg.name != "" {
			next, err := step(v, seg.name, path)
			if err != nil {
				return nil, err
			}
			v = next
		}
		if seg.hasIx {
			v = indirectValue(v)
			if !v.IsValid() {
				return nil, nil
			}
			next, err := index(v, seg.index, path)
			if err != nil {
				return nil, err
			}
			v = next
		}
	}
	v = indirectValue(v)
	if !v.IsValid() {
		return nil, nil
	}
	return v.Interface(), nil
}

func step(v reflect.Value, name, path string) (reflect.Value, error) {
	switch v.Kind() {
	case reflect.Map:
		key := reflect.ValueOf(name)
		if !key.Type().ConvertibleTo(v.Type().Key()) {
			return reflect.Value{}, &PropertyError{Path: path, Type: v.Type().String(), Message: "map key is not a string"}
		}
		return v.MapIndex(key.Convert(v.Type().Key())), nil
	case reflect.Struct:
		f, ok := FieldByName(v.Type(), name)
		if !ok {
			return reflect.Value{}, &PropertyError{Path: path, Type: v.Type().String()}
		}
		fv, err := v.FieldByIndexErr(f.Index)
		if err != nil {
			return reflect.Value{}, nil
		}
		return fv, nil
	}
	return reflect.Value{}, &PropertyError{Path: path, Type: v.Type().String()}
}

func index(v reflect.Value, ix, path string) (reflect.Value, error) {
	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		i, err := strconv.Atoi(ix)
		if err != nil {
			return reflect.Value{}, &PropertyError{Path: path, Type: v.Type().String(), Message: "index is not a number"}
		}
		if i < 0 || i >= v.Len() {
			return reflect.Value{}, &PropertyError{Path: path, Type: v.Type().String(), Message: "index out of range"}
		}
		return v.Index(i), nil
	case reflect.Map:
		key := reflect.ValueOf(ix)
		if !key.Type().ConvertibleTo(v.Type().Key()) {
			return reflect.Value{}, &PropertyError{Path: path, Type: v.Type().String(), Message: "map key is not a string"}
		}
		return v.MapIndex(key.Convert(v.Type().Key())), nil
	}
	return reflect.Value{}, &PropertyError{Path: path, Type: v.Type().String(), Message: "value is not indexable"}
}

func indirectValue(v reflect.Value) reflect.Value {
	for v.IsValid() && (v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface) {
		if v.IsNil() {
			return reflect.Value{}
		}
		v = v.Elem()
	}
	return v
}

var (
	timeType  = reflect.TypeOf(time.Time{})
	bytesType = reflect.TypeOf([]byte(nil))
)

// Normalize converts a value into plain maps, slices and scalars: structs
// become map[string]any keyed by property name, string-keyed maps become
// map[string]any, slices become []any. Times and byte slices are kept.
func Normalize(obj any) any {
	return normalize(reflect.ValueOf(obj))
}

func normalize(v reflect.Value) any {
	v = indirectValue(v)
	if !v.IsValid() {
		return nil
	}
	if v.Type() == timeType || v.Type() == bytesType {
		return v.Interface()
	}
	switch v.Kind() {
	case reflect.Struct:
		fields := Fields(v.Type())
		out := make(map[string]any, len(fields))
		for _, f := range fields {
			fv, err := v.FieldByIndexErr(f.Index)
			if err != nil {
				out[f.Name] = nil
				continue
			}
			out[f.Name] = normalize(fv)
		}
		return out
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return v.Interface()
		}
		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = normalize(iter.Value())
		}
		return out
	case reflect.Slice, reflect.Array:
		out := make([]any, v.Len())
		for i := range out {
			out[i] = normalize(v.Index(i))
		}
		return out
	}
	return v.Interface()
}

// SetField assigns value to the named property of the struct dst points to,
// allocating nil embedded pointers along the way. The value must be
// assignable or convertible to the field type.
func SetField(dst reflect.Value, name string, value any) error {
	dst = indirectValue(dst)
	if !dst.IsValid() || dst.Kind() != reflect.Struct {
		return &PropertyError{Path: name, Type: fmt.Sprint(dst.Type()), Message: "not a struct"}
	}
	f, ok := FieldByName(dst.Type(), name)
	if !ok {
		return &PropertyError{Path: name, Type: dst.Type().String()}
	}
	fv := dst
	for i, x := range f.Index {
		if i > 0 && fv.Kind() == reflect.Pointer {
			if fv.IsNil() {
				fv.Set(reflect.New(fv.Type().Elem()))
			}
			fv = fv.Elem()
		}
		fv = fv.Field(x)
	}
	if value == nil {
		fv.Set(reflect.Zero(fv.Type()))
		return nil
	}
	rv := reflect.ValueOf(value)
	switch {
	case rv.Type().AssignableTo(fv.Type()):
		fv.Set(rv)
	case rv.Type().ConvertibleTo(fv.Type()):
		fv.Set(rv.Convert(fv.Type()))
	case fv.Kind() == reflect.Pointer && rv.Type().ConvertibleTo(fv.Type().Elem()):
		p := reflect.New(fv.Type().Elem())
		p.Elem().Set(rv.Convert(fv.Type().Elem()))
		fv.Set(p)
	default:
		return &PropertyError{Path: name, Type: dst.Type().String(), Message: fmt.Sprintf("cannot assign %T", value)}
	}
	return nil
}
