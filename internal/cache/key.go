package cache

import (
	"encoding/hex"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/text/unicode/norm"

	"github.com/roach88/sqlmap/internal/reflectx"
)

// Key identifies a cached query result. It is built by appending the parts
// that determine the result (statement id, row bounds, SQL, bound values,
// environment id) and compares by value: two keys built from equal parts
// in the same order are equal, whatever the dynamic types of equal
// integers or the Unicode composition of equal strings.
type Key struct {
	canon []byte
	count int
}

// NewKey returns a key built from parts.
func NewKey(parts ...any) Key {
	var k Key
	for _, p := range parts {
		k.Update(p)
	}
	return k
}

// Update appends one part.
func (k *Key) Update(part any) {
	buf := k.canon[:len(k.canon):len(k.canon)]
	if k.count > 0 {
		buf = append(buf, '|')
	}
	k.canon = encode(buf, reflect.ValueOf(part))
	k.count++
}

// Count returns the number of parts.
func (k Key) Count() int { return k.count }

// Hash returns the xxhash of the canonical encoding.
func (k Key) Hash() uint64 { return xxhash.Sum64(k.canon) }

// Equal reports whether both keys were built from equal parts.
func (k Key) Equal(other Key) bool {
	return k.count == other.count && string(k.canon) == string(other.canon)
}

// String returns "hash:count:encoding". It is unique per key and is what
// caches index by.
func (k Key) String() string {
	return fmt.Sprintf("%016x:%d:%s", k.Hash(), k.count, k.canon)
}

// IsZero reports whether no part was added.
func (k Key) IsZero() bool { return k.count == 0 }

var timeType = reflect.TypeOf(time.Time{})

// encode appends a tagged, self-delimiting encoding of v.
func encode(buf []byte, v reflect.Value) []byte {
	for v.IsValid() && (v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface) {
		if v.IsNil() {
			return append(buf, 'n')
		}
		v = v.Elem()
	}
	if !v.IsValid() {
		return append(buf, 'n')
	}
	if v.Type() == timeType {
		t := v.Interface().(time.Time)
		return append(append(buf, 't'), t.UTC().Format(time.RFC3339Nano)...)
	}
	switch v.Kind() {
	case reflect.Bool:
		if v.Bool() {
			return append(buf, "b1"...)
		}
		return append(buf, "b0"...)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.AppendInt(append(buf, 'i'), v.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := v.Uint()
		if u <= 1<<63-1 {
			return strconv.AppendInt(append(buf, 'i'), int64(u), 10)
		}
		return strconv.AppendUint(append(buf, 'u'), u, 10)
	case reflect.Float32, reflect.Float64:
		return strconv.AppendFloat(append(buf, 'f'), v.Float(), 'g', -1, 64)
	case reflect.String:
		return appendString(append(buf, 's'), v.String())
	case reflect.Slice, reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, v.Len())
			reflect.Copy(reflect.ValueOf(b), v)
			buf = append(buf, 'x')
			buf = strconv.AppendInt(buf, int64(len(b)), 10)
			buf = append(buf, ':')
			return append(buf, hex.EncodeToString(b)...)
		}
		buf = append(buf, '[')
		for i := 0; i < v.Len(); i++ {
			if i > 0 {
				buf = append(buf, ',')
			}
			buf = encode(buf, v.Index(i))
		}
		return append(buf, ']')
	case reflect.Map:
		type entry struct {
			key string
			val reflect.Value
		}
		entries := make([]entry, 0, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			entries = append(entries, entry{string(encode(nil, iter.Key())), iter.Value()})
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].key < entries[j].key })
		buf = append(buf, '{')
		for i, e := range entries {
			if i > 0 {
				buf = append(buf, ',')
			}
			buf = append(buf, e.key...)
			buf = append(buf, '=')
			buf = encode(buf, e.val)
		}
		return append(buf, '}')
	case reflect.Struct:
		return encode(buf, reflect.ValueOf(reflectx.Normalize(v.Interface())))
	}
	return appendString(append(buf, 'o'), fmt.Sprintf("%T:%v", v.Interface(), v.Interface()))
}

func appendString(buf []byte, s string) []byte {
	s = norm.NFC.String(s)
	buf = strconv.AppendInt(buf, int64(len(s)), 10)
	buf = append(buf, ':')
	return append(buf, s...)
}
