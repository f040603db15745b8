package typeconv

import (
	"database/sql/driver"
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type status string

type money struct{ cents int64 }

func (m *money) Value() (driver.Value, error) { return m.cents, nil }

type upperHandler struct{}

func (upperHandler) Name() string { return "upper" }
func (upperHandler) ToDriver(v any, _ DBType) (driver.Value, error) {
	return "U:" + v.(string), nil
}
func (upperHandler) FromDriver(src any) (any, error) { return src, nil }

func TestParseDBType(t *testing.T) {
	got, err := ParseDBType("varchar")
	require.NoError(t, err)
	assert.Equal(t, Varchar, got)

	got, err = ParseDBType("")
	require.NoError(t, err)
	assert.Equal(t, Unset, got)

	_, err = ParseDBType("VARCHAR2")
	assert.Error(t, err)
}

func TestResolve(t *testing.T) {
	r := NewRegistry()

	tests := []struct {
		name string
		typ  reflect.Type
		want string
	}{
		{"string", reflect.TypeOf(""), "string"},
		{"int", reflect.TypeOf(0), "int"},
		{"pointer to int64", reflect.TypeOf(new(int64)), "int64"},
		{"float", reflect.TypeOf(1.5), "float64"},
		{"time", reflect.TypeOf(time.Time{}), "time"},
		{"named string", reflect.TypeOf(status("")), "string"},
		{"valuer", reflect.TypeOf(money{}), "valuer"},
		{"struct", reflect.TypeOf(struct{ A int }{}), "unknown"},
		{"any", AnyType, "unknown"},
		{"nil", nil, "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Resolve(tt.typ, Unset).Name())
		})
	}
}

func TestResolvePrefersDBTypeSpecificHandler(t *testing.T) {
	r := NewRegistry()
	r.Register(reflect.TypeOf(""), Clob, upperHandler{})

	assert.Equal(t, "upper", r.Resolve(reflect.TypeOf(""), Clob).Name())
	assert.Equal(t, "string", r.Resolve(reflect.TypeOf(""), Varchar).Name())

	h, ok := r.ByName("upper")
	require.True(t, ok)
	assert.Equal(t, "upper", h.Name())
}

func TestHas(t *testing.T) {
	r := NewRegistry()
	assert.True(t, r.Has(reflect.TypeOf(0)))
	assert.True(t, r.Has(reflect.TypeOf(time.Time{})))
	assert.False(t, r.Has(MapType))
	assert.False(t, r.Has(reflect.TypeOf(struct{}{})))
	assert.False(t, r.Has(nil))
}

func TestAliases(t *testing.T) {
	r := NewRegistry()
	got, err := r.ResolveAlias("INT64")
	require.NoError(t, err)
	assert.Equal(t, reflect.TypeOf(int64(0)), got)

	type Blog struct{ ID int }
	r.RegisterAlias("Blog", reflect.TypeOf(Blog{}))
	got, err = r.ResolveAlias("blog")
	require.NoError(t, err)
	assert.Equal(t, reflect.TypeOf(Blog{}), got)
	assert.Equal(t, "blog", r.AliasFor(reflect.TypeOf(Blog{})))
	assert.Equal(t, "any", r.AliasFor(AnyType))

	_, err = r.ResolveAlias("nope")
	assert.Error(t, err)

	got, err = r.ResolveAlias("")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestToDriver(t *testing.T) {
	r := NewRegistry()
	when := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	five := 5

	tests := []struct {
		name   string
		typ    reflect.Type
		dbType DBType
		in     any
		want   driver.Value
	}{
		{"string", reflect.TypeOf(""), Unset, "x", "x"},
		{"named string", reflect.TypeOf(status("")), Unset, status("open"), "open"},
		{"int to int64", reflect.TypeOf(0), Unset, 5, int64(5)},
		{"int pointer", reflect.TypeOf(0), Unset, &five, int64(5)},
		{"nil pointer", reflect.TypeOf(0), Unset, (*int)(nil), nil},
		{"int as varchar", reflect.TypeOf(0), Varchar, 5, "5"},
		{"bool", reflect.TypeOf(false), Unset, true, true},
		{"bool as integer", reflect.TypeOf(false), Integer, true, int64(1)},
		{"float", reflect.TypeOf(0.0), Unset, float32(1.5), 1.5},
		{"time", reflect.TypeOf(time.Time{}), Unset, when, when},
		{"bytes", reflect.TypeOf([]byte{}), Unset, "ab", []byte("ab")},
		{"valuer", reflect.TypeOf(money{}), Unset, money{cents: 250}, int64(250)},
		{"unknown dispatches", nil, Unset, int32(7), int64(7)},
		{"unknown nil", nil, Unset, nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(tt.typ, tt.dbType).ToDriver(tt.in, tt.dbType)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestToDriverRejectsUnsignedOverflow(t *testing.T) {
	r := NewRegistry()
	h := r.Resolve(reflect.TypeOf(uint64(0)), Unset)

	got, err := h.ToDriver(uint64(math.MaxInt64), Unset)
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), got)

	_, err = h.ToDriver(uint64(math.MaxInt64)+1, Unset)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overflows int64")

	_, err = r.Resolve(reflect.TypeOf(uint(0)), Unset).ToDriver(uint(math.MaxUint), Unset)
	assert.Error(t, err)

	got, err = h.ToDriver(uint64(math.MaxUint64), Varchar)
	require.NoError(t, err)
	assert.Equal(t, "18446744073709551615", got, "text columns keep the full value")
}

func TestFromDriver(t *testing.T) {
	r := NewRegistry()

	got, err := r.Resolve(reflect.TypeOf(int32(0)), Unset).FromDriver(int64(12))
	require.NoError(t, err)
	assert.Equal(t, int32(12), got)

	got, err = r.Resolve(reflect.TypeOf(0), Unset).FromDriver([]byte("42"))
	require.NoError(t, err)
	assert.Equal(t, 42, got)

	got, err = r.Resolve(reflect.TypeOf(status("")), Unset).FromDriver("closed")
	require.NoError(t, err)
	assert.Equal(t, status("closed"), got)

	got, err = r.Resolve(reflect.TypeOf(false), Unset).FromDriver(int64(1))
	require.NoError(t, err)
	assert.Equal(t, true, got)

	got, err = r.Resolve(reflect.TypeOf(time.Time{}), Unset).FromDriver("2024-05-06T07:08:09Z")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC), got)

	got, err = r.Unknown().FromDriver([]byte("raw"))
	require.NoError(t, err)
	assert.Equal(t, []byte("raw"), got)

	got, err = r.Resolve(reflect.TypeOf(""), Unset).FromDriver(nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = r.Resolve(reflect.TypeOf(0), Unset).FromDriver("abc")
	assert.Error(t, err)
}
