package sqlparam

import (
	"fmt"
	"reflect"

	"github.com/roach88/sqlmap/internal/reflectx"
	"github.com/roach88/sqlmap/internal/typeconv"
)

// Bound is the result of binding one statement invocation: final SQL,
// its descriptors, and where the values come from.
type Bound struct {
	SQL        string
	Mappings   []Mapping
	Parameter  any
	Additional map[string]any
	// Referenced lists the names a dynamic template consulted, in first-use
	// order. It is empty for static statements.
	Referenced []string
}

// Value returns the raw value for a descriptor. Template bindings win over
// the parameter object; a parameter of a simple type answers every
// property.
func (b *Bound) Value(m Mapping, types *typeconv.Registry) (any, error) {
	if _, ok := b.Additional[RootName(m.Property)]; ok {
		return reflectx.Value(b.Additional, m.Property)
	}
	if b.Parameter == nil {
		return nil, nil
	}
	if types != nil && types.Has(reflect.TypeOf(b.Parameter)) {
		return b.Parameter, nil
	}
	return reflectx.Value(b.Parameter, m.Property)
}

// Args converts every input descriptor's value with its handler, in
// placeholder order. Output-only parameters bind as nil.
func (b *Bound) Args(types *typeconv.Registry) ([]any, error) {
	args := make([]any, len(b.Mappings))
	for i, m := range b.Mappings {
		if m.Mode == ModeOut {
			continue
		}
		v, err := b.Value(m, types)
		if err != nil {
			return nil, fmt.Errorf("reading parameter %q: %w", m.Property, err)
		}
		h := m.Handler
		if h == nil {
			h = types.Unknown()
		}
		dv, err := h.ToDriver(v, m.DBType)
		if err != nil {
			return nil, fmt.Errorf("converting parameter %q with handler %s: %w", m.Property, h.Name(), err)
		}
		args[i] = dv
	}
	return args, nil
}
