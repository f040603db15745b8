package registry

import (
	"sort"
	"strings"

	"github.com/roach88/sqlmap/internal/errs"
)

// strictMap is a name table that refuses to overwrite and that also
// indexes each entry by its short (last segment) name. A short name shared
// by two qualified names becomes ambiguous and can only be used qualified.
type strictMap[V any] struct {
	kind      Kind
	entries   map[string]V
	short     map[string]string
	ambiguous map[string][]string
}

func newStrictMap[V any](kind Kind) *strictMap[V] {
	return &strictMap[V]{
		kind:      kind,
		entries:   map[string]V{},
		short:     map[string]string{},
		ambiguous: map[string][]string{},
	}
}

func shortName(id string) string {
	if i := strings.LastIndex(id, "."); i >= 0 {
		return id[i+1:]
	}
	return ""
}

func (m *strictMap[V]) put(id string, v V) error {
	if _, ok := m.entries[id]; ok {
		return errs.NewCompileError(errs.CodeInvalidDefinition, "%s collection already contains a value for %s", m.kind, id)
	}
	m.entries[id] = v
	s := shortName(id)
	if s == "" {
		return nil
	}
	if others, ok := m.ambiguous[s]; ok {
		m.ambiguous[s] = append(others, id)
		return nil
	}
	if prev, ok := m.short[s]; ok {
		delete(m.short, s)
		m.ambiguous[s] = []string{prev, id}
		return nil
	}
	m.short[s] = id
	return nil
}

// resolve maps a possibly short name to the qualified name it denotes.
func (m *strictMap[V]) resolve(name string) (string, error) {
	if _, ok := m.entries[name]; ok {
		return name, nil
	}
	if full, ok := m.short[name]; ok {
		return full, nil
	}
	if ids, ok := m.ambiguous[name]; ok {
		return "", errs.NewCompileError(errs.CodeInvalidDefinition,
			"%s is ambiguous in %s collection (%s); use the full name including the namespace",
			name, m.kind, strings.Join(ids, ", "))
	}
	return "", &errs.NotFoundError{Kind: string(m.kind), Name: name}
}

func (m *strictMap[V]) get(name string) (V, error) {
	var zero V
	full, err := m.resolve(name)
	if err != nil {
		return zero, err
	}
	return m.entries[full], nil
}

func (m *strictMap[V]) has(name string) bool {
	_, err := m.resolve(name)
	return err == nil
}

func (m *strictMap[V]) ids() []string {
	out := make([]string, 0, len(m.entries))
	for id := range m.entries {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
