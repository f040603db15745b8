package scripting

import (
	"reflect"
	"strings"

	"github.com/roach88/sqlmap/internal/expr"
	"github.com/roach88/sqlmap/internal/node"
	"github.com/roach88/sqlmap/internal/sqlparam"
	"github.com/roach88/sqlmap/internal/tokens"
	"github.com/roach88/sqlmap/internal/typeconv"
)

// Source produces the bound SQL of a statement for one parameter object.
type Source interface {
	Bind(param any) (*sqlparam.Bound, error)
}

// Driver creates statement sources. It carries the settings shared by
// every statement of a configuration.
type Driver struct {
	Eval       *expr.Evaluator
	Extractor  *sqlparam.Extractor
	Types      *typeconv.Registry
	DatabaseID string

	// NullableOnForEach is the default for foreach elements without a
	// nullable attribute.
	NullableOnForEach bool
}

// NewDriver returns a Driver with a fresh evaluator and "?" placeholders.
func NewDriver(types *typeconv.Registry) *Driver {
	return &Driver{
		Eval:      expr.MustNew(),
		Extractor: sqlparam.NewExtractor(types),
		Types:     types,
	}
}

// CreateSource compiles a statement element. Static bodies are extracted
// once here; dynamic ones on every Bind. paramType is the declared
// parameter type, or nil when the statement does not declare one.
func (d *Driver) CreateSource(stmt *node.Node, paramType reflect.Type) (Source, error) {
	root, dynamic, err := Compile(stmt)
	if err != nil {
		return nil, err
	}
	if dynamic {
		return &DynamicSource{driver: d, root: root}, nil
	}
	return d.rawSource(root, paramType)
}

// CreateSourceFromText compiles SQL given as a string. Text wrapped in
// <script> is parsed as a template; other text is dynamic only when it
// holds ${} substitutions.
func (d *Driver) CreateSourceFromText(sql string, paramType reflect.Type) (Source, error) {
	trimmed := strings.TrimSpace(sql)
	if strings.HasPrefix(trimmed, "<script>") {
		n, err := node.ParseXMLString(trimmed, "<script>")
		if err != nil {
			return nil, err
		}
		return d.CreateSource(n, paramType)
	}
	if tokens.Substitution.Contains(sql) {
		return &DynamicSource{driver: d, root: &DynamicText{Text: sql}}, nil
	}
	return d.StaticSource(sql, paramType)
}

// StaticSource extracts sql immediately.
func (d *Driver) StaticSource(sql string, paramType reflect.Type) (*StaticSource, error) {
	out, mappings, err := d.Extractor.Extract(strings.TrimSpace(sql), paramType, nil)
	if err != nil {
		return nil, err
	}
	return &StaticSource{SQL: out, Mappings: mappings}, nil
}

func (d *Driver) rawSource(root Node, paramType reflect.Type) (*StaticSource, error) {
	e := NewEnv(d.Eval, nil, d.DatabaseID, false)
	if _, err := root.Apply(e); err != nil {
		return nil, err
	}
	return d.StaticSource(e.SQL(), paramType)
}

func (d *Driver) newEnv(param any) *Env {
	simple := param != nil && d.Types.Has(reflect.TypeOf(param))
	e := NewEnv(d.Eval, param, d.DatabaseID, simple)
	e.nullableOnForEach = d.NullableOnForEach
	return e
}

// StaticSource is SQL already reduced to placeholders and descriptors.
// Every Bind returns the same SQL and descriptors.
type StaticSource struct {
	SQL      string
	Mappings []sqlparam.Mapping
}

func (s *StaticSource) Bind(param any) (*sqlparam.Bound, error) {
	return &sqlparam.Bound{SQL: s.SQL, Mappings: s.Mappings, Parameter: param}, nil
}

// DynamicSource evaluates its template for every invocation, then extracts
// the result against the runtime parameter type and template bindings.
type DynamicSource struct {
	driver *Driver
	root   Node
}

func (s *DynamicSource) Bind(param any) (*sqlparam.Bound, error) {
	e := s.driver.newEnv(param)
	if _, err := s.root.Apply(e); err != nil {
		return nil, err
	}
	var paramType reflect.Type
	if param != nil {
		paramType = reflect.TypeOf(param)
	}
	bindings := e.Bindings()
	sql, mappings, err := s.driver.Extractor.Extract(strings.TrimSpace(e.SQL()), paramType, bindings)
	if err != nil {
		return nil, err
	}
	return &sqlparam.Bound{
		SQL:        sql,
		Mappings:   mappings,
		Parameter:  param,
		Additional: bindings,
		Referenced: e.Referenced(),
	}, nil
}
