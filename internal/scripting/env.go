package scripting

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/roach88/sqlmap/internal/expr"
	"github.com/roach88/sqlmap/internal/reflectx"
)

// Reserved binding names.
const (
	ParameterKey  = "_parameter"
	DatabaseIDKey = "_databaseId"
)

// Env is the binding environment of one template evaluation. It holds the
// variables visible to expressions and the SQL text produced so far.
//
// Lookup order: explicit bindings (including _parameter and _databaseId),
// then properties of the parameter object, then, for a parameter of a
// simple type, the parameter itself under any name.
type Env struct {
	eval     *expr.Evaluator
	param    any
	simple   bool
	bindings map[string]any

	out    *strings.Builder
	unique int

	refs []string
	seen map[string]bool

	nullableOnForEach bool
}

// NewEnv creates an environment for one invocation. simple reports whether
// param has a registered type handler.
func NewEnv(eval *expr.Evaluator, param any, databaseID string, simple bool) *Env {
	e := &Env{
		eval:     eval,
		param:    param,
		simple:   simple && param != nil,
		bindings: map[string]any{ParameterKey: param, DatabaseIDKey: nil},
		out:      &strings.Builder{},
		seen:     map[string]bool{},
	}
	if databaseID != "" {
		e.bindings[DatabaseIDKey] = databaseID
	}
	return e
}

// Lookup implements expr.Bindings.
func (e *Env) Lookup(name string) (any, bool) {
	if !e.seen[name] {
		e.seen[name] = true
		e.refs = append(e.refs, name)
	}
	if v, ok := e.bindings[name]; ok {
		return v, true
	}
	if e.param == nil {
		return nil, false
	}
	if e.simple {
		return e.param, true
	}
	if reflectx.HasProperty(e.param, name) {
		v, err := reflectx.Value(e.param, name)
		if err != nil {
			return nil, false
		}
		return v, true
	}
	return nil, false
}

// Bind sets a variable, shadowing any parameter property of the same name.
func (e *Env) Bind(name string, v any) {
	e.bindings[name] = v
}

// Bindings returns the explicit bindings. The map is shared.
func (e *Env) Bindings() map[string]any {
	return e.bindings
}

// Referenced returns the names consulted so far in first-use order.
func (e *Env) Referenced() []string {
	return append([]string(nil), e.refs...)
}

// Append adds a chunk of SQL. Chunks are joined by a single space unless
// one side already has whitespace at the boundary.
func (e *Env) Append(s string) {
	if s == "" {
		return
	}
	if n := e.out.Len(); n > 0 {
		last := e.out.String()[n-1]
		if !unicode.IsSpace(rune(last)) && !unicode.IsSpace(rune(s[0])) {
			e.out.WriteByte(' ')
		}
	}
	e.out.WriteString(s)
}

// SQL returns the text produced so far.
func (e *Env) SQL() string {
	return e.out.String()
}

// capture runs fn with output redirected to a scratch buffer and returns
// what it wrote.
func (e *Env) capture(fn func() (bool, error)) (string, bool, error) {
	saved := e.out
	e.out = &strings.Builder{}
	defer func() { e.out = saved }()
	ok, err := fn()
	return e.out.String(), ok, err
}

// nextUnique returns a number never handed out before in this environment.
func (e *Env) nextUnique() int {
	n := e.unique
	e.unique++
	return n
}

// shadow binds name and returns a function restoring the previous state.
func (e *Env) shadow(name string) func() {
	old, had := e.bindings[name]
	return func() {
		if had {
			e.bindings[name] = old
		} else {
			delete(e.bindings, name)
		}
	}
}

var propertyPath = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)

// collection evaluates a foreach collection. A plain property path is read
// directly so elements keep their Go types; anything else goes through the
// expression evaluator.
func (e *Env) collection(expression string) (any, error) {
	text := strings.TrimSpace(expression)
	if !propertyPath.MatchString(text) {
		return e.eval.EvalValue(text, e)
	}
	root, rest, _ := strings.Cut(text, ".")
	v, ok := e.Lookup(root)
	if !ok || v == nil || rest == "" {
		return v, nil
	}
	return reflectx.Value(v, rest)
}
