// Package expr evaluates template expressions (if/when tests, foreach
// collections, bind values and ${} substitutions) with CEL.
//
// Expressions are parsed without type checking so that the set of
// variables can differ from one invocation to the next; names resolve at
// evaluation time through a Bindings lookup. A bare name that is not bound
// evaluates to null, which keeps tests such as `title != null` usable
// against parameters that omit the property.
package expr

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
	"github.com/google/cel-go/ext"
	"github.com/google/cel-go/interpreter"

	"github.com/roach88/sqlmap/internal/reflectx"
)

// Bindings supplies variable values by name.
type Bindings interface {
	Lookup(name string) (any, bool)
}

// Error is returned for expressions that fail to parse or evaluate.
type Error struct {
	Expr string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("evaluating %q: %v", e.Expr, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Evaluator compiles and caches CEL programs. It is safe for concurrent use.
type Evaluator struct {
	env      *cel.Env
	programs sync.Map // expression text -> cel.Program
}

// New creates an Evaluator with the CEL string extensions and cross-type
// numeric comparisons enabled.
func New() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.CrossTypeNumericComparisons(true),
		ext.Strings(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating CEL environment: %w", err)
	}
	return &Evaluator{env: env}, nil
}

// MustNew is like New but panics on error.
func MustNew() *Evaluator {
	e, err := New()
	if err != nil {
		panic(err)
	}
	return e
}

func (e *Evaluator) program(text string) (cel.Program, error) {
	if p, ok := e.programs.Load(text); ok {
		return p.(cel.Program), nil
	}
	ast, iss := e.env.Parse(text)
	if iss != nil && iss.Err() != nil {
		return nil, &Error{Expr: text, Err: iss.Err()}
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, &Error{Expr: text, Err: err}
	}
	actual, _ := e.programs.LoadOrStore(text, prg)
	return actual.(cel.Program), nil
}

func (e *Evaluator) eval(text string, b Bindings) (ref.Val, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, &Error{Expr: text, Err: fmt.Errorf("empty expression")}
	}
	prg, err := e.program(text)
	if err != nil {
		return nil, err
	}
	out, _, err := prg.Eval(activation{b: b})
	if err != nil {
		return nil, &Error{Expr: text, Err: err}
	}
	return out, nil
}

// EvalBool evaluates a test. Booleans are taken as is, numbers are true
// when non-zero, null is false, and any other value is true.
func (e *Evaluator) EvalBool(text string, b Bindings) (bool, error) {
	out, err := e.eval(text, b)
	if err != nil {
		return false, err
	}
	switch v := out.(type) {
	case types.Bool:
		return bool(v), nil
	case types.Int:
		return v != 0, nil
	case types.Uint:
		return v != 0, nil
	case types.Double:
		return v != 0, nil
	}
	return out.Type() != types.NullType, nil
}

// EvalValue evaluates an expression to a plain Go value (nil, scalars,
// []any, map[string]any, time.Time, []byte).
func (e *Evaluator) EvalValue(text string, b Bindings) (any, error) {
	out, err := e.eval(text, b)
	if err != nil {
		return nil, err
	}
	return toNative(out), nil
}

func toNative(v ref.Val) any {
	if v == nil || v.Type() == types.NullType {
		return nil
	}
	switch x := v.(type) {
	case traits.Lister:
		n, _ := x.Size().(types.Int)
		out := make([]any, int(n))
		for i := range out {
			out[i] = toNative(x.Get(types.Int(i)))
		}
		return out
	case traits.Mapper:
		out := map[string]any{}
		it := x.Iterator()
		for it.HasNext() == types.True {
			k := it.Next()
			ks, ok := k.(types.String)
			if !ok {
				return v.Value()
			}
			out[string(ks)] = toNative(x.Get(k))
		}
		return out
	}
	return v.Value()
}

// activation adapts Bindings to the CEL interpreter.
type activation struct {
	b Bindings
}

func (a activation) ResolveName(name string) (any, bool) {
	if a.b != nil {
		if v, ok := a.b.Lookup(name); ok {
			return reflectx.Normalize(v), true
		}
	}
	// Qualified candidates ("user.name") fall through to field selection
	// on the leading name.
	if strings.Contains(name, ".") {
		return nil, false
	}
	return types.NullValue, true
}

func (a activation) Parent() interpreter.Activation {
	return nil
}

// MapBindings is a Bindings over a plain map.
type MapBindings map[string]any

// Lookup implements Bindings.
func (m MapBindings) Lookup(name string) (any, bool) {
	v, ok := m[name]
	return v, ok
}
