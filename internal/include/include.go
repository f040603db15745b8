// Package include expands <include refid="..."> elements in statement
// trees with the <sql> fragments they reference.
//
// Expansion is a pure transform: it returns a new tree and leaves both the
// statement and the shared fragments untouched. <property name value>
// children of an include define variables that are substituted (${name})
// into the attributes and text of the included content only; nested
// includes inherit the variables of their parent and may override them.
package include

import (
	"strings"

	"github.com/roach88/sqlmap/internal/errs"
	"github.com/roach88/sqlmap/internal/node"
	"github.com/roach88/sqlmap/internal/tokens"
)

// DefaultMaxDepth bounds include nesting. Deeper chains are reported as an
// error, which is how reference cycles surface.
const DefaultMaxDepth = 64

// Fragments looks up <sql> fragments by fully qualified id.
type Fragments interface {
	Fragment(id string) (*node.Node, bool)
}

// FragmentMap is a Fragments over a plain map.
type FragmentMap map[string]*node.Node

// Fragment implements Fragments.
func (m FragmentMap) Fragment(id string) (*node.Node, bool) {
	n, ok := m[id]
	return n, ok
}

// Expander replaces include elements.
type Expander struct {
	Fragments Fragments
	// Namespace qualifies refids without a dot.
	Namespace string
	// Vars are the configuration variables every include starts from.
	Vars     map[string]string
	Options  tokens.PropertyOptions
	MaxDepth int
}

// Expand returns a copy of n with every include replaced by the children of
// its fragment. A reference to a fragment that is not registered yet
// returns an UnresolvedReferenceError so the caller can retry later.
func (x *Expander) Expand(n *node.Node) (*node.Node, error) {
	vars := make(map[string]string, len(x.Vars))
	for k, v := range x.Vars {
		vars[k] = v
	}
	out, err := x.apply(n, vars, false, 0)
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// apply returns the nodes that replace n: an include becomes the expanded
// children of its fragment, anything else becomes a single copy.
func (x *Expander) apply(n *node.Node, vars map[string]string, included bool, depth int) ([]*node.Node, error) {
	switch {
	case n.Kind == node.Text:
		out := *n
		if included && len(vars) > 0 {
			out.Text = x.substitute(n.Text, vars)
		}
		return []*node.Node{&out}, nil

	case n.Name == "include":
		return x.include(n, vars, depth)
	}

	out := *n
	if included && len(vars) > 0 && n.Attrs != nil {
		out.Attrs = make([]node.Attr, len(n.Attrs))
		for i, a := range n.Attrs {
			out.Attrs[i] = node.Attr{Name: a.Name, Value: x.substitute(a.Value, vars)}
		}
	}
	children, err := x.applyAll(n.Children, vars, included, depth)
	if err != nil {
		return nil, err
	}
	out.Children = children
	return []*node.Node{&out}, nil
}

func (x *Expander) applyAll(nodes []*node.Node, vars map[string]string, included bool, depth int) ([]*node.Node, error) {
	if nodes == nil {
		return nil, nil
	}
	out := make([]*node.Node, 0, len(nodes))
	for _, c := range nodes {
		expanded, err := x.apply(c, vars, included, depth)
		if err != nil {
			return nil, err
		}
		out = append(out, expanded...)
	}
	return out, nil
}

func (x *Expander) include(n *node.Node, vars map[string]string, depth int) ([]*node.Node, error) {
	maxDepth := x.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	refid, ok := n.Attr("refid")
	if !ok || strings.TrimSpace(refid) == "" {
		return nil, errs.WithContext(
			errs.NewCompileError(errs.CodeInvalidDefinition, "<include> requires a refid attribute"), "", "", n.Line)
	}
	id := x.qualify(x.substitute(refid, vars))
	if depth >= maxDepth {
		return nil, errs.WithContext(
			errs.NewCompileError(errs.CodeIncludeDepth, "include of %q nested more than %d levels deep; check for a cyclic include", id, maxDepth), "", "", n.Line)
	}

	fragment, ok := x.Fragments.Fragment(id)
	if !ok {
		return nil, errs.NewUnresolvedReference(id, "could not find SQL fragment %q", id)
	}

	inner, err := x.declaredVars(n, vars)
	if err != nil {
		return nil, err
	}
	return x.applyAll(fragment.Children, inner, true, depth+1)
}

// declaredVars merges the include's <property> children over the inherited
// variables. Values are themselves substituted with the inherited set.
func (x *Expander) declaredVars(n *node.Node, inherited map[string]string) (map[string]string, error) {
	props := n.ElementsNamed("property")
	if len(props) == 0 {
		return inherited, nil
	}
	declared := make(map[string]string, len(props))
	for _, p := range props {
		name := p.AttrOr("name", "")
		if name == "" {
			return nil, errs.WithContext(
				errs.NewCompileError(errs.CodeInvalidDefinition, "<property> in <include> requires a name attribute"), "", "", p.Line)
		}
		if _, dup := declared[name]; dup {
			return nil, errs.WithContext(
				errs.NewCompileError(errs.CodeDuplicateVariable, "Variable %s defined twice in the same include definition", name), "", "", p.Line)
		}
		declared[name] = x.substitute(p.AttrOr("value", ""), inherited)
	}
	out := make(map[string]string, len(inherited)+len(declared))
	for k, v := range inherited {
		out[k] = v
	}
	for k, v := range declared {
		out[k] = v
	}
	return out, nil
}

func (x *Expander) substitute(s string, vars map[string]string) string {
	return tokens.ReplaceProperties(s, vars, x.Options)
}

func (x *Expander) qualify(id string) string {
	if x.Namespace == "" || strings.Contains(id, ".") {
		return id
	}
	return x.Namespace + "." + id
}
