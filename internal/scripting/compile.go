package scripting

import (
	"strconv"
	"strings"

	"github.com/roach88/sqlmap/internal/errs"
	"github.com/roach88/sqlmap/internal/node"
	"github.com/roach88/sqlmap/internal/tokens"
)

// Tag is the closed set of elements allowed inside a statement body.
type Tag int

const (
	TagTrim Tag = iota + 1
	TagWhere
	TagSet
	TagForEach
	TagIf
	TagWhen
	TagChoose
	TagOtherwise
	TagBind
)

var tagNames = map[string]Tag{
	"trim":      TagTrim,
	"where":     TagWhere,
	"set":       TagSet,
	"foreach":   TagForEach,
	"if":        TagIf,
	"when":      TagWhen,
	"choose":    TagChoose,
	"otherwise": TagOtherwise,
	"bind":      TagBind,
}

// ParseTag maps an element name to its Tag.
func ParseTag(name string) (Tag, bool) {
	t, ok := tagNames[name]
	return t, ok
}

// Compile turns the children of a statement element into a template tree.
// dynamic reports whether the tree must be evaluated per invocation: any
// element or any ${} substitution makes it dynamic.
func Compile(stmt *node.Node) (root Node, dynamic bool, err error) {
	c := &compiler{}
	root, err = c.children(stmt)
	if err != nil {
		return nil, false, err
	}
	return root, c.dynamic, nil
}

type compiler struct {
	dynamic bool
}

func (c *compiler) children(n *node.Node) (*Composite, error) {
	out := &Composite{}
	for _, child := range n.Children {
		if child.Kind == node.Text {
			if tokens.Substitution.Contains(child.Text) {
				c.dynamic = true
				out.Children = append(out.Children, &DynamicText{Text: child.Text})
			} else {
				out.Children = append(out.Children, &StaticText{Text: child.Text})
			}
			continue
		}
		c.dynamic = true
		compiled, err := c.element(child)
		if err != nil {
			return nil, errs.WithContext(err, "", "", child.Line)
		}
		out.Children = append(out.Children, compiled)
	}
	return out, nil
}

func (c *compiler) element(n *node.Node) (Node, error) {
	tag, ok := ParseTag(n.Name)
	if !ok {
		return nil, errs.NewCompileError(errs.CodeUnknownElement, "Unknown element <%s> in SQL statement.", n.Name)
	}
	switch tag {
	case TagTrim:
		body, err := c.children(n)
		if err != nil {
			return nil, err
		}
		return &Trim{
			Tag:             "trim",
			Prefix:          n.AttrOr("prefix", ""),
			Suffix:          n.AttrOr("suffix", ""),
			PrefixOverrides: ParseOverrides(n.AttrOr("prefixOverrides", "")),
			SuffixOverrides: ParseOverrides(n.AttrOr("suffixOverrides", "")),
			Body:            body,
		}, nil
	case TagWhere:
		body, err := c.children(n)
		if err != nil {
			return nil, err
		}
		return NewWhere(body), nil
	case TagSet:
		body, err := c.children(n)
		if err != nil {
			return nil, err
		}
		return NewSet(body), nil
	case TagForEach:
		return c.forEach(n)
	case TagIf, TagWhen:
		return c.ifNode(n)
	case TagChoose:
		return c.choose(n)
	case TagOtherwise:
		return c.children(n)
	case TagBind:
		name, err := required(n, "name")
		if err != nil {
			return nil, err
		}
		value, err := required(n, "value")
		if err != nil {
			return nil, err
		}
		return &Bind{Name: name, Value: value}, nil
	}
	return nil, errs.NewCompileError(errs.CodeUnknownElement, "Unknown element <%s> in SQL statement.", n.Name)
}

func (c *compiler) ifNode(n *node.Node) (*If, error) {
	test, err := required(n, "test")
	if err != nil {
		return nil, err
	}
	body, err := c.children(n)
	if err != nil {
		return nil, err
	}
	return &If{Test: test, Body: body}, nil
}

func (c *compiler) choose(n *node.Node) (*Choose, error) {
	out := &Choose{}
	for _, child := range n.Elements() {
		tag, ok := ParseTag(child.Name)
		if !ok {
			return nil, errs.NewCompileError(errs.CodeUnknownElement, "Unknown element <%s> in SQL statement.", child.Name)
		}
		switch tag {
		case TagWhen, TagIf:
			w, err := c.ifNode(child)
			if err != nil {
				return nil, errs.WithContext(err, "", "", child.Line)
			}
			out.Whens = append(out.Whens, w)
		case TagOtherwise:
			if out.Otherwise != nil {
				return nil, errs.NewCompileError(errs.CodeDuplicateDefault, "Too many default (otherwise) elements in choose statement.")
			}
			body, err := c.children(child)
			if err != nil {
				return nil, err
			}
			out.Otherwise = body
		default:
			return nil, errs.NewCompileError(errs.CodeInvalidDefinition, "<%s> is not allowed directly inside <choose>", child.Name)
		}
	}
	return out, nil
}

func (c *compiler) forEach(n *node.Node) (*ForEach, error) {
	collection, err := required(n, "collection")
	if err != nil {
		return nil, err
	}
	body, err := c.children(n)
	if err != nil {
		return nil, err
	}
	fe := &ForEach{
		Collection: collection,
		Item:       n.AttrOr("item", ""),
		Index:      n.AttrOr("index", ""),
		Open:       n.AttrOr("open", ""),
		Close:      n.AttrOr("close", ""),
		Separator:  n.AttrOr("separator", ""),
		Body:       body,
	}
	if v, ok := n.Attr("nullable"); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return nil, errs.NewCompileError(errs.CodeInvalidDefinition, "<foreach> nullable must be true or false, got %q", v)
		}
		fe.Nullable = &b
	}
	return fe, nil
}

func required(n *node.Node, attr string) (string, error) {
	v, ok := n.Attr(attr)
	if !ok || strings.TrimSpace(v) == "" {
		return "", errs.NewCompileError(errs.CodeInvalidDefinition, "<%s> requires a %s attribute", n.Name, attr)
	}
	return v, nil
}
