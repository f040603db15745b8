// Package node provides the generic definition tree read from mapper files.
//
// A Node is either an element (tag, attributes, ordered children) or a run of
// character data. Trees are treated as immutable values: transforms return
// new nodes and never edit a tree in place, so a fragment can be shared by
// every statement that includes it.
package node

import "strings"

// Kind distinguishes elements from character data.
type Kind int

const (
	// Element is a tag with attributes and children.
	Element Kind = iota
	// Text is character data (including CDATA sections).
	Text
)

// Attr is one attribute in declaration order.
type Attr struct {
	Name  string
	Value string
}

// Node is one vertex of a definition tree.
type Node struct {
	Kind     Kind
	Name     string // tag name for elements
	Attrs    []Attr
	Children []*Node
	Text     string // character data for text nodes
	Line     int
}

// NewElement builds an element node.
func NewElement(name string, attrs []Attr, children ...*Node) *Node {
	return &Node{Kind: Element, Name: name, Attrs: attrs, Children: children}
}

// NewText builds a text node.
func NewText(text string) *Node {
	return &Node{Kind: Text, Text: text}
}

// IsElement reports whether n is an element.
func (n *Node) IsElement() bool {
	return n != nil && n.Kind == Element
}

// Attr returns the attribute value and whether it was declared.
func (n *Node) Attr(name string) (string, bool) {
	for _, a := range n.Attrs {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

// AttrOr returns the attribute value, or def when it is absent.
func (n *Node) AttrOr(name, def string) string {
	if v, ok := n.Attr(name); ok {
		return v
	}
	return def
}

// Elements returns the element children in document order.
func (n *Node) Elements() []*Node {
	var out []*Node
	for _, c := range n.Children {
		if c.Kind == Element {
			out = append(out, c)
		}
	}
	return out
}

// ElementsNamed returns the element children with the given tag.
func (n *Node) ElementsNamed(name string) []*Node {
	var out []*Node
	for _, c := range n.Children {
		if c.Kind == Element && c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

// Body returns the concatenated character data of the direct children,
// trimmed of surrounding whitespace.
func (n *Node) Body() string {
	var b strings.Builder
	for _, c := range n.Children {
		if c.Kind == Text {
			b.WriteString(c.Text)
		}
	}
	return strings.TrimSpace(b.String())
}

// Clone returns a deep copy of n.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	out := *n
	if n.Attrs != nil {
		out.Attrs = append([]Attr(nil), n.Attrs...)
	}
	if n.Children != nil {
		out.Children = make([]*Node, len(n.Children))
		for i, c := range n.Children {
			out.Children[i] = c.Clone()
		}
	}
	return &out
}

// Substitute returns a copy of n with fn applied to every attribute value
// and every run of character data in the subtree.
func (n *Node) Substitute(fn func(string) string) *Node {
	if n == nil {
		return nil
	}
	out := *n
	switch n.Kind {
	case Text:
		out.Text = fn(n.Text)
	case Element:
		if n.Attrs != nil {
			out.Attrs = make([]Attr, len(n.Attrs))
			for i, a := range n.Attrs {
				out.Attrs[i] = Attr{Name: a.Name, Value: fn(a.Value)}
			}
		}
		if n.Children != nil {
			out.Children = make([]*Node, len(n.Children))
			for i, c := range n.Children {
				out.Children[i] = c.Substitute(fn)
			}
		}
	}
	return &out
}

// WithChildren returns a shallow copy of n holding the given children.
func (n *Node) WithChildren(children []*Node) *Node {
	out := *n
	out.Children = children
	return &out
}

// String renders the subtree back to markup. It is used in diagnostics and
// golden files, not for round-tripping.
func (n *Node) String() string {
	var b strings.Builder
	n.write(&b)
	return b.String()
}

func (n *Node) write(b *strings.Builder) {
	if n.Kind == Text {
		b.WriteString(n.Text)
		return
	}
	b.WriteString("<")
	b.WriteString(n.Name)
	for _, a := range n.Attrs {
		b.WriteString(" ")
		b.WriteString(a.Name)
		b.WriteString(`="`)
		b.WriteString(a.Value)
		b.WriteString(`"`)
	}
	if len(n.Children) == 0 {
		b.WriteString("/>")
		return
	}
	b.WriteString(">")
	for _, c := range n.Children {
		c.write(b)
	}
	b.WriteString("</")
	b.WriteString(n.Name)
	b.WriteString(">")
}
