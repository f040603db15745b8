package node

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ParseError reports malformed markup.
type ParseError struct {
	Source  string
	Line    int
	Message string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d: %s", e.Source, e.Line, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Source, e.Message)
}

// ParseXML reads a mapper document and returns its root element.
// Comments, processing instructions and the DOCTYPE are dropped; character
// data (including CDATA) is kept verbatim so statement whitespace survives.
func ParseXML(r io.Reader, source string) (*Node, error) {
	dec := xml.NewDecoder(r)
	dec.Strict = true

	var (
		root  *Node
		stack []*Node
	)
	for {
		line, _ := dec.InputPos()
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var se *xml.SyntaxError
			if errors.As(err, &se) {
				return nil, &ParseError{Source: source, Line: se.Line, Message: se.Msg}
			}
			return nil, &ParseError{Source: source, Message: err.Error()}
		}

		switch t := tok.(type) {
		case xml.StartElement:
			n := &Node{Kind: Element, Name: qualified(t.Name), Line: line}
			for _, a := range t.Attr {
				n.Attrs = append(n.Attrs, Attr{Name: qualified(a.Name), Value: a.Value})
			}
			if len(stack) == 0 {
				if root != nil {
					return nil, &ParseError{Source: source, Line: line, Message: "multiple root elements"}
				}
				root = n
			} else {
				parent := stack[len(stack)-1]
				parent.Children = append(parent.Children, n)
			}
			stack = append(stack, n)
		case xml.EndElement:
			stack = stack[:len(stack)-1]
		case xml.CharData:
			if len(stack) == 0 {
				continue
			}
			parent := stack[len(stack)-1]
			text := string(t)
			// Adjacent runs (text followed by CDATA) are merged.
			if k := len(parent.Children); k > 0 && parent.Children[k-1].Kind == Text {
				parent.Children[k-1].Text += text
				continue
			}
			parent.Children = append(parent.Children, &Node{Kind: Text, Text: text, Line: line})
		}
	}

	if root == nil {
		return nil, &ParseError{Source: source, Message: "document has no root element"}
	}
	return root, nil
}

// ParseXMLString is ParseXML over a string.
func ParseXMLString(doc, source string) (*Node, error) {
	return ParseXML(strings.NewReader(doc), source)
}

func qualified(n xml.Name) string {
	if n.Space == "" {
		return n.Local
	}
	return n.Space + ":" + n.Local
}
