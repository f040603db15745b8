package sqlparam

import (
	"fmt"
	"strings"
)

// marker is the parsed body of one #{...} bind marker.
type marker struct {
	property   string
	expression string
	dbType     string
	attrs      []attr
}

type attr struct {
	name  string
	value string
}

// markerParser scans a marker body:
//
//	property[:DBTYPE][,name=value]*
//	(expression)[:DBTYPE][,name=value]*
type markerParser struct {
	input string
	pos   int
}

func parseMarker(body string) (*marker, error) {
	p := &markerParser{input: body}
	m := &marker{}

	p.skipSpace()
	if p.peek() == '(' {
		expr, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		m.expression = expr
	} else {
		start := p.pos
		p.skipUntil(",:")
		m.property = strings.TrimSpace(p.input[start:p.pos])
		if m.property == "" {
			return nil, p.errorf("missing property name")
		}
	}

	p.skipSpace()
	if p.done() {
		return m, nil
	}
	switch p.peek() {
	case ':':
		p.pos++
		p.skipSpace()
		start := p.pos
		p.skipUntil(",")
		m.dbType = strings.TrimSpace(p.input[start:p.pos])
		if m.dbType == "" {
			return nil, p.errorf("missing database type after ':'")
		}
	case ',':
	default:
		return nil, p.errorf("unexpected character %q", p.peek())
	}

	for !p.done() {
		// p.peek() is ','
		p.pos++
		p.skipSpace()
		if p.done() {
			return nil, p.errorf("missing attribute after ','")
		}
		start := p.pos
		p.skipUntil("=,")
		name := strings.TrimSpace(p.input[start:p.pos])
		if p.done() || p.peek() != '=' {
			return nil, p.errorf("attribute %q has no value", name)
		}
		if name == "" {
			return nil, p.errorf("missing attribute name")
		}
		p.pos++
		start = p.pos
		p.skipUntil(",")
		m.attrs = append(m.attrs, attr{name: name, value: strings.TrimSpace(p.input[start:p.pos])})
	}
	return m, nil
}

func (p *markerParser) parseExpression() (string, error) {
	depth := 0
	start := p.pos + 1
	for ; p.pos < len(p.input); p.pos++ {
		switch p.input[p.pos] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				expr := strings.TrimSpace(p.input[start:p.pos])
				p.pos++
				return expr, nil
			}
		}
	}
	return "", p.errorf("unbalanced parentheses")
}

func (p *markerParser) skipSpace() {
	for p.pos < len(p.input) && p.input[p.pos] <= ' ' {
		p.pos++
	}
}

func (p *markerParser) skipUntil(stops string) {
	for p.pos < len(p.input) && !strings.ContainsRune(stops, rune(p.input[p.pos])) {
		p.pos++
	}
}

func (p *markerParser) peek() byte {
	if p.pos >= len(p.input) {
		return 0
	}
	return p.input[p.pos]
}

func (p *markerParser) done() bool {
	return p.pos >= len(p.input)
}

func (p *markerParser) errorf(format string, args ...any) error {
	return fmt.Errorf("parsing error in #{%s} at position %d: %s", p.input, p.pos, fmt.Sprintf(format, args...))
}
