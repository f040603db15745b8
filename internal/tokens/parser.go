// Package tokens scans text for open/close delimited tokens such as ${name}
// and #{property} and hands each token body to a handler.
//
// A backslash immediately before an open token escapes it; a backslash
// before a close token inside a body keeps the close token as literal body
// text. An open token with no close token is left verbatim.
package tokens

import "strings"

// Handler turns a token body into replacement text.
type Handler func(body string) (string, error)

// Parser replaces every Open...Close token in a text.
type Parser struct {
	Open  string
	Close string
}

// Parse scans text left to right and replaces each token with the handler
// result. Tokens never overlap: the body ends at the first unescaped close
// token after the open token.
func (p Parser) Parse(text string, handle Handler) (string, error) {
	if text == "" {
		return "", nil
	}
	start := strings.Index(text, p.Open)
	if start < 0 {
		return text, nil
	}

	var (
		out    strings.Builder
		body   strings.Builder
		offset int
	)
	for start >= 0 {
		if start > 0 && text[start-1] == '\\' {
			// Escaped open token: drop the backslash, keep the token.
			out.WriteString(text[offset : start-1])
			out.WriteString(p.Open)
			offset = start + len(p.Open)
		} else {
			body.Reset()
			out.WriteString(text[offset:start])
			offset = start + len(p.Open)
			end := indexFrom(text, p.Close, offset)
			for end >= 0 {
				if end > offset && text[end-1] == '\\' {
					body.WriteString(text[offset : end-1])
					body.WriteString(p.Close)
					offset = end + len(p.Close)
					end = indexFrom(text, p.Close, offset)
					continue
				}
				body.WriteString(text[offset:end])
				break
			}
			if end < 0 {
				out.WriteString(text[start:])
				offset = len(text)
			} else {
				replaced, err := handle(body.String())
				if err != nil {
					return "", err
				}
				out.WriteString(replaced)
				offset = end + len(p.Close)
			}
		}
		start = indexFrom(text, p.Open, offset)
	}
	if offset < len(text) {
		out.WriteString(text[offset:])
	}
	return out.String(), nil
}

// Contains reports whether text holds at least one complete, unescaped token.
func (p Parser) Contains(text string) bool {
	found := false
	_, _ = p.Parse(text, func(string) (string, error) {
		found = true
		return "", nil
	})
	return found
}

func indexFrom(s, substr string, from int) int {
	if from > len(s) {
		return -1
	}
	i := strings.Index(s[from:], substr)
	if i < 0 {
		return -1
	}
	return i + from
}

// Rewrite replaces the body of every unescaped token with fn(body) and
// leaves everything else, escapes included, byte for byte. It is used to
// rename markers in text that will be parsed again later.
func (p Parser) Rewrite(text string, fn func(body string) string) string {
	var out strings.Builder
	offset := 0
	for {
		start := indexFrom(text, p.Open, offset)
		if start < 0 {
			break
		}
		if start > 0 && text[start-1] == '\\' {
			out.WriteString(text[offset : start+len(p.Open)])
			offset = start + len(p.Open)
			continue
		}
		bodyStart := start + len(p.Open)
		end := indexFrom(text, p.Close, bodyStart)
		for end > bodyStart && text[end-1] == '\\' {
			end = indexFrom(text, p.Close, end+len(p.Close))
		}
		if end < 0 {
			break
		}
		out.WriteString(text[offset:bodyStart])
		out.WriteString(fn(text[bodyStart:end]))
		out.WriteString(p.Close)
		offset = end + len(p.Close)
	}
	out.WriteString(text[offset:])
	return out.String()
}
