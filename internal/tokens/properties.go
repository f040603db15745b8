package tokens

import "strings"

// DefaultValueSeparator splits a key from its fallback in ${key:fallback}.
const DefaultValueSeparator = ":"

// PropertyOptions controls ${} property substitution.
type PropertyOptions struct {
	// EnableDefaults turns on ${key<sep>fallback} handling.
	EnableDefaults bool
	// Separator overrides DefaultValueSeparator when non-empty.
	Separator string
}

// Substitution is the ${...} token syntax shared by properties and
// template text.
var Substitution = Parser{Open: "${", Close: "}"}

// Binding is the #{...} bind marker syntax.
var Binding = Parser{Open: "#{", Close: "}"}

// ReplaceProperties substitutes ${key} tokens from vars. Unknown keys without
// a fallback are left as written so a later pass (or the template engine)
// can still see them.
func ReplaceProperties(text string, vars map[string]string, opts PropertyOptions) string {
	sep := opts.Separator
	if sep == "" {
		sep = DefaultValueSeparator
	}
	out, _ := Substitution.Parse(text, func(body string) (string, error) {
		if vars == nil {
			return "${" + body + "}", nil
		}
		key := body
		if opts.EnableDefaults {
			if i := strings.Index(body, sep); i >= 0 {
				key = body[:i]
				fallback := body[i+len(sep):]
				if v, ok := vars[key]; ok {
					return v, nil
				}
				return fallback, nil
			}
		}
		if v, ok := vars[key]; ok {
			return v, nil
		}
		return "${" + body + "}", nil
	})
	return out
}
