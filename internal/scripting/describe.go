package scripting

import (
	"fmt"
	"strings"
)

// Describe renders a template tree as an indented outline, one node per
// line. Blank text runs are omitted.
func Describe(n Node) string {
	var b strings.Builder
	describe(&b, n, 0)
	return b.String()
}

func describe(b *strings.Builder, n Node, depth int) {
	line := func(format string, args ...any) {
		b.WriteString(strings.Repeat("  ", depth))
		fmt.Fprintf(b, format, args...)
		b.WriteByte('\n')
	}
	switch n := n.(type) {
	case *StaticText:
		if t := collapse(n.Text); t != "" {
			line("text %q", t)
		}
	case *DynamicText:
		line("dynamic %q", collapse(n.Text))
	case *If:
		line("if %q", n.Test)
		describe(b, n.Body, depth+1)
	case *Choose:
		line("choose")
		for _, w := range n.Whens {
			describe(b, &If{Test: w.Test, Body: w.Body}, depth+1)
		}
		if n.Otherwise != nil {
			b.WriteString(strings.Repeat("  ", depth+1))
			b.WriteString("otherwise\n")
			describe(b, n.Otherwise, depth+2)
		}
	case *Trim:
		switch n.Tag {
		case "where", "set":
			line("%s", n.Tag)
		default:
			line("trim prefix=%q suffix=%q prefixOverrides=%q suffixOverrides=%q",
				n.Prefix, n.Suffix, n.PrefixOverrides, n.SuffixOverrides)
		}
		describe(b, n.Body, depth+1)
	case *ForEach:
		line("foreach collection=%q item=%q index=%q open=%q close=%q separator=%q",
			n.Collection, n.Item, n.Index, n.Open, n.Close, n.Separator)
		describe(b, n.Body, depth+1)
	case *Bind:
		line("bind %s = %q", n.Name, n.Value)
	case *Composite:
		for _, c := range n.Children {
			describe(b, c, depth)
		}
	default:
		line("%T", n)
	}
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
