// Package scripting compiles statement bodies into template trees and
// evaluates them into SQL for one parameter object.
package scripting

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/roach88/sqlmap/internal/expr"
	"github.com/roach88/sqlmap/internal/tokens"
)

// Node is one vertex of a compiled template. Apply appends the node's SQL
// to the environment and reports whether it contributed anything.
type Node interface {
	Apply(e *Env) (bool, error)
}

// StaticText is literal SQL, #{} markers included.
type StaticText struct {
	Text string
}

func (n *StaticText) Apply(e *Env) (bool, error) {
	e.Append(n.Text)
	return true, nil
}

// DynamicText is SQL containing ${expr} substitutions, evaluated on every
// invocation and inserted verbatim.
type DynamicText struct {
	Text string
}

func (n *DynamicText) Apply(e *Env) (bool, error) {
	out, err := tokens.Substitution.Parse(n.Text, func(body string) (string, error) {
		v, err := e.eval.EvalValue(body, e)
		if err != nil {
			return "", err
		}
		if v == nil {
			return "", nil
		}
		return fmt.Sprint(v), nil
	})
	if err != nil {
		return false, err
	}
	e.Append(out)
	return true, nil
}

// If emits its body when Test evaluates truthy.
type If struct {
	Test string
	Body Node
}

func (n *If) Apply(e *Env) (bool, error) {
	ok, err := e.eval.EvalBool(n.Test, e)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if _, err := n.Body.Apply(e); err != nil {
		return false, err
	}
	return true, nil
}

// Choose emits the first When whose test holds, otherwise Otherwise.
type Choose struct {
	Whens     []*If
	Otherwise Node
}

func (n *Choose) Apply(e *Env) (bool, error) {
	for _, w := range n.Whens {
		ok, err := w.Apply(e)
		if err != nil || ok {
			return ok, err
		}
	}
	if n.Otherwise != nil {
		if _, err := n.Otherwise.Apply(e); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// Trim post-processes its body: leading PrefixOverrides and trailing
// SuffixOverrides are stripped, then Prefix and Suffix are added. Overrides
// compare case-insensitively. Nothing is written when the body is blank
// once the overrides are stripped.
type Trim struct {
	Tag             string // "trim", "where" or "set"
	Prefix          string
	Suffix          string
	PrefixOverrides []string
	SuffixOverrides []string
	Body            Node
}

var whereOverrides = []string{"AND ", "OR ", "AND\n", "OR\n", "AND\r", "OR\r", "AND\t", "OR\t"}

// NewWhere returns a Trim that prepends WHERE and drops a leading AND/OR.
func NewWhere(body Node) *Trim {
	return &Trim{Tag: "where", Prefix: "WHERE", PrefixOverrides: whereOverrides, Body: body}
}

// NewSet returns a Trim that prepends SET and drops stray commas.
func NewSet(body Node) *Trim {
	return &Trim{Tag: "set", Prefix: "SET", PrefixOverrides: []string{","}, SuffixOverrides: []string{","}, Body: body}
}

// ParseOverrides splits a "A|B" override list. Entries are upper-cased and
// keep their whitespace.
func ParseOverrides(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, "|")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, strings.ToUpper(p))
		}
	}
	return out
}

func (n *Trim) Apply(e *Env) (bool, error) {
	body, _, err := e.capture(func() (bool, error) { return n.Body.Apply(e) })
	if err != nil {
		return false, err
	}
	sql := strings.TrimSpace(body)
	for _, o := range n.PrefixOverrides {
		if cut, ok := matchOverride(strings.ToUpper(sql), o, strings.HasPrefix); ok {
			sql = strings.TrimLeftFunc(sql[cut:], isBlank)
			break
		}
	}
	for _, o := range n.SuffixOverrides {
		if cut, ok := matchOverride(strings.ToUpper(sql), o, strings.HasSuffix); ok {
			sql = strings.TrimRightFunc(sql[:len(sql)-cut], isBlank)
			break
		}
	}
	if sql == "" {
		return false, nil
	}
	var b strings.Builder
	if n.Prefix != "" {
		b.WriteString(n.Prefix)
		b.WriteByte(' ')
	}
	b.WriteString(sql)
	if n.Suffix != "" {
		b.WriteByte(' ')
		b.WriteString(n.Suffix)
	}
	e.Append(b.String())
	return true, nil
}

// matchOverride reports how many bytes of upper an override covers. An
// override also matches a body that is nothing but the override without
// its surrounding whitespace, so "AND " strips a lone "AND".
func matchOverride(upper, override string, has func(s, affix string) bool) (int, bool) {
	word := strings.TrimSpace(override)
	if word == "" {
		return 0, false
	}
	if upper == word || has(upper, override) {
		return len(word), true
	}
	return 0, false
}

func isBlank(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}

// ForEach emits Body once per element of Collection, between Open and
// Close and joined by Separator. Item and Index are bound per iteration
// and restored afterwards. Map collections iterate in key order with the
// key as index.
//
// #{item...} and #{index...} markers in the body are renamed to a binding
// unique to the iteration, so every placeholder keeps the value it had
// when its iteration ran.
type ForEach struct {
	Collection string
	Item       string
	Index      string
	Open       string
	Close      string
	Separator  string
	Nullable   *bool
	Body       Node
}

const itemPrefix = "__frch_"

func (n *ForEach) Apply(e *Env) (bool, error) {
	v, err := e.collection(n.Collection)
	if err != nil {
		return false, err
	}
	nullable := e.nullableOnForEach
	if n.Nullable != nil {
		nullable = *n.Nullable
	}
	if v == nil {
		if nullable {
			return false, nil
		}
		return false, &expr.Error{Expr: n.Collection, Err: errors.New("evaluated to a null value")}
	}
	keys, items, err := iterate(v)
	if err != nil {
		return false, &expr.Error{Expr: n.Collection, Err: err}
	}
	if len(items) == 0 {
		return false, nil
	}

	if n.Item != "" {
		defer e.shadow(n.Item)()
	}
	if n.Index != "" {
		defer e.shadow(n.Index)()
	}

	var joined strings.Builder
	wrote := false
	for i, item := range items {
		id := e.nextUnique()
		if n.Index != "" {
			e.Bind(n.Index, keys[i])
			e.Bind(itemName(n.Index, id), keys[i])
		}
		if n.Item != "" {
			e.Bind(n.Item, item)
			e.Bind(itemName(n.Item, id), item)
		}
		text, _, err := e.capture(func() (bool, error) { return n.Body.Apply(e) })
		if err != nil {
			return false, err
		}
		text = tokens.Binding.Rewrite(text, func(body string) string {
			return n.renameMarker(body, id)
		})
		if strings.TrimSpace(text) == "" {
			continue
		}
		if wrote {
			joined.WriteString(n.Separator)
		}
		joined.WriteString(strings.TrimSpace(text))
		wrote = true
	}
	e.Append(n.Open + joined.String() + n.Close)
	return true, nil
}

// renameMarker rewrites a marker body that starts with the item or index
// name followed by a property separator.
func (n *ForEach) renameMarker(body string, id int) string {
	trimmed := strings.TrimLeftFunc(body, isBlank)
	for _, name := range []string{n.Item, n.Index} {
		if name == "" || !strings.HasPrefix(trimmed, name) {
			continue
		}
		rest := trimmed[len(name):]
		if rest == "" || strings.ContainsRune(".,:[ \t\r\n", rune(rest[0])) {
			return itemName(name, id) + rest
		}
	}
	return body
}

func itemName(name string, id int) string {
	return fmt.Sprintf("%s%s_%d", itemPrefix, name, id)
}

// iterate flattens a collection into parallel index and item slices.
func iterate(v any) ([]any, []any, error) {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, nil, nil
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			break
		}
		keys := make([]any, rv.Len())
		items := make([]any, rv.Len())
		for i := range items {
			keys[i] = i
			items[i] = rv.Index(i).Interface()
		}
		return keys, items, nil
	case reflect.Map:
		mk := rv.MapKeys()
		sort.Slice(mk, func(i, j int) bool {
			return fmt.Sprint(mk[i].Interface()) < fmt.Sprint(mk[j].Interface())
		})
		keys := make([]any, len(mk))
		items := make([]any, len(mk))
		for i, k := range mk {
			keys[i] = k.Interface()
			items[i] = rv.MapIndex(k).Interface()
		}
		return keys, items, nil
	}
	return nil, nil, fmt.Errorf("return value (%v) was not iterable", v)
}

// Bind evaluates Value and binds the result to Name.
type Bind struct {
	Name  string
	Value string
}

func (n *Bind) Apply(e *Env) (bool, error) {
	v, err := e.eval.EvalValue(n.Value, e)
	if err != nil {
		return false, err
	}
	e.Bind(n.Name, v)
	return true, nil
}

// Composite applies its children in order.
type Composite struct {
	Children []Node
}

func (n *Composite) Apply(e *Env) (bool, error) {
	for _, c := range n.Children {
		if _, err := c.Apply(e); err != nil {
			return false, err
		}
	}
	return true, nil
}
