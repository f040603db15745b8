package sqlparam

import (
	"reflect"
	"strconv"
	"strings"

	"github.com/roach88/sqlmap/internal/errs"
	"github.com/roach88/sqlmap/internal/reflectx"
	"github.com/roach88/sqlmap/internal/tokens"
	"github.com/roach88/sqlmap/internal/typeconv"
)

// Placeholder selects the positional placeholder syntax.
type Placeholder int

const (
	// Question emits "?" (sqlite, mysql).
	Question Placeholder = iota
	// Dollar emits "$1", "$2", ... (postgres).
	Dollar
)

// ParsePlaceholder parses a placeholder setting ("question" or "dollar").
func ParsePlaceholder(s string) (Placeholder, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "question", "?":
		return Question, nil
	case "dollar", "$":
		return Dollar, nil
	}
	return Question, errs.NewCompileError(errs.CodeInvalidDefinition, "unknown placeholder style %q", s)
}

// Extractor replaces bind markers with placeholders and builds the
// descriptor list.
type Extractor struct {
	Types       *typeconv.Registry
	Placeholder Placeholder
	// ShrinkWhitespace collapses runs of whitespace in the produced SQL.
	ShrinkWhitespace bool
}

// NewExtractor creates an Extractor with "?" placeholders.
func NewExtractor(types *typeconv.Registry) *Extractor {
	return &Extractor{Types: types}
}

// Extract scans sql left to right. paramType is the declared shape of the
// parameter object (nil when unknown); additional holds values bound by the
// template (bind, foreach) which take precedence over parameter properties.
func (x *Extractor) Extract(sql string, paramType reflect.Type, additional map[string]any) (string, []Mapping, error) {
	if x.ShrinkWhitespace {
		sql = strings.Join(strings.Fields(sql), " ")
	}
	var mappings []Mapping
	out, err := tokens.Binding.Parse(sql, func(body string) (string, error) {
		m, err := x.buildMapping(body, paramType, additional)
		if err != nil {
			return "", err
		}
		mappings = append(mappings, m)
		if x.Placeholder == Dollar {
			return "$" + strconv.Itoa(len(mappings)), nil
		}
		return "?", nil
	})
	if err != nil {
		return "", nil, err
	}
	return out, mappings, nil
}

func (x *Extractor) buildMapping(body string, paramType reflect.Type, additional map[string]any) (Mapping, error) {
	mk, err := parseMarker(body)
	if err != nil {
		return Mapping{}, malformed("%v", err)
	}
	if mk.expression != "" {
		return Mapping{}, malformed("expression based parameters are not supported: #{%s}", body)
	}

	m := Mapping{Property: mk.property, Mode: ModeIn}
	if mk.dbType != "" {
		if m.DBType, err = typeconv.ParseDBType(mk.dbType); err != nil {
			return Mapping{}, malformed("%v in #{%s}", err, body)
		}
	}

	var (
		explicitType reflect.Type
		handlerName  string
	)
	for _, a := range mk.attrs {
		switch a.name {
		case "type":
			if explicitType, err = x.Types.ResolveAlias(a.value); err != nil {
				return Mapping{}, malformed("%v in #{%s}", err, body)
			}
		case "dbType":
			if m.DBType, err = typeconv.ParseDBType(a.value); err != nil {
				return Mapping{}, malformed("%v in #{%s}", err, body)
			}
		case "mode":
			if m.Mode, err = ParseMode(a.value); err != nil {
				return Mapping{}, malformed("%v in #{%s}", err, body)
			}
		case "numericScale":
			n, convErr := strconv.Atoi(a.value)
			if convErr != nil || n < 0 {
				return Mapping{}, malformed("numericScale must be a non-negative integer in #{%s}", body)
			}
			m.NumericScale = &n
		case "handler":
			handlerName = a.value
		case "resultMap":
			m.ResultMap = a.value
		case "dbTypeName":
			m.DBTypeName = a.value
		default:
			return Mapping{}, malformed("an invalid property %q was found in mapping #{%s}; valid properties are type, dbType, mode, numericScale, resultMap, handler, dbTypeName", a.name, body)
		}
	}

	m.GoType = explicitType
	if m.GoType == nil {
		m.GoType = x.propertyType(m, paramType, additional)
	}

	if handlerName != "" {
		h, ok := x.Types.ByName(handlerName)
		if !ok {
			return Mapping{}, malformed("unknown handler %q in #{%s}", handlerName, body)
		}
		m.Handler = h
	} else {
		m.Handler = x.Types.Resolve(m.GoType, m.DBType)
	}
	return m, nil
}

// propertyType decides the effective type of a marker without an explicit
// type attribute.
func (x *Extractor) propertyType(m Mapping, paramType reflect.Type, additional map[string]any) reflect.Type {
	if _, ok := additional[RootName(m.Property)]; ok {
		if v, err := reflectx.Value(additional, m.Property); err == nil && v != nil {
			return reflect.TypeOf(v)
		}
		return typeconv.AnyType
	}
	if paramType == nil {
		return typeconv.AnyType
	}
	if x.Types.Has(paramType) {
		return paramType
	}
	if m.DBType == typeconv.Cursor {
		return typeconv.RowsType
	}
	if k := reflectx.Indirect(paramType).Kind(); k == reflect.Map || k == reflect.Interface {
		return typeconv.AnyType
	}
	if t, ok := reflectx.PropertyType(paramType, m.Property); ok {
		return t
	}
	return typeconv.AnyType
}

// RootName returns the first segment of a property path ("item" for
// "item.id" and "items[0]").
func RootName(path string) string {
	if i := strings.IndexAny(path, ".["); i >= 0 {
		return path[:i]
	}
	return path
}

func malformed(format string, args ...any) error {
	return errs.NewCompileError(errs.CodeMalformedBindMarker, format, args...)
}
