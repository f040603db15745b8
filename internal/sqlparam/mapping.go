// Package sqlparam turns SQL text carrying #{...} bind markers into
// database-ready SQL with positional placeholders plus an ordered list of
// bind descriptors (Mapping), and reads the bind values back out of a
// parameter object at execution time.
package sqlparam

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/roach88/sqlmap/internal/typeconv"
)

// Mode is the direction of a bind parameter.
type Mode string

const (
	ModeIn    Mode = "IN"
	ModeOut   Mode = "OUT"
	ModeInOut Mode = "INOUT"
)

// ParseMode parses a mode attribute value.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToUpper(strings.TrimSpace(s))) {
	case "", ModeIn:
		return ModeIn, nil
	case ModeOut:
		return ModeOut, nil
	case ModeInOut:
		return ModeInOut, nil
	}
	return "", fmt.Errorf("invalid parameter mode %q", s)
}

// Mapping is one bind descriptor. Mappings are immutable once built and
// line up positionally with the placeholders of the SQL they came with.
type Mapping struct {
	Property     string
	Mode         Mode
	GoType       reflect.Type
	DBType       typeconv.DBType
	DBTypeName   string
	NumericScale *int
	Handler      typeconv.Handler
	ResultMap    string // result map for CURSOR out parameters
}

// IsOutput reports whether the parameter receives a value from the database.
func (m Mapping) IsOutput() bool {
	return m.Mode == ModeOut || m.Mode == ModeInOut
}

// String renders the descriptor in marker form, for diagnostics and golden
// files.
func (m Mapping) String() string {
	var b strings.Builder
	b.WriteString(m.Property)
	if m.GoType != nil {
		fmt.Fprintf(&b, ",type=%s", m.GoType)
	}
	if m.DBType != typeconv.Unset {
		fmt.Fprintf(&b, ",dbType=%s", m.DBType)
	}
	if m.Mode != ModeIn && m.Mode != "" {
		fmt.Fprintf(&b, ",mode=%s", m.Mode)
	}
	if m.NumericScale != nil {
		fmt.Fprintf(&b, ",numericScale=%d", *m.NumericScale)
	}
	if m.Handler != nil {
		fmt.Fprintf(&b, ",handler=%s", m.Handler.Name())
	}
	if m.ResultMap != "" {
		fmt.Fprintf(&b, ",resultMap=%s", m.ResultMap)
	}
	return b.String()
}
