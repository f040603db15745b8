package harness

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cast"

	"github.com/roach88/sqlmap/internal/registry"
)

// validIdentifier matches table and column names. Identifiers cannot be
// bound as parameters, so anything else is rejected.
var validIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
}

func (e *AssertionError) Error() string {
	return fmt.Sprintf("Assertion failed: %s\n  Expected: %s\n  Actual: %s", e.Type, e.Expected, e.Actual)
}

// AssertionContext gives assertions access to the database and caches.
type AssertionContext struct {
	Ctx      context.Context
	DB       *sql.DB
	Registry *registry.Registry
}

// EvaluateAssertions checks every assertion and returns the failure
// messages.
func EvaluateAssertions(assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertTableRow:
			err = assertTableRow(actx, a)
		case AssertRowCount:
			err = assertRowCount(actx, a)
		case AssertCacheSize:
			err = assertCacheSize(actx, a)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, a.Type)
		}
		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}

// assertTableRow finds exactly one row matching Where and checks the
// columns named in Expect.
func assertTableRow(actx *AssertionContext, a Assertion) error {
	query, args, err := selectFrom(a, "*")
	if err != nil {
		return err
	}
	rows, err := actx.DB.QueryContext(actx.Ctx, query, args...)
	if err != nil {
		return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("query table %s", a.Table), Actual: fmt.Sprintf("query error: %v", err)}
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("get columns: %w", err)
	}
	if !rows.Next() {
		return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("row in %s where %s", a.Table, formatWhere(a.Where)), Actual: "row not found"}
	}
	values := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return fmt.Errorf("scan row: %w", err)
	}
	if rows.Next() {
		return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("exactly one row in %s where %s", a.Table, formatWhere(a.Where)), Actual: "multiple rows matched (assertion is ambiguous)"}
	}

	actual := make(map[string]any, len(columns))
	for i, col := range columns {
		actual[col] = values[i]
	}
	for _, key := range sortedKeys(a.Expect) {
		got, ok := actual[key]
		if !ok {
			return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("column %q to exist", key), Actual: fmt.Sprintf("columns %v", columns)}
		}
		if !scalarEqual(a.Expect[key], got) {
			return &AssertionError{
				Type:     a.Type,
				Expected: fmt.Sprintf("column %q = %v (type %T)", key, a.Expect[key], a.Expect[key]),
				Actual:   fmt.Sprintf("column %q = %v (type %T)", key, got, got),
			}
		}
	}
	return nil
}

func assertRowCount(actx *AssertionContext, a Assertion) error {
	query, args, err := selectFrom(a, "COUNT(*)")
	if err != nil {
		return err
	}
	var n int
	if err := actx.DB.QueryRowContext(actx.Ctx, query, args...).Scan(&n); err != nil {
		return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("count rows of %s", a.Table), Actual: fmt.Sprintf("query error: %v", err)}
	}
	if n != a.Count {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%d row(s) in %s where %s", a.Count, a.Table, formatWhere(a.Where)),
			Actual:   fmt.Sprintf("%d row(s)", n),
		}
	}
	return nil
}

func assertCacheSize(actx *AssertionContext, a Assertion) error {
	c, err := actx.Registry.Cache(a.Cache)
	if err != nil {
		return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("cache %s", a.Cache), Actual: fmt.Sprintf("%v (registered caches: %s)", err, cacheIDs(actx.Registry))}
	}
	if got := c.Size(); got != a.Count {
		return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("%d entr(ies) in cache %s", a.Count, a.Cache), Actual: fmt.Sprintf("%d", got)}
	}
	return nil
}

func cacheIDs(reg *registry.Registry) string {
	var ids []string
	for _, c := range reg.Caches() {
		ids = append(ids, c.ID())
	}
	if len(ids) == 0 {
		return "none"
	}
	return strings.Join(ids, ", ")
}

// selectFrom builds a parameterized query over a.Table filtered by a.Where.
func selectFrom(a Assertion, what string) (string, []any, error) {
	if !validIdentifier.MatchString(a.Table) {
		return "", nil, fmt.Errorf("invalid table name %q: must match pattern %s", a.Table, validIdentifier)
	}
	query := fmt.Sprintf("SELECT %s FROM %s", what, a.Table)
	if len(a.Where) == 0 {
		return query, nil, nil
	}
	keys := sortedKeys(a.Where)
	clauses := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))
	for _, k := range keys {
		if !validIdentifier.MatchString(k) {
			return "", nil, fmt.Errorf("invalid column name %q in where clause: must match pattern %s", k, validIdentifier)
		}
		clauses = append(clauses, k+" = ?")
		args = append(args, a.Where[k])
	}
	return query + " WHERE " + strings.Join(clauses, " AND "), args, nil
}

func formatWhere(where map[string]any) string {
	if len(where) == 0 {
		return "(no conditions)"
	}
	parts := make([]string, 0, len(where))
	for _, k := range sortedKeys(where) {
		parts = append(parts, fmt.Sprintf("%s=%v", k, where[k]))
	}
	return strings.Join(parts, " AND ")
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// matchValue reports whether actual matches expected. Maps match as
// subsets, slices element by element, scalars by scalarEqual.
func matchValue(expected, actual any) bool {
	switch exp := expected.(type) {
	case map[string]any:
		act, ok := actual.(map[string]any)
		if !ok {
			return false
		}
		for k, v := range exp {
			got, ok := act[k]
			if !ok || !matchValue(v, got) {
				return false
			}
		}
		return true
	case []any:
		act, ok := actual.([]any)
		if !ok || len(act) != len(exp) {
			return false
		}
		for i := range exp {
			if !matchValue(exp[i], act[i]) {
				return false
			}
		}
		return true
	}
	return scalarEqual(expected, actual)
}

// scalarEqual compares a YAML value with a database value. Integers of any
// width are equal when their values are, and booleans match SQLite's 0/1.
func scalarEqual(expected, actual any) bool {
	if expected == nil || actual == nil {
		return expected == nil && actual == nil
	}
	if b, ok := actual.([]byte); ok {
		actual = string(b)
	}
	switch exp := expected.(type) {
	case string:
		switch act := actual.(type) {
		case string:
			return exp == act
		case time.Time:
			return exp == act.Format(time.RFC3339)
		}
		return false
	case bool:
		if !isNumber(actual) && reflect.TypeOf(actual).Kind() != reflect.Bool {
			return false
		}
		act, err := cast.ToBoolE(actual)
		return err == nil && exp == act
	case float32, float64:
		if !isNumber(actual) {
			return false
		}
		return cast.ToFloat64(exp) == cast.ToFloat64(actual)
	}
	if isNumber(expected) && isNumber(actual) {
		e, err1 := cast.ToInt64E(expected)
		a, err2 := cast.ToInt64E(actual)
		return err1 == nil && err2 == nil && e == a
	}
	return reflect.DeepEqual(expected, actual)
}

func isNumber(v any) bool {
	switch reflect.TypeOf(v).Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}
