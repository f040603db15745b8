package executor

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/cast"

	"github.com/roach88/sqlmap/internal/builder"
	"github.com/roach88/sqlmap/internal/cache"
	"github.com/roach88/sqlmap/internal/reflectx"
	"github.com/roach88/sqlmap/internal/registry"
	"github.com/roach88/sqlmap/internal/typeconv"
)

// rowSet is a fully read result set.
type rowSet struct {
	columns []string
	binary  []bool
	index   map[string]int // upper-cased label to position
	rows    [][]any
}

func newRowSet(rows *sql.Rows) (*rowSet, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	rs := &rowSet{columns: cols, binary: make([]bool, len(cols)), index: make(map[string]int, len(cols))}
	for i, c := range cols {
		if _, dup := rs.index[strings.ToUpper(c)]; !dup {
			rs.index[strings.ToUpper(c)] = i
		}
	}
	if types, err := rows.ColumnTypes(); err == nil {
		for i, ct := range types {
			rs.binary[i] = isBinaryType(ct.DatabaseTypeName())
		}
	}
	return rs, nil
}

// isBinaryType reports whether a column type holds bytes rather than text.
func isBinaryType(name string) bool {
	name = strings.ToUpper(name)
	return strings.Contains(name, "BLOB") || strings.Contains(name, "BINARY") || name == "BYTEA"
}

// readRows reads and closes rows, skipping offset rows and keeping at most
// limit (zero keeps all).
func readRows(rows *sql.Rows, offset, limit int) (*rowSet, error) {
	defer rows.Close()
	rs, err := newRowSet(rows)
	if err != nil {
		return nil, err
	}
	for skipped := 0; skipped < offset && rows.Next(); skipped++ {
	}
	for rows.Next() {
		if limit > 0 && len(rs.rows) >= limit {
			break
		}
		vals, err := rs.scan(rows)
		if err != nil {
			return nil, err
		}
		rs.rows = append(rs.rows, vals)
	}
	return rs, rows.Err()
}

// scan reads the current row. Drivers that return text columns as bytes
// get strings back.
func (rs *rowSet) scan(rows *sql.Rows) ([]any, error) {
	vals := make([]any, len(rs.columns))
	ptrs := make([]any, len(vals))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	for i, v := range vals {
		if b, ok := v.([]byte); ok && !rs.binary[i] {
			vals[i] = string(b)
		}
	}
	return vals, nil
}

// row is one row of a rowSet.
type row struct {
	rs   *rowSet
	vals []any
}

func (r row) get(column string) any {
	if i, ok := r.rs.index[strings.ToUpper(column)]; ok {
		return r.vals[i]
	}
	return nil
}

// resultMapper turns rows into values following a statement's result maps.
// Values are assembled as property maps; struct result types are decoded
// from them at the end.
type resultMapper struct {
	exec     *Simple
	ms       *registry.MappedStatement
	reg      *registry.Registry
	types    *typeconv.Registry
	settings builder.Settings
}

// nestedState tracks the objects of one result set that later rows join
// onto.
type nestedState struct {
	roots   map[string]map[string]any
	objects map[string]map[string]any
}

type rootValue struct {
	rm    *registry.ResultMap
	obj   map[string]any
	found bool
}

func (m *resultMapper) mapRows(ctx context.Context, rm *registry.ResultMap, rs *rowSet, limit int, handler ResultHandler) ([]any, error) {
	var out []any
	emit := func(v any) error {
		if handler != nil {
			return handler(v)
		}
		out = append(out, v)
		return nil
	}

	if !m.ms.HasNestedResultMaps() {
		for _, vals := range rs.rows {
			v, err := m.mapRow(ctx, rm, row{rs: rs, vals: vals})
			if err != nil {
				return nil, err
			}
			if err := emit(v); err != nil {
				return nil, err
			}
		}
		return out, nil
	}

	st := &nestedState{roots: map[string]map[string]any{}, objects: map[string]map[string]any{}}
	var roots []*rootValue
	for _, vals := range rs.rows {
		r := row{rs: rs, vals: vals}
		drm, err := m.discriminate(rm, r, "")
		if err != nil {
			return nil, err
		}
		key := m.rowKey(drm, r, "")
		obj, seen := st.roots[key]
		if !seen {
			if limit > 0 && len(roots) >= limit {
				break
			}
			var found bool
			obj, found, err = m.rowValue(ctx, drm, r, "")
			if err != nil {
				return nil, err
			}
			st.roots[key] = obj
			roots = append(roots, &rootValue{rm: drm, obj: obj, found: found})
		}
		if err := m.applyNested(ctx, drm, obj, r, "", key, st); err != nil {
			return nil, err
		}
	}
	for _, root := range roots {
		v, err := m.finish(root.rm, root.obj, root.found || len(root.obj) > 0)
		if err != nil {
			return nil, err
		}
		if err := emit(v); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// mapRow maps one row that does not join with others.
func (m *resultMapper) mapRow(ctx context.Context, rm *registry.ResultMap, r row) (any, error) {
	rm, err := m.discriminate(rm, r, "")
	if err != nil {
		return nil, err
	}
	if m.isScalar(rm) {
		if len(r.vals) == 0 {
			return nil, nil
		}
		return m.types.Resolve(rm.Type, typeconv.Unset).FromDriver(r.vals[0])
	}
	obj, found, err := m.rowValue(ctx, rm, r, "")
	if err != nil {
		return nil, err
	}
	return m.finish(rm, obj, found)
}

// isScalar reports whether rm maps a single column to a simple type, as
// for resultType="int64".
func (m *resultMapper) isScalar(rm *registry.ResultMap) bool {
	t := rm.Type
	if t == nil || t == typeconv.AnyType || len(rm.Mappings) > 0 {
		return false
	}
	if k := reflectx.Indirect(t).Kind(); k == reflect.Map || (k == reflect.Struct && t != reflect.TypeOf(time.Time{})) {
		return false
	}
	return m.types.Has(t)
}

// rowValue builds the property map of rm from one row: auto-mapped
// columns first, then the declared mappings. found reports whether any
// value was non-nil.
func (m *resultMapper) rowValue(ctx context.Context, rm *registry.ResultMap, r row, prefix string) (map[string]any, bool, error) {
	obj := map[string]any{}
	found := false
	set := func(prop string, v any) {
		if v != nil {
			found = true
		}
		if v != nil || m.settings.CallSettersOnNulls {
			obj[prop] = v
		}
	}

	if m.autoMapping(rm) {
		upperPrefix := strings.ToUpper(prefix)
		for i, col := range r.rs.columns {
			upper := strings.ToUpper(col)
			if prefix != "" && !strings.HasPrefix(upper, upperPrefix) {
				continue
			}
			name := col[len(prefix):]
			if rm.MappedColumns[strings.ToUpper(name)] {
				continue
			}
			prop, handler, ok := m.autoProperty(rm, name)
			if !ok || rm.MappedProperties[prop] {
				continue
			}
			v, err := handler.FromDriver(r.vals[i])
			if err != nil {
				return nil, false, fmt.Errorf("column %s: %w", col, err)
			}
			set(prop, v)
		}
	}

	for _, pm := range rm.Mappings {
		if pm.Property == "" || pm.NestedResultMap != "" || pm.ResultSet != "" {
			continue
		}
		if pm.NestedSelect != "" {
			v, err := m.nestedSelect(ctx, pm, r, prefix)
			if err != nil {
				return nil, false, err
			}
			set(pm.Property, v)
			continue
		}
		if pm.Column == "" {
			continue
		}
		h := pm.Handler
		if h == nil {
			h = m.types.Unknown()
		}
		v, err := h.FromDriver(r.get(prefix + pm.Column))
		if err != nil {
			return nil, false, fmt.Errorf("column %s: %w", prefix+pm.Column, err)
		}
		set(pm.Property, v)
	}
	return obj, found, nil
}

func (m *resultMapper) autoMapping(rm *registry.ResultMap) bool {
	if rm.AutoMapping != nil {
		return *rm.AutoMapping
	}
	return !rm.HasNestedResultMaps
}

// autoProperty finds the property an unmapped column fills and the handler
// converting it.
func (m *resultMapper) autoProperty(rm *registry.ResultMap, column string) (string, typeconv.Handler, bool) {
	t := rm.Type
	if t == nil || t == typeconv.AnyType || reflectx.Indirect(t).Kind() == reflect.Map {
		prop := column
		if m.settings.MapUnderscoreToCamelCase {
			prop = underscoreToCamel(column)
		}
		return prop, m.types.Unknown(), true
	}
	name := column
	if m.settings.MapUnderscoreToCamelCase {
		name = strings.ReplaceAll(column, "_", "")
	}
	f, ok := reflectx.FieldByName(t, name)
	if !ok {
		return "", nil, false
	}
	return f.Name, m.types.Resolve(f.Type, typeconv.Unset), true
}

// underscoreToCamel turns author_name into authorName.
func underscoreToCamel(s string) string {
	parts := strings.Split(strings.ToLower(s), "_")
	var b strings.Builder
	for i, p := range parts {
		if p == "" {
			continue
		}
		if i > 0 && b.Len() > 0 {
			b.WriteString(strings.ToUpper(p[:1]))
			b.WriteString(p[1:])
			continue
		}
		b.WriteString(p)
	}
	return b.String()
}

// discriminate follows discriminator cases until a map has no matching
// case or a case repeats.
func (m *resultMapper) discriminate(rm *registry.ResultMap, r row, prefix string) (*registry.ResultMap, error) {
	seen := map[string]bool{rm.ID: true}
	for rm.Discriminator != nil {
		d := rm.Discriminator
		h := d.Mapping.Handler
		if h == nil {
			h = m.types.Unknown()
		}
		v, err := h.FromDriver(r.get(prefix + d.Mapping.Column))
		if err != nil {
			return nil, fmt.Errorf("discriminator column %s: %w", d.Mapping.Column, err)
		}
		id, ok := d.Cases[cast.ToString(v)]
		if !ok || seen[id] {
			break
		}
		next, err := m.reg.ResultMap(id)
		if err != nil {
			return nil, err
		}
		seen[id] = true
		rm = next
	}
	return rm, nil
}

// rowKey identifies the object a row maps to: the id columns of rm, or
// every column under prefix when rm declares none.
func (m *resultMapper) rowKey(rm *registry.ResultMap, r row, prefix string) string {
	key := cache.NewKey(rm.ID)
	n := 0
	for _, im := range rm.IDMappings {
		if im.Column == "" || im.NestedResultMap != "" || im.NestedSelect != "" {
			continue
		}
		key.Update(strings.ToUpper(im.Column))
		key.Update(r.get(prefix + im.Column))
		n++
	}
	if n == 0 {
		upperPrefix := strings.ToUpper(prefix)
		for i, col := range r.rs.columns {
			if prefix != "" && !strings.HasPrefix(strings.ToUpper(col), upperPrefix) {
				continue
			}
			key.Update(strings.ToUpper(col))
			key.Update(r.vals[i])
		}
	}
	return key.String()
}

// applyNested joins the nested result maps of rm found in one row onto obj.
func (m *resultMapper) applyNested(ctx context.Context, rm *registry.ResultMap, obj map[string]any, r row, prefix, parentKey string, st *nestedState) error {
	for _, pm := range rm.PropertyMappings {
		if pm.NestedResultMap == "" || pm.ResultSet != "" {
			continue
		}
		nested, err := m.reg.ResultMap(pm.NestedResultMap)
		if err != nil {
			return err
		}
		np := prefix + pm.ColumnPrefix
		nested, err = m.discriminate(nested, r, np)
		if err != nil {
			return err
		}
		if len(pm.NotNullColumns) > 0 && !anyNotNull(r, np, pm.NotNullColumns) {
			continue
		}

		key := parentKey + "|" + pm.Property + "|" + m.rowKey(nested, r, np)
		child, ok := st.objects[key]
		if !ok {
			var found bool
			child, found, err = m.rowValue(ctx, nested, r, np)
			if err != nil {
				return err
			}
			if !found {
				continue
			}
			st.objects[key] = child
			link(obj, pm, child)
		}
		if err := m.applyNested(ctx, nested, child, r, np, key, st); err != nil {
			return err
		}
	}
	return nil
}

func anyNotNull(r row, prefix string, columns []string) bool {
	for _, c := range columns {
		if r.get(prefix+c) != nil {
			return true
		}
	}
	return false
}

func link(obj map[string]any, pm registry.ResultMapping, child map[string]any) {
	if !pm.IsCollection() {
		obj[pm.Property] = child
		return
	}
	list, _ := obj[pm.Property].([]any)
	obj[pm.Property] = append(list, child)
}

// nestedSelect runs the statement of a select= mapping with the column
// value (or the composite column values) as parameter.
func (m *resultMapper) nestedSelect(ctx context.Context, pm registry.ResultMapping, r row, prefix string) (any, error) {
	nested, err := m.reg.Statement(pm.NestedSelect)
	if err != nil {
		return nil, err
	}
	var param any
	if len(pm.Composites) > 0 {
		p := map[string]any{}
		present := false
		for _, c := range pm.Composites {
			v := r.get(prefix + c.Column)
			present = present || v != nil
			p[c.Property] = v
		}
		if !present {
			return nil, nil
		}
		param = p
	} else {
		param = r.get(prefix + pm.Column)
		if param == nil {
			return nil, nil
		}
		if b, ok := param.([]byte); ok {
			param = string(b)
		}
	}

	list, err := m.exec.Query(ctx, nested, param, NoRowBounds, nil)
	if err != nil {
		return nil, err
	}
	if pm.IsCollection() {
		return list, nil
	}
	switch len(list) {
	case 0:
		return nil, nil
	case 1:
		return list[0], nil
	}
	return nil, fmt.Errorf("nested select %s returned %d rows for association %s, expected at most one", pm.NestedSelect, len(list), pm.Property)
}

// finish converts a property map to the result type of rm.
func (m *resultMapper) finish(rm *registry.ResultMap, obj map[string]any, found bool) (any, error) {
	if !found {
		return nil, nil
	}
	t := rm.Type
	if t == nil || t == typeconv.AnyType || reflectx.Indirect(t).Kind() != reflect.Struct {
		return obj, nil
	}
	return decode(obj, t)
}

// decode fills a new value of type t from a property map. Fields match by
// db tag, else by name ignoring case, as property paths do.
func decode(obj map[string]any, t reflect.Type) (any, error) {
	target := reflect.New(reflectx.Indirect(t))
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target.Interface(),
		TagName:          "db",
		Squash:           true,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeHookFunc(time.RFC3339),
		),
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(obj); err != nil {
		return nil, fmt.Errorf("mapping row to %s: %w", t, err)
	}
	if t.Kind() == reflect.Pointer {
		return target.Interface(), nil
	}
	return target.Elem().Interface(), nil
}
