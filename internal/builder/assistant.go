// Package builder loads mapper definitions into a registry: the builder
// assistant applies namespace rules and registers entities, the mapper
// builder walks one definition file, and the configuration loader reads the
// project file and drives both over every mapper it names.
package builder

import (
	"reflect"
	"strings"
	"time"

	"github.com/roach88/sqlmap/internal/cache"
	"github.com/roach88/sqlmap/internal/errs"
	"github.com/roach88/sqlmap/internal/reflectx"
	"github.com/roach88/sqlmap/internal/registry"
	"github.com/roach88/sqlmap/internal/scripting"
	"github.com/roach88/sqlmap/internal/typeconv"
)

// Assistant registers the entities of one namespace. It remembers the
// namespace cache (declared or referenced) so statements pick it up, and
// whether a cache-ref is still waiting for its target.
type Assistant struct {
	reg   *registry.Registry
	types *typeconv.Registry

	resource  string
	namespace string

	currentCache       cache.Cache
	unresolvedCacheRef string
}

// NewAssistant returns an assistant for definitions read from resource.
func NewAssistant(reg *registry.Registry, types *typeconv.Registry, resource string) *Assistant {
	return &Assistant{reg: reg, types: types, resource: resource}
}

// Namespace returns the current namespace.
func (a *Assistant) Namespace() string { return a.namespace }

// Resource returns the definition source this assistant reads.
func (a *Assistant) Resource() string { return a.resource }

// SetNamespace fixes the namespace. It may be set again only to the same
// value.
func (a *Assistant) SetNamespace(ns string) error {
	if ns == "" {
		return errs.NewCompileError(errs.CodeInvalidDefinition, "The mapper element requires a namespace attribute to be specified.")
	}
	if a.namespace != "" && a.namespace != ns {
		return errs.NewCompileError(errs.CodeInvalidDefinition, "Wrong namespace. Expected '%s' but found '%s'.", a.namespace, ns)
	}
	a.namespace = ns
	return nil
}

// Apply qualifies base with the namespace. References (isReference) that
// already contain a dot are taken as qualified; declared names may only
// carry the current namespace.
func (a *Assistant) Apply(base string, isReference bool) (string, error) {
	if base == "" {
		return "", nil
	}
	if isReference {
		if strings.Contains(base, ".") {
			return base, nil
		}
	} else {
		if strings.HasPrefix(base, a.namespace+".") {
			return base, nil
		}
		if strings.Contains(base, ".") {
			return "", errs.NewCompileError(errs.CodeInvalidDefinition, "Dots are not allowed in element names, please remove it from %s", base)
		}
	}
	return a.namespace + "." + base, nil
}

// UseCacheRef points the namespace at the cache of another namespace. It
// fails with an UnresolvedReferenceError until that cache is registered.
func (a *Assistant) UseCacheRef(namespace string) (cache.Cache, error) {
	if namespace == "" {
		return nil, errs.NewCompileError(errs.CodeInvalidDefinition, "cache-ref element requires a namespace attribute.")
	}
	a.unresolvedCacheRef = namespace
	c, err := a.reg.Cache(namespace)
	if err != nil {
		if errs.IsNotFound(err) || errs.IsUnresolved(err) {
			return nil, errs.NewUnresolvedReference(namespace, "No cache for namespace '%s' could be found.", namespace)
		}
		return nil, err
	}
	a.currentCache = c
	a.unresolvedCacheRef = ""
	return c, nil
}

// UseNewCache builds and registers the namespace cache.
func (a *Assistant) UseNewCache(b cache.Builder) (cache.Cache, error) {
	b.ID = a.namespace
	c, err := b.Build()
	if err != nil {
		return nil, errs.NewCompileError(errs.CodeInvalidDefinition, "%v", err)
	}
	if err := a.reg.AddCache(c); err != nil {
		return nil, err
	}
	a.currentCache = c
	return c, nil
}

// CurrentCache returns the namespace cache, or nil.
func (a *Assistant) CurrentCache() cache.Cache { return a.currentCache }

// MappingSpec is a result mapping as declared, before type resolution.
type MappingSpec struct {
	Property        string
	Column          string
	GoType          string
	DBType          string
	Handler         string
	Flags           registry.Flag
	NestedSelect    string
	NestedResultMap string
	NotNullColumn   string
	ColumnPrefix    string
	ResultSet       string
	ForeignColumn   string
	Lazy            bool
}

// ResultMapping resolves a declared mapping against the type it fills.
func (a *Assistant) ResultMapping(owner reflect.Type, s MappingSpec) (registry.ResultMapping, error) {
	goType, err := a.propertyType(owner, s.Property, s.GoType)
	if err != nil {
		return registry.ResultMapping{}, err
	}
	dbType, err := typeconv.ParseDBType(s.DBType)
	if err != nil {
		return registry.ResultMapping{}, errs.NewCompileError(errs.CodeInvalidDefinition, "%v", err)
	}
	handler, err := a.handler(s.Handler, goType, dbType)
	if err != nil {
		return registry.ResultMapping{}, err
	}
	nestedSelect, err := a.Apply(s.NestedSelect, true)
	if err != nil {
		return registry.ResultMapping{}, err
	}
	nestedMap, err := a.Apply(s.NestedResultMap, true)
	if err != nil {
		return registry.ResultMapping{}, err
	}

	m := registry.ResultMapping{
		Property:        s.Property,
		Column:          s.Column,
		GoType:          goType,
		DBType:          dbType,
		Handler:         handler,
		Flags:           s.Flags,
		NestedSelect:    nestedSelect,
		NestedResultMap: nestedMap,
		NotNullColumns:  splitColumns(s.NotNullColumn),
		ColumnPrefix:    s.ColumnPrefix,
		ResultSet:       s.ResultSet,
		ForeignColumn:   s.ForeignColumn,
		Lazy:            s.Lazy,
	}
	if composites := parseComposite(s.Column); composites != nil {
		m.Column = ""
		for _, c := range composites {
			c.Handler = a.types.Unknown()
			m.Composites = append(m.Composites, c)
		}
	}
	return m, nil
}

func (a *Assistant) propertyType(owner reflect.Type, property, alias string) (reflect.Type, error) {
	if alias != "" {
		t, err := a.types.ResolveAlias(alias)
		if err != nil {
			return nil, errs.NewCompileError(errs.CodeInvalidDefinition, "%v", err)
		}
		return t, nil
	}
	if owner != nil && property != "" {
		if t, ok := reflectx.PropertyType(owner, property); ok {
			return t, nil
		}
	}
	return typeconv.AnyType, nil
}

func (a *Assistant) handler(name string, t reflect.Type, dbType typeconv.DBType) (typeconv.Handler, error) {
	if name == "" {
		return a.types.Resolve(t, dbType), nil
	}
	h, ok := a.types.ByName(name)
	if !ok {
		return nil, errs.NewCompileError(errs.CodeInvalidDefinition, "unknown type handler %q", name)
	}
	return h, nil
}

// parseComposite splits a {prop=col,prop2=col2} column; plain columns
// return nil.
func parseComposite(column string) []registry.ResultMapping {
	column = strings.TrimSpace(column)
	if !strings.HasPrefix(column, "{") || !strings.HasSuffix(column, "}") {
		return nil
	}
	var out []registry.ResultMapping
	for _, pair := range strings.Split(column[1:len(column)-1], ",") {
		prop, col, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		out = append(out, registry.ResultMapping{
			Property: strings.TrimSpace(prop),
			Column:   strings.TrimSpace(col),
			GoType:   typeconv.AnyType,
		})
	}
	return out
}

func splitColumns(s string) []string {
	s = strings.Trim(strings.TrimSpace(s), "{}")
	if s == "" {
		return nil
	}
	var out []string
	for _, c := range strings.Split(s, ",") {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}

// ResultMapSpec is a result map as declared.
type ResultMapSpec struct {
	ID            string
	Type          reflect.Type
	Extends       string
	Mappings      []registry.ResultMapping
	Discriminator *registry.Discriminator
	AutoMapping   *bool
}

// AddResultMap registers a result map. With Extends, the parent's mappings
// that the child does not redeclare are appended after the child's own; a
// child that declares any constructor mapping drops every inherited
// constructor mapping. A parent that is not registered yet is an
// UnresolvedReferenceError.
func (a *Assistant) AddResultMap(s ResultMapSpec) (*registry.ResultMap, error) {
	id, err := a.Apply(s.ID, false)
	if err != nil {
		return nil, err
	}
	mappings := append([]registry.ResultMapping(nil), s.Mappings...)

	if s.Extends != "" {
		extends, err := a.Apply(s.Extends, true)
		if err != nil {
			return nil, err
		}
		parent, err := a.reg.ResultMap(extends)
		if err != nil {
			if errs.IsNotFound(err) || errs.IsUnresolved(err) {
				return nil, errs.NewUnresolvedReference(extends, "Could not find a parent resultmap with id '%s'", extends)
			}
			return nil, err
		}
		declared := map[string]bool{}
		childConstructor := false
		for _, m := range mappings {
			if m.Property != "" {
				declared[m.Property] = true
			}
			childConstructor = childConstructor || m.IsConstructor()
		}
		for _, m := range parent.Mappings {
			if m.Property != "" && declared[m.Property] {
				continue
			}
			if childConstructor && m.IsConstructor() {
				continue
			}
			mappings = append(mappings, m)
		}
	}

	rm := registry.NewResultMap(id, s.Type, mappings, s.AutoMapping, s.Discriminator)
	if err := a.reg.AddResultMap(rm); err != nil {
		return nil, err
	}
	return rm, nil
}

// StatementSpec is a statement as declared.
type StatementSpec struct {
	ID            string
	Line          int
	Command       registry.CommandKind
	StatementType registry.StatementType
	ResultSetType registry.ResultSetType
	Source        scripting.Source
	ParameterType reflect.Type
	ResultMap     string // comma separated ids
	ResultType    reflect.Type
	DatabaseID    string

	FlushCache    *bool
	UseCache      *bool
	ResultOrdered bool
	Timeout       int // seconds
	FetchSize     int

	UseGeneratedKeys bool
	KeyProperty      string
	KeyColumn        string
	SelectKey        *registry.SelectKey
}

// AddStatement registers a statement. Selects default to useCache and no
// flush; every other command flushes and does not use the cache.
func (a *Assistant) AddStatement(s StatementSpec) (*registry.MappedStatement, error) {
	if a.unresolvedCacheRef != "" {
		return nil, errs.NewUnresolvedReference(a.unresolvedCacheRef, "Cache-ref not yet resolved")
	}
	ms, err := a.newStatement(s)
	if err != nil {
		return nil, err
	}
	if err := a.reg.AddStatement(ms); err != nil {
		return nil, err
	}
	return ms, nil
}

// KeyStatement builds the key query of the statement with local id
// parent. It is named parent!selectKey, bypasses every cache and is not
// registered: it runs only as part of its parent.
func (a *Assistant) KeyStatement(parent string, s StatementSpec) (*registry.MappedStatement, error) {
	if len(splitColumns(s.KeyProperty)) == 0 {
		return nil, errs.NewCompileError(errs.CodeInvalidDefinition, "<selectKey> requires a keyProperty attribute")
	}
	off := false
	s.ID = parent + "!selectKey"
	s.Command = registry.CommandSelect
	s.ResultMap = ""
	s.FlushCache = &off
	s.UseCache = &off
	s.UseGeneratedKeys = false
	s.SelectKey = nil
	ms, err := a.newStatement(s)
	if err != nil {
		return nil, err
	}
	ms.Cache = nil
	return ms, nil
}

func (a *Assistant) newStatement(s StatementSpec) (*registry.MappedStatement, error) {
	id, err := a.Apply(s.ID, false)
	if err != nil {
		return nil, err
	}
	resultMaps, err := a.statementResultMaps(id, s.ResultMap, s.ResultType)
	if err != nil {
		return nil, err
	}

	isSelect := s.Command == registry.CommandSelect
	flush := !isSelect
	if s.FlushCache != nil {
		flush = *s.FlushCache
	}
	useCache := isSelect
	if s.UseCache != nil {
		useCache = *s.UseCache
	}
	statementType := s.StatementType
	if statementType == "" {
		statementType = registry.StatementPrepared
	}
	resultSetType := s.ResultSetType
	if resultSetType == "" {
		resultSetType = registry.ResultSetDefault
	}

	ms := &registry.MappedStatement{
		ID:               id,
		Resource:         a.resource,
		Line:             s.Line,
		Command:          s.Command,
		StatementType:    statementType,
		ResultSetType:    resultSetType,
		Source:           s.Source,
		ParameterType:    s.ParameterType,
		ResultMaps:       resultMaps,
		Cache:            a.currentCache,
		DatabaseID:       s.DatabaseID,
		FlushCache:       flush,
		UseCache:         useCache,
		ResultOrdered:    s.ResultOrdered,
		Timeout:          seconds(s.Timeout),
		FetchSize:        s.FetchSize,
		UseGeneratedKeys: s.UseGeneratedKeys,
		KeyProperties:    splitColumns(s.KeyProperty),
		KeyColumns:       splitColumns(s.KeyColumn),
		SelectKey:        s.SelectKey,
	}
	if ms.SelectKey != nil {
		ms.UseGeneratedKeys = false
	}
	return ms, nil
}

func (a *Assistant) statementResultMaps(statementID, names string, resultType reflect.Type) ([]*registry.ResultMap, error) {
	var out []*registry.ResultMap
	if names != "" {
		for _, name := range strings.Split(names, ",") {
			id, err := a.Apply(strings.TrimSpace(name), true)
			if err != nil {
				return nil, err
			}
			rm, err := a.reg.ResultMap(id)
			if err != nil {
				if errs.IsNotFound(err) || errs.IsUnresolved(err) {
					return nil, errs.NewUnresolvedReference(id, "Could not find result map '%s' referenced from '%s'", id, statementID)
				}
				return nil, err
			}
			out = append(out, rm)
		}
		return out, nil
	}
	if resultType != nil {
		out = append(out, registry.NewResultMap(statementID+"-Inline", resultType, nil, nil, nil))
	}
	return out, nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
