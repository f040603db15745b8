package builder

import (
	"fmt"
	"io"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/sqlmap/internal/cache"
	"github.com/roach88/sqlmap/internal/errs"
	"github.com/roach88/sqlmap/internal/include"
	"github.com/roach88/sqlmap/internal/node"
	"github.com/roach88/sqlmap/internal/reflectx"
	"github.com/roach88/sqlmap/internal/registry"
	"github.com/roach88/sqlmap/internal/tokens"
)

// mapper element names in the order they are processed.
const (
	elemCacheRef  = "cache-ref"
	elemCache     = "cache"
	elemResultMap = "resultMap"
	elemSQL       = "sql"
	elemSelectKey = "selectKey"
)

var commands = map[string]registry.CommandKind{
	"select": registry.CommandSelect,
	"insert": registry.CommandInsert,
	"update": registry.CommandUpdate,
	"delete": registry.CommandDelete,
}

// MapperBuilder reads one mapper file into the configuration registry.
type MapperBuilder struct {
	cfg      *Configuration
	resource string
	root     *node.Node
	a        *Assistant
}

// NewMapperBuilder parses r. Configuration properties are substituted
// into every attribute and text run as the file is read.
func NewMapperBuilder(cfg *Configuration, resource string, r io.Reader) (*MapperBuilder, error) {
	root, err := node.ParseXML(r, resource)
	if err != nil {
		return nil, err
	}
	if root.Name != "mapper" {
		return nil, &errs.CompileError{
			Code:    errs.CodeInvalidDefinition,
			Message: fmt.Sprintf("root element must be <mapper>, found <%s>", root.Name),
			Source:  resource,
			Line:    root.Line,
		}
	}
	props, opts := cfg.Config.Properties, cfg.Config.PropertyOptions()
	root = root.Substitute(func(s string) string {
		return tokens.ReplaceProperties(s, props, opts)
	})
	return &MapperBuilder{
		cfg:      cfg,
		resource: resource,
		root:     root,
		a:        NewAssistant(cfg.Registry, cfg.Types, resource),
	}, nil
}

// Parse registers everything the file declares, then runs a checkpoint of
// the deferred resolver. Definitions waiting on names from other files stay
// pending; only fatal errors are returned.
func (b *MapperBuilder) Parse() error {
	reg := b.cfg.Registry
	if reg.IsLoaded(b.resource) {
		return nil
	}
	if err := b.parse(); err != nil {
		return errs.WithContext(err, b.resource, "", 0)
	}
	reg.MarkLoaded(b.resource)
	if _, err := reg.Checkpoint(); err != nil {
		return err
	}
	return nil
}

func (b *MapperBuilder) parse() error {
	ns, _ := b.root.Attr("namespace")
	if err := b.a.SetNamespace(ns); err != nil {
		return err
	}
	for _, el := range b.root.Elements() {
		switch el.Name {
		case elemCacheRef, elemCache, elemResultMap, elemSQL:
		default:
			if _, ok := commands[el.Name]; !ok {
				return &errs.CompileError{
					Code:    errs.CodeUnknownElement,
					Message: fmt.Sprintf("Unknown element <%s> in mapper %s.", el.Name, ns),
					Line:    el.Line,
				}
			}
		}
	}

	for _, el := range b.root.ElementsNamed(elemCacheRef) {
		if err := b.cacheRefElement(el); err != nil {
			return err
		}
	}
	for _, el := range b.root.ElementsNamed(elemCache) {
		if err := b.cacheElement(el); err != nil {
			return errs.WithContext(err, b.resource, ns, el.Line)
		}
	}
	for _, el := range b.root.ElementsNamed(elemResultMap) {
		if err := b.deferResultMap(el); err != nil {
			return err
		}
	}
	if err := b.sqlElements(); err != nil {
		return err
	}
	return b.statementElements()
}

func (b *MapperBuilder) cacheRefElement(el *node.Node) error {
	target, _ := el.Attr("namespace")
	b.cfg.Registry.AddCacheRef(b.a.Namespace(), target)
	d := &registry.Deferred{
		Kind:     registry.KindCache,
		ID:       b.a.Namespace(),
		Resource: b.resource,
		Build: func() error {
			_, err := b.a.UseCacheRef(target)
			return err
		},
	}
	return errs.WithContext(b.cfg.Registry.Attempt(d), b.resource, b.a.Namespace(), el.Line)
}

func (b *MapperBuilder) cacheElement(el *node.Node) error {
	flush, err := intAttr(el, "flushInterval")
	if err != nil {
		return err
	}
	size, err := intAttr(el, "size")
	if err != nil {
		return err
	}
	readOnly, err := boolAttr(el, "readOnly")
	if err != nil {
		return err
	}
	blocking, err := boolAttr(el, "blocking")
	if err != nil {
		return err
	}
	_, err = b.a.UseNewCache(cache.Builder{
		Eviction:      el.AttrOr("eviction", cache.EvictionLRU),
		Size:          size,
		FlushInterval: time.Duration(flush) * time.Millisecond,
		ReadOnly:      readOnly != nil && *readOnly,
		Blocking:      blocking != nil && *blocking,
		Logger:        b.cfg.Logger,
	})
	return err
}

// deferResultMap registers a top-level result map through the resolver.
func (b *MapperBuilder) deferResultMap(el *node.Node) error {
	local, ok := el.Attr("id")
	if !ok || local == "" {
		return &errs.CompileError{Code: errs.CodeInvalidDefinition, Message: "<resultMap> requires an id attribute", Line: el.Line}
	}
	id, err := b.a.Apply(local, false)
	if err != nil {
		return errs.WithContext(err, b.resource, local, el.Line)
	}
	d := &registry.Deferred{
		Kind:     registry.KindResultMap,
		ID:       id,
		Resource: b.resource,
		Build: func() error {
			_, err := b.resultMapElement(el, local, nil, nil)
			return errs.WithContext(err, b.resource, id, el.Line)
		},
	}
	return b.cfg.Registry.Attempt(d)
}

// resultMapElement builds a result map from <resultMap>, an inline
// <association>/<collection>, or a <case>. enclosing is the type owning
// the nested property; inherited are mappings a discriminator case adds to
// its own.
func (b *MapperBuilder) resultMapElement(el *node.Node, local string, enclosing reflect.Type, inherited []registry.ResultMapping) (*registry.ResultMap, error) {
	typ, err := b.resultType(el, enclosing)
	if err != nil {
		return nil, err
	}

	var (
		mappings []registry.ResultMapping
		disc     *registry.Discriminator
	)
	for _, child := range el.Elements() {
		switch child.Name {
		case "constructor":
			for _, arg := range child.Elements() {
				flags := registry.FlagConstructor
				switch arg.Name {
				case "idArg":
					flags |= registry.FlagID
				case "arg":
				default:
					return nil, &errs.CompileError{Code: errs.CodeUnknownElement, Message: fmt.Sprintf("Unknown element <%s> in constructor.", arg.Name), Line: arg.Line}
				}
				m, err := b.mappingElement(arg, local, typ, flags)
				if err != nil {
					return nil, err
				}
				mappings = append(mappings, m)
			}
		case "discriminator":
			d, err := b.discriminatorElement(child, local, typ, mappings)
			if err != nil {
				return nil, err
			}
			disc = d
		case "id":
			m, err := b.mappingElement(child, local, typ, registry.FlagID)
			if err != nil {
				return nil, err
			}
			mappings = append(mappings, m)
		case "result", "association", "collection":
			var flags registry.Flag
			if child.Name == "collection" {
				flags = registry.FlagCollection
			}
			m, err := b.mappingElement(child, local, typ, flags)
			if err != nil {
				return nil, err
			}
			mappings = append(mappings, m)
		default:
			return nil, &errs.CompileError{Code: errs.CodeUnknownElement, Message: fmt.Sprintf("Unknown element <%s> in result map.", child.Name), Line: child.Line}
		}
	}
	mappings = append(mappings, inherited...)

	autoMapping, err := boolAttr(el, "autoMapping")
	if err != nil {
		return nil, err
	}
	return b.a.AddResultMap(ResultMapSpec{
		ID:            local,
		Type:          typ,
		Extends:       el.AttrOr("extends", ""),
		Mappings:      mappings,
		Discriminator: disc,
		AutoMapping:   autoMapping,
	})
}

// resultType resolves the Go type a result map fills: type, ofType,
// resultType or javaType, else the property type on the enclosing type,
// else a map.
func (b *MapperBuilder) resultType(el *node.Node, enclosing reflect.Type) (reflect.Type, error) {
	for _, attr := range []string{"type", "ofType", "resultType", "javaType"} {
		if alias, ok := el.Attr(attr); ok && alias != "" {
			t, err := b.cfg.Types.ResolveAlias(alias)
			if err != nil {
				return nil, &errs.CompileError{Code: errs.CodeInvalidDefinition, Message: err.Error(), Line: el.Line}
			}
			return t, nil
		}
	}
	if enclosing == nil {
		return nil, nil
	}
	prop, _ := el.Attr("property")
	switch el.Name {
	case "case":
		return enclosing, nil
	case "association":
		if t, ok := reflectx.PropertyType(enclosing, prop); ok {
			return t, nil
		}
	case "collection":
		if t, ok := reflectx.PropertyType(enclosing, prop); ok {
			if t.Kind() == reflect.Slice || t.Kind() == reflect.Array {
				return t.Elem(), nil
			}
		}
	}
	return nil, nil
}

func (b *MapperBuilder) mappingElement(el *node.Node, parentLocal string, owner reflect.Type, flags registry.Flag) (registry.ResultMapping, error) {
	property := el.AttrOr("property", el.AttrOr("name", ""))
	spec := MappingSpec{
		Property:        property,
		Column:          el.AttrOr("column", ""),
		GoType:          el.AttrOr("javaType", el.AttrOr("goType", "")),
		DBType:          el.AttrOr("jdbcType", el.AttrOr("dbType", "")),
		Handler:         el.AttrOr("typeHandler", el.AttrOr("handler", "")),
		Flags:           flags,
		NestedSelect:    el.AttrOr("select", ""),
		NestedResultMap: el.AttrOr("resultMap", ""),
		NotNullColumn:   el.AttrOr("notNullColumn", ""),
		ColumnPrefix:    el.AttrOr("columnPrefix", ""),
		ResultSet:       el.AttrOr("resultSet", ""),
		ForeignColumn:   el.AttrOr("foreignColumn", ""),
		Lazy:            el.AttrOr("fetchType", "") == "lazy",
	}

	if (el.Name == "association" || el.Name == "collection") && spec.NestedSelect == "" && spec.NestedResultMap == "" && len(el.Elements()) > 0 {
		nestedLocal := nestedID(parentLocal, el.Name, property)
		nested, err := b.inlineResultMap(el, nestedLocal, owner, nil)
		if err != nil {
			return registry.ResultMapping{}, err
		}
		spec.NestedResultMap = nested
	}

	m, err := b.a.ResultMapping(owner, spec)
	if err != nil {
		return registry.ResultMapping{}, errs.WithContext(err, b.resource, parentLocal, el.Line)
	}
	return m, nil
}

// inlineResultMap registers a nested result map under a generated id. A
// retry of the enclosing result map reuses one registered earlier.
func (b *MapperBuilder) inlineResultMap(el *node.Node, local string, enclosing reflect.Type, inherited []registry.ResultMapping) (string, error) {
	id, err := b.a.Apply(local, false)
	if err != nil {
		return "", err
	}
	if b.cfg.Registry.HasResultMap(id) {
		return id, nil
	}
	if _, err := b.resultMapElement(el, local, enclosing, inherited); err != nil {
		return "", err
	}
	return id, nil
}

func (b *MapperBuilder) discriminatorElement(el *node.Node, parentLocal string, owner reflect.Type, declared []registry.ResultMapping) (*registry.Discriminator, error) {
	m, err := b.a.ResultMapping(owner, MappingSpec{
		Column:  el.AttrOr("column", ""),
		GoType:  el.AttrOr("javaType", el.AttrOr("goType", "")),
		DBType:  el.AttrOr("jdbcType", el.AttrOr("dbType", "")),
		Handler: el.AttrOr("typeHandler", el.AttrOr("handler", "")),
	})
	if err != nil {
		return nil, err
	}
	disc := &registry.Discriminator{Mapping: m, Cases: map[string]string{}}
	for _, c := range el.Elements() {
		if c.Name != "case" {
			return nil, &errs.CompileError{Code: errs.CodeUnknownElement, Message: fmt.Sprintf("Unknown element <%s> in discriminator.", c.Name), Line: c.Line}
		}
		value, _ := c.Attr("value")
		target := c.AttrOr("resultMap", "")
		if target == "" {
			inline, err := b.inlineResultMap(c, nestedID(parentLocal, "case", value), owner, append([]registry.ResultMapping(nil), declared...))
			if err != nil {
				return nil, err
			}
			target = inline
		} else if target, err = b.a.Apply(target, true); err != nil {
			return nil, err
		}
		disc.Cases[value] = target
	}
	return disc, nil
}

func nestedID(parent, kind, key string) string {
	return parent + "_" + kind + "[" + strings.ReplaceAll(key, ".", "_") + "]"
}

// sqlElements registers <sql> fragments. With a database id, fragments
// declared for it win over fragments without one.
func (b *MapperBuilder) sqlElements() error {
	return b.eachForDatabase(b.root.ElementsNamed(elemSQL), func(el *node.Node, id, databaseID string) error {
		return b.cfg.Registry.AddFragment(id, el)
	})
}

func (b *MapperBuilder) statementElements() error {
	var stmts []*node.Node
	for _, el := range b.root.Elements() {
		if _, ok := commands[el.Name]; ok {
			stmts = append(stmts, el)
		}
	}
	return b.eachForDatabase(stmts, func(el *node.Node, id, databaseID string) error {
		d := &registry.Deferred{
			Kind:     registry.KindStatement,
			ID:       id,
			Resource: b.resource,
			Build: func() error {
				return errs.WithContext(b.statementElement(el, databaseID), b.resource, id, el.Line)
			},
		}
		return b.cfg.Registry.Attempt(d)
	})
}

// eachForDatabase calls fn for the elements that apply to the active
// database id: first those declared for it, then those declaring none whose
// id was not claimed by the first pass.
func (b *MapperBuilder) eachForDatabase(elements []*node.Node, fn func(el *node.Node, id, databaseID string) error) error {
	current := b.cfg.DatabaseID
	claimed := map[string]bool{}
	qualify := func(el *node.Node) (string, error) {
		local, ok := el.Attr("id")
		if !ok || local == "" {
			return "", &errs.CompileError{Code: errs.CodeInvalidDefinition, Message: fmt.Sprintf("<%s> requires an id attribute", el.Name), Source: b.resource, Line: el.Line}
		}
		id, err := b.a.Apply(local, false)
		if err != nil {
			return "", errs.WithContext(err, b.resource, local, el.Line)
		}
		return id, nil
	}
	if current != "" {
		for _, el := range elements {
			if dbID, ok := el.Attr("databaseId"); !ok || dbID != current {
				continue
			}
			id, err := qualify(el)
			if err != nil {
				return err
			}
			claimed[id] = true
			if err := fn(el, id, current); err != nil {
				return err
			}
		}
	}
	for _, el := range elements {
		if _, ok := el.Attr("databaseId"); ok {
			continue
		}
		id, err := qualify(el)
		if err != nil {
			return err
		}
		if claimed[id] {
			continue
		}
		if err := fn(el, id, ""); err != nil {
			return err
		}
	}
	return nil
}

func (b *MapperBuilder) statementElement(el *node.Node, databaseID string) error {
	settings := b.cfg.Config.Settings
	command := commands[el.Name]

	paramType, err := b.cfg.Types.ResolveAlias(el.AttrOr("parameterType", ""))
	if err != nil {
		return &errs.CompileError{Code: errs.CodeInvalidDefinition, Message: err.Error(), Line: el.Line}
	}
	resultType, err := b.cfg.Types.ResolveAlias(el.AttrOr("resultType", ""))
	if err != nil {
		return &errs.CompileError{Code: errs.CodeInvalidDefinition, Message: err.Error(), Line: el.Line}
	}

	expander := &include.Expander{
		Fragments: b.cfg.Registry,
		Namespace: b.a.Namespace(),
		Vars:      b.cfg.Config.Properties,
		Options:   b.cfg.Config.PropertyOptions(),
	}
	expanded, err := expander.Expand(el)
	if err != nil {
		return err
	}
	selectKey, err := b.selectKeyElement(el.AttrOr("id", ""), expanded, paramType)
	if err != nil {
		return err
	}
	source, err := b.cfg.Driver.CreateSource(withoutElements(expanded, elemSelectKey), paramType)
	if err != nil {
		return err
	}

	statementType, err := parseStatementType(el.AttrOr("statementType", ""))
	if err != nil {
		return err
	}
	resultSetType, err := parseResultSetType(el.AttrOr("resultSetType", ""))
	if err != nil {
		return err
	}
	timeout, err := intAttr(el, "timeout")
	if err != nil {
		return err
	}
	if timeout == 0 {
		timeout = settings.DefaultStatementTimeout
	}
	fetchSize, err := intAttr(el, "fetchSize")
	if err != nil {
		return err
	}
	if fetchSize == 0 {
		fetchSize = settings.DefaultFetchSize
	}
	flushCache, err := boolAttr(el, "flushCache")
	if err != nil {
		return err
	}
	useCache, err := boolAttr(el, "useCache")
	if err != nil {
		return err
	}
	resultOrdered, err := boolAttr(el, "resultOrdered")
	if err != nil {
		return err
	}
	generatedKeys, err := boolAttr(el, "useGeneratedKeys")
	if err != nil {
		return err
	}

	_, err = b.a.AddStatement(StatementSpec{
		ID:               el.AttrOr("id", ""),
		Line:             el.Line,
		Command:          command,
		StatementType:    statementType,
		ResultSetType:    resultSetType,
		Source:           source,
		ParameterType:    paramType,
		ResultMap:        el.AttrOr("resultMap", ""),
		ResultType:       resultType,
		DatabaseID:       databaseID,
		FlushCache:       flushCache,
		UseCache:         useCache,
		ResultOrdered:    resultOrdered != nil && *resultOrdered,
		Timeout:          timeout,
		FetchSize:        fetchSize,
		UseGeneratedKeys: generatedKeys != nil && *generatedKeys && command == registry.CommandInsert,
		KeyProperty:      el.AttrOr("keyProperty", ""),
		KeyColumn:        el.AttrOr("keyColumn", ""),
		SelectKey:        selectKey,
	})
	return err
}

// selectKeyElement compiles the <selectKey> child of a statement, if any.
// A key query declared for the active database id wins over one declaring
// none; those declared for other databases are ignored.
func (b *MapperBuilder) selectKeyElement(parent string, stmt *node.Node, paramType reflect.Type) (*registry.SelectKey, error) {
	var matching, generic []*node.Node
	for _, el := range stmt.ElementsNamed(elemSelectKey) {
		dbID, ok := el.Attr("databaseId")
		switch {
		case !ok:
			generic = append(generic, el)
		case b.cfg.DatabaseID != "" && dbID == b.cfg.DatabaseID:
			matching = append(matching, el)
		}
	}
	candidates := matching
	if len(candidates) == 0 {
		candidates = generic
	}
	switch len(candidates) {
	case 0:
		return nil, nil
	case 1:
	default:
		return nil, &errs.CompileError{Code: errs.CodeInvalidDefinition, Message: "a statement may declare only one <selectKey> per database", Line: candidates[1].Line}
	}
	el := candidates[0]

	before := false
	switch order := strings.ToUpper(el.AttrOr("order", "AFTER")); order {
	case "BEFORE":
		before = true
	case "AFTER":
	default:
		return nil, &errs.CompileError{Code: errs.CodeInvalidDefinition, Message: fmt.Sprintf("<selectKey> order must be BEFORE or AFTER, got %q", el.AttrOr("order", "")), Line: el.Line}
	}
	resultType, err := b.cfg.Types.ResolveAlias(el.AttrOr("resultType", "map"))
	if err != nil {
		return nil, &errs.CompileError{Code: errs.CodeInvalidDefinition, Message: err.Error(), Line: el.Line}
	}
	statementType, err := parseStatementType(el.AttrOr("statementType", ""))
	if err != nil {
		return nil, errs.WithContext(err, "", "", el.Line)
	}
	source, err := b.cfg.Driver.CreateSource(el, paramType)
	if err != nil {
		return nil, err
	}
	ms, err := b.a.KeyStatement(parent, StatementSpec{
		Line:          el.Line,
		StatementType: statementType,
		Source:        source,
		ParameterType: paramType,
		ResultType:    resultType,
		DatabaseID:    b.cfg.DatabaseID,
		KeyProperty:   el.AttrOr("keyProperty", ""),
		KeyColumn:     el.AttrOr("keyColumn", ""),
	})
	if err != nil {
		return nil, errs.WithContext(err, "", "", el.Line)
	}
	return &registry.SelectKey{Statement: ms, Before: before}, nil
}

// withoutElements returns n without its child elements called name.
func withoutElements(n *node.Node, name string) *node.Node {
	children := make([]*node.Node, 0, len(n.Children))
	for _, c := range n.Children {
		if c.IsElement() && c.Name == name {
			continue
		}
		children = append(children, c)
	}
	return n.WithChildren(children)
}

func parseStatementType(s string) (registry.StatementType, error) {
	switch t := registry.StatementType(strings.ToUpper(s)); t {
	case "":
		return registry.StatementPrepared, nil
	case registry.StatementPlain, registry.StatementPrepared, registry.StatementCallable:
		return t, nil
	}
	return "", errs.NewCompileError(errs.CodeInvalidDefinition, "unknown statementType %q", s)
}

func parseResultSetType(s string) (registry.ResultSetType, error) {
	switch t := registry.ResultSetType(strings.ToUpper(s)); t {
	case "":
		return registry.ResultSetDefault, nil
	case registry.ResultSetDefault, registry.ResultSetForwardOnly, registry.ResultSetScrollInsensitive, registry.ResultSetScrollSensitive:
		return t, nil
	}
	return "", errs.NewCompileError(errs.CodeInvalidDefinition, "unknown resultSetType %q", s)
}

func intAttr(el *node.Node, name string) (int, error) {
	v, ok := el.Attr(name)
	if !ok || v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, &errs.CompileError{Code: errs.CodeInvalidDefinition, Message: fmt.Sprintf("%s must be a non-negative integer, got %q", name, v), Line: el.Line}
	}
	return n, nil
}

func boolAttr(el *node.Node, name string) (*bool, error) {
	v, ok := el.Attr(name)
	if !ok || v == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil, &errs.CompileError{Code: errs.CodeInvalidDefinition, Message: fmt.Sprintf("%s must be true or false, got %q", name, v), Line: el.Line}
	}
	return &b, nil
}
