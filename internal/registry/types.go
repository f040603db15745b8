package registry

import (
	"reflect"
	"strings"
	"time"

	"github.com/roach88/sqlmap/internal/cache"
	"github.com/roach88/sqlmap/internal/node"
	"github.com/roach88/sqlmap/internal/scripting"
	"github.com/roach88/sqlmap/internal/sqlparam"
	"github.com/roach88/sqlmap/internal/typeconv"
)

// Kind names a category of registry entry.
type Kind string

const (
	KindResultMap Kind = "result map"
	KindCache     Kind = "cache"
	KindStatement Kind = "statement"
	KindFragment  Kind = "sql fragment"
)

// Entry is anything the registry stores.
type Entry interface {
	EntryKind() Kind
	EntryID() string
}

// Flag marks a result mapping as an id, a constructor argument, or a
// collection.
type Flag int

const (
	FlagID Flag = 1 << iota
	FlagConstructor
	FlagCollection
)

// ResultMapping maps one column (or a nested result) to one property.
type ResultMapping struct {
	Property string
	Column   string
	GoType   reflect.Type
	DBType   typeconv.DBType
	Handler  typeconv.Handler
	Flags    Flag

	NestedSelect    string
	NestedResultMap string
	NotNullColumns  []string
	ColumnPrefix    string
	ResultSet       string
	ForeignColumn   string
	Lazy            bool

	// Composites holds the {prop=col,...} pairs of a composite column.
	Composites []ResultMapping
}

// IsID reports whether the mapping identifies the row.
func (m ResultMapping) IsID() bool { return m.Flags&FlagID != 0 }

// IsConstructor reports whether the mapping is a constructor argument.
func (m ResultMapping) IsConstructor() bool { return m.Flags&FlagConstructor != 0 }

// IsCollection reports whether the mapping fills a list.
func (m ResultMapping) IsCollection() bool { return m.Flags&FlagCollection != 0 }

// Discriminator picks a result map by the value of one column.
type Discriminator struct {
	Mapping ResultMapping
	// Cases maps a column value to a qualified result map id.
	Cases map[string]string
}

// ResultMap describes how rows become values.
type ResultMap struct {
	ID       string
	Type     reflect.Type
	Mappings []ResultMapping

	IDMappings          []ResultMapping
	ConstructorMappings []ResultMapping
	PropertyMappings    []ResultMapping
	MappedColumns       map[string]bool // upper-cased
	MappedProperties    map[string]bool

	Discriminator       *Discriminator
	HasNestedResultMaps bool
	HasNestedQueries    bool
	// AutoMapping overrides the configuration default when set.
	AutoMapping *bool
}

// NewResultMap builds a ResultMap and its derived mapping sets. When no
// mapping is flagged as an id, every mapping identifies the row.
func NewResultMap(id string, typ reflect.Type, mappings []ResultMapping, autoMapping *bool, disc *Discriminator) *ResultMap {
	rm := &ResultMap{
		ID:               id,
		Type:             typ,
		Mappings:         mappings,
		MappedColumns:    map[string]bool{},
		MappedProperties: map[string]bool{},
		Discriminator:    disc,
		AutoMapping:      autoMapping,
	}
	for _, m := range mappings {
		rm.HasNestedQueries = rm.HasNestedQueries || m.NestedSelect != ""
		rm.HasNestedResultMaps = rm.HasNestedResultMaps || (m.NestedResultMap != "" && m.ResultSet == "")
		if m.Column != "" {
			rm.MappedColumns[strings.ToUpper(m.Column)] = true
		}
		for _, c := range m.Composites {
			if c.Column != "" {
				rm.MappedColumns[strings.ToUpper(c.Column)] = true
			}
		}
		if m.Property != "" {
			rm.MappedProperties[m.Property] = true
		}
		if m.IsConstructor() {
			rm.ConstructorMappings = append(rm.ConstructorMappings, m)
		} else {
			rm.PropertyMappings = append(rm.PropertyMappings, m)
		}
		if m.IsID() {
			rm.IDMappings = append(rm.IDMappings, m)
		}
	}
	if len(rm.IDMappings) == 0 {
		rm.IDMappings = append(rm.IDMappings, mappings...)
	}
	return rm
}

func (rm *ResultMap) EntryKind() Kind { return KindResultMap }
func (rm *ResultMap) EntryID() string { return rm.ID }

// CommandKind is what a statement does.
type CommandKind string

const (
	CommandUnknown CommandKind = "UNKNOWN"
	CommandSelect  CommandKind = "SELECT"
	CommandInsert  CommandKind = "INSERT"
	CommandUpdate  CommandKind = "UPDATE"
	CommandDelete  CommandKind = "DELETE"
)

// StatementType selects how the statement is sent to the driver.
type StatementType string

const (
	StatementPlain    StatementType = "STATEMENT"
	StatementPrepared StatementType = "PREPARED"
	StatementCallable StatementType = "CALLABLE"
)

// ResultSetType is the requested cursor behavior.
type ResultSetType string

const (
	ResultSetDefault           ResultSetType = "DEFAULT"
	ResultSetForwardOnly       ResultSetType = "FORWARD_ONLY"
	ResultSetScrollInsensitive ResultSetType = "SCROLL_INSENSITIVE"
	ResultSetScrollSensitive   ResultSetType = "SCROLL_SENSITIVE"
)

// MappedStatement is a compiled, executable statement.
type MappedStatement struct {
	ID            string
	Resource      string
	Line          int
	Command       CommandKind
	StatementType StatementType
	ResultSetType ResultSetType
	Source        scripting.Source
	ParameterType reflect.Type
	ResultMaps    []*ResultMap
	Cache         cache.Cache
	DatabaseID    string

	FlushCache    bool
	UseCache      bool
	ResultOrdered bool
	Timeout       time.Duration
	FetchSize     int

	UseGeneratedKeys bool
	KeyProperties    []string
	KeyColumns       []string
	// SelectKey fills key properties of the parameter from a query run
	// around the statement. It replaces UseGeneratedKeys.
	SelectKey *SelectKey
}

// SelectKey is the key query of an insert or update. Statement reads
// exactly one row; its KeyProperties and KeyColumns say where the values
// go.
type SelectKey struct {
	Statement *MappedStatement
	// Before runs the query ahead of the statement, so the statement can
	// bind the key.
	Before bool
}

func (s *MappedStatement) EntryKind() Kind { return KindStatement }
func (s *MappedStatement) EntryID() string { return s.ID }

// Bind produces the SQL and descriptors for one invocation.
func (s *MappedStatement) Bind(param any) (*sqlparam.Bound, error) {
	return s.Source.Bind(param)
}

// HasNestedResultMaps reports whether any result map nests another.
func (s *MappedStatement) HasNestedResultMaps() bool {
	for _, rm := range s.ResultMaps {
		if rm.HasNestedResultMaps {
			return true
		}
	}
	return false
}

// Fragment is a reusable <sql> element.
type Fragment struct {
	ID   string
	Node *node.Node
}

func (f *Fragment) EntryKind() Kind { return KindFragment }
func (f *Fragment) EntryID() string { return f.ID }

// NamedCache adapts a cache to Entry; the cache id is its namespace.
type NamedCache struct {
	cache.Cache
}

func (c NamedCache) EntryKind() Kind { return KindCache }
func (c NamedCache) EntryID() string { return c.ID() }
