package typeconv

import (
	"fmt"
	"strings"
)

// DBType is the declared database-side kind of a bind value or column.
type DBType string

const (
	Unset     DBType = ""
	Varchar   DBType = "VARCHAR"
	Char      DBType = "CHAR"
	Clob      DBType = "CLOB"
	Integer   DBType = "INTEGER"
	SmallInt  DBType = "SMALLINT"
	TinyInt   DBType = "TINYINT"
	BigInt    DBType = "BIGINT"
	Numeric   DBType = "NUMERIC"
	Decimal   DBType = "DECIMAL"
	Double    DBType = "DOUBLE"
	Float     DBType = "FLOAT"
	Real      DBType = "REAL"
	Boolean   DBType = "BOOLEAN"
	Bit       DBType = "BIT"
	Date      DBType = "DATE"
	Time      DBType = "TIME"
	Timestamp DBType = "TIMESTAMP"
	Blob      DBType = "BLOB"
	Binary    DBType = "BINARY"
	Array     DBType = "ARRAY"
	Null      DBType = "NULL"
	Other     DBType = "OTHER"
	Cursor    DBType = "CURSOR"
)

var knownDBTypes = map[DBType]bool{
	Varchar: true, Char: true, Clob: true, Integer: true, SmallInt: true, TinyInt: true,
	BigInt: true, Numeric: true, Decimal: true, Double: true, Float: true, Real: true,
	Boolean: true, Bit: true, Date: true, Time: true, Timestamp: true, Blob: true,
	Binary: true, Array: true, Null: true, Other: true, Cursor: true,
}

// ParseDBType parses a database type name case-insensitively.
func ParseDBType(s string) (DBType, error) {
	t := DBType(strings.ToUpper(strings.TrimSpace(s)))
	if t == Unset {
		return Unset, nil
	}
	if !knownDBTypes[t] {
		return Unset, fmt.Errorf("unknown database type %q", s)
	}
	return t, nil
}
