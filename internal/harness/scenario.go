package harness

import (
	"bytes"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/roach88/sqlmap/internal/registry"
)

// Scenario is one YAML test file.
type Scenario struct {
	// Name identifies the scenario and names its golden file.
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Mappers and Schema are paths relative to the scenario file. Schema
	// scripts run in order before the first step.
	Mappers []string `yaml:"mappers"`
	Schema  []string `yaml:"schema,omitempty"`

	// Statements are declared inline and registered after the mappers load.
	Statements []InlineStatement `yaml:"statements,omitempty"`

	// Properties feed ${} substitution in the mapper files.
	Properties map[string]string `yaml:"properties,omitempty"`
	// Settings override engine settings, keyed like the settings section
	// of sqlmap.yaml.
	Settings map[string]any `yaml:"settings,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions,omitempty"`

	dir string
}

// Dir is the directory relative paths resolve against.
func (s *Scenario) Dir() string { return s.dir }

// InlineStatement is a statement written in the scenario. SQL is plain
// text or a template wrapped in <script>.
type InlineStatement struct {
	Namespace     string `yaml:"namespace"`
	ID            string `yaml:"id"`
	Command       string `yaml:"command"`
	SQL           string `yaml:"sql"`
	ParameterType string `yaml:"parameter_type,omitempty"`
	ResultType    string `yaml:"result_type,omitempty"`
	ResultMap     string `yaml:"result_map,omitempty"`
	UseCache      *bool  `yaml:"use_cache,omitempty"`
	FlushCache    *bool  `yaml:"flush_cache,omitempty"`
}

var inlineCommands = map[string]registry.CommandKind{
	"select": registry.CommandSelect,
	"insert": registry.CommandInsert,
	"update": registry.CommandUpdate,
	"delete": registry.CommandDelete,
}

// Step runs exactly one of its actions.
type Step struct {
	Compile  string `yaml:"compile,omitempty"`
	Query    string `yaml:"query,omitempty"`
	Update   string `yaml:"update,omitempty"`
	Commit   bool   `yaml:"commit,omitempty"`
	Rollback bool   `yaml:"rollback,omitempty"`
	// Close ends the session; the next statement opens a new one.
	Close bool `yaml:"close,omitempty"`

	Params any     `yaml:"params,omitempty"`
	Expect *Expect `yaml:"expect,omitempty"`
}

// Kind returns the event type of the step.
func (s Step) Kind() string {
	switch {
	case s.Compile != "":
		return EventCompile
	case s.Query != "":
		return EventQuery
	case s.Update != "":
		return EventUpdate
	case s.Commit:
		return EventCommit
	case s.Rollback:
		return EventRollback
	case s.Close:
		return EventClose
	}
	return ""
}

func (s Step) actions() int {
	n := 0
	for _, set := range []bool{s.Compile != "", s.Query != "", s.Update != "", s.Commit, s.Rollback, s.Close} {
		if set {
			n++
		}
	}
	return n
}

// Statement returns the statement id of a compile, query or update step.
func (s Step) Statement() string {
	switch {
	case s.Compile != "":
		return s.Compile
	case s.Query != "":
		return s.Query
	}
	return s.Update
}

// Expect checks the outcome of a step. Unset fields are not checked.
type Expect struct {
	// SQL is compared with whitespace runs collapsed.
	SQL string `yaml:"sql,omitempty"`
	// Rows match when the counts agree and every expected row is a subset
	// of the actual row at the same position.
	Rows     []any  `yaml:"rows,omitempty"`
	Count    *int   `yaml:"count,omitempty"`
	Affected *int64 `yaml:"affected,omitempty"`
	// Error is a substring of the expected error message.
	Error string `yaml:"error,omitempty"`
}

// Assertion checks the database or the caches after the last step.
type Assertion struct {
	// Type is one of table_row, row_count, cache_size.
	Type string `yaml:"type"`

	Table  string         `yaml:"table,omitempty"`
	Where  map[string]any `yaml:"where,omitempty"`
	Expect map[string]any `yaml:"expect,omitempty"`
	// Cache is the namespace of a shared cache (cache_size).
	Cache string `yaml:"cache,omitempty"`
	Count int    `yaml:"count,omitempty"`
}

// Assertion types.
const (
	AssertTableRow  = "table_row"
	AssertRowCount  = "row_count"
	AssertCacheSize = "cache_size"
)

// LoadScenario reads a scenario file. Unknown fields are rejected so that
// typos fail loudly.
func LoadScenario(fs afero.Fs, path string) (*Scenario, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	s, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}
	s.dir = filepath.Dir(path)
	for _, p := range append(append([]string{}, s.Mappers...), s.Schema...) {
		if _, err := fs.Stat(s.Path(p)); err != nil {
			return nil, fmt.Errorf("invalid scenario: file not found: %s", p)
		}
	}
	return s, nil
}

// ParseScenario decodes and validates a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

// Path resolves p against the scenario directory.
func (s *Scenario) Path(p string) string {
	if filepath.IsAbs(p) || s.dir == "" {
		return p
	}
	return filepath.Join(s.dir, p)
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Mappers) == 0 {
		return fmt.Errorf("mappers list is required and must be non-empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	for i, st := range s.Statements {
		switch {
		case st.Namespace == "" || st.ID == "":
			return fmt.Errorf("statements[%d]: namespace and id are required", i)
		case st.SQL == "":
			return fmt.Errorf("statements[%d]: sql is required", i)
		}
		if _, ok := inlineCommands[st.Command]; !ok {
			return fmt.Errorf("statements[%d]: command must be one of select, insert, update, delete (got %q)", i, st.Command)
		}
	}
	for i, step := range s.Steps {
		if n := step.actions(); n != 1 {
			return fmt.Errorf("steps[%d]: exactly one of compile, query, update, commit, rollback, close is required (found %d)", i, n)
		}
		if step.Expect != nil && step.Kind() != EventCompile && step.Kind() != EventQuery && step.Kind() != EventUpdate {
			return fmt.Errorf("steps[%d]: expect is only allowed on compile, query and update", i)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, a); err != nil {
			return err
		}
	}
	return nil
}

func validateAssertion(index int, a Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertTableRow:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for table_row", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for table_row", index)
		}
	case AssertRowCount:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for row_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for row_count", index)
		}
	case AssertCacheSize:
		if a.Cache == "" {
			return fmt.Errorf("assertions[%d]: cache is required for cache_size", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
