package builder

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"reflect"
	"sort"

	"github.com/spf13/afero"

	"github.com/roach88/sqlmap/internal/cache"
	"github.com/roach88/sqlmap/internal/errs"
	"github.com/roach88/sqlmap/internal/reflectx"
	"github.com/roach88/sqlmap/internal/registry"
	"github.com/roach88/sqlmap/internal/scripting"
	"github.com/roach88/sqlmap/internal/typeconv"
)

// Configuration is everything a session needs: the decoded project file,
// the registry of loaded definitions, and the shared compiler settings.
type Configuration struct {
	Config     *Config
	Registry   *registry.Registry
	Types      *typeconv.Registry
	Driver     *scripting.Driver
	Logger     *slog.Logger
	DatabaseID string
	// EnvironmentID is the active environment; it is part of every cache key.
	EnvironmentID string
	Environment   Environment

	fs afero.Fs
}

// Option configures a Configuration.
type Option func(*Configuration)

// WithLogger sets the logger shared by the registry and caches.
func WithLogger(l *slog.Logger) Option {
	return func(c *Configuration) {
		c.Logger = l
	}
}

// WithFs sets the filesystem mapper files are read from.
func WithFs(fs afero.Fs) Option {
	return func(c *Configuration) {
		c.fs = fs
	}
}

// WithEnvironment selects an environment other than the default one.
func WithEnvironment(id string) Option {
	return func(c *Configuration) {
		c.EnvironmentID = id
	}
}

// WithTypes installs a type registry, typically with application types
// registered as aliases.
func WithTypes(types *typeconv.Registry) Option {
	return func(c *Configuration) {
		c.Types = types
	}
}

// NewConfiguration prepares an empty configuration from cfg. When cfg
// defines environments, the selected one determines the database id used
// for databaseId matching.
func NewConfiguration(cfg *Config, opts ...Option) (*Configuration, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := &Configuration{Config: cfg, Logger: slog.Default(), fs: afero.NewOsFs()}
	for _, opt := range opts {
		opt(c)
	}
	if c.Types == nil {
		c.Types = typeconv.NewRegistry()
	}

	if c.EnvironmentID != "" || cfg.Environments.Default != "" {
		id, env, err := cfg.Environment(c.EnvironmentID)
		if err != nil {
			return nil, err
		}
		c.EnvironmentID = id
		c.Environment = env
		c.DatabaseID = cfg.DatabaseIDFor(env.Driver)
	}

	placeholder, err := cfg.PlaceholderStyle()
	if err != nil {
		return nil, err
	}
	driver := scripting.NewDriver(c.Types)
	driver.Extractor.Placeholder = placeholder
	driver.Extractor.ShrinkWhitespace = cfg.Settings.ShrinkWhitespacesInSQL
	driver.DatabaseID = c.DatabaseID
	driver.NullableOnForEach = cfg.Settings.NullableOnForEach
	c.Driver = driver

	c.Registry = registry.New(registry.WithLogger(c.Logger))
	return c, nil
}

// RegisterType makes t available to definitions under alias. Struct
// types are also made storable in read-write caches.
func (c *Configuration) RegisterType(alias string, t reflect.Type) {
	c.Types.RegisterAlias(alias, t)
	if reflectx.Indirect(t).Kind() == reflect.Struct {
		cache.Register(reflect.New(t).Elem().Interface())
	}
}

// AddMapper reads one mapper definition and runs its checkpoint.
func (c *Configuration) AddMapper(resource string, r io.Reader) error {
	b, err := NewMapperBuilder(c, resource, r)
	if err != nil {
		return err
	}
	return b.Parse()
}

// AddMapperFile reads a mapper file from the configuration filesystem.
func (c *Configuration) AddMapperFile(path string) error {
	f, err := c.fs.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return c.AddMapper(path, f)
}

// TextStatement declares a statement in code instead of a mapper file. SQL
// is plain text with #{} markers and ${} substitutions, or a template
// wrapped in <script>. Type fields take the same aliases as mapper
// attributes.
type TextStatement struct {
	Namespace     string
	ID            string
	Command       registry.CommandKind
	SQL           string
	ParameterType string
	ResultType    string
	ResultMap     string
	FlushCache    *bool
	UseCache      *bool
	Timeout       int // seconds
}

// AddStatement compiles and registers a TextStatement. The statement uses
// the namespace cache when one is registered. Result maps it names must
// already be loaded: code-declared statements are not deferred.
func (c *Configuration) AddStatement(s TextStatement) (*registry.MappedStatement, error) {
	resource := "inline:" + s.Namespace
	fail := func(err error) (*registry.MappedStatement, error) {
		return nil, errs.WithContext(err, resource, s.ID, 0)
	}
	switch s.Command {
	case registry.CommandSelect, registry.CommandInsert, registry.CommandUpdate, registry.CommandDelete:
	default:
		return fail(errs.NewCompileError(errs.CodeInvalidDefinition, "unknown command %q", s.Command))
	}
	paramType, err := c.Types.ResolveAlias(s.ParameterType)
	if err != nil {
		return fail(errs.NewCompileError(errs.CodeInvalidDefinition, "%v", err))
	}
	resultType, err := c.Types.ResolveAlias(s.ResultType)
	if err != nil {
		return fail(errs.NewCompileError(errs.CodeInvalidDefinition, "%v", err))
	}

	a := NewAssistant(c.Registry, c.Types, resource)
	if err := a.SetNamespace(s.Namespace); err != nil {
		return fail(err)
	}
	if c.Registry.HasCache(s.Namespace) {
		if _, err := a.UseCacheRef(s.Namespace); err != nil {
			return fail(err)
		}
	}
	source, err := c.Driver.CreateSourceFromText(s.SQL, paramType)
	if err != nil {
		return fail(err)
	}
	ms, err := a.AddStatement(StatementSpec{
		ID:            s.ID,
		Command:       s.Command,
		Source:        source,
		ParameterType: paramType,
		ResultMap:     s.ResultMap,
		ResultType:    resultType,
		DatabaseID:    c.DatabaseID,
		FlushCache:    s.FlushCache,
		UseCache:      s.UseCache,
		Timeout:       s.Timeout,
	})
	if err != nil {
		return fail(err)
	}
	c.Logger.Debug("registered statement", "statement", ms.ID, "resource", resource)
	return ms, nil
}

// MapperFiles expands the configured mapper globs relative to the config
// directory, sorted and without duplicates.
func (c *Configuration) MapperFiles() ([]string, error) {
	seen := map[string]bool{}
	var out []string
	for _, pattern := range c.Config.Mappers {
		if !filepath.IsAbs(pattern) {
			pattern = filepath.Join(c.Config.Dir(), pattern)
		}
		matches, err := afero.Glob(c.fs, pattern)
		if err != nil {
			return nil, &ConfigError{Message: fmt.Sprintf("bad mapper pattern %q: %v", pattern, err)}
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// Load reads every configured mapper file, then runs the final rounds of
// the deferred resolver. Definitions that stay unresolved do not fail the
// load; they surface when looked up, and Unresolved lists them.
func (c *Configuration) Load() error {
	files, err := c.MapperFiles()
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := c.AddMapperFile(f); err != nil {
			return err
		}
	}
	return c.Finish()
}

// Finish runs the resolver to a fixpoint.
func (c *Configuration) Finish() error {
	return c.Registry.Finish()
}

// Unresolved reports definitions that never resolved, or nil.
func (c *Configuration) Unresolved() error {
	return c.Registry.Unresolved()
}

// Open loads the project file and every mapper it names.
func Open(fs afero.Fs, explicitPath, dir string, opts ...Option) (*Configuration, error) {
	cfg, _, err := LoadConfig(fs, explicitPath, dir)
	if err != nil {
		return nil, err
	}
	c, err := NewConfiguration(cfg, append([]Option{WithFs(fs)}, opts...)...)
	if err != nil {
		return nil, err
	}
	if err := c.Load(); err != nil {
		return nil, err
	}
	return c, nil
}
