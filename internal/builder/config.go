package builder

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/joho/godotenv"
	"github.com/spf13/afero"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/roach88/sqlmap/internal/sqlparam"
	"github.com/roach88/sqlmap/internal/tokens"
)

const maxWalkDepth = 25

// ConfigFileNames are tried, in order, in each directory during discovery.
var ConfigFileNames = []string{"sqlmap.yaml", "sqlmap.yml"}

// Config is the decoded project file.
type Config struct {
	Properties       map[string]string `mapstructure:"properties" json:"properties,omitempty"`
	PropertyDefaults PropertyDefaults  `mapstructure:"property_defaults" json:"property_defaults"`
	Settings         Settings          `mapstructure:"settings" json:"settings"`
	Environments     Environments      `mapstructure:"environments" json:"environments"`
	DatabaseID       map[string]string `mapstructure:"database_id" json:"database_id,omitempty"`
	Mappers          []string          `mapstructure:"mappers" json:"mappers,omitempty"`

	dir string
}

// Dir is the directory mapper globs are relative to.
func (c *Config) Dir() string { return c.dir }

// SetDir sets the directory mapper globs are relative to.
func (c *Config) SetDir(dir string) { c.dir = dir }

// PropertyDefaults controls ${key:fallback} in definition files.
type PropertyDefaults struct {
	Enabled   bool   `mapstructure:"enabled" json:"enabled"`
	Separator string `mapstructure:"separator" json:"separator"`
}

// Settings are the engine switches.
type Settings struct {
	CacheEnabled             bool   `mapstructure:"cache_enabled" json:"cache_enabled"`
	UseColumnLabel           bool   `mapstructure:"use_column_label" json:"use_column_label"`
	MapUnderscoreToCamelCase bool   `mapstructure:"map_underscore_to_camel_case" json:"map_underscore_to_camel_case"`
	DefaultStatementTimeout  int    `mapstructure:"default_statement_timeout" json:"default_statement_timeout"`
	DefaultFetchSize         int    `mapstructure:"default_fetch_size" json:"default_fetch_size"`
	LocalCacheScope          string `mapstructure:"local_cache_scope" json:"local_cache_scope"`
	ShrinkWhitespacesInSQL   bool   `mapstructure:"shrink_whitespaces_in_sql" json:"shrink_whitespaces_in_sql"`
	NullableOnForEach        bool   `mapstructure:"nullable_on_foreach" json:"nullable_on_foreach"`
	Placeholder              string `mapstructure:"placeholder" json:"placeholder"`
	CallSettersOnNulls       bool   `mapstructure:"call_setters_on_nulls" json:"call_setters_on_nulls"`
}

// Local cache scopes.
const (
	LocalCacheSession   = "session"
	LocalCacheStatement = "statement"
)

// Environments names the database targets and the default one.
type Environments struct {
	Default   string                 `mapstructure:"default" json:"default"`
	Databases map[string]Environment `mapstructure:"databases" json:"databases,omitempty"`
}

// Environment is one database target.
type Environment struct {
	Driver      string   `mapstructure:"driver" json:"driver"`
	DSN         string   `mapstructure:"dsn" json:"dsn"`
	InitScripts []string `mapstructure:"init_scripts" json:"init_scripts,omitempty"`
}

// ConfigError reports an invalid project file.
type ConfigError struct {
	Path    string
	Message string
}

func (e *ConfigError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("config %s: %s", e.Path, e.Message)
	}
	return "config: " + e.Message
}

// IsConfigError reports whether err is a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// PropertyOptions returns the ${} substitution options.
func (c *Config) PropertyOptions() tokens.PropertyOptions {
	return tokens.PropertyOptions{
		EnableDefaults: c.PropertyDefaults.Enabled,
		Separator:      c.PropertyDefaults.Separator,
	}
}

// PlaceholderStyle returns the configured placeholder style.
func (c *Config) PlaceholderStyle() (sqlparam.Placeholder, error) {
	return sqlparam.ParsePlaceholder(c.Settings.Placeholder)
}

// Environment returns the environment named id, or the default one when id
// is empty.
func (c *Config) Environment(id string) (string, Environment, error) {
	if id == "" {
		id = c.Environments.Default
	}
	if id == "" {
		return "", Environment{}, &ConfigError{Message: "no environment selected and environments.default is empty"}
	}
	env, ok := c.Environments.Databases[id]
	if !ok {
		return "", Environment{}, &ConfigError{Message: fmt.Sprintf("environment %q is not defined", id)}
	}
	return id, env, nil
}

// builtinDatabaseIDs maps driver names to vendor database ids.
var builtinDatabaseIDs = map[string]string{
	"sqlite3":  "sqlite",
	"postgres": "postgres",
	"pgx":      "postgres",
	"mysql":    "mysql",
}

// DatabaseIDFor returns the database id of a driver: the database_id
// section first, then the built-in vendor table, else empty.
func (c *Config) DatabaseIDFor(driver string) string {
	if id, ok := c.DatabaseID[driver]; ok {
		return id
	}
	return builtinDatabaseIDs[driver]
}

// DefaultConfig returns the configuration used when no file is found.
func DefaultConfig() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("property_defaults.enabled", false)
	v.SetDefault("property_defaults.separator", tokens.DefaultValueSeparator)

	v.SetDefault("settings.cache_enabled", true)
	v.SetDefault("settings.use_column_label", true)
	v.SetDefault("settings.map_underscore_to_camel_case", false)
	v.SetDefault("settings.default_statement_timeout", 0)
	v.SetDefault("settings.default_fetch_size", 0)
	v.SetDefault("settings.local_cache_scope", LocalCacheSession)
	v.SetDefault("settings.shrink_whitespaces_in_sql", false)
	v.SetDefault("settings.nullable_on_foreach", false)
	v.SetDefault("settings.placeholder", "question")
	v.SetDefault("settings.call_setters_on_nulls", false)

	v.SetDefault("environments.default", "")
}

// LoadConfig discovers and loads the project file with precedence
// env > file > defaults. explicitPath skips discovery; otherwise the search
// walks up from dir to the enclosing .git boundary. It returns the config
// and the path it was read from (empty when defaults were used).
func LoadConfig(fs afero.Fs, explicitPath, dir string) (*Config, string, error) {
	path, err := findConfigFile(fs, explicitPath, dir)
	if err != nil {
		return nil, "", err
	}
	if path != "" {
		if err := loadDotEnv(fs, filepath.Join(filepath.Dir(path), ".env")); err != nil {
			return nil, path, err
		}
	}

	v := viper.New()
	v.SetFs(fs)
	setDefaults(v)
	v.SetEnvPrefix("SQLMAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, path, &ConfigError{Path: path, Message: fmt.Sprintf("reading config file: %v", err)}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, path, &ConfigError{Path: path, Message: fmt.Sprintf("unmarshaling config: %v", err)}
	}
	if path != "" {
		cfg.dir = filepath.Dir(path)
		// viper folds keys to lower case; property names are case sensitive.
		props, err := rawProperties(fs, path)
		if err != nil {
			return nil, path, err
		}
		if props != nil {
			cfg.Properties = props
		}
	} else {
		cfg.dir = dir
	}

	if err := cfg.Validate(); err != nil {
		var ce *ConfigError
		if errors.As(err, &ce) {
			ce.Path = path
		}
		return nil, path, err
	}
	return &cfg, path, nil
}

func findConfigFile(fs afero.Fs, explicitPath, dir string) (string, error) {
	if explicitPath != "" {
		if _, err := fs.Stat(explicitPath); err != nil {
			return "", &ConfigError{Message: fmt.Sprintf("config file not found: %s", explicitPath)}
		}
		return explicitPath, nil
	}

	for i := 0; i < maxWalkDepth; i++ {
		for _, name := range ConfigFileNames {
			path := filepath.Join(dir, name)
			if _, err := fs.Stat(path); err == nil {
				return path, nil
			}
		}
		if _, err := fs.Stat(filepath.Join(dir, ".git")); err == nil {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", nil
}

// loadDotEnv exports the variables of a .env file that are not already set.
func loadDotEnv(fs afero.Fs, path string) error {
	f, err := fs.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return &ConfigError{Path: path, Message: err.Error()}
	}
	defer f.Close()

	vars, err := godotenv.Parse(f)
	if err != nil {
		return &ConfigError{Path: path, Message: fmt.Sprintf("parsing .env: %v", err)}
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, set := os.LookupEnv(k); set {
			continue
		}
		if err := os.Setenv(k, vars[k]); err != nil {
			return err
		}
	}
	return nil
}

func rawProperties(fs afero.Fs, path string) (map[string]string, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, &ConfigError{Path: path, Message: err.Error()}
	}
	var doc struct {
		Properties map[string]string `yaml:"properties"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &ConfigError{Path: path, Message: fmt.Sprintf("parsing properties: %v", err)}
	}
	return doc.Properties, nil
}

//go:embed schema.cue
var schemaSource string

// Validate checks the config against the embedded CUE schema and the
// cross-field rules the schema cannot express.
func (c *Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource).LookupPath(cue.ParsePath("#Config"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compiling config schema: %w", err)
	}
	doc := ctx.Encode(c)
	if err := doc.Err(); err != nil {
		return &ConfigError{Message: err.Error()}
	}
	if err := schema.Unify(doc).Validate(cue.Concrete(true)); err != nil {
		return &ConfigError{Message: err.Error()}
	}

	if d := c.Environments.Default; d != "" {
		if _, ok := c.Environments.Databases[d]; !ok {
			return &ConfigError{Message: fmt.Sprintf("environments.default %q is not defined in environments.databases", d)}
		}
	}
	return nil
}
