package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/sqlmap/internal/builder"
	"github.com/roach88/sqlmap/internal/errs"
	"github.com/roach88/sqlmap/internal/expr"
	"github.com/roach88/sqlmap/internal/store"
)

// Error codes reported in CLIError.Code.
const (
	ErrCodeGeneric       = "E001" // Generic/unknown error
	ErrCodeConfig        = "E002" // Project file missing or invalid
	ErrCodeNoMappers     = "E003" // No mapper files matched
	ErrCodeCompile       = "E004" // Definition or template compile error
	ErrCodeNotFound      = "E005" // Unknown statement, result map or cache
	ErrCodeUnresolved    = "E006" // Reference never resolved
	ErrCodeExecution     = "E007" // Driver error while running a statement
	ErrCodeCacheProtocol = "E008" // Unsafe caching requested
	ErrCodeParams        = "E009" // --params could not be parsed
	ErrCodeDatabase      = "E010" // Database could not be opened or initialized
	ErrCodeEvaluation    = "E011" // Template expression failed at bind time
)

// LoadMode controls how errors are handled while loading mapper files.
type LoadMode int

const (
	// LoadModeFailFast stops on the first error encountered.
	LoadModeFailFast LoadMode = iota
	// LoadModeCollectAll loads every file and also reports definitions
	// that never resolved.
	LoadModeCollectAll
)

// LoadError is a loader failure with its error code.
type LoadError struct {
	Code    string
	Message string
	Err     error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *LoadError) Unwrap() error { return e.Err }

// ErrorCode maps an error to its CLI error code.
func ErrorCode(err error) string {
	var le *LoadError
	if errors.As(err, &le) {
		return le.Code
	}
	var se *store.ScriptError
	switch {
	case builder.IsConfigError(err):
		return ErrCodeConfig
	case errs.IsCompileError(err):
		return ErrCodeCompile
	case errs.IsUnresolved(err):
		return ErrCodeUnresolved
	case errs.IsNotFound(err):
		return ErrCodeNotFound
	case errs.IsCacheProtocol(err):
		return ErrCodeCacheProtocol
	case errors.As(err, &se):
		return ErrCodeDatabase
	}
	var ee *errs.ExecutionError
	if errors.As(err, &ee) {
		return ErrCodeExecution
	}
	var xe *expr.Error
	if errors.As(err, &xe) {
		return ErrCodeEvaluation
	}
	return ErrCodeGeneric
}

// Project is a loaded configuration and the mapper files it read.
type Project struct {
	*builder.Configuration
	// ConfigPath is empty when no project file was found.
	ConfigPath string
	Files      []string
}

// LoadProject reads the project file and its mappers. In fail-fast mode the
// first error is returned alone and the project is nil. In collect-all
// mode the project is returned whenever the configuration itself loaded,
// together with every mapper and resolver error.
func LoadProject(opts *RootOptions, logger *slog.Logger, mode LoadMode) (*Project, []error) {
	fs := opts.fs()
	cfg, path, err := builder.LoadConfig(fs, opts.Config, opts.dir())
	if err != nil {
		return nil, []error{err}
	}
	c, err := builder.NewConfiguration(cfg,
		builder.WithLogger(logger),
		builder.WithFs(fs),
		builder.WithEnvironment(opts.Env),
	)
	if err != nil {
		return nil, []error{err}
	}
	files, err := c.MapperFiles()
	if err != nil {
		return nil, []error{err}
	}
	if len(files) == 0 {
		where := path
		if where == "" {
			where = "default configuration"
		}
		return nil, []error{&LoadError{Code: ErrCodeNoMappers, Message: fmt.Sprintf("no mapper files matched in %s", where)}}
	}

	p := &Project{Configuration: c, ConfigPath: path, Files: files}
	var loadErrs []error
	for _, f := range files {
		logger.Debug("loading mapper", "file", f)
		if err := c.AddMapperFile(f); err != nil {
			if !errs.IsCompileError(err) {
				err = fmt.Errorf("%s: %w", f, err)
			}
			if mode == LoadModeFailFast {
				return nil, []error{err}
			}
			loadErrs = append(loadErrs, err)
		}
	}
	if err := c.Finish(); err != nil {
		if mode == LoadModeFailFast {
			return nil, []error{err}
		}
		loadErrs = append(loadErrs, err)
	}
	if mode == LoadModeCollectAll {
		loadErrs = append(loadErrs, splitErrors(c.Unresolved())...)
	}
	return p, loadErrs
}

// splitErrors flattens an errors.Join result.
func splitErrors(err error) []error {
	if err == nil {
		return nil
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []error
		for _, e := range joined.Unwrap() {
			out = append(out, splitErrors(e)...)
		}
		return out
	}
	return []error{err}
}

// newLogger returns the engine logger: debug records in verbose mode,
// warnings otherwise.
func newLogger(opts *RootOptions, w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if opts.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// parseParams decodes the --params flag. YAML is a superset of JSON, so
// both {"id": 1} and {id: 1} work, and integers stay integers.
func parseParams(s string) (any, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var v any
	if err := yaml.Unmarshal([]byte(s), &v); err != nil {
		return nil, &LoadError{Code: ErrCodeParams, Message: fmt.Sprintf("invalid --params: %v", err), Err: err}
	}
	return v, nil
}
