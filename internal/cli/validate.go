package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/roach88/sqlmap/internal/errs"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid      bool              `json:"valid"`
	Config     string            `json:"config,omitempty"`
	Files      int               `json:"files"`
	Statements int               `json:"statements"`
	Errors     []ValidationError `json:"errors,omitempty"`
}

// ValidationError is one problem found while loading the project.
type ValidationError struct {
	Code    string `json:"code"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Message string `json:"message"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load every mapper and report definition errors",
		Long: `Load the project file and every mapper it names, run the deferred
resolver to completion and report every compile error and every reference
that never resolved.

With --watch, validation reruns whenever a mapper or the project file
changes.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			if watch {
				return runValidateWatch(rootOpts, cmd)
			}
			return runValidate(rootOpts, cmd)
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "revalidate when project files change")
	return cmd
}

func runValidate(opts *RootOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	result, err := validateProject(opts, formatter)
	if err != nil {
		return formatter.Fail(ExitCommandError, err)
	}
	return outputValidation(formatter, result)
}

// validateProject loads the project in collect-all mode. The error is
// reserved for projects that cannot be loaded at all.
func validateProject(opts *RootOptions, formatter *OutputFormatter) (*ValidationResult, error) {
	logger := newLogger(opts, formatter.GetErrWriter())
	project, loadErrs := LoadProject(opts, logger, LoadModeCollectAll)
	if project == nil {
		return nil, loadErrs[0]
	}

	formatter.VerboseLog("Loaded %d mapper file(s)", len(project.Files))
	formatter.VerboseLog("%s", strings.TrimSuffix(project.Registry.Describe(), "\n"))
	result := &ValidationResult{
		Valid:      len(loadErrs) == 0,
		Config:     project.ConfigPath,
		Files:      len(project.Files),
		Statements: len(project.Registry.Statements()),
	}
	for _, err := range loadErrs {
		result.Errors = append(result.Errors, toValidationError(err))
	}
	return result, nil
}

func toValidationError(err error) ValidationError {
	ve := ValidationError{Code: ErrorCode(err), Message: err.Error()}
	var ce *errs.CompileError
	if errors.As(err, &ce) {
		ve.File = ce.Source
		ve.Line = ce.Line
	}
	return ve
}

// outputValidation prints a validation result. Failed validation exits
// with ExitFailure.
func outputValidation(formatter *OutputFormatter, result *ValidationResult) error {
	if formatter.JSON() {
		if result.Valid {
			return formatter.Success(result)
		}
		first := result.Errors[0]
		if err := formatter.encode(CLIResponse{
			Status: "error",
			Data:   result,
			Error:  &CLIError{Code: first.Code, Message: first.Message},
		}); err != nil {
			return err
		}
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(result.Errors)))
	}

	if result.Valid {
		fmt.Fprintf(formatter.Writer, "✓ %d mapper file(s), %d statement(s) valid\n", result.Files, result.Statements)
		return nil
	}

	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)
	for _, e := range result.Errors {
		if e.File != "" {
			if e.Line > 0 {
				fmt.Fprintf(formatter.Writer, "%s:%d\n", e.File, e.Line)
			} else {
				fmt.Fprintln(formatter.Writer, e.File)
			}
		}
		fmt.Fprintf(formatter.Writer, "  %s: %s\n\n", e.Code, e.Message)
	}
	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(result.Errors)))
}

func runValidateWatch(opts *RootOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	if _, ok := opts.fs().(*afero.OsFs); !ok {
		return formatter.Fail(ExitCommandError, errors.New("--watch needs the OS filesystem"))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	return watchValidate(ctx, opts, formatter)
}

// watchValidate validates once, then again after every change, until ctx
// is done. Only projects that cannot be loaded at all end the loop early.
func watchValidate(ctx context.Context, opts *RootOptions, formatter *OutputFormatter) error {
	logger := newLogger(opts, formatter.GetErrWriter())

	once := func() {
		result, err := validateProject(opts, formatter)
		if err != nil {
			_ = formatter.Error(ErrorCode(err), err.Error(), nil)
			return
		}
		_ = outputValidation(formatter, result)
	}
	once()

	w, err := NewWatcher(watchTargets(opts), once, logger)
	if err != nil {
		return formatter.Fail(ExitCommandError, err)
	}
	formatter.VerboseLog("Watching %v", w.Dirs())
	return w.Run(ctx)
}

// watchTargets lists the files whose directories are watched: the project
// file and the mappers it currently matches.
func watchTargets(opts *RootOptions) []string {
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	project, _ := LoadProject(opts, quiet, LoadModeCollectAll)
	if project == nil {
		if opts.Config != "" {
			return []string{opts.Config}
		}
		return []string{filepath.Join(opts.dir(), "sqlmap.yaml")}
	}
	targets := []string{filepath.Join(project.Config.Dir(), "sqlmap.yaml")}
	if project.ConfigPath != "" {
		targets[0] = project.ConfigPath
	}
	return append(targets, project.Files...)
}
