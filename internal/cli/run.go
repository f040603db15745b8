package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/sqlmap/internal/registry"
	"github.com/roach88/sqlmap/internal/session"
	"github.com/roach88/sqlmap/internal/store"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Params   string
	Rollback bool

	// IDGenerator overrides the session id generator (for testing).
	// If nil, sessions get UUIDv7 ids.
	IDGenerator session.IDGenerator
}

// RunResult is the outcome of running one statement.
type RunResult struct {
	Statement string `json:"statement"`
	Command   string `json:"command"`
	Session   string `json:"session"`
	Rows      []any  `json:"rows,omitempty"`
	Affected  *int64 `json:"affected,omitempty"`
	// Committed is false for selects and for writes run with --rollback.
	Committed bool `json:"committed"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}
	return newRunCommand(opts)
}

func newRunCommand(opts *RunOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <statement-id>",
		Short: "Run a statement against the configured database",
		Long: `Run one mapped statement in a session on the selected environment.

The environment's init scripts run first. Selects print their rows; inserts,
updates and deletes print the affected row count and are committed unless
--rollback is given.

Example:
  sqlmap run blog.selectBlog --params '{"id": 1}'
  sqlmap run blog.renameBlog --env test --params '{"id": 1, "title": "x"}' --rollback`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatement(cmd.Context(), opts, cmd, args[0])
		},
	}

	cmd.Flags().StringVarP(&opts.Params, "params", "p", "", "parameter object as JSON")
	cmd.Flags().StringVarP(&opts.Env, "env", "e", "", "environment id (default: environments.default)")
	cmd.Flags().BoolVar(&opts.Rollback, "rollback", false, "roll back writes instead of committing")
	return cmd
}

func runStatement(ctx context.Context, opts *RunOptions, cmd *cobra.Command, id string) error {
	formatter := opts.formatter(cmd)
	logger := newLogger(opts.RootOptions, formatter.GetErrWriter())

	param, err := parseParams(opts.Params)
	if err != nil {
		return formatter.Fail(ExitCommandError, err)
	}
	project, loadErrs := LoadProject(opts.RootOptions, logger, LoadModeFailFast)
	if project == nil {
		return formatter.Fail(ExitCommandError, loadErrs[0])
	}
	if project.EnvironmentID == "" {
		return formatter.Fail(ExitCommandError, &LoadError{Code: ErrCodeConfig, Message: "no environment configured: set environments.default or pass --env"})
	}
	ms, err := project.Registry.Statement(id)
	if err != nil {
		return formatter.Fail(ExitCommandError, err)
	}

	env := project.Environment
	formatter.VerboseLog("Opening %s database for environment %s", env.Driver, project.EnvironmentID)
	st, err := store.Open(ctx, env.Driver, env.DSN)
	if err != nil {
		return formatter.Fail(ExitCommandError, &LoadError{Code: ErrCodeDatabase, Message: err.Error(), Err: err})
	}
	defer st.Close()
	if err := st.RunScriptFiles(ctx, opts.fs(), project.Config.Dir(), env.InitScripts); err != nil {
		return formatter.Fail(ExitCommandError, &LoadError{Code: ErrCodeDatabase, Message: err.Error(), Err: err})
	}

	factoryOpts := []session.FactoryOption{session.WithLogger(logger)}
	if opts.IDGenerator != nil {
		factoryOpts = append(factoryOpts, session.WithIDGenerator(opts.IDGenerator))
	}
	s := session.NewFactory(project.Configuration, st.DB(), factoryOpts...).Open()

	result, err := execute(ctx, s, ms, param, opts.Rollback)
	if closeErr := s.Close(); err == nil && closeErr != nil {
		err = closeErr
	}
	if err != nil {
		return formatter.Fail(ExitFailure, err)
	}
	return outputRun(formatter, result)
}

func execute(ctx context.Context, s *session.Session, ms *registry.MappedStatement, param any, rollback bool) (*RunResult, error) {
	result := &RunResult{Statement: ms.ID, Command: string(ms.Command), Session: s.ID()}

	if ms.Command == registry.CommandSelect {
		rows, err := s.SelectList(ctx, ms.ID, param)
		if err != nil {
			return nil, err
		}
		result.Rows = rows
		return result, nil
	}

	n, err := s.Update(ctx, ms.ID, param)
	if err != nil {
		return nil, err
	}
	result.Affected = &n
	if rollback {
		return result, s.Rollback()
	}
	if err := s.Commit(); err != nil {
		return nil, err
	}
	result.Committed = true
	return result, nil
}

func outputRun(formatter *OutputFormatter, result *RunResult) error {
	if formatter.JSON() {
		return formatter.Success(result)
	}

	if result.Affected == nil {
		fmt.Fprintf(formatter.Writer, "✓ %s: %d row(s)\n", result.Statement, len(result.Rows))
		for _, row := range result.Rows {
			fmt.Fprintf(formatter.Writer, "  %v\n", row)
		}
		return nil
	}
	state := "committed"
	if !result.Committed {
		state = "rolled back"
	}
	fmt.Fprintf(formatter.Writer, "✓ %s: %d row(s) affected (%s)\n", result.Statement, *result.Affected, state)
	return nil
}
