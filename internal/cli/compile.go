package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/sqlmap/internal/sqlparam"
)

// Compilation is the SQL a statement compiles to for one parameter object.
type Compilation struct {
	Statement string       `json:"statement"`
	Command   string       `json:"command"`
	SQL       string       `json:"sql"`
	Params    []BoundParam `json:"params,omitempty"`
}

// BoundParam is one placeholder of a compiled statement.
type BoundParam struct {
	Descriptor string `json:"descriptor"`
	Value      any    `json:"value"`
}

// NewCompileCommand creates the compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	var params string

	cmd := &cobra.Command{
		Use:   "compile <statement-id>",
		Short: "Show the SQL a statement compiles to",
		Long: `Compile one mapped statement for a parameter object without touching
the database. Prints the final SQL, one descriptor per placeholder and the
value each placeholder would bind.

Parameters are given as JSON (or YAML) with --params:

  sqlmap compile blog.selectBlog --params '{"id": 1}'`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(rootOpts, cmd, args[0], params)
		},
	}

	cmd.Flags().StringVarP(&params, "params", "p", "", "parameter object as JSON")
	return cmd
}

func runCompile(opts *RootOptions, cmd *cobra.Command, id, rawParams string) error {
	formatter := opts.formatter(cmd)

	param, err := parseParams(rawParams)
	if err != nil {
		return formatter.Fail(ExitCommandError, err)
	}
	project, loadErrs := LoadProject(opts, newLogger(opts, formatter.GetErrWriter()), LoadModeFailFast)
	if project == nil {
		return formatter.Fail(ExitCommandError, loadErrs[0])
	}

	c, err := compileStatement(project, id, param)
	if err != nil {
		return formatter.Fail(ExitFailure, err)
	}

	if formatter.JSON() {
		return formatter.Success(c)
	}
	fmt.Fprintf(formatter.Writer, "✓ %s (%s)\n\n", c.Statement, c.Command)
	fmt.Fprintln(formatter.Writer, c.SQL)
	if len(c.Params) > 0 {
		fmt.Fprintln(formatter.Writer)
		for i, p := range c.Params {
			fmt.Fprintf(formatter.Writer, "  %d: %s = %v\n", i+1, p.Descriptor, p.Value)
		}
	}
	return nil
}

func compileStatement(project *Project, id string, param any) (*Compilation, error) {
	ms, err := project.Registry.Statement(id)
	if err != nil {
		return nil, err
	}
	bound, err := ms.Bind(param)
	if err != nil {
		return nil, err
	}

	c := &Compilation{Statement: ms.ID, Command: string(ms.Command), SQL: bound.SQL}
	for _, m := range bound.Mappings {
		p := BoundParam{Descriptor: m.String()}
		if m.Mode != sqlparam.ModeOut {
			if p.Value, err = bound.Value(m, project.Types); err != nil {
				return nil, fmt.Errorf("reading parameter %q: %w", m.Property, err)
			}
		}
		c.Params = append(c.Params, p)
	}
	return c, nil
}
