// Package main is the sqlmap command line tool.
//
// Usage:
//
//	sqlmap [--config sqlmap.yaml] [--format text|json] [--verbose] <command>
//
// Commands:
//   - validate: load every mapper and report definition errors (--watch to rerun on change)
//   - compile: print the SQL and bind parameters of one statement
//   - run: execute one statement against the configured environment
//   - test: run scenario files against an in-memory database
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/roach88/sqlmap/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		// Commands print their own errors; flag and argument errors from
		// cobra are printed here.
		if _, ok := err.(*cli.ExitError); !ok {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(cli.ExitCommandError)
		}
		os.Exit(cli.GetExitCode(err))
	}
}
