package store

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// ScriptError reports the statement of a script that failed.
type ScriptError struct {
	Script    string
	Index     int
	Statement string
	Err       error
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("script %s: statement %d: %v\n%s", e.Script, e.Index+1, e.Err, e.Statement)
}

func (e *ScriptError) Unwrap() error { return e.Err }

// RunScript executes every statement of a SQL script in order. Statements
// end with a semicolon; semicolons inside quotes and comments do not
// count.
func (s *Store) RunScript(ctx context.Context, name string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading script %s: %w", name, err)
	}
	for i, stmt := range SplitStatements(string(data)) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return &ScriptError{Script: name, Index: i, Statement: stmt, Err: err}
		}
	}
	return nil
}

// RunScriptFiles runs each script file in order. Relative paths are
// resolved against dir.
func (s *Store) RunScriptFiles(ctx context.Context, fs afero.Fs, dir string, paths []string) error {
	for _, p := range paths {
		if !filepath.IsAbs(p) && dir != "" {
			p = filepath.Join(dir, p)
		}
		f, err := fs.Open(p)
		if err != nil {
			return fmt.Errorf("opening script: %w", err)
		}
		err = s.RunScript(ctx, p, f)
		f.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// SplitStatements splits a script into trimmed, non-empty statements
// without their terminating semicolons. Line comments (--) and block
// comments are dropped.
func SplitStatements(script string) []string {
	var (
		out   []string
		cur   strings.Builder
		quote byte
	)
	flush := func() {
		if stmt := strings.TrimSpace(cur.String()); stmt != "" {
			out = append(out, stmt)
		}
		cur.Reset()
	}
	for i := 0; i < len(script); i++ {
		c := script[i]
		if quote != 0 {
			cur.WriteByte(c)
			if c == quote {
				// doubled quote is an escaped quote
				if i+1 < len(script) && script[i+1] == quote {
					cur.WriteByte(script[i+1])
					i++
					continue
				}
				quote = 0
			}
			continue
		}
		switch {
		case c == '\'' || c == '"' || c == '`':
			quote = c
			cur.WriteByte(c)
		case c == '-' && i+1 < len(script) && script[i+1] == '-':
			for i < len(script) && script[i] != '\n' {
				i++
			}
			cur.WriteByte('\n')
		case c == '/' && i+1 < len(script) && script[i+1] == '*':
			end := strings.Index(script[i+2:], "*/")
			if end < 0 {
				i = len(script)
			} else {
				i += end + 3
			}
			cur.WriteByte(' ')
		case c == ';':
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return out
}
