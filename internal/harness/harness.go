package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/afero"

	"github.com/roach88/sqlmap/internal/builder"
	"github.com/roach88/sqlmap/internal/session"
	"github.com/roach88/sqlmap/internal/sqlparam"
	"github.com/roach88/sqlmap/internal/store"
)

// environmentID is the environment every scenario runs in. It shows up in
// cache keys and selects the sqlite database id.
const environmentID = "harness"

// Option configures a run.
type Option func(*runner)

// WithLogger sets the logger for the engine under test. Logs are discarded
// by default.
func WithLogger(l *slog.Logger) Option {
	return func(r *runner) {
		r.logger = l
	}
}

type runner struct {
	fs       afero.Fs
	scenario *Scenario
	logger   *slog.Logger

	cfg     *builder.Configuration
	store   *store.Store
	factory *session.Factory
	current *session.Session
	result  *Result
}

// Run executes a scenario on a fresh in-memory database. Failed
// expectations and assertions are reported in the result; the error is
// reserved for scenarios that cannot run at all (bad mapper files,
// unresolved references, failing schema scripts).
func Run(ctx context.Context, fs afero.Fs, s *Scenario, opts ...Option) (*Result, error) {
	r := &runner{
		fs:       fs,
		scenario: s,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		result:   NewResult(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.load(); err != nil {
		return nil, err
	}

	st, err := store.Open(ctx, r.cfg.Environment.Driver, r.cfg.Environment.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()
	r.store = st
	if err := st.RunScriptFiles(ctx, fs, s.Dir(), s.Schema); err != nil {
		return nil, fmt.Errorf("failed to run schema: %w", err)
	}

	r.factory = session.NewFactory(r.cfg, st.DB(),
		session.WithLogger(r.logger),
		session.WithIDGenerator(session.NewFixedGenerator(sessionIDs(s.Steps)...)),
	)

	for i, step := range s.Steps {
		r.step(ctx, i, step)
	}
	if r.current != nil {
		if err := r.current.Close(); err != nil {
			r.result.AddError(fmt.Sprintf("closing session: %v", err))
		}
		r.current = nil
	}

	actx := &AssertionContext{Ctx: ctx, DB: st.DB(), Registry: r.cfg.Registry}
	for _, msg := range EvaluateAssertions(s.Assertions, actx) {
		r.result.AddError(msg)
	}
	return r.result, nil
}

// sessionIDs returns one id per session the steps can open.
func sessionIDs(steps []Step) []string {
	n := 1
	for _, s := range steps {
		if s.Close {
			n++
		}
	}
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("session-%d", i+1)
	}
	return ids
}

func (r *runner) load() error {
	s := r.scenario
	cfg := builder.DefaultConfig()
	cfg.Properties = s.Properties
	cfg.Environments = builder.Environments{
		Default: environmentID,
		Databases: map[string]builder.Environment{
			environmentID: {Driver: store.DriverSQLite, DSN: ":memory:"},
		},
	}
	if len(s.Settings) > 0 {
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:           &cfg.Settings,
			ErrorUnused:      true,
			WeaklyTypedInput: true,
		})
		if err != nil {
			return err
		}
		if err := dec.Decode(s.Settings); err != nil {
			return fmt.Errorf("invalid settings: %w", err)
		}
	}

	c, err := builder.NewConfiguration(cfg, builder.WithLogger(r.logger), builder.WithFs(r.fs))
	if err != nil {
		return err
	}
	for _, m := range s.Mappers {
		if err := c.AddMapperFile(s.Path(m)); err != nil {
			return err
		}
	}
	if err := c.Finish(); err != nil {
		return err
	}
	if err := c.Unresolved(); err != nil {
		return err
	}
	for i, st := range s.Statements {
		_, err := c.AddStatement(builder.TextStatement{
			Namespace:     st.Namespace,
			ID:            st.ID,
			Command:       inlineCommands[st.Command],
			SQL:           st.SQL,
			ParameterType: st.ParameterType,
			ResultType:    st.ResultType,
			ResultMap:     st.ResultMap,
			UseCache:      st.UseCache,
			FlushCache:    st.FlushCache,
		})
		if err != nil {
			return fmt.Errorf("statements[%d]: %w", i, err)
		}
	}
	r.cfg = c
	return nil
}

func (r *runner) session() *session.Session {
	if r.current == nil {
		r.current = r.factory.Open()
	}
	return r.current
}

func (r *runner) step(ctx context.Context, index int, step Step) {
	ev := TraceEvent{Type: step.Kind(), Statement: step.Statement()}
	var err error

	switch ev.Type {
	case EventCompile:
		err = r.describe(&ev, step.Params)
	case EventQuery:
		if err = r.describe(&ev, step.Params); err == nil {
			s := r.session()
			ev.Session = s.ID()
			ev.Rows, err = s.SelectList(ctx, step.Query, step.Params)
		}
	case EventUpdate:
		if err = r.describe(&ev, step.Params); err == nil {
			s := r.session()
			ev.Session = s.ID()
			var n int64
			n, err = s.Update(ctx, step.Update, step.Params)
			if err == nil {
				ev.Affected = &n
			}
		}
	case EventCommit:
		s := r.session()
		ev.Session = s.ID()
		err = s.Commit()
	case EventRollback:
		s := r.session()
		ev.Session = s.ID()
		err = s.Rollback()
	case EventClose:
		if r.current != nil {
			ev.Session = r.current.ID()
			err = r.current.Close()
			r.current = nil
		}
	}
	if err != nil {
		ev.Error = err.Error()
	}
	r.result.record(ev)

	where := fmt.Sprintf("steps[%d] %s", index, ev.Type)
	if ev.Statement != "" {
		where += " " + ev.Statement
	}
	for _, msg := range checkExpect(step.Expect, ev, err) {
		r.result.AddError(where + ": " + msg)
	}
}

// describe binds the statement without running it and records the SQL,
// the bind descriptors and the values they read.
func (r *runner) describe(ev *TraceEvent, param any) error {
	ms, err := r.cfg.Registry.Statement(ev.Statement)
	if err != nil {
		return err
	}
	bound, err := ms.Bind(param)
	if err != nil {
		return err
	}
	ev.SQL = bound.SQL
	for _, m := range bound.Mappings {
		ev.Params = append(ev.Params, m.String())
		if m.Mode == sqlparam.ModeOut {
			ev.Args = append(ev.Args, nil)
			continue
		}
		v, err := bound.Value(m, r.cfg.Types)
		if err != nil {
			return err
		}
		ev.Args = append(ev.Args, v)
	}
	return nil
}

func checkExpect(exp *Expect, ev TraceEvent, err error) []string {
	if exp == nil {
		if err != nil {
			return []string{err.Error()}
		}
		return nil
	}
	if exp.Error != "" {
		switch {
		case err == nil:
			return []string{fmt.Sprintf("expected error containing %q, got none", exp.Error)}
		case !strings.Contains(err.Error(), exp.Error):
			return []string{fmt.Sprintf("expected error containing %q, got %q", exp.Error, err.Error())}
		}
		return nil
	}
	if err != nil {
		return []string{err.Error()}
	}

	var msgs []string
	if exp.SQL != "" && collapse(exp.SQL) != collapse(ev.SQL) {
		msgs = append(msgs, fmt.Sprintf("expected SQL %q, got %q", collapse(exp.SQL), collapse(ev.SQL)))
	}
	if exp.Count != nil && *exp.Count != len(ev.Rows) {
		msgs = append(msgs, fmt.Sprintf("expected %d row(s), got %d", *exp.Count, len(ev.Rows)))
	}
	if exp.Rows != nil && !matchValue(exp.Rows, ev.Rows) {
		msgs = append(msgs, fmt.Sprintf("expected rows %v, got %v", exp.Rows, ev.Rows))
	}
	if exp.Affected != nil {
		switch {
		case ev.Affected == nil:
			msgs = append(msgs, "expected an affected row count, got none")
		case *exp.Affected != *ev.Affected:
			msgs = append(msgs, fmt.Sprintf("expected %d affected row(s), got %d", *exp.Affected, *ev.Affected))
		}
	}
	return msgs
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
