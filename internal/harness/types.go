package harness

// Trace event types.
const (
	EventCompile  = "compile"
	EventQuery    = "query"
	EventUpdate   = "update"
	EventCommit   = "commit"
	EventRollback = "rollback"
	EventClose    = "close"
)

// TraceEvent records one executed step.
type TraceEvent struct {
	Seq       int      `json:"seq"`
	Type      string   `json:"type"`
	Session   string   `json:"session,omitempty"`
	Statement string   `json:"statement,omitempty"`
	SQL       string   `json:"sql,omitempty"`
	Params    []string `json:"params,omitempty"`
	Args      []any    `json:"args,omitempty"`
	Rows      []any    `json:"rows,omitempty"`
	Affected  *int64   `json:"affected,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// Result is the outcome of a scenario.
type Result struct {
	// Pass is true when every expectation and assertion held.
	Pass   bool         `json:"pass"`
	Trace  []TraceEvent `json:"trace"`
	Errors []string     `json:"errors,omitempty"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError records a failed expectation and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) record(ev TraceEvent) {
	ev.Seq = len(r.Trace) + 1
	r.Trace = append(r.Trace, ev)
}
