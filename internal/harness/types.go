package harness

// Step kinds recorded in the trace.
const (
	KindLoad      = "load"
	KindRun       = "run"
	KindWriteback = "writeback"
	KindCheck     = "check"
)

// TraceEvent records the outcome of one step. Counts that are zero are
// left out so traces stay short and stable.
type TraceEvent struct {
	Step        int                       `json:"step"`
	Kind        string                    `json:"kind"`
	RunID       string                    `json:"run_id,omitempty"`
	EffectiveAt string                    `json:"effective_at,omitempty"`
	Status      string                    `json:"status,omitempty"`
	Code        string                    `json:"code,omitempty"`
	Rows        int                       `json:"rows,omitempty"` // loaded or matched rows
	Tables      map[string]map[string]int `json:"tables,omitempty"`
	Violations  map[string]int64          `json:"violations,omitempty"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if every step expectation and assertion matched.
	Pass bool `json:"pass"`

	// Trace contains one event per step, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
// Used as the starting point for test execution.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddEvent appends a step event to the trace.
func (r *Result) AddEvent(ev TraceEvent) {
	r.Trace = append(r.Trace, ev)
}
