package harness

// Result is the outcome of running one scenario.
type Result struct {
	// Pass is true when every step met its expectation and every
	// assertion held.
	Pass bool

	// Trace is the ordered record of steps and sync events.
	Trace []TraceEvent

	// Errors lists expectation and assertion failures.
	Errors []string
}

// TraceEvent is one entry in a scenario trace: either a flow step or a sync
// event emitted by the manager.
type TraceEvent struct {
	Seq       int    `json:"seq"`
	Type      string `json:"type"`
	Action    string `json:"action"`
	RecordID  string `json:"record_id,omitempty"`
	OldID     string `json:"old_id,omitempty"`
	Operation string `json:"operation,omitempty"`
	Attempt   int    `json:"attempt,omitempty"`
	RetryIn   string `json:"retry_in,omitempty"`
	Reason    string `json:"reason,omitempty"`
	State     string `json:"state,omitempty"`
	Revision  string `json:"revision,omitempty"`
	Outcome   string `json:"outcome,omitempty"`
}

// Trace event types.
const (
	TraceStep = "step"
	TraceSync = "sync"
)

// NewResult creates a passing result with an empty trace.
func NewResult() *Result {
	return &Result{Pass: true, Trace: []TraceEvent{}, Errors: []string{}}
}

// AddError records a failure and marks the result failed.
func (r *Result) AddError(msg string) {
	r.Pass = false
	r.Errors = append(r.Errors, msg)
}

func (r *Result) add(ev TraceEvent) {
	ev.Seq = len(r.Trace) + 1
	r.Trace = append(r.Trace, ev)
}
