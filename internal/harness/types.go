package harness

// Outcomes recorded for steps that do not resolve a merge.
const (
	OutcomeOK       = "ok"
	OutcomeQueued   = "queued"
	OutcomeSent     = "sent"
	OutcomeBuffered = "buffered"
	OutcomeDup      = "duplicate"
	OutcomeForward  = "forwarded"
	OutcomeEmpty    = "empty"
	OutcomeDown     = "down"
	OutcomeUp       = "up"
	OutcomeDeleted  = "deleted"
	OutcomeMissing  = "missing"
)

// TraceEvent records one executed step, or one received message.
type TraceEvent struct {
	Seq       int    `json:"seq"`
	Op        string `json:"op"`
	Node      string `json:"node,omitempty"`
	Peer      string `json:"peer,omitempty"`
	Branch    string `json:"branch,omitempty"`
	Dimension string `json:"dimension,omitempty"`

	// Outcome is a merge strategy, one of the Outcome constants, or
	// "error:<CODE>".
	Outcome string `json:"outcome"`

	// Clock is the clock of the snapshot the step produced, or of the
	// node after the step.
	Clock uint64 `json:"clock"`

	// Count is the number of messages delivered, applied or dropped.
	Count int `json:"count,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every step expectation and assertion held.
	Pass bool `json:"pass"`

	// Trace contains one event per step (per message for receive).
	Trace []TraceEvent `json:"trace"`

	// Errors contains expectation and assertion failures.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
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

// record appends ev with the next sequence number and returns it.
func (r *Result) record(ev TraceEvent) TraceEvent {
	ev.Seq = len(r.Trace) + 1
	r.Trace = append(r.Trace, ev)
	return ev
}
