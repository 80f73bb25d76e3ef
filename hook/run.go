package hook

import "time"

// Event is the directory transition that triggered a run.
type Event string

const (
	EventEnter Event = "enter"
	EventExit  Event = "exit"
)

// State is the lifecycle position of a run.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal reports whether s is Completed or Failed.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Run is the persisted record of one hook execution.
type Run struct {
	ID      string `cbor:"id" yaml:"id"`
	EventID string `cbor:"event_id" yaml:"event_id"`
	Dir     string `cbor:"dir" yaml:"dir"`
	Event   Event  `cbor:"event" yaml:"event"`
	// Seq is the position of the spec in its declaration list.
	Seq  int  `cbor:"seq" yaml:"seq"`
	Spec Spec `cbor:"spec" yaml:"spec"`

	State      State     `cbor:"state" yaml:"state"`
	StartedAt  time.Time `cbor:"started_at" yaml:"started_at"`
	FinishedAt time.Time `cbor:"finished_at,omitempty" yaml:"finished_at,omitempty"`
	// PID is the process running the hook, or its supervisor for
	// detached runs.
	PID         int               `cbor:"pid,omitempty" yaml:"pid,omitempty"`
	ExitCode    int               `cbor:"exit_code" yaml:"exit_code"`
	Error       string            `cbor:"error,omitempty" yaml:"error,omitempty"`
	CapturedEnv map[string]string `cbor:"captured_env,omitempty" yaml:"captured_env,omitempty"`
	// Retired runs are removed at the start of the next event.
	Retired bool `cbor:"retired" yaml:"retired"`

	// Environ is the complete environment the hook runs with.
	Environ []string `cbor:"environ,omitempty" yaml:"-"`
}

// CaptureRecord holds the variables exported by Source hooks of one event
// until the shell consumes them.
type CaptureRecord struct {
	Dir       string            `cbor:"dir" yaml:"dir"`
	EventID   string            `cbor:"event_id" yaml:"event_id"`
	Token     string            `cbor:"token" yaml:"token"`
	CreatedAt time.Time         `cbor:"created_at" yaml:"created_at"`
	Env       map[string]string `cbor:"env" yaml:"env"`
	Warnings  []string          `cbor:"warnings,omitempty" yaml:"warnings,omitempty"`
	// Runs lists the IDs of the Source runs merged into Env.
	Runs []string `cbor:"runs,omitempty" yaml:"runs,omitempty"`
}

// EnterResult is returned by Manager.Enter.
type EnterResult struct {
	EventID string
	Runs    []*Run
	// Env holds the exports of synchronous Source hooks.
	Env      map[string]string
	Warnings []string
	// Errors holds the failures of individual hooks. Siblings of a
	// failed hook still run.
	Errors []error
}

// Status summarizes the hook state of a directory.
type Status struct {
	Dir            string        `yaml:"dir"`
	EventID        string        `yaml:"event_id"`
	Counts         map[State]int `yaml:"counts"`
	Runs           []*Run        `yaml:"runs"`
	CapturePending bool          `yaml:"capture_pending"`
}

// Done reports whether no run of the current event is still pending or
// running.
func (s *Status) Done() bool {
	return s.Counts[StatePending] == 0 && s.Counts[StateRunning] == 0
}
