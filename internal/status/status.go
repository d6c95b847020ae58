// Package status implements the GVM finite-state model: the tagged sum of
// permitted statuses and the predicate table governing which operations may
// run from which status.
package status

import "encoding/json"

// Status is one arm of the GVM status tagged sum. The zero value is not a
// valid status — every GVM record always carries an explicit one.
type Status struct {
	state  state
	reason string // only meaningful when state == stateFailed
}

type state string

const (
	stateCreated    state = "created"
	stateStarting   state = "starting"
	stateRunning    state = "running"
	statePausing    state = "pausing"
	statePaused     state = "paused"
	stateResuming   state = "resuming"
	stateSuspending state = "suspending"
	stateSuspended  state = "suspended"
	stateStopping   state = "stopping"
	stateStopped    state = "stopped"
	stateFailed     state = "failed"
)

var (
	Created    = Status{state: stateCreated}
	Starting   = Status{state: stateStarting}
	Running    = Status{state: stateRunning}
	Pausing    = Status{state: statePausing}
	Paused     = Status{state: statePaused}
	Resuming   = Status{state: stateResuming}
	Suspending = Status{state: stateSuspending}
	Suspended  = Status{state: stateSuspended}
	Stopping   = Status{state: stateStopping}
	Stopped    = Status{state: stateStopped}
)

// Failed constructs the payload-bearing Failed arm with the given reason.
func Failed(reason string) Status {
	return Status{state: stateFailed, reason: reason}
}

// IsFailed reports whether s is the Failed arm.
func (s Status) IsFailed() bool { return s.state == stateFailed }

// Reason returns the diagnostic carried by the Failed arm, or "" otherwise.
func (s Status) Reason() string { return s.reason }

// String renders the bare state name (the reason, if any, is not included).
func (s Status) String() string { return string(s.state) }

// Equal reports whether two statuses are the same arm (and, for Failed,
// the same reason).
func (s Status) Equal(other Status) bool {
	return s.state == other.state && s.reason == other.reason
}

// IsActive reports whether a GVM in this status must have a process_pid
// set, per the record invariant in SPEC_FULL.md section 3.
func (s Status) IsActive() bool {
	switch s.state {
	case stateStarting, stateRunning, statePausing, statePaused, stateResuming,
		stateSuspending, stateSuspended, stateStopping:
		return true
	default:
		return false
	}
}

type jsonForm struct {
	State  string `json:"state"`
	Reason string `json:"reason,omitempty"`
}

// MarshalJSON renders the Failed arm as a discriminated object
// ({"state":"failed","reason":"..."}) and every other arm as
// {"state":"<name>"}, keeping the wire shape stable regardless of which
// arm is payload-bearing.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(jsonForm{State: string(s.state), Reason: s.reason})
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var f jsonForm
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	s.state = state(f.State)
	s.reason = f.Reason
	return nil
}

// transitions maps each status to the set of statuses directly reachable
// from it via some operation, per SPEC_FULL.md section 4.3's table.
var transitions = map[state]map[state]bool{
	stateCreated:    {stateStarting: true},
	stateStarting:   {stateRunning: true, stateFailed: true},
	stateRunning:    {statePausing: true, stateSuspending: true, stateStopping: true, stateStarting: true},
	statePausing:    {statePaused: true, stateFailed: true},
	statePaused:     {stateResuming: true, stateSuspending: true, stateStopping: true, stateStarting: true},
	stateResuming:   {stateRunning: true, stateFailed: true},
	stateSuspending: {stateSuspended: true, stateFailed: true},
	stateSuspended:  {stateResuming: true, stateStopping: true},
	stateStopping:   {stateStopped: true, stateFailed: true},
	stateStopped:    {stateStarting: true},
	stateFailed:     {},
}

// CanTransition reports whether the from→to pair appears in the permitted
// transition table.
func CanTransition(from, to Status) bool {
	next, ok := transitions[from.state]
	if !ok {
		return false
	}
	return next[to.state]
}

// CanPause reports whether pause() may run from s (Running only).
func CanPause(s Status) bool { return s.state == stateRunning }

// CanResumeFromPause reports whether resume() may treat s as the Paused arm.
func CanResumeFromPause(s Status) bool { return s.state == statePaused }

// CanWake reports whether resume() may treat s as the Suspended arm.
func CanWake(s Status) bool { return s.state == stateSuspended }

// CanSuspend reports whether suspend() may run from s (Running or Paused).
func CanSuspend(s Status) bool { return s.state == stateRunning || s.state == statePaused }

// CanReset reports whether reset() may run from s (Running or Paused).
func CanReset(s Status) bool { return s.state == stateRunning || s.state == statePaused }

// CanStop reports whether stop() may run from s (Running, Paused, Suspended).
func CanStop(s Status) bool {
	return s.state == stateRunning || s.state == statePaused || s.state == stateSuspended
}

// CanDestroy reports whether destroy() may run from s without force
// (anything but Running/Starting).
func CanDestroy(s Status) bool {
	return s.state != stateRunning && s.state != stateStarting
}
