package status

import (
	"encoding/json"
	"testing"
)

func TestTransitionTableMatchesSpec(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{Created, Starting, true},
		{Starting, Running, true},
		{Starting, Failed(""), true},
		{Running, Pausing, true},
		{Running, Suspending, true},
		{Running, Stopping, true},
		{Running, Starting, true},
		{Paused, Resuming, true},
		{Suspended, Resuming, true},
		{Suspended, Stopping, true},
		{Stopped, Starting, true},
		{Failed(""), Running, false},
		{Created, Running, false},
		{Paused, Stopped, false},
	}
	for _, c := range cases {
		got := CanTransition(c.from, c.to)
		if got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestIsActiveMatchesProcessPIDInvariant(t *testing.T) {
	active := []Status{Starting, Running, Pausing, Paused, Resuming, Suspending, Suspended, Stopping}
	inactive := []Status{Created, Stopped, Failed("x")}
	for _, s := range active {
		if !s.IsActive() {
			t.Errorf("%s should be active", s)
		}
	}
	for _, s := range inactive {
		if s.IsActive() {
			t.Errorf("%s should not be active", s)
		}
	}
}

func TestFailedJSONRoundTrip(t *testing.T) {
	s := Failed("kernel not found")
	b, err := json.Marshal(s)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"state":"failed","reason":"kernel not found"}` {
		t.Errorf("marshal = %s", b)
	}

	var got Status
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatal(err)
	}
	if !got.Equal(s) {
		t.Errorf("round trip = %+v, want %+v", got, s)
	}
}

func TestNonFailedJSONHasNoReasonField(t *testing.T) {
	b, err := json.Marshal(Running)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"state":"running"}` {
		t.Errorf("marshal = %s", b)
	}
}

func TestDerivedPredicates(t *testing.T) {
	if !CanPause(Running) || CanPause(Paused) {
		t.Error("CanPause")
	}
	if !CanResumeFromPause(Paused) || CanResumeFromPause(Suspended) {
		t.Error("CanResumeFromPause")
	}
	if !CanWake(Suspended) || CanWake(Paused) {
		t.Error("CanWake")
	}
	if !CanSuspend(Running) || !CanSuspend(Paused) || CanSuspend(Stopped) {
		t.Error("CanSuspend")
	}
	if !CanReset(Running) || !CanReset(Paused) || CanReset(Stopped) {
		t.Error("CanReset")
	}
	if !CanStop(Running) || !CanStop(Paused) || !CanStop(Suspended) || CanStop(Stopped) {
		t.Error("CanStop")
	}
	if CanDestroy(Running) || CanDestroy(Starting) || !CanDestroy(Stopped) {
		t.Error("CanDestroy")
	}
}
