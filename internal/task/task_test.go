package task

import "testing"

func TestTransitionTopology(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StatePrepare, StatePrepare, true},
		{StatePrepare, StateInProc, true},
		{StatePrepare, StateFailure, true},
		{StatePrepare, StateFinished, false},

		{StateInProc, StateInProc, true},
		{StateInProc, StatePrepare, true},
		{StateInProc, StateFinished, true},
		{StateInProc, StateFailure, true},

		{StateFinished, StatePrepare, true},
		{StateFinished, StateFinished, true},
		{StateFinished, StateFailure, true},
		{StateFinished, StateInProc, false},

		{StateFailure, StateFailure, true},
		{StateFailure, StatePrepare, false},
		{StateFailure, StateInProc, false},
		{StateFailure, StateFinished, false},
	}

	for _, tt := range tests {
		tk := New("t-1", "svc", "1.0", nil)
		tk.state = tt.from

		err := tk.Transition(tt.to)
		if tt.ok && err != nil {
			t.Errorf("%s -> %s: expected ok, got error %v", tt.from, tt.to, err)
		}
		if !tt.ok && err == nil {
			t.Errorf("%s -> %s: expected error, got none", tt.from, tt.to)
		}
		if !tt.ok && tk.State() != tt.from {
			t.Errorf("%s -> %s: state mutated on rejected transition, now %s", tt.from, tt.to, tk.State())
		}
	}
}

func TestIsValid(t *testing.T) {
	tk := New("t-1", "svc", "1.0", nil)
	if !tk.IsValid() {
		t.Error("expected valid task")
	}

	tk.SN = "has space"
	if tk.IsValid() {
		t.Error("expected invalid task with space in sn")
	}
}

func TestPostIdent(t *testing.T) {
	got := PostIdent("u-1", "job-7")
	want := "u-1_job-7"
	if got != want {
		t.Errorf("PostIdent = %q, want %q", got, want)
	}
}

func TestWireCodeRoundTrip(t *testing.T) {
	for _, s := range []State{StatePrepare, StateInProc, StateFinished, StateFailure} {
		code := s.WireCode()
		got, ok := StateFromWireCode(code)
		if !ok || got != s {
			t.Errorf("WireCode round trip for %v: code=%q got=(%v,%v)", s, code, got, ok)
		}
	}
}

func TestStateFromWireCode(t *testing.T) {
	tests := []struct {
		code string
		want State
		ok   bool
	}{
		{"0", StatePrepare, true},
		{"1", StateInProc, true},
		{"2", StateFinished, true},
		{"3", StateFailure, true},
		{"9", StatePrepare, false},
	}
	for _, tt := range tests {
		got, ok := StateFromWireCode(tt.code)
		if ok != tt.ok || got != tt.want {
			t.Errorf("StateFromWireCode(%q) = (%v, %v), want (%v, %v)", tt.code, got, ok, tt.want, tt.ok)
		}
	}
}
