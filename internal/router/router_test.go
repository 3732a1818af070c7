package router

import (
	"testing"

	"github.com/Totoro-Yes/VerManager/internal/protocol"
	"github.com/Totoro-Yes/VerManager/internal/task"
)

func TestDispatchInvokesRegisteredHandler(t *testing.T) {
	r := New(nil)
	var got protocol.Message
	var gotIdent string
	r.Handle(protocol.TypeHeartbeat, func(ident string, msg protocol.Message) {
		gotIdent = ident
		got = msg
	})

	hb, err := protocol.NewHeartbeat("w-1", 7)
	if err != nil {
		t.Fatalf("NewHeartbeat: %v", err)
	}
	r.Dispatch("w-1", hb)

	if gotIdent != "w-1" {
		t.Errorf("ident = %q, want w-1", gotIdent)
	}
	if got.Type != protocol.TypeHeartbeat {
		t.Errorf("type = %q, want %q", got.Type, protocol.TypeHeartbeat)
	}
}

func TestDispatchUnregisteredTypeIsNoop(t *testing.T) {
	r := New(nil)
	raw, _ := protocol.Encode("unknown-type", struct{}{}, struct{}{})
	msg, _ := protocol.Decode(raw)

	// Must not panic.
	r.Dispatch("w-1", msg)
}

type fakeReporter struct {
	taskID string
	state  task.State
	called bool
}

func (f *fakeReporter) ReportState(taskID string, newState task.State) {
	f.taskID = taskID
	f.state = newState
	f.called = true
}

func TestRegisterDefaultsResponseReportsState(t *testing.T) {
	r := New(nil)
	reporter := &fakeReporter{}
	RegisterDefaults(r, reporter, nil)

	raw, err := protocol.Encode(protocol.TypeResponse,
		protocol.ResponseHeader{Ident: "w-1", Tid: "t-1", Parent: "job-1"},
		protocol.ResponseContent{State: "2"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	msg, err := protocol.Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	r.Dispatch("w-1", msg)

	if !reporter.called {
		t.Fatal("expected ReportState to be called")
	}
	if reporter.taskID != "t-1" {
		t.Errorf("taskID = %q, want t-1", reporter.taskID)
	}
	if reporter.state != task.StateFinished {
		t.Errorf("state = %v, want Finished", reporter.state)
	}
}

func TestRegisterDefaultsResponseUnknownStateIsIgnored(t *testing.T) {
	r := New(nil)
	reporter := &fakeReporter{}
	RegisterDefaults(r, reporter, nil)

	raw, _ := protocol.Encode(protocol.TypeResponse,
		protocol.ResponseHeader{Ident: "w-1", Tid: "t-1"},
		protocol.ResponseContent{State: "9"})
	msg, _ := protocol.Decode(raw)

	r.Dispatch("w-1", msg)

	if reporter.called {
		t.Error("expected ReportState not to be called for an unknown state code")
	}
}
