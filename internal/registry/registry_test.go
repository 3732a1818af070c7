package registry

import (
	"testing"
	"time"

	"github.com/Totoro-Yes/VerManager/internal/protocol"
)

func TestAcceptFresh(t *testing.T) {
	r := New(time.Minute, nil, nil)
	defer r.Stop()

	w, reclaimed := r.Accept("w-1", protocol.RoleNormal, 4)
	if reclaimed {
		t.Error("expected fresh accept, got reclaimed")
	}
	if w.Status() != Online {
		t.Errorf("status = %v, want Online", w.Status())
	}
}

func TestMarkWaitingAndReclaim(t *testing.T) {
	r := New(time.Minute, nil, nil)
	defer r.Stop()

	r.Accept("w-1", protocol.RoleNormal, 4)
	r.MarkWaiting("w-1")

	w := r.Get("w-1")
	if w.Status() != Waiting {
		t.Fatalf("status = %v, want Waiting", w.Status())
	}

	reclaimed, ok := r.Accept("w-1", protocol.RoleNormal, 4)
	if !ok {
		t.Error("expected reclaim on reconnect")
	}
	if reclaimed.Status() != Online {
		t.Errorf("status = %v, want Online after reclaim", reclaimed.Status())
	}
}

func TestFewestInProcSelection(t *testing.T) {
	r := New(time.Minute, nil, nil)
	defer r.Stop()

	r.Accept("w-1", protocol.RoleNormal, 4)
	r.Accept("w-2", protocol.RoleNormal, 4)
	r.SetProc("w-1", 2)
	r.SetProc("w-2", 0)

	best := r.FewestInProc()
	if best == nil || best.Ident != "w-2" {
		t.Errorf("FewestInProc = %+v, want w-2", best)
	}
}

func TestFewestInProcSkipsFull(t *testing.T) {
	r := New(time.Minute, nil, nil)
	defer r.Stop()

	r.Accept("w-1", protocol.RoleNormal, 1)
	r.SetProc("w-1", 1)

	if got := r.FewestInProc(); got != nil {
		t.Errorf("FewestInProc = %+v, want nil (worker at capacity)", got)
	}
}

func TestUniqueMerger(t *testing.T) {
	r := New(time.Minute, nil, nil)
	defer r.Stop()

	r.Accept("w-1", protocol.RoleNormal, 4)
	if got := r.UniqueMerger(); got != nil {
		t.Errorf("UniqueMerger = %+v, want nil", got)
	}

	r.Accept("m-1", protocol.RoleMerger, 1)
	got := r.UniqueMerger()
	if got == nil || got.Ident != "m-1" {
		t.Errorf("UniqueMerger = %+v, want m-1", got)
	}
}

func TestStatusChangeCallback(t *testing.T) {
	var got []string
	r := New(time.Minute, func(ident string, from, to Status) {
		got = append(got, ident+":"+from.String()+"->"+to.String())
	}, nil)
	defer r.Stop()

	r.Accept("w-1", protocol.RoleNormal, 4)
	r.MarkWaiting("w-1")

	if len(got) != 2 {
		t.Fatalf("callback invocations = %d, want 2: %v", len(got), got)
	}
	if got[0] != "w-1:PENDING->ONLINE" {
		t.Errorf("got[0] = %q", got[0])
	}
	if got[1] != "w-1:ONLINE->WAITING" {
		t.Errorf("got[1] = %q", got[1])
	}
}
