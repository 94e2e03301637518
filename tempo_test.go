package carabiner

import (
	"testing"
	"time"
)

func setLinkState(e *Engine, bpm float64, peers int) {
	e.updateState(func(s clientState) clientState {
		b, p := bpm, peers
		s.linkBPM = &b
		s.linkPeers = &p
		return s
	})
}

func TestLockTempoRejectsInvalid(t *testing.T) {
	e := New(nil)
	for _, bpm := range []float64{20.0, 999.0, 0, -10, 1000} {
		if err := e.LockTempo(bpm); err == nil {
			t.Errorf("LockTempo(%v) should be rejected", bpm)
		}
	}
	if e.State().TargetBPM != nil {
		t.Error("rejected locks must not set a target tempo")
	}
}

func TestLockUnlockNotifiesTwice(t *testing.T) {
	e := New(nil)
	rec := &statusRecorder{}
	e.AddStatusListener(rec)

	if err := e.LockTempo(126.0); err != nil {
		t.Fatalf("LockTempo: %v", err)
	}
	if got := e.State().TargetBPM; got == nil || *got != 126.0 {
		t.Errorf("target tempo = %v, want 126.0", got)
	}
	e.UnlockTempo()
	if e.State().TargetBPM != nil {
		t.Error("target tempo should be cleared by UnlockTempo")
	}
	if got := rec.count(); got != 2 {
		t.Errorf("status listeners notified %d times, want 2", got)
	}
}

func TestLockTempoPushesTargetOntoWire(t *testing.T) {
	e := New(nil)
	lines := attachWire(t, e)
	setLinkState(e, 120.0, 1)

	done := make(chan error, 1)
	go func() { done <- e.LockTempo(125.0) }()
	if got, want := expectLine(t, lines), "bpm 125.0"; got != want {
		t.Errorf("wire carried %q, want %q", got, want)
	}
	if err := <-done; err != nil {
		t.Fatalf("LockTempo: %v", err)
	}
}

// Once the session matches the lock, further status messages must not
// trigger redundant tempo commands.
func TestStatusAtTargetSendsNothing(t *testing.T) {
	e := New(nil)
	lines := attachWire(t, e)
	setLinkState(e, 125.0, 1)
	e.updateState(func(s clientState) clientState {
		v := 125.0
		s.targetBPM = &v
		return s
	})

	bpm, peers := 125.0, 2
	e.handleStatus(Message{Kind: MsgStatus, BPM: &bpm, Peers: &peers})
	expectNoLine(t, lines, 100*time.Millisecond)
}

func TestStatusAwayFromTargetReasserts(t *testing.T) {
	e := New(nil)
	lines := attachWire(t, e)
	e.updateState(func(s clientState) clientState {
		v := 125.0
		s.targetBPM = &v
		return s
	})

	bpm, peers := 128.0, 2
	go e.handleStatus(Message{Kind: MsgStatus, BPM: &bpm, Peers: &peers})
	if got, want := expectLine(t, lines), "bpm 125.0"; got != want {
		t.Errorf("wire carried %q, want %q", got, want)
	}
}

// Without a lock, a tempo-master virtual player follows the Link session.
func TestStatusPushesTempoIntoMasterPlayer(t *testing.T) {
	dj := newFakeDJ()
	dj.master = true
	e := New(dj)
	attachWire(t, e)

	bpm, peers := 123.5, 2
	e.handleStatus(Message{Kind: MsgStatus, BPM: &bpm, Peers: &peers})

	if got, ok := dj.lastSetTempo(); !ok || got != 123.5 {
		t.Errorf("player tempo = %v (%v), want 123.5", got, ok)
	}
}

func TestSetLinkTempoTolerance(t *testing.T) {
	e := New(nil)
	lines := attachWire(t, e)
	setLinkState(e, 125.0, 1)

	// Within 0.005 of the session tempo: nothing to do.
	if err := e.SetLinkTempo(125.004); err != nil {
		t.Fatalf("SetLinkTempo: %v", err)
	}
	expectNoLine(t, lines, 100*time.Millisecond)

	// Beyond the tolerance: ask the session to move.
	done := make(chan error, 1)
	go func() { done <- e.SetLinkTempo(126.0) }()
	if got, want := expectLine(t, lines), "bpm 126.0"; got != want {
		t.Errorf("wire carried %q, want %q", got, want)
	}
	if err := <-done; err != nil {
		t.Fatalf("SetLinkTempo: %v", err)
	}
}
