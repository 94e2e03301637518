package carabiner

import (
	"bufio"
	"net"
	"sync"
	"testing"
	"time"
)

// fakeSnapshot is a frozen playback position for tests.
type fakeSnapshot struct {
	beatPhase float64
	barPhase  float64
	beatMs    float64
	barMs     float64
}

func (s fakeSnapshot) BeatPhase() float64    { return s.beatPhase }
func (s fakeSnapshot) BarPhase() float64     { return s.barPhase }
func (s fakeSnapshot) BeatInterval() float64 { return s.beatMs }
func (s fakeSnapshot) BarInterval() float64  { return s.barMs }

// fakeDJ is a scriptable DJ Link engine recording every call made to it.
type fakeDJ struct {
	mu            sync.Mutex
	running       bool
	sendingStatus bool
	master        bool
	synced        bool
	playing       bool
	masterTempo   float64
	snapshot      fakeSnapshot

	listeners    map[MasterListener]struct{}
	setTempos    []float64
	adjustments  []int64
	becameMaster int
}

func newFakeDJ() *fakeDJ {
	return &fakeDJ{listeners: make(map[MasterListener]struct{})}
}

func (d *fakeDJ) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

func (d *fakeDJ) SendingStatus() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sendingStatus
}

func (d *fakeDJ) TempoMaster() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.master
}

func (d *fakeDJ) Synced() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.synced
}

func (d *fakeDJ) SetSynced(synced bool) {
	d.mu.Lock()
	d.synced = synced
	d.mu.Unlock()
}

func (d *fakeDJ) SetTempo(bpm float64) {
	d.mu.Lock()
	d.setTempos = append(d.setTempos, bpm)
	d.mu.Unlock()
}

func (d *fakeDJ) SetPlaying(playing bool) {
	d.mu.Lock()
	d.playing = playing
	d.mu.Unlock()
}

func (d *fakeDJ) BecomeTempoMaster() {
	d.mu.Lock()
	d.master = true
	d.becameMaster++
	d.mu.Unlock()
}

func (d *fakeDJ) MasterTempo() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.masterTempo
}

func (d *fakeDJ) PlaybackPosition() PlaybackSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshot
}

func (d *fakeDJ) AdjustPlaybackPosition(msDelta int64) {
	d.mu.Lock()
	d.adjustments = append(d.adjustments, msDelta)
	d.mu.Unlock()
}

func (d *fakeDJ) AddMasterListener(l MasterListener) {
	d.mu.Lock()
	d.listeners[l] = struct{}{}
	d.mu.Unlock()
}

func (d *fakeDJ) RemoveMasterListener(l MasterListener) {
	d.mu.Lock()
	delete(d.listeners, l)
	d.mu.Unlock()
}

func (d *fakeDJ) listenerCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.listeners)
}

func (d *fakeDJ) lastSetTempo() (float64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.setTempos) == 0 {
		return 0, false
	}
	return d.setTempos[len(d.setTempos)-1], true
}

func (d *fakeDJ) lastAdjustment() (int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.adjustments) == 0 {
		return 0, false
	}
	return d.adjustments[len(d.adjustments)-1], true
}

// attachWire injects a synthetic connection into the engine and returns a
// channel carrying every command line the engine writes, so tests can
// observe the wire without a real daemon.
func attachWire(t *testing.T, e *Engine) <-chan string {
	t.Helper()
	server, client := net.Pipe()
	e.updateState(func(s clientState) clientState {
		s.lastRunID++
		s.conn = &connection{sock: server, runID: s.lastRunID}
		return s
	})
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})

	lines := make(chan string, 32)
	go func() {
		scanner := bufio.NewScanner(client)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()
	return lines
}

// expectLine waits briefly for the next command on the wire.
func expectLine(t *testing.T, lines <-chan string) string {
	t.Helper()
	select {
	case line, ok := <-lines:
		if !ok {
			t.Fatal("wire closed while waiting for a command")
		}
		return line
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a command on the wire")
		return ""
	}
}

// expectNoLine asserts the wire stays quiet for the given window.
func expectNoLine(t *testing.T, lines <-chan string, window time.Duration) {
	t.Helper()
	select {
	case line, ok := <-lines:
		if ok {
			t.Fatalf("unexpected command on the wire: %q", line)
		}
	case <-time.After(window):
	}
}

// statusRecorder collects status snapshots.
type statusRecorder struct {
	mu        sync.Mutex
	snapshots []Status
}

func (r *statusRecorder) StatusChanged(status Status) {
	r.mu.Lock()
	r.snapshots = append(r.snapshots, status)
	r.mu.Unlock()
}

func (r *statusRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snapshots)
}

func TestDefaults(t *testing.T) {
	e := New(nil)
	st := e.State()
	if st.Port != 17000 {
		t.Errorf("default port = %d, want 17000", st.Port)
	}
	if st.Latency != 1 {
		t.Errorf("default latency = %d, want 1", st.Latency)
	}
	if st.SyncMode != SyncOff {
		t.Errorf("default sync mode = %q, want off", st.SyncMode)
	}
	if st.BarAlign {
		t.Error("bar alignment should default to off")
	}
	if st.Running {
		t.Error("a fresh engine should not be running")
	}
}

func TestValidTempoBoundaries(t *testing.T) {
	if ValidTempo(20.0) {
		t.Error("20.0 BPM should be rejected (exclusive bound)")
	}
	if !ValidTempo(20.0000001) {
		t.Error("20.0000001 BPM should be accepted")
	}
	if ValidTempo(999.0) {
		t.Error("999.0 BPM should be rejected (exclusive bound)")
	}
	if !ValidTempo(998.9999) {
		t.Error("998.9999 BPM should be accepted")
	}
}

func TestSetCarabinerPortRejectedWhileConnected(t *testing.T) {
	e := New(nil)
	attachWire(t, e)
	if err := e.SetCarabinerPort(17001); err == nil {
		t.Fatal("expected an error changing the port while connected")
	}
}

func TestSetCarabinerPortRange(t *testing.T) {
	e := New(nil)
	if err := e.SetCarabinerPort(0); err == nil {
		t.Error("port 0 should be rejected")
	}
	if err := e.SetCarabinerPort(70000); err == nil {
		t.Error("port 70000 should be rejected")
	}
	if err := e.SetCarabinerPort(17001); err != nil {
		t.Errorf("port 17001 rejected: %v", err)
	}
	if got := e.State().Port; got != 17001 {
		t.Errorf("port = %d, want 17001", got)
	}
}

func TestListenerRegistriesAreSets(t *testing.T) {
	e := New(nil)
	rec := &statusRecorder{}
	e.AddStatusListener(rec)
	e.AddStatusListener(rec)
	e.notifyStatus(e.State())
	if got := rec.count(); got != 1 {
		t.Errorf("listener invoked %d times after double add, want 1", got)
	}
	e.RemoveStatusListener(rec)
	e.RemoveStatusListener(rec)
	e.notifyStatus(e.State())
	if got := rec.count(); got != 1 {
		t.Errorf("listener invoked after removal (count %d)", got)
	}
}

type panickyListener struct{}

func (panickyListener) StatusChanged(Status) { panic("boom") }

func TestListenerPanicIsolated(t *testing.T) {
	e := New(nil)
	rec := &statusRecorder{}
	e.AddStatusListener(panickyListener{})
	e.AddStatusListener(rec)
	e.notifyStatus(e.State())
	if got := rec.count(); got != 1 {
		t.Errorf("healthy listener starved by a panicking one (count %d)", got)
	}
}
