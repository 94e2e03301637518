// Package carabiner synchronizes a Pioneer Pro DJ Link network with an
// Ableton Link session, by way of a local Carabiner daemon reached over TCP.
// The engine keeps the two beat grids aligned in both tempo and phase, and
// negotiates which side is the tempo master at any moment.
package carabiner

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// Domain errors returned for precondition violations. Connection failures
// are never returned as errors; they go to the failure callback passed to
// Connect.
var (
	ErrInvalidState    = errors.New("invalid state")
	ErrInvalidArgument = errors.New("invalid argument")
)

// Tempo bounds accepted by Ableton Link, exclusive on both ends.
const (
	minTempo = 20.0
	maxTempo = 999.0
)

// Engine is the synchronization engine. Create one with New; all methods
// are safe for concurrent use.
type Engine struct {
	dj    DJLink
	state atomic.Pointer[clientState]

	statusListeners        atomic.Pointer[map[StatusListener]struct{}]
	versionListeners       atomic.Pointer[map[VersionListener]struct{}]
	disconnectionListeners atomic.Pointer[map[DisconnectionListener]struct{}]

	// master forwards DJ Link tempo-master events into the engine; a single
	// instance so registrations with the DJ Link engine stay idempotent.
	master *masterAdapter

	metrics metricCounters

	// clock returns the current time in microseconds on the same monotonic
	// timebase the Carabiner daemon uses. Replaceable in tests.
	clock func() int64
}

// New creates an engine bridging the given DJ Link engine. The dj argument
// may be nil for hosts that only drive the Link side; sync modes other than
// off are then rejected.
func New(dj DJLink) *Engine {
	e := &Engine{dj: dj, clock: MonotonicMicros}
	e.master = &masterAdapter{engine: e}
	initial := clientState{
		port:     DefaultPort,
		latency:  DefaultLatency,
		syncMode: SyncOff,
	}
	e.state.Store(&initial)
	empty1 := map[StatusListener]struct{}{}
	e.statusListeners.Store(&empty1)
	empty2 := map[VersionListener]struct{}{}
	e.versionListeners.Store(&empty2)
	empty3 := map[DisconnectionListener]struct{}{}
	e.disconnectionListeners.Store(&empty3)
	return e
}

// State returns a snapshot of the engine's publicly visible state.
func (e *Engine) State() Status {
	return snapshotStatus(*e.state.Load())
}

// Active reports whether a session with the Carabiner daemon is live.
func (e *Engine) Active() bool {
	return e.state.Load().conn != nil
}

// SyncEnabled reports whether any sync direction is wired up.
func (e *Engine) SyncEnabled() bool {
	return e.state.Load().syncMode != SyncOff
}

// ValidTempo reports whether bpm is a tempo Ableton Link will accept.
// Bounds are exclusive: exactly 20 or 999 BPM is rejected.
func ValidTempo(bpm float64) bool {
	return bpm > minTempo && bpm < maxTempo
}

// ValidTempo reports whether bpm is a tempo Ableton Link will accept.
func (e *Engine) ValidTempo(bpm float64) bool {
	return ValidTempo(bpm)
}

// Metrics returns a snapshot of the engine's activity counters.
func (e *Engine) Metrics() Metrics {
	return e.metrics.snapshot()
}

// SetCarabinerPort changes the TCP port used to reach the Carabiner daemon.
// It is rejected while a session is active.
func (e *Engine) SetCarabinerPort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidArgument, port)
	}
	if e.Active() {
		return fmt.Errorf("%w: cannot change port while connected", ErrInvalidState)
	}
	e.updateState(func(s clientState) clientState {
		s.port = port
		return s
	})
	return nil
}

// SetLatency sets the estimated delay, in milliseconds, between a CDJ beat
// landing and the moment the engine sees its beat packet.
func (e *Engine) SetLatency(ms int) error {
	if ms < 0 {
		return fmt.Errorf("%w: latency must not be negative", ErrInvalidArgument)
	}
	e.updateState(func(s clientState) clientState {
		s.latency = ms
		return s
	})
	return nil
}

// SetSyncBars chooses whether alignment happens at bar boundaries (every
// four beats) rather than at individual beats.
func (e *Engine) SetSyncBars(barAlign bool) {
	e.updateState(func(s clientState) clientState {
		s.barAlign = barAlign
		return s
	})
}
