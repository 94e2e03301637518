package carabiner

import (
	"net"
	"sync/atomic"
)

// Defaults applied by New.
const (
	DefaultPort    = 17000
	DefaultLatency = 1 // milliseconds
)

// SyncMode selects which direction(s) of synchronization are active.
type SyncMode string

const (
	SyncOff     SyncMode = "off"     // no synchronization
	SyncPassive SyncMode = "passive" // Ableton Link follows the Pioneer network
	SyncFull    SyncMode = "full"    // bidirectional; either side may lead
)

func validSyncMode(m SyncMode) bool {
	return m == SyncOff || m == SyncPassive || m == SyncFull
}

// connection pairs the live socket with the run id stamped on its read loop.
type connection struct {
	sock  net.Conn
	runID uint64
}

// beatProbe correlates an outstanding beat-at-time query with its response.
type beatProbe struct {
	when       int64 // latency-adjusted query time, microseconds
	beatNumber int   // beat within bar (1..4); 0 = not supplied
}

// phaseProbe correlates an outstanding phase-at-time query with the playback
// position captured when the query was sent.
type phaseProbe struct {
	when     int64 // query time, microseconds
	snapshot PlaybackSnapshot
}

// clientState is the single shared record everything reads. It is never
// mutated in place: updates build a fresh copy and swap it in with CAS, so
// readers always see a consistent snapshot without locking.
type clientState struct {
	port     int
	latency  int // milliseconds between a CDJ beat and our sight of it
	syncMode SyncMode
	barAlign bool

	conn      *connection
	lastRunID uint64 // highest run id ever assigned; run ids are never reused

	linkBPM   *float64 // last tempo reported by the daemon; nil unless connected
	linkPeers *int     // last peer count reported by the daemon; nil unless connected
	targetBPM *float64 // when set, the Link session is being held at this tempo

	beatProbe  *beatProbe
	phaseProbe *phaseProbe
}

// updateState applies f atomically: on CAS contention it re-reads and
// retries, so f must be a pure function of its argument. Returns the state
// that was swapped in.
func (e *Engine) updateState(f func(clientState) clientState) clientState {
	for {
		old := e.state.Load()
		ns := f(*old)
		if e.state.CompareAndSwap(old, &ns) {
			return ns
		}
	}
}

// Status is the public snapshot handed to status listeners and State().
type Status struct {
	Port      int      `json:"port"`
	Latency   int      `json:"latency"`
	SyncMode  SyncMode `json:"sync_mode"`
	BarAlign  bool     `json:"bar_align"`
	Running   bool     `json:"running"`
	LinkBPM   *float64 `json:"link_bpm,omitempty"`
	LinkPeers *int     `json:"link_peers,omitempty"`
	TargetBPM *float64 `json:"target_bpm,omitempty"`
}

func snapshotStatus(s clientState) Status {
	return Status{
		Port:      s.port,
		Latency:   s.latency,
		SyncMode:  s.syncMode,
		BarAlign:  s.barAlign,
		Running:   s.conn != nil,
		LinkBPM:   s.linkBPM,
		LinkPeers: s.linkPeers,
		TargetBPM: s.targetBPM,
	}
}

// Metrics counts engine activity since start. Counters only ever increase.
type Metrics struct {
	MessagesParsed      uint64 `json:"messages_parsed"`
	BeatRealignments    uint64 `json:"beat_realignments"`
	PhaseShiftsApplied  uint64 `json:"phase_shifts_applied"`
	PhaseShiftsDeferred uint64 `json:"phase_shifts_deferred"`
	StaleProbes         uint64 `json:"stale_probes"`
}

type metricCounters struct {
	messagesParsed      atomic.Uint64
	beatRealignments    atomic.Uint64
	phaseShiftsApplied  atomic.Uint64
	phaseShiftsDeferred atomic.Uint64
	staleProbes         atomic.Uint64
}

func (m *metricCounters) snapshot() Metrics {
	return Metrics{
		MessagesParsed:      m.messagesParsed.Load(),
		BeatRealignments:    m.beatRealignments.Load(),
		PhaseShiftsApplied:  m.phaseShiftsApplied.Load(),
		PhaseShiftsDeferred: m.phaseShiftsDeferred.Load(),
		StaleProbes:         m.staleProbes.Load(),
	}
}
