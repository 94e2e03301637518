package carabiner

import (
	"fmt"
	"log"
	"math"
)

// Tolerances for tempo parity. Link reports tempos with more precision than
// it accepts, so an exact comparison would re-send forever.
const (
	targetTempoTolerance = 1e-5  // target lock vs. reported session tempo
	linkTempoTolerance   = 0.005 // requested vs. reported session tempo
)

// reconcileTempo maintains tempo parity between the two timelines. It runs
// after every status message and after tempo lock changes: a locked target
// is pushed into the Link session, otherwise a Link tempo is pulled into
// the virtual player whenever it is the network's tempo master.
func (e *Engine) reconcileTempo(s clientState) {
	if s.targetBPM != nil && s.linkBPM != nil &&
		math.Abs(*s.linkBPM-*s.targetBPM) > targetTempoTolerance {
		if err := e.send(cmdBPM(*s.targetBPM)); err != nil {
			log.Printf("[tempo] pushing locked tempo: %v", err)
		}
		return
	}
	if e.dj != nil && e.dj.TempoMaster() && s.linkBPM != nil && *s.linkBPM > 0 {
		e.dj.SetTempo(*s.linkBPM)
	}
}

// LockTempo forces the Link session to hold the given tempo until
// UnlockTempo is called.
func (e *Engine) LockTempo(bpm float64) error {
	if !ValidTempo(bpm) {
		return fmt.Errorf("%w: tempo %f out of range (%f, %f)", ErrInvalidArgument, bpm, minTempo, maxTempo)
	}
	ns := e.updateState(func(s clientState) clientState {
		v := bpm
		s.targetBPM = &v
		return s
	})
	e.notifyStatus(snapshotStatus(ns))
	e.reconcileTempo(ns)
	return nil
}

// UnlockTempo releases a tempo lock, letting Link peers adjust the session
// tempo again.
func (e *Engine) UnlockTempo() {
	ns := e.updateState(func(s clientState) clientState {
		s.targetBPM = nil
		return s
	})
	e.notifyStatus(snapshotStatus(ns))
}

// SetLinkTempo asks the Link session to adopt the given tempo, unless the
// session is already close enough.
func (e *Engine) SetLinkTempo(bpm float64) error {
	if !ValidTempo(bpm) {
		return fmt.Errorf("%w: tempo %f out of range (%f, %f)", ErrInvalidArgument, bpm, minTempo, maxTempo)
	}
	s := e.state.Load()
	if s.linkBPM != nil && math.Abs(bpm-*s.linkBPM) <= linkTempoTolerance {
		return nil
	}
	return e.send(cmdBPM(bpm))
}

// handleStatus records the session tempo and peer count reported by the
// daemon, re-runs tempo reconciliation, and fans the fresh snapshot out to
// status listeners.
func (e *Engine) handleStatus(msg Message) {
	ns := e.updateState(func(s clientState) clientState {
		if s.conn == nil {
			return s // session already torn down; nothing to record against
		}
		s.linkBPM = msg.BPM
		s.linkPeers = msg.Peers
		return s
	})
	e.reconcileTempo(ns)
	e.notifyStatus(snapshotStatus(ns))
}
