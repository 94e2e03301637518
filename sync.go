package carabiner

import (
	"fmt"
	"log"
	"time"
)

// handoffProbeDelay is how long after taking over as tempo master we wait
// before re-probing the session status. The former master may perturb the
// tempo during the handover, and the fresh status lets reconciliation
// repair that.
const handoffProbeDelay = time.Millisecond

// SetSyncMode switches the engine between its synchronization modes. Modes
// other than SyncOff require the DJ Link engine to be running; SyncFull
// additionally requires the virtual player to be sending status packets,
// since only then can it act as tempo master.
func (e *Engine) SetSyncMode(mode SyncMode) error {
	if !validSyncMode(mode) {
		return fmt.Errorf("%w: unknown sync mode %q", ErrInvalidArgument, mode)
	}
	if mode != SyncOff {
		if e.dj == nil || !e.dj.Running() {
			return fmt.Errorf("%w: sync mode %s requires the DJ Link engine to be running", ErrInvalidState, mode)
		}
		if mode == SyncFull && !e.dj.SendingStatus() {
			return fmt.Errorf("%w: full sync requires the virtual player to be sending status packets", ErrInvalidState)
		}
	}

	var previous SyncMode
	e.updateState(func(s clientState) clientState {
		previous = s.syncMode
		s.syncMode = mode
		return s
	})

	switch {
	case mode == SyncOff && previous != SyncOff:
		e.freeAbletonFromPioneer()
		e.freePioneerFromAbleton()
	case mode != SyncOff && previous == SyncOff:
		e.dj.AddMasterListener(e.master)
		e.SyncLink(e.dj.Synced())
		if mode == SyncFull && e.dj.TempoMaster() {
			e.tiePioneerToAbleton()
		}
	}
	return nil
}

// SyncLink reflects the given sync flag onto the virtual player, and wires
// or unwires the Ableton-follows-Pioneer direction to match, as long as the
// player is not itself the tempo master (in which case the flow runs the
// other way).
func (e *Engine) SyncLink(sync bool) {
	if e.dj == nil {
		return
	}
	e.dj.SetSynced(sync)
	if e.state.Load().syncMode != SyncOff && !e.dj.TempoMaster() {
		if sync {
			e.tieAbletonToPioneer()
		} else {
			e.freeAbletonFromPioneer()
		}
	}
}

// LinkMaster hands the tempo-master role to the virtual player (true) or
// takes it away (false). Meaningful only in full sync mode.
func (e *Engine) LinkMaster(master bool) {
	if e.state.Load().syncMode != SyncFull {
		return
	}
	if master {
		e.tiePioneerToAbleton()
	} else {
		e.freePioneerFromAbleton()
	}
}

// tieAbletonToPioneer makes the Link session follow the Pioneer network's
// tempo master: the master listener starts feeding tempo and beats into the
// engine, and the current master tempo is pushed through immediately.
func (e *Engine) tieAbletonToPioneer() {
	e.dj.AddMasterListener(e.master)
	e.master.TempoChanged(e.dj.MasterTempo())
}

// freeAbletonFromPioneer stops the Link session from following the Pioneer
// network.
func (e *Engine) freeAbletonFromPioneer() {
	if e.dj != nil {
		e.dj.RemoveMasterListener(e.master)
	}
	e.UnlockTempo()
}

// tiePioneerToAbleton makes the Pioneer network follow the Link session:
// the virtual player adopts the session tempo and phase, becomes tempo
// master, and starts playing. Shortly afterwards the session status is
// re-probed to catch any tempo perturbation from the handover.
func (e *Engine) tiePioneerToAbleton() {
	e.freeAbletonFromPioneer()
	e.alignPioneerPhaseToAbleton()
	if bpm := e.state.Load().linkBPM; bpm != nil {
		e.dj.SetTempo(*bpm)
	}
	e.dj.BecomeTempoMaster()
	e.dj.SetPlaying(true)
	time.AfterFunc(handoffProbeDelay, func() {
		if err := e.send(cmdStatus()); err != nil {
			log.Printf("[sync] handoff status probe: %v", err)
		}
	})
}

// freePioneerFromAbleton stops the virtual player from leading the Pioneer
// network. If the player is synced and a sync mode is active, the flow
// flips around so Ableton follows Pioneer again.
func (e *Engine) freePioneerFromAbleton() {
	if e.dj == nil {
		return
	}
	e.dj.SetPlaying(false)
	if e.state.Load().syncMode != SyncOff && e.dj.Synced() {
		e.tieAbletonToPioneer()
	}
}

// masterAdapter forwards tempo-master events from the DJ Link engine into
// the sync engine.
type masterAdapter struct {
	engine *Engine
}

func (a *masterAdapter) MasterChanged() {}

func (a *masterAdapter) TempoChanged(bpm float64) {
	if ValidTempo(bpm) {
		if err := a.engine.LockTempo(bpm); err != nil {
			log.Printf("[sync] locking master tempo: %v", err)
		}
	} else {
		a.engine.UnlockTempo()
	}
}

func (a *masterAdapter) NewBeat(beat Beat) {
	e := a.engine
	if e.dj == nil || !e.dj.Running() || !beat.TempoMaster {
		return
	}
	beatNumber := 0
	if e.state.Load().barAlign {
		beatNumber = beat.BeatWithinBar
	}
	if err := e.BeatAtTime(beat.TimestampNs/1000, beatNumber); err != nil {
		log.Printf("[sync] beat probe: %v", err)
	}
}
