package carabiner

import (
	"log"
	"math"
)

// skewTolerance is the fractional-beat error up to which a beat probe does
// not trigger a realignment. 1/60 of a beat is just above the jitter
// expected from beat packets arriving over the network.
const skewTolerance = 0.0166

// skewEpsilon absorbs the rounding error of splitting a float beat into its
// index and fraction, so a skew of exactly skewTolerance does not realign.
const skewEpsilon = 1e-9

// audibleShiftThreshold is the fractional-beat distance beyond which a
// phase correction is already plainly audible, so deferring it buys
// nothing.
const audibleShiftThreshold = 0.2

// forwardShiftLag pads forward phase shifts to cover the time the
// adjustment itself takes to reach the player.
const forwardShiftLag = 0.1

// closestDelta maps x to its shortest signed representative modulo 1, in
// [-0.5, 0.5). Two phases 0.9 apart are really only 0.1 apart.
func closestDelta(x float64) float64 {
	d := x - math.Floor(x)
	if d >= 0.5 {
		d -= 1.0
	}
	return d
}

// BeatAtTime probes which Link beat falls at the given microsecond
// timestamp, after compensating for the configured latency. When
// beatNumber (1..4, the beat within its bar) is supplied, the eventual
// response is aligned at the bar level; pass 0 to align individual beats.
func (e *Engine) BeatAtTime(timeMicros int64, beatNumber int) error {
	var adjusted int64
	e.updateState(func(s clientState) clientState {
		adjusted = timeMicros - int64(s.latency)*1000
		s.beatProbe = &beatProbe{when: adjusted, beatNumber: beatNumber}
		return s
	})
	return e.send(cmdBeatAtTime(adjusted))
}

// handleBeatResponse decides whether the Link timeline needs to be shifted
// to put the probed moment on the beat grid. The reported beat is split
// into its integer beat index and fractional skew; when the response
// matches the outstanding probe and that probe carried a beat-within-bar,
// the target is also rotated onto the right beat of the bar.
func (e *Engine) handleBeatResponse(beat float64, when int64) {
	raw := int64(math.Round(beat))
	skew := beat - float64(raw)

	probe := e.state.Load().beatProbe
	candidate := raw
	if probe != nil && probe.when == when && probe.beatNumber != 0 {
		barSkew := int64(probe.beatNumber-1) - ((raw%quantumBeats)+quantumBeats)%quantumBeats
		if barSkew <= -2 {
			barSkew += quantumBeats // shortest rotation
		}
		candidate = raw + barSkew
	}
	if candidate < 0 {
		candidate += quantumBeats // Link rejects negative beats near its epoch
	}

	if math.Abs(skew)-skewTolerance > skewEpsilon || candidate != raw {
		e.metrics.beatRealignments.Add(1)
		if err := e.send(cmdForceBeatAtTime(candidate, when)); err != nil {
			log.Printf("[align] forcing beat %d: %v", candidate, err)
		}
	}
}

// quantumBeats is the quantum as a beat count.
const quantumBeats = int64(quantum)

// alignPioneerPhaseToAbleton probes the Link session's phase at (roughly)
// the moment the virtual player's position was captured, so the response
// handler can nudge the player onto Link's grid.
func (e *Engine) alignPioneerPhaseToAbleton() {
	if e.dj == nil {
		return
	}
	snapshot := e.dj.PlaybackPosition()
	var when int64
	e.updateState(func(s clientState) clientState {
		when = e.clock() + int64(s.latency)*1000
		s.phaseProbe = &phaseProbe{when: when, snapshot: snapshot}
		return s
	})
	if err := e.send(cmdPhaseAtTime(when)); err != nil {
		log.Printf("[align] phase probe: %v", err)
	}
}

// handlePhaseResponse compares the Link phase against the virtual player's
// phase captured when the probe was sent, and shifts the player's timeline
// when that will not audibly skip or repeat a beat. Shifts that would land
// in a different beat are deferred (a later probe will retry) unless the
// phase error is already big enough to be plainly audible, in which case
// correcting it cannot make things worse.
func (e *Engine) handlePhaseResponse(phase float64, when int64) {
	s := e.state.Load()
	probe := s.phaseProbe
	if probe == nil || probe.when != when {
		e.metrics.staleProbes.Add(1)
		log.Printf("[align] dropping stale phase response (when=%d)", when)
		return
	}

	var desired, actual, interval float64
	if s.barAlign {
		desired = phase / quantum
		actual = probe.snapshot.BarPhase()
		interval = probe.snapshot.BarInterval()
	} else {
		desired = phase - math.Floor(phase)
		actual = probe.snapshot.BeatPhase()
		interval = probe.snapshot.BeatInterval()
	}
	delta := closestDelta(desired - actual)
	msDelta := int64(math.Floor(delta * interval))
	if msDelta == 0 {
		return
	}

	beatPhaseNow := e.dj.PlaybackPosition().BeatPhase()
	beatDelta := delta
	if s.barAlign {
		beatDelta *= quantum
	}
	if beatDelta > 0 {
		beatDelta += forwardShiftLag
	}
	if math.Floor(beatPhaseNow+beatDelta) == 0 || math.Abs(beatDelta) > audibleShiftThreshold {
		e.metrics.phaseShiftsApplied.Add(1)
		e.dj.AdjustPlaybackPosition(msDelta)
	} else {
		e.metrics.phaseShiftsDeferred.Add(1)
		log.Printf("[align] deferring %d ms phase shift to avoid an audible beat skip", msDelta)
	}
}

// StartTransport asks Link peers that honor start/stop sync to begin
// playing at the given microsecond timestamp, or now when timeMicros is 0.
func (e *Engine) StartTransport(timeMicros int64) error {
	if timeMicros == 0 {
		timeMicros = e.clock()
	}
	return e.send(cmdStartPlaying(timeMicros))
}

// StopTransport asks Link peers that honor start/stop sync to stop playing
// at the given microsecond timestamp, or now when timeMicros is 0.
func (e *Engine) StopTransport(timeMicros int64) error {
	if timeMicros == 0 {
		timeMicros = e.clock()
	}
	return e.send(cmdStopPlaying(timeMicros))
}
