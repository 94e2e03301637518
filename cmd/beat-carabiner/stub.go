package main

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	carabiner "github.com/brunchboy/beat-carabiner"
)

// stubPlayer is a stand-in for a real Pro DJ Link engine, so the bridge can
// be run (and exercised end to end) on a machine with no CDJs in sight. It
// pretends to be a running virtual player whose tempo changes only through
// SetTempo, and emits synthetic master beats to its listeners.
type stubPlayer struct {
	mu        sync.Mutex
	tempo     float64
	synced    bool
	playing   bool
	master    bool
	epoch     time.Time
	listeners map[carabiner.MasterListener]struct{}
}

func newStubPlayer(tempo float64) *stubPlayer {
	return &stubPlayer{
		tempo:     tempo,
		epoch:     time.Now(),
		listeners: make(map[carabiner.MasterListener]struct{}),
	}
}

func (p *stubPlayer) Running() bool       { return true }
func (p *stubPlayer) SendingStatus() bool { return true }

func (p *stubPlayer) TempoMaster() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.master
}

func (p *stubPlayer) Synced() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.synced
}

func (p *stubPlayer) SetSynced(synced bool) {
	p.mu.Lock()
	p.synced = synced
	p.mu.Unlock()
}

func (p *stubPlayer) SetTempo(bpm float64) {
	p.mu.Lock()
	p.tempo = bpm
	p.mu.Unlock()
}

func (p *stubPlayer) SetPlaying(playing bool) {
	p.mu.Lock()
	p.playing = playing
	p.mu.Unlock()
}

func (p *stubPlayer) BecomeTempoMaster() {
	p.mu.Lock()
	p.master = true
	p.mu.Unlock()
}

func (p *stubPlayer) MasterTempo() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tempo
}

// stubSnapshot freezes the player's position at one instant.
type stubSnapshot struct {
	beatPhase float64
	barPhase  float64
	beatMs    float64
}

func (s stubSnapshot) BeatPhase() float64    { return s.beatPhase }
func (s stubSnapshot) BarPhase() float64     { return s.barPhase }
func (s stubSnapshot) BeatInterval() float64 { return s.beatMs }
func (s stubSnapshot) BarInterval() float64  { return s.beatMs * 4 }

func (p *stubPlayer) PlaybackPosition() carabiner.PlaybackSnapshot {
	p.mu.Lock()
	tempo := p.tempo
	elapsed := time.Since(p.epoch)
	p.mu.Unlock()

	beatMs := 60000.0 / tempo
	beats := float64(elapsed.Milliseconds()) / beatMs
	return stubSnapshot{
		beatPhase: beats - math.Floor(beats),
		barPhase:  beats/4 - math.Floor(beats/4),
		beatMs:    beatMs,
	}
}

func (p *stubPlayer) AdjustPlaybackPosition(msDelta int64) {
	p.mu.Lock()
	p.epoch = p.epoch.Add(-time.Duration(msDelta) * time.Millisecond)
	p.mu.Unlock()
	log.Printf("[stub] playback position shifted by %d ms", msDelta)
}

func (p *stubPlayer) AddMasterListener(l carabiner.MasterListener) {
	p.mu.Lock()
	p.listeners[l] = struct{}{}
	p.mu.Unlock()
}

func (p *stubPlayer) RemoveMasterListener(l carabiner.MasterListener) {
	p.mu.Lock()
	delete(p.listeners, l)
	p.mu.Unlock()
}

// Run emits a synthetic master beat on every beat boundary until ctx is
// canceled, feeding the same listener path a real DJ Link engine would.
func (p *stubPlayer) Run(ctx context.Context) {
	beatNumber := 1
	for {
		p.mu.Lock()
		tempo := p.tempo
		p.mu.Unlock()
		interval := time.Duration(60000.0/tempo) * time.Millisecond

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		beat := carabiner.Beat{
			TimestampNs:   carabiner.MonotonicMicros() * 1000,
			BeatWithinBar: beatNumber,
			TempoMaster:   true,
		}
		p.mu.Lock()
		ls := make([]carabiner.MasterListener, 0, len(p.listeners))
		for l := range p.listeners {
			ls = append(ls, l)
		}
		p.mu.Unlock()
		for _, l := range ls {
			l.NewBeat(beat)
		}
		beatNumber = beatNumber%4 + 1
	}
}
