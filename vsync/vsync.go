// Package vsync keeps two video players in lockstep. Local transitions become
// outbound control commands; remote commands are applied with echo suppression
// so the resulting player events never bounce back to the partner.
package vsync

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"cowatch/signal"
)

// Player is the playback surface the engine drives. Implementations wrap
// whatever renders the video; tests use a fake.
type Player interface {
	Play() error
	Pause() error
	SeekTo(seconds float64) error
	CurrentTime() float64
	Paused() bool
	// Events streams user-initiated transitions: play, pause, seek.
	Events() <-chan PlayerEvent
}

// PlayerEvent is one observed player transition.
type PlayerEvent struct {
	Action string
	Time   float64
}

// Options tune the sync thresholds. Zero values select the defaults.
type Options struct {
	DriftInterval   time.Duration // drift poll, default 5s
	DriftThreshold  float64       // seconds of drift treated as a seek, default 0.5
	AdjustThreshold float64       // seconds before a remote time is applied, default 0.5
	EchoWindow      time.Duration // suppression after a remote apply, default 50ms
}

func (o *Options) fill() {
	if o.DriftInterval <= 0 {
		o.DriftInterval = 5 * time.Second
	}
	if o.DriftThreshold <= 0 {
		o.DriftThreshold = 0.5
	}
	if o.AdjustThreshold <= 0 {
		o.AdjustThreshold = 0.5
	}
	if o.EchoWindow <= 0 {
		o.EchoWindow = 50 * time.Millisecond
	}
}

// Engine mirrors playback state between the local player and the partner.
type Engine struct {
	player Player
	send   func(signal.VideoControlPayload) error
	notify func(string)
	opts   Options

	mu         sync.Mutex
	suppress   bool
	lastPaused bool
	lastTime   float64
	lastCheck  time.Time

	done chan struct{}
	once sync.Once
}

// NewEngine wires the engine and starts its watch loop.
func NewEngine(player Player, send func(signal.VideoControlPayload) error, notify func(string), opts Options) *Engine {
	opts.fill()
	if notify == nil {
		notify = func(string) {}
	}
	e := &Engine{
		player:     player,
		send:       send,
		notify:     notify,
		opts:       opts,
		lastPaused: player.Paused(),
		lastTime:   player.CurrentTime(),
		lastCheck:  time.Now(),
		done:       make(chan struct{}),
	}
	go e.run()
	return e
}

// Close stops the watch loop.
func (e *Engine) Close() {
	e.once.Do(func() { close(e.done) })
}

func (e *Engine) run() {
	ticker := time.NewTicker(e.opts.DriftInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.done:
			return
		case ev, ok := <-e.player.Events():
			if !ok {
				return
			}
			e.onLocalEvent(ev)
		case <-ticker.C:
			e.checkDrift()
		}
	}
}

// onLocalEvent turns a user transition into an outbound command. Events inside
// the echo window are the player reacting to a remote apply; those stay local.
func (e *Engine) onLocalEvent(ev PlayerEvent) {
	e.mu.Lock()
	if e.suppress {
		e.mu.Unlock()
		slog.Debug("suppressed echo event", "action", ev.Action)
		return
	}

	changed := true
	switch ev.Action {
	case signal.ActionPlay:
		changed = e.lastPaused
		e.lastPaused = false
	case signal.ActionPause:
		changed = !e.lastPaused
		e.lastPaused = true
	case signal.ActionSeek:
		changed = math.Abs(ev.Time-e.lastTime) > e.opts.DriftThreshold
	}
	e.lastTime = ev.Time
	e.lastCheck = time.Now()
	e.mu.Unlock()

	if !changed {
		slog.Debug("no-op transition, not transmitted", "action", ev.Action)
		return
	}
	e.transmit(signal.VideoControlPayload{Action: ev.Action, Time: ev.Time})
}

// checkDrift detects seeks that produced no event: the playhead moved further
// than playback alone explains.
func (e *Engine) checkDrift() {
	now := time.Now()
	current := e.player.CurrentTime()
	paused := e.player.Paused()

	e.mu.Lock()
	expected := e.lastTime
	if !e.lastPaused {
		expected += now.Sub(e.lastCheck).Seconds()
	}
	drifted := !e.suppress && math.Abs(current-expected) > e.opts.DriftThreshold
	e.lastTime = current
	e.lastPaused = paused
	e.lastCheck = now
	e.mu.Unlock()

	if drifted {
		slog.Info("drift detected, treating as seek", "expected", expected, "actual", current)
		e.transmit(signal.VideoControlPayload{Action: signal.ActionSeek, Time: current})
	}
}

// ApplyRemote applies a partner command to the local player. Application is
// idempotent: a command matching the current state touches nothing.
func (e *Engine) ApplyRemote(p signal.VideoControlPayload) error {
	e.startSuppression()

	var err error
	switch p.Action {
	case signal.ActionPlay:
		e.adjustTime(p.Time)
		if e.player.Paused() {
			if err = e.player.Play(); err != nil {
				// Autoplay policies can reject programmatic playback.
				e.notify("Partner pressed play. Click the video to start playback.")
				slog.Warn("programmatic play rejected", "err", err)
				err = nil
			}
		}
	case signal.ActionPause:
		if !e.player.Paused() {
			err = e.player.Pause()
		}
		e.adjustTime(p.Time)
	case signal.ActionSeek:
		e.adjustTime(p.Time)
	default:
		return fmt.Errorf("unknown video control action %q", p.Action)
	}
	if err != nil {
		return fmt.Errorf("apply remote %s: %w", p.Action, err)
	}

	e.mu.Lock()
	e.lastPaused = p.Action == signal.ActionPause || (p.Action == signal.ActionSeek && e.player.Paused())
	if p.Action == signal.ActionPlay {
		e.lastPaused = false
	}
	e.lastTime = p.Time
	e.lastCheck = time.Now()
	e.mu.Unlock()
	return nil
}

// adjustTime seeks only when the local playhead is meaningfully off; tiny
// deltas would cause visible stutter on every command.
func (e *Engine) adjustTime(target float64) {
	if math.Abs(e.player.CurrentTime()-target) <= e.opts.AdjustThreshold {
		return
	}
	if err := e.player.SeekTo(target); err != nil {
		slog.Warn("seek failed", "target", target, "err", err)
	}
}

func (e *Engine) startSuppression() {
	e.mu.Lock()
	e.suppress = true
	e.mu.Unlock()
	time.AfterFunc(e.opts.EchoWindow, func() {
		e.mu.Lock()
		e.suppress = false
		e.mu.Unlock()
	})
}

func (e *Engine) transmit(p signal.VideoControlPayload) {
	slog.Debug("video control out", "action", p.Action, "time", p.Time)
	if err := e.send(p); err != nil {
		slog.Warn("video control transmit failed", "action", p.Action, "err", err)
	}
}
