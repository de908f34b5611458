// Package media owns local capture: acquiring audio/video tracks from a
// device, degrading to audio-only when the camera is unavailable, muting
// without renegotiation, and swapping tracks on a live connection.
package media

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"cowatch/peer"
)

// Kind selects one half of the capture pipeline.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Constraints describe the capture request handed to the device.
type Constraints struct {
	Audio bool
	Video bool

	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool

	Width        int
	Height       int
	MaxFrameRate int
}

// DefaultConstraints matches the capture profile used in production sessions:
// processed audio and a modest video size that keeps the uplink light.
func DefaultConstraints() Constraints {
	return Constraints{
		Audio:            true,
		Video:            true,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
		Width:            320,
		Height:           240,
		MaxFrameRate:     30,
	}
}

// AccessError reports a capture device that could not be opened.
type AccessError struct {
	Kind Kind
	Err  error
}

func (e *AccessError) Error() string { return fmt.Sprintf("media access (%s): %v", e.Kind, e.Err) }
func (e *AccessError) Unwrap() error { return e.Err }

// Device produces local tracks and controls their liveness. Implementations:
// RTPDevice for real capture fed over UDP, fakes in tests.
type Device interface {
	OpenTrack(ctx context.Context, kind Kind, c Constraints) (webrtc.TrackLocal, error)
	SetEnabled(kind Kind, enabled bool)
	Close() error
}

// Pipeline manages the session's local tracks over one Device.
type Pipeline struct {
	device Device

	// Attach adds a new track to the peer connection.
	attach func(webrtc.TrackLocal) error
	// Senders lists the live RTP senders for replacement.
	senders func() []peer.Sender
	// Renegotiate asks the host side for a fresh offer after a track swap.
	renegotiate func()
	// Persist stores a toggle so it survives the session.
	persist func(kind Kind, enabled bool)

	mu             sync.Mutex
	tracks         map[Kind]webrtc.TrackLocal
	enabled        map[Kind]bool
	cameraDisabled bool
}

// Hooks wires a pipeline to its session. Nil hooks are no-ops.
type Hooks struct {
	Attach      func(webrtc.TrackLocal) error
	Senders     func() []peer.Sender
	Renegotiate func()
	Persist     func(kind Kind, enabled bool)
}

// NewPipeline builds a pipeline over device.
func NewPipeline(device Device, hooks Hooks) *Pipeline {
	if hooks.Attach == nil {
		hooks.Attach = func(webrtc.TrackLocal) error { return nil }
	}
	if hooks.Senders == nil {
		hooks.Senders = func() []peer.Sender { return nil }
	}
	if hooks.Renegotiate == nil {
		hooks.Renegotiate = func() {}
	}
	if hooks.Persist == nil {
		hooks.Persist = func(Kind, bool) {}
	}
	return &Pipeline{
		device:      device,
		attach:      hooks.Attach,
		senders:     hooks.Senders,
		renegotiate: hooks.Renegotiate,
		persist:     hooks.Persist,
		tracks:      make(map[Kind]webrtc.TrackLocal),
		enabled:     make(map[Kind]bool),
	}
}

// Acquire opens the requested tracks and attaches them. A failed camera
// degrades to audio-only and flips the camera-disabled indicator; a failed
// microphone after that is an AccessError.
func (p *Pipeline) Acquire(ctx context.Context, c Constraints) error {
	if c.Video {
		track, err := p.device.OpenTrack(ctx, KindVideo, c)
		if err != nil {
			slog.Warn("camera unavailable, continuing audio only", "err", err)
			p.mu.Lock()
			p.cameraDisabled = true
			p.mu.Unlock()
		} else if err := p.adopt(KindVideo, track, c); err != nil {
			return err
		}
	}

	if c.Audio {
		track, err := p.device.OpenTrack(ctx, KindAudio, c)
		if err != nil {
			return &AccessError{Kind: KindAudio, Err: err}
		}
		if err := p.adopt(KindAudio, track, c); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) adopt(kind Kind, track webrtc.TrackLocal, c Constraints) error {
	if err := p.attach(track); err != nil {
		return fmt.Errorf("attach %s track: %w", kind, err)
	}
	p.mu.Lock()
	p.tracks[kind] = track
	p.enabled[kind] = true
	p.mu.Unlock()
	slog.Info("track acquired", "kind", kind)
	return nil
}

// Toggle flips one kind on or off without renegotiating, and persists the
// choice.
func (p *Pipeline) Toggle(kind Kind) (bool, error) {
	p.mu.Lock()
	if _, ok := p.tracks[kind]; !ok {
		p.mu.Unlock()
		return false, fmt.Errorf("no %s track to toggle", kind)
	}
	next := !p.enabled[kind]
	p.enabled[kind] = next
	p.mu.Unlock()

	p.device.SetEnabled(kind, next)
	p.persist(kind, next)
	slog.Info("track toggled", "kind", kind, "enabled", next)
	return next, nil
}

// Enabled reports the current enablement of kind.
func (p *Pipeline) Enabled(kind Kind) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled[kind]
}

// CameraDisabled reports whether video acquisition was degraded away.
func (p *Pipeline) CameraDisabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cameraDisabled
}

// Tracks returns the live local tracks.
func (p *Pipeline) Tracks() []webrtc.TrackLocal {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]webrtc.TrackLocal, 0, len(p.tracks))
	for _, t := range p.tracks {
		out = append(out, t)
	}
	return out
}

// Replace swaps the track of kind on the live connection: the matching sender
// gets ReplaceTrack, otherwise the track is added fresh. Either way the host
// renegotiates so the new track reaches the partner.
func (p *Pipeline) Replace(kind Kind, track webrtc.TrackLocal) error {
	var replaced bool
	for _, s := range p.senders() {
		current := s.Track()
		if current == nil || Kind(current.Kind().String()) != kind {
			continue
		}
		if err := s.ReplaceTrack(track); err != nil {
			return fmt.Errorf("replace %s track: %w", kind, err)
		}
		replaced = true
		break
	}
	if !replaced {
		if err := p.attach(track); err != nil {
			return fmt.Errorf("add %s track: %w", kind, err)
		}
	}

	p.mu.Lock()
	p.tracks[kind] = track
	p.enabled[kind] = true
	if kind == KindVideo {
		p.cameraDisabled = false
	}
	p.mu.Unlock()

	slog.Info("track replaced", "kind", kind, "existing_sender", replaced)
	p.renegotiate()
	return nil
}

// Restart reopens both tracks from the device and swaps them in. Used by the
// manual media recovery path.
func (p *Pipeline) Restart(ctx context.Context, c Constraints) error {
	for _, kind := range []Kind{KindVideo, KindAudio} {
		if kind == KindVideo && !c.Video {
			continue
		}
		if kind == KindAudio && !c.Audio {
			continue
		}
		track, err := p.device.OpenTrack(ctx, kind, c)
		if err != nil {
			if kind == KindVideo {
				slog.Warn("camera restart failed, keeping audio", "err", err)
				continue
			}
			return &AccessError{Kind: kind, Err: err}
		}
		if err := p.Replace(kind, track); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the device.
func (p *Pipeline) Close() error {
	return p.device.Close()
}
