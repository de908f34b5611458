package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

const rtpMTU = 1500

// RTPDevice sources tracks from local UDP RTP streams, typically fed by an
// external encoder (ffmpeg, gstreamer). One listen address per kind; an empty
// address means that kind is unavailable.
type RTPDevice struct {
	AudioAddr string // e.g. "127.0.0.1:5004", opus
	VideoAddr string // e.g. "127.0.0.1:5006", vp8

	mu      sync.Mutex
	cancels []context.CancelFunc
	gates   map[Kind]*atomic.Bool
}

func (d *RTPDevice) OpenTrack(ctx context.Context, kind Kind, _ Constraints) (webrtc.TrackLocal, error) {
	var addr string
	var codec webrtc.RTPCodecCapability
	switch kind {
	case KindAudio:
		addr = d.AudioAddr
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}
	case KindVideo:
		addr = d.VideoAddr
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}
	default:
		return nil, fmt.Errorf("unknown track kind %q", kind)
	}
	if addr == "" {
		return nil, fmt.Errorf("no %s source configured", kind)
	}

	track, err := webrtc.NewTrackLocalStaticRTP(codec, string(kind), "cowatch-"+uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("create %s track: %w", kind, err)
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s source %s: %w", kind, addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s source %s: %w", kind, addr, err)
	}

	pumpCtx, cancel := context.WithCancel(ctx)
	gate := &atomic.Bool{}
	gate.Store(true)

	d.mu.Lock()
	d.cancels = append(d.cancels, cancel)
	if d.gates == nil {
		d.gates = make(map[Kind]*atomic.Bool)
	}
	d.gates[kind] = gate
	d.mu.Unlock()

	go pump(pumpCtx, conn, track, gate, string(kind))
	return track, nil
}

// SetEnabled gates the pump; disabled kinds drop packets instead of stopping
// the listener, so re-enabling is instant.
func (d *RTPDevice) SetEnabled(kind Kind, enabled bool) {
	d.mu.Lock()
	gate := d.gates[kind]
	d.mu.Unlock()
	if gate != nil {
		gate.Store(enabled)
	}
}

func (d *RTPDevice) Close() error {
	d.mu.Lock()
	cancels := d.cancels
	d.cancels = nil
	d.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	return nil
}

// pump forwards RTP packets from conn to track until ctx is cancelled. Reads
// use a short deadline so cancellation is observed promptly.
func pump(ctx context.Context, conn *net.UDPConn, track *webrtc.TrackLocalStaticRTP, gate *atomic.Bool, tag string) {
	defer conn.Close()

	buf := make([]byte, rtpMTU)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				select {
				case <-ctx.Done():
					slog.Info("rtp pump stopped", "tag", tag)
					return
				default:
					continue
				}
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Error("rtp read failed", "tag", tag, "err", err)
			return
		}
		if !gate.Load() {
			continue
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			// Not RTP; the encoder may interleave RTCP on the same port.
			continue
		}
		if err := track.WriteRTP(&pkt); err != nil {
			slog.Error("rtp write failed", "tag", tag, "err", err)
			return
		}
	}
}
