package cmd

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	ossignal "os/signal"
	"syscall"

	"cowatch/media"
	"cowatch/room"
	"cowatch/session"
	"cowatch/settings"
)

// AppContext exposes global CLI state to commands.
type AppContext interface {
	IsVerbose() bool
}

func setupLogging(app AppContext) {
	level := slog.LevelInfo
	if app.IsVerbose() {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// sessionFlags are the flags shared by host and join.
type sessionFlags struct {
	Relay     string `name:"relay" short:"r" default:"ws://localhost:8080" help:"Relay address (ws/wss URL)."`
	ICEConfig string `name:"ice-config" help:"HTTP endpoint serving ICE servers; STUN-only when empty."`
	Settings  string `name:"settings" help:"Settings file path; ephemeral when empty."`
	AudioAddr string `name:"audio-addr" help:"UDP address receiving opus RTP; no audio when empty."`
	VideoAddr string `name:"video-addr" help:"UDP address receiving vp8 RTP; no video when empty."`
}

func (f *sessionFlags) config(role room.Role, code string) (session.Config, error) {
	cfg := session.Config{
		RelayURL:     f.Relay,
		ICEConfigURL: f.ICEConfig,
		Role:         role,
		RoomCode:     code,
	}
	if f.Settings != "" {
		store, err := settings.Open(f.Settings)
		if err != nil {
			return session.Config{}, err
		}
		cfg.Settings = store
	}
	if f.AudioAddr != "" || f.VideoAddr != "" {
		cfg.Device = &media.RTPDevice{AudioAddr: f.AudioAddr, VideoAddr: f.VideoAddr}
	}
	return cfg, nil
}

// runSession drives one interactive session: stdin lines become chat, system
// messages and partner chat print to stdout, interrupt ends it.
func runSession(cfg session.Config) error {
	ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := session.Start(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	fmt.Printf("room code: %s\n", s.Code())

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			if err := s.Chat().Send(line); err != nil {
				slog.Warn("chat send failed", "err", err)
			}
		}
	}()

	// System messages and partner chat print as one interleaved stream.
	sysLines := make(chan string, 8)
	go func() {
		defer close(sysLines)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-s.SystemMessages():
				sysLines <- "* " + msg
			}
		}
	}()
	chatLines := make(chan string, 8)
	go func() {
		defer close(chatLines)
		for {
			select {
			case <-ctx.Done():
				return
			case m := <-s.Chat().Incoming():
				chatLines <- fmt.Sprintf("[%s] %s", m.Sender, m.Text)
			}
		}
	}()

	lines := session.Merge(sysLines, chatLines)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			fmt.Println(line)
		}
	}
}
