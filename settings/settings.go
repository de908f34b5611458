// Package settings persists session state and user preferences across runs.
package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

// Keys stored by the session.
const (
	KeySessionActive    = "sessionActive"
	KeyPartnerConnected = "partnerConnected"
	KeyRoomCode         = "roomCode"
	KeyUsername         = "userSettings.username"
	KeyMicEnabled       = "userSettings.micEnabled"
	KeyCameraEnabled    = "userSettings.cameraEnabled"
	KeyPictureInPicture = "userSettings.pictureInPicture"
)

// UserSettings are the user-tunable preferences.
type UserSettings struct {
	Username         string `mapstructure:"username"`
	MicEnabled       bool   `mapstructure:"micEnabled"`
	CameraEnabled    bool   `mapstructure:"cameraEnabled"`
	PictureInPicture bool   `mapstructure:"pictureInPicture"`
}

// Store is a viper-backed settings file. Writes are persisted immediately so
// a crash never loses a toggle.
type Store struct {
	mu   sync.Mutex
	v    *viper.Viper
	path string
}

// Open loads the settings file at path, creating defaults when absent.
func Open(path string) (*Store, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("cowatch")
		v.SetConfigType("yaml")
	}
	v.SetEnvPrefix("COWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault(KeySessionActive, false)
	v.SetDefault(KeyPartnerConnected, false)
	v.SetDefault(KeyRoomCode, "")
	v.SetDefault(KeyUsername, "You")
	v.SetDefault(KeyMicEnabled, true)
	v.SetDefault(KeyCameraEnabled, true)
	v.SetDefault(KeyPictureInPicture, true)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read settings: %w", err)
		}
		slog.Debug("no settings file, using defaults")
	} else {
		slog.Debug("settings loaded", "file", v.ConfigFileUsed())
	}
	return &Store{v: v, path: path}, nil
}

// User returns the user preferences block.
func (s *Store) User() UserSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	var u UserSettings
	if err := s.v.UnmarshalKey("userSettings", &u); err != nil {
		slog.Warn("bad userSettings block, using defaults", "err", err)
		return UserSettings{Username: "You", MicEnabled: true, CameraEnabled: true, PictureInPicture: true}
	}
	return u
}

// GetBool reads one boolean key.
func (s *Store) GetBool(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.v.GetBool(key)
}

// GetString reads one string key.
func (s *Store) GetString(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.v.GetString(key)
}

// Set writes one key and persists the file.
func (s *Store) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.v.Set(key, value)
	s.saveLocked()
}

// SetSession records the active room in one write.
func (s *Store) SetSession(active bool, roomCode string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.v.Set(KeySessionActive, active)
	s.v.Set(KeyRoomCode, roomCode)
	if !active {
		s.v.Set(KeyPartnerConnected, false)
	}
	s.saveLocked()
}

func (s *Store) saveLocked() {
	if s.path == "" {
		// Ephemeral store; nothing to flush.
		return
	}
	if err := s.v.WriteConfigAs(s.path); err != nil {
		slog.Warn("settings write failed", "file", s.path, "err", err)
	}
}
