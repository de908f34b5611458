package signal

import (
	"math/rand/v2"
	"strings"
)

// RoomCodeAlphabet excludes glyphs that read ambiguously (0/O, 1/I).
const RoomCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// RoomCodeLength is the fixed length of a room code.
const RoomCodeLength = 6

// GenerateRoomCode returns a fresh random room code.
func GenerateRoomCode() string {
	var b strings.Builder
	b.Grow(RoomCodeLength)
	for i := 0; i < RoomCodeLength; i++ {
		b.WriteByte(RoomCodeAlphabet[rand.IntN(len(RoomCodeAlphabet))])
	}
	return b.String()
}

// NormalizeRoomCode trims, uppercases and strips characters outside the fixed
// alphabet. Applied at every boundary a code crosses.
func NormalizeRoomCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	var b strings.Builder
	b.Grow(len(code))
	for i := 0; i < len(code); i++ {
		if strings.IndexByte(RoomCodeAlphabet, code[i]) >= 0 {
			b.WriteByte(code[i])
		}
	}
	return b.String()
}

// ValidRoomCode reports whether code is already in canonical form.
func ValidRoomCode(code string) bool {
	return len(code) == RoomCodeLength && NormalizeRoomCode(code) == code
}
