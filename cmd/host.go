package cmd

import (
	"cowatch/room"
)

// HostCmd starts a session as the host: it creates the room, prints the code
// to share, and drives negotiation once a partner arrives.
type HostCmd struct {
	sessionFlags
	Room string `name:"room" help:"Room code to host; generated when empty."`
}

// Run starts hosting.
func (h *HostCmd) Run(app AppContext) error {
	setupLogging(app)
	cfg, err := h.config(room.RoleHost, h.Room)
	if err != nil {
		return err
	}
	return runSession(cfg)
}
