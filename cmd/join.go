package cmd

import (
	"cowatch/room"
)

// JoinCmd joins an existing room as the guest.
type JoinCmd struct {
	sessionFlags
	Room string `arg:"" name:"room" help:"Room code shared by the host."`
}

// Run joins the room.
func (j *JoinCmd) Run(app AppContext) error {
	setupLogging(app)
	cfg, err := j.config(room.RoleGuest, j.Room)
	if err != nil {
		return err
	}
	return runSession(cfg)
}
