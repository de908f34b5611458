package cmd

import (
	"context"

	"cowatch/relay"
)

// RelayCmd runs the rendezvous relay.
type RelayCmd struct {
	Listen     string `name:"listen" short:"l" default:":8080" help:"Listen address for the relay."`
	MaxMsgSize int64  `name:"max-msg-size" default:"1048576" help:"Max websocket message size (bytes)."`
}

// Run executes the relay command.
func (r *RelayCmd) Run(app AppContext) error {
	setupLogging(app)
	ec := relay.Run(context.Background(), r.Listen, r.MaxMsgSize)
	return <-ec
}
