package main

import (
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	"cowatch/cmd"
)

type CLI struct {
	Host    cmd.HostCmd  `cmd:"" help:"Start a session and host a room."`
	Join    cmd.JoinCmd  `cmd:"" help:"Join an existing room."`
	Relay   cmd.RelayCmd `cmd:"" help:"Run the rendezvous relay."`
	Code    cmd.CodeCmd  `cmd:"" help:"Generate a room code."`
	Verbose bool         `name:"verbose" short:"v" help:"Verbose logging."`
}

func (c *CLI) IsVerbose() bool {
	return c.Verbose
}

func main() {
	var cli CLI
	k := kong.Parse(&cli,
		kong.Name("cowatch"),
		kong.Description("Watch videos together over WebRTC."),
		kong.UsageOnError(),
		kong.BindTo(&cli, (*cmd.AppContext)(nil)),
	)
	if err := k.Run(&cli); err != nil {
		slog.Error("error running command", "err", err)
		os.Exit(1)
	}
}
