package cmd

import (
	"fmt"

	"cowatch/signal"
)

// CodeCmd prints a fresh room code, for sharing out of band before hosting.
type CodeCmd struct{}

func (c *CodeCmd) Run() error {
	fmt.Println(signal.GenerateRoomCode())
	return nil
}
