// tlvlink drives a remote agent over a TLV command channel with
// multiplexed streaming pipes.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"tlvlink/cmd"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.Execute(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "tlvlink: %v\n", err)
		os.Exit(1)
	}
}
