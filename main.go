// ./main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/xkilldash9x/steamprobe/cmd"
)

// main is the entry point for the steamprobe application.
func main() {
	// A signal-aware context lets an interrupt drain in-flight fetches
	// instead of killing them mid-request.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd.ExecuteContext(ctx)
}
