// Command imgnorm runs the image normalizer against local files. It is the
// quickest way to check how an upload will be oriented before detection.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(newEnv()).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
