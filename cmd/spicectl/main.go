package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/duckmesh/spice/internal/cli/spicectl"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := spicectl.Run(ctx, os.Args[1:], spicectl.Options{
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	})
	stop()
	os.Exit(code)
}
