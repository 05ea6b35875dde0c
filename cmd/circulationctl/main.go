// cmd/circulationctl/main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"librarycirc/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cli.NewRootCommand().ExecuteContext(ctx)
	stop()
	os.Exit(cli.ExitCode(err))
}
