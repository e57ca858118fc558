package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"ndb/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := cli.NewRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "ndb: %v\n", err)
		os.Exit(cli.ExitCode(err))
	}
}
