package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"histostack/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	root := cli.NewRoot(os.Stdout)
	err := cli.NewRootCmd(root).ExecuteContext(ctx)
	root.Close()
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "histostack: %v\n", err)
		os.Exit(1)
	}
}
