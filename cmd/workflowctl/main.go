package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/xilidan/meetings/services/workflow/cli"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := cli.LoadConfig(os.Getenv("WORKFLOWCTL_CONFIG"))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	deps := &cli.Dependencies{Client: cli.NewClient(cfg)}
	return cli.NewRootCmd(deps).ExecuteContext(ctx)
}
