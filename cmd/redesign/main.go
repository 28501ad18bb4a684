// Command redesign is the operator CLI: schema migrations, readiness checks,
// record inspection and manual job runs.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "redesign: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "redesign",
		Short: "Room redesign operator CLI",
		Long: `redesign applies database migrations, checks that the inference worker can run,
inspects redesign records and re-runs generation jobs by hand. It reads the same
environment (and .env file) as the api and worker binaries.`,
		SilenceUsage: true,
	}
	cmd.AddCommand(
		newMigrateCmd(),
		newCheckCmd(),
		newStatusCmd(),
		newGenerateCmd(),
	)
	return cmd
}
