package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AEtherlight-ai/lumina-sub000/internal/app"
	"github.com/AEtherlight-ai/lumina-sub000/internal/log"
)

const shutdownTimeout = 30 * time.Second

func newRunCmd(env *environment) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the runtime until interrupted",
		Long: `Start the middleware runtime: health supervision, settings file watching
and the event bus. Stops cleanly on SIGINT or SIGTERM.

Example:
  lumina run
  lumina run --workspace ~/src/project --set health.interval_seconds=5`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := env.options(cmd, true)
			if err != nil {
				return err
			}
			defer env.close()
			return runUntilSignal(cmd, opts)
		},
	}
}

func runUntilSignal(cmd *cobra.Command, opts app.Options) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rt, err := app.New(ctx, opts)
	if err != nil {
		return fmt.Errorf("creating runtime: %w", err)
	}
	if err := rt.Start(ctx); err != nil {
		_ = rt.Shutdown(context.Background())
		return fmt.Errorf("starting runtime: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "lumina runtime started (%d services)\n", len(rt.Registry().Names()))
	fmt.Fprintln(out, "Press Ctrl+C to stop")

	<-ctx.Done()
	fmt.Fprintln(out, "\nshutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := rt.Shutdown(shutdownCtx); err != nil {
		log.Error(log.CatApp, "Error shutting down runtime", "error", err)
		return err
	}
	fmt.Fprintln(out, "runtime stopped")
	return nil
}
