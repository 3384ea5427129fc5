package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/director/pkg/director"
	"github.com/ethpandaops/director/pkg/hooks"
	"github.com/ethpandaops/director/pkg/store"
	"github.com/ethpandaops/director/pkg/sweeper"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run a single timeout sweep",
	Long: `Evaluate every idle running run once, time out the expired ones and
deliver their notifications. Useful from an external scheduler when the
built-in sweep is disabled.`,
	RunE: runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx := context.Background()

	st := store.NewStore(log, &cfg.Database)
	if err := st.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	defer func() {
		if err := st.Stop(); err != nil {
			log.WithError(err).Warn("Store stop error")
		}
	}()

	dispatcher := hooks.NewDispatcher(log, &cfg.Hooks)
	if err := dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("starting hook dispatcher: %w", err)
	}

	d := director.New(log, cfg, st, dispatcher)

	settled, err := sweeper.NewSweeper(log, &cfg.Scheduler, st, d).Sweep(ctx)

	// Wait for the notifications of this pass.
	if stopErr := dispatcher.Stop(); stopErr != nil {
		log.WithError(stopErr).Warn("Hook dispatcher stop error")
	}

	if err != nil {
		return fmt.Errorf("sweeping runs: %w", err)
	}

	log.WithField("settled", settled).Info("Sweep finished")

	return nil
}
