package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/director/pkg/api"
	"github.com/ethpandaops/director/pkg/artifacts"
	"github.com/ethpandaops/director/pkg/director"
	"github.com/ethpandaops/director/pkg/hooks"
	"github.com/ethpandaops/director/pkg/store"
	"github.com/ethpandaops/director/pkg/sweeper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the director API server",
	Long: `Start the HTTP server for the worker protocol and the query API, the
hook dispatcher and, unless disabled, the background timeout sweep.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// Set up context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

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

	var presigner artifacts.Presigner

	if s3 := cfg.Artifacts.S3; s3 != nil && s3.Enabled {
		presigner, err = artifacts.NewS3Presigner(log, s3)
		if err != nil {
			return fmt.Errorf("initializing s3 presigner: %w", err)
		}

		log.WithField("bucket", s3.Bucket).Info("Artifact upload URLs enabled")
	}

	srv := api.NewServer(log, &cfg.Server, d, presigner)
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting api server: %w", err)
	}

	var sw sweeper.Sweeper

	if cfg.Scheduler.SweepEnabled() {
		sw = sweeper.NewSweeper(log, &cfg.Scheduler, st, d)
		if err := sw.Start(ctx); err != nil {
			return fmt.Errorf("starting sweeper: %w", err)
		}
	}

	// Wait for shutdown signal.
	sig := <-sigCh
	log.WithField("signal", sig).Info("Shutting down")
	cancel()

	if sw != nil {
		if err := sw.Stop(); err != nil {
			log.WithError(err).Warn("Sweeper stop error")
		}
	}

	if err := srv.Stop(); err != nil {
		return fmt.Errorf("stopping api server: %w", err)
	}

	// Deliver what is still in flight before the store goes away.
	if err := dispatcher.Stop(); err != nil {
		log.WithError(err).Warn("Hook dispatcher stop error")
	}

	return nil
}
