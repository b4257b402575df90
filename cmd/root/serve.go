package root

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldwork-ai/fieldwork/pkg/config"
	"github.com/fieldwork-ai/fieldwork/pkg/credentials"
	"github.com/fieldwork-ai/fieldwork/pkg/invoke"
	"github.com/fieldwork-ai/fieldwork/pkg/memory"
	"github.com/fieldwork-ai/fieldwork/pkg/runtime"
	"github.com/fieldwork-ai/fieldwork/pkg/server"
	"github.com/fieldwork-ai/fieldwork/pkg/session"
	"github.com/fieldwork-ai/fieldwork/pkg/team"
	"github.com/fieldwork-ai/fieldwork/pkg/telemetry"
)

type serveFlags struct {
	listenAddr string
	configFile string
	teamFile   string
}

func newServeCmd() *cobra.Command {
	var flags serveFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the research session orchestration server",
		Example: `  # Start with the default team file
  fieldwork serve

  # Custom team and listen address
  fieldwork serve --team ./team.yaml --listen :9000`,
		Args: cobra.NoArgs,
		RunE: flags.runServeCommand,
	}

	cmd.Flags().StringVarP(&flags.listenAddr, "listen", "l", "", "Address to listen on (overrides config)")
	cmd.Flags().StringVarP(&flags.configFile, "config", "c", "", "Path to a config file")
	cmd.Flags().StringVar(&flags.teamFile, "team", "", "Path to the worker team file (overrides config)")

	return cmd
}

func (f *serveFlags) runServeCommand(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(f.configFile)
	if err != nil {
		return err
	}
	if f.listenAddr != "" {
		cfg.Listen = f.listenAddr
	}
	if f.teamFile != "" {
		cfg.TeamFile = f.teamFile
	}

	workers, err := team.Load(cfg.TeamFile)
	if err != nil {
		return err
	}
	slog.Info("Team loaded", "file", cfg.TeamFile, "workers", len(workers.Workers))

	provider, err := telemetry.Init(ctx, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Telemetry shutdown failed", "error", err)
		}
	}()

	scoper := credentials.NewScoper([]byte(cfg.Secret))
	store, err := memory.NewSQLiteStore(cfg.MemoryPath, scoper)
	if err != nil {
		return fmt.Errorf("opening shared memory store: %w", err)
	}
	defer store.Close()

	adapter := invoke.NewAdapter(cfg.PeerToken)
	orch := runtime.New(
		session.NewInMemoryStore(),
		store,
		scoper,
		adapter,
		provider.Tracer(),
		provider.Recorder(),
		workers.Workers,
	)
	defer orch.Stop()

	srv := server.New(orch)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(cfg.Listen)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
