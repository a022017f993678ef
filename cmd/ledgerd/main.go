// Command ledgerd serves the task and milestone ledger over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"taskledger/internal/api"
	"taskledger/internal/config"
	"taskledger/internal/db"
	"taskledger/internal/logging"
	"taskledger/internal/metrics"
	"taskledger/pkg/audit"
	"taskledger/pkg/eventgraph"
	"taskledger/pkg/milestone"
	"taskledger/pkg/role"
	"taskledger/pkg/task"
)

const (
	Version = "0.1.0"
	appName = "ledgerd"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath, logLevel string

	cmd := &cobra.Command{
		Use:          appName,
		Short:        "Task and milestone audit ledger",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if logLevel != "" {
				cfg.Log.Level = logLevel
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", appName, Version)
		},
	})
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	log, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}

	stores, err := db.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer stores.Close()

	bus := eventgraph.NewBus()
	m := metrics.New()
	pub := eventgraph.Publishers{bus, m}

	projects := milestone.NewDirectory(stores.Milestones, stores.Roles,
		milestone.WithPublisher(pub), milestone.WithObserver(m))
	if err := seedVerifierGauge(ctx, projects, m); err != nil {
		return err
	}

	srv := &http.Server{
		Addr: cfg.Listen,
		Handler: api.New(api.Deps{
			Tasks:     task.NewLedger(role.Writer(cfg.Ledger.TrustedWriter), stores.Tasks, task.WithPublisher(pub), task.WithObserver(m)),
			TaskStore: stores.Tasks,
			Projects:  projects,
			Audit:     audit.New(stores.Tasks, stores.Milestones, stores.Events),
			Events:    stores.Events,
			Bus:       bus,
			Metrics:   m.Handler(),
			Log:       log,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{
			"listen":         cfg.Listen,
			"storage":        cfg.Ledger.Storage,
			"trusted_writer": cfg.Ledger.TrustedWriter,
		}).Infof("%s listening", appName)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// seedVerifierGauge loads every project so the verifier gauge is correct
// before the first role change.
func seedVerifierGauge(ctx context.Context, projects *milestone.Directory, m *metrics.Metrics) error {
	ps, err := projects.Projects(ctx)
	if err != nil {
		return fmt.Errorf("list projects: %w", err)
	}
	for _, p := range ps {
		l, err := projects.Ledger(ctx, p.ID)
		if err != nil {
			return fmt.Errorf("load project %s: %w", p.ID, err)
		}
		m.SetVerifiers(p.ID, l.Roles().VerifierCount())
	}
	return nil
}
