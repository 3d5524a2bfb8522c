package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/forgepipe/conductor/internal/config"
)

const shutdownGrace = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the conductor engine: event bus, runner, director, reaction engine, HTTP surface",
	Long: `Starts every long-lived component and serves the HTTP surface until
interrupted. PROJECT_PATH selects the repository root (working directory by
default); PORT selects the listen port (8080 by default); EVENTS_PATH
overrides the event log directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		verbose, _ := cmd.Flags().GetBool("verbose")
		logger, err := loggerFromFlags(verbose)
		if err != nil {
			return fmt.Errorf("build logger: %w", err)
		}
		defer logger.Sync()

		configPath, _ := cmd.Flags().GetString("config")
		var cfg *config.Config
		if configPath != "" {
			cfg, err = config.Load(configPath)
		} else {
			cfg, err = config.LoadDefault()
		}
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if errs := config.Validate(cfg); len(errs) > 0 {
			for _, e := range errs {
				logger.Error("config validation", zap.String("field", e.Field), zap.String("message", e.Message))
			}
			return fmt.Errorf("invalid config: %d error(s)", len(errs))
		}

		projectDir := os.Getenv("PROJECT_PATH")
		if projectDir == "" {
			projectDir, err = os.Getwd()
			if err != nil {
				return fmt.Errorf("getwd: %w", err)
			}
		}

		eng, err := buildEngine(cfg, projectDir, logger)
		if err != nil {
			return fmt.Errorf("build engine: %w", err)
		}
		defer eng.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		eng.Director.Start(ctx)
		defer eng.Director.Stop()

		addr := ":" + port()

		mux := http.NewServeMux()
		mux.Handle("/metrics", eng.Metrics.Handler())
		mux.Handle("/", eng.HTTP.Handler())

		logger.Info("conductor: listening", zap.String("addr", addr))

		srv := &http.Server{Addr: addr, Handler: mux}
		serveErr := make(chan error, 1)
		go func() { serveErr <- srv.ListenAndServe() }()

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

		select {
		case err := <-serveErr:
			if err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("serve: %w", err)
			}
		case <-sig:
			logger.Info("conductor: shutting down")
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer shutdownCancel()
			_ = srv.Shutdown(shutdownCtx)
		}
		return nil
	},
}

func port() string {
	if p := os.Getenv("PORT"); p != "" {
		return p
	}
	return "8080"
}

func init() {
	serveCmd.Flags().String("config", "", "Path to conductor config (default: search conductor.yaml, ~/.conductor/config.yaml)")
	serveCmd.Flags().Bool("verbose", false, "Console-encoded development logging instead of JSON")
}
