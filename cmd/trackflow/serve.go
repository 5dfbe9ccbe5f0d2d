package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/trackflow/trackflow/pkg/api/rest"
	"github.com/trackflow/trackflow/pkg/checkpoint"
	"github.com/trackflow/trackflow/pkg/config"
	"github.com/trackflow/trackflow/pkg/query"
	"github.com/trackflow/trackflow/pkg/telemetry"
	"github.com/trackflow/trackflow/pkg/tui"
	"github.com/trackflow/trackflow/pkg/watch"
)

var (
	servePort int
	serveHost string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the experiments tree over HTTP",
	Long: `Start a local HTTP server over the experiments base directory.

The server provides:
  - REST API for experiments, runs, params and metric history
  - Live run events over SSE, including runs written by other processes
  - Optional OTLP tracing and Redis heartbeat inspection

Examples:
  trackflow serve                  # Start on default port (8080)
  trackflow serve --port 3000      # Start on custom port
  trackflow serve --host 0.0.0.0   # Listen on all interfaces`,
	RunE: runServe,
}

func init() {
	cfg := config.Global().Get()

	serveCmd.Flags().IntVarP(&servePort, "port", "p", cfg.Server.Port, "Port to listen on")
	serveCmd.Flags().StringVar(&serveHost, "host", cfg.Server.Host, "Host to bind to")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Global().Get()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Enabled {
		otlpCfg := telemetry.DefaultOTLPConfig("trackflow")
		otlpCfg.ServiceVersion = version
		if cfg.Telemetry.Endpoint != "" {
			otlpCfg.Endpoint = cfg.Telemetry.Endpoint
		}
		shutdown, err := telemetry.NewOTLPExporter(otlpCfg).Init(ctx)
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer shutdown(context.Background())
	}

	queryEngine, err := query.New()
	if err != nil {
		return fmt.Errorf("init query engine: %w", err)
	}
	defer queryEngine.Close()

	hub, err := watch.NewHub(baseDir)
	if err != nil {
		return fmt.Errorf("init watch hub: %w", err)
	}

	srv := rest.NewServer(rest.Config{
		Addr:        fmt.Sprintf("%s:%d", serveHost, servePort),
		BaseDir:     baseDir,
		QueryEngine: queryEngine,
		Events:      hub,
		CORSOrigins: cfg.Server.CORSOrigins,
	})

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		if err := hub.Run(ctx); err != nil && err != context.Canceled {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if cfg.Checkpoint.Enabled {
		if backend, err := checkpoint.NewRedisBackend(redisConfig(cfg)); err != nil {
			fmt.Println(tui.Muted("  heartbeat backend unavailable: " + err.Error()))
		} else {
			defer backend.Close()
			g.Go(func() error {
				reportStaleRuns(ctx, backend)
				return nil
			})
		}
	}

	tui.PrintHeader(version)
	fmt.Println(tui.Rule())
	fmt.Printf("  %s http://%s:%d\n", tui.Muted("Local:"), displayHost(serveHost), servePort)
	fmt.Printf("  %s %s\n", tui.Muted("Base dir:"), baseDir)
	fmt.Println(tui.Muted("  Press Ctrl+C to stop"))
	fmt.Println()

	return g.Wait()
}

func redisConfig(cfg *config.Config) checkpoint.RedisConfig {
	rc := checkpoint.DefaultRedisConfig(cfg.Checkpoint.RedisAddr)
	rc.Database = cfg.Checkpoint.RedisDB
	if cfg.Checkpoint.Prefix != "" {
		rc.Prefix = cfg.Checkpoint.Prefix
	}
	if cfg.Checkpoint.TTL != 0 {
		rc.TTL = time.Duration(cfg.Checkpoint.TTL)
	}
	return rc
}

// reportStaleRuns periodically flags runs whose writer stopped
// heartbeating without reaching a terminal status.
func reportStaleRuns(ctx context.Context, backend *checkpoint.RedisBackend) {
	const maxAge = 5 * time.Minute
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stale, err := backend.Stale(ctx, maxAge)
			if err != nil {
				continue
			}
			for _, rec := range stale {
				fmt.Printf("  %s run %s/%s silent since %s\n",
					tui.Accent("stale:"), rec.Experiment, rec.Run,
					rec.UpdatedAt.Local().Format("15:04:05"))
			}
		}
	}
}

func displayHost(host string) string {
	if host == "0.0.0.0" || host == "" {
		return "localhost"
	}
	return host
}
