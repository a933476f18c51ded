package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/javanstorm/vmdeck/internal/config"
	"github.com/javanstorm/vmdeck/internal/dispatch"
	"github.com/javanstorm/vmdeck/internal/tools"
	"github.com/javanstorm/vmdeck/internal/version"
	"github.com/javanstorm/vmdeck/internal/vm"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the vmdeck daemon",
	Long: `Run the daemon that owns running machines.

The daemon listens on the configured address and serves:
  /open     command links (GET or POST, url parameter)
  /status   machine states as JSON
  /mcp      MCP tools over streamable HTTP
  /metrics  Prometheus metrics (when metrics are enabled)

On SIGINT or SIGTERM every running machine is stopped before exit.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

// Flags for serve
var (
	serveForceStop       bool
	serveShutdownTimeout time.Duration
)

func init() {
	serveCmd.Flags().BoolVar(&serveForceStop, "force-stop", false, "Power machines off on exit instead of asking guests to shut down")
	serveCmd.Flags().DurationVar(&serveShutdownTimeout, "shutdown-timeout", time.Minute, "How long to wait for machines to stop on exit")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := settings()
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	var metrics *vm.Metrics
	if cfg.MetricsEnabled {
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m, err := vm.NewMetrics(reg)
		if err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		metrics = m
	}
	broker := vm.NewBroker(metrics)

	mg, err := openManager(ctx, vm.ManagerOptions{Broker: broker, Metrics: metrics})
	if err != nil {
		return err
	}
	defer mg.Close()

	events, unsubscribe := broker.Subscribe(64)
	defer unsubscribe()
	go logTransitions(events)

	d := dispatch.New(mg, dispatch.Options{Scheme: cfg.URLScheme, Logger: log})
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           daemonMux(d, reg, cfg),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{
			"addr":     cfg.ListenAddr,
			"machines": len(mg.List()),
			"config":   config.ConfigFileUsed(),
		}).Info("vmdeck daemon listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen on %s: %w", cfg.ListenAddr, err)
		}
	case <-ctx.Done():
	}
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), serveShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP shutdown")
	}
	d.Wait()
	if err := mg.Shutdown(shutdownCtx, serveForceStop); err != nil {
		log.WithError(err).Error("Some machines did not stop")
		return err
	}
	log.Info("Daemon stopped")
	return nil
}

// daemonMux routes the daemon endpoints.
func daemonMux(d *dispatch.Dispatcher, reg *prometheus.Registry, cfg *config.Config) *http.ServeMux {
	mcpServer := server.NewMCPServer(
		"vmdeck",
		version.Version,
		server.WithToolCapabilities(false),
	)
	tools.RegisterAll(mcpServer, dispatch.Tools(d))

	mux := http.NewServeMux()
	mux.Handle("/open", d.OpenHandler())
	mux.Handle("/status", d.StatusHandler())
	mux.Handle("/mcp", server.NewStreamableHTTPServer(mcpServer))
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	return mux
}

func logTransitions(events <-chan vm.Event) {
	for ev := range events {
		entry := log.WithFields(logrus.Fields{
			"machine": ev.Name,
			"from":    ev.Old.String(),
			"to":      ev.New.String(),
		})
		if ev.Err != nil {
			entry.WithError(ev.Err).Warn("Machine state changed")
			continue
		}
		entry.Info("Machine state changed")
	}
}
