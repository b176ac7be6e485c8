// Command gomind-cluster runs one AgentX cluster control plane node.
//
// Configuration is read from defaults, then AGENTX_* environment variables,
// then the optional -config file, then flags. Prometheus metrics are served
// on the telemetry metrics address together with a /healthz probe.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	cluster "github.com/itsneelabh/gomind-cluster"
	"github.com/itsneelabh/gomind-cluster/coordinator"
	"github.com/itsneelabh/gomind-cluster/core"
	"github.com/itsneelabh/gomind-cluster/telemetry"
)

const shutdownTimeout = 15 * time.Second

type flags struct {
	configFile  string
	logLevel    string
	metricsAddr string
	showVersion bool
}

func parseFlags(args []string, output io.Writer) (flags, error) {
	var f flags
	fs := flag.NewFlagSet("gomind-cluster", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&f.configFile, "config", "", "Path to a YAML or JSON configuration file")
	fs.StringVar(&f.logLevel, "log-level", "", "Log level override (debug, info, warn, error)")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "Address for /metrics and /healthz, overrides telemetry.metrics_address")
	fs.BoolVar(&f.showVersion, "version", false, "Print version information and exit")
	err := fs.Parse(args)
	return f, err
}

func loadConfig(f flags) (*core.Config, error) {
	var opts []core.Option
	if f.configFile != "" {
		opts = append(opts, core.WithConfigFile(f.configFile))
	}
	if f.logLevel != "" {
		opts = append(opts, core.WithLogLevel(f.logLevel))
	}
	cfg, err := core.NewConfig(opts...)
	if err != nil {
		return nil, err
	}
	if f.metricsAddr != "" {
		cfg.Telemetry.MetricsAddress = f.metricsAddr
	}
	return cfg, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "gomind-cluster: %v\n", err)
		os.Exit(1)
	}
}

// run starts the node and blocks until ctx is cancelled.
func run(ctx context.Context, args []string, stdout io.Writer) error {
	f, err := parseFlags(args, stdout)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if f.showVersion {
		fmt.Fprintf(stdout, "gomind-cluster %s (api %s, commit %s, built %s)\n",
			cluster.Version, cluster.APIVersion, cluster.GitCommit, cluster.BuildDate)
		return nil
	}

	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}

	logger := core.NewProductionLogger(cfg.Logging, cfg.Development, cfg.Telemetry.ServiceName)
	if syncer, ok := logger.(interface{ Sync() error }); ok {
		defer func() { _ = syncer.Sync() }()
	}

	prom := telemetry.NewPrometheusCollector(nil,
		telemetry.WithNamespace("agentx"),
		telemetry.WithCollectorLogger(logger),
	)
	providers := []core.Telemetry{prom}
	if cfg.Telemetry.Enabled {
		otelProvider, err := telemetry.NewOTelProvider(ctx, cfg.Telemetry,
			telemetry.WithServiceVersion(cluster.Version),
			telemetry.WithProviderLogger(logger),
			telemetry.WithGlobal(),
		)
		if err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := otelProvider.Shutdown(shutdownCtx); err != nil {
				logger.Warn("Telemetry shutdown failed", map[string]interface{}{"error": err})
			}
		}()
		providers = append(providers, otelProvider)
	}

	co, err := cluster.New(ctx, cfg,
		coordinator.WithLogger(logger),
		coordinator.WithTelemetry(telemetry.Multi(providers...)),
	)
	if err != nil {
		logger.Error("Failed to build cluster coordinator", map[string]interface{}{
			"error":      err,
			"error_type": fmt.Sprintf("%T", err),
		})
		return err
	}
	defer co.Close()

	if err := co.Start(ctx); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", prom.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok")
	})
	server := &http.Server{
		Addr:              cfg.Telemetry.MetricsAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	logger.Info("Cluster node running", map[string]interface{}{
		"node_name":       cfg.Node.Name,
		"cluster_id":      cfg.State.ClusterID,
		"discovery":       cfg.Discovery.Backend,
		"metrics_address": cfg.Telemetry.MetricsAddress,
		"version":         cluster.Version,
	})

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received", nil)
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("metrics server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Metrics server shutdown failed", map[string]interface{}{"error": err})
	}
	if err := co.Stop(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
