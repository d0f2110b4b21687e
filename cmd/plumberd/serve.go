package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/plumberd/plumber/pkg/builtin"
	"github.com/plumberd/plumber/pkg/config"
	"github.com/plumberd/plumber/pkg/graphspec"
	"github.com/plumberd/plumber/pkg/metrics"
	"github.com/plumberd/plumber/pkg/runtime"
	"github.com/plumberd/plumber/pkg/typeexpr/typedb"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Load a service graph and start scheduling requests",
	Long: `serve builds the service graph described by --graph, starts the
scheduler's worker pool, and exposes /metrics, /healthz, /readyz, and
/livez on --http-addr until interrupted.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringP("graph", "g", "", "graph.yaml describing the service graph (required)")
	serveCmd.Flags().String("config", "", "YAML config file for engine tuning (profiler, pool, queue, scheduler keys)")
	serveCmd.Flags().String("http-addr", "127.0.0.1:9090", "Address for the metrics and health endpoints")
	_ = serveCmd.MarkFlagRequired("graph")
}

func runServe(cmd *cobra.Command, args []string) error {
	graphFile, _ := cmd.Flags().GetString("graph")
	configFile, _ := cmd.Flags().GetString("config")
	httpAddr, _ := cmd.Flags().GetString("http-addr")

	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}

	doc, err := graphspec.Load(graphFile)
	if err != nil {
		return fmt.Errorf("load graph: %w", err)
	}

	b, err := runtime.NewBuilder(cfg, builtin.Registry())
	if err != nil {
		return fmt.Errorf("construct builder: %w", err)
	}

	rt, err := graphspec.Finalize(context.Background(), b, doc, typedb.NewMemStore())
	if err != nil {
		return fmt.Errorf("finalize graph: %w", err)
	}

	if err := rt.Start(); err != nil {
		return fmt.Errorf("start runtime: %w", err)
	}
	fmt.Println("✓ Scheduler started")

	metrics.SetVersion(Version)
	metrics.RegisterComponent("runtime", true, "ready")

	errCh := make(chan error, 1)
	go func() {
		if err := http.ListenAndServe(httpAddr, rt.HTTPMux()); err != nil {
			errCh <- fmt.Errorf("http server error: %w", err)
		}
	}()
	fmt.Printf("✓ Metrics endpoint: http://%s/metrics\n", httpAddr)
	fmt.Printf("✓ Health endpoints: http://%s/healthz, /readyz, /livez\n", httpAddr)
	fmt.Println()
	fmt.Println("plumberd is running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
	}

	if err := rt.Close(); err != nil {
		return fmt.Errorf("close runtime: %w", err)
	}
	return nil
}

func loadConfig(path string) (config.Provider, error) {
	if path == "" {
		return config.MapProvider{}, nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
