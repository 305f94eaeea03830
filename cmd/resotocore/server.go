package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jcputter/resoto/pkg/bus"
	"github.com/jcputter/resoto/pkg/cli"
	"github.com/jcputter/resoto/pkg/config"
	"github.com/jcputter/resoto/pkg/log"
	"github.com/jcputter/resoto/pkg/metrics"
	"github.com/jcputter/resoto/pkg/storage"
	"github.com/jcputter/resoto/pkg/subscription"
	"github.com/jcputter/resoto/pkg/task"
	"github.com/jcputter/resoto/pkg/workq"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the resotocore server",
	Long: `Run the resotocore server.

The server restarts itself when its own configuration changes; a clean
shutdown via SIGINT/SIGTERM exits with code 0.`,
	RunE: runServer,
}

func init() {
	serverCmd.Flags().String("data-dir", "/var/lib/resotocore", "Directory for persistent state")
	serverCmd.Flags().Duration("overdue-interval", 10*time.Second, "Interval of the overdue task sweep")
}

func runServer(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	overdueInterval, _ := cmd.Flags().GetDuration("overdue-interval")

	// the supervisor loop: a config-driven restart re-enters runOnce
	for {
		restart, err := runOnce(dataDir, overdueInterval)
		if err != nil {
			return err
		}
		if !restart {
			return nil
		}
		log.Info("Restarting server")
	}
}

func runOnce(dataDir string, overdueInterval time.Duration) (restart bool, err error) {
	logger := log.WithComponent("server")

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return false, fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := storage.NewBoltStore(dataDir)
	if err != nil {
		return false, fmt.Errorf("failed to open store: %w", err)
	}
	metrics.RegisterComponent("store", true, "")

	messageBus := bus.NewBus()
	queue := workq.NewQueue()
	registry, err := subscription.NewRegistry(store)
	if err != nil {
		store.Close()
		return false, fmt.Errorf("failed to load subscribers: %w", err)
	}
	engine := cli.NewEngine()
	scheduler := task.NewScheduler()

	handler := task.NewHandler(store, messageBus, registry, scheduler, engine)
	for _, wf := range task.DefaultWorkflows() {
		if err := handler.AddWorkflow(wf); err != nil {
			store.Close()
			return false, fmt.Errorf("failed to register workflow %s: %w", wf.WorkflowID, err)
		}
	}

	configService := config.NewService(store, queue, messageBus)

	restartCh := make(chan string, 1)
	coreConfig := config.NewCoreHandler(configService, messageBus, queue, func(reason string) {
		select {
		case restartCh <- reason:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := handler.Start(ctx); err != nil {
		store.Close()
		return false, fmt.Errorf("failed to start task handler: %w", err)
	}
	metrics.RegisterComponent("task_handler", true, "")
	if err := coreConfig.Start(ctx); err != nil {
		handler.Stop()
		store.Close()
		return false, fmt.Errorf("failed to start core config handler: %w", err)
	}
	scheduler.Start()

	// worker-task timeouts run on their own sweep
	overdueDone := make(chan struct{})
	go func() {
		defer close(overdueDone)
		ticker := time.NewTicker(overdueInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				queue.CheckOverdue()
			case <-ctx.Done():
				return
			}
		}
	}()

	// attached workers are tracked by the queue itself
	collector := metrics.NewCollector(metrics.Stats{
		RunningTasks: handler.RunningTaskCount,
		Subscribers:  func() int { return len(registry.All()) },
	})
	collector.Start()

	// CLI defaults and API binding come from the stored core config
	apiAddr, tlsCert, tlsKey := applyCoreConfig(configService, engine)
	metrics.SetVersion(Version)

	httpServer := serveAPI(apiAddr, tlsCert, tlsKey)
	metrics.RegisterComponent("api", true, "")
	logger.Info().Str("addr", apiAddr).Msg("Server started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
		restart = false
	case reason := <-restartCh:
		logger.Info().Str("reason", reason).Msg("Restart requested")
		restart = true
	}

	// teardown in reverse order; cancellation is observed before the store
	// closes
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	collector.Stop()
	scheduler.Stop()
	coreConfig.Stop()
	handler.Stop()
	cancel()
	<-overdueDone
	if err := store.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close store")
	}
	return restart, nil
}

// applyCoreConfig reads the seeded core config and applies the recognised
// settings: CLI defaults and the API bind address with optional TLS material.
func applyCoreConfig(configService *config.Service, engine *cli.Engine) (addr, tlsCert, tlsKey string) {
	addr = "127.0.0.1:8900"
	cfg, err := configService.GetConfig(config.CoreConfigID)
	if err != nil || cfg == nil {
		return addr, "", ""
	}
	section, _ := cfg.Config[config.CoreConfigRoot].(map[string]interface{})
	if section == nil {
		return addr, "", ""
	}
	if cliSection, ok := section["cli"].(map[string]interface{}); ok {
		if graph, ok := cliSection["default_graph"].(string); ok {
			engine.DefaultGraph = graph
		}
		if s, ok := cliSection["default_section"].(string); ok {
			engine.DefaultSection = s
		}
	}
	if api, ok := section["api"].(map[string]interface{}); ok {
		host := "127.0.0.1"
		if hosts, ok := api["hosts"].([]interface{}); ok && len(hosts) > 0 {
			if h, ok := hosts[0].(string); ok {
				host = h
			}
		}
		port := 8900
		switch p := api["port"].(type) {
		case float64:
			port = int(p)
		case int:
			port = p
		case int64:
			port = int(p)
		}
		addr = fmt.Sprintf("%s:%d", host, port)
		tlsCert, _ = api["tls_cert"].(string)
		tlsKey, _ = api["tls_key"].(string)
	}
	if runtime, ok := section["runtime"].(map[string]interface{}); ok {
		if optOut, ok := runtime["analytics_opt_out"].(bool); ok && optOut {
			log.Info("Analytics emission disabled")
		}
	}
	return addr, tlsCert, tlsKey
}

// serveAPI exposes metrics and health endpoints. The full HTTP API attaches
// its routes to the same mux.
func serveAPI(addr, tlsCert, tlsKey string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())

	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		var err error
		if tlsCert != "" && tlsKey != "" {
			err = server.ListenAndServeTLS(tlsCert, tlsKey)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.Errorf("API server failed", err)
		}
	}()
	return server
}
