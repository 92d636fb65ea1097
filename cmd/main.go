// agentcore server
//
// Standalone gRPC server for the orchestration core: message bus, model
// router, ensemble orchestrator and execution engine behind
// agentcore.v1.OrchestrationService, with Prometheus metrics on /metrics.
//
// Usage:
//
//	go run ./cmd                              # defaults, :50051 and :9090
//	go run ./cmd -config agentcore.yaml       # YAML configuration
//	go run ./cmd -addr :8080 -log-level DEBUG
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jeeves-cluster-organization/agentcore/commbus"
	"github.com/jeeves-cluster-organization/agentcore/coreengine/capabilities"
	"github.com/jeeves-cluster-organization/agentcore/coreengine/config"
	"github.com/jeeves-cluster-organization/agentcore/coreengine/ensemble"
	"github.com/jeeves-cluster-organization/agentcore/coreengine/grpc"
	"github.com/jeeves-cluster-organization/agentcore/coreengine/kernel"
	"github.com/jeeves-cluster-organization/agentcore/coreengine/llm"
	"github.com/jeeves-cluster-organization/agentcore/coreengine/logging"
	"github.com/jeeves-cluster-organization/agentcore/coreengine/observability"
	"github.com/jeeves-cluster-organization/agentcore/coreengine/router"
)

const version = "0.3.0"

// TopicTelemetry carries telemetry sink events on the bus.
const TopicTelemetry = "telemetry"

const localWorkerID = "local"

type flags struct {
	configPath    string
	addr          string
	metricsAddr   string
	logLevel      string
	workerCPU     float64
	workerMemory  int
	costPerSecond float64
}

func parseFlags() flags {
	var f flags
	flag.StringVar(&f.configPath, "config", "", "YAML configuration file")
	flag.StringVar(&f.addr, "addr", "", "gRPC listen address (overrides config)")
	flag.StringVar(&f.metricsAddr, "metrics-addr", "", "Prometheus listen address (overrides config)")
	flag.StringVar(&f.logLevel, "log-level", "", "DEBUG, INFO, WARN or ERROR (overrides config)")
	flag.Float64Var(&f.workerCPU, "worker-cpu", 0, "CPU capacity of the in-process worker (0 detects host cores)")
	flag.IntVar(&f.workerMemory, "worker-memory-mb", 0, "memory capacity of the in-process worker (0 detects host memory)")
	flag.Float64Var(&f.costPerSecond, "cost-per-second", 0, "cost charged per second of model capability time")
	flag.Parse()
	return f
}

func loadConfig(f flags) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if f.configPath != "" {
		loaded, err := config.LoadFile(f.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if f.addr != "" {
		cfg.Server.GRPCAddress = f.addr
	}
	if f.metricsAddr != "" {
		cfg.Server.MetricsAddress = f.metricsAddr
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	if v := os.Getenv("AGENTCORE_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
		cfg.Telemetry.TracingEnabled = true
	}
	return cfg, cfg.Validate()
}

func main() {
	f := parseFlags()
	cfg, err := loadConfig(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentcore: %v\n", err)
		os.Exit(2)
	}
	logger := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})

	if err := run(cfg, f, logger); err != nil {
		logger.Error("agentcore_failed", "error", err.Error())
		os.Exit(1)
	}
}

func run(cfg *config.Config, f flags, logger *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("agentcore_starting", "version", version, "address", cfg.Server.GRPCAddress)

	if cfg.Telemetry.TracingEnabled {
		shutdown, err := observability.InitTracer(ctx, observability.TracerOptions{
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: version,
			Environment:    os.Getenv("AGENTCORE_ENV"),
			Endpoint:       cfg.Telemetry.OTLPEndpoint,
			SampleRatio:    cfg.Telemetry.SampleRatio,
			Insecure:       true,
		})
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()
		logger.Info("tracing_enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
	}

	// Bus
	bus := commbus.NewInMemoryBus(&cfg.Bus, logger.With("component", "commbus"))
	bus.AddMiddleware(commbus.NewLoggingMiddleware(logger.With("component", "commbus")))
	if cfg.Bus.CircuitBreakerThreshold > 0 {
		bus.AddMiddleware(commbus.NewCircuitBreakerMiddleware(
			cfg.Bus.CircuitBreakerThreshold,
			cfg.Bus.CircuitBreakerReset(),
			[]string{TopicTelemetry},
			logger.With("component", "circuit_breaker"),
		))
	}

	sink := observability.NewAsyncSink(func(ctx context.Context, event observability.Event) error {
		return bus.PublishEvent(ctx, TopicTelemetry, event)
	}, cfg.Telemetry.SinkBuffer, 0, logger.With("component", "telemetry"))
	defer sink.Close()

	// Model routing and ensembles
	backend := llm.EchoBackend{}
	r := router.New(backend, nil, &cfg.Router, logger.With("component", "router"))
	orchestrator := ensemble.NewOrchestrator(r, &cfg.Ensemble, logger.With("component", "ensemble"),
		ensemble.WithPublisher(bus),
		ensemble.WithSink(sink),
	)

	// Execution engine
	engine := kernel.NewEngine(nil, nil, &cfg.Engine, logger.With("component", "kernel"),
		kernel.WithPublisher(bus),
		kernel.WithSink(sink),
	)
	if err := capabilities.Register(engine, r, orchestrator, f.costPerSecond); err != nil {
		return err
	}
	cpu, memMB := hostCapacity(ctx, f.workerCPU, f.workerMemory, logger)
	if err := engine.RegisterWorker(&kernel.WorkerNode{
		ID:           localWorkerID,
		Capabilities: engine.Capabilities().Names(),
		Capacity:     kernel.NewWorkerCapacity(cpu, memMB, 0),
	}); err != nil {
		return err
	}
	engine.Start(ctx)
	go heartbeat(ctx, engine, cfg.Engine.HeartbeatTimeout(), logger)

	// Metrics endpoint
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              cfg.Server.MetricsAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics_server_error", "error", err.Error())
		}
	}()
	logger.Info("metrics_server_started", "address", cfg.Server.MetricsAddress)

	// gRPC
	server := grpc.NewServer(logger.With("component", "grpc"), engine, orchestrator, bus)
	gs := grpc.NewGracefulServer(server, cfg.Server.GRPCAddress)

	served := make(chan error, 1)
	go func() { served <- gs.Start(ctx) }()
	logger.Info("agentcore_ready",
		"address", cfg.Server.GRPCAddress,
		"capabilities", engine.Capabilities().Names(),
	)

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown_signal_received")
		gs.ShutdownWithTimeout(cfg.Server.ShutdownTimeout())
		serveErr = <-served
	case serveErr = <-served:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
	if err := engine.Shutdown(shutdownCtx); err != nil {
		logger.Warn("engine_shutdown_incomplete", "error", err.Error())
	}

	logger.Info("agentcore_stopped")
	return serveErr
}

// heartbeat keeps the in-process worker alive for the engine's sweep.
func heartbeat(ctx context.Context, engine *kernel.Engine, timeout time.Duration, logger *logging.Logger) {
	if timeout <= 0 {
		return
	}
	ticker := time.NewTicker(timeout / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := engine.Heartbeat(localWorkerID); err != nil {
				logger.Warn("heartbeat_failed", "worker_id", localWorkerID, "error", err.Error())
			}
		}
	}
}
