// Package grpc exposes the orchestration core over gRPC.
//
// The service is agentcore.v1.OrchestrationService. Every message is a
// google.protobuf.Struct, so clients in any language can call it with the
// well-known types alone.
package grpc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jeeves-cluster-organization/agentcore/commbus"
	"github.com/jeeves-cluster-organization/agentcore/coreengine/capabilities"
	"github.com/jeeves-cluster-organization/agentcore/coreengine/kernel"
	"github.com/jeeves-cluster-organization/agentcore/coreengine/logging"
	"github.com/jeeves-cluster-organization/agentcore/coreengine/typeutil"
)

// Logger interface for the server.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

const defaultSubscriberBuffer = 64

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithSubscriberBuffer sets how many undelivered messages a Subscribe
// stream holds before it starts dropping.
func WithSubscriberBuffer(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.subscriberBuffer = n
		}
	}
}

// Server implements OrchestrationServer over the engine, the ensemble
// orchestrator and the bus.
type Server struct {
	logger           Logger
	engine           *kernel.Engine
	ensembles        capabilities.Ensembler
	bus              commbus.Bus
	subscriberBuffer int
	started          time.Time
}

var _ OrchestrationServer = (*Server)(nil)

// NewServer creates a Server. A nil logger discards output.
func NewServer(logger Logger, engine *kernel.Engine, ensembles capabilities.Ensembler, bus commbus.Bus, opts ...ServerOption) *Server {
	if logger == nil {
		logger = logging.Nop()
	}
	s := &Server{
		logger:           logger,
		engine:           engine,
		ensembles:        ensembles,
		bus:              bus,
		subscriberBuffer: defaultSubscriberBuffer,
		started:          time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// =============================================================================
// Ensembles and Executions
// =============================================================================

// SubmitEnsemble runs an ensemble call and waits for its result.
//
//	{"prompt": "...", "strategy": "voting", "agents": [{"model": "m1"}, ...]}
func (s *Server) SubmitEnsemble(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := fromStruct(req)
	prompt, _ := typeutil.AsString(fields["prompt"])
	if err := validateRequired(prompt, "prompt"); err != nil {
		return nil, err
	}
	spec, err := capabilities.ParseEnsembleSpec(capabilities.Ensemble, fields)
	if err != nil {
		return nil, toStatus(err)
	}

	result, err := s.ensembles.Execute(ctx, prompt, spec)
	if err != nil {
		return nil, rpcError("submit ensemble", err)
	}
	return toStruct(capabilities.EnsembleOutput(result))
}

// SubmitExecution admits a capability request. By default it waits for the
// result; with "async": true it returns the request id once queued.
//
//	{"capability": "text-generation", "agent_id": "a1", "inputs": {...}, "options": {...}}
func (s *Server) SubmitExecution(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := fromStruct(req)
	capability, _ := typeutil.AsString(fields["capability"])
	if err := validateRequired(capability, "capability"); err != nil {
		return nil, err
	}
	agentID, _ := typeutil.AsString(fields["agent_id"])
	if agentID == "" {
		agentID = "grpc"
	}
	inputs, _ := typeutil.AsMap(fields["inputs"])
	rawOpts, _ := typeutil.AsMap(fields["options"])
	opts, err := executeOptions(rawOpts)
	if err != nil {
		return nil, toStatus(kernel.NewInputValidationError(capability, "options", err.Error()))
	}

	if async, _ := typeutil.AsBool(fields["async"]); async {
		id, err := s.engine.Submit(ctx, agentID, capability, inputs, opts)
		if err != nil {
			return nil, rpcError("submit execution", err)
		}
		return toStruct(map[string]any{"request_id": id, "state": string(kernel.StateQueued)})
	}

	result, err := s.engine.Execute(ctx, agentID, capability, inputs, opts)
	if err != nil {
		return nil, rpcError("submit execution", err)
	}
	return toStruct(result)
}

// GetResult takes a finished result, or reports the state of one in flight.
func (s *Server) GetResult(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, _ := typeutil.AsString(fromStruct(req)["request_id"])
	if err := validateRequired(id, "request_id"); err != nil {
		return nil, err
	}
	if result, ok := s.engine.Result(id); ok {
		return toStruct(result)
	}
	if state, ok := s.engine.Status(id); ok {
		return toStruct(map[string]any{"request_id": id, "state": string(state)})
	}
	return nil, NotFound("execution", id)
}

// =============================================================================
// Bus
// =============================================================================

// Publish puts a message on the bus.
//
//	{"topic": "jobs", "payload": {...}, "type": "command", "priority": "high"}
func (s *Server) Publish(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := fromStruct(req)
	topic, _ := typeutil.AsString(fields["topic"])
	if err := validateRequired(topic, "topic"); err != nil {
		return nil, err
	}
	opts, err := publishOptions(fields)
	if err != nil {
		return nil, toStatus(&commbus.CommBusError{Message: err.Error()})
	}

	id, err := s.bus.Publish(ctx, topic, fields["payload"], opts)
	if err != nil {
		return nil, rpcError("publish", err)
	}
	return toStruct(map[string]any{"message_id": id, "topic": topic})
}

// Subscribe streams a topic's messages until the client goes away. The first
// frame carries the subscription id; messages follow in delivery order.
// A client that falls behind by more than the buffer loses messages.
func (s *Server) Subscribe(req *structpb.Struct, stream SubscribeServer) error {
	fields := fromStruct(req)
	topic, _ := typeutil.AsString(fields["topic"])
	if err := validateRequired(topic, "topic"); err != nil {
		return err
	}
	group, _ := typeutil.AsString(fields["queue_group"])
	name, _ := typeutil.AsString(fields["name"])
	ctx := stream.Context()

	messages := make(chan *commbus.Envelope, s.subscriberBuffer)
	var dropped sync.Once
	subID := s.bus.Subscribe(topic, func(_ context.Context, env *commbus.Envelope) error {
		select {
		case messages <- env:
		default:
			dropped.Do(func() {
				s.logger.Warn("subscriber_falling_behind", "topic", topic, "buffer", s.subscriberBuffer)
			})
		}
		return nil
	}, commbus.SubscribeOptions{Name: name, QueueGroup: group})
	defer s.bus.Unsubscribe(subID)

	s.logger.Info("grpc_subscription_opened", "topic", topic, "subscription_id", subID)
	defer s.logger.Info("grpc_subscription_closed", "topic", topic, "subscription_id", subID)

	ack, err := toStruct(map[string]any{"subscription_id": subID, "topic": topic})
	if err != nil {
		return Internal("subscribe", err)
	}
	if err := stream.Send(ack); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-messages:
			msg, err := envelopeToStruct(env)
			if err != nil {
				s.logger.Warn("subscriber_message_skipped", "topic", topic, "message_id", env.ID, "error", err.Error())
				continue
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
		}
	}
}

// =============================================================================
// Introspection
// =============================================================================

// GetMetrics returns engine and bus counters.
func (s *Server) GetMetrics(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	engine := s.engine.Metrics()
	return toStruct(map[string]any{
		"engine":                      engine,
		"engine_average_execution_ms": engine.AverageExecutionTime.Milliseconds(),
		"bus":                         s.bus.Metrics(),
	})
}

// GetHealth reports worker health and bus state. Status is "degraded"
// when no worker is healthy.
func (s *Server) GetHealth(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	workers := s.engine.Workers()
	healthy := 0
	for _, w := range workers {
		if w.Health.Status == kernel.HealthHealthy {
			healthy++
		}
	}
	state := "serving"
	if healthy == 0 {
		state = "degraded"
	}
	return toStruct(map[string]any{
		"status":          state,
		"uptime_ms":       time.Since(s.started).Milliseconds(),
		"healthy_workers": healthy,
		"workers":         workers,
		"capabilities":    s.engine.Capabilities().Names(),
		"bus":             s.bus.Health(),
	})
}

// =============================================================================
// Graceful Server
// =============================================================================

// GracefulServer owns a grpc.Server and its listener.
type GracefulServer struct {
	grpcServer *grpc.Server
	logger     Logger
	address    string
	listener   net.Listener
	shutdownMu sync.Mutex
	isShutdown bool
}

// NewGracefulServer registers srv on a new grpc.Server. With no options the
// standard interceptors and stats handler are installed.
func NewGracefulServer(srv *Server, address string, opts ...grpc.ServerOption) *GracefulServer {
	if len(opts) == 0 {
		opts = ServerOptions(srv.logger)
	}
	grpcServer := grpc.NewServer(opts...)
	RegisterOrchestrationServer(grpcServer, srv)

	return &GracefulServer{
		grpcServer: grpcServer,
		logger:     srv.logger,
		address:    address,
	}
}

// Start listens on the configured address and serves until ctx is done,
// then stops gracefully.
func (s *GracefulServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is done.
func (s *GracefulServer) Serve(ctx context.Context, lis net.Listener) error {
	s.listener = lis
	s.logger.Info("grpc_server_started", "address", lis.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.grpcServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("grpc_graceful_shutdown_initiated", "reason", ctx.Err().Error())
		s.GracefulStop()
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}
}

// GracefulStop stops accepting connections and waits for open RPCs.
func (s *GracefulServer) GracefulStop() {
	s.shutdownMu.Lock()
	defer s.shutdownMu.Unlock()

	if s.isShutdown {
		return
	}
	s.isShutdown = true

	s.logger.Info("grpc_graceful_stop_started")
	s.grpcServer.GracefulStop()
	s.logger.Info("grpc_graceful_stop_completed")
}

// ShutdownWithTimeout stops gracefully, forcing a hard stop after timeout.
// Open Subscribe streams only end on a hard stop or client cancel.
func (s *GracefulServer) ShutdownWithTimeout(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn("grpc_graceful_shutdown_timeout", "timeout_ms", timeout.Milliseconds())
		s.grpcServer.Stop()
	}
}

// GRPCServer returns the underlying grpc.Server.
func (s *GracefulServer) GRPCServer() *grpc.Server {
	return s.grpcServer
}

// Address returns the configured address.
func (s *GracefulServer) Address() string {
	return s.address
}
