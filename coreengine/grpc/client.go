package grpc

import (
	"context"
	"fmt"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jeeves-cluster-organization/agentcore/coreengine/typeutil"
)

// Client calls OrchestrationService with plain maps.
type Client struct {
	conn  grpc.ClientConnInterface
	owned *grpc.ClientConn
}

// Dial connects to target. Without options the connection is insecure and
// traced.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		}
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return &Client{conn: conn, owned: conn}, nil
}

// NewClient wraps an existing connection. Close leaves it open.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Close closes a connection opened by Dial.
func (c *Client) Close() error {
	if c.owned == nil {
		return nil
	}
	return c.owned.Close()
}

func (c *Client) call(ctx context.Context, method string, req map[string]any) (map[string]any, error) {
	in, err := toStruct(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, method, in, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

func (c *Client) callEmpty(ctx context.Context, method string) (map[string]any, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, method, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// SubmitEnsemble runs an ensemble call.
func (c *Client) SubmitEnsemble(ctx context.Context, req map[string]any) (map[string]any, error) {
	return c.call(ctx, MethodSubmitEnsemble, req)
}

// SubmitExecution submits a capability request.
func (c *Client) SubmitExecution(ctx context.Context, req map[string]any) (map[string]any, error) {
	return c.call(ctx, MethodSubmitExecution, req)
}

// GetResult fetches an async result or its state.
func (c *Client) GetResult(ctx context.Context, requestID string) (map[string]any, error) {
	return c.call(ctx, MethodGetResult, map[string]any{"request_id": requestID})
}

// Publish publishes payload on topic. extra carries optional envelope fields.
func (c *Client) Publish(ctx context.Context, topic string, payload any, extra map[string]any) (string, error) {
	req := map[string]any{"topic": topic, "payload": payload}
	for k, v := range extra {
		req[k] = v
	}
	resp, err := c.call(ctx, MethodPublish, req)
	if err != nil {
		return "", err
	}
	id, _ := typeutil.AsString(resp["message_id"])
	return id, nil
}

// GetMetrics returns engine and bus counters.
func (c *Client) GetMetrics(ctx context.Context) (map[string]any, error) {
	return c.callEmpty(ctx, MethodGetMetrics)
}

// GetHealth returns the health report.
func (c *Client) GetHealth(ctx context.Context) (map[string]any, error) {
	return c.callEmpty(ctx, MethodGetHealth)
}

// =============================================================================
// Subscriptions
// =============================================================================

// Subscription is an open Subscribe stream.
type Subscription struct {
	ID     string
	Topic  string
	stream grpc.ClientStream
}

// Subscribe opens a stream on topic and waits until the server has
// registered it. Cancel ctx to close it.
func (c *Client) Subscribe(ctx context.Context, topic, queueGroup string) (*Subscription, error) {
	stream, err := c.conn.NewStream(ctx, &subscribeStreamDesc, MethodSubscribe)
	if err != nil {
		return nil, err
	}
	req, err := structpb.NewStruct(map[string]any{"topic": topic, "queue_group": queueGroup})
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}

	ack := new(structpb.Struct)
	if err := stream.RecvMsg(ack); err != nil {
		return nil, err
	}
	id, _ := typeutil.AsString(ack.AsMap()["subscription_id"])
	return &Subscription{ID: id, Topic: topic, stream: stream}, nil
}

// Recv blocks for the next message. It returns io.EOF when the server ends
// the stream.
func (s *Subscription) Recv() (map[string]any, error) {
	msg := new(structpb.Struct)
	if err := s.stream.RecvMsg(msg); err != nil {
		return nil, err
	}
	return msg.AsMap(), nil
}
