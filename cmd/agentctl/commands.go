package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/jeeves-cluster-organization/agentcore/coreengine/grpc"
)

type globalOptions struct {
	addr    string
	timeout time.Duration
	output  string
}

// write prints v as JSON, indented for terminals unless --output says
// otherwise.
func (o *globalOptions) write(w io.Writer, v any) error {
	return writeJSON(w, v, o.pretty(w))
}

func (o *globalOptions) pretty(w io.Writer) bool {
	switch o.output {
	case "pretty":
		return true
	case "compact":
		return false
	}
	f, ok := w.(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:           "agentctl",
		Short:         "Client for the agentcore orchestration service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.addr, "addr", "localhost:50051", "agentcore gRPC address")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "per-call deadline (0 for none)")
	cmd.PersistentFlags().StringVarP(&opts.output, "output", "o", "auto", "auto, pretty or compact JSON")

	cmd.AddCommand(
		newEnsembleCmd(opts),
		newExecuteCmd(opts),
		newResultCmd(opts),
		newPublishCmd(opts),
		newSubscribeCmd(opts),
		newMetricsCmd(opts),
		newHealthCmd(opts),
	)
	return cmd
}

// withClient dials, applies the call deadline and closes the connection
// when fn returns.
func withClient(cmd *cobra.Command, opts *globalOptions, fn func(ctx context.Context, c *grpc.Client) error) error {
	client, err := grpc.Dial(opts.addr)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx := cmd.Context()
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}
	return fn(ctx, client)
}

// =============================================================================
// Ensemble
// =============================================================================

type ensembleFlags struct {
	prompt    string
	strategy  string
	agents    []string
	weights   []float64
	fallbacks []string
}

func newEnsembleCmd(opts *globalOptions) *cobra.Command {
	f := &ensembleFlags{}
	cmd := &cobra.Command{
		Use:   "ensemble",
		Short: "Run one prompt across several models and combine the answers",
		Long: `Run one prompt across several models and combine the answers.

Agents are given as MODEL or NAME=MODEL and keep their flag order, which
matters for the cascade strategy.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := buildEnsembleRequest(f)
			if err != nil {
				return err
			}
			return withClient(cmd, opts, func(ctx context.Context, c *grpc.Client) error {
				resp, err := c.SubmitEnsemble(ctx, req)
				if err != nil {
					return err
				}
				return opts.write(cmd.OutOrStdout(), resp)
			})
		},
	}
	cmd.Flags().StringVar(&f.prompt, "prompt", "", "prompt sent to every agent")
	cmd.Flags().StringVar(&f.strategy, "strategy", "voting", "parallel, voting, weighted or cascade")
	cmd.Flags().StringArrayVar(&f.agents, "agent", nil, "agent as MODEL or NAME=MODEL (repeatable)")
	cmd.Flags().Float64SliceVar(&f.weights, "weights", nil, "per-agent weights for the weighted strategy")
	cmd.Flags().StringSliceVar(&f.fallbacks, "fallback", nil, "fallback models tried after each agent's own model")
	_ = cmd.MarkFlagRequired("prompt")
	return cmd
}

func buildEnsembleRequest(f *ensembleFlags) (map[string]any, error) {
	if strings.TrimSpace(f.prompt) == "" {
		return nil, errors.New("--prompt is required")
	}
	if len(f.agents) == 0 {
		return nil, errors.New("at least one --agent is required")
	}
	if len(f.weights) > 0 && len(f.weights) != len(f.agents) {
		return nil, fmt.Errorf("got %d weights for %d agents", len(f.weights), len(f.agents))
	}

	agents := make([]any, 0, len(f.agents))
	for i, raw := range f.agents {
		agent, err := parseAgent(raw, i)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}

	req := map[string]any{
		"prompt":   f.prompt,
		"strategy": f.strategy,
		"agents":   agents,
	}
	if len(f.weights) > 0 {
		req["weights"] = f.weights
	}
	if len(f.fallbacks) > 0 {
		req["fallback_models"] = f.fallbacks
	}
	return req, nil
}

// parseAgent reads MODEL or NAME=MODEL. Unnamed agents are numbered.
func parseAgent(raw string, index int) (map[string]any, error) {
	name, model, named := strings.Cut(strings.TrimSpace(raw), "=")
	if !named {
		model, name = name, fmt.Sprintf("agent-%d", index)
	}
	name, model = strings.TrimSpace(name), strings.TrimSpace(model)
	if name == "" || model == "" {
		return nil, fmt.Errorf("invalid agent %q: want MODEL or NAME=MODEL", raw)
	}
	return map[string]any{"name": name, "model": model}, nil
}

// =============================================================================
// Execute / Result
// =============================================================================

type executeFlags struct {
	input     string
	agentID   string
	userID    string
	priority  string
	timeoutMS int
	retries   int
	maxCost   float64
	async     bool
}

func newExecuteCmd(opts *globalOptions) *cobra.Command {
	f := &executeFlags{}
	cmd := &cobra.Command{
		Use:   "execute CAPABILITY",
		Short: "Submit a capability request to the execution engine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := buildExecuteRequest(args[0], f)
			if err != nil {
				return err
			}
			return withClient(cmd, opts, func(ctx context.Context, c *grpc.Client) error {
				resp, err := c.SubmitExecution(ctx, req)
				if err != nil {
					return err
				}
				return opts.write(cmd.OutOrStdout(), resp)
			})
		},
	}
	cmd.Flags().StringVar(&f.input, "input", "", "capability inputs as a JSON object")
	cmd.Flags().StringVar(&f.agentID, "agent-id", "agentctl", "requesting agent id")
	cmd.Flags().StringVar(&f.userID, "user", "", "user id used for rate limiting")
	cmd.Flags().StringVar(&f.priority, "priority", "", "LOW, NORMAL, HIGH or CRITICAL")
	cmd.Flags().IntVar(&f.timeoutMS, "timeout-ms", 0, "execution timeout in milliseconds")
	cmd.Flags().IntVar(&f.retries, "retries", -1, "maximum retries (-1 keeps the server default)")
	cmd.Flags().Float64Var(&f.maxCost, "max-cost", 0, "reject requests whose estimated cost exceeds this")
	cmd.Flags().BoolVar(&f.async, "async", false, "queue the request and print its id")
	return cmd
}

func buildExecuteRequest(capability string, f *executeFlags) (map[string]any, error) {
	inputs, err := parseJSONObject(f.input)
	if err != nil {
		return nil, fmt.Errorf("--input: %w", err)
	}
	req := map[string]any{
		"capability": capability,
		"agent_id":   f.agentID,
		"inputs":     inputs,
		"async":      f.async,
	}
	if f.userID != "" {
		req["user_id"] = f.userID
	}
	if f.priority != "" {
		req["priority"] = f.priority
	}
	if f.timeoutMS > 0 {
		req["timeout_ms"] = f.timeoutMS
	}
	if f.retries >= 0 {
		req["max_retries"] = f.retries
	}
	if f.maxCost > 0 {
		req["max_cost"] = f.maxCost
	}
	return req, nil
}

func newResultCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "result REQUEST_ID",
		Short: "Fetch the result or state of an async execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, opts, func(ctx context.Context, c *grpc.Client) error {
				resp, err := c.GetResult(ctx, args[0])
				if err != nil {
					return err
				}
				return opts.write(cmd.OutOrStdout(), resp)
			})
		},
	}
}

// =============================================================================
// Bus
// =============================================================================

type publishFlags struct {
	payload       string
	messageType   string
	priority      string
	correlationID string
}

func newPublishCmd(opts *globalOptions) *cobra.Command {
	f := &publishFlags{}
	cmd := &cobra.Command{
		Use:   "publish TOPIC",
		Short: "Publish a message on the bus",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, extra, err := buildPublishRequest(f)
			if err != nil {
				return err
			}
			return withClient(cmd, opts, func(ctx context.Context, c *grpc.Client) error {
				id, err := c.Publish(ctx, args[0], payload, extra)
				if err != nil {
					return err
				}
				return opts.write(cmd.OutOrStdout(), map[string]any{"message_id": id, "topic": args[0]})
			})
		},
	}
	cmd.Flags().StringVar(&f.payload, "payload", "", "message payload as JSON")
	cmd.Flags().StringVar(&f.messageType, "type", "", "event, command or query")
	cmd.Flags().StringVar(&f.priority, "priority", "", "LOW, NORMAL, HIGH or CRITICAL")
	cmd.Flags().StringVar(&f.correlationID, "correlation-id", "", "correlation id carried on the envelope")
	return cmd
}

func buildPublishRequest(f *publishFlags) (any, map[string]any, error) {
	var payload any
	if strings.TrimSpace(f.payload) != "" {
		if err := json.Unmarshal([]byte(f.payload), &payload); err != nil {
			return nil, nil, fmt.Errorf("--payload: %w", err)
		}
	}
	extra := map[string]any{"source": "agentctl"}
	if f.messageType != "" {
		extra["type"] = strings.ToLower(f.messageType)
	}
	if f.priority != "" {
		extra["priority"] = strings.ToUpper(f.priority)
	}
	if f.correlationID != "" {
		extra["correlation_id"] = f.correlationID
	}
	return payload, extra, nil
}

func newSubscribeCmd(opts *globalOptions) *cobra.Command {
	var group string
	var limit int
	cmd := &cobra.Command{
		Use:   "subscribe TOPIC",
		Short: "Stream bus messages on a topic as JSON lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := grpc.Dial(opts.addr)
			if err != nil {
				return err
			}
			defer client.Close()

			sub, err := client.Subscribe(cmd.Context(), args[0], group)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "subscribed %s (%s)\n", sub.Topic, sub.ID)
			return streamMessages(cmd.Context(), sub, cmd.OutOrStdout(), limit)
		},
	}
	cmd.Flags().StringVar(&group, "group", "", "queue group; members share deliveries round-robin")
	cmd.Flags().IntVar(&limit, "limit", 0, "exit after this many messages (0 streams until interrupted)")
	return cmd
}

type receiver interface {
	Recv() (map[string]any, error)
}

// streamMessages writes one compact JSON line per message. Cancellation and
// end of stream are a clean exit.
func streamMessages(ctx context.Context, r receiver, w io.Writer, limit int) error {
	enc := json.NewEncoder(w)
	for n := 0; limit <= 0 || n < limit; n++ {
		msg, err := r.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := enc.Encode(msg); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// Introspection
// =============================================================================

func newMetricsCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Show engine and bus counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, opts, func(ctx context.Context, c *grpc.Client) error {
				resp, err := c.GetMetrics(ctx)
				if err != nil {
					return err
				}
				return opts.write(cmd.OutOrStdout(), resp)
			})
		},
	}
}

func newHealthCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show service health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, opts, func(ctx context.Context, c *grpc.Client) error {
				resp, err := c.GetHealth(ctx)
				if err != nil {
					return err
				}
				return opts.write(cmd.OutOrStdout(), resp)
			})
		},
	}
}

// =============================================================================
// Helpers
// =============================================================================

func parseJSONObject(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errors.New("expected a JSON object")
	}
	return m, nil
}

func writeJSON(w io.Writer, v any, pretty bool) error {
	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}
