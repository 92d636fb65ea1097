package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/agentcore/commbus"
	"github.com/jeeves-cluster-organization/agentcore/coreengine/capabilities"
	"github.com/jeeves-cluster-organization/agentcore/coreengine/config"
	"github.com/jeeves-cluster-organization/agentcore/coreengine/ensemble"
	"github.com/jeeves-cluster-organization/agentcore/coreengine/grpc"
	"github.com/jeeves-cluster-organization/agentcore/coreengine/kernel"
	"github.com/jeeves-cluster-organization/agentcore/coreengine/llm"
	"github.com/jeeves-cluster-organization/agentcore/coreengine/router"
)

// =============================================================================
// Request Building Tests
// =============================================================================

func TestParseAgent(t *testing.T) {
	tests := []struct {
		raw     string
		want    map[string]any
		wantErr bool
	}{
		{"gpt-4", map[string]any{"name": "agent-2", "model": "gpt-4"}, false},
		{"fast=gpt-3.5", map[string]any{"name": "fast", "model": "gpt-3.5"}, false},
		{" a = b ", map[string]any{"name": "a", "model": "b"}, false},
		{"", nil, true},
		{"name=", nil, true},
		{"=model", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := parseAgent(tt.raw, 2)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuildEnsembleRequest(t *testing.T) {
	req, err := buildEnsembleRequest(&ensembleFlags{
		prompt:    "2+2?",
		strategy:  "weighted",
		agents:    []string{"gpt-4", "b=claude-3"},
		weights:   []float64{0.7, 0.3},
		fallbacks: []string{"gpt-3.5"},
	})
	require.NoError(t, err)

	assert.Equal(t, "2+2?", req["prompt"])
	assert.Equal(t, "weighted", req["strategy"])
	assert.Equal(t, []any{
		map[string]any{"name": "agent-0", "model": "gpt-4"},
		map[string]any{"name": "b", "model": "claude-3"},
	}, req["agents"])
	assert.Equal(t, []float64{0.7, 0.3}, req["weights"])
	assert.Equal(t, []string{"gpt-3.5"}, req["fallback_models"])
}

func TestBuildEnsembleRequest_Errors(t *testing.T) {
	tests := []struct {
		name  string
		flags ensembleFlags
	}{
		{"blank prompt", ensembleFlags{prompt: "  ", agents: []string{"m"}}},
		{"no agents", ensembleFlags{prompt: "p"}},
		{"weights mismatch", ensembleFlags{prompt: "p", agents: []string{"m"}, weights: []float64{1, 2}}},
		{"bad agent", ensembleFlags{prompt: "p", agents: []string{"x="}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := buildEnsembleRequest(&tt.flags)
			assert.Error(t, err)
		})
	}
}

func TestBuildExecuteRequest(t *testing.T) {
	req, err := buildExecuteRequest("text-generation", &executeFlags{
		input:     `{"prompt":"hi","model":"gpt-4"}`,
		agentID:   "cli",
		userID:    "u1",
		priority:  "HIGH",
		timeoutMS: 500,
		retries:   0,
		maxCost:   1.5,
		async:     true,
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]any{
		"capability":  "text-generation",
		"agent_id":    "cli",
		"inputs":      map[string]any{"prompt": "hi", "model": "gpt-4"},
		"async":       true,
		"user_id":     "u1",
		"priority":    "HIGH",
		"timeout_ms":  500,
		"max_retries": 0,
		"max_cost":    1.5,
	}, req)
}

func TestBuildExecuteRequest_Defaults(t *testing.T) {
	req, err := buildExecuteRequest("echo", &executeFlags{agentID: "agentctl", retries: -1})
	require.NoError(t, err)

	assert.Equal(t, map[string]any{}, req["inputs"])
	assert.NotContains(t, req, "max_retries")
	assert.NotContains(t, req, "timeout_ms")
	assert.NotContains(t, req, "priority")
}

func TestBuildExecuteRequest_BadInput(t *testing.T) {
	for _, input := range []string{"{", "[1,2]", "null", `"text"`} {
		_, err := buildExecuteRequest("echo", &executeFlags{input: input})
		assert.Error(t, err, input)
	}
}

func TestBuildPublishRequest(t *testing.T) {
	payload, extra, err := buildPublishRequest(&publishFlags{
		payload:       `{"n":1}`,
		messageType:   "COMMAND",
		priority:      "high",
		correlationID: "c-1",
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"n": 1.0}, payload)
	assert.Equal(t, map[string]any{
		"source":         "agentctl",
		"type":           "command",
		"priority":       "HIGH",
		"correlation_id": "c-1",
	}, extra)

	_, _, err = buildPublishRequest(&publishFlags{payload: "{nope"})
	assert.Error(t, err)
}

// =============================================================================
// Output Tests
// =============================================================================

type fakeReceiver struct {
	msgs []map[string]any
	err  error
}

func (f *fakeReceiver) Recv() (map[string]any, error) {
	if len(f.msgs) == 0 {
		return nil, f.err
	}
	msg := f.msgs[0]
	f.msgs = f.msgs[1:]
	return msg, nil
}

func TestStreamMessages(t *testing.T) {
	msgs := []map[string]any{{"id": "1"}, {"id": "2"}, {"id": "3"}}

	t.Run("until EOF", func(t *testing.T) {
		var out bytes.Buffer
		err := streamMessages(context.Background(), &fakeReceiver{msgs: msgs, err: io.EOF}, &out, 0)
		require.NoError(t, err)
		assert.Equal(t, "{\"id\":\"1\"}\n{\"id\":\"2\"}\n{\"id\":\"3\"}\n", out.String())
	})

	t.Run("limit", func(t *testing.T) {
		var out bytes.Buffer
		err := streamMessages(context.Background(), &fakeReceiver{msgs: msgs, err: io.EOF}, &out, 2)
		require.NoError(t, err)
		assert.Equal(t, 2, bytes.Count(out.Bytes(), []byte("\n")))
	})

	t.Run("stream error", func(t *testing.T) {
		boom := errors.New("boom")
		err := streamMessages(context.Background(), &fakeReceiver{err: boom}, io.Discard, 0)
		assert.ErrorIs(t, err, boom)
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := streamMessages(ctx, &fakeReceiver{err: errors.New("rpc canceled")}, io.Discard, 0)
		assert.NoError(t, err)
	})
}

func TestWriteJSON(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, writeJSON(&out, map[string]any{"a": 1}, true))
	assert.Equal(t, "{\n  \"a\": 1\n}\n", out.String())

	out.Reset()
	require.NoError(t, writeJSON(&out, map[string]any{"a": 1}, false))
	assert.Equal(t, "{\"a\":1}\n", out.String())
}

func TestGlobalOptions_Pretty(t *testing.T) {
	var buf bytes.Buffer

	assert.False(t, (&globalOptions{output: "auto"}).pretty(&buf))
	assert.True(t, (&globalOptions{output: "pretty"}).pretty(&buf))
	assert.False(t, (&globalOptions{output: "compact"}).pretty(os.Stdout))
}

func TestRootCmd_Commands(t *testing.T) {
	root := newRootCmd()

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"ensemble", "execute", "result", "publish", "subscribe", "metrics", "health"} {
		assert.Contains(t, names, want)
	}
}

func TestRootCmd_ArgValidation(t *testing.T) {
	tests := [][]string{
		{"execute"},
		{"result"},
		{"publish"},
		{"health", "extra"},
		{"ensemble", "--agent", "gpt-4"},
	}

	for _, args := range tests {
		root := newRootCmd()
		root.SetArgs(args)
		root.SetOut(io.Discard)
		root.SetErr(io.Discard)
		assert.Error(t, root.Execute(), args)
	}
}

// =============================================================================
// End-to-end Tests
// =============================================================================

// startServer serves the full stack on a loopback port and returns its address.
func startServer(t *testing.T) string {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Router.FallbackTable = nil
	cfg.Engine.DrainIntervalMS = 10
	cfg.Engine.DefaultMemoryMB = 128

	bus := commbus.NewInMemoryBus(&cfg.Bus, nil)
	r := router.New(llm.EchoBackend{}, nil, &cfg.Router, nil)
	o := ensemble.NewOrchestrator(r, &cfg.Ensemble, nil)
	engine := kernel.NewEngine(nil, nil, &cfg.Engine, nil, kernel.WithPublisher(bus))
	require.NoError(t, capabilities.Register(engine, r, o, 0))
	require.NoError(t, engine.RegisterWorker(&kernel.WorkerNode{
		ID:           "local",
		Capabilities: engine.Capabilities().Names(),
		Capacity:     kernel.NewWorkerCapacity(4, 1024, 0),
	}))

	ctx, cancel := context.WithCancel(context.Background())
	engine.Start(ctx)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	gs := grpc.NewGracefulServer(grpc.NewServer(nil, engine, o, bus), lis.Addr().String())
	served := make(chan struct{})
	go func() {
		_ = gs.Serve(ctx, lis)
		close(served)
	}()

	t.Cleanup(func() {
		cancel()
		<-served
		engine.Stop()
	})
	return lis.Addr().String()
}

func execCLI(addr string, args ...string) (map[string]any, error) {
	var out bytes.Buffer
	root := newRootCmd()
	root.SetArgs(append([]string{"--addr", addr, "--timeout", "5s"}, args...))
	root.SetOut(&out)
	root.SetErr(io.Discard)
	if err := root.ExecuteContext(context.Background()); err != nil {
		return nil, err
	}

	var resp map[string]any
	err := json.Unmarshal(out.Bytes(), &resp)
	return resp, err
}

func runCLI(t *testing.T, addr string, args ...string) map[string]any {
	t.Helper()
	resp, err := execCLI(addr, args...)
	require.NoError(t, err)
	return resp
}

func TestCLI_EndToEnd(t *testing.T) {
	addr := startServer(t)

	health := runCLI(t, addr, "health")
	assert.Equal(t, "serving", health["status"])

	ens := runCLI(t, addr, "ensemble", "--prompt", "ping", "--strategy", "voting",
		"--agent", "gpt-4", "--agent", "b=claude-3")
	assert.Equal(t, "ping", ens["final_response"])
	assert.Len(t, ens["responses"], 2)

	exec := runCLI(t, addr, "execute", capabilities.TextGeneration,
		"--input", `{"prompt":"hello","model":"gpt-4"}`)
	assert.Equal(t, true, exec["success"])

	queued := runCLI(t, addr, "execute", capabilities.TextGeneration,
		"--input", `{"prompt":"later","model":"gpt-4"}`, "--async")
	id, _ := queued["request_id"].(string)
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		res, err := execCLI(addr, "result", id)
		return err == nil && res["success"] == true
	}, 5*time.Second, 20*time.Millisecond)

	pub := runCLI(t, addr, "publish", "demo.topic", "--payload", `{"n":1}`)
	assert.Equal(t, "demo.topic", pub["topic"])
	assert.NotEmpty(t, pub["message_id"])

	metrics := runCLI(t, addr, "metrics")
	assert.Contains(t, metrics, "engine")
	assert.Contains(t, metrics, "bus")
}
