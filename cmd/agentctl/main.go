// agentctl is a command-line client for the agentcore gRPC service.
//
//	agentctl health
//	agentctl ensemble --prompt "2+2?" --strategy voting --agent gpt-4 --agent a2=claude-3
//	agentctl execute text-generation --input '{"prompt":"hi","model":"gpt-4"}' --async
//	agentctl result req_0123456789abcdef
//	agentctl subscribe engine.execution.completed
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "agentctl:", err)
		os.Exit(1)
	}
}
