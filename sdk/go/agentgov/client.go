package agentgov

import (
	"context"
	"fmt"

	"github.com/ppiankov/agentgov/internal/governance"
	"github.com/ppiankov/agentgov/internal/risk"
	"github.com/ppiankov/agentgov/internal/server"
)

type evaluator interface {
	EvaluateToolCall(ctx context.Context, cx risk.CARSContext, a risk.Action, workflowID string) (governance.ToolCallResult, error)
	Close() error
}

// Client evaluates actions against a governance server. Safe for
// concurrent tool calls.
type Client struct {
	cfg  clientConfig
	eval evaluator
}

// New connects to the governance server at addr.
func New(addr string, opts ...Option) (*Client, error) {
	cfg := clientConfig{context: Context{Environment: "dev", DataClassification: 1}}
	for _, o := range opts {
		o(&cfg)
	}
	conn, err := server.Dial(addr, cfg.token)
	if err != nil {
		return nil, fmt.Errorf("agentgov: %w", err)
	}
	return &Client{cfg: cfg, eval: conn}, nil
}

// Close releases the server connection.
func (c *Client) Close() error { return c.eval.Close() }

// Check evaluates an action without executing anything. The evaluation is
// still recorded in the audit log.
func (c *Client) Check(ctx context.Context, action Action) (Result, error) {
	return c.check(ctx, action, c.cfg.context, c.cfg.workflowID)
}

func (c *Client) check(ctx context.Context, action Action, cx Context, workflowID string) (Result, error) {
	r, err := c.eval.EvaluateToolCall(ctx, toInternalContext(cx), toInternalAction(action), workflowID)
	if err != nil {
		return Result{}, fmt.Errorf("agentgov: evaluate %s: %w", action.Tool, err)
	}
	return toResult(r), nil
}
