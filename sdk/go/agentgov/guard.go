package agentgov

import "context"

// ToolFunc is the function signature that Wrap guards.
type ToolFunc func(ctx context.Context, action Action) (any, error)

// Wrap returns a ToolFunc that asks the server before calling fn. A denied
// or approval-gated action returns a *BlockedError without calling fn. If
// the server cannot be reached the action does not run.
func (c *Client) Wrap(fn ToolFunc, opts ...WrapOption) ToolFunc {
	wcfg := wrapConfig{context: c.cfg.context, workflowID: c.cfg.workflowID}
	for _, o := range opts {
		o(&wcfg)
	}

	return func(ctx context.Context, action Action) (any, error) {
		result, err := c.check(ctx, action, wcfg.context, wcfg.workflowID)
		if err != nil {
			return nil, err
		}
		if !result.Allowed() {
			return nil, blocked(action, result)
		}
		return fn(ctx, action)
	}
}
