package agentgov

// Option configures a Client at creation time.
type Option func(*clientConfig)

type clientConfig struct {
	token      string
	context    Context
	workflowID string
}

// WithToken sets the bearer token the server authenticates the agent by.
func WithToken(token string) Option {
	return func(c *clientConfig) { c.token = token }
}

// WithContext sets the default context for every evaluation.
func WithContext(ctx Context) Option {
	return func(c *clientConfig) { c.context = ctx }
}

// WithWorkflow ties every evaluation to a running workflow.
func WithWorkflow(id string) Option {
	return func(c *clientConfig) { c.workflowID = id }
}

// WrapOption configures a single Wrap call.
type WrapOption func(*wrapConfig)

type wrapConfig struct {
	context    Context
	workflowID string
}

// WrapWithContext overrides the client-level context for this wrap.
func WrapWithContext(ctx Context) WrapOption {
	return func(w *wrapConfig) { w.context = ctx }
}

// WrapWithWorkflow overrides the client-level workflow for this wrap.
func WrapWithWorkflow(id string) WrapOption {
	return func(w *wrapConfig) { w.workflowID = id }
}
