// Package agentgov lets a Go agent consult a governance server before it
// acts. It wraps tool functions and HTTP handlers, sends every proposed
// action to the server for risk assessment and policy evaluation, and
// refuses to run anything the server denies or holds for approval.
//
// Usage:
//
//	gov, err := agentgov.New("localhost:9090",
//	    agentgov.WithToken(os.Getenv("AGENTGOV_TOKEN")),
//	    agentgov.WithContext(agentgov.Context{Environment: "staging", DataClassification: 2}))
//	guarded := gov.Wrap(myTool)
//	out, err := guarded(ctx, agentgov.Action{
//	    Tool:      "read_file",
//	    Resource:  "/srv/app/config.yaml",
//	    Operation: "read",
//	})
//
// Every evaluation is recorded in the server's audit log whether or not
// the action runs.
package agentgov
