// agentgov: governance engine for autonomous agent actions.
// Risk scoring, policy rules, governed workflows and a hash-chained audit log.
package main

import "github.com/ppiankov/agentgov/internal/cli"

func main() {
	cli.Execute()
}
