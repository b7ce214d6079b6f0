package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/ppiankov/agentgov/internal/alert"
	"github.com/ppiankov/agentgov/internal/audit"
	"github.com/ppiankov/agentgov/internal/config"
	"github.com/ppiankov/agentgov/internal/events"
	"github.com/ppiankov/agentgov/internal/governance"
	"github.com/ppiankov/agentgov/internal/identity"
	"github.com/ppiankov/agentgov/internal/model"
	"github.com/ppiankov/agentgov/internal/orgpolicy"
	"github.com/ppiankov/agentgov/internal/policy"
	"github.com/ppiankov/agentgov/internal/risk"
	"github.com/ppiankov/agentgov/internal/workflow"
)

// runtime is a fully wired governance service plus the resources that
// must be released with it.
type runtime struct {
	svc     *governance.Service
	auth    identity.Authenticator
	alerts  *alert.Dispatcher
	closers []func() error
}

func (r *runtime) Close() error {
	var errList []error
	if err := r.svc.Close(); err != nil {
		errList = append(errList, err)
	}
	r.alerts.Wait()
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

// buildOptions selects how much of the configured storage a command uses.
// Dry runs keep the audit chain and workflows in memory so they never
// touch the ledger a running server owns.
type buildOptions struct {
	dryRun bool
}

// openAudit opens the configured audit backend and recovers the chain tip.
func openAudit(ctx context.Context, c config.Config, log zerolog.Logger) (*audit.Log, error) {
	var backend audit.Backend
	switch c.Audit.Backend {
	case config.BackendMemory:
		backend = audit.NewMemoryBackend()
	case config.BackendFile:
		if err := os.MkdirAll(filepath.Dir(c.Audit.Path), 0755); err != nil {
			return nil, fmt.Errorf("create audit directory: %w", err)
		}
		fb, err := audit.OpenFile(c.Audit.Path)
		if err != nil {
			return nil, err
		}
		backend = fb
	case config.BackendSQLite:
		if err := os.MkdirAll(filepath.Dir(c.Audit.Path), 0755); err != nil {
			return nil, fmt.Errorf("create audit directory: %w", err)
		}
		sb, err := audit.OpenSQLite(c.Audit.Path)
		if err != nil {
			return nil, err
		}
		backend = sb
	case config.BackendPostgres:
		sb, err := audit.OpenPostgres(c.Audit.DSN)
		if err != nil {
			return nil, err
		}
		backend = sb
	default:
		return nil, fmt.Errorf("unknown audit backend %q", c.Audit.Backend)
	}

	l, err := audit.New(ctx, backend,
		audit.WithHMACKey(c.HMACKey()),
		audit.WithLogger(log),
	)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return l, nil
}

// buildRuntime wires every component from c.
func buildRuntime(ctx context.Context, c config.Config, log zerolog.Logger, opts buildOptions) (*runtime, error) {
	rt := &runtime{alerts: alert.NewDispatcher(c.Alerts, log)}
	fail := func(err error) (*runtime, error) {
		for i := len(rt.closers) - 1; i >= 0; i-- {
			_ = rt.closers[i]()
		}
		return nil, err
	}

	matrix := risk.DefaultMatrix()
	for _, t := range c.Tools {
		level, err := model.ParseRiskLevel(t.BaseLevel)
		if err != nil {
			return fail(fmt.Errorf("tool %q: %w", t.ID, err))
		}
		if err := matrix.Register(risk.ToolRiskEntry{ToolID: t.ID, BaseLevel: level, Description: t.Description}); err != nil {
			return fail(fmt.Errorf("tool %q: %w", t.ID, err))
		}
	}

	var auditLog *audit.Log
	if opts.dryRun {
		auditLog = audit.NewMemory(audit.WithHMACKey(c.HMACKey()), audit.WithLogger(log))
	} else {
		l, err := openAudit(ctx, c, log)
		if err != nil {
			return fail(err)
		}
		auditLog = l
	}

	org := orgpolicy.NewStore()
	if c.OrgPolicy.Dir != "" {
		s, err := orgpolicy.Open(c.OrgPolicy.Dir)
		if err != nil {
			_ = auditLog.Close()
			return fail(err)
		}
		org = s
	}

	wfOpts := []workflow.Option{workflow.WithApprovalExpiry(c.Workflow.ApprovalExpiry)}
	if !opts.dryRun && c.Workflow.StoreDir != "" {
		store, err := workflow.NewFileStore(c.Workflow.StoreDir)
		if err != nil {
			_ = auditLog.Close()
			return fail(err)
		}
		wfOpts = append(wfOpts, workflow.WithStore(store))
	}

	var emitters []events.Emitter
	if c.Events.Log {
		emitters = append(emitters, events.NewLogEmitter(log))
	}
	if !opts.dryRun && c.Events.PubSub.Enabled() {
		ps, err := events.NewPubSubEmitter(ctx, c.Events.PubSub.ProjectID, c.Events.PubSub.TopicID)
		if err != nil {
			_ = auditLog.Close()
			return fail(err)
		}
		emitters = append(emitters, ps)
		rt.closers = append(rt.closers, ps.Close)
	}
	if rt.alerts != nil {
		emitters = append(emitters, rt.alerts)
	}

	gcfg := governance.Config{
		Matrix:          matrix,
		Org:             org,
		Audit:           auditLog,
		WorkflowOptions: wfOpts,
		Emitter:         events.NewMultiEmitter(emitters...),
		Logger:          log,
	}
	if rt.alerts != nil {
		gcfg.Integrity = rt.alerts
	}
	rt.svc = governance.New(gcfg)

	// A chain that is already broken must not be extended.
	if !opts.dryRun {
		if _, err := rt.svc.VerifyAuditIntegrity(ctx); err != nil {
			_ = rt.svc.Close()
			return fail(fmt.Errorf("audit verification: %w", err))
		}
	}

	if err := loadRules(ctx, rt.svc, c.Policy.RulesPath); err != nil {
		_ = rt.svc.Close()
		return fail(err)
	}

	if len(c.Identity.Principals) > 0 {
		reg, err := identity.NewRegistry(c.Identity.Principals)
		if err != nil {
			_ = rt.svc.Close()
			return fail(err)
		}
		rt.auth = reg
	} else {
		log.Warn().Msg("no principals configured, every caller is treated as the local operator")
		rt.auth = identity.AllowAll{Principal: localPrincipal()}
	}
	return rt, nil
}

// loadRules installs the rules file, or the built-in rules when it does
// not exist yet.
func loadRules(ctx context.Context, svc *governance.Service, path string) error {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return svc.ReloadRulesFile(ctx, governance.SystemPrincipal, path)
		}
	}
	rules, err := policy.ParseRules([]byte(policy.DefaultRulesYAML()))
	if err != nil {
		return fmt.Errorf("built-in rules: %w", err)
	}
	return svc.ReloadRules(ctx, governance.SystemPrincipal, rules, "builtin", "")
}

// localPrincipal identifies the operator running the CLI.
func localPrincipal() model.Principal {
	user := os.Getenv("USER")
	if user == "" {
		user = "operator"
	}
	return model.Principal{Type: "user", UserID: user, Role: "admin", Name: user}
}
