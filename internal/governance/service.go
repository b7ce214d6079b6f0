// Package governance is the service facade over the risk, policy, audit,
// workflow and organization policy components. Transports (gRPC, REST,
// MCP, CLI) call it; it never talks to a transport itself.
//
// Every write operation takes the caller's principal and produces exactly
// one audit event per logical state change. Events are fanned out to the
// configured emitters only after they are durably appended.
package governance

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ppiankov/agentgov/internal/audit"
	"github.com/ppiankov/agentgov/internal/errs"
	"github.com/ppiankov/agentgov/internal/events"
	"github.com/ppiankov/agentgov/internal/model"
	"github.com/ppiankov/agentgov/internal/orgpolicy"
	"github.com/ppiankov/agentgov/internal/policy"
	"github.com/ppiankov/agentgov/internal/risk"
	"github.com/ppiankov/agentgov/internal/workflow"
)

// IntegrityNotifier is told about every failed chain verification.
type IntegrityNotifier interface {
	IntegrityFailure(res audit.VerifyResult, at time.Time)
}

// Config wires a Service. Nil fields get in-memory defaults.
type Config struct {
	Matrix          *risk.Matrix
	RiskOptions     []risk.Option
	Rules           *policy.RuleStore
	Org             *orgpolicy.Store
	Audit           *audit.Log
	Workflows       *workflow.Registry
	WorkflowOptions []workflow.Option
	Emitter         events.Emitter
	Integrity       IntegrityNotifier
	Clock           model.Clock
	Logger          zerolog.Logger
}

// Service implements the outbound governance operations.
type Service struct {
	risk      *risk.Engine
	rules     *policy.RuleStore
	policy    *policy.Engine
	org       *orgpolicy.Store
	audit     *audit.Log
	workflows *workflow.Engine
	recorder  *recorder
	integrity IntegrityNotifier
	clock     model.Clock
	logger    zerolog.Logger

	// mu orders rule, tool and org policy mutations with their audit events.
	mu sync.Mutex
}

// New builds a Service from cfg.
func New(cfg Config) *Service {
	if cfg.Matrix == nil {
		cfg.Matrix = risk.DefaultMatrix()
	}
	if cfg.Rules == nil {
		cfg.Rules = policy.NewRuleStore(policy.WithStoreClock(cfg.Clock))
	}
	if cfg.Org == nil {
		cfg.Org = orgpolicy.NewStore(orgpolicy.WithClock(cfg.Clock))
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.NewMemory(audit.WithClock(cfg.Clock), audit.WithLogger(cfg.Logger))
	}
	if cfg.Workflows == nil {
		cfg.Workflows = workflow.DefaultRegistry(nil)
	}
	if cfg.Emitter == nil {
		cfg.Emitter = events.Nop{}
	}

	riskOpts := append([]risk.Option{risk.WithClock(cfg.Clock), risk.WithLogger(cfg.Logger)}, cfg.RiskOptions...)
	rec := &recorder{log: cfg.Audit, emitter: cfg.Emitter, logger: cfg.Logger}
	riskEngine := risk.NewEngine(cfg.Matrix, riskOpts...)
	policyEngine := policy.NewEngine(cfg.Rules, cfg.Org)

	wfOpts := append([]workflow.Option{workflow.WithClock(cfg.Clock), workflow.WithLogger(cfg.Logger)}, cfg.WorkflowOptions...)

	return &Service{
		risk:      riskEngine,
		rules:     cfg.Rules,
		policy:    policyEngine,
		org:       cfg.Org,
		audit:     cfg.Audit,
		workflows: workflow.NewEngine(cfg.Workflows, riskEngine, policyEngine, rec, wfOpts...),
		recorder:  rec,
		integrity: cfg.Integrity,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
	}
}

// Close waits for background workflow runs and closes the audit backend.
func (s *Service) Close() error {
	s.workflows.Close()
	return s.audit.Close()
}

// Matrix returns the live tool risk matrix.
func (s *Service) Matrix() *risk.Matrix { return s.risk.Matrix() }

// recorder appends to the audit chain and, once an event is durable,
// hands it to the emitters. The workflow engine records through it too.
type recorder struct {
	log     *audit.Log
	emitter events.Emitter
	logger  zerolog.Logger
}

func (r *recorder) Append(ctx context.Context, rec audit.Record) (audit.Event, error) {
	ev, err := r.log.Append(ctx, rec)
	if err != nil {
		return audit.Event{}, err
	}
	r.emit(ctx, ev)
	return ev, nil
}

func (r *recorder) emit(ctx context.Context, ev audit.Event) {
	if err := r.emitter.Emit(ctx, events.FromAudit(ev)); err != nil {
		r.logger.Warn().Err(err).Uint64("sequence", ev.Sequence).Str("event_type", string(ev.EventType)).
			Msg("governance event emit failed")
	}
}

// staged appends the audit event of a state change from inside a store's
// commit hook; the change is published only after the event is durable.
// flush emits it once the store lock is released.
type staged struct {
	r  *recorder
	ev audit.Event
	ok bool
}

func (r *recorder) stage() *staged { return &staged{r: r} }

func (st *staged) append(ctx context.Context, rec audit.Record) error {
	ev, err := st.r.log.Append(ctx, rec)
	if err != nil {
		return err
	}
	st.ev, st.ok = ev, true
	return nil
}

func (st *staged) flush(ctx context.Context) {
	if st.ok {
		st.r.emit(ctx, st.ev)
	}
}

// SystemPrincipal is the actor of changes the process makes on its own,
// such as a rules file reload triggered by the file watcher.
var SystemPrincipal = model.Principal{Type: "service", UserID: "agentgov", Name: "agentgov"}

func requireCaller(op string, p model.Principal) error {
	if strings.TrimSpace(p.UserID) == "" {
		return errs.Validation(op, "caller identity is required")
	}
	return nil
}

func actorFor(p model.Principal) audit.Actor {
	typ := p.Type
	if typ == "" {
		typ = "user"
	}
	return audit.Actor{Type: typ, ID: p.UserID, Name: p.Name}
}
