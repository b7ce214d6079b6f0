// Package workflow sequences multi-stage agent operations. Every stage is
// risk-assessed and policy-gated before its handler runs, and every state
// change lands in the audit chain before the next stage starts.
package workflow

import (
	"time"

	"github.com/ppiankov/agentgov/internal/model"
	"github.com/ppiankov/agentgov/internal/risk"
)

// Status is the lifecycle state of a workflow.
type Status string

const (
	StatusPending          Status = "pending"
	StatusRunning          Status = "running"
	StatusAwaitingApproval Status = "awaiting-approval"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusCancelled        Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// StageStatus is the outcome of one stage.
type StageStatus string

const (
	StageSuccess StageStatus = "success"
	StageFailed  StageStatus = "failed"
	StageSkipped StageStatus = "skipped"
)

// StageResult records how a stage ended.
type StageResult struct {
	Status        StageStatus     `json:"status"`
	OutputDigest  string          `json:"output_digest,omitempty"`
	Error         string          `json:"error,omitempty"`
	Decision      model.Decision  `json:"decision,omitempty"`
	GoverningRule string          `json:"governing_rule,omitempty"`
	RiskLevel     model.RiskLevel `json:"risk_level"`
	AssessmentID  string          `json:"assessment_id,omitempty"`
	ApprovedBy    string          `json:"approved_by,omitempty"`
	TokensUsed    int             `json:"tokens_used,omitempty"`
	CompletedAt   time.Time       `json:"completed_at"`
}

// Workflow is one run of a definition.
type Workflow struct {
	ID             string                 `json:"id"`
	Type           string                 `json:"type"`
	Status         Status                 `json:"status"`
	Input          map[string]string      `json:"input,omitempty"`
	Context        risk.CARSContext       `json:"context"`
	StartedBy      string                 `json:"started_by"`
	RiskAssessment *risk.RiskAssessment   `json:"risk_assessment,omitempty"`
	StageResults   map[string]StageResult `json:"stage_results"`
	Artifacts      map[string]string      `json:"artifacts,omitempty"`
	// NextStage indexes the first stage that has not completed.
	NextStage int `json:"next_stage"`
	// PendingStage is the stage waiting for approval; PendingResult holds
	// the gate outcome that suspended it.
	PendingStage  string       `json:"pending_stage,omitempty"`
	PendingResult *StageResult `json:"pending_result,omitempty"`
	ApprovalSince *time.Time   `json:"approval_since,omitempty"`
	// ApprovedStage runs without a second gate after Resume.
	ApprovedStage  string    `json:"approved_stage,omitempty"`
	ApprovedBy     []string  `json:"approved_by,omitempty"`
	CancelledBy    string    `json:"cancelled_by,omitempty"`
	Error          string    `json:"error,omitempty"`
	TokensConsumed int       `json:"tokens_consumed"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (w Workflow) clone() Workflow {
	out := w
	out.Input = cloneMap(w.Input)
	out.Artifacts = cloneMap(w.Artifacts)
	out.StageResults = make(map[string]StageResult, len(w.StageResults))
	for k, v := range w.StageResults {
		out.StageResults[k] = v
	}
	out.ApprovedBy = append([]string(nil), w.ApprovedBy...)
	if w.ApprovalSince != nil {
		t := *w.ApprovalSince
		out.ApprovalSince = &t
	}
	if w.PendingResult != nil {
		r := *w.PendingResult
		out.PendingResult = &r
	}
	if w.RiskAssessment != nil {
		a := *w.RiskAssessment
		out.RiskAssessment = &a
	}
	return out
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// StartRequest asks the engine to run a workflow.
type StartRequest struct {
	Type    string            `json:"type"`
	Input   map[string]string `json:"input,omitempty"`
	Context risk.CARSContext  `json:"context"`
	Actor   model.Principal   `json:"actor"`
}

// ListFilter selects workflows. Zero fields match everything.
type ListFilter struct {
	Status Status `json:"status,omitempty"`
	Type   string `json:"type,omitempty"`
}

func (f ListFilter) matches(w Workflow) bool {
	return (f.Status == "" || w.Status == f.Status) && (f.Type == "" || w.Type == f.Type)
}
