package risk

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ppiankov/agentgov/internal/errs"
	"github.com/ppiankov/agentgov/internal/model"
)

// UnknownToolLevel is the conservative base level for unregistered tools.
const UnknownToolLevel = model.RiskHigh

// ToolRiskEntry registers the base risk of one tool.
type ToolRiskEntry struct {
	ToolID      string          `json:"tool_id" yaml:"tool_id"`
	BaseLevel   model.RiskLevel `json:"base_level" yaml:"base_level"`
	Description string          `json:"description" yaml:"description"`
}

// Matrix maps tool identifiers to base risk levels.
// Readers see a consistent snapshot; Register publishes a new copy.
type Matrix struct {
	mu      sync.Mutex // serialises writers
	entries atomic.Pointer[map[string]ToolRiskEntry]
}

// NewMatrix creates a Matrix holding the given entries.
func NewMatrix(entries ...ToolRiskEntry) *Matrix {
	m := &Matrix{}
	snapshot := make(map[string]ToolRiskEntry, len(entries))
	for _, e := range entries {
		snapshot[normalizeTool(e.ToolID)] = e
	}
	m.entries.Store(&snapshot)
	return m
}

// DefaultMatrix returns the built-in tool classification.
func DefaultMatrix() *Matrix {
	return NewMatrix(
		ToolRiskEntry{ToolID: "read_file", BaseLevel: model.RiskNone, Description: "read a file from the workspace"},
		ToolRiskEntry{ToolID: "list_files", BaseLevel: model.RiskNone, Description: "list workspace files"},
		ToolRiskEntry{ToolID: "search_code", BaseLevel: model.RiskNone, Description: "search the code base"},
		ToolRiskEntry{ToolID: "fetch_ticket", BaseLevel: model.RiskLow, Description: "read a ticket from the tracker"},
		ToolRiskEntry{ToolID: "read_design", BaseLevel: model.RiskLow, Description: "read a design artifact"},
		ToolRiskEntry{ToolID: "run_tests", BaseLevel: model.RiskLow, Description: "run the test suite"},
		ToolRiskEntry{ToolID: "write_file", BaseLevel: model.RiskMedium, Description: "create or modify a file"},
		ToolRiskEntry{ToolID: "generate_code", BaseLevel: model.RiskMedium, Description: "write generated source code"},
		ToolRiskEntry{ToolID: "execute_command", BaseLevel: model.RiskMedium, Description: "run a shell command"},
		ToolRiskEntry{ToolID: "external_api_call", BaseLevel: model.RiskMedium, Description: "call a third-party API"},
		ToolRiskEntry{ToolID: "create_pull_request", BaseLevel: model.RiskMedium, Description: "open a pull request"},
		ToolRiskEntry{ToolID: "send_email", BaseLevel: model.RiskMedium, Description: "send an email"},
		ToolRiskEntry{ToolID: "merge_pull_request", BaseLevel: model.RiskHigh, Description: "merge a pull request"},
		ToolRiskEntry{ToolID: "deploy", BaseLevel: model.RiskHigh, Description: "deploy a build"},
		ToolRiskEntry{ToolID: "modify_permissions", BaseLevel: model.RiskHigh, Description: "change access control"},
		ToolRiskEntry{ToolID: "delete_database", BaseLevel: model.RiskHigh, Description: "drop a database"},
		ToolRiskEntry{ToolID: "rotate_credentials", BaseLevel: model.RiskHigh, Description: "rotate secrets"},
		ToolRiskEntry{ToolID: "transfer_funds", BaseLevel: model.RiskCritical, Description: "move money"},
		ToolRiskEntry{ToolID: "design-to-code", BaseLevel: model.RiskMedium, Description: "workflow: implement a design"},
		ToolRiskEntry{ToolID: "ticket-to-pr", BaseLevel: model.RiskMedium, Description: "workflow: turn a ticket into a pull request"},
	)
}

// Register adds or replaces a tool entry. In-flight lookups keep the
// snapshot they already loaded.
func (m *Matrix) Register(entry ToolRiskEntry) error { return m.RegisterWith(entry, nil) }

// RegisterWith is Register with commit run before the entry becomes
// visible. commit receives the entry being replaced, if any.
func (m *Matrix) RegisterWith(entry ToolRiskEntry, commit func(prev ToolRiskEntry, existed bool) error) error {
	if strings.TrimSpace(entry.ToolID) == "" {
		return errs.Validation("register tool", "tool_id must not be empty")
	}
	if !entry.BaseLevel.Valid() {
		return errs.Validation("register tool", "base_level must be one of NONE, LOW, MEDIUM, HIGH, CRITICAL")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current := *m.entries.Load()
	key := normalizeTool(entry.ToolID)
	if commit != nil {
		prev, existed := current[key]
		if err := commit(prev, existed); err != nil {
			return err
		}
	}
	next := make(map[string]ToolRiskEntry, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	next[key] = entry
	m.entries.Store(&next)
	return nil
}

// Lookup returns the entry for tool and whether it is registered.
func (m *Matrix) Lookup(tool string) (ToolRiskEntry, bool) {
	entry, ok := (*m.entries.Load())[normalizeTool(tool)]
	return entry, ok
}

// BaseLevel returns the registered level, or UnknownToolLevel.
func (m *Matrix) BaseLevel(tool string) model.RiskLevel {
	if entry, ok := m.Lookup(tool); ok {
		return entry.BaseLevel
	}
	return UnknownToolLevel
}

// Entries returns all registered tools sorted by id.
func (m *Matrix) Entries() []ToolRiskEntry {
	snapshot := *m.entries.Load()
	out := make([]ToolRiskEntry, 0, len(snapshot))
	for _, e := range snapshot {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ToolID < out[j].ToolID })
	return out
}

func normalizeTool(tool string) string {
	return strings.ToLower(strings.TrimSpace(tool))
}
