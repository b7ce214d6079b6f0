package model

import (
	"encoding/json"
	"testing"
	"time"
)

func TestRiskLevelOrdering(t *testing.T) {
	order := []RiskLevel{RiskNone, RiskLow, RiskMedium, RiskHigh, RiskCritical}
	for i := 1; i < len(order); i++ {
		if order[i-1] >= order[i] {
			t.Fatalf("expected %s < %s", order[i-1], order[i])
		}
	}
}

func TestRiskLevelClamp(t *testing.T) {
	if got := RiskLevel(7).Clamp(); got != RiskCritical {
		t.Errorf("expected CRITICAL, got %s", got)
	}
	if got := RiskLevel(-3).Clamp(); got != RiskNone {
		t.Errorf("expected NONE, got %s", got)
	}
}

func TestParseRiskLevelCaseInsensitive(t *testing.T) {
	l, err := ParseRiskLevel("high")
	if err != nil {
		t.Fatal(err)
	}
	if l != RiskHigh {
		t.Errorf("expected HIGH, got %s", l)
	}
	if _, err := ParseRiskLevel("extreme"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestRiskLevelJSONRoundTripsAsName(t *testing.T) {
	data, err := json.Marshal(struct {
		Level RiskLevel `json:"level"`
	}{RiskCritical})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"level":"CRITICAL"}` {
		t.Fatalf("unexpected encoding %s", data)
	}

	var out struct {
		Level RiskLevel `json:"level"`
	}
	if err := json.Unmarshal([]byte(`{"level":"medium"}`), &out); err != nil {
		t.Fatal(err)
	}
	if out.Level != RiskMedium {
		t.Errorf("expected MEDIUM, got %s", out.Level)
	}
}

func TestAutonomyByLevel(t *testing.T) {
	cases := map[RiskLevel]Autonomy{
		RiskNone:     AutonomyUnattended,
		RiskLow:      AutonomyUnattended,
		RiskMedium:   AutonomySupervised,
		RiskHigh:     AutonomyApproval,
		RiskCritical: AutonomyApproval,
	}
	for level, want := range cases {
		if got := level.Autonomy(); got != want {
			t.Errorf("%s: expected %s, got %s", level, want, got)
		}
	}
}

func TestMaxLevel(t *testing.T) {
	if got := MaxLevel(RiskLow, RiskHigh, RiskMedium); got != RiskHigh {
		t.Errorf("expected HIGH, got %s", got)
	}
	if got := MaxLevel(); got != RiskNone {
		t.Errorf("expected NONE for empty input, got %s", got)
	}
}

func TestClockDefaultsToSystem(t *testing.T) {
	var c Clock
	if c.Now().IsZero() {
		t.Fatal("expected non-zero time from nil clock")
	}
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c = func() time.Time { return fixed }
	if !c.Now().Equal(fixed) {
		t.Errorf("expected fixed time, got %s", c.Now())
	}
}
