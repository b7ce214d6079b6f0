package model

import "testing"

func TestMatchPattern(t *testing.T) {
	cases := []struct {
		pattern, value string
		want           bool
	}{
		{"", "anything", true},
		{"*", "anything", true},
		{"*salary*", "/data/HR/Salary_2025.csv", true},
		{"*_test.go", "internal/risk/engine_test.go", true},
		{"*_test.go", "internal/risk/engine.go", false},
		{"/etc/*", "/etc/passwd", true},
		{"/etc/*", "/var/etc/passwd", false},
		{"deploy", "DEPLOY", true},
		{"deploy", "deploy_prod", false},
	}
	for _, c := range cases {
		if got := MatchPattern(c.pattern, c.value); got != c.want {
			t.Errorf("MatchPattern(%q, %q) = %v, want %v", c.pattern, c.value, got, c.want)
		}
	}
}
