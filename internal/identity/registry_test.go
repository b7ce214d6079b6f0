package identity

import (
	"context"
	"errors"
	"testing"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry([]PrincipalConfig{
		{Token: "tok-alice", UserID: "alice", Role: "engineer", Name: "Alice"},
		{Token: "tok-ci", Type: "service", UserID: "ci-bot", Role: "service"},
	})
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestAuthenticateKnownToken(t *testing.T) {
	r := testRegistry(t)
	p, err := r.Authenticate(context.Background(), "tok-alice")
	if err != nil {
		t.Fatal(err)
	}
	if p.UserID != "alice" || p.Role != "engineer" || p.Type != "user" {
		t.Errorf("unexpected principal %+v", p)
	}

	p, err = r.Authenticate(context.Background(), "Bearer tok-ci")
	if err != nil {
		t.Fatal(err)
	}
	if p.Type != "service" || p.UserID != "ci-bot" {
		t.Errorf("unexpected principal %+v", p)
	}
}

func TestAuthenticateRejectsUnknown(t *testing.T) {
	r := testRegistry(t)
	for _, tok := range []string{"", "Bearer ", "tok-bob", "tok-alice "} {
		_, err := r.Authenticate(context.Background(), tok+"x")
		if !errors.Is(err, ErrUnauthenticated) {
			t.Errorf("token %q: expected ErrUnauthenticated, got %v", tok+"x", err)
		}
	}
	if _, err := r.Authenticate(context.Background(), ""); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("empty token: expected ErrUnauthenticated, got %v", err)
	}
}

func TestNewRegistryValidation(t *testing.T) {
	cases := map[string][]PrincipalConfig{
		"missing token":   {{UserID: "alice"}},
		"missing user":    {{Token: "t"}},
		"duplicate token": {{Token: "t", UserID: "a"}, {Token: "t", UserID: "b"}},
	}
	for name, ps := range cases {
		if _, err := NewRegistry(ps); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestUserIDsSorted(t *testing.T) {
	r := testRegistry(t)
	ids := r.UserIDs()
	if len(ids) != 2 || ids[0] != "alice" || ids[1] != "ci-bot" || r.Len() != 2 {
		t.Errorf("unexpected ids %v", ids)
	}
}

func TestPrincipalContext(t *testing.T) {
	r := testRegistry(t)
	p, _ := r.Authenticate(context.Background(), "tok-alice")
	ctx := NewContext(context.Background(), p)
	got, ok := FromContext(ctx)
	if !ok || got.UserID != "alice" {
		t.Errorf("expected alice from context, got %+v %v", got, ok)
	}
	if _, ok := FromContext(context.Background()); ok {
		t.Error("expected no principal in empty context")
	}
}
