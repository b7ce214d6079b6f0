// Package identity validates callers. Credential issuance lives outside
// this service; the core only needs an Authenticator that turns a bearer
// token into an authenticated principal descriptor.
package identity

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ppiankov/agentgov/internal/model"
)

// ErrUnauthenticated is returned for a missing or unknown token.
var ErrUnauthenticated = errors.New("identity: unauthenticated")

// Authenticator validates a bearer token.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (model.Principal, error)
}

// PrincipalConfig binds one token to the principal it authenticates.
type PrincipalConfig struct {
	Token  string `yaml:"token" json:"-"`
	Type   string `yaml:"type" json:"type"`
	UserID string `yaml:"user_id" json:"user_id"`
	Role   string `yaml:"role" json:"role"`
	Name   string `yaml:"name,omitempty" json:"name,omitempty"`
}

type entry struct {
	digest    [32]byte
	principal model.Principal
}

// Registry is a static Authenticator over configured tokens. Tokens are
// held as digests and compared in constant time.
type Registry struct {
	entries []entry
}

// NewRegistry builds a Registry. Every principal needs a token and a
// user id; tokens must be unique.
func NewRegistry(principals []PrincipalConfig) (*Registry, error) {
	r := &Registry{}
	seen := make(map[[32]byte]bool)
	for i, p := range principals {
		if p.Token == "" {
			return nil, fmt.Errorf("identity: principals[%d]: token is required", i)
		}
		if p.UserID == "" {
			return nil, fmt.Errorf("identity: principals[%d]: user_id is required", i)
		}
		d := sha256.Sum256([]byte(p.Token))
		if seen[d] {
			return nil, fmt.Errorf("identity: principals[%d]: duplicate token", i)
		}
		seen[d] = true

		typ := p.Type
		if typ == "" {
			typ = "user"
		}
		r.entries = append(r.entries, entry{
			digest:    d,
			principal: model.Principal{Type: typ, UserID: p.UserID, Role: p.Role, Name: p.Name},
		})
	}
	return r, nil
}

// Authenticate returns the principal bound to token.
func (r *Registry) Authenticate(_ context.Context, token string) (model.Principal, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return model.Principal{}, ErrUnauthenticated
	}
	d := sha256.Sum256([]byte(token))

	var found model.Principal
	matched := 0
	// Walk every entry so timing does not reveal the match position.
	for _, e := range r.entries {
		if subtle.ConstantTimeCompare(d[:], e.digest[:]) == 1 {
			found = e.principal
			matched = 1
		}
	}
	if matched == 0 {
		return model.Principal{}, ErrUnauthenticated
	}
	return found, nil
}

// Len returns the number of configured principals.
func (r *Registry) Len() int { return len(r.entries) }

// UserIDs returns the configured user ids, sorted.
func (r *Registry) UserIDs() []string {
	out := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.principal.UserID)
	}
	sort.Strings(out)
	return out
}

// AllowAll authenticates every request as a fixed principal. Used by the
// CLI and by local single-user deployments that configure no tokens.
type AllowAll struct {
	Principal model.Principal
}

func (a AllowAll) Authenticate(context.Context, string) (model.Principal, error) {
	return a.Principal, nil
}
