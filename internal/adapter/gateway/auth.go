package gateway

import (
	"crypto/subtle"

	"agentgrid/internal/domain"
)

// ClientInfo holds metadata about an authenticated gateway client.
type ClientInfo struct {
	Name      string
	Roles     []domain.AuthRole
	SessionID string // set on upgrade
}

// Authenticator validates incoming gateway connections.
type Authenticator interface {
	Authenticate(token string) (*ClientInfo, error)
}

// TokenEntry is one accepted token.
type TokenEntry struct {
	Token string   `yaml:"token"`
	Name  string   `yaml:"name"`
	Roles []string `yaml:"roles"`
}

type authEntry struct {
	token []byte
	name  string
	roles []domain.AuthRole
}

// StaticTokenAuth authenticates clients against a fixed token list using
// constant-time comparison.
type StaticTokenAuth struct {
	entries []authEntry
}

// NewStaticTokenAuth builds an authenticator from entries. A token without
// valid roles is granted the subscriber role only.
func NewStaticTokenAuth(entries []TokenEntry) *StaticTokenAuth {
	a := &StaticTokenAuth{entries: make([]authEntry, len(entries))}
	for i, e := range entries {
		roles := domain.StringsToAuthRoles(e.Roles)
		if len(roles) == 0 {
			roles = []domain.AuthRole{domain.AuthRoleSubscriber}
		}
		a.entries[i] = authEntry{token: []byte(e.Token), name: e.Name, roles: roles}
	}
	return a
}

// Authenticate returns a fresh ClientInfo if the token is valid.
func (s *StaticTokenAuth) Authenticate(token string) (*ClientInfo, error) {
	tokenBytes := []byte(token)
	for _, e := range s.entries {
		if subtle.ConstantTimeCompare(tokenBytes, e.token) == 1 {
			return &ClientInfo{Name: e.name, Roles: e.roles}, nil
		}
	}
	return nil, domain.ErrGatewayAuthFailed
}
