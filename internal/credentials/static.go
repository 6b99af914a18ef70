// Package credentials resolves tenant credentials for request verification.
package credentials

import (
	"context"
	"fmt"

	"github.com/snapframe/snapframe/internal/snapshot"
)

// StaticSource serves credentials from an immutable in-memory table, built
// once from configuration at startup. Lookups return read-only copies.
type StaticSource struct {
	tenants map[string]snapshot.Credential
}

// NewStatic builds a source from the given credential set. Tenant names must
// be unique and secrets non-empty.
func NewStatic(creds []snapshot.Credential) (*StaticSource, error) {
	tenants := make(map[string]snapshot.Credential, len(creds))
	for _, c := range creds {
		if c.Tenant == "" {
			return nil, fmt.Errorf("credential with empty tenant")
		}
		if len(c.Secret) == 0 {
			return nil, fmt.Errorf("tenant %q has no secret", c.Tenant)
		}
		if _, dup := tenants[c.Tenant]; dup {
			return nil, fmt.Errorf("duplicate tenant %q", c.Tenant)
		}
		if c.KeyPrefix == "" {
			c.KeyPrefix = c.Tenant
		}
		tenants[c.Tenant] = c
	}
	return &StaticSource{tenants: tenants}, nil
}

// Lookup resolves the tenant's credential.
func (s *StaticSource) Lookup(_ context.Context, tenant string) (snapshot.Credential, error) {
	cred, ok := s.tenants[tenant]
	if !ok {
		return snapshot.Credential{}, fmt.Errorf("%w: %q", snapshot.ErrUnknownTenant, tenant)
	}
	return cred, nil
}
