package credentials

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapframe/snapframe/internal/snapshot"
)

func TestNewStaticValidation(t *testing.T) {
	cases := []struct {
		name  string
		creds []snapshot.Credential
	}{
		{"empty tenant", []snapshot.Credential{{Secret: []byte("s")}}},
		{"empty secret", []snapshot.Credential{{Tenant: "acme"}}},
		{"duplicate tenant", []snapshot.Credential{
			{Tenant: "acme", Secret: []byte("a")},
			{Tenant: "acme", Secret: []byte("b")},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewStatic(tc.creds)
			assert.Error(t, err)
		})
	}
}

func TestLookup(t *testing.T) {
	src, err := NewStatic([]snapshot.Credential{
		{Tenant: "acme", Secret: []byte("s")},
	})
	require.NoError(t, err)

	cred, err := src.Lookup(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, "acme", cred.Tenant)
	// Empty prefix defaults to the tenant name.
	assert.Equal(t, "acme", cred.KeyPrefix)

	_, err = src.Lookup(context.Background(), "ghost")
	assert.ErrorIs(t, err, snapshot.ErrUnknownTenant)
}
