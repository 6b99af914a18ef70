package snapshot

import (
	"context"
)

// CredentialSource resolves tenant credentials. Implementations must return
// ErrUnknownTenant when the tenant has no record.
type CredentialSource interface {
	Lookup(ctx context.Context, tenant string) (Credential, error)
}

// BlobStore hands a finished artifact to the configured sink and returns its
// location. Exactly one write happens per successful render.
type BlobStore interface {
	Write(ctx context.Context, tenant string, key string, contentType string, data []byte) (string, error)
}

// Publisher pushes render-completed events to an external bus.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}
