// Package storage holds the pieces shared by the artifact sink backends
// (Google Cloud Storage, local filesystem, memory). The sink contract itself
// is snapshot.BlobStore.
package storage

import (
	"context"
	"fmt"
	"strings"
)

// ObjectPath joins the tenant prefix and artifact key into a clean object
// path shared by all providers.
func ObjectPath(tenant, key string) (string, error) {
	tenant = strings.Trim(tenant, "/")
	key = strings.Trim(key, "/")
	if tenant == "" || key == "" {
		return "", fmt.Errorf("tenant and key are required")
	}
	if strings.Contains(key, "..") || strings.Contains(tenant, "..") {
		return "", fmt.Errorf("path traversal detected")
	}
	return tenant + "/" + key, nil
}

// NoOpStore discards artifacts; useful for dry runs and benchmarks.
type NoOpStore struct{}

// Write drops the artifact and reports a null location.
func (NoOpStore) Write(_ context.Context, tenant, key, _ string, _ []byte) (string, error) {
	path, err := ObjectPath(tenant, key)
	if err != nil {
		return "", err
	}
	return "noop://" + path, nil
}
