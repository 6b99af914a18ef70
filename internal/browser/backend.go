// Package browser manages a bounded pool of reusable headless-browser tabs.
package browser

import (
	"context"

	"github.com/snapframe/snapframe/internal/snapshot"
)

// CaptureOptions parameterize one capture inside an already-navigated tab.
type CaptureOptions struct {
	Format snapshot.Format
	Width  int
	Height int
	// Scale is the device scale factor applied with the viewport override.
	Scale float64
	// Quality applies to jpeg and webp only.
	Quality        int
	FullPage       bool
	OmitBackground bool
}

// Tab is one reusable render execution context. All operations honor the
// deadline on the passed context; implementations must not outlive it.
type Tab interface {
	// Navigate loads the URL and waits for the document body.
	Navigate(ctx context.Context, url string) error
	// Capture produces the artifact bytes for the current page.
	Capture(ctx context.Context, opts CaptureOptions) ([]byte, error)
	// Probe is a lightweight liveness check.
	Probe(ctx context.Context) error
	// Reset returns the tab to a blank page between uses.
	Reset(ctx context.Context) error
	// Close tears the tab down. Idempotent.
	Close() error
}

// Backend creates tabs. Owned exclusively by the Pool.
type Backend interface {
	NewTab(ctx context.Context) (Tab, error)
	Close() error
}
