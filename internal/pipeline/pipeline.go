// Package pipeline orchestrates the end-to-end snapshot request flow:
// signature verification, admission control, pooled rendering, and the
// storage handoff.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/snapframe/snapframe/internal/admission"
	"github.com/snapframe/snapframe/internal/browser"
	"github.com/snapframe/snapframe/internal/metrics"
	"github.com/snapframe/snapframe/internal/signer"
	"github.com/snapframe/snapframe/internal/snapshot"
)

// Config tunes per-request behavior.
type Config struct {
	// AcquireTimeout bounds the wait for a pooled handle.
	AcquireTimeout time.Duration
	// RenderTimeout bounds one navigate+capture attempt, independent of the
	// acquire wait.
	RenderTimeout time.Duration
	// PublishTimeout bounds the best-effort completion event publish.
	PublishTimeout time.Duration

	// Capture defaults applied when the request leaves a knob at zero.
	DefaultViewportW int
	DefaultViewportH int
	DefaultQuality   int
	DefaultScale     float64
}

func (c *Config) applyDefaults() {
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 10 * time.Second
	}
	if c.RenderTimeout <= 0 {
		c.RenderTimeout = 30 * time.Second
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
	if c.DefaultViewportW <= 0 {
		c.DefaultViewportW = 1920
	}
	if c.DefaultViewportH <= 0 {
		c.DefaultViewportH = 1080
	}
	if c.DefaultQuality <= 0 {
		c.DefaultQuality = 80
	}
	if c.DefaultScale <= 0 {
		c.DefaultScale = 1
	}
}

// Pipeline composes the verifier, the two admission buckets, the browser
// pool, and the storage sink into one request handler. All state is owned and
// injected at construction, so tests run against fresh, isolated instances.
type Pipeline struct {
	verifier *signer.Verifier
	identity *admission.Controller
	tenants  *admission.Controller
	pool     *browser.Pool
	store    snapshot.BlobStore
	creds    snapshot.CredentialSource
	events   snapshot.Publisher
	logger   *zap.Logger
	cfg      Config
}

// New constructs a Pipeline. The events publisher may be nil.
func New(
	verifier *signer.Verifier,
	identity *admission.Controller,
	tenants *admission.Controller,
	pool *browser.Pool,
	store snapshot.BlobStore,
	creds snapshot.CredentialSource,
	events snapshot.Publisher,
	cfg Config,
	logger *zap.Logger,
) *Pipeline {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		verifier: verifier,
		identity: identity,
		tenants:  tenants,
		pool:     pool,
		store:    store,
		creds:    creds,
		events:   events,
		logger:   logger,
		cfg:      cfg,
	}
}

// Handle runs the full pipeline for one request. Each stage short-circuits:
// verification and admission failures consume no pool or storage resources,
// render failures are retried exactly once on a fresh handle, and the storage
// write happens only after a successful capture.
func (p *Pipeline) Handle(ctx context.Context, req snapshot.Request) (snapshot.Result, error) {
	start := time.Now()

	cred, err := p.verifier.Verify(ctx, req, p.creds, time.Now())
	if err != nil {
		metrics.ObserveRejection(rejectionReason(err))
		return snapshot.Result{}, err
	}

	if d := p.identity.Admit(identityKey(req), 1); !d.Allowed {
		metrics.ObserveThrottle("identity")
		return snapshot.Result{}, &snapshot.ThrottledError{Scope: "identity", RetryAfter: d.RetryAfter}
	}
	if d := p.tenants.AdmitRate(tenantKey(req), cred.RatePerSec, cred.Burst, 1); !d.Allowed {
		metrics.ObserveThrottle("tenant")
		return snapshot.Result{}, &snapshot.ThrottledError{Scope: "tenant", RetryAfter: d.RetryAfter}
	}

	opts := p.captureOptions(req, cred)
	data, attempts, err := p.renderWithRetry(ctx, req, opts)
	if err != nil {
		metrics.ObserveRender(req.Tenant, string(req.Format), "error", time.Since(start))
		return snapshot.Result{}, err
	}

	key := req.ArtifactKey()
	contentType := req.Format.ContentType()
	location, err := p.store.Write(ctx, cred.KeyPrefix, key, contentType, data)
	metrics.ObserveStorageWrite(err == nil)
	if err != nil {
		metrics.ObserveRender(req.Tenant, string(req.Format), "storage_error", time.Since(start))
		return snapshot.Result{}, fmt.Errorf("%w: %v", snapshot.ErrStorageWrite, err)
	}

	duration := time.Since(start)
	metrics.ObserveRender(req.Tenant, string(req.Format), "success", duration)
	p.publish(snapshot.Event{
		Tenant:   req.Tenant,
		Key:      key,
		Location: location,
		Format:   req.Format,
		Bytes:    len(data),
		Duration: duration,
		At:       time.Now(),
	})

	return snapshot.Result{
		Data:        data,
		ContentType: contentType,
		Location:    location,
		Key:         key,
		Duration:    duration,
		Attempts:    attempts,
	}, nil
}

// Healthy reports whether the render backend is in a usable state; the
// transport surfaces this through its readiness probe.
func (p *Pipeline) Healthy() bool {
	return !p.pool.Degraded()
}

// renderWithRetry attempts the render, and on a render-stage failure retries
// exactly once against a freshly acquired handle. Acquisition failures and
// caller cancellation are surfaced immediately.
func (p *Pipeline) renderWithRetry(ctx context.Context, req snapshot.Request, opts browser.CaptureOptions) ([]byte, int, error) {
	data, err := p.renderOnce(ctx, req, opts)
	if err == nil {
		return data, 1, nil
	}
	if !retryable(err) || ctx.Err() != nil {
		return nil, 1, err
	}
	p.logger.Warn("render attempt failed, retrying on fresh handle",
		zap.String("url", req.URL), zap.Error(err))
	data, err = p.renderOnce(ctx, req, opts)
	if err != nil {
		return nil, 2, err
	}
	return data, 2, nil
}

// renderOnce acquires a handle, drives navigation and capture under the
// render deadline, and releases the handle exactly once on every path.
func (p *Pipeline) renderOnce(ctx context.Context, req snapshot.Request, opts browser.CaptureOptions) (_ []byte, err error) {
	acqCtx, cancelAcq := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	defer cancelAcq()

	waitStart := time.Now()
	handle, err := p.pool.Acquire(acqCtx)
	metrics.ObserveAcquireWait(time.Since(waitStart))
	if err != nil {
		return nil, err
	}

	healthy := false
	defer func() {
		p.pool.Release(handle, healthy)
	}()

	renderCtx, cancelRender := context.WithTimeout(ctx, p.cfg.RenderTimeout)
	defer cancelRender()

	if navErr := handle.Navigate(renderCtx, req.URL); navErr != nil {
		return nil, renderError(ctx, renderCtx, navErr, snapshot.ErrNavigationFailed)
	}
	data, capErr := handle.Capture(renderCtx, opts)
	if capErr != nil {
		return nil, renderError(ctx, renderCtx, capErr, snapshot.ErrCaptureFailed)
	}

	healthy = true
	return data, nil
}

// captureOptions fills request zero values from the tenant's defaults, then
// from the service-wide defaults.
func (p *Pipeline) captureOptions(req snapshot.Request, cred snapshot.Credential) browser.CaptureOptions {
	opts := browser.CaptureOptions{
		Format:         req.Format,
		Width:          firstPositive(req.ViewportWidth, cred.DefaultViewportW, p.cfg.DefaultViewportW),
		Height:         firstPositive(req.ViewportHeight, cred.DefaultViewportH, p.cfg.DefaultViewportH),
		Quality:        firstPositive(req.Quality, cred.DefaultQuality, p.cfg.DefaultQuality),
		FullPage:       req.FullPage,
		OmitBackground: req.OmitBackground,
	}
	opts.Scale = req.Scale
	if opts.Scale <= 0 {
		opts.Scale = cred.DefaultScale
	}
	if opts.Scale <= 0 {
		opts.Scale = p.cfg.DefaultScale
	}
	return opts
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}

func (p *Pipeline) publish(event snapshot.Event) {
	if p.events == nil {
		return
	}
	// Completion events are supplementary; a publish failure never fails the
	// request that already wrote its artifact.
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.PublishTimeout)
	defer cancel()
	if err := p.events.Publish(ctx, event); err != nil {
		p.logger.Warn("completion event publish failed",
			zap.String("tenant", event.Tenant), zap.String("key", event.Key), zap.Error(err))
	}
}

// renderError maps a failed tab operation to the error taxonomy: caller
// cancellation passes through, a lapsed render deadline becomes
// ErrRenderTimeout, anything else keeps its stage classification.
func renderError(parent, renderCtx context.Context, cause, kind error) error {
	if parent.Err() != nil {
		return fmt.Errorf("render canceled: %w", parent.Err())
	}
	if errors.Is(renderCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", snapshot.ErrRenderTimeout, cause)
	}
	return fmt.Errorf("%w: %v", kind, cause)
}

func retryable(err error) bool {
	return errors.Is(err, snapshot.ErrRenderTimeout) ||
		errors.Is(err, snapshot.ErrNavigationFailed) ||
		errors.Is(err, snapshot.ErrCaptureFailed)
}

func identityKey(req snapshot.Request) string {
	if req.ClientAddr == "" {
		return "ip:unknown"
	}
	return "ip:" + req.ClientAddr
}

func tenantKey(req snapshot.Request) string {
	return "tenant:" + req.Tenant
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, snapshot.ErrExpired):
		return "expired"
	case errors.Is(err, snapshot.ErrUnknownTenant):
		return "unknown_tenant"
	case errors.Is(err, snapshot.ErrScopeViolation):
		return "scope"
	default:
		return "signature"
	}
}
