package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/snapframe/snapframe/internal/admission"
	"github.com/snapframe/snapframe/internal/browser"
	"github.com/snapframe/snapframe/internal/credentials"
	"github.com/snapframe/snapframe/internal/pipeline"
	"github.com/snapframe/snapframe/internal/signer"
	"github.com/snapframe/snapframe/internal/snapshot"
	storemem "github.com/snapframe/snapframe/internal/storage/memory"
)

type stubTab struct{}

func (stubTab) Navigate(context.Context, string) error { return nil }
func (stubTab) Capture(context.Context, browser.CaptureOptions) ([]byte, error) {
	return []byte("fake-png"), nil
}
func (stubTab) Probe(context.Context) error { return nil }
func (stubTab) Reset(context.Context) error { return nil }
func (stubTab) Close() error                { return nil }

type stubBackend struct{}

func (stubBackend) NewTab(context.Context) (browser.Tab, error) { return stubTab{}, nil }
func (stubBackend) Close() error                                { return nil }

type serverFixture struct {
	server   *Server
	pipe     *pipeline.Pipeline
	verifier *signer.Verifier
	secret   []byte
}

func newServerFixture(t *testing.T, tenantRPS float64, tenantBurst int) *serverFixture {
	t.Helper()

	secret := []byte("test-secret")
	creds, err := credentials.NewStatic([]snapshot.Credential{{
		Tenant:     "acme",
		Secret:     secret,
		RatePerSec: tenantRPS,
		Burst:      tenantBurst,
	}})
	require.NoError(t, err)

	pool := browser.NewPool(stubBackend{}, browser.Config{Target: 2}, nil)
	pool.Start()
	t.Cleanup(pool.Close)

	verifier := signer.New(signer.Config{})
	pipe := pipeline.New(
		verifier,
		admission.New(admission.Config{DefaultRPS: 1000, DefaultBurst: 1000}),
		admission.New(admission.Config{}),
		pool,
		storemem.NewBlobStore(),
		creds,
		nil,
		pipeline.Config{AcquireTimeout: 2 * time.Second, RenderTimeout: 2 * time.Second},
		nil,
	)

	return &serverFixture{
		server:   NewServer(pipe, Config{RequestTimeout: 10 * time.Second}, nil),
		pipe:     pipe,
		verifier: verifier,
		secret:   secret,
	}
}

func (f *serverFixture) signedQuery(mutate func(*snapshot.Request)) string {
	req := snapshot.Request{
		URL:     "https://example.com/",
		Tenant:  "acme",
		Expires: time.Now().Add(time.Minute).Unix(),
		Nonce:   "n1",
		Format:  snapshot.FormatPNG,
	}
	if mutate != nil {
		mutate(&req)
	}
	req.Signature = f.verifier.Sign(req, f.secret)

	q := url.Values{}
	q.Set("url", req.URL)
	q.Set("tenant", req.Tenant)
	q.Set("expires", strconv.FormatInt(req.Expires, 10))
	q.Set("nonce", req.Nonce)
	q.Set("signature", req.Signature)
	if req.Format != "" && req.Format != snapshot.FormatPNG {
		q.Set("format", string(req.Format))
	}
	if req.ViewportWidth > 0 {
		q.Set("viewport-width", strconv.Itoa(req.ViewportWidth))
	}
	if req.ViewportHeight > 0 {
		q.Set("viewport-height", strconv.Itoa(req.ViewportHeight))
	}
	return q.Encode()
}

func (f *serverFixture) get(t *testing.T, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.RemoteAddr = "10.1.2.3:50000"
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestSnapshotSuccess(t *testing.T) {
	f := newServerFixture(t, 100, 100)
	rec := f.get(t, "/v1/snapshot?"+f.signedQuery(nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, []byte("fake-png"), rec.Body.Bytes())
	assert.NotEmpty(t, rec.Header().Get("X-Snapshot-Location"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestSnapshotMissingParams(t *testing.T) {
	f := newServerFixture(t, 100, 100)

	cases := []string{
		"/v1/snapshot",
		"/v1/snapshot?url=https://example.com",
		"/v1/snapshot?url=https://example.com&tenant=acme",
		"/v1/snapshot?url=https://example.com&tenant=acme&signature=x",
		"/v1/snapshot?url=https://example.com&tenant=acme&signature=x&expires=notanumber",
	}
	for _, target := range cases {
		t.Run(target, func(t *testing.T) {
			rec := f.get(t, target)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestSnapshotBadSignature(t *testing.T) {
	f := newServerFixture(t, 100, 100)
	q := f.signedQuery(nil)
	rec := f.get(t, "/v1/snapshot?"+q+"&quality=90")

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSnapshotExpired(t *testing.T) {
	f := newServerFixture(t, 100, 100)
	q := f.signedQuery(func(r *snapshot.Request) {
		r.Expires = time.Now().Add(-time.Minute).Unix()
	})
	rec := f.get(t, "/v1/snapshot?"+q)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSnapshotUnknownFormat(t *testing.T) {
	f := newServerFixture(t, 100, 100)
	rec := f.get(t, "/v1/snapshot?url=https://example.com&tenant=acme&signature=x&expires=9999999999&format=tiff")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSnapshotThrottledCarriesRetryAfter(t *testing.T) {
	f := newServerFixture(t, 1, 1)

	rec := f.get(t, "/v1/snapshot?"+f.signedQuery(func(r *snapshot.Request) { r.Nonce = "a" }))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.get(t, "/v1/snapshot?"+f.signedQuery(func(r *snapshot.Request) { r.Nonce = "b" }))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	retryAfter, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, retryAfter, 1)
}

func TestHealthz(t *testing.T) {
	f := newServerFixture(t, 100, 100)
	rec := f.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyz(t *testing.T) {
	f := newServerFixture(t, 100, 100)
	rec := f.get(t, "/readyz")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDLogged(t *testing.T) {
	f := newServerFixture(t, 100, 100)
	core, logs := observer.New(zap.InfoLevel)
	srv := NewServer(f.pipe, Config{RequestTimeout: 10 * time.Second}, zap.New(core))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "fixed-id")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	entries := logs.FilterMessage("request completed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "fixed-id", entries[0].ContextMap()["request_id"])
}

func TestRequestIDPropagated(t *testing.T) {
	f := newServerFixture(t, 100, 100)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "fixed-id")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "fixed-id", rec.Header().Get("X-Request-ID"))
}

func TestParseRequestClientAddr(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet,
		fmt.Sprintf("/v1/snapshot?url=https://example.com&tenant=acme&signature=x&expires=%d",
			time.Now().Add(time.Minute).Unix()), nil)
	req.RemoteAddr = "192.0.2.7:61234"

	parsed, err := parseRequest(req)
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.7", parsed.ClientAddr)
	assert.Equal(t, snapshot.FormatPNG, parsed.Format)
}
