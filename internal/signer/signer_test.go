package signer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapframe/snapframe/internal/credentials"
	"github.com/snapframe/snapframe/internal/snapshot"
)

func testSource(t *testing.T, creds ...snapshot.Credential) snapshot.CredentialSource {
	t.Helper()
	src, err := credentials.NewStatic(creds)
	require.NoError(t, err)
	return src
}

func baseCredential() snapshot.Credential {
	return snapshot.Credential{
		Tenant: "acme",
		Secret: []byte("super-secret"),
	}
}

func baseRequest(now time.Time) snapshot.Request {
	return snapshot.Request{
		URL:            "https://example.com/page",
		Tenant:         "acme",
		Expires:        now.Add(time.Minute).Unix(),
		Nonce:          "abc123",
		Format:         snapshot.FormatPNG,
		ViewportWidth:  1280,
		ViewportHeight: 720,
	}
}

func signRequest(v *Verifier, req snapshot.Request, secret []byte) snapshot.Request {
	req.Signature = v.Sign(req, secret)
	return req
}

func TestVerifyRoundTrip(t *testing.T) {
	now := time.Now()
	v := New(Config{})
	cred := baseCredential()
	src := testSource(t, cred)

	req := signRequest(v, baseRequest(now), cred.Secret)

	got, err := v.Verify(context.Background(), req, src, now)
	require.NoError(t, err)
	assert.Equal(t, "acme", got.Tenant)
}

func TestVerifyRejectsTamperedParams(t *testing.T) {
	now := time.Now()
	v := New(Config{})
	cred := baseCredential()
	src := testSource(t, cred)
	signed := signRequest(v, baseRequest(now), cred.Secret)

	mutations := map[string]func(r *snapshot.Request){
		"url":             func(r *snapshot.Request) { r.URL = "https://evil.example.com" },
		"nonce":           func(r *snapshot.Request) { r.Nonce = "zzz" },
		"format":          func(r *snapshot.Request) { r.Format = snapshot.FormatPDF },
		"viewport-width":  func(r *snapshot.Request) { r.ViewportWidth = 4096 },
		"viewport-height": func(r *snapshot.Request) { r.ViewportHeight = 4096 },
		"quality":         func(r *snapshot.Request) { r.Quality = 99 },
		"scale":           func(r *snapshot.Request) { r.Scale = 2 },
		"full-page":       func(r *snapshot.Request) { r.FullPage = true },
		"omit-background": func(r *snapshot.Request) { r.OmitBackground = true },
		"expires":         func(r *snapshot.Request) { r.Expires += 30 },
		"signature":       func(r *snapshot.Request) { r.Signature = "deadbeef" },
	}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			req := signed
			mutate(&req)
			_, err := v.Verify(context.Background(), req, src, now)
			assert.ErrorIs(t, err, snapshot.ErrInvalidSignature)
		})
	}
}

func TestVerifyExpired(t *testing.T) {
	now := time.Now()
	v := New(Config{})
	cred := baseCredential()
	src := testSource(t, cred)

	req := baseRequest(now)
	req.Expires = now.Add(-time.Second).Unix()
	req = signRequest(v, req, cred.Secret)

	_, err := v.Verify(context.Background(), req, src, now)
	assert.ErrorIs(t, err, snapshot.ErrExpired)
}

func TestVerifyExpiryTooFarOut(t *testing.T) {
	now := time.Now()
	v := New(Config{MaxValidity: time.Hour})
	cred := baseCredential()
	src := testSource(t, cred)

	req := baseRequest(now)
	req.Expires = now.Add(48 * time.Hour).Unix()
	req = signRequest(v, req, cred.Secret)

	_, err := v.Verify(context.Background(), req, src, now)
	assert.ErrorIs(t, err, snapshot.ErrExpired)
}

func TestVerifyUnknownTenant(t *testing.T) {
	now := time.Now()
	v := New(Config{})
	src := testSource(t, baseCredential())

	req := baseRequest(now)
	req.Tenant = "ghost"
	req.Signature = v.Sign(req, []byte("whatever"))

	_, err := v.Verify(context.Background(), req, src, now)
	assert.ErrorIs(t, err, snapshot.ErrUnknownTenant)
}

func TestVerifyScope(t *testing.T) {
	now := time.Now()
	v := New(Config{})
	cred := baseCredential()
	cred.AllowedHosts = []string{"example.com"}
	cred.AllowedSchemes = []string{"https"}
	cred.MaxViewportW = 1920
	cred.MaxViewportH = 1080
	src := testSource(t, cred)

	cases := []struct {
		name   string
		mutate func(r *snapshot.Request)
		ok     bool
	}{
		{"allowed host", func(r *snapshot.Request) {}, true},
		{"subdomain of allowed host", func(r *snapshot.Request) { r.URL = "https://www.example.com/" }, true},
		{"disallowed host", func(r *snapshot.Request) { r.URL = "https://evil.com/" }, false},
		{"suffix but not subdomain", func(r *snapshot.Request) { r.URL = "https://notexample.com/" }, false},
		{"disallowed scheme", func(r *snapshot.Request) { r.URL = "http://example.com/" }, false},
		{"viewport width over limit", func(r *snapshot.Request) { r.ViewportWidth = 2560 }, false},
		{"viewport height over limit", func(r *snapshot.Request) { r.ViewportHeight = 2000 }, false},
		{"unparseable url", func(r *snapshot.Request) { r.URL = "://bad" }, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := baseRequest(now)
			tc.mutate(&req)
			req = signRequest(v, req, cred.Secret)
			_, err := v.Verify(context.Background(), req, src, now)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, snapshot.ErrScopeViolation)
			}
		})
	}
}

func TestVerifyDefaultSchemes(t *testing.T) {
	now := time.Now()
	v := New(Config{})
	cred := baseCredential()
	src := testSource(t, cred)

	req := baseRequest(now)
	req.URL = "ftp://example.com/file"
	req = signRequest(v, req, cred.Secret)

	_, err := v.Verify(context.Background(), req, src, now)
	assert.ErrorIs(t, err, snapshot.ErrScopeViolation)
}

func TestSignEncodings(t *testing.T) {
	req := baseRequest(time.Now())
	secret := []byte("k")

	hexSig := New(Config{Encoding: EncodingHex}).Sign(req, secret)
	b64Sig := New(Config{Encoding: EncodingBase64URL}).Sign(req, secret)

	assert.NotEqual(t, hexSig, b64Sig)
	assert.Len(t, hexSig, 64)
	assert.NotContains(t, b64Sig, "=")
	assert.NotContains(t, b64Sig, "+")
	assert.NotContains(t, b64Sig, "/")
}

func TestCanonicalStringStable(t *testing.T) {
	req := baseRequest(time.Unix(1700000000, 0))
	req.Expires = 1700000060

	got := CanonicalString(req)
	want := "expires=1700000060\n" +
		"format=png\n" +
		"full-page=false\n" +
		"nonce=abc123\n" +
		"omit-background=false\n" +
		"quality=0\n" +
		"scale=0\n" +
		"tenant=acme\n" +
		"url=https://example.com/page\n" +
		"viewport-height=720\n" +
		"viewport-width=1280"
	assert.Equal(t, want, got)
}
