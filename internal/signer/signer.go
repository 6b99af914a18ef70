// Package signer implements request signing and verification using a keyed
// MAC over a canonical parameter string.
package signer

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/snapframe/snapframe/internal/snapshot"
)

// Encoding selects the text encoding of the MAC on the wire.
type Encoding string

// Supported signature encodings.
const (
	EncodingHex       Encoding = "hex"
	EncodingBase64URL Encoding = "base64url"
)

// Config controls verification behavior.
type Config struct {
	// Encoding of the signature parameter. Defaults to hex.
	Encoding Encoding
	// MaxValidity bounds how far into the future an expiry may point; a
	// larger window is treated as clock abuse and rejected.
	MaxValidity time.Duration
}

// Verifier validates request authenticity and scope. It is a pure function of
// the request plus the resolved credential: no side effects on any outcome.
type Verifier struct {
	cfg Config
}

// New constructs a Verifier, applying defaults for zero config values.
func New(cfg Config) *Verifier {
	if cfg.Encoding == "" {
		cfg.Encoding = EncodingHex
	}
	if cfg.MaxValidity <= 0 {
		cfg.MaxValidity = 7 * 24 * time.Hour
	}
	return &Verifier{cfg: cfg}
}

// Verify checks expiry, signature, and tenant scope, in that order, and
// returns the resolved credential on success. The returned errors wrap the
// sentinel taxonomy in the snapshot package.
func (v *Verifier) Verify(ctx context.Context, req snapshot.Request, creds snapshot.CredentialSource, now time.Time) (snapshot.Credential, error) {
	expires := time.Unix(req.Expires, 0)
	if !expires.After(now) {
		return snapshot.Credential{}, fmt.Errorf("%w: expired at %d", snapshot.ErrExpired, req.Expires)
	}
	if expires.Sub(now) > v.cfg.MaxValidity {
		return snapshot.Credential{}, fmt.Errorf("%w: expiry too far in the future", snapshot.ErrExpired)
	}

	cred, err := creds.Lookup(ctx, req.Tenant)
	if err != nil {
		return snapshot.Credential{}, err
	}

	want := v.Sign(req, cred.Secret)
	if !hmac.Equal([]byte(want), []byte(req.Signature)) {
		return snapshot.Credential{}, snapshot.ErrInvalidSignature
	}

	if err := checkScope(req, cred); err != nil {
		return snapshot.Credential{}, err
	}
	return cred, nil
}

// Sign computes the encoded MAC for the request under the given secret.
// Exposed so clients and tests can produce compatible signatures.
func (v *Verifier) Sign(req snapshot.Request, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(CanonicalString(req)))
	sum := mac.Sum(nil)
	if v.cfg.Encoding == EncodingBase64URL {
		return base64.RawURLEncoding.EncodeToString(sum)
	}
	return hex.EncodeToString(sum)
}

// CanonicalString serializes every signed parameter as key=value lines sorted
// lexicographically by key. The signature parameter itself is excluded. All
// keys are always present; absent optional parameters contribute their
// formatted zero value, so client and server never disagree on the set.
func CanonicalString(req snapshot.Request) string {
	params := map[string]string{
		"expires":         strconv.FormatInt(req.Expires, 10),
		"format":          string(req.Format),
		"full-page":       strconv.FormatBool(req.FullPage),
		"nonce":           req.Nonce,
		"omit-background": strconv.FormatBool(req.OmitBackground),
		"quality":         strconv.Itoa(req.Quality),
		"scale":           strconv.FormatFloat(req.Scale, 'g', -1, 64),
		"tenant":          req.Tenant,
		"url":             req.URL,
		"viewport-height": strconv.Itoa(req.ViewportHeight),
		"viewport-width":  strconv.Itoa(req.ViewportWidth),
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	return b.String()
}

func checkScope(req snapshot.Request, cred snapshot.Credential) error {
	u, err := url.Parse(req.URL)
	if err != nil || u.Hostname() == "" {
		return fmt.Errorf("%w: unparseable url", snapshot.ErrScopeViolation)
	}
	if !cred.AllowsScheme(u.Scheme) {
		return fmt.Errorf("%w: scheme %q not allowed", snapshot.ErrScopeViolation, u.Scheme)
	}
	if !cred.AllowsHost(u.Hostname()) {
		return fmt.Errorf("%w: host %q not allowed", snapshot.ErrScopeViolation, u.Hostname())
	}
	if cred.MaxViewportW > 0 && req.ViewportWidth > cred.MaxViewportW {
		return fmt.Errorf("%w: viewport width %d exceeds %d", snapshot.ErrScopeViolation, req.ViewportWidth, cred.MaxViewportW)
	}
	if cred.MaxViewportH > 0 && req.ViewportHeight > cred.MaxViewportH {
		return fmt.Errorf("%w: viewport height %d exceeds %d", snapshot.ErrScopeViolation, req.ViewportHeight, cred.MaxViewportH)
	}
	return nil
}
