// Package snapshot defines core types shared across subsystems.
package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Format identifies the artifact type produced by a render.
type Format string

// Output formats accepted on the wire.
const (
	FormatPNG  Format = "png"
	FormatJPEG Format = "jpeg"
	FormatWebP Format = "webp"
	FormatPDF  Format = "pdf"
)

// ParseFormat maps a wire value to a Format.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(s)) {
	case FormatPNG:
		return FormatPNG, nil
	case FormatJPEG, "jpg":
		return FormatJPEG, nil
	case FormatWebP:
		return FormatWebP, nil
	case FormatPDF:
		return FormatPDF, nil
	default:
		return "", fmt.Errorf("unknown format %q", s)
	}
}

// ContentType returns the MIME type served for the format.
func (f Format) ContentType() string {
	switch f {
	case FormatJPEG:
		return "image/jpeg"
	case FormatWebP:
		return "image/webp"
	case FormatPDF:
		return "application/pdf"
	default:
		return "image/png"
	}
}

// Ext returns the artifact filename extension.
func (f Format) Ext() string {
	if f == FormatJPEG {
		return "jpg"
	}
	return string(f)
}

// Request is one inbound snapshot request. Immutable once built; the
// transport fills every field before handing it to the pipeline.
type Request struct {
	// URL is the page to render.
	URL string
	// Tenant is the namespace whose credential signed the request.
	Tenant string
	// Expires is the unix timestamp after which the signature is void.
	Expires int64
	// Nonce makes otherwise-identical requests sign differently.
	Nonce string
	// Signature is the encoded MAC supplied by the client.
	Signature string

	ViewportWidth  int
	ViewportHeight int
	Format         Format

	// Optional capture knobs; zero values fall back to tenant defaults.
	Quality        int
	Scale          float64
	FullPage       bool
	OmitBackground bool

	// ClientAddr is the remote address the transport observed, used as the
	// identity admission key. Not part of the signed parameter set.
	ClientAddr string
}

// Host returns the lowercased hostname of the target URL, or "" when the URL
// does not parse.
func (r Request) Host() string {
	u, err := url.Parse(r.URL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// ArtifactKey derives the deterministic storage key for the request:
// host digest / parameter digest, suffixed with the format extension.
// Repeating an identical request overwrites the same object.
func (r Request) ArtifactKey() string {
	hostSum := sha256.Sum256([]byte(r.Host()))
	paramSum := sha256.Sum256([]byte(fmt.Sprintf(
		"%s|%dx%d|%s|%d|%g|%t|%t",
		r.URL, r.ViewportWidth, r.ViewportHeight, r.Format,
		r.Quality, r.Scale, r.FullPage, r.OmitBackground,
	)))
	return fmt.Sprintf("%s/%s.%s",
		hex.EncodeToString(hostSum[:8]),
		hex.EncodeToString(paramSum[:16]),
		r.Format.Ext(),
	)
}

// Credential is the read-only per-tenant record resolved during verification.
type Credential struct {
	Tenant string
	Secret []byte

	// Scope restrictions; empty slices allow everything for that dimension.
	AllowedHosts   []string
	AllowedSchemes []string
	MaxViewportW   int
	MaxViewportH   int

	// Admission configuration for the tenant bucket.
	RatePerSec float64
	Burst      int

	// Capture defaults applied when the request leaves a knob at zero; zero
	// values here fall through to the service-wide defaults.
	DefaultViewportW int
	DefaultViewportH int
	DefaultQuality   int
	DefaultScale     float64

	// KeyPrefix namespaces the tenant's artifacts in the storage sink.
	KeyPrefix string
}

// AllowsHost reports whether the host is within the credential's scope.
// Entries match exactly or as a parent-domain suffix.
func (c Credential) AllowsHost(host string) bool {
	if len(c.AllowedHosts) == 0 {
		return true
	}
	host = strings.ToLower(host)
	for _, allowed := range c.AllowedHosts {
		allowed = strings.ToLower(allowed)
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

// AllowsScheme reports whether the URL scheme is within scope.
func (c Credential) AllowsScheme(scheme string) bool {
	if len(c.AllowedSchemes) == 0 {
		return scheme == "http" || scheme == "https"
	}
	for _, allowed := range c.AllowedSchemes {
		if strings.EqualFold(scheme, allowed) {
			return true
		}
	}
	return false
}

// Result is the outcome of a successful render.
type Result struct {
	Data        []byte
	ContentType string
	Location    string
	Key         string
	Duration    time.Duration
	Attempts    int
}

// Event is published after a successful render and storage write.
type Event struct {
	Tenant   string        `json:"tenant"`
	Key      string        `json:"key"`
	Location string        `json:"location"`
	Format   Format        `json:"format"`
	Bytes    int           `json:"bytes"`
	Duration time.Duration `json:"duration"`
	At       time.Time     `json:"at"`
}
