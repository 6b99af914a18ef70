package snapshot

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFormat(t *testing.T) {
	cases := map[string]Format{
		"png":  FormatPNG,
		"PNG":  FormatPNG,
		"jpeg": FormatJPEG,
		"jpg":  FormatJPEG,
		"webp": FormatWebP,
		"pdf":  FormatPDF,
	}
	for in, want := range cases {
		got, err := ParseFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	_, err := ParseFormat("tiff")
	assert.Error(t, err)
}

func TestFormatContentType(t *testing.T) {
	assert.Equal(t, "image/png", FormatPNG.ContentType())
	assert.Equal(t, "image/jpeg", FormatJPEG.ContentType())
	assert.Equal(t, "image/webp", FormatWebP.ContentType())
	assert.Equal(t, "application/pdf", FormatPDF.ContentType())
}

func TestArtifactKeyDeterministic(t *testing.T) {
	req := Request{
		URL:            "https://example.com/page",
		ViewportWidth:  1280,
		ViewportHeight: 720,
		Format:         FormatPNG,
	}

	key1 := req.ArtifactKey()
	key2 := req.ArtifactKey()
	assert.Equal(t, key1, key2)
	assert.True(t, strings.HasSuffix(key1, ".png"))

	// Any parameter change moves the key.
	other := req
	other.ViewportWidth = 1920
	assert.NotEqual(t, key1, other.ArtifactKey())

	// The nonce is not part of the key: identical captures overwrite.
	withNonce := req
	withNonce.Nonce = "different"
	assert.Equal(t, key1, withNonce.ArtifactKey())
}

func TestCredentialAllowsHost(t *testing.T) {
	open := Credential{}
	assert.True(t, open.AllowsHost("anything.example"))

	scoped := Credential{AllowedHosts: []string{"example.com"}}
	assert.True(t, scoped.AllowsHost("example.com"))
	assert.True(t, scoped.AllowsHost("www.example.com"))
	assert.True(t, scoped.AllowsHost("WWW.EXAMPLE.COM"))
	assert.False(t, scoped.AllowsHost("evil.com"))
	assert.False(t, scoped.AllowsHost("notexample.com"))
}

func TestCredentialAllowsScheme(t *testing.T) {
	open := Credential{}
	assert.True(t, open.AllowsScheme("http"))
	assert.True(t, open.AllowsScheme("https"))
	assert.False(t, open.AllowsScheme("ftp"))

	scoped := Credential{AllowedSchemes: []string{"https"}}
	assert.True(t, scoped.AllowsScheme("https"))
	assert.False(t, scoped.AllowsScheme("http"))
}
