package shot_test

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/webshot/internal/hash/sha256"
	"github.com/JakeFAU/webshot/internal/shot"
)

func mustFingerprint(t *testing.T, p shot.RequestParams) shot.Fingerprint {
	t.Helper()
	req, err := shot.NewRequest(p)
	require.NoError(t, err)
	fp, err := shot.ComputeFingerprint(sha256.New(), req)
	require.NoError(t, err)
	return fp
}

func TestFingerprintKeyFormat(t *testing.T) {
	t.Parallel()

	fp := mustFingerprint(t, shot.RequestParams{URL: "https://example.com", Width: 800, Height: 450, Format: "webp"})
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{64}-800x450-800x450\.webp$`), fp.Key())
	assert.Equal(t, fp.String()+".webp", fp.Key())
}

func TestFingerprintDeterministic(t *testing.T) {
	t.Parallel()

	a := mustFingerprint(t, shot.RequestParams{URL: "https://example.com", Selectors: []string{".b", ".a"}})
	b := mustFingerprint(t, shot.RequestParams{URL: "https://example.com", Selectors: []string{".a", " .b", ".a"}})
	assert.Equal(t, a, b, "selector order and duplicates must not matter")

	// Defaults resolve before hashing, so explicit defaults match omitted ones.
	c := mustFingerprint(t, shot.RequestParams{URL: "https://example.com", Width: 800, Height: 450, ScaledWidth: 800, Format: "webp", Selectors: []string{".a", ".b"}})
	assert.Equal(t, a, c)
}

func TestFingerprintChangesPerField(t *testing.T) {
	t.Parallel()

	base := shot.RequestParams{URL: "https://example.com", Width: 1000, Height: 500, ScaledWidth: 500, ScaledHeight: 250, Selectors: []string{"#a"}, Format: "png"}
	baseKey := mustFingerprint(t, base).Key()

	mutations := map[string]func(p *shot.RequestParams){
		"url":           func(p *shot.RequestParams) { p.URL = "https://example.org" },
		"width":         func(p *shot.RequestParams) { p.Width = 1001 },
		"height":        func(p *shot.RequestParams) { p.Height = 501 },
		"scaled width":  func(p *shot.RequestParams) { p.ScaledWidth = 499 },
		"scaled height": func(p *shot.RequestParams) { p.ScaledHeight = 249 },
		"selectors":     func(p *shot.RequestParams) { p.Selectors = []string{"#b"} },
		"no selectors":  func(p *shot.RequestParams) { p.Selectors = nil },
		"format":        func(p *shot.RequestParams) { p.Format = "jpg" },
	}
	for name, mutate := range mutations {
		p := base
		p.Selectors = append([]string(nil), base.Selectors...)
		mutate(&p)
		fp := mustFingerprint(t, p)
		assert.NotEqual(t, baseKey, fp.Key(), name)
	}
}

func TestFingerprintSelectorBoundaries(t *testing.T) {
	t.Parallel()

	a := mustFingerprint(t, shot.RequestParams{URL: "https://example.com", Selectors: []string{"#a,#b"}})
	b := mustFingerprint(t, shot.RequestParams{URL: "https://example.com", Selectors: []string{"#a", "#b"}})
	assert.NotEqual(t, a.Digest, b.Digest)
}
