package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/webshot/internal/shot"
)

type fakeShooter struct{}

func (fakeShooter) Shoot(_ context.Context, req shot.Request) (*shot.Result, error) {
	if strings.Contains(req.URL(), "broken") {
		return nil, shot.ErrNavigation
	}
	key := strings.NewReplacer("https://", "", ".", "-").Replace(req.URL()) + "." + string(req.Format())
	return &shot.Result{
		Key:      key,
		CacheHit: strings.Contains(req.URL(), "cached"),
		Cached:   true,
		Locator: &shot.Locator{
			Key:         key,
			ContentType: req.Format().ContentType(),
			Body:        io.NopCloser(strings.NewReader(req.URL())),
		},
	}, nil
}

func TestRunCaptureWritesImages(t *testing.T) {
	t.Parallel()

	out := filepath.Join(t.TempDir(), "shots")
	rows, err := runCapture(context.Background(), fakeShooter{},
		[]string{"https://example.com", "https://broken.example", "ftp://nope", "https://cached.example"},
		captureOptions{outDir: out, format: "png", parallel: 2})
	require.NoError(t, err)
	require.Len(t, rows, 4)

	assert.NoError(t, rows[0].Err)
	assert.Equal(t, "miss", rows[0].Cache)
	assert.Equal(t, int64(len("https://example.com")), rows[0].Bytes)
	assert.ErrorIs(t, rows[1].Err, shot.ErrNavigation)
	assert.ErrorIs(t, rows[2].Err, shot.ErrInvalidURL)
	assert.Equal(t, "hit", rows[3].Cache)
	assert.Equal(t, 2, countFailures(rows))

	data, err := os.ReadFile(filepath.Join(out, "example-com.png"))
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", string(data))
	_, err = os.Stat(filepath.Join(out, "broken-example.png"))
	assert.True(t, os.IsNotExist(err))
}

func TestRenderCaptureTable(t *testing.T) {
	t.Parallel()

	rows := []captureRow{
		{URL: "https://example.com", Key: "abc.webp", Cache: "miss", Bytes: 1234},
		{URL: "https://broken.example", Err: errors.New("navigation failed")},
	}
	tsv := renderCaptureTable(rows, false)
	lines := strings.Split(strings.TrimSpace(tsv), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "URL\tKey\tCache"))
	assert.Contains(t, lines[1], "1234")
	assert.Contains(t, lines[2], "navigation failed")

	pretty := renderCaptureTable(rows, true)
	assert.Contains(t, pretty, "╭")
	assert.False(t, isTerminal(&bytes.Buffer{}))
}

func TestRootCommandErrors(t *testing.T) {
	t.Parallel()

	cmd := newRootCmd()
	cmd.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml"), "worker"})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")

	cmd = newRootCmd()
	cmd.SetArgs([]string{"capture"})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	require.Error(t, cmd.Execute(), "capture needs at least one url")
}
