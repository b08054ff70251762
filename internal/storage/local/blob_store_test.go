// Package local_test tests the local filesystem blob store.
package local_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/webshot/internal/shot"
	"github.com/JakeFAU/webshot/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		tempDir := t.TempDir()
		store, err := local.New(local.Config{BaseDir: tempDir})
		require.NoError(t, err)
		assert.NotNil(t, store)
	})
	t.Run("CreatesMissingDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "a", "b")
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		assert.DirExists(t, dir)
	})
	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})
	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "testfile")
		require.NoError(t, os.WriteFile(file, nil, 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		assert.Error(t, err)
	})
	t.Run("BaseDirNotWritable", func(t *testing.T) {
		if os.Geteuid() == 0 {
			t.Skip("root ignores directory permissions")
		}
		tempDir := t.TempDir()
		// #nosec G302 -- directory permissions adjusted intentionally for test coverage.
		require.NoError(t, os.Chmod(tempDir, 0o500))
		t.Cleanup(func() {
			// #nosec G302 -- reverting permissions to allow cleanup in the test environment.
			_ = os.Chmod(tempDir, 0o700)
		})
		_, err := local.New(local.Config{BaseDir: tempDir})
		assert.Error(t, err)
	})
}

func TestPutGetExists(t *testing.T) {
	tempDir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: tempDir})
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("RoundTrip", func(t *testing.T) {
		key := "abc-800x450-800x450.webp"
		ok, err := store.Exists(ctx, key)
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, store.Put(ctx, key, "image/webp", []byte("hello world")))

		ok, err = store.Exists(ctx, key)
		require.NoError(t, err)
		assert.True(t, ok)

		rc, err := store.Get(ctx, key)
		require.NoError(t, err)
		defer rc.Close()
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		assert.Equal(t, []byte("hello world"), data)
	})

	t.Run("ExistingKeyIsKept", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, "once.png", "image/png", []byte("first")))
		require.NoError(t, store.Put(ctx, "once.png", "image/png", []byte("second")))
		// #nosec G304 -- test reads from the controlled temp directory.
		data, err := os.ReadFile(filepath.Join(tempDir, "once.png"))
		require.NoError(t, err)
		assert.Equal(t, []byte("first"), data)
	})

	t.Run("NestedPath", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, "a/b/c/object.jpg", "image/jpeg", []byte("nested")))
		assert.FileExists(t, filepath.Join(tempDir, "a", "b", "c", "object.jpg"))
	})

	t.Run("NoTempFilesLeft", func(t *testing.T) {
		matches, err := filepath.Glob(filepath.Join(tempDir, ".put-*"))
		require.NoError(t, err)
		assert.Empty(t, matches)
	})

	t.Run("MissingKeyIsNotFound", func(t *testing.T) {
		_, err := store.Get(ctx, "missing.webp")
		assert.ErrorIs(t, err, shot.ErrNotFound)
	})

	t.Run("EmptyKey", func(t *testing.T) {
		assert.Error(t, store.Put(ctx, "", "image/png", []byte("data")))
	})

	t.Run("Traversal", func(t *testing.T) {
		assert.Error(t, store.Put(ctx, "../escape.png", "image/png", []byte("data")))
		_, err := store.Exists(ctx, "../../etc/passwd")
		assert.Error(t, err)
	})
}

func TestSignURL(t *testing.T) {
	tempDir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: tempDir})
	require.NoError(t, err)

	u, err := store.SignURL(context.Background(), "x.webp", time.Minute)
	require.NoError(t, err)
	abs, err := filepath.Abs(filepath.Join(tempDir, "x.webp"))
	require.NoError(t, err)
	assert.Equal(t, "file://"+abs, u)
}
