package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeManifest(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestFileManifestProvider_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "extensions.yaml")
	writeManifest(t, path, sampleManifest)

	p, err := NewFileManifestProvider(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	assert.EqualValues(t, 3, p.Current().Generation)

	updates := p.Subscribe()
	initial := <-updates
	assert.EqualValues(t, 3, initial.Generation)

	writeManifest(t, path, strings.Replace(sampleManifest, "generation: 3", "generation: 4", 1))

	select {
	case m := <-updates:
		assert.EqualValues(t, 4, m.Generation)
	case <-time.After(5 * time.Second):
		t.Fatal("manifest update not delivered")
	}
	assert.EqualValues(t, 4, p.Current().Generation)
}

func TestFileManifestProvider_KeepsLastGoodRevision(t *testing.T) {
	path := filepath.Join(t.TempDir(), "extensions.yaml")
	writeManifest(t, path, sampleManifest)

	p, err := NewFileManifestProvider(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	writeManifest(t, path, "domains:\n  - id: \"\"\n")
	// Give the debounced reload time to run and fail.
	time.Sleep(4 * reloadDebounce)
	assert.EqualValues(t, 3, p.Current().Generation)
}

func TestFileManifestProvider_InitialLoadMustSucceed(t *testing.T) {
	_, err := NewFileManifestProvider(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	require.Error(t, err)
}
