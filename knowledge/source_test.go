package knowledge

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSourceMissingFile(t *testing.T) {
	m, err := FileSource{Path: filepath.Join(t.TempDir(), "nope.json")}.Marker()
	require.NoError(t, err)
	assert.Zero(t, m)
}

func TestGlobSourceNewestFile(t *testing.T) {
	dir := t.TempDir()
	older := filepath.Join(dir, "a.kbmap.json")
	newer := filepath.Join(dir, "nested", "b.kbmap.yaml")
	require.NoError(t, os.MkdirAll(filepath.Dir(newer), 0o755))
	require.NoError(t, os.WriteFile(older, []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(newer, []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("x"), 0o644))

	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(older, past, past))

	src := GlobSource{Dir: dir, Pattern: "**/*.kbmap.{json,yaml}"}
	files, err := src.Files()
	require.NoError(t, err)
	assert.Len(t, files, 2)

	info, err := os.Stat(newer)
	require.NoError(t, err)
	m, err := src.Marker()
	require.NoError(t, err)
	assert.Equal(t, info.ModTime().UnixNano(), m)

	files, err = GlobSource{Dir: filepath.Join(dir, "missing"), Pattern: "*"}.Files()
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestWatchSourceAdvancesOnWrite(t *testing.T) {
	dir := t.TempDir()
	registry := filepath.Join(dir, "registry.json")
	require.NoError(t, os.WriteFile(registry, []byte("{}"), 0o644))
	mappings := filepath.Join(dir, "mappings")
	require.NoError(t, os.MkdirAll(mappings, 0o755))

	w, err := NewWatchSource([]string{registry, mappings}, nil)
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	m0, err := w.Marker()
	require.NoError(t, err)

	// unrelated sibling file is filtered out
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.json"), []byte("{}"), 0o644))

	require.NoError(t, os.WriteFile(registry, []byte(`{"items":[]}`), 0o644))
	require.Eventually(t, func() bool {
		m, _ := w.Marker()
		return m > m0
	}, 2*time.Second, 10*time.Millisecond)

	m1, _ := w.Marker()
	require.NoError(t, os.WriteFile(filepath.Join(mappings, "exam.kbmap.json"), []byte("{}"), 0o644))
	require.Eventually(t, func() bool {
		m, _ := w.Marker()
		return m > m1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
