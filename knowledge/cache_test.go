package knowledge

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	marker atomic.Int64
}

func (f *fakeSource) Marker() (int64, error) { return f.marker.Load(), nil }

func TestVersionedCacheRefreshGating(t *testing.T) {
	src := &fakeSource{}
	var loads atomic.Int32
	c := NewVersionedCache[[]string](src, time.Second, func() ([]string, error) {
		loads.Add(1)
		return []string{"v"}, nil
	}, func(in []string) []string { return append([]string(nil), in...) })

	require.NoError(t, c.Load())
	assert.Equal(t, uint64(1), c.CurrentVersion())

	start := time.Now()

	// marker unchanged: no reload even after the interval
	assert.False(t, c.MaybeRefresh(start.Add(2*time.Second)))

	// marker advanced but interval not yet elapsed since the last check
	src.marker.Store(5)
	assert.False(t, c.MaybeRefresh(start.Add(2500*time.Millisecond)))

	// both conditions hold
	assert.True(t, c.MaybeRefresh(start.Add(4*time.Second)))
	assert.Equal(t, uint64(2), c.CurrentVersion())
	assert.Equal(t, int32(2), loads.Load())

	// same marker again: nothing to do
	assert.False(t, c.MaybeRefresh(start.Add(10*time.Second)))
}

func TestVersionedCacheReturnsCopies(t *testing.T) {
	c := NewVersionedCache[map[string]int](&fakeSource{}, time.Second, func() (map[string]int, error) {
		return map[string]int{"a": 1}, nil
	}, func(in map[string]int) map[string]int {
		out := make(map[string]int, len(in))
		for k, v := range in {
			out[k] = v
		}
		return out
	})
	require.NoError(t, c.Load())

	got := c.Get()
	got["a"] = 99
	got["b"] = 2

	assert.Equal(t, map[string]int{"a": 1}, c.Get())
}

func TestRegistryReloadsOnMtimeChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "KB_REGISTRY.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":"1","items":[{"kb_id":"kb_1","status":"active"}]}`), 0o644))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	reg := NewRegistry(path, WithReloadInterval(time.Minute))
	require.NoError(t, reg.Load())

	now := time.Now()
	reg.cache.SetClock(func() time.Time { return now })

	item, ok := reg.Item("kb_1")
	require.True(t, ok)
	assert.Equal(t, StatusActive, item.Status)

	require.NoError(t, os.WriteFile(path, []byte(`{"version":"2","items":[{"kb_id":"kb_1","status":"inactive"}]}`), 0o644))
	require.NoError(t, os.Chtimes(path, now, now))

	// the first Get after Load already consumed the check window
	item, _ = reg.Item("kb_1")
	assert.Equal(t, StatusActive, item.Status)

	now = now.Add(2 * time.Minute)
	item, _ = reg.Item("kb_1")
	assert.Equal(t, "inactive", item.Status)
	assert.Equal(t, "2", reg.Info().Version)
}

func TestRegistryLoadErrors(t *testing.T) {
	dir := t.TempDir()

	missing := NewRegistry(filepath.Join(dir, "absent.json"))
	require.NoError(t, missing.Load())
	info := missing.Info()
	require.NotNil(t, info.LoadError)
	assert.Equal(t, "registry_file_missing", info.LoadError.Reason)
	assert.Equal(t, "0", info.Version)
	assert.Zero(t, info.Count)

	assert.Error(t, NewRegistry(filepath.Join(dir, "absent.json"), WithFailFast(true)).Load())

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{broken`), 0o644))
	r := NewRegistry(bad)
	require.NoError(t, r.Load())
	assert.Equal(t, "registry_parse_failed", r.Info().LoadError.Reason)

	noItems := filepath.Join(dir, "noitems.yaml")
	require.NoError(t, os.WriteFile(noItems, []byte("version: \"3\"\n"), 0o644))
	r = NewRegistry(noItems)
	require.NoError(t, r.Load())
	assert.Equal(t, "registry_items_missing_or_not_array", r.Info().LoadError.Reason)
	assert.Equal(t, "3", r.Info().Version)
}
