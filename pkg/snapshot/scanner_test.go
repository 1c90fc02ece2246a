package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func populate(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	}
	return root
}

func TestScanHashesFiles(t *testing.T) {
	root := populate(t, map[string]string{
		"a.bak":          "alpha",
		"nested/b.bak":   "beta",
		"nested/c/d.bak": "alpha",
	})

	res, err := NewScanner(5*time.Second, 0).Scan(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, res.Files, 3)
	require.Contains(t, res.Files, "nested/b.bak")
	require.Equal(t, res.Files["a.bak"], res.Files["nested/c/d.bak"])
	require.NotEqual(t, res.Files["a.bak"], res.Files["nested/b.bak"])
	require.Len(t, res.Files["a.bak"], 64)
	require.Empty(t, res.Errors)
}

func TestScanDetectsChanges(t *testing.T) {
	root := populate(t, map[string]string{"a.bak": "alpha"})
	scanner := NewScanner(5*time.Second, 0)

	first, err := scanner.Scan(context.Background(), root)
	require.NoError(t, err)
	second, err := scanner.Scan(context.Background(), root)
	require.NoError(t, err)
	require.False(t, Changed(first.Files, second.Files))

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.bak"), []byte("alpha2"), 0o600))
	third, err := scanner.Scan(context.Background(), root)
	require.NoError(t, err)
	require.True(t, Changed(second.Files, third.Files))
	require.True(t, Changed(nil, third.Files))
}

func TestScanLimitsFileCount(t *testing.T) {
	root := populate(t, map[string]string{"a": "1", "b": "2", "c": "3"})

	_, err := NewScanner(5*time.Second, 2).Scan(context.Background(), root)
	require.ErrorIs(t, err, ErrTooManyFiles)
}

func TestScanMissingRoot(t *testing.T) {
	_, err := NewScanner(time.Second, 0).Scan(context.Background(), filepath.Join(t.TempDir(), "absent"))
	require.Error(t, err)
}

func TestScanHonoursCancellation(t *testing.T) {
	root := populate(t, map[string]string{"a": "1"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewScanner(time.Second, 0).Scan(ctx, root)
	require.ErrorIs(t, err, context.Canceled)
}
