package filewatcher

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWatcher(t *testing.T, dir string, patterns ...string) <-chan Change {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	w, err := New(
		WithLogger(logger),
		WithDirs(dir),
		WithPatterns(patterns...),
		WithDebounce(50*time.Millisecond),
	)
	require.NoError(t, err)

	changes := make(chan Change, 10)
	w.OnChange(func(c Change) { changes <- c })
	require.NoError(t, w.Start())
	t.Cleanup(func() { _ = w.Stop() })
	return changes
}

func expectChange(t *testing.T, changes <-chan Change) Change {
	t.Helper()
	select {
	case c := <-changes:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a change")
		return Change{}
	}
}

func expectQuiet(t *testing.T, changes <-chan Change) {
	t.Helper()
	select {
	case c := <-changes:
		t.Fatalf("unexpected change for %s", c.Path)
	case <-time.After(250 * time.Millisecond):
	}
}

func TestWatcherReportsMatchingFiles(t *testing.T) {
	dir := t.TempDir()
	changes := newWatcher(t, dir, "*.yaml")

	file := filepath.Join(dir, "auth.yaml")
	require.NoError(t, os.WriteFile(file, []byte("token: a"), 0o600))
	c := expectChange(t, changes)
	assert.Equal(t, file, c.Path)
	assert.False(t, c.Removed)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))
	expectQuiet(t, changes)

	require.NoError(t, os.Remove(file))
	c = expectChange(t, changes)
	assert.Equal(t, file, c.Path)
	assert.True(t, c.Removed)
}

func TestWatcherDebouncesBursts(t *testing.T) {
	dir := t.TempDir()
	changes := newWatcher(t, dir)

	file := filepath.Join(dir, "auth.yaml")
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(file, []byte{byte('a' + i)}, 0o600))
	}
	assert.Equal(t, file, expectChange(t, changes).Path)
	expectQuiet(t, changes)
}

func TestWatcherAtomicReplace(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "auth.yaml")
	require.NoError(t, os.WriteFile(file, []byte("old"), 0o600))
	changes := newWatcher(t, dir, "auth.yaml")

	tmp := filepath.Join(dir, ".auth.yaml.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("new"), 0o600))
	require.NoError(t, os.Rename(tmp, file))

	c := expectChange(t, changes)
	assert.Equal(t, file, c.Path)
	assert.False(t, c.Removed)
}

func TestWatcherStopTwice(t *testing.T) {
	w, err := New(WithDirs(t.TempDir()))
	require.NoError(t, err)
	require.NoError(t, w.Start())
	require.NoError(t, w.Stop())
	assert.NoError(t, w.Stop())
}
