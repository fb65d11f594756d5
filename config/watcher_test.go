package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []FileEvent
}

func (r *eventRecorder) record(e FileEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *eventRecorder) last() FileEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func TestNewFileWatcher_Defaults(t *testing.T) {
	f := filepath.Join(t.TempDir(), "queenbee.yaml")
	require.NoError(t, os.WriteFile(f, []byte("log: {}"), 0o644))

	w, err := NewFileWatcher([]string{f, f})
	require.NoError(t, err)
	assert.Equal(t, []string{f}, w.Paths(), "duplicates collapse")
	assert.False(t, w.IsRunning())
	assert.Equal(t, 100*time.Millisecond, w.debounceDelay)

	w, err = NewFileWatcher([]string{f}, WithDebounceDelay(time.Second), WithDebounceDelay(0))
	require.NoError(t, err)
	assert.Equal(t, time.Second, w.debounceDelay)
}

func TestNewFileWatcher_MissingFileAllowed(t *testing.T) {
	w, err := NewFileWatcher([]string{filepath.Join(t.TempDir(), "later.yaml")})
	require.NoError(t, err)
	assert.Len(t, w.Paths(), 1)
}

func TestFileWatcher_DebouncesWrites(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	dir := t.TempDir()
	f := filepath.Join(dir, "queenbee.yaml")
	require.NoError(t, os.WriteFile(f, []byte("a: 1"), 0o644))

	w, err := NewFileWatcher([]string{f}, WithDebounceDelay(150*time.Millisecond))
	require.NoError(t, err)
	rec := &eventRecorder{}
	w.OnChange(rec.record)

	require.NoError(t, w.Start(context.Background()))
	assert.True(t, w.IsRunning())
	assert.Error(t, w.Start(context.Background()), "second start is rejected")

	// 同目录下其他文件不触发回调
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x"), 0o644))
	for i := range 5 {
		require.NoError(t, os.WriteFile(f, []byte{byte('a' + i)}, 0o644))
	}

	require.Eventually(t, func() bool { return rec.count() >= 1 }, 3*time.Second, 20*time.Millisecond)
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, rec.count(), "a burst of writes is one event")
	assert.Equal(t, f, rec.last().Path)

	require.NoError(t, w.Stop())
	assert.False(t, w.IsRunning())
	require.NoError(t, w.Stop())
}

func TestFileWatcher_DetectsCreation(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := filepath.Join(t.TempDir(), "queenbee.yaml")
	w, err := NewFileWatcher([]string{f}, WithDebounceDelay(50*time.Millisecond))
	require.NoError(t, err)
	rec := &eventRecorder{}
	w.OnChange(rec.record)
	require.NoError(t, w.Start(context.Background()))
	defer func() { _ = w.Stop() }()

	require.NoError(t, os.WriteFile(f, []byte("a: 1"), 0o644))
	require.Eventually(t, func() bool { return rec.count() >= 1 }, 3*time.Second, 20*time.Millisecond)
}

func TestFileWatcher_CallbackPanicContained(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := filepath.Join(t.TempDir(), "queenbee.yaml")
	require.NoError(t, os.WriteFile(f, []byte("a: 1"), 0o644))
	w, err := NewFileWatcher([]string{f}, WithDebounceDelay(50*time.Millisecond))
	require.NoError(t, err)

	rec := &eventRecorder{}
	w.OnChange(func(FileEvent) { panic("boom") })
	w.OnChange(rec.record)
	require.NoError(t, w.Start(context.Background()))
	defer func() { _ = w.Stop() }()

	require.NoError(t, os.WriteFile(f, []byte("a: 2"), 0o644))
	require.Eventually(t, func() bool { return rec.count() >= 1 }, 3*time.Second, 20*time.Millisecond)
	assert.True(t, w.IsRunning())
}

func TestFileOp_String(t *testing.T) {
	assert.Equal(t, "CREATE", FileOpCreate.String())
	assert.Equal(t, "WRITE", FileOpWrite.String())
	assert.Equal(t, "REMOVE", FileOpRemove.String())
	assert.Equal(t, "RENAME", FileOpRename.String())
	assert.Equal(t, "CHMOD", FileOpChmod.String())
	assert.Equal(t, "UNKNOWN", FileOp(99).String())
}
