package stream

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []any
}

func (r *recorder) Broadcast(v any) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, v)
	return 1
}

func (r *recorder) all() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.events...)
}

func writeFile(t *testing.T, path string, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func TestListFramesNewestFirst(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	writeFile(t, filepath.Join(dir, "00001.png"), base)
	writeFile(t, filepath.Join(dir, "00003.png"), base.Add(2*time.Second))
	writeFile(t, filepath.Join(dir, "00002.JPG"), base.Add(time.Second))
	writeFile(t, filepath.Join(dir, "notes.txt"), base.Add(time.Hour))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.png"), 0o700))

	frames, err := ListFrames(dir, 0)
	require.NoError(t, err)
	require.Len(t, frames, 3)
	assert.Equal(t, "00003.png", frames[0].File)
	assert.Equal(t, "00002.JPG", frames[1].File)
	assert.Equal(t, "00001.png", frames[2].File)

	frames, err = ListFrames(dir, 2)
	require.NoError(t, err)
	assert.Len(t, frames, 2)
}

func TestListFramesMissingDir(t *testing.T) {
	frames, err := ListFrames(filepath.Join(t.TempDir(), "nope"), 10)
	require.NoError(t, err)
	assert.Empty(t, frames)
}

func TestPollBroadcastsOnlyChanges(t *testing.T) {
	dir := t.TempDir()
	playlist := filepath.Join(dir, "stream.m3u8")
	frames := filepath.Join(dir, "frames")
	require.NoError(t, os.Mkdir(frames, 0o700))

	rec := &recorder{}
	p := NewPoller(Options{FramesDir: frames, Playlist: playlist, Hub: rec})

	p.Poll()
	assert.Empty(t, rec.all(), "nothing on disk yet")

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	writeFile(t, playlist, base)
	writeFile(t, filepath.Join(frames, "00001.png"), base)
	p.Poll()
	events := rec.all()
	require.Len(t, events, 2)
	assert.Equal(t, StreamEvent{Type: "stream", UpdatedAt: base}, events[0])
	assert.Equal(t, FrameEvent{Type: "frame", File: "00001.png", MTime: base}, events[1])

	p.Poll()
	assert.Len(t, rec.all(), 2, "unchanged files are not rebroadcast")

	writeFile(t, filepath.Join(frames, "00002.png"), base.Add(time.Second))
	p.Poll()
	events = rec.all()
	require.Len(t, events, 3)
	assert.Equal(t, "00002.png", events[2].(FrameEvent).File)

	latest, ok := p.Latest()
	require.True(t, ok)
	assert.Equal(t, "00002.png", latest.File)
}

func TestRunStopsOnCancel(t *testing.T) {
	rec := &recorder{}
	p := NewPoller(Options{FramesDir: t.TempDir(), Interval: 5 * time.Millisecond, Hub: rec})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
