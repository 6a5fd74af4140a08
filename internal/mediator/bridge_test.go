package mediator_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Conceptual-Machines/defora-relay/internal/mediator"
	"github.com/Conceptual-Machines/defora-relay/internal/mediator/mediatortest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testFlags = []string{"should_use_deforumation_cfg", "should_use_deforumation_strength"}

type stateLog struct {
	mu     sync.Mutex
	states []mediator.State
}

func (l *stateLog) record(s mediator.State) {
	l.mu.Lock()
	l.states = append(l.states, s)
	l.mu.Unlock()
}

func (l *stateLog) statuses() []mediator.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]mediator.Status, 0, len(l.states))
	for _, s := range l.states {
		out = append(out, s.Status)
	}
	return out
}

func newTestBridge(t *testing.T, srv *mediatortest.Server, opts mediator.Options) *mediator.Bridge {
	t.Helper()
	opts.URL = srv.URL()
	if opts.RetryDelay == 0 {
		opts.RetryDelay = 20 * time.Millisecond
	}
	if opts.Timeout == 0 {
		opts.Timeout = time.Second
	}
	if opts.Flags == nil {
		opts.Flags = testFlags
	}
	b := mediator.New(opts)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func waitConnected(t *testing.T, b *mediator.Bridge, want bool) {
	t.Helper()
	require.Eventually(t, func() bool { return b.State().Connected == want }, 3*time.Second, 5*time.Millisecond)
}

func TestBridgeWritesAfterHandshake(t *testing.T) {
	srv := mediatortest.NewServer(nil)
	defer srv.Close()

	b := newTestBridge(t, srv, mediator.Options{})
	waitConnected(t, b, true)

	require.NoError(t, b.Write(context.Background(), "cfg", 7.5))

	frames := srv.Frames()
	require.Len(t, frames, 3)
	assert.Equal(t, mediator.Frame{Op: mediator.OpWrite, Key: testFlags[0], Value: 1}, frames[0])
	assert.Equal(t, mediator.Frame{Op: mediator.OpWrite, Key: testFlags[1], Value: 1}, frames[1])
	assert.Equal(t, mediator.Frame{Op: mediator.OpWrite, Key: "cfg", Value: 7.5}, frames[2])

	v, ok := srv.Value("cfg")
	require.True(t, ok)
	assert.Equal(t, 7.5, v)
}

func TestBridgeReconnectReplaysHandshakeBeforePendingWrites(t *testing.T) {
	srv := mediatortest.NewServer(nil)
	defer srv.Close()

	log := &stateLog{}
	b := newTestBridge(t, srv, mediator.Options{OnState: log.record})
	waitConnected(t, b, true)
	require.NoError(t, b.Write(context.Background(), "cfg", 5.0))

	srv.Down()
	waitConnected(t, b, false)
	srv.ResetFrames()

	keys := []string{"translation_x", "translation_y", "translation_z", "rotation_y", "fov"}
	for i, key := range keys {
		require.NoError(t, b.Write(context.Background(), key, float64(i+1)))
	}
	assert.Equal(t, len(keys), b.State().Pending)
	assert.Empty(t, srv.Frames())

	srv.Up()
	require.Eventually(t, func() bool { return len(srv.Frames()) >= len(testFlags)+len(keys) }, 3*time.Second, 5*time.Millisecond)

	frames := srv.Frames()
	for i, flag := range testFlags {
		assert.Equal(t, flag, frames[i].Key)
		assert.Equal(t, 1, frames[i].Value)
	}
	for i, key := range keys {
		f := frames[len(testFlags)+i]
		assert.Equal(t, key, f.Key)
		assert.Equal(t, float64(i+1), f.Value)
	}

	waitConnected(t, b, true)
	require.Eventually(t, func() bool { return b.State().Pending == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, b.Write(context.Background(), "cfg", 8.0))
	v, _ := srv.Value("cfg")
	assert.Equal(t, 8.0, v)

	assert.Contains(t, log.statuses(), mediator.Disconnected)
	assert.Equal(t, mediator.Connected, log.statuses()[len(log.statuses())-1])
}

func TestBridgeCoalescesPendingWrites(t *testing.T) {
	srv := mediatortest.NewServer(nil)
	defer srv.Close()
	srv.Down()

	b := newTestBridge(t, srv, mediator.Options{QueueSize: 2})

	ctx := context.Background()
	require.NoError(t, b.Write(ctx, "cfg", 1.0))
	require.NoError(t, b.Write(ctx, "strength", 0.2))
	require.NoError(t, b.Write(ctx, "cfg", 2.0))
	assert.ErrorIs(t, b.Write(ctx, "fov", 90.0), mediator.ErrQueueFull)
	assert.Equal(t, 2, b.State().Pending)

	srv.Up()
	require.Eventually(t, func() bool { return len(srv.Frames()) >= len(testFlags)+2 }, 3*time.Second, 5*time.Millisecond)

	frames := srv.Frames()[len(testFlags):]
	assert.Equal(t, "cfg", frames[0].Key)
	assert.Equal(t, 2.0, frames[0].Value)
	assert.Equal(t, "strength", frames[1].Key)
	_, ok := srv.Value("fov")
	assert.False(t, ok)
}

func TestBridgeReadWhileDisconnectedFails(t *testing.T) {
	srv := mediatortest.NewServer(nil)
	defer srv.Close()
	srv.Down()

	b := newTestBridge(t, srv, mediator.Options{})
	_, err := b.Read(context.Background(), []string{"cfg"})
	assert.ErrorIs(t, err, mediator.ErrTransportUnavailable)
	assert.False(t, b.State().Connected)
}

func TestBridgeRead(t *testing.T) {
	srv := mediatortest.NewServer(map[string]any{"cfg": 7.5, "seed": 42})
	defer srv.Close()

	b := newTestBridge(t, srv, mediator.Options{})
	waitConnected(t, b, true)

	got, err := b.Read(context.Background(), []string{"cfg", "seed", "missing"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"cfg": 7.5, "seed": 42, "missing": 0}, got)
}

func TestBridgeProtocolErrorReconnects(t *testing.T) {
	srv := mediatortest.NewServer(nil)
	defer srv.Close()

	b := newTestBridge(t, srv, mediator.Options{})
	waitConnected(t, b, true)

	srv.GarbleNext(1)
	err := b.Write(context.Background(), "cfg", 3.0)
	var perr *mediator.ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "cfg", perr.Key)

	require.NoError(t, b.Write(context.Background(), "cfg", 4.0))
	require.Eventually(t, func() bool {
		v, _ := srv.Value("cfg")
		return v == 4.0
	}, 3*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, len(srv.Frames()), 2*len(testFlags)+2)
}

func TestBridgeDropsRejectedPendingWrite(t *testing.T) {
	srv := mediatortest.NewServer(nil)
	defer srv.Close()
	srv.Down()
	srv.Reject("cfg")

	log := &stateLog{}
	b := newTestBridge(t, srv, mediator.Options{OnState: log.record})
	ctx := context.Background()
	require.NoError(t, b.Write(ctx, "cfg", 1.0))
	require.NoError(t, b.Write(ctx, "strength", 0.4))
	require.NoError(t, b.Write(ctx, "fov", 90.0))

	srv.Up()
	require.Eventually(t, func() bool {
		_, ok := srv.Value("fov")
		return ok
	}, 3*time.Second, 5*time.Millisecond)

	v, _ := srv.Value("strength")
	assert.Equal(t, 0.4, v)
	_, ok := srv.Value("cfg")
	assert.False(t, ok)
	require.Eventually(t, func() bool { return b.State().Pending == 0 }, time.Second, 5*time.Millisecond)

	// rejection does not cost the connection
	connects := 0
	for _, s := range log.statuses() {
		if s == mediator.Connected {
			connects++
		}
	}
	assert.Equal(t, 1, connects)

	err := b.Write(ctx, "cfg", 2.0)
	assert.ErrorIs(t, err, mediator.ErrRejected)
	assert.True(t, b.State().Connected)
	require.NoError(t, b.Write(ctx, "strength", 0.6))
	v, _ = srv.Value("strength")
	assert.Equal(t, 0.6, v)
}

func TestBridgeCloseCancelsRetries(t *testing.T) {
	srv := mediatortest.NewServer(nil)
	defer srv.Close()
	srv.Down()

	b := mediator.New(mediator.Options{URL: srv.URL(), RetryDelay: time.Hour, Timeout: time.Second})
	require.NoError(t, b.Write(context.Background(), "cfg", 1.0))

	done := make(chan struct{})
	go func() {
		_ = b.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on retry delay")
	}

	assert.ErrorIs(t, b.Write(context.Background(), "cfg", 2.0), mediator.ErrClosed)
	assert.Equal(t, mediator.Disconnected, b.State().Status)
	assert.Zero(t, b.State().Pending)
	assert.NoError(t, b.Close())
}

func TestBridgeRejectsUnencodableValue(t *testing.T) {
	srv := mediatortest.NewServer(nil)
	defer srv.Close()

	b := newTestBridge(t, srv, mediator.Options{})
	assert.Error(t, b.Write(context.Background(), "cfg", map[string]int{"a": 1}))
}
