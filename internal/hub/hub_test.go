package hub

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"
)

type recorder struct {
	mu     sync.Mutex
	frames []string
	peers  []*Peer
	seen   chan struct{}
}

func newRecorder() *recorder {
	return &recorder{seen: make(chan struct{}, 64)}
}

func (r *recorder) Dispatch(_ context.Context, p *Peer, frame []byte) {
	r.mu.Lock()
	r.frames = append(r.frames, string(frame))
	r.peers = append(r.peers, p)
	r.mu.Unlock()
	r.seen <- struct{}{}
}

func (r *recorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.seen:
	case <-time.After(2 * time.Second):
		t.Fatal("no frame dispatched")
	}
}

func startHub(t *testing.T, d Dispatcher) (*Hub, *httptest.Server) {
	t.Helper()
	h := New(Options{Hello: func() any { return map[string]any{"type": TypeHello, "version": 1} }})
	srv := httptest.NewServer(h.Handler(d))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { _ = h.Close() })
	return h, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	conn, err := websocket.Dial(wsURL, "", srv.URL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	var got map[string]any
	require.NoError(t, json.NewDecoder(conn).Decode(&got))
	return got
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, json.NewEncoder(conn).Encode(v))
}

func TestHelloAndDispatch(t *testing.T) {
	rec := newRecorder()
	_, srv := startHub(t, rec)
	conn := dial(t, srv)

	hello := read(t, conn)
	assert.Equal(t, TypeHello, hello["type"])

	send(t, conn, map[string]any{"type": "control", "controlType": "liveParam"})
	send(t, conn, map[string]any{"type": "midi", "data": []int{176, 1, 64}})
	rec.wait(t)
	rec.wait(t)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.JSONEq(t, `{"type":"control","controlType":"liveParam"}`, rec.frames[0])
	assert.JSONEq(t, `{"type":"midi","data":[176,1,64]}`, rec.frames[1])
	assert.Same(t, rec.peers[0], rec.peers[1])
}

func TestBroadcastReachesEveryPeer(t *testing.T) {
	rec := newRecorder()
	h, srv := startHub(t, rec)
	a := dial(t, srv)
	b := dial(t, srv)
	read(t, a)
	read(t, b)
	require.Eventually(t, func() bool { return h.Len() == 2 }, time.Second, 5*time.Millisecond)

	n := h.Broadcast(map[string]any{"type": TypeEvent, "kind": "mediator", "connected": true})
	assert.Equal(t, 2, n)
	for _, c := range []*websocket.Conn{a, b} {
		got := read(t, c)
		assert.Equal(t, TypeEvent, got["type"])
		assert.Equal(t, true, got["connected"])
	}
}

func TestBroadcastDropsFailedPeers(t *testing.T) {
	rec := newRecorder()
	h, srv := startHub(t, rec)
	a := dial(t, srv)
	b := dial(t, srv)
	read(t, a)
	read(t, b)

	send(t, a, map[string]any{"type": "ping"})
	rec.wait(t)
	rec.mu.Lock()
	dead := rec.peers[0]
	rec.mu.Unlock()
	require.NoError(t, dead.close())

	assert.Equal(t, 1, h.Broadcast(map[string]any{"type": TypeStream}))
	assert.Equal(t, 1, h.Len())
	assert.Equal(t, TypeStream, read(t, b)["type"])
}

func TestInvalidFrameGetsErrorReply(t *testing.T) {
	rec := newRecorder()
	_, srv := startHub(t, rec)
	conn := dial(t, srv)
	read(t, conn)

	_, err := conn.Write([]byte("{not json"))
	require.NoError(t, err)

	got := read(t, conn)
	assert.Equal(t, TypeError, got["type"])
	assert.Equal(t, "invalid frame", got["msg"])
}

func TestOversizedFrameIsRefusedBeforeDispatch(t *testing.T) {
	rec := newRecorder()
	_, srv := startHub(t, rec)
	conn := dial(t, srv)
	read(t, conn)

	big := `{"pad":"` + strings.Repeat("x", maxFramePayloadBytes) + `"}`
	_, err := conn.Write([]byte(big))
	require.NoError(t, err)

	got := read(t, conn)
	assert.Equal(t, TypeError, got["type"])
	assert.Equal(t, "frame too large", got["msg"])

	send(t, conn, map[string]any{"type": "control", "payload": map[string]any{}})
	rec.wait(t)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.frames, 1)
	assert.NotContains(t, rec.frames[0], "pad")
}

func TestPeerSendIsPrivate(t *testing.T) {
	rec := newRecorder()
	_, srv := startHub(t, rec)
	a := dial(t, srv)
	b := dial(t, srv)
	read(t, a)
	read(t, b)

	send(t, a, map[string]any{"type": "control"})
	rec.wait(t)
	rec.mu.Lock()
	peer := rec.peers[0]
	rec.mu.Unlock()

	require.NoError(t, peer.Send(NewError("unauthorized", "")))
	assert.Equal(t, "unauthorized", read(t, a)["msg"])

	_ = b.SetDeadline(time.Now().Add(100 * time.Millisecond))
	var nothing map[string]any
	assert.Error(t, json.NewDecoder(b).Decode(&nothing))
}

func TestCloseDisconnectsAndRefuses(t *testing.T) {
	rec := newRecorder()
	h, srv := startHub(t, rec)
	conn := dial(t, srv)
	read(t, conn)
	require.Eventually(t, func() bool { return h.Len() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.Close())
	assert.Zero(t, h.Len())

	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]any
	assert.Error(t, json.NewDecoder(conn).Decode(&msg))

	_, err := h.Join(nil)
	assert.ErrorIs(t, err, ErrClosed)
}
