package server

import (
	"context"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/nodesync/internal/core/observability/log"
	"github.com/zeusync/nodesync/internal/core/remote/memstore"
)

func startGateway(t *testing.T, store *memstore.Store) *Gateway {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Listen = "127.0.0.1:0"
	gw := New(cfg, store, log.Nop())
	require.NoError(t, gw.Start(context.Background()))
	t.Cleanup(func() { _ = gw.Stop() })
	return gw
}

func dial(t *testing.T, gw *Gateway) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+gw.Addr()+"/sync", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var f Frame
	require.NoError(t, f.Deserialize(data))
	return f
}

func writeFrame(t *testing.T, conn *websocket.Conn, f Frame) {
	t.Helper()
	data, err := f.Serialize()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func TestSubscribeDeliversCurrentValue(t *testing.T) {
	store := memstore.New()
	store.Seed("players/alice", map[string]any{"name": "alice", "score": float64(7)}, nil)
	gw := startGateway(t, store)
	conn := dial(t, gw)

	writeFrame(t, conn, Frame{Op: OpSubscribe, Path: "players/alice"})

	f := readFrame(t, conn)
	assert.Equal(t, OpValue, f.Op)
	assert.Equal(t, "players/alice", f.Path)
	assert.Equal(t, "alice", f.Fields["name"])
}

func TestWriteRoundTrip(t *testing.T) {
	store := memstore.New()
	store.Seed("rooms/lobby", map[string]any{"topic": "hello"}, nil)
	gw := startGateway(t, store)

	watcher := dial(t, gw)
	writeFrame(t, watcher, Frame{Op: OpSubscribe, Path: "rooms/lobby"})
	_ = readFrame(t, watcher) // initial value

	writer := dial(t, gw)
	writeFrame(t, writer, Frame{
		Op:     OpWrite,
		Path:   "rooms/lobby",
		Fields: map[string]any{"topic": "updated"},
	})

	f := readFrame(t, watcher)
	assert.Equal(t, OpValue, f.Op)
	assert.Equal(t, "updated", f.Fields["topic"])

	snap := store.SnapshotAt("rooms/lobby")
	assert.Equal(t, "updated", snap.Value()["topic"])
}

func TestRemoveNotifiesSubscriber(t *testing.T) {
	store := memstore.New()
	store.Seed("rooms/lobby/seats/s1", map[string]any{"taken": true}, nil)
	gw := startGateway(t, store)
	conn := dial(t, gw)

	writeFrame(t, conn, Frame{Op: OpSubscribe, Path: "rooms/lobby/seats"})
	_ = readFrame(t, conn) // initial value

	writeFrame(t, conn, Frame{Op: OpRemove, Path: "rooms/lobby/seats/s1"})

	sawRemoved := false
	for i := 0; i < 3 && !sawRemoved; i++ {
		f := readFrame(t, conn)
		if f.Op == OpChildRemoved {
			assert.Equal(t, "s1", f.Key)
			sawRemoved = true
		}
	}
	assert.True(t, sawRemoved, "expected a child_removed frame")
}

func TestUnknownOpReturnsError(t *testing.T) {
	gw := startGateway(t, memstore.New())
	conn := dial(t, gw)

	writeFrame(t, conn, Frame{Op: "bogus"})

	f := readFrame(t, conn)
	assert.Equal(t, OpError, f.Op)
	assert.Equal(t, "unknown op", f.Error)
}
