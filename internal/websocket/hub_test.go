package websocket

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metrofleet/internal/config"
	"metrofleet/internal/operations"
	"metrofleet/internal/shared/testutil"
)

// fakeConn records writes and blocks reads until closed
type fakeConn struct {
	mu      sync.Mutex
	written [][]byte
	closed  chan struct{}
	once    sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{closed: make(chan struct{})}
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	if messageType != websocket.TextMessage {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, append([]byte(nil), data...))
	return nil
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	<-f.closed
	return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) SetReadDeadline(time.Time) error { return nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }
func (f *fakeConn) SetReadLimit(int64) {}
func (f *fakeConn) SetPongHandler(func(string) error) {}
func (f *fakeConn) RemoteAddr() string { return "127.0.0.1:9999" }

func (f *fakeConn) messages() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Message, 0, len(f.written))
	for _, raw := range f.written {
		var m Message
		if json.Unmarshal(raw, &m) == nil {
			out = append(out, m)
		}
	}
	return out
}

func TestHubDeliversSchedulerEvents(t *testing.T) {
	logger, _ := testutil.NewTestLogger(t)
	hub := NewHub(logger, nil)
	hub.Start()
	defer hub.Stop()

	conn := newFakeConn()
	client := NewClient(hub, conn, "trace-1", config.WebSocketConfig{}, logger)
	require.True(t, hub.Register(client))
	go client.WritePump()

	hub.OnEvent(operations.Event{
		Type:      operations.EventSucceeded,
		Asset:     "raw_yellow_trips",
		Partition: "2024-01",
		Rows:      950,
		Time:      time.Date(2024, 2, 1, 6, 0, 0, 0, time.UTC),
	})

	require.Eventually(t, func() bool { return len(conn.messages()) == 2 }, 2*time.Second, 10*time.Millisecond)
	msgs := conn.messages()
	assert.Equal(t, TypeConnection, msgs[0].Type)
	assert.Equal(t, "trace-1", msgs[0].TraceID)
	assert.Equal(t, string(operations.EventSucceeded), msgs[1].Type)

	data, ok := msgs[1].Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "raw_yellow_trips", data["asset"])
	assert.Equal(t, float64(950), data["rows"])

	assert.Equal(t, 1, hub.ClientCount())
	assert.Eventually(t, func() bool { return hub.Stats().Sent == 1 }, time.Second, 10*time.Millisecond)
}

func TestHubDisconnectsSlowClient(t *testing.T) {
	logger, _ := testutil.NewTestLogger(t)
	hub := NewHub(logger, nil)
	hub.Start()
	defer hub.Stop()

	// no WritePump, so the send buffer never drains
	client := NewClient(hub, newFakeConn(), "", config.WebSocketConfig{}, logger)
	require.True(t, hub.Register(client))

	for i := 0; i < sendBuffer+2; i++ {
		hub.Broadcast(Message{Type: "test"})
	}

	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Positive(t, hub.Stats().Dropped)
}

func TestBroadcastNeverBlocks(t *testing.T) {
	logger, handler := testutil.NewTestLogger(t)
	hub := NewHub(logger, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < broadcastBuffer+10; i++ {
			hub.OnEvent(operations.Event{Type: operations.EventQueued, Asset: "raw_weather"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("OnEvent blocked on a hub that is not running")
	}
	assert.Equal(t, int64(10), hub.Stats().Dropped)
	assert.True(t, handler.ContainsMessage("broadcast buffer full, message dropped"))
}

func TestRegisterAfterStop(t *testing.T) {
	logger, _ := testutil.NewTestLogger(t)
	hub := NewHub(logger, nil)
	hub.Start()
	hub.Stop()

	client := NewClient(hub, newFakeConn(), "", config.WebSocketConfig{}, logger)
	assert.False(t, hub.Register(client))
}

func TestHandlerStreamsOverRealConnection(t *testing.T) {
	logger, _ := testutil.NewTestLogger(t)
	hub := NewHub(logger, nil)
	hub.Start()
	defer hub.Stop()

	srv := httptest.NewServer(NewHandler(hub, config.WebSocketConfig{ReadBufferSize: 1024, WriteBufferSize: 1024}, logger))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var greeting Message
	require.NoError(t, conn.ReadJSON(&greeting))
	assert.Equal(t, TypeConnection, greeting.Type)

	hub.OnEvent(operations.Event{Type: operations.EventFailed, Asset: "raw_taxi_file", Partition: "2024-01", Error: "rate limited"})

	var ev Message
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, string(operations.EventFailed), ev.Type)
	data := ev.Data.(map[string]any)
	assert.Equal(t, "rate limited", data["error"])
}
