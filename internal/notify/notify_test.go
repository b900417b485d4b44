package notify_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/market-game/internal/notify"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Notify(_ context.Context, e notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func TestMulti_FansOut(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	m := notify.Multi{a, nil, notify.Noop{}, b}

	m.Notify(context.Background(), notify.Event{Type: notify.GameStarted, GameID: "g1"})

	assert.Len(t, a.events, 1)
	assert.Len(t, b.events, 1)
}

func TestNATSPublisher_Subject(t *testing.T) {
	p := notify.NewNATSPublisher(nil, "", discardLogger())

	assert.Equal(t, "marketgame.g1.order", p.Subject(notify.Event{GameID: "g1", Entity: "order"}))
	assert.Equal(t, "marketgame.g1.game", p.Subject(notify.Event{GameID: "g1"}))
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) notify.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var e notify.Event
	require.NoError(t, json.Unmarshal(data, &e))
	return e
}

func TestWSHub_FiltersByGame(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := notify.NewWSHub(discardLogger())
	go hub.Run(ctx)

	srv := httptest.NewServer(httpHandler(hub))
	defer srv.Close()

	g1 := dial(t, srv, "?game_id=g1")
	all := dial(t, srv, "")
	require.Eventually(t, func() bool { return hub.ClientCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	hub.Notify(ctx, notify.Event{Type: notify.RoundAdvanced, GameID: "g2", Round: 2})
	hub.Notify(ctx, notify.Event{Type: notify.RoundAdvanced, GameID: "g1", Round: 3})

	// The g1 subscriber skips the g2 event.
	e := readEvent(t, g1)
	assert.Equal(t, "g1", e.GameID)
	assert.Equal(t, 3, e.Round)

	assert.Equal(t, "g2", readEvent(t, all).GameID)
	assert.Equal(t, "g1", readEvent(t, all).GameID)
}

func TestWSHub_DisconnectUnregisters(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := notify.NewWSHub(discardLogger())
	go hub.Run(ctx)

	srv := httptest.NewServer(httpHandler(hub))
	defer srv.Close()

	conn := dial(t, srv, "")
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWSHub_NotifyNeverBlocks(t *testing.T) {
	hub := notify.NewWSHub(discardLogger())
	// Run is not started, so the buffer fills and further events drop.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			hub.Notify(context.Background(), notify.Event{GameID: "g1"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Notify blocked")
	}
}
