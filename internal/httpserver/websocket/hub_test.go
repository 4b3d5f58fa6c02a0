package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dial(t *testing.T, srv *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestHub_SnapshotThenBroadcast(t *testing.T) {
	hub := NewHub(nil, func(context.Context) (Message, error) {
		return Message{Type: "releases.snapshot", Payload: []string{"web@v1"}}, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	conn := dial(t, srv, nil)

	first := readMessage(t, conn)
	assert.Equal(t, "releases.snapshot", first.Type)

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
	hub.Publish("message.announced", map[string]string{"ref": "abc"})

	next := readMessage(t, conn)
	assert.Equal(t, "message.announced", next.Type)
	assert.Equal(t, map[string]any{"ref": "abc"}, next.Payload)
}

func TestHub_SnapshotErrorStillConnects(t *testing.T) {
	hub := NewHub(nil, func(context.Context) (Message, error) {
		return Message{}, errors.New("store down")
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	dial(t, srv, nil)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestHub_RejectsForeignOrigin(t *testing.T) {
	hub := NewHub([]string{"https://dash.example"}, nil)
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHub_CloseDisconnectsAndDiscards(t *testing.T) {
	hub := NewHub(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	conn := dial(t, srv, nil)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
	hub.Publish("ignored", nil)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}
