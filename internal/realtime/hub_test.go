package realtime

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/courtflow/courtflow/internal/events"
)

func verifyTest(token string) (string, error) {
	if strings.HasPrefix(token, "user-") {
		return strings.TrimPrefix(token, "user-"), nil
	}
	return "", errors.New("bad token")
}

func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(verifyTest, nil, Metrics{})
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		srv.Close()
		hub.Close()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + token
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readMessage(t *testing.T, ws *websocket.Conn) Message {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestConnectReceivesStatus(t *testing.T) {
	_, srv := newTestHub(t)
	ws := dial(t, srv, "user-u1")

	start := time.Now()
	msg := readMessage(t, ws)
	require.Equal(t, "connection_status", msg.Type)
	require.Less(t, time.Since(start), 500*time.Millisecond)

	data := msg.Data.(map[string]interface{})
	require.Equal(t, true, data["connected"])
	require.Equal(t, "u1", data["userId"])
	require.NotEmpty(t, data["connectionId"])
	require.NotEmpty(t, data["lastHeartbeat"])
	require.False(t, msg.Timestamp.IsZero())
}

func TestMissingTokenRejectedBeforeUpgrade(t *testing.T) {
	_, srv := newTestHub(t)

	resp, err := http.Get(srv.URL + "/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/ws?token=garbage")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHeartbeatEchoed(t *testing.T) {
	_, srv := newTestHub(t)
	ws := dial(t, srv, "user-u1")
	readMessage(t, ws) // connection_status

	require.NoError(t, ws.WriteJSON(Message{Type: "heartbeat"}))
	msg := readMessage(t, ws)
	require.Equal(t, "heartbeat", msg.Type)
	data := msg.Data.(map[string]interface{})
	require.NotEmpty(t, data["lastHeartbeat"])
}

func TestSendToUserReachesAllConnections(t *testing.T) {
	hub, srv := newTestHub(t)
	ws1 := dial(t, srv, "user-u1")
	ws2 := dial(t, srv, "user-u1")
	other := dial(t, srv, "user-u2")
	for _, ws := range []*websocket.Conn{ws1, ws2, other} {
		readMessage(t, ws)
	}

	hub.SendToUser("u1", Message{Type: "alert_triggered", Data: map[string]string{"alertId": "a1"}})

	for _, ws := range []*websocket.Conn{ws1, ws2} {
		msg := readMessage(t, ws)
		require.Equal(t, "alert_triggered", msg.Type)
	}

	// The other user sees nothing.
	other.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := other.ReadMessage()
	require.Error(t, err)
}

func TestBroadcastWithExclusion(t *testing.T) {
	hub, srv := newTestHub(t)
	ws1 := dial(t, srv, "user-u1")
	ws2 := dial(t, srv, "user-u2")

	var excludeID string
	status := readMessage(t, ws1)
	excludeID = status.Data.(map[string]interface{})["connectionId"].(string)
	readMessage(t, ws2)

	hub.Broadcast(Message{Type: "price_update"}, excludeID)

	msg := readMessage(t, ws2)
	require.Equal(t, "price_update", msg.Type)

	ws1.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := ws1.ReadMessage()
	require.Error(t, err)
}

func TestHandleEventRouting(t *testing.T) {
	hub, srv := newTestHub(t)
	targeted := dial(t, srv, "user-u1")
	bystander := dial(t, srv, "user-u2")
	readMessage(t, targeted)
	readMessage(t, bystander)

	hub.HandleEvent(events.Event{
		Type:      events.TypeAlertTriggered,
		UserID:    "u1",
		Payload:   map[string]string{"alertId": "a1"},
		Timestamp: time.Now(),
	})
	msg := readMessage(t, targeted)
	require.Equal(t, events.TypeAlertTriggered, msg.Type)

	hub.HandleEvent(events.Event{
		Type:      events.TypePriceChange,
		Payload:   map[string]string{"momentId": "m1"},
		Timestamp: time.Now(),
	})
	msg = readMessage(t, bystander)
	require.Equal(t, events.TypePriceChange, msg.Type)
}

func TestDeliveryRacingDisconnectIsSafe(t *testing.T) {
	hub, srv := newTestHub(t)
	ws := dial(t, srv, "user-u1")
	readMessage(t, ws)

	hub.mu.Lock()
	var conn *connection
	for _, c := range hub.conns {
		conn = c
	}
	hub.mu.Unlock()
	require.NotNil(t, conn)

	// A sender snapshots the connection, then the client disconnects before
	// the frame is queued. Delivery must degrade to a drop, not a panic.
	hub.unregister(conn)
	require.NotPanics(t, func() {
		hub.deliver(conn, encode(Message{Type: "price_update"}))
		hub.SendToUser("u1", Message{Type: "price_update"})
		hub.Broadcast(Message{Type: "price_update"})
	})
}

func TestSilentConnectionReaped(t *testing.T) {
	hub := newHub(verifyTest, nil, Metrics{}, 20*time.Millisecond, 60*time.Millisecond)
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		srv.Close()
		hub.Close()
	})

	ws := dial(t, srv, "user-u1")
	// Swallow pings without ponging so the hub sees a silent client.
	ws.SetPingHandler(func(string) error { return nil })
	readMessage(t, ws) // connection_status

	require.Eventually(t, func() bool {
		total, perUser := hub.Stats()
		return total == 0 && len(perUser) == 0
	}, 2*time.Second, 10*time.Millisecond, "silent connection torn down and unindexed")

	// The hub side closed the socket; the client read surfaces it.
	ws.SetReadDeadline(time.Now().Add(time.Second))
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}
}

func TestDisconnectCleansIndices(t *testing.T) {
	hub, srv := newTestHub(t)
	ws := dial(t, srv, "user-u1")
	readMessage(t, ws)

	total, perUser := hub.Stats()
	require.Equal(t, 1, total)
	require.Equal(t, 1, perUser["u1"])

	ws.Close()

	require.Eventually(t, func() bool {
		total, perUser := hub.Stats()
		return total == 0 && len(perUser) == 0
	}, 2*time.Second, 20*time.Millisecond, "indices cleaned after disconnect")
}

func TestStatsCountsPerUser(t *testing.T) {
	hub, srv := newTestHub(t)
	ws1 := dial(t, srv, "user-u1")
	ws2 := dial(t, srv, "user-u1")
	ws3 := dial(t, srv, "user-u2")
	for _, ws := range []*websocket.Conn{ws1, ws2, ws3} {
		readMessage(t, ws)
	}

	total, perUser := hub.Stats()
	require.Equal(t, 3, total)
	require.Equal(t, 2, perUser["u1"])
	require.Equal(t, 1, perUser["u2"])
}

func TestCloseRejectsNewConnections(t *testing.T) {
	hub := NewHub(verifyTest, nil, Metrics{})
	srv := httptest.NewServer(hub)
	defer srv.Close()

	hub.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=user-u1"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		// The upgrade may complete before the hub refuses registration; the
		// connection must then be closed immediately.
		ws.SetReadDeadline(time.Now().Add(time.Second))
		_, _, readErr := ws.ReadMessage()
		require.Error(t, readErr)
		ws.Close()
	}
}
