package broadcast

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/muninn/pkg/muninn"
)

func dialHub(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	if query != "" {
		url += "?" + query
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) muninn.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev muninn.Event
	require.NoError(t, json.Unmarshal(payload, &ev))
	return ev
}

func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func newHubServer(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub()
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.ServeWS)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	t.Cleanup(hub.Close)
	return hub, ts
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Count() < n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, have %d", n, hub.Count())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestUserLevelReachesAllClients(t *testing.T) {
	hub, ts := newHubServer(t)
	a := dialHub(t, ts, "session_id=aaaa1111")
	b := dialHub(t, ts, "session_id=bbbb2222")
	waitForClients(t, hub, 2)

	hub.Publish(muninn.Event{Op: "put_node", Level: "user", SessionID: "cccc3333"})

	assert.Equal(t, "put_node", readEvent(t, a).Op)
	assert.Equal(t, "put_node", readEvent(t, b).Op)
}

func TestOriginatingSessionExcluded(t *testing.T) {
	hub, ts := newHubServer(t)
	origin := dialHub(t, ts, "session_id=aaaa1111")
	other := dialHub(t, ts, "session_id=bbbb2222")
	waitForClients(t, hub, 2)

	hub.Publish(muninn.Event{Op: "put_node", Level: "user", SessionID: "aaaa1111"})

	assert.Equal(t, "put_node", readEvent(t, other).Op)
	expectSilence(t, origin)
}

func TestProjectLevelRoutesByProject(t *testing.T) {
	hub, ts := newHubServer(t)
	dirA := t.TempDir()
	dirB := t.TempDir()

	watcherA := dialHub(t, ts, "project_path="+dirA)
	watcherB := dialHub(t, ts, "project_path="+dirB)
	userOnly := dialHub(t, ts, "")
	waitForClients(t, hub, 3)

	absA, err := filepath.Abs(dirA)
	require.NoError(t, err)
	hub.Publish(muninn.Event{
		Op:       "delete_node",
		Level:    "project",
		GraphKey: muninn.ProjectKey(absA),
	})

	assert.Equal(t, "delete_node", readEvent(t, watcherA).Op)
	expectSilence(t, watcherB)
	expectSilence(t, userOnly)
}

func TestCloseDisconnectsClients(t *testing.T) {
	hub, ts := newHubServer(t)
	conn := dialHub(t, ts, "")
	waitForClients(t, hub, 1)

	hub.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.Equal(t, 0, hub.Count())
}
