package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prime-system/prime-agent/internal/agent/runner"
)

func dialSession(t *testing.T, g *testGateway, sessionParam string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(g.ts.URL, "http") + "/ws/" + sessionParam
	header := http.Header{"Authorization": []string{"Bearer " + testToken}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readWS(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &m))
	return m
}

func writeWS(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

func userMessage(text string) map[string]interface{} {
	return map[string]interface{}{
		"type": "user_message",
		"data": map[string]interface{}{"message": text},
	}
}

func TestWS_RejectsMissingToken(t *testing.T) {
	g := newTestGateway(t, &scriptedClient{}, &scriptedClient{})

	wsURL := "ws" + strings.TrimPrefix(g.ts.URL, "http") + "/ws/new"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.Nil(t, conn)
	require.NotNil(t, resp)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWS_NewSessionTurnFlow(t *testing.T) {
	client := &scriptedClient{streams: []runner.MessageStream{successTurn("abc-123")}}
	g := newTestGateway(t, client, &scriptedClient{})

	conn := dialSession(t, g, "new")

	connected := readWS(t, conn)
	require.Equal(t, "connected", connected["type"])
	assert.Regexp(t, `^conn_`, connected["connectionId"])
	pendingID, _ := connected["sessionId"].(string)
	assert.Regexp(t, `^pending_`, pendingID)

	status := readWS(t, conn)
	require.Equal(t, "session_status", status["type"])
	assert.Equal(t, float64(0), status["buffered_count"])
	assert.Equal(t, false, status["is_processing"])
	assert.Equal(t, false, status["waiting_for_user"])
	assert.Nil(t, status["completed_at"])

	writeWS(t, conn, userMessage("hi"))

	rekey := readWS(t, conn)
	require.Equal(t, "session_id", rekey["type"])
	assert.Equal(t, "abc-123", rekey["sessionId"])

	text := readWS(t, conn)
	require.Equal(t, "text", text["type"])
	assert.Equal(t, "Hello!", text["chunk"])

	complete := readWS(t, conn)
	require.Equal(t, "complete", complete["type"])
	assert.Equal(t, "success", complete["status"])
	assert.InDelta(t, 0.02, complete["costUsd"], 1e-9)
	assert.Equal(t, float64(200), complete["durationMs"])

	// The registry now holds the SDK id, not the pending one.
	_, ok := g.sessions.Get("abc-123")
	assert.True(t, ok)
	_, ok = g.sessions.Get(pendingID)
	assert.False(t, ok)
}

func TestWS_ResumeReplaysBufferedEvents(t *testing.T) {
	client := &scriptedClient{streams: []runner.MessageStream{successTurn("abc-456")}}
	g := newTestGateway(t, client, &scriptedClient{})

	// Run a whole turn with nobody attached so every event buffers.
	sess := g.sessions.GetOrCreate("")
	require.NoError(t, sess.SendUserMessage("hi", ""))
	require.Eventually(t, func() bool {
		return sess.Status().CompletedAt != nil
	}, 3*time.Second, 5*time.Millisecond)

	conn := dialSession(t, g, "abc-456")

	connected := readWS(t, conn)
	require.Equal(t, "connected", connected["type"])
	assert.Equal(t, "abc-456", connected["sessionId"])

	status := readWS(t, conn)
	require.Equal(t, "session_status", status["type"])
	assert.Equal(t, float64(3), status["buffered_count"])
	assert.NotNil(t, status["completed_at"])
	assert.Equal(t, "complete", status["last_event_type"])

	var types []string
	for i := 0; i < 3; i++ {
		types = append(types, readWS(t, conn)["type"].(string))
	}
	assert.Equal(t, []string{"session_id", "text", "complete"}, types)
}

func TestWS_SecondClientTakesOver(t *testing.T) {
	client := &scriptedClient{streams: []runner.MessageStream{successTurn("abc-789")}}
	g := newTestGateway(t, client, &scriptedClient{})

	connA := dialSession(t, g, "new")
	readWS(t, connA) // connected
	readWS(t, connA) // session_status
	writeWS(t, connA, userMessage("hi"))
	for i := 0; i < 3; i++ {
		readWS(t, connA) // session_id, text, complete
	}

	connB := dialSession(t, g, "abc-789")
	connected := readWS(t, connB)
	require.Equal(t, "connected", connected["type"])
	readWS(t, connB) // session_status

	// The displaced client hears session_taken, then the server closes.
	taken := readWS(t, connA)
	assert.Equal(t, "session_taken", taken["type"])

	require.NoError(t, connA.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := connA.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure),
		"expected a normal close, got %v", err)

	// The buffer was drained live, so the new client replays only the
	// retained terminal event.
	replayed := readWS(t, connB)
	assert.Equal(t, "complete", replayed["type"])
}

func TestWS_InterruptAnsweredWithTransientError(t *testing.T) {
	g := newTestGateway(t, &scriptedClient{}, &scriptedClient{})

	conn := dialSession(t, g, "new")
	readWS(t, conn) // connected
	readWS(t, conn) // session_status

	writeWS(t, conn, map[string]interface{}{"type": "interrupt"})

	m := readWS(t, conn)
	require.Equal(t, "error", m["type"])
	assert.Equal(t, "interrupt is not supported", m["error"])
	_, permanent := m["isPermanent"]
	assert.False(t, permanent, "a transient error must not carry isPermanent")
}

func TestWS_MalformedMessages(t *testing.T) {
	g := newTestGateway(t, &scriptedClient{}, &scriptedClient{})

	conn := dialSession(t, g, "new")
	readWS(t, conn) // connected
	readWS(t, conn) // session_status

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	m := readWS(t, conn)
	require.Equal(t, "error", m["type"])
	assert.Equal(t, "invalid message format", m["error"])

	writeWS(t, conn, map[string]interface{}{"type": "user_message", "data": map[string]interface{}{}})
	m = readWS(t, conn)
	require.Equal(t, "error", m["type"])
	assert.Contains(t, m["error"], "data.message")

	writeWS(t, conn, map[string]interface{}{"type": "launch_missiles"})
	m = readWS(t, conn)
	require.Equal(t, "error", m["type"])
	assert.Contains(t, m["error"], "unknown message type")
}

func TestWS_EphemeralIDStartsFreshSession(t *testing.T) {
	g := newTestGateway(t, &scriptedClient{}, &scriptedClient{})

	conn := dialSession(t, g, "conn_never-seen-before")

	connected := readWS(t, conn)
	require.Equal(t, "connected", connected["type"])
	sessionID, _ := connected["sessionId"].(string)
	assert.Regexp(t, `^pending_`, sessionID)
}
