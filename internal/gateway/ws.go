package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/prime-system/prime-agent/internal/agent/events"
	"github.com/prime-system/prime-agent/internal/agent/session"
	"github.com/prime-system/prime-agent/internal/common/id"
	"github.com/prime-system/prime-agent/internal/common/logger"
	"github.com/prime-system/prime-agent/internal/metrics"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait).
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024 // 512KB

	// Outbound queue depth per connection.
	sendBuffer = 256
)

var (
	errClientClosed  = errors.New("websocket client closed")
	errSendQueueFull = errors.New("websocket send queue full")
)

// clientMessage is the envelope for client-to-server messages.
type clientMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type userMessagePayload struct {
	Message string `json:"message"`
}

type askUserResponsePayload struct {
	QuestionID string                 `json:"question_id"`
	Answers    map[string]interface{} `json:"answers"`
	Cancelled  bool                   `json:"cancelled"`
}

// connectedMessage is the first frame on every connection.
type connectedMessage struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId"`
	SessionID    string `json:"sessionId,omitempty"`
}

// sessionStatusMessage summarizes the session before the replay starts.
// Every field is always present so clients see a stable shape.
type sessionStatusMessage struct {
	Type              string     `json:"type"`
	BufferedCount     int        `json:"buffered_count"`
	CompletedAt       *time.Time `json:"completed_at"`
	LastActivity      time.Time  `json:"last_activity"`
	LastEventType     string     `json:"last_event_type"`
	IsProcessing      bool       `json:"is_processing"`
	WaitingForUser    bool       `json:"waiting_for_user"`
	PendingQuestionID string     `json:"pending_question_id"`
}

// handleSessionWS upgrades the connection and runs it until either side
// closes. The path parameter selects the session: "new" or an unknown id
// starts a fresh one, a known id resumes with replay.
func (s *Server) handleSessionWS(c *gin.Context) {
	requested := c.Param("session")
	if requested == "new" {
		requested = ""
	}
	sess := s.deps.Sessions.GetOrCreate(requested)

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	connID := id.NewConnectionID()
	client := &wsClient{
		id:      connID,
		conn:    conn,
		session: sess,
		logger: s.logger.WithFields(
			zap.String("connection_id", connID),
			zap.String("session_id", sess.ID()),
		),
		send:   make(chan []byte, sendBuffer),
		closed: make(chan struct{}),
	}

	metrics.WSConnectionsActive.Inc()
	defer metrics.WSConnectionsActive.Dec()

	go client.writePump()
	client.run()
}

// wsClient is one WebSocket connection attached to a session. It
// implements session.Transport: the session delivers live events through
// SendEvent and evicts displaced clients through Disconnect.
type wsClient struct {
	id      string
	conn    *websocket.Conn
	session *session.Session
	logger  *logger.Logger

	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

// SendEvent queues one event for the peer. A full queue or a closed
// connection reports an error so the session falls back to buffering.
func (c *wsClient) SendEvent(ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return c.enqueue(data)
}

// Disconnect asks the write pump to flush and close the socket. Called
// by the session when another client takes over.
func (c *wsClient) Disconnect() {
	c.close()
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
}

func (c *wsClient) enqueue(data []byte) error {
	select {
	case <-c.closed:
		return errClientClosed
	default:
	}

	select {
	case c.send <- data:
		metrics.WSMessagesTotal.Inc()
		return nil
	default:
		return errSendQueueFull
	}
}

func (c *wsClient) sendJSON(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("marshal websocket message", zap.Error(err))
		return
	}
	if err := c.enqueue(data); err != nil {
		c.logger.Warn("websocket message dropped", zap.Error(err))
	}
}

// sendTransient reports a recoverable problem without ending the turn;
// isPermanent stays unset.
func (c *wsClient) sendTransient(message string) {
	_ = c.SendEvent(events.Event{Type: events.TypeError, Error: message})
}

// run performs the attach handshake and then reads client messages until
// the connection drops. The handshake order is fixed: connected, then
// session_status, then the buffered replay, then live events.
func (c *wsClient) run() {
	defer func() {
		c.session.Detach(c.id)
		c.close()
		_ = c.conn.Close()
	}()

	c.sendJSON(connectedMessage{
		Type:         string(events.TypeConnected),
		ConnectionID: c.id,
		SessionID:    c.session.ID(),
	})

	st := c.session.Status()
	c.sendJSON(sessionStatusMessage{
		Type:              string(events.TypeSessionStatus),
		BufferedCount:     st.BufferedCount,
		CompletedAt:       st.CompletedAt,
		LastActivity:      st.LastActivity,
		LastEventType:     st.LastEventType,
		IsProcessing:      st.IsProcessing,
		WaitingForUser:    st.WaitingForUser,
		PendingQuestionID: st.PendingQuestionID,
	})

	replay := c.session.Attach(c.id, c)
	for _, ev := range replay {
		if err := c.SendEvent(ev); err != nil {
			c.logger.Warn("replay delivery failed", zap.Error(err))
			return
		}
	}
	c.session.FinishReplay(c.id, c)

	c.readLoop()
}

func (c *wsClient) readLoop() {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read failed", zap.Error(err))
			}
			return
		}
		c.handleMessage(raw)
	}
}

func (c *wsClient) handleMessage(raw []byte) {
	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.sendTransient("invalid message format")
		return
	}

	switch msg.Type {
	case "user_message":
		var p userMessagePayload
		if err := json.Unmarshal(msg.Data, &p); err != nil || strings.TrimSpace(p.Message) == "" {
			c.sendTransient("user_message requires data.message")
			return
		}
		if err := c.session.SendUserMessage(p.Message, c.id); err != nil {
			c.sendTransient(err.Error())
		}

	case "ask_user_response":
		var p askUserResponsePayload
		if err := json.Unmarshal(msg.Data, &p); err != nil || p.QuestionID == "" {
			c.sendTransient("ask_user_response requires data.question_id")
			return
		}
		result, detail := c.session.SubmitAskUserResponse(c.id, p.QuestionID, p.Answers, p.Cancelled)
		switch result {
		case session.SubmitAccepted, session.SubmitIgnored:
			// Accepted responses resume the turn; ignored ones are
			// stale duplicates. Neither warrants a reply.
		default:
			c.sendTransient(detail)
		}

	case "interrupt":
		c.sendTransient("interrupt is not supported")

	default:
		c.sendTransient(fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

// writePump owns all writes to the connection. On close it drains the
// queue first so a final session_taken still reaches the peer.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			if !c.writeMessage(data) {
				return
			}

		case <-c.closed:
			for {
				select {
				case data := <-c.send:
					if !c.writeMessage(data) {
						return
					}
				default:
					_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					_ = c.conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) writeMessage(data []byte) bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data) == nil
}
