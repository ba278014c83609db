package web

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/codefionn/plauderkasten/internal/consts"
	"github.com/codefionn/plauderkasten/internal/llm"
	"github.com/codefionn/plauderkasten/internal/logger"
	"github.com/codefionn/plauderkasten/internal/orchestrator"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = consts.BufferSize256KB

	// Upper bound for a model check across all keys.
	checkModelsTimeout = 2 * time.Minute
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed: %v", err)
		return
	}

	client := newWSClient(conn, s.orch)
	go client.writePump()
	client.readPump()
}

// wsClient is one websocket connection. At most one generation runs per
// connection; a stop envelope or a new generate envelope aborts the running
// one.
type wsClient struct {
	conn *websocket.Conn
	orch *orchestrator.Orchestrator
	send chan []byte
	done chan struct{}
	log  *logger.Logger

	mu     sync.Mutex
	cancel chan struct{}
}

func newWSClient(conn *websocket.Conn, orch *orchestrator.Orchestrator) *wsClient {
	return &wsClient{
		conn: conn,
		orch: orch,
		send: make(chan []byte, 256),
		done: make(chan struct{}),
		log:  logger.Global().WithPrefix("ws"),
	}
}

func (c *wsClient) readPump() {
	defer func() {
		c.stopGeneration()
		close(c.done)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Error("read error: %v", err)
			}
			return
		}

		var envelope wsEnvelope
		if err := json.Unmarshal(message, &envelope); err != nil {
			c.log.Warn("bad envelope: %v", err)
			continue
		}
		c.handleEnvelope(&envelope)
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) handleEnvelope(envelope *wsEnvelope) {
	switch envelope.Type {
	case wsTypeGenerate:
		if envelope.Request == nil || envelope.Request.UserID == "" {
			c.sendEvent(llm.ErrorEvent(llm.CodePipelineCritical, "generate envelope needs a request with user_id"))
			return
		}
		c.startGeneration(envelope.Request)
	case wsTypeStop:
		c.stopGeneration()
	case wsTypeCheckModels:
		if envelope.Request == nil || envelope.Request.UserID == "" {
			c.sendEvent(llm.ErrorEvent(llm.CodePipelineCritical, "check_models envelope needs a request with user_id"))
			return
		}
		go c.checkModels(envelope.Request.UserID)
	default:
		c.log.Warn("unknown envelope type %q", envelope.Type)
	}
}

// startGeneration aborts any running generation and starts a new one. Events
// flow back as event envelopes; the terminal event ends the run.
func (c *wsClient) startGeneration(req *GenerateRequest) {
	c.stopGeneration()

	cancel := make(chan struct{})
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	go func() {
		events := c.orch.Generate(context.Background(), req.toOrchestrator(cancel))
		for ev := range events {
			c.sendEvent(ev)
		}
	}()
}

func (c *wsClient) stopGeneration() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		close(c.cancel)
		c.cancel = nil
	}
}

func (c *wsClient) checkModels(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), checkModelsTimeout)
	defer cancel()

	models, err := c.orch.CheckModels(ctx, userID)
	if err != nil {
		c.sendEvent(llm.ErrorEventFrom(err))
		return
	}
	names := make([]string, 0, len(models))
	for _, m := range models {
		names = append(names, m.Name)
	}
	c.enqueue(wsEnvelope{Type: wsTypeModels, Models: names})
}

func (c *wsClient) sendEvent(ev llm.StreamEvent) {
	c.enqueue(wsEnvelope{Type: wsTypeEvent, Event: &ev})
}

func (c *wsClient) enqueue(envelope wsEnvelope) {
	data, err := json.Marshal(envelope)
	if err != nil {
		c.log.Error("envelope marshal failed: %v", err)
		return
	}
	// Blocks on a full buffer instead of dropping: consumers rely on every
	// stream ending with its terminal event. A dead connection unblocks via
	// done once the read pump notices.
	select {
	case c.send <- data:
	case <-c.done:
	}
}
