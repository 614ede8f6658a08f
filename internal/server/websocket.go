package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/23skdu/longbow-surprisal/internal/analysis"
	"github.com/23skdu/longbow-surprisal/internal/logger"
	"github.com/23skdu/longbow-surprisal/internal/metrics"
	"github.com/23skdu/longbow-surprisal/internal/stats"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Message types exchanged over /ws.
const (
	MsgAnalyze   = "analyze"
	MsgCancel    = "cancel"
	MsgStatus    = "status"
	MsgProgress  = "progress"
	MsgResult    = "result"
	MsgCancelled = "cancelled"
	MsgError     = "error"
)

type WSMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// wsOut is an outgoing message. RunID is set on every message produced by an
// analysis so clients can tell consecutive runs apart.
type wsOut struct {
	Type    string      `json:"type"`
	RunID   string      `json:"run_id,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
}

type StatusPayload struct {
	State   string `json:"state"`
	Running bool   `json:"running"`
}

// PartialResponse is sent when a run is cancelled; Results holds the
// positions processed before the cancellation.
type PartialResponse struct {
	AnalyzeResponse
	Reason string `json:"reason"`
}

// wsRun is the analysis running on a connection. It holds the connection's
// run slot until its final message is queued; finishing is set once the
// analysis itself has returned.
type wsRun struct {
	id        string
	cancel    context.CancelFunc
	finishing bool
	released  chan struct{}
}

type connection struct {
	s      *Server
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	writer chan struct{} // closed when writePump exits
	log    *logger.Logger

	mu  sync.Mutex
	run *wsRun
	wg  sync.WaitGroup
}

// WebSocketHandler streams progress for one analysis at a time per connection.
// A "cancel" message stops the running analysis.
func (s *Server) WebSocketHandler() http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.cors.isOriginAllowed(origin)
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Warn("WebSocket upgrade failed", "error", err)
			return
		}

		c := &connection{
			s:    s,
			conn: conn,
			send: make(chan []byte, 256),
			done:   make(chan struct{}),
			writer: make(chan struct{}),
			log:  s.log.With("request_id", requestID(r.Context()), "remote", r.RemoteAddr),
		}
		metrics.WebSocketConnections.Inc()
		c.log.Debug("WebSocket connected")

		go c.writePump()
		go c.readPump()
	}
}

func (c *connection) readPump() {
	defer func() {
		close(c.done)
		c.stop()
		c.wg.Wait()
		c.conn.Close()
		metrics.WebSocketConnections.Dec()
		c.log.Debug("WebSocket disconnected")
	}()

	c.conn.SetReadLimit(maxBodyBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("WebSocket read failed", "error", err)
			}
			return
		}

		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.sendError("INVALID_REQUEST", "Invalid JSON format")
			continue
		}
		c.handleMessage(msg)
	}
}

func (c *connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		close(c.writer)
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *connection) handleMessage(msg WSMessage) {
	switch msg.Type {
	case MsgAnalyze:
		c.startAnalysis(msg.Payload)
	case MsgCancel:
		c.stop()
	case MsgStatus:
		c.mu.Lock()
		running := c.run != nil && !c.run.finishing
		c.mu.Unlock()
		c.push(MsgStatus, StatusPayload{State: c.s.analyzer.State().String(), Running: running})
	default:
		c.sendError("UNKNOWN_TYPE", "Unknown message type: "+msg.Type)
	}
}

func (c *connection) startAnalysis(payload json.RawMessage) {
	var req AnalyzeRequest
	if len(payload) == 0 || json.Unmarshal(payload, &req) != nil {
		c.sendError("INVALID_REQUEST", "Invalid analyze request")
		return
	}

	c.mu.Lock()
	if prev := c.run; prev != nil {
		if !prev.finishing {
			c.mu.Unlock()
			c.sendError("ANALYSIS_IN_PROGRESS", "An analysis is already running on this connection")
			return
		}
		// the previous run has returned and is queueing its final message
		c.mu.Unlock()
		<-prev.released
		c.mu.Lock()
	}
	ctx, cancel := context.WithCancel(context.Background())
	run := &wsRun{id: uuid.NewString(), cancel: cancel, released: make(chan struct{})}
	c.run = run
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			c.run = nil
			c.mu.Unlock()
			close(run.released)
		}()

		results, err := c.s.run(ctx, req, func(p analysis.Progress) {
			c.pushRun(run.id, MsgProgress, p)
		})

		c.mu.Lock()
		run.finishing = true
		c.mu.Unlock()
		cancel()

		switch {
		case err == nil:
			c.pushRun(run.id, MsgResult, AnalyzeResponse{Results: results, Statistics: stats.Aggregate(results)})
		case errors.Is(err, analysis.ErrCancelled):
			c.pushRun(run.id, MsgCancelled, PartialResponse{
				AnalyzeResponse: AnalyzeResponse{Results: results, Statistics: stats.Aggregate(results)},
				Reason:          err.Error(),
			})
		default:
			_, code := classify(err)
			c.pushRun(run.id, MsgError, ErrorResponse{Error: err.Error(), Code: code})
		}
	}()
}

// stop cancels the running analysis, if any.
func (c *connection) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run != nil {
		c.run.cancel()
	}
}

// push queues a message unless the connection is closing.
func (c *connection) push(typ string, payload interface{}) {
	c.pushRun("", typ, payload)
}

func (c *connection) pushRun(runID, typ string, payload interface{}) {
	data, err := json.Marshal(wsOut{Type: typ, RunID: runID, Payload: payload})
	if err != nil {
		c.log.Error("Failed to encode message", "type", typ, "error", err)
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	case <-c.writer:
	}
}

func (c *connection) sendError(code, message string) {
	c.push(MsgError, ErrorResponse{Error: message, Code: code})
}
