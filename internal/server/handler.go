package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/acheong08/safedeps/internal/failure"
	"github.com/acheong08/safedeps/internal/telemetry"
)

const (
	sendBuffer   = 256
	pingInterval = 30 * time.Second
)

// Handler upgrades requests to websocket sessions that run optimize and
// fix requests against local projects.
type Handler struct {
	svc      *Services
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandler creates a websocket handler
func NewHandler(svc *Services, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		svc: svc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: logger,
	}
}

// NewMux serves /ws, /health and /metrics
func NewMux(h *Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	mux.Handle("/ws", h)
	mux.Handle("/metrics", telemetry.MetricsHandler())
	return mux
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade connection", "error", err)
		return
	}
	c := newClient(conn, h.svc, h.logger.With("remote", r.RemoteAddr))
	go c.writePump()
	go c.readPump()
}

// client is one connected websocket session. It runs at most one request
// at a time.
type client struct {
	conn   *websocket.Conn
	svc    *Services
	logger *slog.Logger
	send   chan Message
	done   chan struct{}
	once   sync.Once

	mu     sync.Mutex
	cancel context.CancelFunc
}

func newClient(conn *websocket.Conn, svc *Services, logger *slog.Logger) *client {
	return &client{
		conn:   conn,
		svc:    svc,
		logger: logger,
		send:   make(chan Message, sendBuffer),
		done:   make(chan struct{}),
	}
}

func (c *client) enqueue(msg Message) {
	select {
	case <-c.done:
	case c.send <- msg:
	default:
		c.logger.Warn("Message channel full, dropping message", "type", msg.Type)
	}
}

func (c *client) shutdown() {
	c.once.Do(func() {
		close(c.done)
		c.mu.Lock()
		if c.cancel != nil {
			c.cancel()
		}
		c.mu.Unlock()
	})
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Debug("Error writing message", "error", err)
				c.shutdown()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		case <-c.done:
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *client) readPump() {
	defer c.shutdown()

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("WebSocket error", "error", err)
			}
			return
		}

		switch msg.Type {
		case TypeOptimize:
			payload, err := ParsePayload[OptimizePayload](msg)
			if err != nil {
				c.enqueue(NewErrorMessage("Failed to parse optimize request", &failure.InputError{Msg: "bad payload", Err: err}))
				continue
			}
			c.start(func(ctx context.Context, p *Pipeline) failure.Result { return p.Optimize(ctx, *payload) })
		case TypeFix:
			payload, err := ParsePayload[FixPayload](msg)
			if err != nil {
				c.enqueue(NewErrorMessage("Failed to parse fix request", &failure.InputError{Msg: "bad payload", Err: err}))
				continue
			}
			c.start(func(ctx context.Context, p *Pipeline) failure.Result { return p.Fix(ctx, *payload) })
		case TypeCancel:
			c.mu.Lock()
			if c.cancel != nil {
				c.cancel()
			}
			c.mu.Unlock()
		case TypePing:
			c.enqueue(Message{Type: TypePong})
		default:
			c.enqueue(NewErrorMessage(fmt.Sprintf("Unknown message type: %s", msg.Type), nil))
		}
	}
}

// start launches a request unless one is already running
func (c *client) start(run func(context.Context, *Pipeline) failure.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.enqueue(NewErrorMessage("Request already in progress", nil))
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	sender := &runSender{client: c}
	p := NewPipeline(c.svc, sender)
	sender.runID = p.RunID()

	go func() {
		res := run(ctx, p)
		cancelled := errors.Is(ctx.Err(), context.Canceled)

		c.mu.Lock()
		c.cancel = nil
		c.mu.Unlock()
		cancel()

		if cancelled && !res.OK {
			sender.SendLog("Request cancelled", "warning")
		}
		sender.SendMessage(NewCompleteMessage(res))
	}()
}

// runSender stamps every message with its run id
type runSender struct {
	client *client
	runID  string
}

func (s *runSender) SendMessage(msg Message) {
	msg.RunID = s.runID
	s.client.enqueue(msg)
}

func (s *runSender) SendLog(message, level string) {
	s.SendMessage(NewLogMessage(message, level))
}

func (s *runSender) SendProgress(percent int, stage, message string) {
	s.SendMessage(NewProgressMessage(percent, stage, message))
}

func (s *runSender) SendError(message string, err error) {
	s.SendMessage(NewErrorMessage(message, err))
}
