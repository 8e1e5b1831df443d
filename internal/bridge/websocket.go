// Package bridge publishes engine state to a consumer UI over a websocket
// and accepts save/delete/use commands back. It is a collaborator around
// the engine, not part of the engine itself.
package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/TheMichaelB/capsync/internal/engine"
	"github.com/TheMichaelB/capsync/internal/events"
	"github.com/TheMichaelB/capsync/internal/models"
)

const (
	writeTimeout = 10 * time.Second

	// stateQueueSize bounds per-connection snapshot buffering; when the
	// consumer is slow, older snapshots are dropped in favor of the latest.
	stateQueueSize = 16
)

// Frame is one message pushed to the consumer.
type Frame struct {
	Type   string              `json:"type"` // "state", "saved", "error"
	State  *models.EngineState `json:"state,omitempty"`
	Record *models.FileRecord  `json:"record,omitempty"`
	Error  string              `json:"error,omitempty"`
}

// Command is one message received from the consumer. Data is
// base64-encoded by encoding/json.
type Command struct {
	Op      string                `json:"op"` // "save", "delete", "use"
	Data    []byte                `json:"data,omitempty"`
	Options models.SaveOptions    `json:"options,omitempty"`
	Targets []models.DeleteTarget `json:"targets,omitempty"`
	FileSet string                `json:"file_set,omitempty"`
}

// Server serves the bridge endpoint at /ws.
type Server struct {
	eng    *engine.Engine
	logger *events.Logger

	upgrader websocket.Upgrader
}

// NewServer creates a bridge around the engine.
func NewServer(eng *engine.Engine, logger *events.Logger) *Server {
	return &Server{
		eng:    eng,
		logger: logger.WithField("component", "bridge"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
		},
	}
}

// Handler returns the HTTP handler exposing the bridge.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

// ListenAndServe blocks serving the bridge until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.WithField("addr", addr).Info("Bridge listening")
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("Websocket upgrade failed")
		return
	}

	c := &bridgeConn{
		server: s,
		conn:   conn,
		states: make(chan *models.EngineState, stateQueueSize),
		frames: make(chan Frame, stateQueueSize),
		done:   make(chan struct{}),
	}

	unsubscribe := s.eng.Subscribe(c.enqueueState)
	defer unsubscribe()

	// Initial snapshot so the consumer renders immediately.
	c.enqueueState(s.eng.Snapshot())

	go c.writeLoop()
	c.readLoop()
}

type bridgeConn struct {
	server *Server
	conn   *websocket.Conn

	states chan *models.EngineState
	frames chan Frame

	closeOnce sync.Once
	done      chan struct{}
}

func (c *bridgeConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// enqueueState queues a snapshot, dropping the oldest when the consumer
// lags. Called from the engine's notify path, so it must never block.
func (c *bridgeConn) enqueueState(state *models.EngineState) {
	for {
		select {
		case c.states <- state:
			return
		case <-c.done:
			return
		default:
		}
		select {
		case <-c.states:
		default:
		}
	}
}

func (c *bridgeConn) sendFrame(f Frame) {
	select {
	case c.frames <- f:
	case <-c.done:
	}
}

func (c *bridgeConn) writeLoop() {
	defer c.close()

	for {
		var frame Frame
		select {
		case state := <-c.states:
			frame = Frame{Type: "state", State: state}
			if state.Err != nil {
				frame.Error = state.Err.Error()
			}
		case frame = <-c.frames:
		case <-c.done:
			return
		}

		data, err := json.Marshal(frame)
		if err != nil {
			c.server.logger.WithError(err).Error("Marshal bridge frame")
			continue
		}

		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

func (c *bridgeConn) readLoop() {
	defer c.close()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.sendFrame(Frame{Type: "error", Error: "malformed command: " + err.Error()})
			continue
		}
		c.dispatch(cmd)
	}
}

func (c *bridgeConn) dispatch(cmd Command) {
	switch cmd.Op {
	case "save":
		ticket, err := c.server.eng.SaveFile(context.Background(), cmd.Data, cmd.Options)
		if err != nil {
			c.sendFrame(Frame{Type: "error", Error: err.Error()})
			return
		}
		go func() {
			rec, err := ticket.Wait(context.Background())
			if err != nil {
				c.sendFrame(Frame{Type: "error", Error: err.Error()})
				return
			}
			c.sendFrame(Frame{Type: "saved", Record: rec})
		}()

	case "delete":
		c.server.eng.DeleteFiles(cmd.Targets)

	case "use":
		c.server.eng.SwitchFileSet(cmd.FileSet)

	default:
		c.sendFrame(Frame{Type: "error", Error: "unknown op " + cmd.Op})
	}
}
