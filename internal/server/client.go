package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"scadview/internal/logx"
	"scadview/internal/param"
	"scadview/internal/render"
	"scadview/internal/session"
	"scadview/internal/watch"
)

const (
	writeWait       = 10 * time.Second
	defaultPongWait = 60 * time.Second
	maxInbound      = 1 << 20
	sendQueueLen    = 64
)

// Messages sent to views.

type loadingMessage struct {
	Type    string `json:"type"` // loadingState
	Loading bool   `json:"loading"`
	Message string `json:"message,omitempty"`
}

type updateMessage struct {
	Type    string        `json:"type"` // update
	Content string        `json:"content"`
	Format  render.Format `json:"format"`
}

type parametersMessage struct {
	Type       string            `json:"type"` // updateParameters
	Parameters []param.Parameter `json:"parameters"`
	Overrides  map[string]any    `json:"overrides"`
}

type exportedMessage struct {
	Type    string        `json:"type"` // exported
	Name    string        `json:"name"`
	Content string        `json:"content"`
	Format  render.Format `json:"format"`
}

type errorMessage struct {
	Type    string `json:"type"` // error
	Message string `json:"message"`
}

// inbound is any message a view sends.
type inbound struct {
	Type    string          `json:"type"`
	Name    string          `json:"name,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
	Format  string          `json:"format,omitempty"`
	Message string          `json:"message,omitempty"`
}

// client is one connected view of a session.
type client struct {
	id   string
	conn *websocket.Conn
	sess *session.Session
	log  *logx.Logger

	ctx    context.Context
	cancel context.CancelFunc

	pongWait time.Duration

	ready  atomic.Bool
	send   chan []byte
	done   chan struct{}
	unsubs []func()
	tasks  sync.WaitGroup
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	// Checked before Acquire so a foreign page cannot start a watch.
	if !sameOrigin(r) {
		http.Error(w, "cross-origin request", http.StatusForbidden)
		return
	}
	path, code, err := sourceFile(r)
	if err != nil {
		http.Error(w, err.Error(), code)
		return
	}

	sess, release, err := s.manager.Acquire(path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer release()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		s.log.Warn("WebSocket upgrade failed: %v", err)
		return
	}

	c := newClient(conn, sess, s.log, s.opts.PongWait)
	s.track(c)
	defer s.untrack(c)

	s.log.Info("View %s attached to %s", c.id[:8], sess.Name())
	c.run()
	s.log.Info("View %s detached from %s", c.id[:8], sess.Name())
}

func newClient(conn *websocket.Conn, sess *session.Session, log *logx.Logger, pongWait time.Duration) *client {
	ctx, cancel := context.WithCancel(context.Background())
	return &client{
		id:       uuid.NewString(),
		conn:     conn,
		sess:     sess,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		pongWait: pongWait,
		send:     make(chan []byte, sendQueueLen),
		done:     make(chan struct{}),
	}
}

// run pumps messages until the view goes away.
func (c *client) run() {
	c.subscribe()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()

	c.readLoop()

	for _, unsub := range c.unsubs {
		unsub()
	}
	c.cancel()
	close(c.done)
	<-writerDone
	c.tasks.Wait()
	c.conn.Close()
}

func (c *client) subscribe() {
	c.unsubs = append(c.unsubs,
		c.sess.RenderStarted.Subscribe(func(struct{}) {
			c.enqueue(loadingMessage{Type: "loadingState", Loading: true, Message: "Generating model..."})
		}),
		c.sess.PreviewUpdated.Subscribe(func(p watch.Preview) {
			if p.Loading {
				c.enqueue(loadingMessage{Type: "loadingState", Loading: true, Message: "Loading model..."})
				return
			}
			c.enqueue(update(p))
		}),
		c.sess.ParametersUpdated.Subscribe(func(u session.ParameterUpdate) {
			if c.ready.Load() {
				c.enqueue(parameters(u))
			}
		}),
		c.sess.RenderFailed.Subscribe(func(err error) {
			if render.Classify(err) == render.CategorySpawn {
				c.enqueue(errorMessage{Type: "error", Message: err.Error()})
				return
			}
			c.enqueue(loadingMessage{Type: "loadingState", Loading: false, Message: "Render failed: " + exportFailure(err)})
		}),
	)
}

func update(p watch.Preview) updateMessage {
	return updateMessage{
		Type:    "update",
		Content: base64.StdEncoding.EncodeToString(p.Data),
		Format:  p.Format,
	}
}

func parameters(u session.ParameterUpdate) parametersMessage {
	params := u.Parameters
	if params == nil {
		params = []param.Parameter{}
	}
	return parametersMessage{
		Type:       "updateParameters",
		Parameters: params,
		Overrides:  nativeOverrides(u.Overrides),
	}
}

// enqueue queues v for the writer. It never blocks: messages for a view
// that cannot keep up are dropped.
func (c *client) enqueue(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.log.Error("Encode message for view %s: %v", c.id[:8], err)
		return
	}
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- data:
	default:
		c.log.Warn("View %s is not keeping up, dropping message", c.id[:8])
	}
}

func (c *client) writeLoop() {
	ping := time.NewTicker(c.pongWait * 9 / 10)
	defer ping.Stop()
	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// readLoop reads until the view closes or stops answering pings; a
// half-open connection ends when the read deadline passes.
func (c *client) readLoop() {
	c.conn.SetReadLimit(maxInbound)
	c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn("View %s: %v", c.id[:8], err)
			}
			return
		}
		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			c.enqueue(errorMessage{Type: "error", Message: "malformed message: " + err.Error()})
			continue
		}
		c.handle(msg)
	}
}

func (c *client) handle(msg inbound) {
	switch msg.Type {
	case "ready":
		c.ready.Store(true)
		if p, ok := c.sess.LastPreview(); ok {
			c.enqueue(update(p))
		}
		c.enqueue(parameters(c.sess.Parameters()))

	case "parameterChanged":
		v, err := param.FromJSON(msg.Value)
		if err != nil {
			c.enqueue(errorMessage{Type: "error", Message: fmt.Sprintf("parameter %s: %v", msg.Name, err)})
			return
		}
		c.sess.UpdateParameterValue(msg.Name, v)

	case "exportModel":
		format := render.FormatSTL
		if msg.Format != "" {
			f, err := render.ParseFormat(msg.Format)
			if err != nil {
				c.enqueue(errorMessage{Type: "error", Message: err.Error()})
				return
			}
			format = f
		}
		c.tasks.Add(1)
		go func() {
			defer c.tasks.Done()
			c.export(format)
		}()

	case "error":
		c.log.Warn("Preview error in %s: %s", c.sess.Name(), msg.Message)

	default:
		c.log.Warn("View %s sent unknown message %q", c.id[:8], msg.Type)
	}
}

func (c *client) export(format render.Format) {
	label := strings.ToUpper(string(format))
	data, err := c.sess.Export(c.ctx, format)
	if err != nil {
		if render.IsCancelled(err) {
			return
		}
		c.log.Warn("Export of %s as %s failed: %v", c.sess.Name(), label, err)
		c.enqueue(errorMessage{Type: "error", Message: fmt.Sprintf("Failed to export %s: %s", label, exportFailure(err))})
		return
	}
	c.enqueue(exportedMessage{
		Type:    "exported",
		Name:    filepath.Base(session.DefaultExportPath(c.sess.Path(), format)),
		Content: base64.StdEncoding.EncodeToString(data),
		Format:  format,
	})
}
