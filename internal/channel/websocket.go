// Package channel exposes the agent pool to remote clients over a JSON
// WebSocket connection and relays bus events to clients that subscribe.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cexll/agentsdk-go/pkg/core/events"
	"github.com/coder/websocket"
	"github.com/m-mizutani/goerr/v2"

	"github.com/stellarlinkco/clawpool/internal/agent"
	"github.com/stellarlinkco/clawpool/internal/bus"
	"github.com/stellarlinkco/clawpool/internal/errs"
	"github.com/stellarlinkco/clawpool/internal/logging"
)

const (
	writeTimeout    = 5 * time.Second
	eventStreamSize = 256
)

// Request types accepted from clients.
const (
	TypeCreate      = "create"
	TypeStop        = "stop"
	TypeList        = "list"
	TypeStats       = "stats"
	TypeState       = "state"
	TypeMessage     = "message"
	TypeTask        = "task"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePing        = "ping"
)

// Response types sent to clients.
const (
	TypeResult = "result"
	TypeError  = "error"
	TypeEvent  = "event"
	TypePong   = "pong"
)

type Request struct {
	ID           string `json:"id,omitempty"`
	Type         string `json:"type"`
	AgentID      string `json:"agentId,omitempty"`
	Name         string `json:"name,omitempty"`
	SystemPrompt string `json:"systemPrompt,omitempty"`
	Content      string `json:"content,omitempty"`
}

type Response struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	AgentID string `json:"agentId,omitempty"`
	Content string `json:"content,omitempty"`
	Topic   string `json:"topic,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Kind    string `json:"kind,omitempty"`
}

// Pool is the subset of agent.Pool the channel drives.
type Pool interface {
	CreateAgent(name, systemPrompt string) (string, error)
	StopAgent(id string) error
	ListAgents() []agent.Summary
	GetStats() agent.Stats
	GetState(id string) (*agent.Snapshot, error)
	SendMessage(ctx context.Context, id, text string) (string, error)
	AssignTask(ctx context.Context, id, description string) (agent.Task, error)
}

type EventSource interface {
	SubscribeBuffered(topic bus.Topic, size int) (<-chan events.Event, func())
}

type client struct {
	conn   *websocket.Conn
	id     string
	events atomic.Bool
	mu     sync.Mutex
}

func (c *client) send(ctx context.Context, resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return goerr.Wrap(err, "marshal response", goerr.V("type", resp.Type))
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// WebSocketChannel serves /ws and /healthz.
type WebSocketChannel struct {
	pool   Pool
	source EventSource
	addr   string
	log    *slog.Logger

	server   *http.Server
	listener net.Listener
	clients  sync.Map
	nextID   atomic.Int64
	unsubs   []func()
	wg       sync.WaitGroup
	mu       sync.Mutex
}

func NewWebSocketChannel(addr string, pool Pool, source EventSource, logger *slog.Logger) *WebSocketChannel {
	if logger == nil {
		logger = logging.Component("channel")
	}
	return &WebSocketChannel{pool: pool, source: source, addr: addr, log: logger}
}

func (w *WebSocketChannel) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", w.handleWS)
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(w.pool.GetStats())
	})
	return mux
}

// Start listens on the configured address and begins relaying events.
func (w *WebSocketChannel) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", w.addr)
	if err != nil {
		return goerr.Wrap(err, "listen", goerr.V("addr", w.addr))
	}

	w.mu.Lock()
	w.listener = ln
	w.server = &http.Server{
		Handler:           w.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	server := w.server
	w.mu.Unlock()

	w.relayEvents(ctx)

	go func() {
		w.log.Info("listening", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.log.Error("server error", "error", err)
		}
	}()
	return nil
}

// Addr reports the bound address once started.
func (w *WebSocketChannel) Addr() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.listener == nil {
		return w.addr
	}
	return w.listener.Addr().String()
}

func (w *WebSocketChannel) relayEvents(ctx context.Context) {
	if w.source == nil {
		return
	}
	for _, topic := range []bus.Topic{bus.TopicAgentState, bus.TopicAgentTask, bus.TopicNotification} {
		stream, unsub := w.source.SubscribeBuffered(topic, eventStreamSize)
		w.mu.Lock()
		w.unsubs = append(w.unsubs, unsub)
		w.mu.Unlock()

		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			for {
				select {
				case evt, ok := <-stream:
					if !ok {
						return
					}
					w.broadcast(ctx, Response{
						Type:    TypeEvent,
						Topic:   string(evt.Type),
						AgentID: evt.SessionID,
						Data:    evt.Payload,
					})
				case <-ctx.Done():
					return
				}
			}
		}()
	}
}

func (w *WebSocketChannel) broadcast(ctx context.Context, resp Response) {
	w.clients.Range(func(_, value any) bool {
		c := value.(*client)
		if !c.events.Load() {
			return true
		}
		if err := c.send(ctx, resp); err != nil {
			w.log.Debug("event delivery failed", "client", c.id, "error", err)
		}
		return true
	})
}

func (w *WebSocketChannel) handleWS(rw http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(rw, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		w.log.Warn("websocket accept error", "error", err)
		return
	}

	c := &client{conn: conn, id: fmt.Sprintf("ws-%d", w.nextID.Add(1))}
	w.clients.Store(c.id, c)
	w.log.Info("client connected", "client", c.id)

	defer func() {
		w.clients.Delete(c.id)
		conn.CloseNow()
		w.log.Info("client disconnected", "client", c.id)
	}()

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			_ = c.send(ctx, Response{Type: TypeError, Error: "malformed request", Kind: errs.Kind(errs.ErrValidation)})
			continue
		}
		if err := c.send(ctx, w.dispatch(ctx, c, req)); err != nil {
			w.log.Debug("response delivery failed", "client", c.id, "error", err)
			return
		}
	}
}

func (w *WebSocketChannel) dispatch(ctx context.Context, c *client, req Request) Response {
	resp, err := w.handle(ctx, c, req)
	if err != nil {
		return Response{ID: req.ID, Type: TypeError, AgentID: req.AgentID, Error: err.Error(), Kind: errs.Kind(err)}
	}
	resp.ID = req.ID
	if resp.Type == "" {
		resp.Type = TypeResult
	}
	return resp
}

func (w *WebSocketChannel) handle(ctx context.Context, c *client, req Request) (Response, error) {
	switch req.Type {
	case TypeCreate:
		id, err := w.pool.CreateAgent(req.Name, req.SystemPrompt)
		return Response{AgentID: id}, err
	case TypeStop:
		return Response{AgentID: req.AgentID}, w.pool.StopAgent(req.AgentID)
	case TypeList:
		return Response{Data: w.pool.ListAgents()}, nil
	case TypeStats:
		return Response{Data: w.pool.GetStats()}, nil
	case TypeState:
		snap, err := w.pool.GetState(req.AgentID)
		if err != nil {
			return Response{}, err
		}
		return Response{AgentID: req.AgentID, Data: snap}, nil
	case TypeMessage:
		reply, err := w.pool.SendMessage(ctx, req.AgentID, req.Content)
		return Response{AgentID: req.AgentID, Content: reply}, err
	case TypeTask:
		task, err := w.pool.AssignTask(ctx, req.AgentID, req.Content)
		if err != nil {
			return Response{}, err
		}
		return Response{AgentID: req.AgentID, Data: task}, nil
	case TypeSubscribe:
		c.events.Store(true)
		return Response{}, nil
	case TypeUnsubscribe:
		c.events.Store(false)
		return Response{}, nil
	case TypePing:
		return Response{Type: TypePong}, nil
	default:
		return Response{}, goerr.Wrap(errs.ErrValidation, "unknown request type", goerr.V("type", req.Type))
	}
}

// Stop closes the listener, every client and the event relays.
func (w *WebSocketChannel) Stop() error {
	w.mu.Lock()
	server := w.server
	unsubs := w.unsubs
	w.server = nil
	w.unsubs = nil
	w.mu.Unlock()

	var err error
	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(ctx); shutdownErr != nil {
			err = goerr.Wrap(shutdownErr, "shutdown websocket server")
		}
	}
	w.clients.Range(func(_, value any) bool {
		value.(*client).conn.CloseNow()
		return true
	})
	for _, unsub := range unsubs {
		unsub()
	}
	w.wg.Wait()
	w.log.Info("stopped")
	return err
}
