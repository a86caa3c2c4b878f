// Package feed broadcasts engine notices as JSON over websockets so an
// external viewer can follow a running watch session.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	subscriberBuffer = 64
	writeTimeout     = 5 * time.Second
	shutdownTimeout  = 5 * time.Second
)

// Hub fans published values out to every connected subscriber. A
// subscriber that falls behind by more than its buffer is disconnected.
type Hub struct {
	logger *slog.Logger

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

type subscriber struct {
	msgs chan any
	slow func()
}

// NewHub creates an empty Hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}

	return &Hub{
		logger: logger,
		subs:   make(map[*subscriber]struct{}),
	}
}

// Publish queues v for every subscriber without blocking.
func (h *Hub) Publish(v any) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for s := range h.subs {
		select {
		case s.msgs <- v:
		default:
			delete(h.subs, s)
			go s.slow()
		}
	}
}

// Subscribers returns the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.subs)
}

func (h *Hub) add(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.subs[s] = struct{}{}
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.subs, s)
}

// ServeHTTP upgrades the request and streams published values until the
// client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("feed: accepting websocket", slog.String("error", err.Error()))
		return
	}
	defer c.CloseNow()

	// Readers are not expected to send anything; CloseRead handles pings
	// and ends ctx when the peer closes.
	ctx := c.CloseRead(r.Context())

	s := &subscriber{
		msgs: make(chan any, subscriberBuffer),
		slow: func() {
			c.Close(websocket.StatusPolicyViolation, "connection too slow to keep up with notices")
		},
	}

	h.add(s)
	defer h.remove(s)

	h.logger.Debug("feed: subscriber connected", slog.String("remote", r.RemoteAddr))

	for {
		select {
		case <-ctx.Done():
			return
		case v := <-s.msgs:
			if err := writeWithTimeout(ctx, c, v); err != nil {
				h.logger.Debug("feed: subscriber gone", slog.String("remote", r.RemoteAddr), slog.String("error", err.Error()))
				return
			}
		}
	}
}

func writeWithTimeout(ctx context.Context, c *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	return wsjson.Write(ctx, c, v)
}

// Server exposes a Hub at /events.
type Server struct {
	hub    *Hub
	logger *slog.Logger

	listener net.Listener
	server   *http.Server
}

// NewServer creates a Server for hub.
func NewServer(hub *Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.Handle("GET /events", hub)

	return &Server{
		hub:    hub,
		logger: logger,
		server: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
	}
}

// Start listens on addr and serves until ctx is done.
func (s *Server) Start(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("feed: listen %s: %w", addr, err)
	}

	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("feed: server error", slog.String("error", err.Error()))
		}
	}()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	s.logger.Info("event feed listening", slog.String("address", listener.Addr().String()))

	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}

	return s.listener.Addr().String()
}

// Stop shuts the server down.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	_ = s.server.Shutdown(ctx)
}
