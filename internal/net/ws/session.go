// Package ws is the client side of the single persistent socket. Frames are
// multiplexed by channel name; one reader goroutine dispatches them in
// arrival order and each handler finishes before the next frame is read.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/free-drones/drone-interactive-map-sub000/internal/net/proto"
	"github.com/free-drones/drone-interactive-map-sub000/internal/telemetry"
)

// ErrNotConnected is returned when sending without an open connection.
var ErrNotConnected = errors.New("ws: not connected")

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Endpoint locates the map service.
type Endpoint struct {
	Address   string
	Port      int
	Namespace string
}

// URL renders ws://address:port/namespace.
func (e Endpoint) URL() string {
	u := url.URL{
		Scheme: "ws",
		Host:   net.JoinHostPort(e.Address, strconv.Itoa(e.Port)),
		Path:   "/" + strings.TrimPrefix(e.Namespace, "/"),
	}
	return u.String()
}

// Handler receives the data of one frame.
type Handler func(data json.RawMessage)

type Options struct {
	Logger       telemetry.Logger
	Dialer       *websocket.Dialer
	WriteTimeout time.Duration
	// OnDisconnect runs on the reader goroutine when the current connection
	// ends, whether closed locally or by the peer. It does not run for a
	// connection replaced by a later Initialize.
	OnDisconnect func(err error)
}

type link struct {
	conn       *websocket.Conn
	superseded bool
}

type subscription struct {
	id      uint64
	once    bool
	handler Handler
}

// Session owns at most one connection at a time. Subscriptions belong to the
// session and survive reconnects.
type Session struct {
	mu      sync.Mutex
	state   State
	current *link
	opts    Options
	logger  telemetry.Logger

	writeMu sync.Mutex

	subsMu sync.Mutex
	subs   map[string][]*subscription
	nextID uint64
}

func NewSession() *Session {
	return &Session{
		logger: telemetry.OrDefault(nil),
		subs:   make(map[string][]*subscription),
	}
}

// Initialize dials endpoint and makes the new connection current. An existing
// connection is closed without draining.
func (s *Session) Initialize(ctx context.Context, endpoint Endpoint, opts Options) error {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	s.mu.Lock()
	previous := s.current
	if previous != nil {
		previous.superseded = true
	}
	s.current = nil
	s.state = StateConnecting
	s.opts = opts
	s.logger = telemetry.OrDefault(opts.Logger)
	s.mu.Unlock()

	if previous != nil {
		previous.conn.Close()
	}

	conn, resp, err := dialer.DialContext(ctx, endpoint.URL(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		s.mu.Lock()
		if s.current == nil {
			s.state = StateDisconnected
		}
		s.mu.Unlock()
		return fmt.Errorf("ws: dial %s: %w", endpoint.URL(), err)
	}

	l := &link{conn: conn}
	s.mu.Lock()
	s.current = l
	s.state = StateConnected
	logger := s.logger
	s.mu.Unlock()

	logger.Printf("connected to %s", endpoint.URL())
	go s.readLoop(l)
	return nil
}

// Disconnect closes the current connection unconditionally.
func (s *Session) Disconnect() {
	s.mu.Lock()
	l := s.current
	s.current = nil
	s.state = StateDisconnected
	s.mu.Unlock()

	if l == nil {
		return
	}
	s.writeMu.Lock()
	l.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	s.writeMu.Unlock()
	l.conn.Close()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Connected() bool {
	return s.State() == StateConnected
}

// SendRaw writes payload as one frame on channel. It does not wait for any reply.
func (s *Session) SendRaw(channel string, payload any) error {
	data, err := proto.EncodeFrame(channel, payload)
	if err != nil {
		return err
	}

	s.mu.Lock()
	l := s.current
	timeout := s.opts.WriteTimeout
	s.mu.Unlock()
	if l == nil {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if timeout > 0 {
		l.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	if err := l.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("ws: send on %s: %w", channel, err)
	}
	return nil
}

// Subscribe registers a persistent handler for channel.
func (s *Session) Subscribe(channel string, handler Handler) (cancel func()) {
	return s.register(channel, handler, false)
}

// Once registers a handler that is removed before its first invocation.
func (s *Session) Once(channel string, handler Handler) (cancel func()) {
	return s.register(channel, handler, true)
}

func (s *Session) register(channel string, handler Handler, once bool) func() {
	s.subsMu.Lock()
	s.nextID++
	sub := &subscription{id: s.nextID, once: once, handler: handler}
	s.subs[channel] = append(s.subs[channel], sub)
	s.subsMu.Unlock()

	return func() { s.remove(channel, sub.id) }
}

func (s *Session) remove(channel string, id uint64) bool {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	subs := s.subs[channel]
	for i, sub := range subs {
		if sub.id != id {
			continue
		}
		subs = append(subs[:i:i], subs[i+1:]...)
		if len(subs) == 0 {
			delete(s.subs, channel)
		} else {
			s.subs[channel] = subs
		}
		return true
	}
	return false
}

// handlersFor snapshots the handlers of channel and unregisters one-shot ones.
func (s *Session) handlersFor(channel string) []Handler {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	subs := s.subs[channel]
	if len(subs) == 0 {
		return nil
	}
	handlers := make([]Handler, 0, len(subs))
	kept := subs[:0:0]
	for _, sub := range subs {
		handlers = append(handlers, sub.handler)
		if !sub.once {
			kept = append(kept, sub)
		}
	}
	if len(kept) == 0 {
		delete(s.subs, channel)
	} else {
		s.subs[channel] = kept
	}
	return handlers
}

func (s *Session) readLoop(l *link) {
	var readErr error
	for {
		_, payload, err := l.conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}

		frame, err := proto.DecodeFrame(payload)
		if err != nil {
			s.loggerSnapshot().Printf("discarding malformed frame: %v", err)
			continue
		}

		handlers := s.handlersFor(frame.Event)
		if len(handlers) == 0 {
			s.loggerSnapshot().Printf("no handler for channel %q", frame.Event)
			continue
		}
		for _, handler := range handlers {
			handler(frame.Data)
		}
	}

	s.mu.Lock()
	if s.current == l {
		s.current = nil
		s.state = StateDisconnected
	}
	superseded := l.superseded
	onDisconnect := s.opts.OnDisconnect
	logger := s.logger
	s.mu.Unlock()

	l.conn.Close()
	if superseded {
		return
	}
	if websocket.IsCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		logger.Printf("connection closed")
	} else {
		logger.Printf("connection lost: %v", readErr)
	}
	if onDisconnect != nil {
		onDisconnect(readErr)
	}
}

func (s *Session) loggerSnapshot() telemetry.Logger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logger
}
