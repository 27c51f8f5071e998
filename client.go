// Package dronemap is the client of the drone interactive map service. A
// Client owns one socket session, serializes downstream calls through the
// request queue, answers server pushes and keeps the area of interest, the
// picture collections and the priority token in sync with the server.
package dronemap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/trace"

	"github.com/free-drones/drone-interactive-map-sub000/internal/area"
	"github.com/free-drones/drone-interactive-map-sub000/internal/geo"
	"github.com/free-drones/drone-interactive-map-sub000/internal/net/proto"
	"github.com/free-drones/drone-interactive-map-sub000/internal/net/queue"
	"github.com/free-drones/drone-interactive-map-sub000/internal/net/ws"
	"github.com/free-drones/drone-interactive-map-sub000/internal/pictures"
	"github.com/free-drones/drone-interactive-map-sub000/internal/telemetry"
	"github.com/free-drones/drone-interactive-map-sub000/logging"
	loggingnetwork "github.com/free-drones/drone-interactive-map-sub000/logging/network"
)

// Priority token values. Only the holder of PriorityHigh may define the area.
const (
	PriorityHigh    = 1
	PriorityDemoted = 5
)

// ScreenMain is the screen a priority handoff forces the user back to.
const ScreenMain = "Main"

type MessageKind string

const (
	MessageError     MessageKind = "error"
	MessageInfo      MessageKind = "message"
	MessageException MessageKind = "exception"
)

// Message is a user-facing log record.
type Message struct {
	Kind    MessageKind
	Heading string
	Body    string
	At      time.Time
}

// Hooks are called on the session's reader goroutine, or on the caller's
// goroutine for local area edits. They must not block.
type Hooks struct {
	OnAreaEdit func(area.Edit)
	OnPictures func(added, removed []pictures.Picture)
	OnMessage  func(Message)
	OnScreen   func(screen string)
	OnDrones   func(current map[string]proto.Drone)
}

// Metrics receives client metrics. *observability.ClientCollector implements it.
type Metrics interface {
	queue.Recorder
	PushReceived(kind string, acked bool)
	AreaEdit(kind, result string)
	PriorityHandoff()
	SetConnected(connected bool)
}

type Config struct {
	Endpoint     ws.Endpoint
	Timeout      time.Duration
	WriteTimeout time.Duration
	Dialer       *websocket.Dialer
	Logger       telemetry.Logger
	Publisher    logging.Publisher
	Metrics      Metrics
	Tracer       trace.Tracer
	Hooks        Hooks

	// AfterFunc and Now replace the queue's timers and clock in tests.
	AfterFunc queue.AfterFunc
	Now       func() time.Time
}

type Client struct {
	cfg       Config
	logger    telemetry.Logger
	publisher logging.Publisher
	metrics   Metrics
	now       func() time.Time

	session  *ws.Session
	queue    *queue.Queue
	area     *area.Model
	active   *pictures.ActiveSet
	requests *pictures.PriorityQueue

	mu             sync.Mutex
	clientID       int
	priority       int
	bounds         geo.Bounds
	screen         string
	drones         map[string]proto.Drone
	previousDrones map[string]proto.Drone
	messages       []Message

	unsubscribe []func()
}

func New(cfg Config) *Client {
	c := &Client{
		cfg:       cfg,
		logger:    telemetry.OrDefault(cfg.Logger),
		publisher: cfg.Publisher,
		metrics:   cfg.Metrics,
		now:       cfg.Now,
		priority:  PriorityHigh,
		screen:    ScreenMain,
	}
	if c.publisher == nil {
		c.publisher = logging.NopPublisher()
	}
	if c.metrics == nil {
		c.metrics = nopMetrics{}
	}
	if c.now == nil {
		c.now = time.Now
	}

	c.session = ws.NewSession()
	c.queue = queue.New(queue.Config{
		Transport: c.session,
		Timeout:   cfg.Timeout,
		OnError:   c.report,
		Logger:    c.logger,
		Publisher: c.publisher,
		Recorder:  c.metrics,
		Tracer:    cfg.Tracer,
		AfterFunc: cfg.AfterFunc,
		Now:       c.now,
	})
	c.area = area.New(area.Config{
		Observer:  area.ObserverFunc(c.areaChanged),
		Publisher: c.publisher,
	})
	c.active = pictures.NewActiveSet()
	c.requests = pictures.NewPriorityQueue(c.now)

	c.unsubscribe = []func(){
		c.session.Subscribe(proto.ChannelNotify, c.handleNotify),
		c.session.Subscribe(proto.ChannelSetPriority, c.handleSetPriority),
		c.session.Subscribe(proto.ChannelSetClientID, c.handleSetClientID),
	}
	return c
}

// Open connects to the configured endpoint, replacing any open connection.
// Requests that belonged to a replaced connection are dropped.
func (c *Client) Open(ctx context.Context) error {
	reopened := c.session.State() != ws.StateDisconnected
	err := c.session.Initialize(ctx, c.cfg.Endpoint, ws.Options{
		Logger:       c.logger,
		Dialer:       c.cfg.Dialer,
		WriteTimeout: c.cfg.WriteTimeout,
		OnDisconnect: c.handleDisconnect,
	})
	if reopened {
		// A superseded link never reports OnDisconnect.
		dropped := c.queue.Reset()
		loggingnetwork.Disconnected(context.Background(), c.publisher, loggingnetwork.DisconnectPayload{Reason: "superseded", Dropped: dropped}, nil)
	}
	if err != nil {
		c.metrics.SetConnected(false)
		return err
	}
	c.metrics.SetConnected(true)
	return nil
}

// Close ends the session. Pending requests are dropped.
func (c *Client) Close() {
	c.session.Disconnect()
}

// Shutdown closes the session and removes the push handlers. The client
// cannot be reopened afterwards.
func (c *Client) Shutdown() {
	c.Close()
	for _, cancel := range c.unsubscribe {
		cancel()
	}
	c.unsubscribe = nil
}

func (c *Client) Connected() bool {
	return c.session.Connected()
}

func (c *Client) handleDisconnect(err error) {
	dropped := c.queue.Reset()
	c.metrics.SetConnected(false)

	reason := ""
	if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		reason = err.Error()
	}
	loggingnetwork.Disconnected(context.Background(), c.publisher, loggingnetwork.DisconnectPayload{Reason: reason, Dropped: dropped}, nil)
}

// Area exposes the area model for local edits.
func (c *Client) Area() *area.Model {
	return c.area
}

func (c *Client) ActivePictures() *pictures.ActiveSet {
	return c.active
}

func (c *Client) PriorityRequests() *pictures.PriorityQueue {
	return c.requests
}

// Queue exposes the request queue, mostly for inspection.
func (c *Client) Queue() *queue.Queue {
	return c.queue
}

func (c *Client) ClientID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// Priority returns the current priority token.
func (c *Client) Priority() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.priority
}

func (c *Client) Bounds() geo.Bounds {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bounds
}

// SetBounds records the map bounds sent with the next set_area.
func (c *Client) SetBounds(b geo.Bounds) error {
	if !b.Valid() {
		return &proto.ValidationError{Field: "bounds", Reason: "both corners must be finite"}
	}
	c.mu.Lock()
	c.bounds = b
	c.mu.Unlock()
	return nil
}

func (c *Client) Screen() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.screen
}

// SetScreen records the screen the user navigated to.
func (c *Client) SetScreen(screen string) {
	c.mu.Lock()
	c.screen = screen
	c.mu.Unlock()
	if c.cfg.Hooks.OnScreen != nil {
		c.cfg.Hooks.OnScreen(screen)
	}
}

// Drones returns the latest and the previous fleet snapshots.
func (c *Client) Drones() (current, previous map[string]proto.Drone) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copyDrones(c.drones), copyDrones(c.previousDrones)
}

// Messages returns the user-facing log, oldest first.
func (c *Client) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.messages...)
}

// ClearMessages empties the user-facing log.
func (c *Client) ClearMessages() {
	c.mu.Lock()
	c.messages = nil
	c.mu.Unlock()
}

// InsertVertex adds a vertex to the area, recording the outcome in metrics.
func (c *Client) InsertVertex(v geo.Coordinate) (area.Edit, error) {
	edit, err := c.area.InsertVertex(v)
	c.recordEdit(string(area.EditInsert), err)
	return edit, err
}

// RemoveVertex handles a click on the vertex at index.
func (c *Client) RemoveVertex(index int) (area.Edit, error) {
	edit, err := c.area.RemoveVertex(index)
	kind := string(edit.Kind)
	if kind == "" {
		kind = "remove"
	}
	c.recordEdit(kind, err)
	return edit, err
}

// ClearArea empties the area.
func (c *Client) ClearArea() area.Edit {
	edit := c.area.Clear()
	c.recordEdit(string(area.EditClear), nil)
	return edit
}

func (c *Client) recordEdit(kind string, err error) {
	var conflict *area.ConflictError
	switch {
	case err == nil:
		c.metrics.AreaEdit(kind, "committed")
	case errors.As(err, &conflict):
		c.metrics.AreaEdit(kind, "conflict")
		c.addMessage(MessageInfo, "Crossing lines", err.Error())
	default:
		c.metrics.AreaEdit(kind, "invalid")
	}
}

func (c *Client) areaChanged(edit area.Edit) {
	if c.cfg.Hooks.OnAreaEdit != nil {
		c.cfg.Hooks.OnAreaEdit(edit)
	}
}

// report routes asynchronous request failures to the log and the user.
func (c *Client) report(err error) {
	var (
		remote    *queue.RemoteError
		timeout   *queue.TimeoutError
		violation *queue.ProtocolViolationError
		dropped   *queue.DroppedError
	)
	switch {
	case errors.As(err, &remote):
		c.addMessage(MessageError, "Error "+remote.Kind, remote.Report)
	case errors.As(err, &timeout):
		c.addMessage(MessageError, "Timeout "+timeout.Kind, err.Error())
	case errors.As(err, &violation):
		c.logger.Printf("%v", err)
		c.addMessage(MessageException, "Protocol violation", err.Error())
	case errors.As(err, &dropped):
		c.logger.Printf("%v", err)
	default:
		c.logger.Printf("request failed: %v", err)
		c.addMessage(MessageError, "Request failed", err.Error())
	}
}

func (c *Client) addMessage(kind MessageKind, heading, body string) {
	msg := Message{Kind: kind, Heading: heading, Body: body, At: c.now()}
	c.mu.Lock()
	c.messages = append(c.messages, msg)
	c.mu.Unlock()
	if c.cfg.Hooks.OnMessage != nil {
		c.cfg.Hooks.OnMessage(msg)
	}
}

func (c *Client) enqueue(ctx context.Context, kind string, arg any, onAck queue.Callback) error {
	if _, err := c.queue.Enqueue(ctx, kind, proto.NewRequest(kind, arg), onAck); err != nil {
		return fmt.Errorf("%s: %w", kind, err)
	}
	return nil
}

func copyDrones(src map[string]proto.Drone) map[string]proto.Drone {
	if src == nil {
		return nil
	}
	dst := make(map[string]proto.Drone, len(src))
	for id, d := range src {
		dst[id] = d
	}
	return dst
}

type nopMetrics struct{}

func (nopMetrics) RequestSent(string) {}

func (nopMetrics) RequestFinished(string, string, time.Duration) {}

func (nopMetrics) QueueDepth(int) {}

func (nopMetrics) PushReceived(string, bool) {}

func (nopMetrics) AreaEdit(string, string) {}

func (nopMetrics) PriorityHandoff() {}

func (nopMetrics) SetConnected(bool) {}
