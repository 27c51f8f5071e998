package dronemap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/free-drones/drone-interactive-map-sub000/internal/area"
	"github.com/free-drones/drone-interactive-map-sub000/internal/emulator"
	"github.com/free-drones/drone-interactive-map-sub000/internal/geo"
	"github.com/free-drones/drone-interactive-map-sub000/internal/net/proto"
	"github.com/free-drones/drone-interactive-map-sub000/internal/net/queue"
	"github.com/free-drones/drone-interactive-map-sub000/internal/net/ws"
	"github.com/free-drones/drone-interactive-map-sub000/internal/observability"
	"github.com/free-drones/drone-interactive-map-sub000/internal/pictures"
	"github.com/free-drones/drone-interactive-map-sub000/internal/telemetry"
	"github.com/free-drones/drone-interactive-map-sub000/logging"
	"github.com/free-drones/drone-interactive-map-sub000/logging/sinks"
	loggingarea "github.com/free-drones/drone-interactive-map-sub000/logging/area"
	loggingnetwork "github.com/free-drones/drone-interactive-map-sub000/logging/network"
)

func startEmulator(t *testing.T, cfg emulator.Config) (*emulator.Server, ws.Endpoint) {
	t.Helper()
	cfg.Logger = log.New(io.Discard, "", 0)
	emu := emulator.New(cfg)
	srv := httptest.NewServer(http.HandlerFunc(emu.Handle))
	t.Cleanup(func() {
		emu.Close()
		srv.Close()
	})

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	host, portText, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("split host: %v", err)
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return emu, ws.Endpoint{Address: host, Port: port, Namespace: "imm"}
}

func openClient(t *testing.T, endpoint ws.Endpoint, cfg Config) *Client {
	t.Helper()
	cfg.Endpoint = endpoint
	if cfg.Logger == nil {
		cfg.Logger = telemetry.Discard()
	}
	client := New(cfg)
	if err := client.Open(context.Background()); err != nil {
		t.Fatalf("open client: %v", err)
	}
	t.Cleanup(client.Shutdown)
	eventually(t, "client id assigned", func() bool { return client.ClientID() != 0 })
	return client
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func coord(lat, lng float64) geo.Coordinate {
	return geo.Coordinate{Lat: lat, Lng: lng}
}

func view(lat, lng, size float64) geo.View {
	return geo.View{
		UpLeft:    coord(lat+size, lng),
		UpRight:   coord(lat+size, lng+size),
		DownLeft:  coord(lat, lng),
		DownRight: coord(lat, lng+size),
		Center:    coord(lat+size/2, lng+size/2),
	}
}

var testBounds = geo.Bounds{coord(58.3, 15.5), coord(58.5, 15.7)}

func drawTriangle(t *testing.T, c *Client) {
	t.Helper()
	for _, v := range []geo.Coordinate{coord(58.40, 15.56), coord(58.41, 15.58), coord(58.39, 15.59)} {
		if _, err := c.InsertVertex(v); err != nil {
			t.Fatalf("insert %v: %v", v, err)
		}
	}
	if err := c.SetBounds(testBounds); err != nil {
		t.Fatalf("set bounds: %v", err)
	}
}

func priorityMessage(t *testing.T, holder int, coords ...proto.Coordinate) []byte {
	t.Helper()
	data, err := json.Marshal(proto.PriorityChange{
		HighPriorityClient: holder,
		Coordinates:        coords,
		Bounds:             proto.Bounds{{1, 2}, {3, 4}},
	})
	if err != nil {
		t.Fatalf("marshal set_priority: %v", err)
	}
	return data
}

func TestNewPictureIsAcknowledgedExactlyOnce(t *testing.T) {
	emu, endpoint := startEmulator(t, emulator.Config{})
	openClient(t, endpoint, Config{})

	if _, err := emu.PushPicture(emulator.Image{Type: "RGB", Footprint: view(58.4, 15.5, 0.01)}, 0); err != nil {
		t.Fatalf("push picture: %v", err)
	}
	eventually(t, "new_pic ack", func() bool { return len(emu.Acks()) > 0 })

	// Give a duplicate ack time to show up.
	time.Sleep(50 * time.Millisecond)
	if acks := emu.Acks(); len(acks) != 1 || acks[0] != proto.PushNewPicture {
		t.Fatalf("expected exactly one new_pic ack, got %v", acks)
	}
}

func TestNewDronesRotatesSnapshotsAndAcks(t *testing.T) {
	emu, endpoint := startEmulator(t, emulator.Config{})
	var mu sync.Mutex
	var seen []map[string]proto.Drone
	client := openClient(t, endpoint, Config{Hooks: Hooks{OnDrones: func(current map[string]proto.Drone) {
		mu.Lock()
		seen = append(seen, current)
		mu.Unlock()
	}}})

	first := map[string]proto.Drone{"a": {ID: "a", Location: proto.Coordinate{Lat: 1, Long: 2}}}
	second := map[string]proto.Drone{"b": {ID: "b", Location: proto.Coordinate{Lat: 3, Long: 4}}}
	if err := emu.PushDrones(first); err != nil {
		t.Fatalf("push drones: %v", err)
	}
	if err := emu.PushDrones(second); err != nil {
		t.Fatalf("push drones: %v", err)
	}
	eventually(t, "two new_drones acks", func() bool { return len(emu.Acks()) == 2 })

	current, previous := client.Drones()
	if _, ok := current["b"]; !ok || len(current) != 1 {
		t.Fatalf("unexpected current snapshot %v", current)
	}
	if _, ok := previous["a"]; !ok || len(previous) != 1 {
		t.Fatalf("unexpected previous snapshot %v", previous)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("expected two OnDrones calls, got %d", len(seen))
	}
}

func TestUnknownPushIsReportedAndNotAcknowledged(t *testing.T) {
	emu, endpoint := startEmulator(t, emulator.Config{})
	client := openClient(t, endpoint, Config{})

	if err := emu.PushRaw(client.ClientID(), proto.ChannelNotify, map[string]any{"fcn": "new_weather"}); err != nil {
		t.Fatalf("push raw: %v", err)
	}
	eventually(t, "protocol violation message", func() bool { return len(client.Messages()) > 0 })

	msg := client.Messages()[0]
	if msg.Kind != MessageException {
		t.Fatalf("expected exception message, got %+v", msg)
	}
	time.Sleep(20 * time.Millisecond)
	if acks := emu.Acks(); len(acks) != 0 {
		t.Fatalf("unknown push must not be acknowledged, got %v", acks)
	}
}

func TestDispatchNotifyRejectsUnknownKind(t *testing.T) {
	client := New(Config{Logger: telemetry.Discard()})
	err := client.DispatchNotify([]byte(`{"fcn":"new_weather"}`))

	var violation *queue.ProtocolViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("expected protocol violation, got %v", err)
	}
	if Classify(err) != KindProtocolViolation {
		t.Fatalf("Classify = %s", Classify(err))
	}
}

func TestPriorityPictureMarksRequestReceived(t *testing.T) {
	emu, endpoint := startEmulator(t, emulator.Config{PriorityDelay: 20 * time.Millisecond})
	client := openClient(t, endpoint, Config{})

	queued := make(chan pictures.PriorityRequest, 1)
	if err := client.RequestPriorityView(context.Background(), view(58.4, 15.5, 0.01), true, func(req pictures.PriorityRequest) {
		queued <- req
	}); err != nil {
		t.Fatalf("request priority view: %v", err)
	}

	var req pictures.PriorityRequest
	select {
	case req = <-queued:
	case <-time.After(2 * time.Second):
		t.Fatalf("priority request was not acknowledged")
	}
	if req.ID != 1 || !req.Urgent {
		t.Fatalf("unexpected priority request %+v", req)
	}

	eventually(t, "priority picture received", func() bool {
		list := client.PriorityRequests().List()
		return len(list) == 1 && list[0].Received
	})
	eventually(t, "new_pic ack", func() bool { return len(emu.Acks()) == 1 })
}

func TestRequestViewReconcilesActivePictures(t *testing.T) {
	_, endpoint := startEmulator(t, emulator.Config{Images: []emulator.Image{
		{ID: 7, Type: "RGB", URL: "/get_image/7", TakenAt: 1700000000000, Footprint: view(58.40, 15.56, 0.01)},
		{ID: 8, Type: "IR", URL: "/get_image/8", Footprint: view(10, 10, 0.01)},
	}})

	var hooked [][]pictures.Picture
	client := openClient(t, endpoint, Config{Hooks: Hooks{OnPictures: func(added, removed []pictures.Picture) {
		hooked = append(hooked, added)
	}}})

	done := make(chan []pictures.Picture, 1)
	if err := client.RequestView(context.Background(), view(58.405, 15.565, 0.02), func(added, removed []pictures.Picture) {
		done <- added
	}); err != nil {
		t.Fatalf("request view: %v", err)
	}

	select {
	case added := <-done:
		if len(added) != 1 || added[0].ID != 7 {
			t.Fatalf("expected picture 7, got %+v", added)
		}
		if added[0].TakenAt.UnixMilli() != 1700000000000 {
			t.Fatalf("unexpected taken at %v", added[0].TakenAt)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("request_view was not answered")
	}
	if client.ActivePictures().Len() != 1 || len(hooked) != 1 {
		t.Fatalf("active set len %d, hook calls %d", client.ActivePictures().Len(), len(hooked))
	}
	if covering := client.ActivePictures().Covering(coord(58.405, 15.565)); len(covering) != 1 {
		t.Fatalf("expected picture 7 to cover the view corner, got %+v", covering)
	}
}

func TestSetAreaHandsPriorityToOtherClients(t *testing.T) {
	emu, endpoint := startEmulator(t, emulator.Config{})

	var screens []string
	var screenMu sync.Mutex
	holder := openClient(t, endpoint, Config{})
	follower := openClient(t, endpoint, Config{Hooks: Hooks{OnScreen: func(screen string) {
		screenMu.Lock()
		screens = append(screens, screen)
		screenMu.Unlock()
	}}})
	follower.SetScreen("Settings")

	drawTriangle(t, holder)
	acked := make(chan struct{})
	if err := holder.SetArea(context.Background(), func() { close(acked) }); err != nil {
		t.Fatalf("set area: %v", err)
	}
	select {
	case <-acked:
	case <-time.After(2 * time.Second):
		t.Fatalf("set_area was not acknowledged")
	}

	eventually(t, "follower demoted", func() bool { return follower.Priority() == PriorityDemoted })
	if got := follower.Area().Vertices(); len(got) != 3 || got[0] != coord(58.40, 15.56) || got[2] != coord(58.39, 15.59) {
		t.Fatalf("follower area = %v", got)
	}
	if follower.Bounds() != testBounds {
		t.Fatalf("follower bounds = %v", follower.Bounds())
	}
	if follower.Screen() != ScreenMain {
		t.Fatalf("follower screen = %q", follower.Screen())
	}
	if holder.Priority() != PriorityHigh {
		t.Fatalf("holder lost priority: %d", holder.Priority())
	}
	if id, _ := emu.Priority(); id != holder.ClientID() {
		t.Fatalf("emulator holder = %d, want %d", id, holder.ClientID())
	}

	err := follower.SetArea(context.Background(), nil)
	if Classify(err) != KindValidation {
		t.Fatalf("demoted client must not set the area, got %v", err)
	}

	screenMu.Lock()
	defer screenMu.Unlock()
	if len(screens) != 2 || screens[1] != ScreenMain {
		t.Fatalf("unexpected screen changes %v", screens)
	}
}

func TestHandoffIsIdempotent(t *testing.T) {
	mem := sinks.NewMemorySink()
	client := New(Config{Logger: telemetry.Discard(), Publisher: logging.PublisherFunc(func(ctx context.Context, event logging.Event) {
		mem.Write(event)
	})})
	drawTriangle(t, client)

	first := priorityMessage(t, 9, proto.Coordinate{Lat: 1, Long: 1}, proto.Coordinate{Lat: 1, Long: 2}, proto.Coordinate{Lat: 2, Long: 2})
	second := priorityMessage(t, 9, proto.Coordinate{Lat: 5, Long: 5}, proto.Coordinate{Lat: 5, Long: 6}, proto.Coordinate{Lat: 6, Long: 6}, proto.Coordinate{Lat: 6, Long: 5})

	for _, msg := range [][]byte{first, second, second} {
		if err := client.DispatchSetPriority(msg); err != nil {
			t.Fatalf("dispatch set_priority: %v", err)
		}
	}

	want := []geo.Coordinate{coord(5, 5), coord(5, 6), coord(6, 6), coord(6, 5)}
	got := client.Area().Vertices()
	if len(got) != len(want) {
		t.Fatalf("area = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("vertex %d = %v, want %v", i, got[i], want[i])
		}
	}
	if client.Priority() != PriorityDemoted {
		t.Fatalf("priority = %d", client.Priority())
	}
	if client.Bounds() != (geo.Bounds{coord(1, 2), coord(3, 4)}) {
		t.Fatalf("bounds = %v", client.Bounds())
	}
	if events := mem.EventsOfType(loggingarea.EventReplaced); len(events) != 3 {
		t.Fatalf("expected three replaced events, got %d", len(events))
	}
}

func TestHandoffInstallsCrossingAreaUnvalidated(t *testing.T) {
	client := New(Config{Logger: telemetry.Discard()})
	bowtie := priorityMessage(t, 2,
		proto.Coordinate{Lat: 0, Long: 0}, proto.Coordinate{Lat: 1, Long: 1},
		proto.Coordinate{Lat: 1, Long: 0}, proto.Coordinate{Lat: 0, Long: 1})

	if err := client.DispatchSetPriority(bowtie); err != nil {
		t.Fatalf("dispatch set_priority: %v", err)
	}
	if client.Area().Len() != 4 || len(client.Area().Crossings()) != 1 {
		t.Fatalf("expected the crossing polygon verbatim, got %v", client.Area().Vertices())
	}
}

func TestSetPriorityNamingThisClientIsNoop(t *testing.T) {
	client := New(Config{Logger: telemetry.Discard()})
	client.handleSetClientID(json.RawMessage(`{"client_id": 4}`))
	drawTriangle(t, client)

	if err := client.DispatchSetPriority(priorityMessage(t, 4, proto.Coordinate{Lat: 9, Long: 9})); err != nil {
		t.Fatalf("dispatch set_priority: %v", err)
	}
	if client.Priority() != PriorityHigh {
		t.Fatalf("priority changed to %d", client.Priority())
	}
	if client.Area().Len() != 3 || client.Bounds() != testBounds {
		t.Fatalf("area or bounds changed: %v %v", client.Area().Vertices(), client.Bounds())
	}
}

func TestSetPriorityRejectsMalformedPush(t *testing.T) {
	client := New(Config{Logger: telemetry.Discard()})
	err := client.DispatchSetPriority([]byte(`{"high_priority_client": "x"}`))
	if Classify(err) != KindProtocolViolation {
		t.Fatalf("expected protocol violation, got %v", err)
	}
}

func TestSetAreaValidatesBeforeSending(t *testing.T) {
	client := New(Config{Logger: telemetry.Discard()})

	if err := client.SetArea(context.Background(), nil); Classify(err) != KindValidation {
		t.Fatalf("empty area: %v", err)
	}

	for _, v := range []geo.Coordinate{coord(0, 0), coord(0, 1), coord(1, 1)} {
		if _, err := client.InsertVertex(v); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if err := client.SetArea(context.Background(), nil); Classify(err) != KindValidation {
		t.Fatalf("missing bounds: %v", err)
	}

	if err := client.SetBounds(testBounds); err != nil {
		t.Fatalf("set bounds: %v", err)
	}
	if err := client.SetArea(context.Background(), nil); Classify(err) != KindNotConnected {
		t.Fatalf("valid area while offline should fail with not connected, got %v", err)
	}
}

func TestSetModeValidation(t *testing.T) {
	client := New(Config{Logger: telemetry.Discard()})

	if err := client.SetMode(context.Background(), proto.ModeAutomatic, nil, nil); Classify(err) != KindValidation {
		t.Fatalf("AUTO without zoom: %v", err)
	}
	if err := client.SetMode(context.Background(), "SEMI", nil, nil); Classify(err) != KindValidation {
		t.Fatalf("unknown mode: %v", err)
	}
	zoom := view(1, 1, 1)
	if err := client.SetMode(context.Background(), proto.ModeAutomatic, &zoom, nil); Classify(err) != KindNotConnected {
		t.Fatalf("valid AUTO while offline: %v", err)
	}
}

func TestRemoteErrorReachesMessageLog(t *testing.T) {
	_, endpoint := startEmulator(t, emulator.Config{Failures: map[string]string{proto.KindQueueETA: "Unable to find drone"}})
	messages := make(chan Message, 1)
	client := openClient(t, endpoint, Config{Hooks: Hooks{OnMessage: func(m Message) { messages <- m }}})

	called := false
	if err := client.GetQueueETA(context.Background(), func(time.Duration) { called = true }); err != nil {
		t.Fatalf("que_ETA: %v", err)
	}

	select {
	case msg := <-messages:
		if msg.Kind != MessageError || msg.Heading != "Error que_ETA" || msg.Body != "Unable to find drone" {
			t.Fatalf("unexpected message %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("remote error was not reported")
	}
	if called {
		t.Fatalf("success callback ran for an error reply")
	}
}

func TestTimeoutIsTerminalAndQueueAdvances(t *testing.T) {
	emu, endpoint := startEmulator(t, emulator.Config{
		Silent: map[string]bool{proto.KindCheckAlive: true},
		ETA:    42,
	})
	client := openClient(t, endpoint, Config{Timeout: 50 * time.Millisecond})

	var alive bool
	if err := client.CheckAlive(context.Background(), func() { alive = true }); err != nil {
		t.Fatalf("check_alive: %v", err)
	}
	eta := make(chan time.Duration, 1)
	if err := client.GetQueueETA(context.Background(), func(d time.Duration) { eta <- d }); err != nil {
		t.Fatalf("que_ETA: %v", err)
	}

	select {
	case d := <-eta:
		if d != 42*time.Second {
			t.Fatalf("eta = %v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("queue did not advance after the timeout")
	}
	if alive {
		t.Fatalf("callback ran for a timed out request")
	}

	var timeouts int
	for _, m := range client.Messages() {
		if m.Heading == "Timeout check_alive" {
			timeouts++
		}
	}
	if timeouts != 1 {
		t.Fatalf("expected exactly one timeout message, got %d in %+v", timeouts, client.Messages())
	}
	if got := emu.Received(); len(got) != 2 || got[0] != proto.KindCheckAlive || got[1] != proto.KindQueueETA {
		t.Fatalf("unexpected request order %v", got)
	}
}

func TestRequestsAreSentOneAtATimeInOrder(t *testing.T) {
	emu, endpoint := startEmulator(t, emulator.Config{})
	client := openClient(t, endpoint, Config{})

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		i := i
		wg.Add(1)
		if err := client.CheckAlive(context.Background(), func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		}); err != nil {
			t.Fatalf("check_alive %d: %v", i, err)
		}
	}

	waitGroup(t, &wg)
	if fmt.Sprint(order) != "[0 1 2]" {
		t.Fatalf("callbacks ran out of order: %v", order)
	}
	if got := emu.Received(); len(got) != 3 {
		t.Fatalf("expected three requests at the server, got %v", got)
	}
}

func TestConnectAndInfoCalls(t *testing.T) {
	_, endpoint := startEmulator(t, emulator.Config{Drones: map[string]proto.Drone{
		"alpha": {ID: "alpha", Battery: 0.5},
		"bravo": {ID: "bravo", Battery: 1},
	}})
	client := openClient(t, endpoint, Config{})

	var wg sync.WaitGroup
	wg.Add(4)
	var connectedAs int
	var info []proto.DroneInfo
	if err := client.Connect(context.Background(), func(id int) { connectedAs = id; wg.Done() }); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := client.GetInfo(context.Background(), func(d []proto.DroneInfo) { info = d; wg.Done() }); err != nil {
		t.Fatalf("get_info: %v", err)
	}
	if err := client.ClearImageQueue(context.Background(), wg.Done); err != nil {
		t.Fatalf("clear_que: %v", err)
	}
	if err := client.Quit(context.Background(), wg.Done); err != nil {
		t.Fatalf("quit: %v", err)
	}
	waitGroup(t, &wg)

	if connectedAs != client.ClientID() {
		t.Fatalf("connect reported %d, client id %d", connectedAs, client.ClientID())
	}
	if len(info) != 2 || info[0].TimeToBingo != 30 {
		t.Fatalf("unexpected drone info %+v", info)
	}
}

func TestCloseDropsPendingRequests(t *testing.T) {
	mem := sinks.NewMemorySink()
	_, endpoint := startEmulator(t, emulator.Config{Silent: map[string]bool{proto.KindCheckAlive: true}})
	client := openClient(t, endpoint, Config{Publisher: logging.PublisherFunc(func(ctx context.Context, event logging.Event) {
		mem.Write(event)
	})})

	for i := 0; i < 3; i++ {
		if err := client.CheckAlive(context.Background(), nil); err != nil {
			t.Fatalf("check_alive: %v", err)
		}
	}
	client.Close()

	eventually(t, "disconnect event", func() bool {
		return len(mem.EventsOfType(loggingnetwork.EventDisconnected)) == 1
	})
	event := mem.EventsOfType(loggingnetwork.EventDisconnected)[0]
	if payload, ok := event.Payload.(loggingnetwork.DisconnectPayload); !ok || payload.Dropped != 3 {
		t.Fatalf("unexpected disconnect payload %#v", event.Payload)
	}
	if client.Queue().Len() != 0 {
		t.Fatalf("queue not empty after close")
	}
	if err := client.CheckAlive(context.Background(), nil); Classify(err) != KindNotConnected {
		t.Fatalf("expected not connected after close, got %v", err)
	}
}

func TestReopenDropsRequestsOfReplacedConnection(t *testing.T) {
	mem := sinks.NewMemorySink()
	emu, endpoint := startEmulator(t, emulator.Config{
		Silent: map[string]bool{proto.KindCheckAlive: true},
		ETA:    7,
	})
	client := openClient(t, endpoint, Config{
		Timeout: 100 * time.Millisecond,
		Publisher: logging.PublisherFunc(func(ctx context.Context, event logging.Event) {
			mem.Write(event)
		}),
	})

	for i := 0; i < 2; i++ {
		if err := client.CheckAlive(context.Background(), nil); err != nil {
			t.Fatalf("check_alive: %v", err)
		}
	}
	eventually(t, "check_alive at the server", func() bool { return len(emu.Received()) == 1 })

	if err := client.Open(context.Background()); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, ok := client.Queue().InFlight(); ok {
		t.Fatalf("request of the replaced connection still in flight")
	}
	if client.Queue().Len() != 0 {
		t.Fatalf("requests of the replaced connection still queued")
	}
	events := mem.EventsOfType(loggingnetwork.EventDisconnected)
	if len(events) != 1 {
		t.Fatalf("expected one disconnect event, got %d", len(events))
	}
	if payload, ok := events[0].Payload.(loggingnetwork.DisconnectPayload); !ok || payload.Dropped != 2 || payload.Reason != "superseded" {
		t.Fatalf("unexpected disconnect payload %#v", events[0].Payload)
	}

	eta := make(chan time.Duration, 1)
	if err := client.GetQueueETA(context.Background(), func(d time.Duration) { eta <- d }); err != nil {
		t.Fatalf("que_ETA on the new connection: %v", err)
	}
	select {
	case d := <-eta:
		if d != 7*time.Second {
			t.Fatalf("eta = %v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("new connection did not answer")
	}

	time.Sleep(250 * time.Millisecond)
	for _, m := range client.Messages() {
		if m.Heading == "Timeout check_alive" {
			t.Fatalf("stale request timed out after reopen: %+v", m)
		}
	}
}

func TestAreaEditsAreCounted(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := observability.NewClientCollector(reg)
	if err != nil {
		t.Fatalf("collector: %v", err)
	}
	var edits []area.Edit
	client := New(Config{Logger: telemetry.Discard(), Metrics: metrics, Hooks: Hooks{OnAreaEdit: func(e area.Edit) { edits = append(edits, e) }}})

	for _, v := range []geo.Coordinate{coord(1, 1), coord(2, 2), coord(1, 2)} {
		if _, err := client.InsertVertex(v); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if _, err := client.InsertVertex(coord(2, 1)); Classify(err) != KindGeometryConflict {
		t.Fatalf("expected geometry conflict, got %v", err)
	}
	if _, err := client.RemoveVertex(1); err != nil {
		t.Fatalf("reanchor: %v", err)
	}
	client.ClearArea()

	if got := testutil.ToFloat64(metrics.AreaEdits.WithLabelValues("insert", "committed")); got != 3 {
		t.Fatalf("committed inserts = %v", got)
	}
	if got := testutil.ToFloat64(metrics.AreaEdits.WithLabelValues("insert", "conflict")); got != 1 {
		t.Fatalf("conflicting inserts = %v", got)
	}
	if got := testutil.ToFloat64(metrics.AreaEdits.WithLabelValues("reanchor", "committed")); got != 1 {
		t.Fatalf("reanchors = %v", got)
	}
	if len(edits) != 5 || edits[4].Kind != area.EditClear {
		t.Fatalf("unexpected edit stream %+v", edits)
	}
	if msgs := client.Messages(); len(msgs) != 1 || msgs[0].Heading != "Crossing lines" {
		t.Fatalf("expected a crossing lines message, got %+v", msgs)
	}
}

func TestRejectedPushesUseFixedKindLabels(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := observability.NewClientCollector(reg)
	if err != nil {
		t.Fatalf("collector: %v", err)
	}
	client := New(Config{Logger: telemetry.Discard(), Metrics: metrics})

	if err := client.DispatchNotify([]byte(`not json`)); Classify(err) != KindProtocolViolation {
		t.Fatalf("expected protocol violation, got %v", err)
	}
	if err := client.DispatchNotify([]byte(`{"fcn":"new_weather"}`)); Classify(err) != KindProtocolViolation {
		t.Fatalf("expected protocol violation, got %v", err)
	}

	if got := testutil.ToFloat64(metrics.Pushes.WithLabelValues("malformed", "rejected")); got != 1 {
		t.Fatalf("malformed pushes = %v", got)
	}
	if got := testutil.ToFloat64(metrics.Pushes.WithLabelValues("unknown", "rejected")); got != 1 {
		t.Fatalf("unknown pushes = %v", got)
	}
	if series := testutil.CollectAndCount(metrics.Pushes); series != 2 {
		t.Fatalf("expected 2 push series, got %d", series)
	}
}

func TestPollViewsIssuesRequestViews(t *testing.T) {
	emu, endpoint := startEmulator(t, emulator.Config{})
	client := openClient(t, endpoint, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- client.PollViews(ctx, 10*time.Millisecond, func() (geo.View, bool) {
			return view(58.4, 15.5, 0.01), true
		})
	}()

	eventually(t, "two polled views", func() bool {
		count := 0
		for _, kind := range emu.Received() {
			if kind == proto.KindRequestView {
				count++
			}
		}
		return count >= 2
	})
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("PollViews returned %v", err)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorKind
	}{
		{nil, KindUnknown},
		{errors.New("boom"), KindUnknown},
		{&proto.ValidationError{Field: "view"}, KindValidation},
		{fmt.Errorf("wrapped: %w", &area.ValidationError{Op: "remove"}), KindValidation},
		{&area.ConflictError{Op: "insert"}, KindGeometryConflict},
		{&queue.ProtocolViolationError{Channel: "x"}, KindProtocolViolation},
		{&proto.UnknownPushError{Kind: "x"}, KindProtocolViolation},
		{&queue.RemoteError{Kind: "set_area"}, KindRemote},
		{&queue.TimeoutError{Kind: "set_area"}, KindTimeout},
		{fmt.Errorf("check_alive: %w", queue.ErrNotConnected), KindNotConnected},
		{&queue.DroppedError{Kind: "quit"}, KindNotConnected},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Fatalf("Classify(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func waitGroup(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for callbacks")
	}
}
