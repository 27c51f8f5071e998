// Package emulator is a stand-in map service for local development and
// integration tests. It speaks the same framing as the real back end: one
// socket per client, requests on <kind>, replies on <kind>_response, and
// set_client_id, set_priority and notify pushes.
package emulator

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	nethttp "net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/free-drones/drone-interactive-map-sub000/internal/geo"
	"github.com/free-drones/drone-interactive-map-sub000/internal/net/proto"
)

// Image is a picture the emulator can serve for overlapping views.
type Image struct {
	ID        int
	Type      string
	URL       string
	TakenAt   int64
	Footprint geo.View
}

type Config struct {
	Logger *log.Logger
	Images []Image
	Drones map[string]proto.Drone
	// ETA is returned by que_ETA, in seconds.
	ETA int64
	// PriorityDelay is how long after a request_priority_view the matching
	// prioritized new_pic is pushed. Zero disables automatic delivery.
	PriorityDelay time.Duration
	// Failures maps a request kind to the error report it is rejected with.
	Failures map[string]string
	// Silent lists request kinds that are never answered.
	Silent map[string]bool
}

type peer struct {
	id      int
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (p *peer) send(channel string, payload any) error {
	data, err := proto.EncodeFrame(channel, payload)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

// Server holds the shared session: connected clients, the priority holder
// and its area, stored images and pending priority requests.
type Server struct {
	cfg      Config
	logger   *log.Logger
	upgrader websocket.Upgrader

	mu           sync.Mutex
	peers        map[int]*peer
	nextClientID int
	nextQueueID  int
	nextImageID  int
	holder       int
	area         []proto.Coordinate
	bounds       proto.Bounds
	mode         string
	images       []Image
	pending      map[int]*time.Timer
	acks         []string
	received     []string
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	images := append([]Image(nil), cfg.Images...)
	nextImageID := 0
	for _, img := range images {
		if img.ID > nextImageID {
			nextImageID = img.ID
		}
	}

	return &Server{
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *nethttp.Request) bool {
				return true
			},
		},
		peers:       make(map[int]*peer),
		nextImageID: nextImageID,
		mode:        proto.ModeManual,
		images:      images,
		pending:     make(map[int]*time.Timer),
	}
}

// Handle upgrades the request and serves the connection until it closes.
func (s *Server) Handle(w nethttp.ResponseWriter, r *nethttp.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("upgrade failed: %v", err)
		return
	}

	p := s.attach(conn)
	defer s.detach(p)

	if err := p.send(proto.ChannelSetClientID, proto.ClientAssignment{ClientID: p.id}); err != nil {
		s.logger.Printf("failed to assign client id %d: %v", p.id, err)
		return
	}
	if change, ok := s.currentPriority(); ok {
		if err := p.send(proto.ChannelSetPriority, change); err != nil {
			return
		}
	}

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}

		frame, err := proto.DecodeFrame(payload)
		if err != nil {
			s.logger.Printf("discarding malformed frame from client %d: %v", p.id, err)
			continue
		}
		if err := s.dispatch(p, frame); err != nil {
			s.logger.Printf("client %d: %v", p.id, err)
			return
		}
	}
}

func (s *Server) attach(conn *websocket.Conn) *peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextClientID++
	p := &peer{id: s.nextClientID, conn: conn}
	s.peers[p.id] = p
	return p
}

func (s *Server) detach(p *peer) {
	s.mu.Lock()
	delete(s.peers, p.id)
	if s.holder == p.id {
		s.holder = 0
	}
	s.mu.Unlock()
	p.conn.Close()
}

func (s *Server) dispatch(p *peer, frame proto.Frame) error {
	if frame.Event == proto.ChannelNotify {
		var ack proto.Ack
		if err := json.Unmarshal(frame.Data, &ack); err != nil || ack.Fcn != proto.FcnAck {
			s.logger.Printf("client %d sent a malformed notify ack: %s", p.id, frame.Data)
			return nil
		}
		s.mu.Lock()
		s.acks = append(s.acks, ack.FcnName)
		s.mu.Unlock()
		return nil
	}

	kind := frame.Event
	s.mu.Lock()
	s.received = append(s.received, kind)
	s.mu.Unlock()

	if s.cfg.Silent[kind] {
		return nil
	}
	if report, ok := s.cfg.Failures[kind]; ok {
		return s.replyError(p, kind, report)
	}

	var req struct {
		Fcn string          `json:"fcn"`
		Arg json.RawMessage `json:"arg"`
	}
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return s.replyError(p, kind, "malformed request body")
	}

	switch kind {
	case proto.KindInitConnection:
		return s.replyAck(p, kind, proto.ClientAssignment{ClientID: p.id})
	case proto.KindCheckAlive, proto.KindQuit:
		return s.replyAck(p, kind, nil)
	case proto.KindSetArea:
		return s.handleSetArea(p, req.Arg)
	case proto.KindRequestView:
		return s.handleRequestView(p, req.Arg)
	case proto.KindRequestPriorityView:
		return s.handleRequestPriorityView(p, req.Arg)
	case proto.KindClearQueue:
		s.clearPending()
		return s.replyAck(p, kind, nil)
	case proto.KindSetMode:
		return s.handleSetMode(p, req.Arg)
	case proto.KindGetInfo:
		info := s.droneInfo()
		if len(info) == 0 {
			return s.replyError(p, kind, "Unable to find drones")
		}
		return s.replyAck(p, kind, proto.GetInfoReply{Data: info})
	case proto.KindQueueETA:
		return s.replyAck(p, kind, proto.QueueETAReply{ETA: s.cfg.ETA})
	default:
		return s.replyError(p, kind, fmt.Sprintf("unknown function %q", kind))
	}
}

func (s *Server) handleSetArea(p *peer, raw json.RawMessage) error {
	var arg proto.SetAreaArg
	if err := json.Unmarshal(raw, &arg); err != nil {
		return s.replyError(p, proto.KindSetArea, "malformed set_area arg")
	}
	if arg.ClientID != p.id {
		return s.replyError(p, proto.KindSetArea, fmt.Sprintf("Could not retrieve a client with that ID %d", arg.ClientID))
	}
	if len(arg.Coordinates) < 3 {
		return s.replyError(p, proto.KindSetArea, "an area needs at least three coordinates")
	}

	s.mu.Lock()
	broadcast := s.holder == 0 || s.holder == p.id
	if broadcast {
		s.holder = p.id
		s.area = append([]proto.Coordinate(nil), arg.Coordinates...)
		s.bounds = arg.Bounds
	}
	change := proto.PriorityChange{
		HighPriorityClient: s.holder,
		Coordinates:        append([]proto.Coordinate(nil), s.area...),
		Bounds:             s.bounds,
	}
	s.mu.Unlock()

	if err := s.replyAck(p, proto.KindSetArea, nil); err != nil {
		return err
	}
	if !broadcast {
		return p.send(proto.ChannelSetPriority, change)
	}
	s.broadcast(proto.ChannelSetPriority, change)
	return nil
}

func (s *Server) handleRequestView(p *peer, raw json.RawMessage) error {
	var arg proto.RequestViewArg
	if err := json.Unmarshal(raw, &arg); err != nil {
		return s.replyError(p, proto.KindRequestView, "malformed request_view arg")
	}
	view, err := proto.UntranslateView(arg.Coordinates)
	if err != nil {
		return s.replyError(p, proto.KindRequestView, err.Error())
	}

	s.mu.Lock()
	var matches []proto.ImageData
	for _, img := range s.images {
		if !overlaps(img.Footprint, view) {
			continue
		}
		footprint, err := proto.TranslateView(img.Footprint)
		if err != nil {
			continue
		}
		matches = append(matches, proto.ImageData{
			Type:        img.Type,
			ImageID:     img.ID,
			URL:         img.URL,
			TimeTaken:   img.TakenAt,
			Coordinates: footprint,
		})
	}
	s.mu.Unlock()

	return s.replyAck(p, proto.KindRequestView, proto.RequestViewReply{ImageData: matches})
}

func (s *Server) handleRequestPriorityView(p *peer, raw json.RawMessage) error {
	var arg proto.RequestPriorityViewArg
	if err := json.Unmarshal(raw, &arg); err != nil {
		return s.replyError(p, proto.KindRequestPriorityView, "malformed request_priority_view arg")
	}
	view, err := proto.UntranslateView(arg.Coordinates)
	if err != nil {
		return s.replyError(p, proto.KindRequestPriorityView, err.Error())
	}

	s.mu.Lock()
	s.nextQueueID++
	queueID := s.nextQueueID
	if delay := s.cfg.PriorityDelay; delay > 0 {
		s.pending[queueID] = time.AfterFunc(delay, func() { s.deliverPriority(queueID, view) })
	}
	s.mu.Unlock()

	return s.replyAck(p, proto.KindRequestPriorityView, proto.RequestPriorityViewReply{ForceQueueID: queueID})
}

func (s *Server) deliverPriority(queueID int, view geo.View) {
	s.mu.Lock()
	if _, ok := s.pending[queueID]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.pending, queueID)
	s.mu.Unlock()

	if _, err := s.PushPicture(Image{
		Type:      "RGB",
		TakenAt:   time.Now().UnixMilli(),
		Footprint: view,
	}, queueID); err != nil {
		s.logger.Printf("failed to deliver priority picture %d: %v", queueID, err)
	}
}

func (s *Server) clearPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, timer := range s.pending {
		timer.Stop()
		delete(s.pending, id)
	}
}

func (s *Server) handleSetMode(p *peer, raw json.RawMessage) error {
	var arg proto.SetModeArg
	if err := json.Unmarshal(raw, &arg); err != nil {
		return s.replyError(p, proto.KindSetMode, "malformed set_mode arg")
	}
	switch arg.Mode {
	case proto.ModeManual:
	case proto.ModeAutomatic:
		if arg.Zoom == nil {
			return s.replyError(p, proto.KindSetMode, "AUTO mode requires a zoom view")
		}
	default:
		return s.replyError(p, proto.KindSetMode, fmt.Sprintf("unknown mode %q", arg.Mode))
	}

	s.mu.Lock()
	s.mode = arg.Mode
	s.mu.Unlock()
	return s.replyAck(p, proto.KindSetMode, nil)
}

func (s *Server) droneInfo() []proto.DroneInfo {
	ids := make([]string, 0, len(s.cfg.Drones))
	for id := range s.cfg.Drones {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	info := make([]proto.DroneInfo, 0, len(ids))
	for i, id := range ids {
		info = append(info, proto.DroneInfo{DroneID: i + 1, TimeToBingo: s.cfg.Drones[id].Battery * 60})
	}
	return info
}

func (s *Server) replyAck(p *peer, kind string, arg any) error {
	reply := proto.Reply{Fcn: proto.FcnAck, FcnName: kind}
	if arg != nil {
		encoded, err := json.Marshal(arg)
		if err != nil {
			return fmt.Errorf("encode %s reply: %w", kind, err)
		}
		reply.Arg = encoded
	}
	return p.send(proto.ResponseChannel(kind), reply)
}

func (s *Server) replyError(p *peer, kind, report string) error {
	return p.send(proto.ResponseChannel(kind), proto.Reply{Fcn: proto.FcnError, FcnName: kind, ErrorReport: report})
}

func (s *Server) currentPriority() (proto.PriorityChange, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.holder == 0 || len(s.area) == 0 {
		return proto.PriorityChange{}, false
	}
	return proto.PriorityChange{
		HighPriorityClient: s.holder,
		Coordinates:        append([]proto.Coordinate(nil), s.area...),
		Bounds:             s.bounds,
	}, true
}

func (s *Server) snapshotPeers() []*peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].id < peers[j].id })
	return peers
}

// broadcast sends payload to every connected client and returns how many
// writes succeeded.
func (s *Server) broadcast(channel string, payload any) int {
	sent := 0
	for _, p := range s.snapshotPeers() {
		if err := p.send(channel, payload); err != nil {
			s.logger.Printf("failed to send %s to client %d: %v", channel, p.id, err)
			continue
		}
		sent++
	}
	return sent
}

// PushPicture stores img and announces it on notify. A positive queueID marks
// the picture as the answer to that priority request. It returns the image id.
func (s *Server) PushPicture(img Image, queueID int) (int, error) {
	footprint, err := proto.TranslateView(img.Footprint)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	if img.ID == 0 {
		s.nextImageID++
		img.ID = s.nextImageID
	}
	if img.URL == "" {
		img.URL = fmt.Sprintf("/get_image/%d", img.ID)
	}
	s.images = append(s.images, img)
	s.mu.Unlock()

	arg, err := json.Marshal(proto.NewPicture{
		Type:         img.Type,
		Prioritized:  queueID > 0,
		ImageID:      img.ID,
		ForceQueueID: queueID,
		TimeTaken:    img.TakenAt,
		URL:          img.URL,
		Coordinates:  &footprint,
	})
	if err != nil {
		return 0, err
	}
	s.broadcast(proto.ChannelNotify, proto.Push{Fcn: proto.PushNewPicture, Arg: arg})
	return img.ID, nil
}

// PushDrones broadcasts a fleet snapshot.
func (s *Server) PushDrones(drones map[string]proto.Drone) error {
	arg, err := json.Marshal(proto.NewDrones{Drones: drones})
	if err != nil {
		return err
	}
	s.broadcast(proto.ChannelNotify, proto.Push{Fcn: proto.PushNewDrones, Arg: arg})
	return nil
}

// PushRaw sends an arbitrary frame to one client.
func (s *Server) PushRaw(clientID int, channel string, payload any) error {
	s.mu.Lock()
	p, ok := s.peers[clientID]
	s.mu.Unlock()
	if !ok {
		return errors.New("emulator: unknown client")
	}
	return p.send(channel, payload)
}

// Acks lists the push kinds acknowledged by clients, in arrival order.
func (s *Server) Acks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.acks...)
}

// Received lists the request kinds received, in arrival order.
func (s *Server) Received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.received...)
}

// Clients lists the connected client ids in ascending order.
func (s *Server) Clients() []int {
	peers := s.snapshotPeers()
	ids := make([]int, 0, len(peers))
	for _, p := range peers {
		ids = append(ids, p.id)
	}
	return ids
}

// Priority returns the holder id and a copy of its area.
func (s *Server) Priority() (int, []proto.Coordinate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.holder, append([]proto.Coordinate(nil), s.area...)
}

func (s *Server) Mode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Close stops pending deliveries and drops every connection.
func (s *Server) Close() {
	s.clearPending()
	for _, p := range s.snapshotPeers() {
		p.writeMu.Lock()
		p.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
		p.writeMu.Unlock()
		p.conn.Close()
	}
}

func overlaps(a, b geo.View) bool {
	aMin, aMax := a.Envelope()
	bMin, bMax := b.Envelope()
	return aMin.Lat <= bMax.Lat && bMin.Lat <= aMax.Lat &&
		aMin.Lng <= bMax.Lng && bMin.Lng <= aMax.Lng
}
