// Package proto is the wire codec for the map service socket: channel names,
// the frame envelope, request and reply bodies, push payloads and the
// lat/lng <-> lat/long coordinate translation at the boundary.
package proto

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/free-drones/drone-interactive-map-sub000/internal/geo"
)

// Push and system channels.
const (
	ChannelNotify      = "notify"
	ChannelSetPriority = "set_priority"
	ChannelSetClientID = "set_client_id"

	responseSuffix = "_response"
)

// Request kinds. Each kind is also the outbound channel name.
const (
	KindInitConnection      = "init_connection"
	KindCheckAlive          = "check_alive"
	KindQuit                = "quit"
	KindSetArea             = "set_area"
	KindRequestView         = "request_view"
	KindRequestPriorityView = "request_priority_view"
	KindClearQueue          = "clear_que"
	KindSetMode             = "set_mode"
	KindGetInfo             = "get_info"
	KindQueueETA            = "que_ETA"
)

// Reply discriminators.
const (
	FcnAck   = "ack"
	FcnError = "error"
)

// Push kinds carried on the notify channel.
const (
	PushNewPicture = "new_pic"
	PushNewDrones  = "new_drones"
)

// ResponseChannel names the channel a reply to kind arrives on.
func ResponseChannel(kind string) string {
	return kind + responseSuffix
}

// IsResponseChannel reports whether channel carries replies, and for which kind.
func IsResponseChannel(channel string) (string, bool) {
	kind, ok := strings.CutSuffix(channel, responseSuffix)
	return kind, ok && kind != ""
}

// Frame is the socket envelope. Every message on the single connection is
// one frame naming its channel.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// EncodeFrame renders payload as a frame on channel.
func EncodeFrame(channel string, payload any) ([]byte, error) {
	if channel == "" {
		return nil, errors.New("proto: frame channel is empty")
	}
	var data json.RawMessage
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		data = p
	case []byte:
		data = json.RawMessage(p)
	default:
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("proto: encode %s payload: %w", channel, err)
		}
		data = encoded
	}
	return json.Marshal(Frame{Event: channel, Data: data})
}

// DecodeFrame parses one socket message.
func DecodeFrame(data []byte) (Frame, error) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return Frame{}, fmt.Errorf("proto: decode frame: %w", err)
	}
	if frame.Event == "" {
		return Frame{}, errors.New("proto: frame without event")
	}
	return frame, nil
}

// Request is the body of every downstream call.
type Request struct {
	Fcn string `json:"fcn"`
	Arg any    `json:"arg"`
}

// NewRequest builds the body for kind. A nil arg is sent as an empty object.
func NewRequest(kind string, arg any) Request {
	if arg == nil {
		arg = struct{}{}
	}
	return Request{Fcn: kind, Arg: arg}
}

// Reply is what the server sends back on the response channel.
type Reply struct {
	Fcn         string          `json:"fcn"`
	FcnName     string          `json:"fcn_name"`
	Arg         json.RawMessage `json:"arg,omitempty"`
	ErrorReport string          `json:"error_report,omitempty"`
}

// DecodeArg unmarshals the reply argument into v. A missing argument leaves v untouched.
func (r Reply) DecodeArg(v any) error {
	if len(r.Arg) == 0 || string(r.Arg) == "null" {
		return nil
	}
	if err := json.Unmarshal(r.Arg, v); err != nil {
		return fmt.Errorf("proto: decode %s reply arg: %w", r.FcnName, err)
	}
	return nil
}

// DecodeReply parses a reply body.
func DecodeReply(data []byte) (Reply, error) {
	var reply Reply
	if err := json.Unmarshal(data, &reply); err != nil {
		return Reply{}, fmt.Errorf("proto: decode reply: %w", err)
	}
	return reply, nil
}

// Ack acknowledges a push on the notify channel.
type Ack struct {
	Fcn     string `json:"fcn"`
	FcnName string `json:"fcn_name"`
}

func NewAck(kind string) Ack {
	return Ack{Fcn: FcnAck, FcnName: kind}
}

// Coordinate is the wire form of geo.Coordinate. The longitude field is named long.
type Coordinate struct {
	Lat  float64 `json:"lat"`
	Long float64 `json:"long"`
}

// View is the wire form of geo.View.
type View struct {
	UpLeft    Coordinate `json:"up_left"`
	UpRight   Coordinate `json:"up_right"`
	DownLeft  Coordinate `json:"down_left"`
	DownRight Coordinate `json:"down_right"`
	Center    Coordinate `json:"center"`
}

// Bounds is the wire form of geo.Bounds: [[lat, long], [lat, long]].
type Bounds [2][2]float64

// ValidationError reports a value that cannot cross the wire.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("proto: invalid %s: %s", e.Field, e.Reason)
}

// TranslateCoordinate converts an internal coordinate to its wire form.
func TranslateCoordinate(c geo.Coordinate) (Coordinate, error) {
	if !c.Valid() {
		return Coordinate{}, &ValidationError{Field: "coordinate", Reason: "lat and lng must be finite"}
	}
	return Coordinate{Lat: c.Lat, Long: c.Lng}, nil
}

// UntranslateCoordinate converts a wire coordinate back to the internal form.
func UntranslateCoordinate(c Coordinate) (geo.Coordinate, error) {
	out := geo.Coordinate{Lat: c.Lat, Lng: c.Long}
	if !out.Valid() {
		return geo.Coordinate{}, &ValidationError{Field: "coordinate", Reason: "lat and long must be finite"}
	}
	return out, nil
}

// TranslateCoordinates converts a polygon, failing on the first invalid vertex.
func TranslateCoordinates(coords []geo.Coordinate) ([]Coordinate, error) {
	out := make([]Coordinate, 0, len(coords))
	for i, c := range coords {
		wire, err := TranslateCoordinate(c)
		if err != nil {
			return nil, fmt.Errorf("vertex %d: %w", i, err)
		}
		out = append(out, wire)
	}
	return out, nil
}

// UntranslateCoordinates converts a wire polygon back to internal coordinates.
func UntranslateCoordinates(coords []Coordinate) ([]geo.Coordinate, error) {
	out := make([]geo.Coordinate, 0, len(coords))
	for i, c := range coords {
		internal, err := UntranslateCoordinate(c)
		if err != nil {
			return nil, fmt.Errorf("vertex %d: %w", i, err)
		}
		out = append(out, internal)
	}
	return out, nil
}

// TranslateView converts every named coordinate of v.
func TranslateView(v geo.View) (View, error) {
	if !v.Valid() {
		return View{}, &ValidationError{Field: "view", Reason: "every corner and the center must be finite"}
	}
	return View{
		UpLeft:    Coordinate{Lat: v.UpLeft.Lat, Long: v.UpLeft.Lng},
		UpRight:   Coordinate{Lat: v.UpRight.Lat, Long: v.UpRight.Lng},
		DownLeft:  Coordinate{Lat: v.DownLeft.Lat, Long: v.DownLeft.Lng},
		DownRight: Coordinate{Lat: v.DownRight.Lat, Long: v.DownRight.Lng},
		Center:    Coordinate{Lat: v.Center.Lat, Long: v.Center.Lng},
	}, nil
}

// UntranslateView converts a wire view back to the internal form.
func UntranslateView(v View) (geo.View, error) {
	out := geo.View{
		UpLeft:    geo.Coordinate{Lat: v.UpLeft.Lat, Lng: v.UpLeft.Long},
		UpRight:   geo.Coordinate{Lat: v.UpRight.Lat, Lng: v.UpRight.Long},
		DownLeft:  geo.Coordinate{Lat: v.DownLeft.Lat, Lng: v.DownLeft.Long},
		DownRight: geo.Coordinate{Lat: v.DownRight.Lat, Lng: v.DownRight.Long},
		Center:    geo.Coordinate{Lat: v.Center.Lat, Lng: v.Center.Long},
	}
	if !out.Valid() {
		return geo.View{}, &ValidationError{Field: "view", Reason: "every corner and the center must be finite"}
	}
	return out, nil
}

// TranslateBounds converts bounds to the nested-array wire form.
func TranslateBounds(b geo.Bounds) (Bounds, error) {
	if !b.Valid() {
		return Bounds{}, &ValidationError{Field: "bounds", Reason: "both corners must be finite"}
	}
	return Bounds{{b[0].Lat, b[0].Lng}, {b[1].Lat, b[1].Lng}}, nil
}

// UntranslateBounds converts wire bounds back to the internal form.
func UntranslateBounds(b Bounds) (geo.Bounds, error) {
	out := geo.Bounds{{Lat: b[0][0], Lng: b[0][1]}, {Lat: b[1][0], Lng: b[1][1]}}
	if !out.Valid() {
		return geo.Bounds{}, &ValidationError{Field: "bounds", Reason: "both corners must be finite"}
	}
	return out, nil
}
