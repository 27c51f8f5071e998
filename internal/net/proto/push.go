package proto

import (
	"encoding/json"
	"fmt"
)

// Push is the envelope of every message on the notify channel.
type Push struct {
	Fcn string          `json:"fcn"`
	Arg json.RawMessage `json:"arg,omitempty"`
}

// NewPicture announces an image that became available. ForceQueueID is set for
// images taken on a priority request and names that request.
type NewPicture struct {
	Type         string `json:"type"`
	Prioritized  bool   `json:"prioritized"`
	ImageID      int    `json:"image_id"`
	ForceQueueID int    `json:"force_que_id,omitempty"`
	TimeTaken    int64  `json:"time_taken,omitempty"`
	URL          string `json:"url,omitempty"`
	Coordinates  *View  `json:"coordinates,omitempty"`
}

// RequestID returns the priority request this picture answers.
func (p NewPicture) RequestID() int {
	if p.ForceQueueID > 0 {
		return p.ForceQueueID
	}
	return p.ImageID
}

// Drone is one entry of a fleet snapshot.
type Drone struct {
	ID       string     `json:"drone_id"`
	Location Coordinate `json:"location"`
	Mode     string     `json:"mode,omitempty"`
	Battery  float64    `json:"battery,omitempty"`
}

// NewDrones is a full fleet snapshot keyed by drone id.
type NewDrones struct {
	Drones map[string]Drone `json:"drones"`
}

// PriorityChange is the set_priority push: the holder's area and bounds.
type PriorityChange struct {
	HighPriorityClient int          `json:"high_priority_client"`
	Coordinates        []Coordinate `json:"coordinates"`
	Bounds             Bounds       `json:"bounds"`
}

// ClientAssignment is the set_client_id push sent once per connection.
type ClientAssignment struct {
	ClientID int `json:"client_id"`
}

// UnknownPushError is returned for notify kinds this client does not understand.
type UnknownPushError struct {
	Kind string
}

func (e *UnknownPushError) Error() string {
	return fmt.Sprintf("proto: unknown push kind %q", e.Kind)
}

// DecodePush parses a notify body into *NewPicture or *NewDrones.
func DecodePush(data []byte) (string, any, error) {
	var push Push
	if err := json.Unmarshal(data, &push); err != nil {
		return "", nil, fmt.Errorf("proto: decode push: %w", err)
	}

	var target any
	switch push.Fcn {
	case PushNewPicture:
		target = &NewPicture{}
	case PushNewDrones:
		target = &NewDrones{}
	default:
		return push.Fcn, nil, &UnknownPushError{Kind: push.Fcn}
	}
	if len(push.Arg) > 0 {
		if err := json.Unmarshal(push.Arg, target); err != nil {
			return push.Fcn, nil, fmt.Errorf("proto: decode %s arg: %w", push.Fcn, err)
		}
	}
	return push.Fcn, target, nil
}

// DecodePriorityChange parses a set_priority body.
func DecodePriorityChange(data []byte) (PriorityChange, error) {
	var change PriorityChange
	if err := json.Unmarshal(data, &change); err != nil {
		return PriorityChange{}, fmt.Errorf("proto: decode set_priority: %w", err)
	}
	return change, nil
}

// DecodeClientAssignment parses a set_client_id body.
func DecodeClientAssignment(data []byte) (ClientAssignment, error) {
	var assignment ClientAssignment
	if err := json.Unmarshal(data, &assignment); err != nil {
		return ClientAssignment{}, fmt.Errorf("proto: decode set_client_id: %w", err)
	}
	return assignment, nil
}
