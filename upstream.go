package dronemap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/free-drones/drone-interactive-map-sub000/internal/net/proto"
	"github.com/free-drones/drone-interactive-map-sub000/internal/net/queue"
	loggingarea "github.com/free-drones/drone-interactive-map-sub000/logging/area"
	loggingnetwork "github.com/free-drones/drone-interactive-map-sub000/logging/network"
)

// Metric labels for pushes that never decoded to a known kind.
const (
	pushMalformed = "malformed"
	pushUnknown   = "unknown"
)

func (c *Client) handleNotify(data json.RawMessage) {
	if err := c.DispatchNotify(data); err != nil {
		c.report(err)
	}
}

// DispatchNotify applies one notify push and acknowledges it. Every
// recognised kind is acknowledged exactly once, outside the request queue.
// Unknown or malformed pushes are not acknowledged and come back as a
// ProtocolViolationError.
func (c *Client) DispatchNotify(data []byte) error {
	ctx := context.Background()

	kind, payload, err := proto.DecodePush(data)
	if err != nil {
		reason := err.Error()
		label := pushMalformed
		var unknown *proto.UnknownPushError
		if errors.As(err, &unknown) {
			reason = fmt.Sprintf("unknown push kind %q", unknown.Kind)
			label = pushUnknown
		}
		c.metrics.PushReceived(label, false)
		loggingnetwork.ProtocolViolation(ctx, c.publisher, proto.ChannelNotify, loggingnetwork.ViolationPayload{Reason: reason}, nil)
		return &queue.ProtocolViolationError{Channel: proto.ChannelNotify, Reason: reason}
	}
	loggingnetwork.PushReceived(ctx, c.publisher, proto.ChannelNotify, loggingnetwork.PushPayload{Kind: kind}, nil)

	switch p := payload.(type) {
	case *proto.NewPicture:
		c.applyNewPicture(p)
	case *proto.NewDrones:
		c.applyNewDrones(p)
	}

	if err := c.session.SendRaw(proto.ChannelNotify, proto.NewAck(kind)); err != nil {
		c.metrics.PushReceived(kind, false)
		return fmt.Errorf("ack %s: %w", kind, err)
	}
	c.metrics.PushReceived(kind, true)
	loggingnetwork.AckSent(ctx, c.publisher, proto.ChannelNotify, loggingnetwork.PushPayload{Kind: kind}, nil)
	return nil
}

func (c *Client) applyNewPicture(p *proto.NewPicture) {
	if !p.Prioritized {
		return
	}
	if !c.requests.MarkReceived(p.RequestID()) {
		c.logger.Printf("prioritized picture %d matches no pending request", p.RequestID())
	}
}

func (c *Client) applyNewDrones(p *proto.NewDrones) {
	if p.Drones == nil {
		return
	}
	c.mu.Lock()
	c.previousDrones = c.drones
	c.drones = copyDrones(p.Drones)
	current := copyDrones(c.drones)
	c.mu.Unlock()

	if c.cfg.Hooks.OnDrones != nil {
		c.cfg.Hooks.OnDrones(current)
	}
}

func (c *Client) handleSetPriority(data json.RawMessage) {
	if err := c.DispatchSetPriority(data); err != nil {
		c.report(err)
	}
}

// DispatchSetPriority applies a set_priority push. When another client holds
// priority, the local token is demoted and the area and bounds are replaced
// with the holder's, in order and without validation, and the user is sent
// back to the main screen. A push naming this client changes nothing.
func (c *Client) DispatchSetPriority(data []byte) error {
	change, err := proto.DecodePriorityChange(data)
	if err != nil {
		return c.violation(proto.ChannelSetPriority, err)
	}

	c.mu.Lock()
	own := change.HighPriorityClient == c.clientID
	c.mu.Unlock()
	if own {
		return nil
	}

	coords, err := proto.UntranslateCoordinates(change.Coordinates)
	if err != nil {
		return c.violation(proto.ChannelSetPriority, err)
	}
	bounds, err := proto.UntranslateBounds(change.Bounds)
	if err != nil {
		return c.violation(proto.ChannelSetPriority, err)
	}

	c.mu.Lock()
	c.priority = PriorityDemoted
	c.bounds = bounds
	c.screen = ScreenMain
	c.mu.Unlock()

	previous := c.area.Len()
	c.area.Replace(coords)
	c.metrics.PriorityHandoff()
	loggingarea.Replaced(context.Background(), c.publisher, loggingarea.ReplacedPayload{
		Holder:   change.HighPriorityClient,
		Vertices: len(coords),
		Previous: previous,
	}, nil)

	if c.cfg.Hooks.OnScreen != nil {
		c.cfg.Hooks.OnScreen(ScreenMain)
	}
	return nil
}

func (c *Client) handleSetClientID(data json.RawMessage) {
	assignment, err := proto.DecodeClientAssignment(data)
	if err != nil {
		c.report(c.violation(proto.ChannelSetClientID, err))
		return
	}
	c.mu.Lock()
	c.clientID = assignment.ClientID
	c.mu.Unlock()
	c.logger.Printf("assigned client id %d", assignment.ClientID)
}

func (c *Client) violation(channel string, err error) error {
	loggingnetwork.ProtocolViolation(context.Background(), c.publisher, channel, loggingnetwork.ViolationPayload{Reason: err.Error()}, nil)
	return &queue.ProtocolViolationError{Channel: channel, Reason: err.Error()}
}

// replyViolation reports a reply whose argument does not match its kind.
func replyViolation(reply proto.Reply, err error) error {
	return &queue.ProtocolViolationError{Channel: proto.ResponseChannel(reply.FcnName), Reason: err.Error()}
}
