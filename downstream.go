package dronemap

import (
	"context"
	"time"

	"github.com/free-drones/drone-interactive-map-sub000/internal/geo"
	"github.com/free-drones/drone-interactive-map-sub000/internal/net/proto"
	"github.com/free-drones/drone-interactive-map-sub000/internal/pictures"
)

// DefaultPollInterval is the request_view cadence used by PollViews.
const DefaultPollInterval = 2 * time.Second

// Connect announces the client. The server may assign a client id in the reply.
func (c *Client) Connect(ctx context.Context, done func(clientID int)) error {
	return c.enqueue(ctx, proto.KindInitConnection, nil, func(reply proto.Reply) {
		var assignment proto.ClientAssignment
		if err := reply.DecodeArg(&assignment); err != nil {
			c.report(replyViolation(reply, err))
			return
		}
		if assignment.ClientID > 0 {
			c.mu.Lock()
			c.clientID = assignment.ClientID
			c.mu.Unlock()
		}
		if done != nil {
			done(c.ClientID())
		}
	})
}

func (c *Client) CheckAlive(ctx context.Context, done func()) error {
	return c.enqueue(ctx, proto.KindCheckAlive, nil, ackOnly(done))
}

// Quit tells the server the client is leaving. The socket stays open.
func (c *Client) Quit(ctx context.Context, done func()) error {
	return c.enqueue(ctx, proto.KindQuit, nil, ackOnly(done))
}

// SetArea sends the committed area and bounds. Only the priority holder may
// define the area, and the area needs at least three vertices.
func (c *Client) SetArea(ctx context.Context, done func()) error {
	c.mu.Lock()
	clientID, priority, bounds := c.clientID, c.priority, c.bounds
	c.mu.Unlock()

	if priority != PriorityHigh {
		return &proto.ValidationError{Field: "priority", Reason: "only the high priority client may define the area"}
	}
	vertices := c.area.Vertices()
	if len(vertices) < 3 {
		return &proto.ValidationError{Field: "area", Reason: "an area needs at least three vertices"}
	}
	if bounds.IsZero() {
		return &proto.ValidationError{Field: "bounds", Reason: "bounds are not set"}
	}

	coords, err := proto.TranslateCoordinates(vertices)
	if err != nil {
		return err
	}
	wireBounds, err := proto.TranslateBounds(bounds)
	if err != nil {
		return err
	}

	return c.enqueue(ctx, proto.KindSetArea, proto.SetAreaArg{
		ClientID:    clientID,
		Coordinates: coords,
		Bounds:      wireBounds,
	}, ackOnly(done))
}

// RequestView asks for the pictures overlapping view and reconciles the
// active set with the listing.
func (c *Client) RequestView(ctx context.Context, view geo.View, done func(added, removed []pictures.Picture)) error {
	wire, err := proto.TranslateView(view)
	if err != nil {
		return err
	}

	return c.enqueue(ctx, proto.KindRequestView, proto.RequestViewArg{ClientID: c.ClientID(), Coordinates: wire}, func(reply proto.Reply) {
		var body proto.RequestViewReply
		if err := reply.DecodeArg(&body); err != nil {
			c.report(replyViolation(reply, err))
			return
		}

		incoming := make([]pictures.Picture, 0, len(body.ImageData))
		for _, img := range body.ImageData {
			footprint, err := proto.UntranslateView(img.Coordinates)
			if err != nil {
				c.logger.Printf("skipping image %d: %v", img.ImageID, err)
				continue
			}
			incoming = append(incoming, pictures.Picture{
				ID:          img.ImageID,
				Kind:        img.Type,
				Prioritized: img.Prioritized,
				URL:         img.URL,
				TakenAt:     millis(img.TimeTaken),
				Footprint:   footprint,
			})
		}

		added, removed := c.active.Reconcile(incoming)
		if (len(added) > 0 || len(removed) > 0) && c.cfg.Hooks.OnPictures != nil {
			c.cfg.Hooks.OnPictures(added, removed)
		}
		if done != nil {
			done(added, removed)
		}
	})
}

// RequestPriorityView asks a drone to photograph view. The request joins the
// priority queue under the id the server assigns.
func (c *Client) RequestPriorityView(ctx context.Context, view geo.View, urgent bool, done func(pictures.PriorityRequest)) error {
	wire, err := proto.TranslateView(view)
	if err != nil {
		return err
	}
	requestedAt := c.now()

	return c.enqueue(ctx, proto.KindRequestPriorityView, proto.RequestPriorityViewArg{
		ClientID:    c.ClientID(),
		Coordinates: wire,
		Urgent:      urgent,
	}, func(reply proto.Reply) {
		var body proto.RequestPriorityViewReply
		if err := reply.DecodeArg(&body); err != nil {
			c.report(replyViolation(reply, err))
			return
		}
		req := pictures.PriorityRequest{
			ID:          body.ForceQueueID,
			RequestedAt: requestedAt,
			View:        view,
			Urgent:      urgent,
		}
		c.requests.Add(req)
		if done != nil {
			done(req)
		}
	})
}

// ClearImageQueue drops every pending priority request on the server and,
// once acknowledged, locally.
func (c *Client) ClearImageQueue(ctx context.Context, done func()) error {
	return c.enqueue(ctx, proto.KindClearQueue, nil, func(proto.Reply) {
		c.requests.Clear()
		if done != nil {
			done()
		}
	})
}

// SetMode switches between manual and automatic imaging. Automatic mode needs
// the view to keep covered.
func (c *Client) SetMode(ctx context.Context, mode string, zoom *geo.View, done func()) error {
	arg := proto.SetModeArg{Mode: mode}
	switch mode {
	case proto.ModeManual:
	case proto.ModeAutomatic:
		if zoom == nil || !zoom.Valid() {
			return &proto.ValidationError{Field: "zoom", Reason: "automatic mode requires a valid view"}
		}
	default:
		return &proto.ValidationError{Field: "mode", Reason: "must be " + proto.ModeAutomatic + " or " + proto.ModeManual}
	}
	if zoom != nil {
		wire, err := proto.TranslateView(*zoom)
		if err != nil {
			return err
		}
		arg.Zoom = &wire
	}
	return c.enqueue(ctx, proto.KindSetMode, arg, ackOnly(done))
}

// GetInfo fetches the time each drone has left before it must return.
func (c *Client) GetInfo(ctx context.Context, done func([]proto.DroneInfo)) error {
	return c.enqueue(ctx, proto.KindGetInfo, nil, func(reply proto.Reply) {
		var body proto.GetInfoReply
		if err := reply.DecodeArg(&body); err != nil {
			c.report(replyViolation(reply, err))
			return
		}
		if done != nil {
			done(body.Data)
		}
	})
}

// GetQueueETA fetches the time until the next priority picture is taken.
func (c *Client) GetQueueETA(ctx context.Context, done func(time.Duration)) error {
	return c.enqueue(ctx, proto.KindQueueETA, nil, func(reply proto.Reply) {
		var body proto.QueueETAReply
		if err := reply.DecodeArg(&body); err != nil {
			c.report(replyViolation(reply, err))
			return
		}
		if done != nil {
			done(time.Duration(body.ETA) * time.Second)
		}
	})
}

// PollViews issues request_view for viewFn's current view every interval
// until ctx is done. Ticks where viewFn reports no view, or the client is
// offline, are skipped.
func (c *Client) PollViews(ctx context.Context, interval time.Duration, viewFn func() (geo.View, bool)) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if !c.Connected() {
			continue
		}
		view, ok := viewFn()
		if !ok {
			continue
		}
		if err := c.RequestView(ctx, view, nil); err != nil {
			c.logger.Printf("view poll: %v", err)
		}
	}
}

func ackOnly(done func()) func(proto.Reply) {
	return func(proto.Reply) {
		if done != nil {
			done()
		}
	}
}

func millis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
