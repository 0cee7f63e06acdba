package hub

import (
	"context"
	"errors"

	"github.com/xiaot623/huddle/internal/metrics"
	"github.com/xiaot623/huddle/internal/protocol"
	"github.com/xiaot623/huddle/internal/room"
)

// Target addresses a server-side emit: either a room or a single connection.
type Target struct {
	Room         string
	ConnectionID string
	Exclude      string
}

// Address builds a Target from the addressing fields other services send.
// Exactly one of roomID, channelID, userID and connectionID must be set.
func Address(roomID, channelID, userID, connectionID, exclude string) (Target, bool) {
	set := 0
	t := Target{Exclude: exclude}
	if connectionID != "" {
		t.ConnectionID = connectionID
		set++
	}
	if roomID != "" {
		t.Room = roomID
		set++
	}
	if channelID != "" {
		t.Room = room.ChannelRoom(channelID)
		set++
	}
	if userID != "" {
		t.Room = room.UserRoom(userID)
		set++
	}
	if set != 1 {
		return Target{}, false
	}
	return t, true
}

// EmitToRoom delivers event to every member of roomID except exclude and
// returns how many connections it reached. Runs on the hub goroutine.
func (h *Hub) EmitToRoom(roomID, event string, payload any, exclude string) int {
	return h.emit(roomID, event, payload, exclude, false)
}

// EmitAdvisory is EmitToRoom for events that may be dropped: recipients whose
// send buffer is above the high-water mark are skipped. Runs on the hub goroutine.
func (h *Hub) EmitAdvisory(roomID, event string, payload any, exclude string) int {
	return h.emit(roomID, event, payload, exclude, true)
}

func (h *Hub) emit(roomID, event string, payload any, exclude string, advisory bool) int {
	data, err := protocol.Encode(event, payload)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("failed to encode event")
		return 0
	}

	members := h.rooms.Members(roomID)
	if len(members) == 0 {
		h.logger.Debug().Str("room", roomID).Str("event", event).Msg("emit to empty room")
		return 0
	}

	delivered := 0
	highWater := max(1, h.sendBuffer*3/4)
	for _, connID := range members {
		if connID == exclude {
			continue
		}
		conn, ok := h.connections[connID]
		if !ok {
			continue
		}
		if advisory && len(conn.Send) >= highWater {
			metrics.DeliveryFailures.WithLabelValues("advisory_dropped").Inc()
			continue
		}
		if err := h.deliver(conn, event, data); err != nil {
			h.logger.Warn().Err(err).Str("room", roomID).Str("event", event).Msg("delivery failed")
			continue
		}
		delivered++
	}
	return delivered
}

// EmitToConnection delivers event to one connection. A missing connection is
// a *RoutingError. Runs on the hub goroutine.
func (h *Hub) EmitToConnection(connID, event string, payload any) error {
	conn, ok := h.connections[connID]
	if !ok {
		metrics.DeliveryFailures.WithLabelValues("no_route").Inc()
		return &RoutingError{Target: connID}
	}
	data, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}
	return h.deliver(conn, event, data)
}

// Reply sends event back to the originating connection. Runs on the hub goroutine.
func (h *Hub) Reply(conn *Connection, event string, payload any) {
	if conn.closed {
		return
	}
	data, err := protocol.Encode(event, payload)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("failed to encode reply")
		return
	}
	if err := h.deliver(conn, event, data); err != nil {
		h.logger.Warn().Err(err).Str("event", event).Msg("reply failed")
	}
}

// ReplyError sends an error event to conn. Runs on the hub goroutine.
func (h *Hub) ReplyError(conn *Connection, code, message string) {
	metrics.EventsRejected.WithLabelValues(code).Inc()
	h.Reply(conn, protocol.EventError, protocol.ErrorPayload{Code: code, Message: message})
}

// Emit performs a server-side emit from any goroutine.
func (h *Hub) Emit(ctx context.Context, target Target, event string, payload any) (int, error) {
	var (
		delivered int
		emitErr   error
	)
	err := h.Do(ctx, func() {
		if target.ConnectionID != "" {
			if emitErr = h.EmitToConnection(target.ConnectionID, event, payload); emitErr == nil {
				delivered = 1
			}
			return
		}
		delivered = h.EmitToRoom(target.Room, event, payload, target.Exclude)
	})
	if err != nil {
		return 0, err
	}
	var routeErr *RoutingError
	if errors.As(emitErr, &routeErr) {
		return 0, nil
	}
	return delivered, emitErr
}

// deliver enqueues data without blocking. A full buffer evicts the connection.
func (h *Hub) deliver(conn *Connection, event string, data []byte) error {
	select {
	case conn.Send <- data:
		metrics.Deliveries.WithLabelValues(event).Inc()
		return nil
	default:
		metrics.DeliveryFailures.WithLabelValues("buffer_full").Inc()
		h.logger.Warn().Str("connection_id", conn.ID).Msg("connection buffer full, closing")
		h.remove(conn)
		return &TransportError{ConnectionID: conn.ID, Err: ErrBufferFull}
	}
}
