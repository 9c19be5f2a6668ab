// Package core implements federation admission control.
package core

import (
	"context"

	"github.com/google/uuid"

	"github.com/Eyecu/synapse/internal/admission/observability"
)

// RemoteJoinFunc performs the federation join handshake through one of the
// candidate destinations.
type RemoteJoinFunc func(ctx context.Context, roomID string, destinations []string) error

// LeaveFunc removes the server from a room it has joined.
type LeaveFunc func(ctx context.Context, roomID string) error

// JoinCoordinator wraps the join handshake with the complexity gate: the
// room is checked against the remote report before the handshake, and
// against local state after it. A join that turns out too complex is
// reversed.
type JoinCoordinator struct {
	gate   *ComplexityGate
	join   RemoteJoinFunc
	leave  LeaveFunc
	logger observability.Logger
	events *EventBroker
}

// NewJoinCoordinator constructs a coordinator. join is required; leave may
// be nil when reversal is handled out of process.
func NewJoinCoordinator(
	gate *ComplexityGate,
	join RemoteJoinFunc,
	leave LeaveFunc,
	logger observability.Logger,
	events *EventBroker,
) *JoinCoordinator {
	if logger == nil {
		logger = observability.NopLogger{}
	}
	return &JoinCoordinator{gate: gate, join: join, leave: leave, logger: logger, events: events}
}

// JoinRoom runs the gated join workflow. A RESOURCE_LIMIT_EXCEEDED verdict
// before the handshake aborts it; an unreachable complexity report does
// not, since the post-join check covers rooms whose size was unknown.
func (c *JoinCoordinator) JoinRoom(ctx context.Context, roomID string, destinations []string) error {
	if c == nil || c.join == nil {
		return Wrap(CodeInternal, "join coordinator is not configured", nil)
	}
	if roomID == "" {
		return Wrap(CodeInvalidInput, "room id is required", nil)
	}
	if len(destinations) == 0 {
		return Wrap(CodeInvalidInput, "at least one destination is required", nil)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	err := c.gate.CheckRemoteJoin(ctx, roomID, destinations)
	switch {
	case err == nil:
	case CodeOf(err) == CodeResourceLimitExceeded:
		c.publishDenied(roomID)
		return err
	case CodeOf(err) == CodeFederationUnreachable:
		c.logger.Info("room complexity unknown before join, proceeding", map[string]any{
			"room_id": roomID,
		})
	default:
		return err
	}

	if err := c.join(ctx, roomID, destinations); err != nil {
		return err
	}

	err = c.gate.CheckJoinedRoom(ctx, roomID)
	if err == nil {
		return nil
	}
	if CodeOf(err) != CodeResourceLimitExceeded {
		// The room is joined; a scoring failure is not grounds to undo it.
		c.logger.Error("post-join complexity check failed", map[string]any{
			"room_id": roomID,
			"error":   err.Error(),
		})
		return nil
	}

	c.publishDenied(roomID)
	if c.leave != nil {
		if leaveErr := c.leave(ctx, roomID); leaveErr != nil {
			c.logger.Error("failed to leave room after complexity denial", map[string]any{
				"room_id": roomID,
				"error":   leaveErr.Error(),
			})
		} else if c.events != nil {
			c.events.Publish(AdmissionEvent{
				ID:     uuid.NewString(),
				Kind:   EventLeftRoom,
				RoomID: roomID,
			})
		}
	}
	return err
}

func (c *JoinCoordinator) publishDenied(roomID string) {
	if c.events == nil {
		return
	}
	c.events.Publish(AdmissionEvent{
		ID:     uuid.NewString(),
		Kind:   EventJoinDenied,
		RoomID: roomID,
	})
}
