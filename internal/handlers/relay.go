package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/mossy-p/proximity-chat/internal/models"
)

type eventHandler func(h *Hub, c *Client, env models.Envelope) error

var relayHandlers = map[models.EventType]eventHandler{
	models.EventJoinRoom:       handleJoinRoom,
	models.EventOfferSignal:    handleOfferSignal,
	models.EventReturnSignal:   handleReturnSignal,
	models.EventHangup:         handleHangup,
	models.EventChatMessage:    handleChatMessage,
	models.EventPositionUpdate: handlePositionUpdate,
}

// dispatch routes one inbound frame. Every failure stays with this client.
func (h *Hub) dispatch(c *Client, message []byte) {
	var env models.Envelope
	if err := json.Unmarshal(message, &env); err != nil {
		log.Warn().Str("module", "relay").Str("participant", c.ID).Err(err).Msg("failed to parse message")
		h.replyError(c, "malformed message")
		return
	}

	handler, ok := relayHandlers[env.Type]
	if !ok {
		log.Warn().Str("module", "relay").Str("participant", c.ID).Str("type", string(env.Type)).Msg("unknown message type")
		return
	}

	if env.Type != models.EventJoinRoom {
		if _, joined := h.store.RoomOf(c.ID); !joined {
			log.Debug().Str("module", "relay").Str("participant", c.ID).Str("type", string(env.Type)).Msg("ignoring event before join")
			return
		}
	}

	if err := handler(h, c, env); err != nil {
		log.Warn().Str("module", "relay").Str("participant", c.ID).Str("type", string(env.Type)).Err(err).Msg("event rejected")
		h.replyError(c, err.Error())
	}
}

func (h *Hub) replyError(c *Client, msg string) {
	h.deliver(route{audience: ToSender, from: c.ID}, models.EventError, models.ErrorPayload{Error: msg})
}

// join places c in room, answers with the members already present and
// shows the newcomer's spawn point to the room.
func (h *Hub) join(c *Client, room string) {
	if current, ok := h.store.RoomOf(c.ID); ok && current != room {
		h.leave(c, ToRoomOthers)
	}

	others := h.store.Join(c.ID, room)
	h.mirror(func(ctx context.Context, p PresenceMirror) error { return p.Join(ctx, room, c.ID) })

	snapshot := h.store.Snapshot(room)
	h.deliver(route{audience: ToSender, from: c.ID}, models.EventAllUsers, models.AllUsers{
		Self:      c.ID,
		RoomID:    room,
		Users:     others,
		Positions: snapshot,
	})

	var me models.Position
	for _, p := range snapshot {
		if p.ID == c.ID {
			me = p
		}
	}
	h.deliver(route{audience: ToRoomOthers, from: c.ID, room: room}, models.EventPositionBroadcast, models.PositionBroadcast{
		All:   snapshot,
		Mover: me,
	})

	log.Info().Str("module", "relay").Str("participant", c.ID).Str("room", room).Int("others", len(others)).Msg("participant joined")
}

func handleJoinRoom(h *Hub, c *Client, env models.Envelope) error {
	var req models.JoinRoom
	if err := env.Decode(&req); err != nil {
		return fmt.Errorf("decode join-room: %w", err)
	}
	if req.RoomID == "" {
		return errors.New("roomId is required")
	}
	h.join(c, req.RoomID)
	return nil
}

func handleOfferSignal(h *Hub, c *Client, env models.Envelope) error {
	var req models.OfferSignal
	if err := env.Decode(&req); err != nil {
		return fmt.Errorf("decode offer-signal: %w", err)
	}
	if req.TargetID == "" {
		return errors.New("targetId is required")
	}
	n := h.deliver(route{audience: ToTarget, from: c.ID, target: req.TargetID}, models.EventIncomingSignal, models.IncomingSignal{
		CallerID: c.ID,
		Signal:   req.Signal,
	})
	logUndelivered(n, c.ID, req.TargetID, env.Type)
	return nil
}

func handleReturnSignal(h *Hub, c *Client, env models.Envelope) error {
	var req models.ReturnSignal
	if err := env.Decode(&req); err != nil {
		return fmt.Errorf("decode return-signal: %w", err)
	}
	if req.CallerID == "" {
		return errors.New("callerId is required")
	}
	n := h.deliver(route{audience: ToTarget, from: c.ID, target: req.CallerID}, models.EventReturnedSignal, models.ReturnedSignal{
		ResponderID: c.ID,
		Signal:      req.Signal,
	})
	logUndelivered(n, c.ID, req.CallerID, env.Type)
	return nil
}

func handleHangup(h *Hub, c *Client, env models.Envelope) error {
	var req models.Hangup
	if err := env.Decode(&req); err != nil {
		return fmt.Errorf("decode hangup: %w", err)
	}
	if req.TargetID == "" {
		return errors.New("targetId is required")
	}
	n := h.deliver(route{audience: ToTarget, from: c.ID, target: req.TargetID}, models.EventHangup, models.Hangup{From: c.ID})
	logUndelivered(n, c.ID, req.TargetID, env.Type)
	return nil
}

func handleChatMessage(h *Hub, c *Client, env models.Envelope) error {
	var req models.ChatMessage
	if err := env.Decode(&req); err != nil {
		return fmt.Errorf("decode chat-message: %w", err)
	}
	if req.Text == "" {
		return nil
	}
	room, _ := h.store.RoomOf(c.ID)
	h.deliver(route{audience: h.chatScope, from: c.ID, room: room}, models.EventChatMessage, models.ChatMessage{
		Text:   req.Text,
		Sender: c.ID,
	})
	return nil
}

func handlePositionUpdate(h *Hub, c *Client, env models.Envelope) error {
	var req models.PositionUpdate
	if err := env.Decode(&req); err != nil {
		return fmt.Errorf("decode position-update: %w", err)
	}
	snapshot, ok := h.store.UpdatePosition(c.ID, req.X, req.Y)
	if !ok {
		return nil
	}
	h.deliver(route{audience: ToRoomOthers, from: c.ID, room: snapshot.Mover.Room}, models.EventPositionBroadcast, snapshot)
	return nil
}

func logUndelivered(n int, from, target string, t models.EventType) {
	if n == 0 {
		log.Debug().Str("module", "relay").Str("participant", from).Str("target", target).Str("type", string(t)).Msg("target not connected")
	}
}
