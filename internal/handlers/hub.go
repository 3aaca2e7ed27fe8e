package handlers

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/proximity-chat/config"
	"github.com/mossy-p/proximity-chat/internal/models"
	"github.com/mossy-p/proximity-chat/internal/store"
)

// Audience selects who receives a relayed event. The sender itself is only
// ever reached through ToSender.
type Audience int

const (
	ToSender Audience = iota
	ToTarget
	ToRoomOthers
	ToAllOthers
)

func (a Audience) String() string {
	switch a {
	case ToSender:
		return "sender"
	case ToTarget:
		return "target"
	case ToRoomOthers:
		return "room"
	default:
		return "all"
	}
}

// PresenceMirror receives membership changes. Failures are logged only.
type PresenceMirror interface {
	Join(ctx context.Context, room, participant string) error
	Leave(ctx context.Context, room, participant string) error
}

const presenceTimeout = 2 * time.Second

type route struct {
	audience Audience
	from     string
	room     string
	target   string
}

// Hub tracks connected clients and relays events between them. Room and
// position state lives in the store.
type Hub struct {
	store      *store.Store
	presence   PresenceMirror
	chatScope  Audience
	leaveScope Audience

	mu      sync.RWMutex
	clients map[string]*Client
}

// NewHub builds a hub. presence may be nil.
func NewHub(st *store.Store, presence PresenceMirror, cfg config.RelayConfig) *Hub {
	h := &Hub{
		store:      st,
		presence:   presence,
		chatScope:  ToRoomOthers,
		leaveScope: ToAllOthers,
		clients:    make(map[string]*Client),
	}
	if cfg.ChatScope == "global" {
		h.chatScope = ToAllOthers
	}
	if cfg.LeaveScope == "room" {
		h.leaveScope = ToRoomOthers
	}
	return h
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()
	log.Debug().Str("module", "relay").Str("participant", c.ID).Msg("client registered")
}

// unregister removes c and cleans up its room membership. Safe to call
// more than once.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if h.clients[c.ID] == c {
		delete(h.clients, c.ID)
	}
	h.mu.Unlock()
	c.stop()

	h.leave(c, h.leaveScope)
}

// leave drops c from its room and announces the departure.
func (h *Hub) leave(c *Client, audience Audience) {
	room, ok := h.store.Leave(c.ID)
	if !ok {
		return
	}
	h.mirror(func(ctx context.Context, p PresenceMirror) error { return p.Leave(ctx, room, c.ID) })

	n := h.deliver(route{audience: audience, from: c.ID, room: room},
		models.EventParticipantLeft, models.ParticipantLeft{ParticipantID: c.ID})
	log.Info().Str("module", "relay").Str("participant", c.ID).Str("room", room).Int("notified", n).Msg("participant left")
}

// Evict disconnects everybody in room and returns how many were closed.
func (h *Hub) Evict(room string) int {
	n := 0
	for _, id := range h.store.Members(room) {
		if c, ok := h.client(id); ok {
			c.closeWith(websocket.CloseNormalClosure, "room closed")
			n++
		}
	}
	return n
}

func (h *Hub) client(id string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[id]
	return c, ok
}

func (h *Hub) recipients(r route) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []*Client
	switch r.audience {
	case ToSender:
		if c, ok := h.clients[r.from]; ok {
			out = append(out, c)
		}
	case ToTarget:
		if r.target == r.from {
			return nil
		}
		if c, ok := h.clients[r.target]; ok {
			out = append(out, c)
		}
	case ToRoomOthers:
		for _, id := range h.store.Members(r.room) {
			if id == r.from {
				continue
			}
			if c, ok := h.clients[id]; ok {
				out = append(out, c)
			}
		}
	case ToAllOthers:
		for id, c := range h.clients {
			if id != r.from {
				out = append(out, c)
			}
		}
	}
	return out
}

// deliver sends one event to r's audience and reports how many clients it
// was queued for.
func (h *Hub) deliver(r route, t models.EventType, payload any) int {
	env, err := models.NewEnvelope(t, payload)
	if err != nil {
		log.Error().Str("module", "relay").Err(err).Str("type", string(t)).Msg("failed to marshal payload")
		return 0
	}
	data, err := json.Marshal(env)
	if err != nil {
		log.Error().Str("module", "relay").Err(err).Str("type", string(t)).Msg("failed to marshal message")
		return 0
	}

	n := 0
	for _, c := range h.recipients(r) {
		if c.enqueue(data) {
			n++
		}
	}
	return n
}

func (h *Hub) mirror(fn func(context.Context, PresenceMirror) error) {
	if h.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := fn(ctx, h.presence); err != nil {
		log.Warn().Str("module", "relay").Err(err).Msg("presence mirror")
	}
}
