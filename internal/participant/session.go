// Package participant is the client side of a room: it keeps the latest room
// snapshot, re-runs the proximity policy on every change and drives the call
// manager with the result.
package participant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/proximity-chat/internal/call"
	"github.com/mossy-p/proximity-chat/internal/models"
	"github.com/mossy-p/proximity-chat/internal/proximity"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	queueSize      = 64
)

// Calls is the part of call.Manager the session drives.
type Calls interface {
	SetIdentity(self string)
	Ledger() call.Ledger
	Connect(remote string) bool
	Disconnect(remote string) bool
	AcceptInbound(offer call.Offer) bool
	RemoteHangup(remote string) bool
	Depart(remote string) bool
}

// AnswerRouter takes returned-signal payloads for outbound dials.
type AnswerRouter interface {
	HandleAnswer(from string, signal json.RawMessage) error
}

// view is what the session knows about its room. It is replaced, never
// mutated.
type view struct {
	self      string
	room      string
	positions []models.Position
}

type move struct{ dx, dy float64 }

// Option configures a Session at Dial time.
type Option func(*Session)

// WithChatHandler is called from the event loop for every chat message.
func WithChatHandler(fn func(models.ChatMessage)) Option {
	return func(s *Session) { s.onChat = fn }
}

// Session is one participant's connection to the relay.
type Session struct {
	conn   *websocket.Conn
	send   chan []byte
	events chan models.Envelope
	moves  chan move
	onChat func(models.ChatMessage)

	view atomic.Pointer[view]

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the relay's websocket endpoint.
func Dial(ctx context.Context, url string, opts ...Option) (*Session, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	s := &Session{
		conn:   conn,
		send:   make(chan []byte, queueSize),
		events: make(chan models.Envelope, queueSize),
		moves:  make(chan move, queueSize),
		onChat: logChat,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.view.Store(&view{})

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go s.readPump()
	go s.writePump()
	return s, nil
}

// Send queues one event for the relay. It implements call.Signaler.
func (s *Session) Send(t models.EventType, payload any) error {
	env, err := models.NewEnvelope(t, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", t, err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", t, err)
	}

	if s.closed() {
		return call.ErrSignalingClosed
	}
	select {
	case s.send <- data:
		return nil
	case <-s.done:
		return call.ErrSignalingClosed
	}
}

// Join asks the relay to place this participant in room.
func (s *Session) Join(room string) error {
	return s.Send(models.EventJoinRoom, models.JoinRoom{RoomID: room})
}

// Say sends a chat message.
func (s *Session) Say(text string) error {
	return s.Send(models.EventChatMessage, models.ChatMessage{Text: text})
}

// Move shifts the local avatar by dx, dy. The event loop applies it, reports
// it to the relay and re-runs the proximity policy.
func (s *Session) Move(dx, dy float64) error {
	if s.closed() {
		return call.ErrSignalingClosed
	}
	select {
	case s.moves <- move{dx: dx, dy: dy}:
		return nil
	case <-s.done:
		return call.ErrSignalingClosed
	}
}

// ID returns the id the relay assigned, or "" before the first join reply.
func (s *Session) ID() string {
	return s.view.Load().self
}

// Room returns the current room, or "" before joining.
func (s *Session) Room() string {
	return s.view.Load().room
}

// Snapshot returns the latest known positions in the room. The slice must
// not be modified.
func (s *Session) Snapshot() []models.Position {
	return s.view.Load().positions
}

// Self returns the local participant's position.
func (s *Session) Self() (models.Position, bool) {
	v := s.view.Load()
	return find(v.positions, v.self)
}

// Done is closed once the connection is gone.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close sends a close frame and shuts the connection down.
func (s *Session) Close() error {
	s.shutdown()
	return nil
}

// Run processes relay events until ctx is cancelled or the connection drops.
// All snapshot changes and call decisions happen on this goroutine.
func (s *Session) Run(ctx context.Context, calls Calls, answers AnswerRouter) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return call.ErrSignalingClosed
		case env := <-s.events:
			s.handle(env, calls, answers)
		case m := <-s.moves:
			s.applyMove(m, calls)
		}
	}
}

func (s *Session) handle(env models.Envelope, calls Calls, answers AnswerRouter) {
	var err error
	switch env.Type {
	case models.EventAllUsers:
		var p models.AllUsers
		if err = env.Decode(&p); err == nil {
			calls.SetIdentity(p.Self)
			s.view.Store(&view{self: p.Self, room: p.RoomID, positions: p.Positions})
			log.Info().Str("module", "participant").Str("self", p.Self).Str("room", p.RoomID).Int("others", len(p.Users)).Msg("joined room")
			s.evaluate(calls)
		}

	case models.EventPositionBroadcast:
		var p models.PositionBroadcast
		if err = env.Decode(&p); err == nil {
			v := s.view.Load()
			// A broadcast queued before our join can still carry the old room.
			if v.self == "" || p.Mover.Room != v.room {
				return
			}
			s.view.Store(&view{self: v.self, room: v.room, positions: keepSelf(p.All, v)})
			s.evaluate(calls)
		}

	case models.EventIncomingSignal:
		var p models.IncomingSignal
		if err = env.Decode(&p); err == nil {
			// The caller may have dialed from a position we already moved away from.
			if calls.AcceptInbound(call.Offer{From: p.CallerID, Signal: p.Signal}) {
				s.evaluate(calls)
			}
		}

	case models.EventReturnedSignal:
		var p models.ReturnedSignal
		if err = env.Decode(&p); err == nil {
			if herr := answers.HandleAnswer(p.ResponderID, p.Signal); herr != nil {
				log.Debug().Str("module", "participant").Str("remote", p.ResponderID).Err(herr).Msg("stray answer")
			}
		}

	case models.EventHangup:
		var p models.Hangup
		if err = env.Decode(&p); err == nil {
			calls.RemoteHangup(p.From)
		}

	case models.EventParticipantLeft:
		var p models.ParticipantLeft
		if err = env.Decode(&p); err == nil {
			v := s.view.Load()
			s.view.Store(&view{self: v.self, room: v.room, positions: without(v.positions, p.ParticipantID)})
			calls.Depart(p.ParticipantID)
		}

	case models.EventChatMessage:
		var p models.ChatMessage
		if err = env.Decode(&p); err == nil && s.onChat != nil {
			s.onChat(p)
		}

	case models.EventError:
		var p models.ErrorPayload
		if err = env.Decode(&p); err == nil {
			log.Warn().Str("module", "participant").Str("error", p.Error).Msg("relay error")
		}

	default:
		log.Debug().Str("module", "participant").Str("type", string(env.Type)).Msg("unhandled event")
	}

	if err != nil {
		log.Warn().Str("module", "participant").Str("type", string(env.Type)).Err(err).Msg("failed to decode event")
	}
}

func (s *Session) applyMove(m move, calls Calls) {
	v := s.view.Load()
	me, ok := find(v.positions, v.self)
	if !ok {
		log.Debug().Str("module", "participant").Msg("move before join ignored")
		return
	}
	me.X += m.dx
	me.Y += m.dy

	s.view.Store(&view{self: v.self, room: v.room, positions: replace(v.positions, me)})
	if err := s.Send(models.EventPositionUpdate, models.PositionUpdate{X: me.X, Y: me.Y}); err != nil {
		log.Warn().Str("module", "participant").Err(err).Msg("failed to report position")
	}
	s.evaluate(calls)
}

// evaluate applies the proximity policy to the current view. Decisions are
// applied in id order.
func (s *Session) evaluate(calls Calls) {
	v := s.view.Load()
	decisions := proximity.Decide(v.positions, v.self, calls.Ledger())
	if len(decisions) == 0 {
		return
	}

	remotes := make([]string, 0, len(decisions))
	for id := range decisions {
		remotes = append(remotes, id)
	}
	sort.Strings(remotes)

	for _, remote := range remotes {
		switch decisions[remote] {
		case proximity.Connect:
			calls.Connect(remote)
		case proximity.Disconnect:
			calls.Disconnect(remote)
		}
	}
}

func (s *Session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Session) shutdown() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Session) readPump() {
	defer func() {
		s.shutdown()
		s.conn.Close()
	}()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Str("module", "participant").Err(err).Msg("connection lost")
			}
			return
		}

		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warn().Str("module", "participant").Err(err).Msg("failed to parse message")
			continue
		}

		select {
		case s.events <- env:
		case <-s.done:
			return
		}
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case data := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.shutdown()
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.shutdown()
				return
			}

		case <-s.done:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			if err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
				log.Debug().Str("module", "participant").Err(err).Msg("close frame")
			}
			return
		}
	}
}

func logChat(m models.ChatMessage) {
	log.Info().Str("module", "participant").Str("from", m.Sender).Str("text", m.Text).Msg("chat")
}

func find(positions []models.Position, id string) (models.Position, bool) {
	for _, p := range positions {
		if p.ID == id {
			return p, true
		}
	}
	return models.Position{}, false
}

// keepSelf takes a broadcast snapshot but keeps the local position, which
// may be ahead of what the relay had when it built the broadcast.
func keepSelf(all []models.Position, v *view) []models.Position {
	me, ok := find(v.positions, v.self)
	if !ok {
		return all
	}
	if _, listed := find(all, v.self); !listed {
		return all
	}
	return replace(all, me)
}

// replace returns a copy of positions with p's entry swapped in.
func replace(positions []models.Position, p models.Position) []models.Position {
	out := make([]models.Position, len(positions))
	for i, q := range positions {
		if q.ID == p.ID {
			q = p
		}
		out[i] = q
	}
	return out
}

func without(positions []models.Position, id string) []models.Position {
	out := make([]models.Position, 0, len(positions))
	for _, p := range positions {
		if p.ID != id {
			out = append(out, p)
		}
	}
	return out
}
