package handlers

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/proximity-chat/config"
	"github.com/mossy-p/proximity-chat/internal/models"
	"github.com/mossy-p/proximity-chat/internal/redis"
	"github.com/mossy-p/proximity-chat/internal/store"
)

const readTimeout = 2 * time.Second

func testConfig() *config.Config {
	return &config.Config{
		Environment:    "test",
		AllowedOrigins: []string{"http://localhost:3000"},
		JWTSecret:      "test-secret",
		Admin:          config.AdminConfig{User: "admin", Password: "hunter2"},
		Relay:          config.RelayConfig{ChatScope: "room", LeaveScope: "global"},
	}
}

type testServer struct {
	*httptest.Server
	hub   *Hub
	store *store.Store
}

func newTestServer(t *testing.T, cfg *config.Config, presence PresenceMirror) *testServer {
	t.Helper()
	st := store.New()
	hub := NewHub(st, presence, cfg.Relay)
	srv := httptest.NewServer(NewRouter(cfg, hub))
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, hub: hub, store: st}
}

type peer struct {
	t    *testing.T
	conn *websocket.Conn
	id   string
}

func (s *testServer) dial(t *testing.T, path string) *peer {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &peer{t: t, conn: conn}
}

// join connects through /ws/:roomId and consumes the all-users reply.
func (s *testServer) join(t *testing.T, room string) (*peer, models.AllUsers) {
	t.Helper()
	p := s.dial(t, "/ws/"+room)
	var users models.AllUsers
	require.NoError(t, p.expect(models.EventAllUsers).Decode(&users))
	p.id = users.Self
	return p, users
}

func (p *peer) send(typ models.EventType, payload any) {
	p.t.Helper()
	env, err := models.NewEnvelope(typ, payload)
	require.NoError(p.t, err)
	require.NoError(p.t, p.conn.WriteJSON(env))
}

func (p *peer) next() models.Envelope {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(readTimeout)))
	_, data, err := p.conn.ReadMessage()
	require.NoError(p.t, err)
	var env models.Envelope
	require.NoError(p.t, json.Unmarshal(data, &env))
	return env
}

func (p *peer) expect(typ models.EventType) models.Envelope {
	p.t.Helper()
	env := p.next()
	require.Equal(p.t, typ, env.Type, "payload: %s", env.Payload)
	return env
}

// fence proves that nothing was queued for p before this point. The relay
// answers malformed frames to the sender, in order with everything else.
func (p *peer) fence() {
	p.t.Helper()
	require.NoError(p.t, p.conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	p.expect(models.EventError)
}

func TestJoinRepliesWithMembersAndPositions(t *testing.T) {
	srv := newTestServer(t, testConfig(), nil)

	a, first := srv.join(t, "lobby")
	assert.Equal(t, "lobby", first.RoomID)
	assert.Empty(t, first.Users)
	require.Len(t, first.Positions, 1)
	assert.Equal(t, models.Position{ID: a.id, Room: "lobby", X: store.SpawnX, Y: store.SpawnY}, first.Positions[0])

	b, second := srv.join(t, "lobby")
	assert.Equal(t, []string{a.id}, second.Users)
	assert.Len(t, second.Positions, 2)

	var spawn models.PositionBroadcast
	require.NoError(t, a.expect(models.EventPositionBroadcast).Decode(&spawn))
	assert.Equal(t, b.id, spawn.Mover.ID)
	assert.Len(t, spawn.All, 2)

	b.fence()
}

func TestJoinRoomMessage(t *testing.T) {
	srv := newTestServer(t, testConfig(), nil)
	p := srv.dial(t, "/ws")

	p.send(models.EventJoinRoom, models.JoinRoom{RoomID: "garden"})

	var users models.AllUsers
	require.NoError(t, p.expect(models.EventAllUsers).Decode(&users))
	assert.Equal(t, "garden", users.RoomID)
	assert.NotEmpty(t, users.Self)

	room, ok := srv.store.RoomOf(users.Self)
	assert.True(t, ok)
	assert.Equal(t, "garden", room)
}

func TestJoinRoomRequiresID(t *testing.T) {
	srv := newTestServer(t, testConfig(), nil)
	p := srv.dial(t, "/ws")

	p.send(models.EventJoinRoom, models.JoinRoom{})

	var e models.ErrorPayload
	require.NoError(t, p.expect(models.EventError).Decode(&e))
	assert.Contains(t, e.Error, "roomId")
}

func TestEventsBeforeJoinAreIgnored(t *testing.T) {
	srv := newTestServer(t, testConfig(), nil)
	p := srv.dial(t, "/ws")

	p.send(models.EventPositionUpdate, models.PositionUpdate{X: 1, Y: 2})
	p.send(models.EventChatMessage, models.ChatMessage{Text: "hello?"})
	p.fence()

	assert.Empty(t, srv.store.Rooms())
}

func TestPositionUpdateReachesRoomOthersOnly(t *testing.T) {
	srv := newTestServer(t, testConfig(), nil)
	a, _ := srv.join(t, "lobby")
	b, _ := srv.join(t, "lobby")
	a.expect(models.EventPositionBroadcast)
	c, _ := srv.join(t, "cellar")

	a.send(models.EventPositionUpdate, models.PositionUpdate{X: 480, Y: 100})

	var snap models.PositionBroadcast
	require.NoError(t, b.expect(models.EventPositionBroadcast).Decode(&snap))
	assert.Equal(t, models.Position{ID: a.id, Room: "lobby", X: 480, Y: 100}, snap.Mover)
	assert.ElementsMatch(t, []models.Position{
		{ID: a.id, Room: "lobby", X: 480, Y: 100},
		{ID: b.id, Room: "lobby", X: store.SpawnX, Y: store.SpawnY},
	}, snap.All)

	a.fence()
	c.fence()
}

func TestSignalsAreForwardedToTarget(t *testing.T) {
	srv := newTestServer(t, testConfig(), nil)
	a, _ := srv.join(t, "lobby")
	b, _ := srv.join(t, "lobby")
	a.expect(models.EventPositionBroadcast)

	offer := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	a.send(models.EventOfferSignal, models.OfferSignal{TargetID: b.id, Signal: offer})

	var in models.IncomingSignal
	require.NoError(t, b.expect(models.EventIncomingSignal).Decode(&in))
	assert.Equal(t, a.id, in.CallerID)
	assert.JSONEq(t, string(offer), string(in.Signal))

	answer := json.RawMessage(`{"type":"answer","sdp":"v=0"}`)
	b.send(models.EventReturnSignal, models.ReturnSignal{CallerID: a.id, Signal: answer})

	var back models.ReturnedSignal
	require.NoError(t, a.expect(models.EventReturnedSignal).Decode(&back))
	assert.Equal(t, b.id, back.ResponderID)
	assert.JSONEq(t, string(answer), string(back.Signal))

	a.send(models.EventHangup, models.Hangup{TargetID: b.id})

	var hangup models.Hangup
	require.NoError(t, b.expect(models.EventHangup).Decode(&hangup))
	assert.Equal(t, a.id, hangup.From)
}

func TestSignalToUnknownTargetIsDropped(t *testing.T) {
	srv := newTestServer(t, testConfig(), nil)
	a, _ := srv.join(t, "lobby")

	a.send(models.EventOfferSignal, models.OfferSignal{TargetID: "ghost", Signal: json.RawMessage(`{}`)})
	a.send(models.EventOfferSignal, models.OfferSignal{TargetID: a.id, Signal: json.RawMessage(`{}`)})

	a.fence()
}

func TestChatScope(t *testing.T) {
	tests := []struct {
		name        string
		scope       string
		otherRoomIn bool
	}{
		{name: "room", scope: "room", otherRoomIn: false},
		{name: "global", scope: "global", otherRoomIn: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Relay.ChatScope = tt.scope
			srv := newTestServer(t, cfg, nil)
			a, _ := srv.join(t, "lobby")
			b, _ := srv.join(t, "lobby")
			a.expect(models.EventPositionBroadcast)
			c, _ := srv.join(t, "cellar")

			a.send(models.EventChatMessage, models.ChatMessage{Text: ""})
			a.send(models.EventChatMessage, models.ChatMessage{Text: "hi", Sender: "spoofed"})

			var msg models.ChatMessage
			require.NoError(t, b.expect(models.EventChatMessage).Decode(&msg))
			assert.Equal(t, models.ChatMessage{Text: "hi", Sender: a.id}, msg)

			if tt.otherRoomIn {
				c.expect(models.EventChatMessage)
			}
			c.fence()
			a.fence()
		})
	}
}

func TestDisconnectAnnouncesDeparture(t *testing.T) {
	tests := []struct {
		name        string
		scope       string
		otherRoomIn bool
	}{
		{name: "global", scope: "global", otherRoomIn: true},
		{name: "room", scope: "room", otherRoomIn: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Relay.LeaveScope = tt.scope
			srv := newTestServer(t, cfg, nil)
			a, _ := srv.join(t, "lobby")
			b, _ := srv.join(t, "lobby")
			a.expect(models.EventPositionBroadcast)
			c, _ := srv.join(t, "cellar")

			require.NoError(t, a.conn.Close())

			var left models.ParticipantLeft
			require.NoError(t, b.expect(models.EventParticipantLeft).Decode(&left))
			assert.Equal(t, a.id, left.ParticipantID)

			if tt.otherRoomIn {
				c.expect(models.EventParticipantLeft)
			}
			c.fence()

			_, ok := srv.store.RoomOf(a.id)
			assert.False(t, ok)
			assert.Equal(t, []string{b.id}, srv.store.Members("lobby"))
		})
	}
}

func TestJoiningAnotherRoomLeavesTheFirst(t *testing.T) {
	srv := newTestServer(t, testConfig(), nil)
	a, _ := srv.join(t, "lobby")
	b, _ := srv.join(t, "lobby")
	a.expect(models.EventPositionBroadcast)
	c, _ := srv.join(t, "cellar")

	a.send(models.EventJoinRoom, models.JoinRoom{RoomID: "cellar"})

	var left models.ParticipantLeft
	require.NoError(t, b.expect(models.EventParticipantLeft).Decode(&left))
	assert.Equal(t, a.id, left.ParticipantID)

	var users models.AllUsers
	require.NoError(t, a.expect(models.EventAllUsers).Decode(&users))
	assert.Equal(t, []string{c.id}, users.Users)

	var spawn models.PositionBroadcast
	require.NoError(t, c.expect(models.EventPositionBroadcast).Decode(&spawn))
	assert.Equal(t, a.id, spawn.Mover.ID)
}

func TestMalformedMessageReportsError(t *testing.T) {
	srv := newTestServer(t, testConfig(), nil)
	a, _ := srv.join(t, "lobby")

	require.NoError(t, a.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":`)))

	var e models.ErrorPayload
	require.NoError(t, a.expect(models.EventError).Decode(&e))
	assert.Equal(t, "malformed message", e.Error)

	a.send(models.EventPositionUpdate, "not an object")
	a.expect(models.EventError)
}

func TestPresenceIsMirroredToRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	presence, err := redis.Connect(context.Background(), config.RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = presence.Close() })

	srv := newTestServer(t, testConfig(), presence)
	a, _ := srv.join(t, "lobby")
	b, _ := srv.join(t, "lobby")
	a.expect(models.EventPositionBroadcast)

	members, err := mr.Members("room:lobby:peers")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.id, b.id}, members)

	require.NoError(t, a.conn.Close())
	b.expect(models.EventParticipantLeft)

	members, err = mr.Members("room:lobby:peers")
	require.NoError(t, err)
	assert.Equal(t, []string{b.id}, members)
}

func TestPresenceFailureDoesNotBreakRelay(t *testing.T) {
	mr := miniredis.RunT(t)
	presence, err := redis.Connect(context.Background(), config.RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = presence.Close() })
	mr.Close()

	srv := newTestServer(t, testConfig(), presence)
	a, _ := srv.join(t, "lobby")
	b, _ := srv.join(t, "lobby")

	a.expect(models.EventPositionBroadcast)
	b.send(models.EventChatMessage, models.ChatMessage{Text: "still here"})
	a.expect(models.EventChatMessage)
}
