package participant

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/proximity-chat/config"
	"github.com/mossy-p/proximity-chat/internal/call"
	"github.com/mossy-p/proximity-chat/internal/handlers"
	"github.com/mossy-p/proximity-chat/internal/models"
	"github.com/mossy-p/proximity-chat/internal/store"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

type stubStream string

func (s stubStream) ID() string { return string(s) }

type stubCall struct {
	remote string
	stream chan call.Stream
	done   chan struct{}
	once   sync.Once
}

func newStubCall(remote string) *stubCall {
	c := &stubCall{remote: remote, stream: make(chan call.Stream, 1), done: make(chan struct{})}
	c.stream <- stubStream("stream-" + remote)
	return c
}

func (c *stubCall) Remote() string             { return c.remote }
func (c *stubCall) Stream() <-chan call.Stream { return c.stream }
func (c *stubCall) Done() <-chan struct{}      { return c.done }
func (c *stubCall) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// relayTransport completes every call at once. With a signaler it still
// sends the offer, answer and hangup events through the relay.
type relayTransport struct {
	sig call.Signaler

	mu       sync.Mutex
	offers   []string
	answered []string
	hangups  []string
	returned []string
}

func (t *relayTransport) Offer(_ context.Context, remote string, _ call.Stream) (call.Call, error) {
	t.record(&t.offers, remote)
	if t.sig != nil {
		if err := t.sig.Send(models.EventOfferSignal, models.OfferSignal{TargetID: remote, Signal: json.RawMessage(`{}`)}); err != nil {
			return nil, err
		}
	}
	return newStubCall(remote), nil
}

func (t *relayTransport) Answer(_ context.Context, offer call.Offer, _ call.Stream) (call.Call, error) {
	t.record(&t.answered, offer.From)
	if t.sig != nil {
		if err := t.sig.Send(models.EventReturnSignal, models.ReturnSignal{CallerID: offer.From, Signal: json.RawMessage(`{}`)}); err != nil {
			return nil, err
		}
	}
	return newStubCall(offer.From), nil
}

func (t *relayTransport) Reject(offer call.Offer) error {
	return t.Hangup(offer.From)
}

func (t *relayTransport) Hangup(remote string) error {
	t.record(&t.hangups, remote)
	if t.sig != nil {
		return t.sig.Send(models.EventHangup, models.Hangup{TargetID: remote})
	}
	return nil
}

func (t *relayTransport) HandleAnswer(from string, _ json.RawMessage) error {
	t.record(&t.returned, from)
	return nil
}

func (t *relayTransport) record(list *[]string, remote string) {
	t.mu.Lock()
	*list = append(*list, remote)
	t.mu.Unlock()
}

func (t *relayTransport) count(list *[]string, remote string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, r := range *list {
		if r == remote {
			n++
		}
	}
	return n
}

func newRelay(t *testing.T) string {
	t.Helper()
	cfg := &config.Config{
		Environment: "test",
		Relay:       config.RelayConfig{ChatScope: "room", LeaveScope: "global"},
	}
	hub := handlers.NewHub(store.New(), nil, cfg.Relay)
	srv := httptest.NewServer(handlers.NewRouter(cfg, hub))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

type client struct {
	session   *Session
	transport *relayTransport
	calls     *call.Manager
	surface   *LogSurface
}

func startClient(t *testing.T, url, room string, withMedia bool, opts ...Option) *client {
	t.Helper()
	s, err := Dial(context.Background(), url, opts...)
	require.NoError(t, err)

	tr := &relayTransport{sig: s}
	surface := NewLogSurface()
	m := call.NewManager(tr, surface)
	if withMedia {
		m.SetLocalStream(stubStream("local"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx, m, tr)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		m.Close()
		_ = s.Close()
	})

	require.NoError(t, s.Join(room))
	require.Eventually(t, func() bool { return s.ID() != "" }, waitFor, tick)
	return &client{session: s, transport: tr, calls: m, surface: surface}
}

func (c *client) has(remote string) bool {
	return c.calls.Ledger().Has(remote)
}

func TestNearbyParticipantsCallAndSeparate(t *testing.T) {
	url := newRelay(t)
	a := startClient(t, url, "lobby", true)
	b := startClient(t, url, "lobby", true)
	aID, bID := a.session.ID(), b.session.ID()

	// Both spawn on the same point.
	require.Eventually(t, func() bool { return a.has(bID) && b.has(aID) }, waitFor, tick)
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{bID}, a.surface.Showing()) &&
			assert.ObjectsAreEqual([]string{aID}, b.surface.Showing())
	}, waitFor, tick)

	require.NoError(t, a.session.Move(300, 0))
	require.Eventually(t, func() bool { return !a.has(bID) && !b.has(aID) }, waitFor, tick)
	require.Eventually(t, func() bool { return len(a.surface.Showing()) == 0 }, waitFor, tick)
	assert.GreaterOrEqual(t, a.transport.count(&a.transport.hangups, bID), 1)

	me, ok := a.session.Self()
	require.True(t, ok)
	assert.Equal(t, float64(store.SpawnX+300), me.X)

	// a ends up to the right of b, so b places the call.
	aOffers := a.transport.count(&a.transport.offers, bID)
	bOffers := b.transport.count(&b.transport.offers, aID)
	require.NoError(t, a.session.Move(-250, 0))
	require.Eventually(t, func() bool { return a.has(bID) && b.has(aID) }, waitFor, tick)
	assert.Equal(t, aOffers, a.transport.count(&a.transport.offers, bID))
	assert.Equal(t, bOffers+1, b.transport.count(&b.transport.offers, aID))
}

func TestDepartureEndsCall(t *testing.T) {
	url := newRelay(t)
	a := startClient(t, url, "lobby", true)
	b := startClient(t, url, "lobby", true)
	bID := b.session.ID()

	require.Eventually(t, func() bool { return a.has(bID) }, waitFor, tick)
	hangups := a.transport.count(&a.transport.hangups, bID)

	require.NoError(t, b.session.Close())

	require.Eventually(t, func() bool { return !a.has(bID) }, waitFor, tick)
	require.Eventually(t, func() bool {
		_, present := find(a.session.Snapshot(), bID)
		return !present
	}, waitFor, tick)
	assert.Equal(t, hangups, a.transport.count(&a.transport.hangups, bID))
}

func TestParticipantWithoutMediaRejectsCalls(t *testing.T) {
	url := newRelay(t)
	a := startClient(t, url, "lobby", false)
	b := startClient(t, url, "lobby", true)
	aID, bID := a.session.ID(), b.session.ID()

	require.Eventually(t, func() bool { return a.transport.count(&a.transport.hangups, bID) >= 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return !b.has(aID) }, waitFor, tick)
	assert.False(t, a.has(bID))
	assert.Zero(t, a.transport.count(&a.transport.offers, bID))
}

func TestParticipantsInOtherRoomsNeverCall(t *testing.T) {
	url := newRelay(t)
	a := startClient(t, url, "lobby", true)
	b := startClient(t, url, "cellar", true)

	require.NoError(t, b.session.Move(1, 0))
	require.NoError(t, a.session.Say("anyone?"))

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, a.calls.Ledger().Len())
	assert.Zero(t, b.calls.Ledger().Len())
	assert.Len(t, a.session.Snapshot(), 1)
}

func TestChatIsDelivered(t *testing.T) {
	url := newRelay(t)
	got := make(chan models.ChatMessage, 1)
	a := startClient(t, url, "lobby", true)
	startClient(t, url, "lobby", true, WithChatHandler(func(m models.ChatMessage) { got <- m }))

	require.NoError(t, a.session.Say("hello"))

	select {
	case m := <-got:
		assert.Equal(t, models.ChatMessage{Text: "hello", Sender: a.session.ID()}, m)
	case <-time.After(waitFor):
		t.Fatal("chat not delivered")
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	url := newRelay(t)
	s, err := Dial(context.Background(), url)
	require.NoError(t, err)

	require.NoError(t, s.Close())
	<-s.Done()

	assert.ErrorIs(t, s.Say("late"), call.ErrSignalingClosed)
	assert.ErrorIs(t, s.Move(1, 1), call.ErrSignalingClosed)
}

func TestBroadcastKeepsLocalPosition(t *testing.T) {
	local := &view{self: "a", room: "lobby", positions: []models.Position{
		{ID: "a", Room: "lobby", X: 520, Y: 100},
		{ID: "b", Room: "lobby", X: 400, Y: 100},
	}}
	stale := []models.Position{
		{ID: "a", Room: "lobby", X: 500, Y: 100},
		{ID: "b", Room: "lobby", X: 410, Y: 100},
		{ID: "c", Room: "lobby", X: 0, Y: 0},
	}

	got := keepSelf(stale, local)

	assert.Equal(t, []models.Position{
		{ID: "a", Room: "lobby", X: 520, Y: 100},
		{ID: "b", Room: "lobby", X: 410, Y: 100},
		{ID: "c", Room: "lobby", X: 0, Y: 0},
	}, got)
	assert.Equal(t, 500.0, stale[0].X, "input snapshot must not change")
}

func TestBroadcastFromPreviousRoomIsDropped(t *testing.T) {
	m := call.NewManager(&relayTransport{}, NewLogSurface())
	m.SetLocalStream(stubStream("local"))
	m.SetIdentity("b")
	t.Cleanup(m.Close)

	s := &Session{}
	joined := &view{self: "b", room: "cellar", positions: []models.Position{
		{ID: "b", Room: "cellar", X: 500, Y: 100},
	}}
	s.view.Store(joined)
	assert.Equal(t, "cellar", s.Room())

	broadcast := func(room string, others ...string) models.Envelope {
		all := []models.Position{{ID: "b", Room: room, X: 500, Y: 100}}
		for _, id := range others {
			all = append(all, models.Position{ID: id, Room: room, X: 510, Y: 100})
		}
		env, err := models.NewEnvelope(models.EventPositionBroadcast, models.PositionBroadcast{All: all, Mover: all[len(all)-1]})
		require.NoError(t, err)
		return env
	}

	s.handle(broadcast("cellar", "c"), m, &relayTransport{})
	require.Eventually(t, func() bool {
		state, ok := m.Ledger().State("c")
		return ok && state == call.Active
	}, waitFor, tick)
	current := s.view.Load()

	s.handle(broadcast("lobby", "a"), m, &relayTransport{})

	assert.Same(t, current, s.view.Load())
	assert.Equal(t, []models.Position{
		{ID: "b", Room: "cellar", X: 500, Y: 100},
		{ID: "c", Room: "cellar", X: 510, Y: 100},
	}, s.Snapshot())
	assert.True(t, m.Ledger().Has("c"))
	assert.False(t, m.Ledger().Has("a"))
}

func TestLogSurfaceKeepsNewerSlot(t *testing.T) {
	s := NewLogSurface()

	detachOld := s.Attach("b", stubStream("one"))
	detachNew := s.Attach("b", stubStream("two"))
	detachOld()
	assert.Equal(t, []string{"b"}, s.Showing())

	detachNew()
	detachNew()
	assert.Empty(t, s.Showing())
}
