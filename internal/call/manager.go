// Package call owns the participant's media calls: which remotes have a call
// open, placing and answering them, and tearing them down without leaking
// half-open sessions. Media itself goes through a Transport.
package call

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const defaultDialTimeout = 20 * time.Second

// entry is the resource side of a ledger record.
type entry struct {
	gen      uint64
	outbound bool
	cancel   context.CancelFunc
	call     Call
	detach   func()
}

// release frees everything the entry holds. Callers must have removed it
// from the Manager first.
func (e *entry) release() {
	e.cancel()
	if e.call != nil {
		if err := e.call.Close(); err != nil {
			log.Debug().Str("module", "call").Err(err).Msg("close call")
		}
	}
	if e.detach != nil {
		e.detach()
	}
}

// Manager owns active calls and keeps the connection ledger in step with
// them.
type Manager struct {
	transport   Transport
	surface     Surface
	answer      AnswerPolicy
	dialTimeout time.Duration

	mu      sync.Mutex
	self    string
	local   Stream
	ledger  Ledger
	entries map[string]*entry
	gen     uint64
	closed  bool

	wg sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithAnswerPolicy replaces the default accept-everything policy.
func WithAnswerPolicy(p AnswerPolicy) Option {
	return func(m *Manager) { m.answer = p }
}

// WithDialTimeout bounds how long a call may stay in connecting.
func WithDialTimeout(d time.Duration) Option {
	return func(m *Manager) { m.dialTimeout = d }
}

// NewManager returns a manager that places calls over t and shows remote
// streams on s.
func NewManager(t Transport, s Surface, opts ...Option) *Manager {
	m := &Manager{
		transport:   t,
		surface:     s,
		answer:      AlwaysAnswer,
		dialTimeout: defaultDialTimeout,
		entries:     make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetIdentity records the local participant id assigned by the server.
func (m *Manager) SetIdentity(self string) {
	m.mu.Lock()
	m.self = self
	m.mu.Unlock()
}

// SetLocalStream sets the captured local media. nil means capture failed:
// no outbound calls are placed and inbound offers are rejected.
func (m *Manager) SetLocalStream(s Stream) {
	m.mu.Lock()
	m.local = s
	m.mu.Unlock()
}

// Ledger returns the current connection ledger.
func (m *Manager) Ledger() Ledger {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ledger
}

// Connect places a call to remote unless one is already open or opening.
// It reports whether a dial was started.
func (m *Manager) Connect(remote string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.ledger.Has(remote) {
		return false
	}
	if m.local == nil {
		log.Warn().Str("module", "call").Str("remote", remote).Err(ErrNoLocalMedia).Msg("not dialing")
		return false
	}

	local := m.local
	ctx, gen := m.beginLocked(remote, true)
	m.wg.Add(1)
	go m.run(ctx, remote, gen, func(ctx context.Context) (Call, error) {
		return m.transport.Offer(ctx, remote, local)
	})

	log.Info().Str("module", "call").Str("remote", remote).Msg("dialing")
	return true
}

// AcceptInbound answers an offer with the local stream. Offers are refused
// when there is no local media or the answer policy declines. If both sides
// dialed each other at once, the participant with the smaller id keeps its
// outbound call.
func (m *Manager) AcceptInbound(offer Offer) bool {
	m.mu.Lock()

	if m.closed {
		m.mu.Unlock()
		return false
	}
	if m.local == nil || !m.answer(offer) {
		m.mu.Unlock()
		log.Info().Str("module", "call").Str("remote", offer.From).Msg("rejecting offer")
		if err := m.transport.Reject(offer); err != nil {
			log.Warn().Str("module", "call").Str("remote", offer.From).Err(err).Msg("reject")
		}
		return false
	}

	var replaced *entry
	if e, ok := m.entries[offer.From]; ok {
		if e.outbound && e.call == nil && m.self < offer.From {
			m.mu.Unlock()
			log.Debug().Str("module", "call").Str("remote", offer.From).Msg("glare, keeping outbound call")
			return false
		}
		replaced = m.removeLocked(offer.From, 0)
	}

	local := m.local
	ctx, gen := m.beginLocked(offer.From, false)
	m.wg.Add(1)
	go m.run(ctx, offer.From, gen, func(ctx context.Context) (Call, error) {
		return m.transport.Answer(ctx, offer, local)
	})
	m.mu.Unlock()

	if replaced != nil {
		replaced.release()
	}
	log.Info().Str("module", "call").Str("remote", offer.From).Msg("answering")
	return true
}

// Disconnect ends the call with remote and tells the remote side to do the
// same. It reports whether there was anything to end.
func (m *Manager) Disconnect(remote string) bool {
	if !m.teardown(remote) {
		return false
	}
	if err := m.transport.Hangup(remote); err != nil {
		log.Warn().Str("module", "call").Str("remote", remote).Err(err).Msg("hangup")
	}
	return true
}

// RemoteHangup ends the call after the remote side ended it.
func (m *Manager) RemoteHangup(remote string) bool {
	return m.teardown(remote)
}

// Depart ends the call with a remote that left, whatever its distance.
func (m *Manager) Depart(remote string) bool {
	return m.teardown(remote)
}

// Close ends every call and waits for in-flight dials to unwind.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	entries := m.entries
	m.entries = make(map[string]*entry)
	m.ledger = Ledger{}
	m.mu.Unlock()

	for _, e := range entries {
		e.release()
	}
	m.wg.Wait()
}

func (m *Manager) teardown(remote string) bool {
	m.mu.Lock()
	e := m.removeLocked(remote, 0)
	m.mu.Unlock()

	if e == nil {
		return false
	}
	e.release()
	log.Info().Str("module", "call").Str("remote", remote).Msg("call ended")
	return true
}

func (m *Manager) beginLocked(remote string, outbound bool) (context.Context, uint64) {
	ctx, cancel := context.WithCancel(context.Background())
	m.gen++
	m.entries[remote] = &entry{gen: m.gen, outbound: outbound, cancel: cancel}
	m.ledger = m.ledger.with(remote, Connecting)
	return ctx, m.gen
}

// removeLocked drops remote's entry. A non-zero gen only matches that
// generation, so a stale goroutine cannot remove a newer call.
func (m *Manager) removeLocked(remote string, gen uint64) *entry {
	e, ok := m.entries[remote]
	if !ok || (gen != 0 && e.gen != gen) {
		return nil
	}
	delete(m.entries, remote)
	m.ledger = m.ledger.without(remote)
	return e
}

// run drives one call from dial to teardown.
func (m *Manager) run(ctx context.Context, remote string, gen uint64, dial func(context.Context) (Call, error)) {
	defer m.wg.Done()

	dialCtx, cancel := context.WithTimeout(ctx, m.dialTimeout)
	c, err := dial(dialCtx)
	cancel()
	if err != nil {
		if m.drop(remote, gen) {
			log.Warn().Str("module", "call").Str("remote", remote).Err(err).Msg("call setup failed")
			if herr := m.transport.Hangup(remote); herr != nil {
				log.Debug().Str("module", "call").Str("remote", remote).Err(herr).Msg("hangup")
			}
		}
		return
	}

	if !m.establish(remote, gen, c) {
		// Torn down while dialing.
		if err := c.Close(); err != nil {
			log.Debug().Str("module", "call").Str("remote", remote).Err(err).Msg("close superseded call")
		}
		return
	}
	log.Info().Str("module", "call").Str("remote", remote).Msg("call active")

	select {
	case s, ok := <-c.Stream():
		if ok {
			m.attach(remote, gen, s)
		}
	case <-c.Done():
		m.drop(remote, gen)
		return
	case <-ctx.Done():
		return
	}

	select {
	case <-c.Done():
		if m.drop(remote, gen) {
			log.Info().Str("module", "call").Str("remote", remote).Msg("call lost")
		}
	case <-ctx.Done():
	}
}

func (m *Manager) establish(remote string, gen uint64, c Call) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[remote]
	if !ok || e.gen != gen {
		return false
	}
	e.call = c
	m.ledger = m.ledger.with(remote, Active)
	return true
}

func (m *Manager) attach(remote string, gen uint64, s Stream) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[remote]
	if !ok || e.gen != gen || e.detach != nil {
		return
	}
	e.detach = m.surface.Attach(remote, s)
}

// drop removes and releases gen's entry if it is still current.
func (m *Manager) drop(remote string, gen uint64) bool {
	m.mu.Lock()
	e := m.removeLocked(remote, gen)
	m.mu.Unlock()

	if e == nil {
		return false
	}
	e.release()
	return true
}
