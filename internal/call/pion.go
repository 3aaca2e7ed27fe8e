package call

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/proximity-chat/internal/models"
)

const (
	audioFrame = 20 * time.Millisecond
	videoEvery = 5
)

var (
	// opusSilence is one 20ms Opus frame of silence.
	opusSilence = []byte{0xf8, 0xff, 0xfe}

	// vp8Keyframe is a 16x16 VP8 keyframe header followed by an empty first
	// partition.
	vp8Keyframe = []byte{
		0x50, 0x01, 0x00, 0x9d, 0x01, 0x2a, 0x10, 0x00, 0x10, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	}
)

// LocalStream is a synthetic audio+video stream for a headless participant.
// While at least one call holds it, it writes silence and placeholder
// keyframes so the remote side sees media arrive.
type LocalStream struct {
	id    string
	audio *webrtc.TrackLocalStaticSample
	video *webrtc.TrackLocalStaticSample

	mu    sync.Mutex
	users int
	stop  chan struct{}
}

// NewLocalStream creates the audio and video tracks for stream id. No
// samples are written until a call acquires the stream.
func NewLocalStream(id string) (*LocalStream, error) {
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", id,
	)
	if err != nil {
		return nil, fmt.Errorf("create audio track: %w", err)
	}
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		"video", id,
	)
	if err != nil {
		return nil, fmt.Errorf("create video track: %w", err)
	}
	return &LocalStream{id: id, audio: audio, video: video}, nil
}

func (s *LocalStream) ID() string { return s.id }

// Tracks returns the audio and video tracks to add to a peer connection.
func (s *LocalStream) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{s.audio, s.video}
}

// acquire starts the sample pump if it is not running. The returned func
// releases the hold; the pump stops with the last release.
func (s *LocalStream) acquire() func() {
	s.mu.Lock()
	s.users++
	if s.users == 1 {
		s.stop = make(chan struct{})
		go s.pump(s.stop)
	}
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.users--
			if s.users == 0 {
				close(s.stop)
				s.stop = nil
			}
		})
	}
}

func (s *LocalStream) pumping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stop != nil
}

func (s *LocalStream) pump(stop <-chan struct{}) {
	ticker := time.NewTicker(audioFrame)
	defer ticker.Stop()

	for n := 0; ; n++ {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if err := s.audio.WriteSample(media.Sample{Data: opusSilence, Duration: audioFrame}); err != nil {
			log.Debug().Str("module", "call").Str("stream", s.id).Err(err).Msg("write audio sample")
		}
		if n%videoEvery == 0 {
			if err := s.video.WriteSample(media.Sample{Data: vp8Keyframe, Duration: videoEvery * audioFrame}); err != nil {
				log.Debug().Str("module", "call").Str("stream", s.id).Err(err).Msg("write video sample")
			}
		}
	}
}

// RemoteStream is the first track received from a remote participant.
type RemoteStream struct {
	Track *webrtc.TrackRemote
}

func (s RemoteStream) ID() string { return s.Track.StreamID() }

type trackSource interface {
	Tracks() []webrtc.TrackLocal
}

type sampleSource interface {
	acquire() func()
}

// PionTransport carries calls over pion peer connections. Offers and
// answers are sent once ICE gathering completes, so the relay never sees
// individual candidates.
type PionTransport struct {
	sig    Signaler
	config webrtc.Configuration

	mu      sync.Mutex
	pending map[string]chan webrtc.SessionDescription
}

// NewPionTransport returns a transport that signals through sig and gathers
// candidates against iceServers.
func NewPionTransport(sig Signaler, iceServers []webrtc.ICEServer) *PionTransport {
	return &PionTransport{
		sig:     sig,
		config:  webrtc.Configuration{ICEServers: iceServers},
		pending: make(map[string]chan webrtc.SessionDescription),
	}
}

// Offer dials remote and waits for its answer.
func (t *PionTransport) Offer(ctx context.Context, remote string, local Stream) (Call, error) {
	pc, err := t.newPeerConnection(local)
	if err != nil {
		return nil, newError("offer", remote, err)
	}
	c := newPionCall(remote, pc, local)

	answers := make(chan webrtc.SessionDescription, 1)
	t.mu.Lock()
	t.pending[remote] = answers
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		if t.pending[remote] == answers {
			delete(t.pending, remote)
		}
		t.mu.Unlock()
	}()

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		_ = c.Close()
		return nil, newError("create offer", remote, err)
	}
	signal, err := t.localDescription(ctx, pc, offer)
	if err != nil {
		_ = c.Close()
		return nil, newError("offer", remote, err)
	}
	if err := t.sig.Send(models.EventOfferSignal, models.OfferSignal{TargetID: remote, Signal: signal}); err != nil {
		_ = c.Close()
		return nil, newError("send offer", remote, err)
	}

	select {
	case answer := <-answers:
		if err := pc.SetRemoteDescription(answer); err != nil {
			_ = c.Close()
			return nil, newError("set remote description", remote, err)
		}
	case <-ctx.Done():
		_ = c.Close()
		return nil, newError("await answer", remote, ctx.Err())
	}
	return c, nil
}

// Answer accepts offer and sends back the answer.
func (t *PionTransport) Answer(ctx context.Context, offer Offer, local Stream) (Call, error) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(offer.Signal, &desc); err != nil {
		return nil, newError("parse offer", offer.From, err)
	}

	pc, err := t.newPeerConnection(local)
	if err != nil {
		return nil, newError("answer", offer.From, err)
	}
	c := newPionCall(offer.From, pc, local)

	if err := pc.SetRemoteDescription(desc); err != nil {
		_ = c.Close()
		return nil, newError("set remote description", offer.From, err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		_ = c.Close()
		return nil, newError("create answer", offer.From, err)
	}
	signal, err := t.localDescription(ctx, pc, answer)
	if err != nil {
		_ = c.Close()
		return nil, newError("answer", offer.From, err)
	}
	if err := t.sig.Send(models.EventReturnSignal, models.ReturnSignal{CallerID: offer.From, Signal: signal}); err != nil {
		_ = c.Close()
		return nil, newError("send answer", offer.From, err)
	}
	return c, nil
}

// Reject declines offer with a hangup.
func (t *PionTransport) Reject(offer Offer) error {
	return t.Hangup(offer.From)
}

// Hangup tells remote the call is over.
func (t *PionTransport) Hangup(remote string) error {
	return t.sig.Send(models.EventHangup, models.Hangup{TargetID: remote})
}

// HandleAnswer hands a returned-signal to the dial waiting on it.
func (t *PionTransport) HandleAnswer(from string, signal json.RawMessage) error {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(signal, &desc); err != nil {
		return newError("parse answer", from, err)
	}

	t.mu.Lock()
	answers, ok := t.pending[from]
	t.mu.Unlock()
	if !ok {
		return newError("answer", from, ErrUnknownCall)
	}

	select {
	case answers <- desc:
	default:
	}
	return nil
}

func (t *PionTransport) newPeerConnection(local Stream) (*webrtc.PeerConnection, error) {
	src, ok := local.(trackSource)
	if !ok {
		return nil, ErrNoLocalMedia
	}

	pc, err := webrtc.NewPeerConnection(t.config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	for _, track := range src.Tracks() {
		if _, err := pc.AddTrack(track); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add track: %w", err)
		}
	}
	return pc, nil
}

// localDescription applies desc and waits for ICE gathering so the
// returned SDP carries every candidate.
func (t *PionTransport) localDescription(ctx context.Context, pc *webrtc.PeerConnection, desc webrtc.SessionDescription) (json.RawMessage, error) {
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(desc); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return json.Marshal(pc.LocalDescription())
}

type pionCall struct {
	remote string
	pc     *webrtc.PeerConnection
	stream  chan Stream
	done    chan struct{}
	release func()

	trackOnce sync.Once
	doneOnce  sync.Once
}

func newPionCall(remote string, pc *webrtc.PeerConnection, local Stream) *pionCall {
	c := &pionCall{
		remote:  remote,
		pc:      pc,
		stream:  make(chan Stream, 1),
		done:    make(chan struct{}),
		release: func() {},
	}
	if src, ok := local.(sampleSource); ok {
		c.release = src.acquire()
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.trackOnce.Do(func() { c.stream <- RemoteStream{Track: track} })
		for {
			if _, _, err := track.ReadRTP(); err != nil {
				return
			}
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Debug().Str("module", "call").Str("remote", remote).Str("state", state.String()).Msg("peer connection state")
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			c.finish()
		}
	})
	return c
}

func (c *pionCall) Remote() string { return c.remote }

func (c *pionCall) Stream() <-chan Stream { return c.stream }

func (c *pionCall) Done() <-chan struct{} { return c.done }

func (c *pionCall) Close() error {
	c.finish()
	return c.pc.Close()
}

func (c *pionCall) finish() {
	c.doneOnce.Do(func() {
		close(c.done)
		c.release()
	})
}
