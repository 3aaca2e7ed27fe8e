package call

import (
	"context"
	"encoding/json"

	"github.com/mossy-p/proximity-chat/internal/models"
)

// Stream is a media stream handle, local or remote.
type Stream interface {
	ID() string
}

// Call is one established peer-to-peer media session.
type Call interface {
	Remote() string
	// Stream yields the remote stream once it arrives.
	Stream() <-chan Stream
	// Done is closed when the underlying connection fails or closes.
	Done() <-chan struct{}
	Close() error
}

// Offer is an inbound call request relayed by the signaling server.
type Offer struct {
	From   string
	Signal json.RawMessage
}

// Transport places, answers and refuses calls. Offer and Answer must return
// promptly once ctx is cancelled.
type Transport interface {
	Offer(ctx context.Context, remote string, local Stream) (Call, error)
	Answer(ctx context.Context, offer Offer, local Stream) (Call, error)
	Reject(offer Offer) error
	Hangup(remote string) error
}

// Surface displays remote streams. Attach must not call back into the
// Manager; the returned func releases the display slot.
type Surface interface {
	Attach(remote string, s Stream) (detach func())
}

// Signaler is the only thing the call package needs from the websocket
// session.
type Signaler interface {
	Send(t models.EventType, payload any) error
}

// AnswerPolicy decides whether an inbound offer is answered.
type AnswerPolicy func(Offer) bool

// AlwaysAnswer accepts every inbound offer.
func AlwaysAnswer(Offer) bool { return true }
