package models

import "encoding/json"

// EventType names a signaling event carried over the websocket.
type EventType string

// Client to server.
const (
	EventJoinRoom       EventType = "join-room"
	EventOfferSignal    EventType = "offer-signal"
	EventReturnSignal   EventType = "return-signal"
	EventChatMessage    EventType = "chat-message"
	EventPositionUpdate EventType = "position-update"
	EventHangup         EventType = "hangup"
)

// Server to client. chat-message and hangup travel both ways.
const (
	EventAllUsers          EventType = "all-users"
	EventIncomingSignal    EventType = "incoming-signal"
	EventReturnedSignal    EventType = "returned-signal"
	EventPositionBroadcast EventType = "position-broadcast"
	EventParticipantLeft   EventType = "participant-left"
	EventError             EventType = "error"
)

// Envelope is the frame for every websocket message in both directions.
type Envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an envelope of the given type.
func NewEnvelope(t EventType, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Type: t}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: t, Payload: raw}, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return json.Unmarshal([]byte("{}"), v)
	}
	return json.Unmarshal(e.Payload, v)
}

// JoinRoom asks to enter a room, leaving any current one.
type JoinRoom struct {
	RoomID string `json:"roomId"`
}

// AllUsers answers join-room with the caller's own id, the members that
// were already present and the room's positions including the caller.
type AllUsers struct {
	Self      string     `json:"self"`
	RoomID    string     `json:"roomId"`
	Users     []string   `json:"users"`
	Positions []Position `json:"positions"`
}

// OfferSignal carries a caller's offer to TargetID.
type OfferSignal struct {
	TargetID string          `json:"targetId"`
	Signal   json.RawMessage `json:"signal"`
}

// ReturnSignal carries a responder's answer back to CallerID.
type ReturnSignal struct {
	CallerID string          `json:"callerId"`
	Signal   json.RawMessage `json:"signal"`
}

// IncomingSignal is an OfferSignal as delivered to its target.
type IncomingSignal struct {
	CallerID string          `json:"callerId"`
	Signal   json.RawMessage `json:"signal"`
}

// ReturnedSignal is a ReturnSignal as delivered to the caller.
type ReturnedSignal struct {
	ResponderID string          `json:"responderId"`
	Signal      json.RawMessage `json:"signal"`
}

// Hangup is sent with TargetID and delivered with From.
type Hangup struct {
	TargetID string `json:"targetId,omitempty"`
	From     string `json:"from,omitempty"`
}

// ChatMessage represents a chat line. Sender is filled in by the server.
type ChatMessage struct {
	Text   string `json:"text"`
	Sender string `json:"sender,omitempty"`
}

// PositionUpdate is what a participant reports about itself. The server
// ignores any id or room fields and uses the connection's identity.
type PositionUpdate struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// ParticipantLeft announces a departure.
type ParticipantLeft struct {
	ParticipantID string `json:"participantId"`
}

// ErrorPayload reports a rejected message to its sender.
type ErrorPayload struct {
	Error string `json:"error"`
}
