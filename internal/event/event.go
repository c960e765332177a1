// Package event defines the JSON wire surface exchanged with connected
// clients: the envelope and the payload shapes for every inbound and
// outbound event kind.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Inbound event kinds (client to server).
const (
	KindMessageSend   = "message.send"
	KindMessageRead   = "message.read"
	KindMessageDelete = "message.delete"

	KindPresenceTyping    = "presence.typing"
	KindPresenceRecording = "presence.recording"

	KindCallOffer        = "call.offer"
	KindCallAnswer       = "call.answer"
	KindCallIceCandidate = "call.ice_candidate"
	KindCallEnd          = "call.end"
	KindCallDecline      = "call.decline"
)

// Outbound event kinds (server to client).
const (
	KindMessageNew         = "message.new"
	KindMessageBlocked     = "message.blocked"
	KindMessageReadReceipt = "message.read_receipt"
	KindChatUpdated        = "chat.updated"

	KindPresenceUpdate          = "presence.update"
	KindPresenceTypingUpdate    = "presence.typing_update"
	KindPresenceRecordingUpdate = "presence.recording_update"

	KindCallIncoming = "call.incoming"
	KindCallAnswered = "call.answered"
	KindCallEnded    = "call.ended"
	KindCallDeclined = "call.declined"
	KindCallFailed   = "call.failed"

	KindError = "error"
)

// Envelope frames every event on the wire.
type Envelope struct {
	ID      string          `json:"id"`
	Kind    string          `json:"kind"`
	Ts      int64           `json:"ts"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// New builds an envelope around payload with a fresh id and timestamp.
func New(kind string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return &Envelope{
		ID:      uuid.New().String(),
		Kind:    kind,
		Ts:      time.Now().UnixMilli(),
		Payload: raw,
	}, nil
}

// MustNew is New for payloads that cannot fail to marshal.
func MustNew(kind string, payload any) *Envelope {
	evt, err := New(kind, payload)
	if err != nil {
		panic(err)
	}
	return evt
}

// Decode unmarshals the envelope payload into v.
func (e *Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Kind)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Kind, err)
	}
	return nil
}
