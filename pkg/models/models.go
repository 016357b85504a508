package models

import "time"

// RoomMember is what a device knows about a peer: the identity key bound to
// the peer's relay connection plus a display name learned from membership
// broadcasts. Nothing here outlives the room.
type RoomMember struct {
	IdentityKey string `json:"identity_key"`
	SigningKey  string `json:"signing_key,omitempty"`
	DisplayName string `json:"display_name"`
}

// PinPolicy is room-level second-factor configuration.
type PinPolicy struct {
	Required                 bool `json:"required"`
	InactivityTimeoutMinutes int  `json:"inactivity_timeout_minutes"`
}

// ValidInactivityTimeouts are the only accepted lock windows.
var ValidInactivityTimeouts = []int{5, 15, 30}

func (p PinPolicy) Valid() bool {
	if !p.Required {
		return true
	}
	for _, m := range ValidInactivityTimeouts {
		if p.InactivityTimeoutMinutes == m {
			return true
		}
	}
	return false
}

// DecodedMessage is the receive-path result handed to callers. SenderKey is
// always the transport-validated identity; the sender claim embedded in the
// encrypted payload is display-only and never trusted.
type DecodedMessage struct {
	SenderKey        string    `json:"sender_key"`
	SessionID        string    `json:"session_id"`
	Text             string    `json:"text,omitempty"`
	Event            string    `json:"event,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
	DecryptionFailed bool      `json:"decryption_failed"`
}

// MessagePayload is the inner plaintext carried by an encrypted frame.
// Sender here is a display hint only.
type MessagePayload struct {
	Kind      string `json:"kind"` // "text" | "event" | "rotation"
	Sender    string `json:"sender,omitempty"`
	Text      string `json:"text,omitempty"`
	Event     string `json:"event,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Signature []byte `json:"signature,omitempty"`
	SentAt    int64  `json:"sent_at"`
}

const (
	PayloadKindText     = "text"
	PayloadKindEvent    = "event"
	PayloadKindRotation = "rotation"
)
