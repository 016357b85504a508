// Package wire defines the relay's frame vocabulary. One JSON object per
// frame, discriminated by "type". Decoding fails closed: unknown types,
// unknown fields, and over-limit values are all rejected, each mapped to a
// violation class the relay turns into a distinct close code.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

type Type string

const (
	TypeJoin              Type = "join"
	TypeNewMember         Type = "new_member"
	TypeKeyShare          Type = "key_share"
	TypeEncrypted         Type = "encrypted"
	TypeMemberList        Type = "member_list"
	TypeRoomNotFound      Type = "room_not_found"
	TypeRoomDestroyed     Type = "room_destroyed"
	TypePurge             Type = "purge"
	TypePurgeUnauthorized Type = "purge_unauthorized"
)

// Violation classes. The relay closes the offending connection with the
// matching code; see CloseCode.
var (
	ErrMalformed   = errors.New("malformed frame")
	ErrSchema      = errors.New("schema violation")
	ErrUnknownType = errors.New("unknown frame type")
	ErrOversized   = errors.New("oversized frame")
)

// Close codes, one per violation class plus the relay's admission limits.
const (
	CloseMalformed   = 4400
	CloseSchema      = 4401
	CloseOversized   = 4402
	CloseRateLimited = 4408
	CloseRoomFull    = 4409
	CloseIPLimit     = 4410
	CloseServerFull  = 4411
)

// Field and frame limits, enforced server-side on every inbound frame.
const (
	MaxFrameBytes   = 64 * 1024
	MaxKeyLen       = 64
	MaxSessionIDLen = 64
	MaxDisplayName  = 64
	MaxOneTimeKeys  = 100
	MaxReasonLen    = 128
	MaxPayloadBytes = 48 * 1024
)

type Frame interface {
	FrameType() Type
}

type Join struct {
	Type        Type              `json:"type"`
	IdentityKey string            `json:"identityKey"`
	SigningKey  string            `json:"signingKey"`
	OneTimeKeys map[string]string `json:"oneTimeKeys"`
	DisplayName string            `json:"displayName"`
	Create      bool              `json:"create,omitempty"`
	Ephemeral   bool              `json:"ephemeral,omitempty"`
}

type NewMember struct {
	Type        Type              `json:"type"`
	IdentityKey string            `json:"identityKey"`
	SigningKey  string            `json:"signingKey"`
	OneTimeKeys map[string]string `json:"oneTimeKeys"`
	DisplayName string            `json:"displayName"`
}

type KeyShare struct {
	Type              Type            `json:"type"`
	TargetIdentityKey string          `json:"targetIdentityKey"`
	SenderIdentityKey string          `json:"senderIdentityKey"`
	EncryptedPayload  json.RawMessage `json:"encryptedPayload"`
}

type Encrypted struct {
	Type              Type            `json:"type"`
	SenderIdentityKey string          `json:"senderIdentityKey"`
	SessionID         string          `json:"sessionId"`
	Ciphertext        json.RawMessage `json:"ciphertext"`
	Timestamp         int64           `json:"timestamp"`
}

type Member struct {
	IdentityKey string `json:"identityKey"`
	SigningKey  string `json:"signingKey"`
	DisplayName string `json:"displayName"`
}

type MemberList struct {
	Type    Type     `json:"type"`
	Members []Member `json:"members"`
}

type RoomNotFound struct {
	Type Type `json:"type"`
}

type RoomDestroyed struct {
	Type   Type   `json:"type"`
	Reason string `json:"reason"`
}

type Purge struct {
	Type        Type   `json:"type"`
	IdentityKey string `json:"identityKey"`
}

type PurgeUnauthorized struct {
	Type Type `json:"type"`
}

func (f Join) FrameType() Type              { return TypeJoin }
func (f NewMember) FrameType() Type         { return TypeNewMember }
func (f KeyShare) FrameType() Type          { return TypeKeyShare }
func (f Encrypted) FrameType() Type         { return TypeEncrypted }
func (f MemberList) FrameType() Type        { return TypeMemberList }
func (f RoomNotFound) FrameType() Type      { return TypeRoomNotFound }
func (f RoomDestroyed) FrameType() Type     { return TypeRoomDestroyed }
func (f Purge) FrameType() Type             { return TypePurge }
func (f PurgeUnauthorized) FrameType() Type { return TypePurgeUnauthorized }

// Encode marshals a frame with its discriminator injected.
func Encode(f Frame) ([]byte, error) {
	switch v := f.(type) {
	case Join:
		v.Type = TypeJoin
		return json.Marshal(v)
	case NewMember:
		v.Type = TypeNewMember
		return json.Marshal(v)
	case KeyShare:
		v.Type = TypeKeyShare
		return json.Marshal(v)
	case Encrypted:
		v.Type = TypeEncrypted
		return json.Marshal(v)
	case MemberList:
		v.Type = TypeMemberList
		return json.Marshal(v)
	case RoomNotFound:
		v.Type = TypeRoomNotFound
		return json.Marshal(v)
	case RoomDestroyed:
		v.Type = TypeRoomDestroyed
		return json.Marshal(v)
	case Purge:
		v.Type = TypePurge
		return json.Marshal(v)
	case PurgeUnauthorized:
		v.Type = TypePurgeUnauthorized
		return json.Marshal(v)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, f)
	}
}

// Decode parses and validates one inbound frame.
func Decode(data []byte) (Frame, error) {
	if len(data) > MaxFrameBytes {
		return nil, ErrOversized
	}
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch head.Type {
	case TypeJoin:
		var f Join
		if err := strictUnmarshal(data, &f); err != nil {
			return nil, err
		}
		return f, f.validate()
	case TypeNewMember:
		var f NewMember
		if err := strictUnmarshal(data, &f); err != nil {
			return nil, err
		}
		return f, f.validate()
	case TypeKeyShare:
		var f KeyShare
		if err := strictUnmarshal(data, &f); err != nil {
			return nil, err
		}
		return f, f.validate()
	case TypeEncrypted:
		var f Encrypted
		if err := strictUnmarshal(data, &f); err != nil {
			return nil, err
		}
		return f, f.validate()
	case TypeMemberList:
		var f MemberList
		if err := strictUnmarshal(data, &f); err != nil {
			return nil, err
		}
		return f, f.validate()
	case TypeRoomNotFound:
		var f RoomNotFound
		return f, strictUnmarshal(data, &f)
	case TypeRoomDestroyed:
		var f RoomDestroyed
		if err := strictUnmarshal(data, &f); err != nil {
			return nil, err
		}
		return f, f.validate()
	case TypePurge:
		var f Purge
		if err := strictUnmarshal(data, &f); err != nil {
			return nil, err
		}
		return f, f.validate()
	case TypePurgeUnauthorized:
		var f PurgeUnauthorized
		return f, strictUnmarshal(data, &f)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, head.Type)
	}
}

func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrSchema, err)
	}
	return nil
}

func (f Join) validate() error {
	if err := checkKey(f.IdentityKey); err != nil {
		return err
	}
	if err := checkKey(f.SigningKey); err != nil {
		return err
	}
	if err := checkOneTimeKeys(f.OneTimeKeys); err != nil {
		return err
	}
	return checkBounded("displayName", f.DisplayName, MaxDisplayName)
}

func (f NewMember) validate() error {
	if err := checkKey(f.IdentityKey); err != nil {
		return err
	}
	if err := checkKey(f.SigningKey); err != nil {
		return err
	}
	if err := checkOneTimeKeys(f.OneTimeKeys); err != nil {
		return err
	}
	return checkBounded("displayName", f.DisplayName, MaxDisplayName)
}

func (f KeyShare) validate() error {
	if err := checkKey(f.TargetIdentityKey); err != nil {
		return err
	}
	if err := checkKey(f.SenderIdentityKey); err != nil {
		return err
	}
	if len(f.EncryptedPayload) == 0 || len(f.EncryptedPayload) > MaxPayloadBytes {
		return fmt.Errorf("%w: encryptedPayload size", ErrSchema)
	}
	return nil
}

func (f Encrypted) validate() error {
	if err := checkKey(f.SenderIdentityKey); err != nil {
		return err
	}
	if f.SessionID == "" || len(f.SessionID) > MaxSessionIDLen {
		return fmt.Errorf("%w: sessionId", ErrSchema)
	}
	if len(f.Ciphertext) == 0 || len(f.Ciphertext) > MaxPayloadBytes {
		return fmt.Errorf("%w: ciphertext size", ErrSchema)
	}
	return nil
}

func (f MemberList) validate() error {
	for _, m := range f.Members {
		if err := checkKey(m.IdentityKey); err != nil {
			return err
		}
		if err := checkBounded("displayName", m.DisplayName, MaxDisplayName); err != nil {
			return err
		}
	}
	return nil
}

func (f RoomDestroyed) validate() error {
	return checkBounded("reason", f.Reason, MaxReasonLen)
}

func (f Purge) validate() error {
	return checkKey(f.IdentityKey)
}

func checkKey(key string) error {
	if key == "" || len(key) > MaxKeyLen {
		return fmt.Errorf("%w: key length", ErrSchema)
	}
	return nil
}

func checkOneTimeKeys(keys map[string]string) error {
	if len(keys) > MaxOneTimeKeys {
		return fmt.Errorf("%w: too many one-time keys", ErrSchema)
	}
	for id, pub := range keys {
		if id == "" || len(id) > MaxKeyLen {
			return fmt.Errorf("%w: one-time key id", ErrSchema)
		}
		if err := checkKey(pub); err != nil {
			return err
		}
	}
	return nil
}

func checkBounded(field, value string, max int) error {
	if len(value) > max {
		return fmt.Errorf("%w: %s length", ErrSchema, field)
	}
	return nil
}

// CloseCode maps a decode error to the websocket close code the relay sends.
func CloseCode(err error) int {
	switch {
	case errors.Is(err, ErrOversized):
		return CloseOversized
	case errors.Is(err, ErrUnknownType), errors.Is(err, ErrSchema):
		return CloseSchema
	default:
		return CloseMalformed
	}
}
