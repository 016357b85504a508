package cryptobox

import (
	"crypto/rand"
	"errors"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrGroupDecrypt    = errors.New("group decryption failed")
	ErrRatchetAdvanced = errors.New("message index precedes ratchet state")
	ErrIndexGap        = errors.New("message index gap exceeds limit")
	ErrInvalidExport   = errors.New("invalid group session export")
)

const (
	maxForwardGap  = 512
	maxSkippedKeys = 2048
)

// GroupSession is the sender side of a broadcast session: a chain key that
// ratchets forward once per message. The export carries the chain at its
// current index, so an importer can never decrypt earlier messages.
type GroupSession struct {
	id       string
	chainKey []byte
	index    uint64
}

// GroupSessionExport is the shareable key material for one sender session.
type GroupSessionExport struct {
	SessionID string `json:"session_id"`
	ChainKey  []byte `json:"chain_key"`
	Index     uint64 `json:"index"`
}

// GroupMessage is one sealed broadcast payload.
type GroupMessage struct {
	Index      uint64 `json:"index"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

func NewGroupSession() (*GroupSession, error) {
	chainKey := make([]byte, 32)
	if _, err := rand.Read(chainKey); err != nil {
		return nil, err
	}
	return &GroupSession{
		id:       "grp1_" + uuid.NewString(),
		chainKey: chainKey,
	}, nil
}

func (g *GroupSession) ID() string { return g.id }

func (g *GroupSession) ExportKey() GroupSessionExport {
	return GroupSessionExport{
		SessionID: g.id,
		ChainKey:  append([]byte(nil), g.chainKey...),
		Index:     g.index,
	}
}

func (g *GroupSession) Encrypt(plaintext []byte) (GroupMessage, error) {
	msgKey := messageKey(g.chainKey, g.index)
	defer zeroBytes(msgKey)

	aead, err := chacha20poly1305.NewX(msgKey)
	if err != nil {
		return GroupMessage{}, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return GroupMessage{}, err
	}
	msg := GroupMessage{
		Index:      g.index,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, groupAAD(g.id, g.index)),
	}

	next := kdf32(g.chainKey, []byte("emberroom/group/advance/v1"))
	zeroBytes(g.chainKey)
	g.chainKey = next
	g.index++
	return msg, nil
}

// InboundGroupSession decrypts one sender's broadcasts from an exported key
// onward. Out-of-order delivery within a bounded gap is handled with skipped
// message keys; anything before the export index is undecryptable.
type InboundGroupSession struct {
	id          string
	chainKey    []byte
	index       uint64
	startIndex  uint64
	skippedKeys map[uint64][]byte
}

func NewInboundGroupSession(export GroupSessionExport) (*InboundGroupSession, error) {
	if export.SessionID == "" || len(export.ChainKey) != 32 {
		return nil, ErrInvalidExport
	}
	return &InboundGroupSession{
		id:          export.SessionID,
		chainKey:    append([]byte(nil), export.ChainKey...),
		index:       export.Index,
		startIndex:  export.Index,
		skippedKeys: make(map[uint64][]byte),
	}, nil
}

func (g *InboundGroupSession) ID() string { return g.id }

func (g *InboundGroupSession) Decrypt(msg GroupMessage) ([]byte, error) {
	if msgKey, ok := g.skippedKeys[msg.Index]; ok {
		plaintext, err := openGroup(msgKey, msg, g.id)
		if err != nil {
			return nil, err
		}
		delete(g.skippedKeys, msg.Index)
		zeroBytes(msgKey)
		return plaintext, nil
	}
	if msg.Index < g.index {
		return nil, ErrRatchetAdvanced
	}
	if msg.Index-g.index > maxForwardGap {
		return nil, ErrIndexGap
	}

	chainKey := append([]byte(nil), g.chainKey...)
	index := g.index
	for index < msg.Index {
		g.skippedKeys[index] = messageKey(chainKey, index)
		chainKey = kdf32(chainKey, []byte("emberroom/group/advance/v1"))
		index++
	}
	msgKey := messageKey(chainKey, index)
	defer zeroBytes(msgKey)

	plaintext, err := openGroup(msgKey, msg, g.id)
	if err != nil {
		// Undo nothing: skipped keys derived above stay usable, but the
		// stored ratchet must not advance past a failed open.
		zeroBytes(chainKey)
		return nil, err
	}

	zeroBytes(g.chainKey)
	g.chainKey = kdf32(chainKey, []byte("emberroom/group/advance/v1"))
	zeroBytes(chainKey)
	g.index = msg.Index + 1
	g.pruneSkipped()
	return plaintext, nil
}

func (g *InboundGroupSession) pruneSkipped() {
	for idx := range g.skippedKeys {
		if idx+maxForwardGap < g.index {
			zeroBytes(g.skippedKeys[idx])
			delete(g.skippedKeys, idx)
		}
	}
	for len(g.skippedKeys) > maxSkippedKeys {
		var minIdx uint64
		first := true
		for idx := range g.skippedKeys {
			if first || idx < minIdx {
				minIdx = idx
				first = false
			}
		}
		zeroBytes(g.skippedKeys[minIdx])
		delete(g.skippedKeys, minIdx)
	}
}

func openGroup(msgKey []byte, msg GroupMessage, sessionID string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(msgKey)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, msg.Nonce, msg.Ciphertext, groupAAD(sessionID, msg.Index))
	if err != nil {
		return nil, ErrGroupDecrypt
	}
	return plaintext, nil
}

func messageKey(chainKey []byte, idx uint64) []byte {
	seed := append(append([]byte{}, chainKey...),
		byte(idx>>56), byte(idx>>48), byte(idx>>40), byte(idx>>32),
		byte(idx>>24), byte(idx>>16), byte(idx>>8), byte(idx))
	out := kdf32(seed, []byte("emberroom/group/message-key/v1"))
	zeroBytes(seed)
	return out
}

func groupAAD(sessionID string, idx uint64) []byte {
	b := make([]byte, 0, len(sessionID)+9)
	b = append(b, []byte(sessionID)...)
	b = append(b, 0)
	b = append(b, byte(idx>>56), byte(idx>>48), byte(idx>>40), byte(idx>>32), byte(idx>>24), byte(idx>>16), byte(idx>>8), byte(idx))
	return b
}
