package relay

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"emberroom/go-backend/internal/wire"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrRoomFull     = errors.New("room full")
)

// purgeFlushDelay is how long destroyed-room connections stay open so the
// room_destroyed notice flushes before the transport drops.
const purgeFlushDelay = 250 * time.Millisecond

// Conn is the registry's view of one member connection. The server binds an
// identity to the connection at join time; the registry trusts only that
// binding, never identities claimed inside frame bodies.
type Conn interface {
	SendFrame(f wire.Frame) error
	CloseWithCode(code int, reason string)
}

type room struct {
	members    map[string]Conn
	memberInfo map[string]wire.Member
	creatorKey string
	ephemeral  bool
}

// Registry tracks live rooms and is the sole arbiter of room destruction.
// It is constructed once per process and injected into the connection
// handlers; all mutation happens under one mutex, so check-then-create is
// atomic.
type Registry struct {
	mu          sync.Mutex
	rooms       map[string]*room
	maxRoomSize int
	clk         clock.Clock
	metrics     *Metrics
	log         *slog.Logger
}

func NewRegistry(maxRoomSize int, clk clock.Clock, metrics *Metrics, log *slog.Logger) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		rooms:       make(map[string]*room),
		maxRoomSize: maxRoomSize,
		clk:         clk,
		metrics:     metrics,
		log:         log,
	}
}

// Join admits a connection into a room. A missing room is created only when
// the join frame carries the create flag; the creator's identity is recorded
// from that first join and never reassigned. Membership bookkeeping is
// updated before any notice goes out, so a key_share that races the
// new_member notice still routes.
func (r *Registry) Join(roomID string, conn Conn, f wire.Join) error {
	r.mu.Lock()

	rm, ok := r.rooms[roomID]
	if !ok {
		if !f.Create {
			r.mu.Unlock()
			_ = conn.SendFrame(wire.RoomNotFound{})
			return ErrRoomNotFound
		}
		rm = &room{
			members:    make(map[string]Conn),
			memberInfo: make(map[string]wire.Member),
			creatorKey: f.IdentityKey,
			ephemeral:  f.Ephemeral,
		}
		r.rooms[roomID] = rm
		r.metrics.roomOpened()
		r.log.Info("room created", "room", roomID, "ephemeral", f.Ephemeral)
	}

	if len(rm.members) >= r.maxRoomSize {
		if _, rejoining := rm.members[f.IdentityKey]; !rejoining {
			r.mu.Unlock()
			return ErrRoomFull
		}
	}

	// A rejoin under the same identity replaces the old connection.
	if old, ok := rm.members[f.IdentityKey]; ok && old != conn {
		old.CloseWithCode(1000, "superseded by reconnect")
	}
	rm.members[f.IdentityKey] = conn
	rm.memberInfo[f.IdentityKey] = wire.Member{
		IdentityKey: f.IdentityKey,
		SigningKey:  f.SigningKey,
		DisplayName: f.DisplayName,
	}

	existing := make([]wire.Member, 0, len(rm.memberInfo)-1)
	notify := make([]Conn, 0, len(rm.members)-1)
	for key, info := range rm.memberInfo {
		if key == f.IdentityKey {
			continue
		}
		existing = append(existing, info)
		notify = append(notify, rm.members[key])
	}
	r.mu.Unlock()

	_ = conn.SendFrame(wire.MemberList{Members: existing})
	announce := wire.NewMember{
		IdentityKey: f.IdentityKey,
		SigningKey:  f.SigningKey,
		OneTimeKeys: f.OneTimeKeys,
		DisplayName: f.DisplayName,
	}
	for _, peer := range notify {
		_ = peer.SendFrame(announce)
	}
	r.metrics.memberJoined()
	return nil
}

// RouteKeyShare forwards a key_share verbatim to its target. An absent
// target is dropped silently; the sender discovers it through decryption
// failures, not relay errors.
func (r *Registry) RouteKeyShare(roomID string, f wire.KeyShare) {
	r.mu.Lock()
	var target Conn
	if rm, ok := r.rooms[roomID]; ok {
		target = rm.members[f.TargetIdentityKey]
	}
	r.mu.Unlock()
	if target != nil {
		_ = target.SendFrame(f)
		r.metrics.frameRouted()
	}
}

// RouteEncrypted broadcasts an encrypted frame to every member except the
// sender, with zero content inspection.
func (r *Registry) RouteEncrypted(roomID string, f wire.Encrypted) {
	r.mu.Lock()
	var peers []Conn
	if rm, ok := r.rooms[roomID]; ok {
		peers = make([]Conn, 0, len(rm.members))
		for key, conn := range rm.members {
			if key != f.SenderIdentityKey {
				peers = append(peers, conn)
			}
		}
	}
	r.mu.Unlock()
	for _, peer := range peers {
		_ = peer.SendFrame(f)
	}
	r.metrics.frameRouted()
}

// Purge destroys a room if and only if the requesting connection's bound
// identity matches the recorded creator. A failed attempt gets an
// unauthorized notice and changes nothing.
func (r *Registry) Purge(roomID, requesterKey string, requester Conn) {
	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	if !ok {
		r.mu.Unlock()
		_ = requester.SendFrame(wire.RoomNotFound{})
		return
	}
	if rm.creatorKey != requesterKey {
		r.mu.Unlock()
		_ = requester.SendFrame(wire.PurgeUnauthorized{})
		r.log.Warn("unauthorized purge attempt", "room", roomID)
		return
	}

	members := make([]Conn, 0, len(rm.members))
	for _, conn := range rm.members {
		members = append(members, conn)
	}
	delete(r.rooms, roomID)
	r.mu.Unlock()

	for _, conn := range members {
		_ = conn.SendFrame(wire.RoomDestroyed{Reason: "destroyed by room creator"})
	}
	r.clk.AfterFunc(purgeFlushDelay, func() {
		for _, conn := range members {
			conn.CloseWithCode(1000, "room destroyed")
		}
	})
	r.metrics.roomClosed()
	r.metrics.purgeServed()
	r.log.Info("room purged", "room", roomID, "members", len(members))
}

// Disconnect removes a member. An ephemeral room is deleted the instant its
// last connection goes; it can never be rejoined.
func (r *Registry) Disconnect(roomID, identityKey string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return
	}
	// Only remove if this connection still owns the membership; a reconnect
	// may have replaced it already.
	if current, ok := rm.members[identityKey]; !ok || current != conn {
		return
	}
	delete(rm.members, identityKey)
	delete(rm.memberInfo, identityKey)
	r.metrics.memberLeft()

	if rm.ephemeral && len(rm.members) == 0 {
		delete(r.rooms, roomID)
		r.metrics.roomClosed()
		r.log.Info("ephemeral room reaped", "room", roomID)
	}
}

// RoomExists reports registry state; used by tests and the health surface.
func (r *Registry) RoomExists(roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rooms[roomID]
	return ok
}

// MemberCount returns the number of live members in a room.
func (r *Registry) MemberCount(roomID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return 0
	}
	return len(rm.members)
}

// CreatorKey exposes the recorded creator identity for a room.
func (r *Registry) CreatorKey(roomID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return "", false
	}
	return rm.creatorKey, true
}
