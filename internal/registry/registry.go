// Package registry owns the in-memory room state: live rosters, synced
// game-clock positions, and per-recipient offsets. Every operation on a
// given room is serialized through that room's own mutex (the teacher's
// per-connection sync.Map generalised to per-room locking); cross-room
// operations never block on each other.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/adred-codev/spoilerchat/internal/clock"
	"github.com/adred-codev/spoilerchat/internal/types"
)

const (
	// MessageCacheCap bounds the in-memory recent-message cache per room.
	MessageCacheCap = 50
)

// Message is an immutable chat message once accepted by the server.
type Message struct {
	ID              string
	SenderSessionID string
	SenderNickname  string
	Content         string
	ServerTimestamp time.Time
}

// User is a room's live, socket-scoped view of one participant.
type User struct {
	SocketID       string
	Nickname       string
	SessionID      string
	JoinedAt       time.Time
	GameTime       *types.GameTime
	ElapsedSeconds *int
	OffsetMs       int64
}

// Synced reports whether the user has ever sent a sync-game-time event
// (or been restored with one on reconnect).
func (u *User) Synced() bool { return u.ElapsedSeconds != nil }

// Room is the live, in-memory materialisation of a durable room row.
type Room struct {
	mu sync.Mutex

	ID             string
	Code           string
	Sport          types.Sport
	Name           string
	Teams          string
	GameDate       string
	CreatedAt      time.Time
	LastActivityAt time.Time

	users    map[string]*User // socketID -> User
	messages []Message        // bounded ring, oldest first, cap MessageCacheCap
}

// Snapshot is a read-only copy of a room's roster, used when building the
// joined-room response and the user-synced broadcast payloads.
type Snapshot struct {
	Users    []User
	Messages []Message
}

// Store is the subset of the Session Store Adapter (component B) the
// registry needs in order to durably append accepted messages. It is
// intentionally narrow: the registry should not know about sessions,
// reconnects, or sweeping.
type Store interface {
	AppendMessage(ctx context.Context, roomID, sessionID, nickname, content string, ts time.Time) error
}

// Registry owns every live room, keyed by lowercased room code.
type Registry struct {
	mu     sync.RWMutex
	rooms  map[string]*Room
	store  Store
	logger zerolog.Logger
}

// New creates an empty registry. store may be nil in tests that don't
// exercise message persistence.
func New(store Store, logger zerolog.Logger) *Registry {
	return &Registry{rooms: make(map[string]*Room), store: store, logger: logger}
}

// RoomCount reports how many rooms are currently held in memory, including
// a room that has been initialized but has no live user yet.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// getOrCreateRoom returns the in-memory room for code, creating it if
// this is the first user to join since the last time it was emptied.
func (r *Registry) getOrCreateRoom(code string) *Room {
	r.mu.RLock()
	room, ok := r.rooms[code]
	r.mu.RUnlock()
	if ok {
		return room
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if room, ok = r.rooms[code]; ok {
		return room
	}
	room = &Room{Code: code, users: make(map[string]*User), CreatedAt: time.Now()}
	r.rooms[code] = room
	return room
}

// InitializeRoom idempotently attaches the durable identity (id, sport,
// metadata) to a room's in-memory state and hydrates the message cache
// from preloaded history the first time it's called for an empty room.
func (r *Registry) InitializeRoom(code, roomID string, sport types.Sport, name, teams, gameDate string, preloaded []Message) *Room {
	room := r.getOrCreateRoom(code)

	room.mu.Lock()
	defer room.mu.Unlock()

	if room.ID == "" {
		room.ID = roomID
		room.Sport = sport
		room.Name = name
		room.Teams = teams
		room.GameDate = gameDate
	}
	room.LastActivityAt = time.Now()

	if len(room.messages) == 0 && len(preloaded) > 0 {
		if len(preloaded) > MessageCacheCap {
			preloaded = preloaded[len(preloaded)-MessageCacheCap:]
		}
		room.messages = append(room.messages, preloaded...)
	}
	return room
}

// RestoredGameTime carries a reconnecting user's last-known sync state so
// AddUser can restore their offset without waiting for a fresh sync.
type RestoredGameTime struct {
	Period, Minutes, Seconds int
	ElapsedSeconds           int
}

// AddUser attaches a socket to a room's live roster. If restored is
// non-nil (reconnect path), the user is considered synced immediately and
// offsets are recomputed across the room.
func (r *Registry) AddUser(code, socketID, nickname, sessionID string, restored *RestoredGameTime) *User {
	room := r.getOrCreateRoom(code)

	room.mu.Lock()
	defer room.mu.Unlock()

	user := &User{
		SocketID:  socketID,
		Nickname:  nickname,
		SessionID: sessionID,
		JoinedAt:  time.Now(),
	}
	if restored != nil {
		gt := types.GameTime{Period: restored.Period, Minutes: restored.Minutes, Seconds: restored.Seconds}
		elapsed := restored.ElapsedSeconds
		user.GameTime = &gt
		user.ElapsedSeconds = &elapsed
	}
	room.users[socketID] = user
	room.LastActivityAt = time.Now()

	if user.Synced() {
		recomputeOffsetsLocked(room)
	}
	return user
}

// RemoveResult reports what happened as a consequence of a user leaving.
type RemoveResult struct {
	WasBaseline  bool // the departing user held offset 0 among synced users
	RoomEmptied  bool // the room has no live users left and was dropped
	ChangedUsers []User
}

// RemoveUser deletes a socket from a room's live roster. If the departing
// user was the baseline, offsets are recomputed for everyone remaining.
// If the room becomes empty it is dropped from memory (the durable row is
// untouched — only the cleanup sweeper removes durable rows).
func (r *Registry) RemoveUser(code, socketID string) RemoveResult {
	r.mu.RLock()
	room, ok := r.rooms[code]
	r.mu.RUnlock()
	if !ok {
		return RemoveResult{}
	}

	room.mu.Lock()
	user, existed := room.users[socketID]
	wasBaseline := existed && user.Synced() && user.OffsetMs == 0
	if existed {
		delete(room.users, socketID)
	}
	var changed []User
	if wasBaseline {
		changed = recomputeOffsetsLocked(room)
	}
	empty := len(room.users) == 0
	room.mu.Unlock()

	if empty {
		r.mu.Lock()
		if current, ok := r.rooms[code]; ok && current == room {
			delete(r.rooms, code)
		}
		r.mu.Unlock()
	}

	return RemoveResult{WasBaseline: wasBaseline, RoomEmptied: empty, ChangedUsers: changed}
}

// UpdateResult is returned by UpdateUserGameTime.
type UpdateResult struct {
	OffsetMs       int64
	IsBaseline     bool
	ElapsedSeconds int
	ChangedOffsets []User // other users whose offsetMs changed as a result
}

// UpdateUserGameTime validates and stores a fresh clock reading for one
// socket, then recomputes every synced user's offset in the room.
func (r *Registry) UpdateUserGameTime(code, socketID string, period, minutes, seconds int) (UpdateResult, error) {
	r.mu.RLock()
	room, ok := r.rooms[code]
	r.mu.RUnlock()
	if !ok {
		return UpdateResult{}, &RoomNotFoundError{Code: code}
	}

	elapsed, err := clock.ToElapsed(room.Sport, period, minutes, seconds)
	if err != nil {
		return UpdateResult{}, err
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	user, ok := room.users[socketID]
	if !ok {
		return UpdateResult{}, &UserNotFoundError{SocketID: socketID}
	}

	before := map[string]int64{}
	for sid, u := range room.users {
		before[sid] = u.OffsetMs
	}

	gt := types.GameTime{Period: period, Minutes: minutes, Seconds: seconds}
	e := elapsed
	user.GameTime = &gt
	user.ElapsedSeconds = &e
	room.LastActivityAt = time.Now()

	recomputeOffsetsLocked(room)

	var changed []User
	for sid, u := range room.users {
		if sid == socketID {
			continue
		}
		if before[sid] != u.OffsetMs {
			changed = append(changed, *u)
		}
	}

	return UpdateResult{
		OffsetMs:       user.OffsetMs,
		IsBaseline:     user.OffsetMs == 0,
		ElapsedSeconds: elapsed,
		ChangedOffsets: changed,
	}, nil
}

// recomputeOffsetsLocked implements the core offset invariant: for every
// synced user, offsetMs = 1000*(maxElapsed-elapsed). Unsynced users keep
// the 0 sentinel (meaning "no delay information, deliver immediately" to
// the delay queue, not "baseline"). Caller must hold room.mu.
func recomputeOffsetsLocked(room *Room) []User {
	maxElapsed := -1
	for _, u := range room.users {
		if u.Synced() && *u.ElapsedSeconds > maxElapsed {
			maxElapsed = *u.ElapsedSeconds
		}
	}
	if maxElapsed < 0 {
		return nil
	}

	var changed []User
	for _, u := range room.users {
		if !u.Synced() {
			continue
		}
		newOffset := int64(1000 * (maxElapsed - *u.ElapsedSeconds))
		if newOffset != u.OffsetMs {
			u.OffsetMs = newOffset
			changed = append(changed, *u)
		}
	}
	return changed
}

// AddMessage appends to the room's bounded cache and durably persists it
// through the injected Store. Persistence is fire-and-forget from the
// caller's perspective (spec §4.2/§5): a store failure is logged, never
// surfaced on this path.
func (r *Registry) AddMessage(code string, msg Message) {
	r.mu.RLock()
	room, ok := r.rooms[code]
	r.mu.RUnlock()
	if !ok {
		return
	}

	room.mu.Lock()
	room.messages = append(room.messages, msg)
	if len(room.messages) > MessageCacheCap {
		room.messages = room.messages[len(room.messages)-MessageCacheCap:]
	}
	room.LastActivityAt = time.Now()
	roomID := room.ID
	room.mu.Unlock()

	if r.store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.store.AppendMessage(ctx, roomID, msg.SenderSessionID, msg.SenderNickname, msg.Content, msg.ServerTimestamp); err != nil {
			r.logger.Warn().Err(err).Str("room", code).Msg("async message persistence failed")
		}
	}()
}

// Snapshot returns a read-only view of a room's current roster and
// cached messages, sorted by join order for deterministic client display.
func (r *Registry) Snapshot(code string) (Snapshot, bool) {
	r.mu.RLock()
	room, ok := r.rooms[code]
	r.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	users := make([]User, 0, len(room.users))
	for _, u := range room.users {
		users = append(users, *u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].JoinedAt.Before(users[j].JoinedAt) })

	messages := make([]Message, len(room.messages))
	copy(messages, room.messages)

	return Snapshot{Users: users, Messages: messages}, true
}

// RoomInfo is a read-only copy of a room's identity fields.
type RoomInfo struct {
	ID, Code string
	Sport    types.Sport
}

// Info returns identity fields for a live room.
func (r *Registry) Info(code string) (RoomInfo, bool) {
	r.mu.RLock()
	room, ok := r.rooms[code]
	r.mu.RUnlock()
	if !ok {
		return RoomInfo{}, false
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	return RoomInfo{ID: room.ID, Code: room.Code, Sport: room.Sport}, true
}

// Users returns a snapshot slice of every live user in a room, used by
// the gateway's fan-out rule.
func (r *Registry) Users(code string) []User {
	snap, _ := r.Snapshot(code)
	return snap.Users
}

// ExpiredUser identifies a socket the idle sweeper is about to drop.
type ExpiredUser struct {
	RoomCode string
	SocketID string
}

// SweepExpired returns every user who has been live in a room longer than
// maxLifetime, per spec.md §4.5's periodic sweeper. It does not remove
// them: the caller drops each through the ordinary disconnect path
// (RemoveUser), so offset recomputation and room-emptying behave exactly
// as an ordinary disconnect would.
func (r *Registry) SweepExpired(maxLifetime time.Duration) []ExpiredUser {
	now := time.Now()

	r.mu.RLock()
	rooms := make(map[string]*Room, len(r.rooms))
	for code, room := range r.rooms {
		rooms[code] = room
	}
	r.mu.RUnlock()

	var expired []ExpiredUser
	for code, room := range rooms {
		room.mu.Lock()
		var stale []string
		for sid, u := range room.users {
			if now.Sub(u.JoinedAt) > maxLifetime {
				stale = append(stale, sid)
			}
		}
		room.mu.Unlock()

		for _, sid := range stale {
			expired = append(expired, ExpiredUser{RoomCode: code, SocketID: sid})
		}
	}
	return expired
}

// NewMessageID generates a fresh durable-looking message identifier.
func NewMessageID() string { return uuid.NewString() }

// RoomNotFoundError signals an operation against a room that has no live
// in-memory state (already empty, or never joined).
type RoomNotFoundError struct{ Code string }

func (e *RoomNotFoundError) Error() string { return "room not found: " + e.Code }

// UserNotFoundError signals an operation against a socket not present in
// the room's roster.
type UserNotFoundError struct{ SocketID string }

func (e *UserNotFoundError) Error() string { return "user not found: " + e.SocketID }
