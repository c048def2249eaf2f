package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/adred-codev/spoilerchat/internal/delayqueue"
	"github.com/adred-codev/spoilerchat/internal/metrics"
	"github.com/adred-codev/spoilerchat/internal/registry"
	"github.com/adred-codev/spoilerchat/internal/store"
	"github.com/adred-codev/spoilerchat/internal/types"
)

// fakeStore is a minimal store.Store double: GetOrCreateSession always
// mints a fresh session so join-room tests never need a real database.
type fakeStore struct{}

func (fakeStore) GetOrCreateSession(ctx context.Context, roomCode, nickname string, clientSessionID *string, sport types.Sport, meta store.Meta) (store.Session, store.Room, bool, error) {
	return store.Session{ID: "sess-" + nickname}, store.Room{ID: "room-" + roomCode}, false, nil
}
func (fakeStore) ConnectSession(ctx context.Context, sessionID, socketID string) error    { return nil }
func (fakeStore) DisconnectSession(ctx context.Context, sessionID string) error           { return nil }
func (fakeStore) UpdateSessionGameTime(ctx context.Context, sessionID string, gt types.GameTime, elapsedSeconds int) error {
	return nil
}
func (fakeStore) GetSessionGameTime(ctx context.Context, sessionID string) (*types.GameTime, *int, error) {
	return nil, nil, nil
}
func (fakeStore) AppendMessage(ctx context.Context, roomID, sessionID, nickname, content string, ts time.Time) error {
	return nil
}
func (fakeStore) LoadRecentMessages(ctx context.Context, roomID string, limit int) ([]store.Message, error) {
	return nil, nil
}
func (fakeStore) ExpireDisconnectedSessions(ctx context.Context) (int64, error) { return 0, nil }
func (fakeStore) PurgeStale(ctx context.Context, maxAgeDays int) (int64, int64, error) {
	return 0, 0, nil
}
func (fakeStore) Close() {}

// recordingEmitter captures every EmitDelayed call so fan-out tests can
// assert which sockets received immediate delivery.
type recordingEmitter struct {
	mu    sync.Mutex
	calls []string
}

func (e *recordingEmitter) EmitDelayed(socketID string, payload any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, socketID)
}

func (e *recordingEmitter) delivered(socketID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range e.calls {
		if id == socketID {
			return true
		}
	}
	return false
}

func newTestServer() (*Server, *recordingEmitter) {
	emitter := &recordingEmitter{}
	dq := delayqueue.New(emitter, zerolog.Nop())
	reg := registry.New(fakeStore{}, zerolog.Nop())
	m := metrics.New(prometheus.NewRegistry())

	s := &Server{
		cfg:         Config{MessageBurst: 10, MessageRateWindow: 60 * time.Second},
		logger:      zerolog.Nop(),
		registry:    reg,
		store:       fakeStore{},
		delayQueue:  dq,
		metrics:     m,
		msgLimiters: newMessageRateLimiters(10, 60*time.Second),
	}
	return s, emitter
}

func newTestClient(id string) *Client {
	return &Client{ID: id, send: make(chan []byte, 8)}
}

func readFrame(t *testing.T, c *Client) Frame {
	t.Helper()
	select {
	case raw := <-c.send:
		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			t.Fatalf("malformed outbound frame: %v", err)
		}
		return f
	default:
		t.Fatal("expected a frame on client's send buffer, found none")
		return Frame{}
	}
}

// TestHandleFrame_MustJoinFirst covers spec.md §4.5: a socket that has not
// joined a room must reject sync-game-time and send-message with
// MustJoinFirst rather than touching the registry.
func TestHandleFrame_MustJoinFirst(t *testing.T) {
	s, _ := newTestServer()
	c := newTestClient("sock-a")

	s.handleFrame(c, []byte(`{"event":"sync-game-time","data":{"period":1,"minutes":10,"seconds":0}}`))
	f := readFrame(t, c)
	if f.Event != EventError {
		t.Fatalf("want error event, got %q", f.Event)
	}

	s.handleFrame(c, []byte(`{"event":"send-message","data":{"content":"hi"}}`))
	f = readFrame(t, c)
	if f.Event != EventError {
		t.Fatalf("want error event, got %q", f.Event)
	}
}

// TestHandleJoinRoom_NewRoomDefaultsToBasketball covers the resolveSport
// Open Question decision: a brand-new room with no client-supplied sport
// defaults to basketball.
func TestHandleJoinRoom_NewRoomDefaultsToBasketball(t *testing.T) {
	s, _ := newTestServer()
	c := newTestClient("sock-a")

	s.handleJoinRoom(c, JoinRoomRequest{RoomCode: "lakers-celtics", Nickname: "Alice"})

	f := readFrame(t, c)
	if f.Event != EventJoinedRoom {
		t.Fatalf("want joined-room, got %q", f.Event)
	}
	if c.RoomCode != "lakers-celtics" {
		t.Fatalf("client should be bound to the room it joined, got %q", c.RoomCode)
	}
	info, ok := s.registry.Info("lakers-celtics")
	if !ok {
		t.Fatal("expected room to exist in the registry")
	}
	if info.Sport != types.SportBasketball {
		t.Fatalf("want default sport basketball, got %q", info.Sport)
	}
}

// TestHandleJoinRoom_ExistingRoomSportWins covers the other half of the
// same decision: a joiner cannot override an already-live room's sport.
func TestHandleJoinRoom_ExistingRoomSportWins(t *testing.T) {
	s, _ := newTestServer()
	first := newTestClient("sock-a")
	s.handleJoinRoom(first, JoinRoomRequest{RoomCode: "room-x", Nickname: "Alice", Sport: "hockey"})
	readFrame(t, first)

	second := newTestClient("sock-b")
	s.handleJoinRoom(second, JoinRoomRequest{RoomCode: "room-x", Nickname: "Bob", Sport: "soccer"})
	f := readFrame(t, second)
	if f.Event != EventJoinedRoom {
		t.Fatalf("want joined-room, got %q", f.Event)
	}

	info, _ := s.registry.Info("room-x")
	if info.Sport != types.SportHockey {
		t.Fatalf("existing room's sport must win, got %q", info.Sport)
	}
}

// TestHandleJoinRoom_InvalidRoomCode covers the validation-error path.
func TestHandleJoinRoom_InvalidRoomCode(t *testing.T) {
	s, _ := newTestServer()
	c := newTestClient("sock-a")

	s.handleJoinRoom(c, JoinRoomRequest{RoomCode: "", Nickname: "Alice"})
	f := readFrame(t, c)
	if f.Event != EventError {
		t.Fatalf("want error event for empty room code, got %q", f.Event)
	}
	if c.RoomCode != "" {
		t.Fatal("client must not be bound to a room on a rejected join")
	}
}

// TestFanOutMessage_Rule covers spec.md §4.5's exact fan-out wording: the
// sender, any unsynced user, and any user already at offset 0 all get
// immediate delivery; everyone else is enqueued for delayed delivery.
func TestFanOutMessage_Rule(t *testing.T) {
	s, emitter := newTestServer()
	s.registry.InitializeRoom("room-fanout", "room-1", types.SportBasketball, "", "", "", nil)

	s.registry.AddUser("room-fanout", "sock-sender", "Sender", "sess-sender", nil)
	s.registry.AddUser("room-fanout", "sock-unsynced", "Unsynced", "sess-unsynced", nil)
	s.registry.AddUser("room-fanout", "sock-baseline", "Baseline", "sess-baseline", nil)
	s.registry.AddUser("room-fanout", "sock-behind", "Behind", "sess-behind", nil)

	// Baseline: furthest ahead -> offset 0.
	s.registry.UpdateUserGameTime("room-fanout", "sock-baseline", 2, 0, 0) // elapsed 1440
	// Behind: less elapsed than baseline -> positive offset, should be delayed.
	s.registry.UpdateUserGameTime("room-fanout", "sock-behind", 1, 10, 0) // elapsed 120
	// Sender also syncs, but is exempt from delay regardless of its own offset.
	s.registry.UpdateUserGameTime("room-fanout", "sock-sender", 1, 10, 0)

	msg := registry.Message{ID: "msg-1", SenderSessionID: "sess-sender", SenderNickname: "Sender", Content: "hi", ServerTimestamp: time.Now()}
	s.fanOutMessage("room-fanout", msg, "sock-sender")

	if !emitter.delivered("sock-sender") {
		t.Error("sender must receive its own message immediately")
	}
	if !emitter.delivered("sock-unsynced") {
		t.Error("an unsynced user must receive messages immediately")
	}
	if !emitter.delivered("sock-baseline") {
		t.Error("the baseline user (offsetMs == 0) must receive messages immediately")
	}
	if emitter.delivered("sock-behind") {
		t.Error("a synced user with positive offsetMs must be delayed, not delivered immediately")
	}
	if s.delayQueue.Len("sock-behind") != 1 {
		t.Fatalf("want exactly one pending delivery for the behind user, got %d", s.delayQueue.Len("sock-behind"))
	}
}

// TestRateLimitMessage_Wording sanity-checks the retryAfter-in-message
// surfacing decision recorded in DESIGN.md.
func TestRateLimitMessage_Wording(t *testing.T) {
	if got := rateLimitMessage(0); got != "too many messages, please slow down" {
		t.Fatalf("unexpected zero-retry wording: %q", got)
	}
	if got := rateLimitMessage(12); got != "too many messages, please slow down (retry in 12s)" {
		t.Fatalf("unexpected retry wording: %q", got)
	}
}
