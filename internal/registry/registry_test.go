package registry

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/spoilerchat/internal/types"
)

type noopStore struct{}

func (noopStore) AppendMessage(ctx context.Context, roomID, sessionID, nickname, content string, ts time.Time) error {
	return nil
}

func newTestRegistry() *Registry {
	return New(noopStore{}, zerolog.Nop())
}

// TestOffsetInvariant_BaselineIsZero covers spec invariant 1: the most
// game-advanced synced user always has offsetMs == 0.
func TestOffsetInvariant_BaselineIsZero(t *testing.T) {
	r := newTestRegistry()
	r.InitializeRoom("lakers-celtics", "room-1", types.SportBasketball, "", "", "", nil)

	r.AddUser("lakers-celtics", "sock-a", "Alice", "sess-a", nil)
	r.AddUser("lakers-celtics", "sock-b", "Bob", "sess-b", nil)

	// Alice: Q3 8:42 remaining -> elapsed 1638
	res, err := r.UpdateUserGameTime("lakers-celtics", "sock-a", 3, 8, 42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.IsBaseline {
		t.Fatalf("sole synced user must be baseline, got offset %d", res.OffsetMs)
	}

	// Bob is further ahead: Q3 5:00 remaining -> elapsed 1860
	res, err = r.UpdateUserGameTime("lakers-celtics", "sock-b", 3, 5, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.IsBaseline {
		t.Fatalf("Bob should now be the baseline (most advanced), got offset %d", res.OffsetMs)
	}

	snap, ok := r.Snapshot("lakers-celtics")
	if !ok {
		t.Fatal("expected room to exist")
	}
	var alice *User
	for i := range snap.Users {
		if snap.Users[i].SocketID == "sock-a" {
			alice = &snap.Users[i]
		}
	}
	if alice == nil {
		t.Fatal("alice missing from snapshot")
	}
	wantOffset := int64(1000 * (1860 - 1638))
	if alice.OffsetMs != wantOffset {
		t.Fatalf("want alice offset %d, got %d", wantOffset, alice.OffsetMs)
	}
}

// TestOffsetInvariant_NonNegative covers spec invariant 2: offsetMs is
// never negative for any synced user, across repeated updates.
func TestOffsetInvariant_NonNegative(t *testing.T) {
	r := newTestRegistry()
	r.InitializeRoom("room-x", "room-1", types.SportSoccer, "", "", "", nil)
	r.AddUser("room-x", "sock-a", "Alice", "sess-a", nil)
	r.AddUser("room-x", "sock-b", "Bob", "sess-b", nil)

	ticks := [][3]int{{1, 10, 0}, {1, 20, 0}, {1, 5, 0}, {2, 0, 0}}
	for _, tck := range ticks {
		if _, err := r.UpdateUserGameTime("room-x", "sock-a", tck[0], tck[1], tck[2]); err != nil {
			t.Fatalf("sock-a update error: %v", err)
		}
		if _, err := r.UpdateUserGameTime("room-x", "sock-b", tck[0], tck[1]+1, tck[2]); err != nil {
			t.Fatalf("sock-b update error: %v", err)
		}
		snap, _ := r.Snapshot("room-x")
		for _, u := range snap.Users {
			if u.OffsetMs < 0 {
				t.Fatalf("offsetMs went negative for %s: %d", u.SocketID, u.OffsetMs)
			}
		}
	}
}

func TestRemoveUser_BaselineDeparture_RecomputesOthers(t *testing.T) {
	r := newTestRegistry()
	r.InitializeRoom("room-y", "room-1", types.SportHockey, "", "", "", nil)
	r.AddUser("room-y", "sock-a", "Alice", "sess-a", nil)
	r.AddUser("room-y", "sock-b", "Bob", "sess-b", nil)

	// Alice P1 10:00 remaining -> elapsed 600
	r.UpdateUserGameTime("room-y", "sock-a", 1, 10, 0)
	// Bob P1 5:00 remaining -> elapsed 900 (ahead, baseline)
	r.UpdateUserGameTime("room-y", "sock-b", 1, 5, 0)

	result := r.RemoveUser("room-y", "sock-b")
	if !result.WasBaseline {
		t.Fatal("Bob should have been recognised as the departing baseline")
	}
	if len(result.ChangedUsers) != 1 || result.ChangedUsers[0].SocketID != "sock-a" {
		t.Fatalf("expected alice's offset to be recomputed to 0, got %+v", result.ChangedUsers)
	}
	if result.ChangedUsers[0].OffsetMs != 0 {
		t.Fatalf("sole remaining synced user must become the new baseline with offset 0, got %d", result.ChangedUsers[0].OffsetMs)
	}
}

func TestRemoveUser_EmptiesRoom(t *testing.T) {
	r := newTestRegistry()
	r.InitializeRoom("room-z", "room-1", types.SportFootball, "", "", "", nil)
	r.AddUser("room-z", "sock-a", "Alice", "sess-a", nil)

	result := r.RemoveUser("room-z", "sock-a")
	if !result.RoomEmptied {
		t.Fatal("last user leaving should empty the room")
	}
	if r.RoomCount() != 0 {
		t.Fatalf("expected 0 live rooms, got %d", r.RoomCount())
	}
}

func TestMessageCache_BoundedAt50(t *testing.T) {
	r := newTestRegistry()
	r.InitializeRoom("room-cache", "room-1", types.SportBasketball, "", "", "", nil)

	for i := 0; i < 60; i++ {
		r.AddMessage("room-cache", Message{
			ID:              NewMessageID(),
			SenderSessionID: "sess-a",
			SenderNickname:  "Alice",
			Content:         "hi",
			ServerTimestamp: time.Now(),
		})
	}
	snap, _ := r.Snapshot("room-cache")
	if len(snap.Messages) != MessageCacheCap {
		t.Fatalf("want cache capped at %d, got %d", MessageCacheCap, len(snap.Messages))
	}
}

func TestUpdateUserGameTime_UnknownRoom(t *testing.T) {
	r := newTestRegistry()
	if _, err := r.UpdateUserGameTime("does-not-exist", "sock-a", 1, 0, 0); err == nil {
		t.Fatal("expected RoomNotFoundError")
	}
}

func TestAddUser_ReconnectRestoresOffset(t *testing.T) {
	r := newTestRegistry()
	r.InitializeRoom("room-reconnect", "room-1", types.SportBasketball, "", "", "", nil)
	r.AddUser("room-reconnect", "sock-a", "Alice", "sess-a", nil)
	r.UpdateUserGameTime("room-reconnect", "sock-a", 2, 0, 0) // elapsed 1440

	restored := &RestoredGameTime{Period: 1, Minutes: 6, Seconds: 0, ElapsedSeconds: 360}
	r.AddUser("room-reconnect", "sock-b", "Bob", "sess-b", restored)

	snap, _ := r.Snapshot("room-reconnect")
	var bob *User
	for i := range snap.Users {
		if snap.Users[i].SocketID == "sock-b" {
			bob = &snap.Users[i]
		}
	}
	if bob == nil {
		t.Fatal("bob missing")
	}
	wantOffset := int64(1000 * (1440 - 360))
	if bob.OffsetMs != wantOffset {
		t.Fatalf("want restored offset %d, got %d", wantOffset, bob.OffsetMs)
	}
}
