package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/Jolteous/JahaanVote/internal/models"
	"github.com/Jolteous/JahaanVote/internal/moderation"
	"github.com/Jolteous/JahaanVote/internal/store"
)

func login(t *testing.T, s store.Store, name string) *Session {
	t.Helper()
	sess, err := Login(context.Background(), s, name, Options{}, zap.NewNop())
	if err != nil {
		t.Fatalf("login %q: %v", name, err)
	}
	t.Cleanup(sess.Close)
	return sess
}

func TestLoginEmptyName(t *testing.T) {
	s := store.NewMemoryStore()
	if _, err := Login(context.Background(), s, "   ", Options{}, zap.NewNop()); !errors.Is(err, models.ErrNameIsEmpty) {
		t.Fatalf("expected ErrNameIsEmpty, got %v", err)
	}
}

func TestLoginDerivesHostFromName(t *testing.T) {
	s := store.NewMemoryStore()

	host := login(t, s, "Jahaan HOST")
	if !host.Self().IsHost {
		t.Fatal("expected host flag for marker name")
	}

	alice := login(t, s, "Alice")
	if alice.Self().IsHost {
		t.Fatal("expected no host flag for plain name")
	}

	rows, err := s.Read(context.Background(), store.TableParticipants, store.Filter{"name": "Jahaan HOST"})
	if err != nil {
		t.Fatalf("read participants: %v", err)
	}
	if len(rows) != 1 || !store.AsBool(rows[0]["is_host"]) {
		t.Fatalf("expected persisted host participant, got %+v", rows)
	}
}

func TestLoginRejectsBannedName(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	host := login(t, s, "Jahaan HOST")
	bob := login(t, s, "Bob")
	bob.Close()

	if err := host.Ban(ctx, "Bob"); err != nil {
		t.Fatalf("ban: %v", err)
	}

	if _, err := Login(ctx, s, "Bob", Options{}, zap.NewNop()); !errors.Is(err, models.ErrNameBanned) {
		t.Fatalf("expected ErrNameBanned, got %v", err)
	}
}

func TestLoginClearsStaleKick(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	host := login(t, s, "Jahaan HOST")
	if err := host.Kick(ctx, "Bob"); err != nil {
		t.Fatalf("kick: %v", err)
	}

	bob := login(t, s, "Bob")
	if bob.Self().Name != "Bob" {
		t.Fatalf("unexpected identity %+v", bob.Self())
	}

	rows, err := s.Read(ctx, store.TablePresence, store.Filter{"participant_name": "Bob"})
	if err != nil {
		t.Fatalf("read presence: %v", err)
	}
	if len(rows) != 1 || store.AsBool(rows[0]["kicked"]) {
		t.Fatalf("expected fresh presence record after rejoin, got %+v", rows)
	}
}

func TestSnapshotComposesReadModel(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	host := login(t, s, "Jahaan HOST")
	pollID, err := host.CreatePoll(ctx, "Lunch?", []string{"Pizza", "Tacos"})
	if err != nil {
		t.Fatalf("create poll: %v", err)
	}
	if _, err := host.PostMessage(ctx, "vote now!", false); err != nil {
		t.Fatalf("post: %v", err)
	}

	alice := login(t, s, "Alice")
	waitFor(t, func() bool {
		snap := alice.Snapshot()
		return snap.ActivePoll != nil && len(snap.Messages) == 1
	})

	snap := alice.Snapshot()
	if snap.ActivePoll.ID != pollID {
		t.Fatalf("expected active poll %q, got %+v", pollID, snap.ActivePoll)
	}
	if len(snap.Tallies[pollID]) != 2 {
		t.Fatalf("expected tallies for both options, got %+v", snap.Tallies)
	}
	if snap.Removal != moderation.StateActive {
		t.Fatalf("expected active removal state, got %v", snap.Removal)
	}

	if err := alice.CastVote(ctx, pollID, snap.ActivePoll.Options[0].ID); err != nil {
		t.Fatalf("cast: %v", err)
	}
	if !alice.Snapshot().Voted[pollID] {
		t.Fatal("expected voted mark in snapshot")
	}

	waitFor(t, func() bool {
		roster := alice.Snapshot().Roster
		return len(roster) == 2
	})
}

func TestKickedSessionObservesRemoval(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	host := login(t, s, "Jahaan HOST")
	bob := login(t, s, "Bob")

	if err := host.Kick(ctx, "Bob"); err != nil {
		t.Fatalf("kick: %v", err)
	}

	waitFor(t, func() bool {
		return bob.Snapshot().Removal == moderation.StateKicked
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
