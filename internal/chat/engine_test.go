package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/Jolteous/JahaanVote/internal/models"
	"github.com/Jolteous/JahaanVote/internal/poll"
	"github.com/Jolteous/JahaanVote/internal/store"
)

func newEngines(s store.Store, name string) (*Engine, *poll.Engine) {
	self := models.Participant{Name: name, IsHost: models.DefaultHostPredicate(name)}
	polls := poll.New(s, self, zap.NewNop(), nil)
	return New(s, self, polls, zap.NewNop(), nil), polls
}

func TestPostMessageOrdering(t *testing.T) {
	s := store.NewMemoryStore()
	alice, _ := newEngines(s, "Alice")
	bob, _ := newEngines(s, "Bob")

	if _, err := alice.PostMessage(context.Background(), "hello", false); err != nil {
		t.Fatalf("post: %v", err)
	}
	time.Sleep(time.Millisecond)
	if _, err := bob.PostMessage(context.Background(), "hi Alice", false); err != nil {
		t.Fatalf("post: %v", err)
	}

	if err := alice.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	messages := alice.Messages()
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}
	if messages[0].Author != "Alice" || messages[1].Author != "Bob" {
		t.Fatalf("expected oldest-first ordering, got %+v", messages)
	}
}

func TestPostMessageEmpty(t *testing.T) {
	s := store.NewMemoryStore()
	alice, _ := newEngines(s, "Alice")
	if _, err := alice.PostMessage(context.Background(), "", false); !errors.Is(err, models.ErrMessageIsEmpty) {
		t.Fatalf("expected ErrMessageIsEmpty, got %v", err)
	}
}

func TestDeleteMessageHostOnly(t *testing.T) {
	s := store.NewMemoryStore()
	alice, _ := newEngines(s, "Alice")
	host, _ := newEngines(s, "HOST Jahaan")

	id, err := alice.PostMessage(context.Background(), "delete me", false)
	if err != nil {
		t.Fatalf("post: %v", err)
	}

	if err := alice.DeleteMessage(context.Background(), id); !errors.Is(err, models.ErrNotHost) {
		t.Fatalf("expected ErrNotHost for non-host delete, got %v", err)
	}
	if err := host.DeleteMessage(context.Background(), id); err != nil {
		t.Fatalf("host delete: %v", err)
	}

	rows, err := s.Read(context.Background(), store.TableMessages, nil)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no messages left, got %d", len(rows))
	}
}

func TestAcceptProposalAddsOption(t *testing.T) {
	s := store.NewMemoryStore()
	host, polls := newEngines(s, "HOST Jahaan")

	pollID, err := polls.CreatePoll(context.Background(), "Lunch?", []string{"Pizza", "Tacos"})
	if err != nil {
		t.Fatalf("create poll: %v", err)
	}
	if err := polls.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	alice, _ := newEngines(s, "Alice")
	msgID, err := alice.PostMessage(context.Background(), "Sushi", true)
	if err != nil {
		t.Fatalf("post: %v", err)
	}

	if err := host.AcceptProposal(context.Background(), msgID, "Sushi"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	options, err := s.Read(context.Background(), store.TableOptions, store.Filter{"poll_id": pollID})
	if err != nil {
		t.Fatalf("read options: %v", err)
	}
	if len(options) != 3 {
		t.Fatalf("expected 3 options after acceptance, got %d", len(options))
	}

	messages, err := s.Read(context.Background(), store.TableMessages, store.Filter{"id": msgID})
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	if !store.AsBool(messages[0]["proposal_accepted"]) {
		t.Fatal("expected proposal marked accepted")
	}
}

func TestAcceptProposalIdempotent(t *testing.T) {
	s := store.NewMemoryStore()
	host, polls := newEngines(s, "HOST Jahaan")

	pollID, err := polls.CreatePoll(context.Background(), "Lunch?", []string{"Pizza", "Tacos"})
	if err != nil {
		t.Fatalf("create poll: %v", err)
	}
	if err := polls.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	msgID, err := host.PostMessage(context.Background(), "Sushi", true)
	if err != nil {
		t.Fatalf("post: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := host.AcceptProposal(context.Background(), msgID, "Sushi"); err != nil {
			t.Fatalf("accept #%d: %v", i+1, err)
		}
	}

	options, err := s.Read(context.Background(), store.TableOptions, store.Filter{"poll_id": pollID})
	if err != nil {
		t.Fatalf("read options: %v", err)
	}
	if len(options) != 3 {
		t.Fatalf("expected exactly one option from double accept, got %d options total", len(options))
	}
}

func TestAcceptProposalWithoutActivePoll(t *testing.T) {
	s := store.NewMemoryStore()
	host, _ := newEngines(s, "HOST Jahaan")

	msgID, err := host.PostMessage(context.Background(), "Sushi", true)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if err := host.AcceptProposal(context.Background(), msgID, "Sushi"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	options, err := s.Read(context.Background(), store.TableOptions, nil)
	if err != nil {
		t.Fatalf("read options: %v", err)
	}
	if len(options) != 0 {
		t.Fatalf("expected no option without an active poll, got %d", len(options))
	}

	messages, err := s.Read(context.Background(), store.TableMessages, store.Filter{"id": msgID})
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	if !store.AsBool(messages[0]["proposal_accepted"]) {
		t.Fatal("message should still be marked accepted")
	}
}

func TestAcceptProposalUnknownMessage(t *testing.T) {
	s := store.NewMemoryStore()
	host, _ := newEngines(s, "HOST Jahaan")
	err := host.AcceptProposal(context.Background(), "missing", "text")
	if !errors.Is(err, models.ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound, got %v", err)
	}
}
