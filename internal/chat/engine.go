// Package chat implements the message stream and the proposal flow: any
// participant can flag a message as a proposal, and the host can promote an
// accepted proposal into an option on the active poll.
package chat

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Jolteous/JahaanVote/internal/models"
	"github.com/Jolteous/JahaanVote/internal/poll"
	"github.com/Jolteous/JahaanVote/internal/store"
)

type Engine struct {
	s      store.Store
	l      *zap.Logger
	self   models.Participant
	polls  *poll.Engine
	notify func()

	mu       sync.Mutex
	messages []models.ChatMessage

	cancels []func()
	wg      sync.WaitGroup
}

func New(s store.Store, self models.Participant, polls *poll.Engine, l *zap.Logger, notify func()) *Engine {
	if notify == nil {
		notify = func() {}
	}
	return &Engine{
		s:      s,
		l:      l,
		self:   self,
		polls:  polls,
		notify: notify,
	}
}

func (e *Engine) Start(ctx context.Context) error {
	events, cancel, err := e.s.Subscribe(ctx, store.TableMessages)
	if err != nil {
		return fmt.Errorf("chat: %w", err)
	}
	e.cancels = append(e.cancels, cancel)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for range events {
			if err := e.Refresh(ctx); err != nil {
				e.l.Error("chat refresh failed", zap.Error(err))
			}
		}
	}()
	return e.Refresh(ctx)
}

func (e *Engine) Stop() {
	for _, cancel := range e.cancels {
		cancel()
	}
	e.cancels = nil
	e.wg.Wait()
}

// Refresh rebuilds the cached message list, oldest first.
func (e *Engine) Refresh(ctx context.Context) error {
	rows, err := e.s.Read(ctx, store.TableMessages, nil)
	if err != nil {
		return fmt.Errorf("chat: failed to read messages: %w", err)
	}

	messages := make([]models.ChatMessage, 0, len(rows))
	for _, row := range rows {
		messages = append(messages, models.ChatMessage{
			ID:               store.AsString(row["id"]),
			Author:           store.AsString(row["author"]),
			Text:             store.AsString(row["text"]),
			Timestamp:        store.AsTime(row["timestamp"]),
			IsProposal:       store.AsBool(row["is_proposal"]),
			ProposalAccepted: store.AsBool(row["proposal_accepted"]),
		})
	}
	sort.Slice(messages, func(i, j int) bool {
		if !messages[i].Timestamp.Equal(messages[j].Timestamp) {
			return messages[i].Timestamp.Before(messages[j].Timestamp)
		}
		return messages[i].ID < messages[j].ID
	})

	e.mu.Lock()
	e.messages = messages
	e.mu.Unlock()

	e.notify()
	return nil
}

// PostMessage appends a message authored by this participant. Messages are
// never edited.
func (e *Engine) PostMessage(ctx context.Context, text string, isProposal bool) (string, error) {
	if text == "" {
		return "", models.ErrMessageIsEmpty
	}

	id := uuid.New().String()[:8]
	_, err := e.s.Insert(ctx, store.TableMessages, store.Row{
		"id":                id,
		"author":            e.self.Name,
		"text":              text,
		"timestamp":         time.Now().UnixNano(),
		"is_proposal":       isProposal,
		"proposal_accepted": false,
	})
	if err != nil {
		e.l.Error("failed to post message", zap.Error(err))
		return "", fmt.Errorf("chat: failed to post message: %w", err)
	}
	return id, nil
}

// DeleteMessage removes a message. Gated on the acting participant's
// host-derived identity; there is no server-side permission check behind
// this, an accepted trust boundary of the cooperative-session model.
func (e *Engine) DeleteMessage(ctx context.Context, id string) error {
	if !e.self.IsHost {
		return models.ErrNotHost
	}
	if _, err := e.s.Delete(ctx, store.TableMessages, store.Filter{"id": id}); err != nil {
		e.l.Error("failed to delete message", zap.String("id", id), zap.Error(err))
		return fmt.Errorf("chat: failed to delete message: %w", err)
	}
	return nil
}

// AcceptProposal flips the accepted flag on the message and inserts the
// proposal text as a fresh option on the active poll. The two writes are
// one logical operation; accepting an already-accepted message is a no-op,
// so no second option ever appears. With no active poll the option insert
// is skipped and the message is still marked accepted.
func (e *Engine) AcceptProposal(ctx context.Context, messageID, proposalText string) error {
	rows, err := e.s.Read(ctx, store.TableMessages, store.Filter{"id": messageID})
	if err != nil {
		return fmt.Errorf("chat: failed to read message: %w", err)
	}
	if len(rows) == 0 {
		return models.ErrMessageNotFound
	}
	if store.AsBool(rows[0]["proposal_accepted"]) {
		return nil
	}

	err = e.s.Update(ctx, store.TableMessages,
		store.Filter{"id": messageID},
		store.Row{"proposal_accepted": true})
	if err != nil {
		e.l.Error("failed to accept proposal", zap.String("id", messageID), zap.Error(err))
		return fmt.Errorf("chat: failed to accept proposal: %w", err)
	}

	active, ok := e.polls.ActivePoll()
	if !ok {
		e.l.Debug("proposal accepted with no active poll", zap.String("id", messageID))
		return nil
	}

	_, err = e.s.Insert(ctx, store.TableOptions, store.Row{
		"id":      uuid.New().String()[:8],
		"poll_id": active.ID,
		"text":    proposalText,
		"votes":   0,
	})
	if err != nil {
		e.l.Error("failed to insert proposal option",
			zap.String("poll_id", active.ID),
			zap.Error(err))
		return fmt.Errorf("chat: failed to insert proposal option: %w", err)
	}
	return nil
}

// Messages returns the cached messages, oldest first.
func (e *Engine) Messages() []models.ChatMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]models.ChatMessage(nil), e.messages...)
}
