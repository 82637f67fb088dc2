// Package emoji fans out ephemeral reactions. Rows are append-only and
// never deleted; consumers read only the tail and handle their own display
// expiry, so unbounded growth of the table is acceptable.
package emoji

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Jolteous/JahaanVote/internal/models"
	"github.com/Jolteous/JahaanVote/internal/store"
)

type Broadcaster struct {
	s        store.Store
	l        *zap.Logger
	self     models.Participant
	cooldown time.Duration
	now      func() time.Time

	mu       sync.Mutex
	lastSend time.Time
}

func New(s store.Store, self models.Participant, cooldown time.Duration, l *zap.Logger) *Broadcaster {
	return &Broadcaster{
		s:        s,
		l:        l,
		self:     self,
		cooldown: cooldown,
		now:      time.Now,
	}
}

// Send appends one reaction. Sends inside the cooldown are rejected locally
// with no store write. The limit is client-side only; the store does not
// enforce it, an accepted limitation.
func (b *Broadcaster) Send(ctx context.Context, emoji string) error {
	b.mu.Lock()
	now := b.now()
	if now.Sub(b.lastSend) < b.cooldown {
		b.mu.Unlock()
		return models.ErrReactionCooldown
	}
	prev := b.lastSend
	b.lastSend = now
	b.mu.Unlock()

	_, err := b.s.Insert(ctx, store.TableReactions, store.Row{
		"id":               uuid.New().String()[:8],
		"emoji":            emoji,
		"participant_name": b.self.Name,
		"created_at":       now.UnixNano(),
	})
	if err != nil {
		// Only the delivered reaction starts a cooldown; a failed send may
		// be retried immediately.
		b.mu.Lock()
		if b.lastSend.Equal(now) {
			b.lastSend = prev
		}
		b.mu.Unlock()
		b.l.Error("failed to send reaction", zap.Error(err))
		return fmt.Errorf("emoji: failed to send reaction: %w", err)
	}
	return nil
}

// Latest returns the newest n reactions, oldest of those first.
func (b *Broadcaster) Latest(ctx context.Context, n int) ([]models.EmojiReaction, error) {
	rows, err := b.s.Read(ctx, store.TableReactions, nil)
	if err != nil {
		return nil, fmt.Errorf("emoji: failed to read reactions: %w", err)
	}

	reactions := make([]models.EmojiReaction, 0, len(rows))
	for _, row := range rows {
		reactions = append(reactions, models.EmojiReaction{
			ID:              store.AsString(row["id"]),
			Emoji:           store.AsString(row["emoji"]),
			ParticipantName: store.AsString(row["participant_name"]),
			CreatedAt:       store.AsTime(row["created_at"]),
		})
	}
	sort.Slice(reactions, func(i, j int) bool {
		if !reactions[i].CreatedAt.Equal(reactions[j].CreatedAt) {
			return reactions[i].CreatedAt.Before(reactions[j].CreatedAt)
		}
		return reactions[i].ID < reactions[j].ID
	})

	if n > 0 && len(reactions) > n {
		reactions = reactions[len(reactions)-n:]
	}
	return reactions, nil
}
