// Package poll implements the poll lifecycle and the one-vote-per-participant
// invariant. The store's unique index on (poll, participant) is the only
// race-breaker relied upon for correctness; every local check is a latency
// optimization. Local state is a cache of the store, rebuilt on every change
// notification.
package poll

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Jolteous/JahaanVote/internal/models"
	"github.com/Jolteous/JahaanVote/internal/store"
)

type Engine struct {
	s      store.Store
	l      *zap.Logger
	self   models.Participant
	notify func()

	mu    sync.Mutex
	polls []models.Poll   // newest first
	voted map[string]bool // poll id -> this participant has voted

	cancels []func()
	wg      sync.WaitGroup
}

func New(s store.Store, self models.Participant, l *zap.Logger, notify func()) *Engine {
	if notify == nil {
		notify = func() {}
	}
	return &Engine{
		s:      s,
		l:      l,
		self:   self,
		notify: notify,
		voted:  make(map[string]bool),
	}
}

// Start performs the initial fetch and wires change subscriptions for the
// poll, option and vote tables. Each notification triggers a full re-fetch:
// the feed coalesces bursts and carries no payloads, so deltas cannot be
// trusted.
func (e *Engine) Start(ctx context.Context) error {
	for _, table := range []string{store.TablePolls, store.TableOptions, store.TableVotes} {
		events, cancel, err := e.s.Subscribe(ctx, table)
		if err != nil {
			e.Stop()
			return fmt.Errorf("poll: %w", err)
		}
		e.cancels = append(e.cancels, cancel)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			for range events {
				if err := e.Refresh(ctx); err != nil {
					e.l.Error("poll refresh failed", zap.Error(err))
				}
			}
		}()
	}
	return e.Refresh(ctx)
}

func (e *Engine) Stop() {
	for _, cancel := range e.cancels {
		cancel()
	}
	e.cancels = nil
	e.wg.Wait()
}

// Refresh rebuilds the cached polls, options and own-vote set from the
// store. Authoritative state always wins over optimistic marks.
func (e *Engine) Refresh(ctx context.Context) error {
	pollRows, err := e.s.Read(ctx, store.TablePolls, nil)
	if err != nil {
		return fmt.Errorf("poll: failed to read polls: %w", err)
	}
	optionRows, err := e.s.Read(ctx, store.TableOptions, nil)
	if err != nil {
		return fmt.Errorf("poll: failed to read options: %w", err)
	}
	voteRows, err := e.s.Read(ctx, store.TableVotes, store.Filter{"participant_name": e.self.Name})
	if err != nil {
		return fmt.Errorf("poll: failed to read votes: %w", err)
	}

	optionsByPoll := make(map[string][]models.Option)
	for _, row := range optionRows {
		opt := models.Option{
			ID:     store.AsString(row["id"]),
			PollID: store.AsString(row["poll_id"]),
			Text:   store.AsString(row["text"]),
			Votes:  store.AsInt(row["votes"]),
		}
		optionsByPoll[opt.PollID] = append(optionsByPoll[opt.PollID], opt)
	}
	for _, opts := range optionsByPoll {
		sort.Slice(opts, func(i, j int) bool { return opts[i].ID < opts[j].ID })
	}

	polls := make([]models.Poll, 0, len(pollRows))
	for _, row := range pollRows {
		id := store.AsString(row["id"])
		polls = append(polls, models.Poll{
			ID:        id,
			Question:  store.AsString(row["question"]),
			Options:   optionsByPoll[id],
			Active:    store.AsBool(row["active"]),
			CreatedAt: store.AsTime(row["created_at"]),
		})
	}
	sort.Slice(polls, func(i, j int) bool {
		if !polls[i].CreatedAt.Equal(polls[j].CreatedAt) {
			return polls[i].CreatedAt.After(polls[j].CreatedAt)
		}
		return polls[i].ID > polls[j].ID
	})

	voted := make(map[string]bool, len(voteRows))
	for _, row := range voteRows {
		voted[store.AsString(row["poll_id"])] = true
	}

	e.mu.Lock()
	e.polls = polls
	e.voted = voted
	e.mu.Unlock()

	e.notify()
	return nil
}

// CreatePoll inserts the poll and immediately afterwards its options. The
// store offers no multi-row transaction, so the option inserts follow the
// poll insert as a best-effort ordering.
func (e *Engine) CreatePoll(ctx context.Context, question string, options []string) (string, error) {
	if question == "" {
		return "", models.ErrQuestionIsEmpty
	}
	if len(options) < 2 {
		return "", models.ErrNotEnoughOptions
	}
	for _, text := range options {
		if text == "" {
			return "", models.ErrOptionIsEmpty
		}
	}

	pollID := uuid.New().String()[:8]
	_, err := e.s.Insert(ctx, store.TablePolls, store.Row{
		"id":         pollID,
		"question":   question,
		"active":     true,
		"created_at": time.Now().UnixNano(),
	})
	if err != nil {
		e.l.Error("failed to create poll", zap.Error(err))
		return "", fmt.Errorf("poll: failed to create poll: %w", err)
	}

	for _, text := range options {
		_, err := e.s.Insert(ctx, store.TableOptions, store.Row{
			"id":      uuid.New().String()[:8],
			"poll_id": pollID,
			"text":    text,
			"votes":   0,
		})
		if err != nil {
			e.l.Error("failed to create option",
				zap.String("poll_id", pollID),
				zap.Error(err))
			return "", fmt.Errorf("poll: failed to create option: %w", err)
		}
	}
	return pollID, nil
}

// CastVote writes this participant's vote. Only the active poll accepts
// votes; previous polls are read-only. Sequence: best-effort pre-check
// against the store, insert relying on the unique (poll, participant) index,
// then the atomic counter increment. Losing the insert race converges to
// "voted" without incrementing again.
func (e *Engine) CastVote(ctx context.Context, pollID, optionID string) error {
	activeID, err := e.activePollID(ctx)
	if err != nil {
		return err
	}
	if pollID != activeID {
		return models.ErrPollIsEnd
	}

	optRows, err := e.s.Read(ctx, store.TableOptions, store.Filter{"id": optionID})
	if err != nil {
		return fmt.Errorf("poll: failed to read option: %w", err)
	}
	if len(optRows) == 0 || store.AsString(optRows[0]["poll_id"]) != pollID {
		return models.ErrOptionIsNotFound
	}

	existing, err := e.s.Read(ctx, store.TableVotes, store.Filter{
		"poll_id":          pollID,
		"participant_name": e.self.Name,
	})
	if err != nil {
		return fmt.Errorf("poll: failed to check vote: %w", err)
	}
	if len(existing) > 0 {
		e.markVoted(pollID)
		return nil
	}

	_, err = e.s.Insert(ctx, store.TableVotes, store.Row{
		"id":               uuid.New().String()[:8],
		"poll_id":          pollID,
		"option_id":        optionID,
		"participant_name": e.self.Name,
	})
	if errors.Is(err, models.ErrConstraintViolation) {
		// Another client's vote for this participant landed first. The
		// winner already incremented its option.
		e.l.Debug("vote lost insert race",
			zap.String("poll_id", pollID),
			zap.String("participant", e.self.Name))
		e.markVoted(pollID)
		return nil
	}
	if err != nil {
		e.l.Error("failed to insert vote", zap.Error(err))
		return fmt.Errorf("poll: failed to insert vote: %w", err)
	}

	if err := e.s.AtomicAdjust(ctx, store.TableOptions, optionID, "votes", 1); err != nil {
		e.l.Error("failed to increment vote counter",
			zap.String("option_id", optionID),
			zap.Error(err))
		return fmt.Errorf("poll: failed to increment vote counter: %w", err)
	}

	// Optimistic mark; the next refresh reconciles against the vote row.
	e.markVoted(pollID)
	return nil
}

// UndoVote removes this participant's vote from the poll. No-op when no
// vote exists.
func (e *Engine) UndoVote(ctx context.Context, pollID string) error {
	return e.removeVote(ctx, pollID, e.self.Name)
}

// RemoveVote removes an arbitrary participant's vote, host moderation from
// the voters view.
func (e *Engine) RemoveVote(ctx context.Context, pollID, participantName string) error {
	return e.removeVote(ctx, pollID, participantName)
}

// activePollID reads the newest poll straight from the store so the check
// holds even before the first refresh lands.
func (e *Engine) activePollID(ctx context.Context) (string, error) {
	rows, err := e.s.Read(ctx, store.TablePolls, nil)
	if err != nil {
		return "", fmt.Errorf("poll: failed to read polls: %w", err)
	}

	var id string
	var newest time.Time
	for _, row := range rows {
		createdAt := store.AsTime(row["created_at"])
		rowID := store.AsString(row["id"])
		if id == "" || createdAt.After(newest) || (createdAt.Equal(newest) && rowID > id) {
			id, newest = rowID, createdAt
		}
	}
	return id, nil
}

func (e *Engine) removeVote(ctx context.Context, pollID, participantName string) error {
	rows, err := e.s.Read(ctx, store.TableVotes, store.Filter{
		"poll_id":          pollID,
		"participant_name": participantName,
	})
	if err != nil {
		return fmt.Errorf("poll: failed to read vote: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}

	voteID := store.AsString(rows[0]["id"])
	optionID := store.AsString(rows[0]["option_id"])

	removed, err := e.s.Delete(ctx, store.TableVotes, store.Filter{"id": voteID})
	if err != nil {
		e.l.Error("failed to delete vote", zap.Error(err))
		return fmt.Errorf("poll: failed to delete vote: %w", err)
	}
	// A concurrent undo or host removal may have deleted the row between
	// our read and delete; only the client whose delete removed the row
	// decrements, so the counter stays in step with the rows.
	if removed > 0 {
		if err := e.s.AtomicAdjust(ctx, store.TableOptions, optionID, "votes", -1); err != nil {
			e.l.Error("failed to decrement vote counter",
				zap.String("option_id", optionID),
				zap.Error(err))
			return fmt.Errorf("poll: failed to decrement vote counter: %w", err)
		}
	}

	if participantName == e.self.Name {
		e.mu.Lock()
		delete(e.voted, pollID)
		e.mu.Unlock()
	}
	return nil
}

// DeletePoll removes the poll with its options and votes. The store does
// not cascade, so dependents go first to avoid orphans.
func (e *Engine) DeletePoll(ctx context.Context, pollID string) error {
	if _, err := e.s.Delete(ctx, store.TableVotes, store.Filter{"poll_id": pollID}); err != nil {
		return fmt.Errorf("poll: failed to delete votes: %w", err)
	}
	if _, err := e.s.Delete(ctx, store.TableOptions, store.Filter{"poll_id": pollID}); err != nil {
		return fmt.Errorf("poll: failed to delete options: %w", err)
	}
	if _, err := e.s.Delete(ctx, store.TablePolls, store.Filter{"id": pollID}); err != nil {
		return fmt.Errorf("poll: failed to delete poll: %w", err)
	}
	return nil
}

// HasVoted reports from the store whether this participant voted in the
// poll. Reads the store, not the cache, so duplicate tabs agree.
func (e *Engine) HasVoted(ctx context.Context, pollID string) (bool, error) {
	rows, err := e.s.Read(ctx, store.TableVotes, store.Filter{
		"poll_id":          pollID,
		"participant_name": e.self.Name,
	})
	if err != nil {
		return false, fmt.Errorf("poll: failed to check vote: %w", err)
	}
	return len(rows) > 0, nil
}

// Voters lists the names of everyone who voted in the poll.
func (e *Engine) Voters(ctx context.Context, pollID string) ([]string, error) {
	rows, err := e.s.Read(ctx, store.TableVotes, store.Filter{"poll_id": pollID})
	if err != nil {
		return nil, fmt.Errorf("poll: failed to read voters: %w", err)
	}
	names := make([]string, 0, len(rows))
	for _, row := range rows {
		names = append(names, store.AsString(row["participant_name"]))
	}
	sort.Strings(names)
	return names, nil
}

func (e *Engine) markVoted(pollID string) {
	e.mu.Lock()
	e.voted[pollID] = true
	e.mu.Unlock()
	e.notify()
}

// Polls returns the cached polls, newest first.
func (e *Engine) Polls() []models.Poll {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]models.Poll(nil), e.polls...)
}

// ActivePoll is the most recently created poll.
func (e *Engine) ActivePoll() (models.Poll, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.polls) == 0 {
		return models.Poll{}, false
	}
	return e.polls[0], true
}

// PreviousPolls are all polls except the active one, read-only for voting.
func (e *Engine) PreviousPolls() []models.Poll {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.polls) <= 1 {
		return nil
	}
	return append([]models.Poll(nil), e.polls[1:]...)
}

// Voted reports the cached voted state for the poll. Provisional right
// after CastVote, authoritative after the next refresh.
func (e *Engine) Voted(pollID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.voted[pollID]
}

// VotedSet returns a copy of the cached voted map.
func (e *Engine) VotedSet() map[string]bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]bool, len(e.voted))
	for id, v := range e.voted {
		out[id] = v
	}
	return out
}

// Tallies derives the percentage share of every option from the cached
// counters. A poll with no votes tallies to all zeros.
func Tallies(p models.Poll) []models.Tally {
	total := 0
	for _, opt := range p.Options {
		total += opt.Votes
	}

	tallies := make([]models.Tally, 0, len(p.Options))
	for _, opt := range p.Options {
		pct := 0.0
		if total > 0 {
			pct = float64(opt.Votes) / float64(total) * 100
		}
		tallies = append(tallies, models.Tally{Option: opt, Percentage: pct})
	}
	return tallies
}
