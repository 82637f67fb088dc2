// Package moderation layers kick and ban semantics over the presence and
// blocklist tables. A kick is a one-shot signal the target consumes exactly
// once; a ban is permanent and always wins when both are observed.
package moderation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Jolteous/JahaanVote/internal/models"
	"github.com/Jolteous/JahaanVote/internal/poll"
	"github.com/Jolteous/JahaanVote/internal/store"
)

// RemovalState is the target-side view of this participant's standing.
type RemovalState int

const (
	StateActive RemovalState = iota
	// StateKicked is terminal for the current session but rejoinable.
	StateKicked
	// StateBanned is permanent; no rejoin under this name.
	StateBanned
)

const revokeOffset = -24 * time.Hour

type Subsystem struct {
	s      store.Store
	l      *zap.Logger
	self   models.Participant
	votes  *poll.Engine
	notify func()

	mu    sync.Mutex
	state RemovalState

	cancels []func()
	wg      sync.WaitGroup
}

func New(s store.Store, self models.Participant, votes *poll.Engine, l *zap.Logger, notify func()) *Subsystem {
	if notify == nil {
		notify = func() {}
	}
	return &Subsystem{
		s:      s,
		l:      l,
		self:   self,
		votes:  votes,
		notify: notify,
	}
}

// Start wires the target-side watcher: every client watches the presence
// and blocklist tables for its own name.
func (m *Subsystem) Start(ctx context.Context) error {
	for _, table := range []string{store.TablePresence, store.TableBlocklist} {
		events, cancel, err := m.s.Subscribe(ctx, table)
		if err != nil {
			m.Stop()
			return fmt.Errorf("moderation: %w", err)
		}
		m.cancels = append(m.cancels, cancel)
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for range events {
				if err := m.Evaluate(ctx); err != nil {
					m.l.Error("moderation check failed", zap.Error(err))
				}
			}
		}()
	}
	return m.Evaluate(ctx)
}

func (m *Subsystem) Stop() {
	for _, cancel := range m.cancels {
		cancel()
	}
	m.cancels = nil
	m.wg.Wait()
}

// Kick removes a participant's presence and leaves a one-shot kicked marker
// the target's own client will observe and consume. Votes stay in place.
func (m *Subsystem) Kick(ctx context.Context, name string) error {
	if _, err := m.s.Delete(ctx, store.TablePresence, store.Filter{"participant_name": name}); err != nil {
		return fmt.Errorf("moderation: failed to delete presence: %w", err)
	}

	row := store.Row{
		"participant_name": name,
		"last_seen":        time.Now().Add(revokeOffset).UnixNano(),
		"kicked":           true,
	}
	_, err := m.s.Insert(ctx, store.TablePresence, row)
	if errors.Is(err, models.ErrConstraintViolation) {
		// The target's heartbeat re-inserted the record between our delete
		// and insert; flip the existing row instead.
		err = m.s.Update(ctx, store.TablePresence,
			store.Filter{"participant_name": name},
			store.Row{"kicked": true, "last_seen": time.Now().Add(revokeOffset).UnixNano()})
	}
	if err != nil {
		return fmt.Errorf("moderation: failed to mark kicked: %w", err)
	}

	m.l.Info("participant kicked", zap.String("participant", name))
	return nil
}

// Ban performs the kick cleanup, erases the participant's votes through the
// same delete-and-decrement path as an undo, and adds the name to the
// blocklist permanently.
func (m *Subsystem) Ban(ctx context.Context, name string) error {
	voteRows, err := m.s.Read(ctx, store.TableVotes, store.Filter{"participant_name": name})
	if err != nil {
		return fmt.Errorf("moderation: failed to read votes: %w", err)
	}
	for _, row := range voteRows {
		pollID := store.AsString(row["poll_id"])
		if err := m.votes.RemoveVote(ctx, pollID, name); err != nil {
			return fmt.Errorf("moderation: failed to remove vote: %w", err)
		}
	}

	if err := m.Kick(ctx, name); err != nil {
		return err
	}

	_, err = m.s.Insert(ctx, store.TableBlocklist, store.Row{"participant_name": name})
	if err != nil && !errors.Is(err, models.ErrConstraintViolation) {
		return fmt.Errorf("moderation: failed to insert blocklist entry: %w", err)
	}

	m.l.Info("participant banned", zap.String("participant", name))
	return nil
}

// Evaluate re-checks this participant's own standing. Ban is checked first
// and wins over kick. A kicked flag is consumed on first observation by
// deleting and re-writing the own presence record with kicked=false, so
// replayed notifications and double-kicks cannot re-trigger the transition.
func (m *Subsystem) Evaluate(ctx context.Context) error {
	banned, err := m.s.Read(ctx, store.TableBlocklist, store.Filter{"participant_name": m.self.Name})
	if err != nil {
		return fmt.Errorf("moderation: failed to read blocklist: %w", err)
	}
	if len(banned) > 0 {
		m.transition(StateBanned)
		return nil
	}

	rows, err := m.s.Read(ctx, store.TablePresence, store.Filter{"participant_name": m.self.Name})
	if err != nil {
		return fmt.Errorf("moderation: failed to read presence: %w", err)
	}
	if len(rows) == 0 || !store.AsBool(rows[0]["kicked"]) {
		return nil
	}

	m.transition(StateKicked)

	// Consume the one-shot signal.
	if _, err := m.s.Delete(ctx, store.TablePresence, store.Filter{"participant_name": m.self.Name}); err != nil {
		return fmt.Errorf("moderation: failed to consume kick: %w", err)
	}
	_, err = m.s.Insert(ctx, store.TablePresence, store.Row{
		"participant_name": m.self.Name,
		"last_seen":        time.Now().Add(revokeOffset).UnixNano(),
		"kicked":           false,
	})
	if err != nil && !errors.Is(err, models.ErrConstraintViolation) {
		return fmt.Errorf("moderation: failed to consume kick: %w", err)
	}
	return nil
}

func (m *Subsystem) transition(next RemovalState) {
	m.mu.Lock()
	prev := m.state
	// Banned is sticky; kicked never downgrades it.
	if next > m.state {
		m.state = next
	}
	changed := m.state != prev
	m.mu.Unlock()

	if changed {
		m.notify()
	}
}

// State returns the current removal state of this participant.
func (m *Subsystem) State() RemovalState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CheckLogin reports whether a name may join: a blocklisted name is
// permanently rejected before any presence record is created, and a stale
// kicked flag left for this name is cleared so the participant can rejoin.
func CheckLogin(ctx context.Context, s store.Store, name string) error {
	banned, err := s.Read(ctx, store.TableBlocklist, store.Filter{"participant_name": name})
	if err != nil {
		return fmt.Errorf("moderation: failed to read blocklist: %w", err)
	}
	if len(banned) > 0 {
		return models.ErrNameBanned
	}

	rows, err := s.Read(ctx, store.TablePresence, store.Filter{"participant_name": name})
	if err != nil {
		return fmt.Errorf("moderation: failed to read presence: %w", err)
	}
	if len(rows) > 0 && store.AsBool(rows[0]["kicked"]) {
		if _, err := s.Delete(ctx, store.TablePresence, store.Filter{"participant_name": name}); err != nil {
			return fmt.Errorf("moderation: failed to clear kicked flag: %w", err)
		}
	}
	return nil
}
