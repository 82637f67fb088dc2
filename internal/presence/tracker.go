// Package presence keeps the local participant's liveness record fresh and
// derives the live roster from everyone's records. A participant is live
// while their last_seen falls inside the liveness window; the heartbeat
// interval is strictly smaller than the window so a healthy client never
// drops out between beats.
package presence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Jolteous/JahaanVote/internal/models"
	"github.com/Jolteous/JahaanVote/internal/store"
)

// revokeOffset pushes last_seen far into the past on exit so the roster
// drops the participant immediately instead of waiting out the window.
const revokeOffset = -24 * time.Hour

type RosterEntry struct {
	Name     string
	IsHost   bool
	LastSeen time.Time
}

type Tracker struct {
	s        store.Store
	l        *zap.Logger
	name     string
	isHost   models.HostPredicate
	interval time.Duration
	window   time.Duration
	debounce time.Duration
	notify   func()

	mu     sync.Mutex
	roster []RosterEntry

	started  bool
	stop     chan struct{}
	stopOnce sync.Once
	unsub    func()
	wg       sync.WaitGroup
}

func New(s store.Store, name string, isHost models.HostPredicate, interval, window, debounce time.Duration, l *zap.Logger, notify func()) *Tracker {
	if notify == nil {
		notify = func() {}
	}
	if isHost == nil {
		isHost = models.DefaultHostPredicate
	}
	return &Tracker{
		s:        s,
		l:        l,
		name:     name,
		isHost:   isHost,
		interval: interval,
		window:   window,
		debounce: debounce,
		notify:   notify,
		stop:     make(chan struct{}),
	}
}

// Start writes the first heartbeat immediately, then beats on the interval
// and refreshes the roster on the same tick and on debounced presence
// change events.
func (t *Tracker) Start(ctx context.Context) error {
	if err := t.beat(ctx, time.Now()); err != nil {
		return err
	}
	t.started = true

	events, cancel, err := t.s.Subscribe(ctx, store.TablePresence)
	if err != nil {
		return fmt.Errorf("presence: %w", err)
	}
	t.unsub = cancel

	t.wg.Add(2)
	go t.heartbeatLoop(ctx)
	go t.watchLoop(ctx, events)

	return t.RefreshRoster(ctx)
}

// Stop revokes liveness best-effort and tears down loops and subscription.
// Without a successful first beat there is nothing to revoke, so a teardown
// after a failed Start leaves no presence record behind.
func (t *Tracker) Stop(ctx context.Context) {
	t.stopOnce.Do(func() { close(t.stop) })
	if t.unsub != nil {
		t.unsub()
	}
	t.wg.Wait()

	if !t.started {
		return
	}
	if err := t.beat(ctx, time.Now().Add(revokeOffset)); err != nil {
		t.l.Error("failed to revoke presence", zap.Error(err))
	}
}

func (t *Tracker) heartbeatLoop(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			// Failures are logged and retried on the next tick; a missed
			// beat never reaches presentation.
			if err := t.beat(ctx, time.Now()); err != nil {
				t.l.Error("heartbeat failed", zap.Error(err))
			}
			if err := t.RefreshRoster(ctx); err != nil {
				t.l.Error("roster refresh failed", zap.Error(err))
			}
		}
	}
}

func (t *Tracker) watchLoop(ctx context.Context, events <-chan store.Event) {
	defer t.wg.Done()

	// Debounce so a burst of presence writes triggers one refresh.
	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-t.stop:
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			if timer == nil {
				timer = time.NewTimer(t.debounce)
				fire = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(t.debounce)
			}
		case <-fire:
			timer = nil
			fire = nil
			if err := t.RefreshRoster(ctx); err != nil {
				t.l.Error("roster refresh failed", zap.Error(err))
			}
		}
	}
}

// beat upserts this participant's presence record with the given last_seen.
func (t *Tracker) beat(ctx context.Context, at time.Time) error {
	rows, err := t.s.Read(ctx, store.TablePresence, store.Filter{"participant_name": t.name})
	if err != nil {
		return fmt.Errorf("presence: failed to read own record: %w", err)
	}
	if len(rows) > 0 {
		err = t.s.Update(ctx, store.TablePresence,
			store.Filter{"participant_name": t.name},
			store.Row{"last_seen": at.UnixNano()})
		if err != nil {
			return fmt.Errorf("presence: failed to update last_seen: %w", err)
		}
		return nil
	}

	_, err = t.s.Insert(ctx, store.TablePresence, store.Row{
		"participant_name": t.name,
		"last_seen":        at.UnixNano(),
		"kicked":           false,
	})
	if errors.Is(err, models.ErrConstraintViolation) {
		// A concurrent tab inserted the record first; the next tick
		// advances it.
		return nil
	}
	if err != nil {
		return fmt.Errorf("presence: failed to insert record: %w", err)
	}
	return nil
}

// RefreshRoster re-derives the live roster from all presence records.
func (t *Tracker) RefreshRoster(ctx context.Context) error {
	rows, err := t.s.Read(ctx, store.TablePresence, nil)
	if err != nil {
		return fmt.Errorf("presence: failed to read roster: %w", err)
	}

	cutoff := time.Now().Add(-t.window)
	roster := make([]RosterEntry, 0, len(rows))
	for _, row := range rows {
		lastSeen := store.AsTime(row["last_seen"])
		if lastSeen.Before(cutoff) {
			continue
		}
		name := store.AsString(row["participant_name"])
		roster = append(roster, RosterEntry{
			Name:     name,
			IsHost:   t.isHost(name),
			LastSeen: lastSeen,
		})
	}
	sort.Slice(roster, func(i, j int) bool { return roster[i].Name < roster[j].Name })

	t.mu.Lock()
	t.roster = roster
	t.mu.Unlock()

	t.notify()
	return nil
}

// Roster returns the cached live roster.
func (t *Tracker) Roster() []RosterEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]RosterEntry(nil), t.roster...)
}
