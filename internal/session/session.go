// Package session aggregates the presence, moderation, poll, chat and
// reaction engines behind one read model and action set. Presentation only
// ever talks to this façade: it issues intents and consumes snapshots.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Jolteous/JahaanVote/internal/chat"
	"github.com/Jolteous/JahaanVote/internal/emoji"
	"github.com/Jolteous/JahaanVote/internal/models"
	"github.com/Jolteous/JahaanVote/internal/moderation"
	"github.com/Jolteous/JahaanVote/internal/poll"
	"github.com/Jolteous/JahaanVote/internal/presence"
	"github.com/Jolteous/JahaanVote/internal/store"
)

// snapshotDebounce coalesces notification bursts into one republication.
const snapshotDebounce = 100 * time.Millisecond

// reactionTail is how many reactions a snapshot carries; consumers only
// render the newest entries.
const reactionTail = 24

type Options struct {
	HeartbeatInterval time.Duration
	LiveWindow        time.Duration
	RosterDebounce    time.Duration
	ReactionCooldown  time.Duration
	IsHost            models.HostPredicate
}

func (o *Options) withDefaults() {
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = 15 * time.Second
	}
	if o.LiveWindow == 0 {
		o.LiveWindow = 30 * time.Second
	}
	if o.RosterDebounce == 0 {
		o.RosterDebounce = 250 * time.Millisecond
	}
	if o.ReactionCooldown == 0 {
		o.ReactionCooldown = 1500 * time.Millisecond
	}
	if o.IsHost == nil {
		o.IsHost = models.DefaultHostPredicate
	}
}

// Snapshot is the composed read model consumed by presentation.
type Snapshot struct {
	Self          models.Participant
	Removal       moderation.RemovalState
	ActivePoll    *models.Poll
	PreviousPolls []models.Poll
	Tallies       map[string][]models.Tally
	Voted         map[string]bool
	Roster        []presence.RosterEntry
	Messages      []models.ChatMessage
	Reactions     []models.EmojiReaction
}

type Session struct {
	s    store.Store
	l    *zap.Logger
	self models.Participant

	polls     *poll.Engine
	messages  *chat.Engine
	tracker   *presence.Tracker
	mods      *moderation.Subsystem
	reactions *emoji.Broadcaster

	ctx    context.Context
	cancel context.CancelFunc

	signal  chan struct{}
	updates chan Snapshot
	wg      sync.WaitGroup

	trackerStop sync.Once
	closeOnce   sync.Once
}

// Login joins the session under the given display name. A blocklisted name
// is rejected with models.ErrNameBanned before any presence record exists;
// a stale kicked flag for the name is cleared so rejoining works. The
// participant row is created on first login, host status derived from the
// name by the configured predicate.
func Login(ctx context.Context, s store.Store, name string, opts Options, l *zap.Logger) (*Session, error) {
	opts.withDefaults()

	name = strings.TrimSpace(name)
	if name == "" {
		return nil, models.ErrNameIsEmpty
	}

	if err := moderation.CheckLogin(ctx, s, name); err != nil {
		return nil, err
	}

	self := models.Participant{Name: name, IsHost: opts.IsHost(name)}
	_, err := s.Insert(ctx, store.TableParticipants, store.Row{
		"name":    self.Name,
		"is_host": self.IsHost,
	})
	if err != nil && !errors.Is(err, models.ErrConstraintViolation) {
		return nil, fmt.Errorf("session: failed to register participant: %w", err)
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	sess := &Session{
		s:       s,
		l:       l,
		self:    self,
		ctx:     sessCtx,
		cancel:  cancel,
		signal:  make(chan struct{}, 1),
		updates: make(chan Snapshot, 1),
	}

	sess.polls = poll.New(s, self, l, sess.touch)
	sess.messages = chat.New(s, self, sess.polls, l, sess.touch)
	sess.tracker = presence.New(s, name, opts.IsHost,
		opts.HeartbeatInterval, opts.LiveWindow, opts.RosterDebounce, l, sess.touch)
	sess.mods = moderation.New(s, self, sess.polls, l, sess.touch)
	sess.reactions = emoji.New(s, self, opts.ReactionCooldown, l)

	if err := sess.polls.Start(sessCtx); err != nil {
		sess.Close()
		return nil, err
	}
	if err := sess.messages.Start(sessCtx); err != nil {
		sess.Close()
		return nil, err
	}
	if err := sess.tracker.Start(sessCtx); err != nil {
		sess.Close()
		return nil, err
	}
	if err := sess.mods.Start(sessCtx); err != nil {
		sess.Close()
		return nil, err
	}

	sess.wg.Add(1)
	go sess.publishLoop()

	sess.l.Info("session joined",
		zap.String("participant", name),
		zap.Bool("is_host", self.IsHost))
	return sess, nil
}

// touch requests a snapshot republication. Non-blocking: a pending signal
// already covers this change.
func (s *Session) touch() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Session) publishLoop() {
	defer s.wg.Done()
	defer close(s.updates)
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.signal:
		}

		// Let the burst settle, then absorb anything that arrived meanwhile.
		timer := time.NewTimer(snapshotDebounce)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		select {
		case <-s.signal:
		default:
		}

		snap := s.Snapshot()
		if snap.Removal != moderation.StateActive {
			// A removed participant stops advertising liveness; the session
			// loop itself keeps running so the removed view stays current.
			s.trackerStop.Do(func() { s.tracker.Stop(s.ctx) })
		}

		// Only the newest snapshot matters to a consumer.
		select {
		case s.updates <- snap:
		default:
			select {
			case <-s.updates:
			default:
			}
			select {
			case s.updates <- snap:
			default:
			}
		}
	}
}

// Updates yields composed snapshots, newest state only.
func (s *Session) Updates() <-chan Snapshot {
	return s.updates
}

// Snapshot composes the current read model from the engine caches.
func (s *Session) Snapshot() Snapshot {
	snap := Snapshot{
		Self:     s.self,
		Removal:  s.mods.State(),
		Voted:    s.polls.VotedSet(),
		Roster:   s.tracker.Roster(),
		Messages: s.messages.Messages(),
		Tallies:  make(map[string][]models.Tally),
	}

	if active, ok := s.polls.ActivePoll(); ok {
		snap.ActivePoll = &active
	}
	snap.PreviousPolls = s.polls.PreviousPolls()
	for _, p := range s.polls.Polls() {
		snap.Tallies[p.ID] = poll.Tallies(p)
	}

	reactions, err := s.reactions.Latest(s.ctx, reactionTail)
	if err != nil {
		s.l.Error("failed to read reactions", zap.Error(err))
	} else {
		snap.Reactions = reactions
	}
	return snap
}

// Close leaves the session: revokes presence, stops every loop and drops
// all subscriptions. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.trackerStop.Do(func() { s.tracker.Stop(context.Background()) })
		s.mods.Stop()
		s.messages.Stop()
		s.polls.Stop()
		s.cancel()
		s.wg.Wait()
		s.l.Info("session left", zap.String("participant", s.self.Name))
	})
}

// Self returns the logged-in participant.
func (s *Session) Self() models.Participant { return s.self }

// Actions delegate to the owning engine. Host-only operations are gated at
// the presentation boundary; the engines do not re-check, an accepted trust
// gap of the cooperative-session model.

func (s *Session) CreatePoll(ctx context.Context, question string, options []string) (string, error) {
	return s.polls.CreatePoll(ctx, question, options)
}

func (s *Session) CastVote(ctx context.Context, pollID, optionID string) error {
	return s.polls.CastVote(ctx, pollID, optionID)
}

func (s *Session) UndoVote(ctx context.Context, pollID string) error {
	return s.polls.UndoVote(ctx, pollID)
}

func (s *Session) RemoveVote(ctx context.Context, pollID, participantName string) error {
	return s.polls.RemoveVote(ctx, pollID, participantName)
}

func (s *Session) DeletePoll(ctx context.Context, pollID string) error {
	return s.polls.DeletePoll(ctx, pollID)
}

func (s *Session) HasVoted(ctx context.Context, pollID string) (bool, error) {
	return s.polls.HasVoted(ctx, pollID)
}

func (s *Session) Voters(ctx context.Context, pollID string) ([]string, error) {
	return s.polls.Voters(ctx, pollID)
}

func (s *Session) PostMessage(ctx context.Context, text string, isProposal bool) (string, error) {
	return s.messages.PostMessage(ctx, text, isProposal)
}

func (s *Session) DeleteMessage(ctx context.Context, id string) error {
	return s.messages.DeleteMessage(ctx, id)
}

func (s *Session) AcceptProposal(ctx context.Context, messageID, proposalText string) error {
	return s.messages.AcceptProposal(ctx, messageID, proposalText)
}

func (s *Session) SendReaction(ctx context.Context, emojiChar string) error {
	return s.reactions.Send(ctx, emojiChar)
}

func (s *Session) Kick(ctx context.Context, name string) error {
	return s.mods.Kick(ctx, name)
}

func (s *Session) Ban(ctx context.Context, name string) error {
	return s.mods.Ban(ctx, name)
}
