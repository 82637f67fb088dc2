package models

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrPollIsEnd           = errors.New("poll is end")
	ErrOptionIsNotFound    = errors.New("option is not found")
	ErrOptionIsEmpty       = errors.New("option is empty")
	ErrNotEnoughOptions    = errors.New("the number of options should be at least 2")
	ErrQuestionIsEmpty     = errors.New("question is empty")
	ErrMessageNotFound     = errors.New("message is not found")
	ErrMessageIsEmpty      = errors.New("message is empty")
	ErrNameIsEmpty         = errors.New("name is empty")
	ErrNameBanned          = errors.New("name is banned from this session")
	ErrNotHost             = errors.New("host action invoked by non-host")
	ErrReactionCooldown    = errors.New("reaction cooldown has not elapsed")
	ErrConstraintViolation = errors.New("store constraint violation")
	ErrFailedToProcessData = errors.New("failed to process data")
)

// HostMarker is the token a display name must contain (any case) for the
// participant to be treated as a host.
const HostMarker = "HOST"

// HostPredicate decides host status from a display name. Kept as a value so
// callers never inspect name content themselves and a credential-based check
// can replace it without touching call sites.
type HostPredicate func(name string) bool

func DefaultHostPredicate(name string) bool {
	return strings.Contains(strings.ToUpper(name), HostMarker)
}

type Participant struct {
	Name   string `json:"name"`
	IsHost bool   `json:"is_host"`
}

type Poll struct {
	ID        string    `json:"id"`
	Question  string    `json:"question"`
	Options   []Option  `json:"options"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type Option struct {
	ID     string `json:"id"`
	PollID string `json:"poll_id"`
	Text   string `json:"text"`
	Votes  int    `json:"votes"`
}

type Vote struct {
	ID              string `json:"id"`
	PollID          string `json:"poll_id"`
	OptionID        string `json:"option_id"`
	ParticipantName string `json:"participant_name"`
}

type ChatMessage struct {
	ID               string    `json:"id"`
	Author           string    `json:"author"`
	Text             string    `json:"text"`
	Timestamp        time.Time `json:"timestamp"`
	IsProposal       bool      `json:"is_proposal"`
	ProposalAccepted bool      `json:"proposal_accepted"`
}

type PresenceRecord struct {
	ParticipantName string    `json:"participant_name"`
	LastSeen        time.Time `json:"last_seen"`
	Kicked          bool      `json:"kicked"`
}

type BlocklistEntry struct {
	ParticipantName string `json:"participant_name"`
}

type EmojiReaction struct {
	ID              string    `json:"id"`
	Emoji           string    `json:"emoji"`
	ParticipantName string    `json:"participant_name"`
	CreatedAt       time.Time `json:"created_at"`
}

// Tally is the derived result for one option of a poll.
type Tally struct {
	Option     Option  `json:"option"`
	Percentage float64 `json:"percentage"`
}
