// Package store wraps the remote session store behind a stable contract:
// row CRUD with equality filters, one atomic counter adjustment, and a
// per-table change feed. Rows travel as flat maps keyed by logical field
// names; the session identifier is injected by the adapter on every write
// and every filter, so engines never handle it.
package store

import (
	"context"
	"time"
)

const (
	TableParticipants = "participants"
	TablePolls        = "polls"
	TableOptions      = "poll_options"
	TableVotes        = "poll_votes"
	TableMessages     = "chat_messages"
	TablePresence     = "presence"
	TableBlocklist    = "blocklist"
	TableReactions    = "emoji_reactions"
)

// Row is one logical record. Values are strings, bools or integers;
// timestamps are unix nanoseconds.
type Row map[string]interface{}

// Filter matches rows by field equality. A nil filter matches every row of
// the table.
type Filter map[string]interface{}

type EventKind string

const (
	EventCreate EventKind = "create"
	EventUpdate EventKind = "update"
	EventDelete EventKind = "delete"
)

// Event signals that something in a table changed. It deliberately carries
// no row data: delivery is at-least-once and bursts coalesce, so handlers
// must re-fetch authoritative state instead of applying deltas.
type Event struct {
	Table string
	Kind  EventKind
}

// Store is the adapter contract over the remote session store.
//
// Insert returns models.ErrConstraintViolation when a unique index rejects
// the row; that outcome signals a legitimate race loss, not a failure.
// Every other error is transient and retryable.
type Store interface {
	Read(ctx context.Context, table string, filter Filter) ([]Row, error)
	Insert(ctx context.Context, table string, row Row) (Row, error)
	Update(ctx context.Context, table string, filter Filter, patch Row) error

	// Delete reports how many rows it actually removed. Under concurrent
	// deleters of the same row exactly one caller counts it, so callers
	// maintaining a derived counter adjust only for their own removals.
	Delete(ctx context.Context, table string, filter Filter) (int, error)

	// AtomicAdjust adds delta to an integer field of the row with the given
	// id, atomically at the store. Counters are never written by overwrite.
	AtomicAdjust(ctx context.Context, table, id, field string, delta int) error

	// Subscribe yields change events for one table until cancel is called.
	// The cancel func is idempotent.
	Subscribe(ctx context.Context, table string) (<-chan Event, func(), error)
}

// Field accessors tolerant of the integer widths the wire decodes into.

func AsString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func AsBool(v interface{}) bool {
	b, _ := v.(bool)
	return b
}

func AsInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case uint64:
		return int(n)
	case int32:
		return int(n)
	case uint32:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func AsInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case uint64:
		return int64(n)
	case int32:
		return int64(n)
	case uint32:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

// AsTime reads a unix-nanosecond field. The zero value is returned for a
// missing or malformed field.
func AsTime(v interface{}) time.Time {
	n := AsInt64(v)
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
