package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/tarantool/go-tarantool"
	"go.uber.org/zap"

	"github.com/Jolteous/JahaanVote/internal/models"
)

const (
	// iproto error code for a unique-index conflict.
	erTupleFound = 3
	errorCodeBit = 0x8000

	// selectPage bounds one Select round trip; Read pages until a short
	// page so large tables come back whole.
	selectPage = 4096
)

// spaceDef describes one Tarantool space: tuple field order (the session
// id is always field 0) and the indexes declared in deploy/tarantool.
// Index key parts after the session prefix, longest usable prefix wins.
type spaceDef struct {
	fields  []string
	indexes []indexDef
}

type indexDef struct {
	name   string
	fields []string
}

var schema = map[string]spaceDef{
	TableParticipants: {
		fields:  []string{"session", "name", "is_host"},
		indexes: []indexDef{{"primary", []string{"name"}}},
	},
	TablePolls: {
		fields:  []string{"session", "id", "question", "active", "created_at"},
		indexes: []indexDef{{"primary", []string{"id"}}},
	},
	TableOptions: {
		fields: []string{"session", "id", "poll_id", "text", "votes"},
		indexes: []indexDef{
			{"by_poll", []string{"poll_id"}},
			{"primary", []string{"id"}},
		},
	},
	TableVotes: {
		fields: []string{"session", "id", "poll_id", "option_id", "participant_name"},
		indexes: []indexDef{
			{"participant", []string{"poll_id", "participant_name"}},
			{"by_name", []string{"participant_name"}},
			{"primary", []string{"id"}},
		},
	},
	TableMessages: {
		fields:  []string{"session", "id", "author", "text", "timestamp", "is_proposal", "proposal_accepted"},
		indexes: []indexDef{{"primary", []string{"id"}}},
	},
	TablePresence: {
		fields:  []string{"session", "participant_name", "last_seen", "kicked"},
		indexes: []indexDef{{"primary", []string{"participant_name"}}},
	},
	TableBlocklist: {
		fields:  []string{"session", "participant_name"},
		indexes: []indexDef{{"primary", []string{"participant_name"}}},
	},
	TableReactions: {
		fields:  []string{"session", "id", "emoji", "participant_name", "created_at"},
		indexes: []indexDef{{"primary", []string{"id"}}},
	},
}

// Conn is the slice of the Tarantool client the adapter uses. Satisfied by
// *tarantool.Connection.
type Conn interface {
	Select(space, index interface{}, offset, limit, iterator uint32, key interface{}) (*tarantool.Response, error)
	Insert(space interface{}, tuple interface{}) (*tarantool.Response, error)
	Update(space, index interface{}, key, ops interface{}) (*tarantool.Response, error)
	Delete(space, index interface{}, key interface{}) (*tarantool.Response, error)
}

// TarantoolStore keeps rows and counters in Tarantool spaces and signals
// changes over a Redis channel per table.
type TarantoolStore struct {
	conn    Conn
	redis   *redis.Client
	session string
	l       *zap.Logger
}

func NewTarantoolStore(conn Conn, rdb *redis.Client, session string, l *zap.Logger) *TarantoolStore {
	return &TarantoolStore{
		conn:    conn,
		redis:   rdb,
		session: session,
		l:       l,
	}
}

func (s *TarantoolStore) channel(table string) string {
	return "jahaanvote:" + s.session + ":changes:" + table
}

// match picks the index whose leading key parts are all present in the
// filter. Returns the index name, the select key (session prefix plus the
// matched parts) and the residual fields still to check client-side.
func (d spaceDef) match(session string, filter Filter) (string, []interface{}, Filter) {
	best := d.indexes[len(d.indexes)-1] // primary as fallback
	bestLen := 0
	for _, idx := range d.indexes {
		n := 0
		for _, f := range idx.fields {
			if _, ok := filter[f]; !ok {
				break
			}
			n++
		}
		if n > bestLen {
			best, bestLen = idx, n
		}
	}

	key := make([]interface{}, 0, bestLen+1)
	key = append(key, session)
	matched := make(map[string]bool, bestLen)
	for _, f := range best.fields[:bestLen] {
		key = append(key, filter[f])
		matched[f] = true
	}

	residual := Filter{}
	for f, v := range filter {
		if !matched[f] {
			residual[f] = v
		}
	}
	return best.name, key, residual
}

func (d spaceDef) decode(tuple []interface{}) Row {
	row := Row{}
	for i, f := range d.fields {
		if i < len(tuple) {
			row[f] = tuple[i]
		}
	}
	return row
}

func (d spaceDef) encode(session string, row Row) []interface{} {
	tuple := make([]interface{}, len(d.fields))
	tuple[0] = session
	for i, f := range d.fields[1:] {
		tuple[i+1] = row[f]
	}
	return tuple
}

func (d spaceDef) fieldIndex(field string) (int, error) {
	for i, f := range d.fields {
		if f == field {
			return i, nil
		}
	}
	return 0, fmt.Errorf("store: unknown field %q", field)
}

func matches(row Row, filter Filter) bool {
	for f, want := range filter {
		if row[f] != want {
			return false
		}
	}
	return true
}

// mapErr translates a unique-index conflict into the benign sentinel;
// everything else stays a transient store error.
func mapErr(err error) error {
	var terr tarantool.Error
	if errors.As(err, &terr) && terr.Code&^uint32(errorCodeBit) == erTupleFound {
		return models.ErrConstraintViolation
	}
	return fmt.Errorf("store: %w", err)
}

func (s *TarantoolStore) Read(_ context.Context, table string, filter Filter) ([]Row, error) {
	def, ok := schema[table]
	if !ok {
		return nil, fmt.Errorf("store: unknown table %q", table)
	}
	index, key, residual := def.match(s.session, filter)

	var rows []Row
	for offset := uint32(0); ; offset += selectPage {
		resp, err := s.conn.Select(table, index, offset, selectPage, tarantool.IterEq, key)
		if err != nil {
			return nil, mapErr(err)
		}

		for _, raw := range resp.Data {
			tuple, ok := raw.([]interface{})
			if !ok {
				return nil, fmt.Errorf("store: %w: unexpected tuple shape in %s", models.ErrFailedToProcessData, table)
			}
			row := def.decode(tuple)
			if matches(row, residual) {
				rows = append(rows, row)
			}
		}
		if len(resp.Data) < selectPage {
			return rows, nil
		}
	}
}

func (s *TarantoolStore) Insert(ctx context.Context, table string, row Row) (Row, error) {
	def, ok := schema[table]
	if !ok {
		return nil, fmt.Errorf("store: unknown table %q", table)
	}

	resp, err := s.conn.Insert(table, def.encode(s.session, row))
	if err != nil {
		return nil, mapErr(err)
	}

	stored := row
	if len(resp.Data) > 0 {
		if tuple, ok := resp.Data[0].([]interface{}); ok {
			stored = def.decode(tuple)
		}
	}
	s.publish(ctx, table, EventCreate)
	return stored, nil
}

func (s *TarantoolStore) Update(ctx context.Context, table string, filter Filter, patch Row) error {
	def, ok := schema[table]
	if !ok {
		return fmt.Errorf("store: unknown table %q", table)
	}

	ops := make([]interface{}, 0, len(patch))
	for f, v := range patch {
		i, err := def.fieldIndex(f)
		if err != nil {
			return err
		}
		ops = append(ops, []interface{}{"=", i, v})
	}

	rows, err := s.Read(ctx, table, filter)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if _, err := s.conn.Update(table, "primary", s.primaryKey(def, row), ops); err != nil {
			return mapErr(err)
		}
	}
	if len(rows) > 0 {
		s.publish(ctx, table, EventUpdate)
	}
	return nil
}

func (s *TarantoolStore) Delete(ctx context.Context, table string, filter Filter) (int, error) {
	def, ok := schema[table]
	if !ok {
		return 0, fmt.Errorf("store: unknown table %q", table)
	}

	rows, err := s.Read(ctx, table, filter)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, row := range rows {
		resp, err := s.conn.Delete(table, "primary", s.primaryKey(def, row))
		if err != nil {
			return removed, mapErr(err)
		}
		// Tarantool returns the removed tuple; an empty body means a
		// concurrent deleter got there first.
		if len(resp.Data) > 0 {
			removed++
		}
	}
	if removed > 0 {
		s.publish(ctx, table, EventDelete)
	}
	return removed, nil
}

func (s *TarantoolStore) AtomicAdjust(ctx context.Context, table, id, field string, delta int) error {
	def, ok := schema[table]
	if !ok {
		return fmt.Errorf("store: unknown table %q", table)
	}
	i, err := def.fieldIndex(field)
	if err != nil {
		return err
	}

	// Tarantool applies arithmetic update ops atomically per tuple.
	_, err = s.conn.Update(table, "primary", []interface{}{s.session, id},
		[]interface{}{[]interface{}{"+", i, delta}})
	if err != nil {
		return mapErr(err)
	}
	s.publish(ctx, table, EventUpdate)
	return nil
}

func (s *TarantoolStore) Subscribe(ctx context.Context, table string) (<-chan Event, func(), error) {
	pubsub := s.redis.Subscribe(ctx, s.channel(table))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("store: subscribe %s: %w", table, err)
	}

	events := make(chan Event, 8)
	go func() {
		defer close(events)
		for msg := range pubsub.Channel() {
			ev := Event{Table: table, Kind: EventKind(msg.Payload)}
			select {
			case events <- ev:
			default:
				// Subscriber is behind; the pending event already forces a
				// re-fetch, so bursts coalesce here.
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			if err := pubsub.Close(); err != nil {
				s.l.Debug("closing subscription", zap.String("table", table), zap.Error(err))
			}
		})
	}
	return events, cancel, nil
}

// publish is best effort: a lost signal is healed by the next periodic
// refresh, so a write never fails because its notification did.
func (s *TarantoolStore) publish(ctx context.Context, table string, kind EventKind) {
	if err := s.redis.Publish(ctx, s.channel(table), string(kind)).Err(); err != nil {
		s.l.Error("failed to publish change event",
			zap.String("table", table),
			zap.String("kind", string(kind)),
			zap.Error(err))
	}
}

func (s *TarantoolStore) primaryKey(def spaceDef, row Row) []interface{} {
	primary := def.indexes[len(def.indexes)-1]
	for _, idx := range def.indexes {
		if idx.name == "primary" {
			primary = idx
		}
	}
	key := make([]interface{}, 0, len(primary.fields)+1)
	key = append(key, s.session)
	for _, f := range primary.fields {
		key = append(key, row[f])
	}
	return key
}
