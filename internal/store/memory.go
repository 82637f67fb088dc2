package store

import (
	"context"
	"sync"

	"github.com/Jolteous/JahaanVote/internal/models"
)

// uniqueKeys mirrors the unique indexes declared in deploy/tarantool, so
// engine tests exercise the same race-breaking behavior as the live store.
var uniqueKeys = map[string][][]string{
	TableParticipants: {{"name"}},
	TablePolls:        {{"id"}},
	TableOptions:      {{"id"}},
	TableVotes:        {{"id"}, {"poll_id", "participant_name"}},
	TableMessages:     {{"id"}},
	TablePresence:     {{"participant_name"}},
	TableBlocklist:    {{"participant_name"}},
	TableReactions:    {{"id"}},
}

// MemoryStore is a process-local Store with the same unique indexes and
// change-feed semantics as the Tarantool adapter. It exists so engine tests
// run without a live Tarantool/Redis pair and can feed the notification
// pipeline deterministically via Emit.
type MemoryStore struct {
	mu     sync.Mutex
	tables map[string][]Row
	subs   map[string][]chan Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tables: make(map[string][]Row),
		subs:   make(map[string][]chan Event),
	}
}

func cloneRow(row Row) Row {
	out := make(Row, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

func (m *MemoryStore) Read(_ context.Context, table string, filter Filter) ([]Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Row
	for _, row := range m.tables[table] {
		if matches(row, filter) {
			out = append(out, cloneRow(row))
		}
	}
	return out, nil
}

func (m *MemoryStore) Insert(_ context.Context, table string, row Row) (Row, error) {
	m.mu.Lock()
	for _, key := range uniqueKeys[table] {
		for _, existing := range m.tables[table] {
			same := true
			for _, f := range key {
				if existing[f] != row[f] {
					same = false
					break
				}
			}
			if same {
				m.mu.Unlock()
				return nil, models.ErrConstraintViolation
			}
		}
	}
	m.tables[table] = append(m.tables[table], cloneRow(row))
	m.mu.Unlock()

	m.Emit(table, EventCreate)
	return cloneRow(row), nil
}

func (m *MemoryStore) Update(_ context.Context, table string, filter Filter, patch Row) error {
	m.mu.Lock()
	changed := false
	for _, row := range m.tables[table] {
		if matches(row, filter) {
			for f, v := range patch {
				row[f] = v
			}
			changed = true
		}
	}
	m.mu.Unlock()

	if changed {
		m.Emit(table, EventUpdate)
	}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, table string, filter Filter) (int, error) {
	m.mu.Lock()
	kept := m.tables[table][:0]
	removed := 0
	for _, row := range m.tables[table] {
		if matches(row, filter) {
			removed++
			continue
		}
		kept = append(kept, row)
	}
	m.tables[table] = kept
	m.mu.Unlock()

	if removed > 0 {
		m.Emit(table, EventDelete)
	}
	return removed, nil
}

func (m *MemoryStore) AtomicAdjust(_ context.Context, table, id, field string, delta int) error {
	m.mu.Lock()
	adjusted := false
	for _, row := range m.tables[table] {
		if AsString(row["id"]) == id {
			row[field] = AsInt(row[field]) + delta
			adjusted = true
		}
	}
	m.mu.Unlock()

	if adjusted {
		m.Emit(table, EventUpdate)
	}
	return nil
}

func (m *MemoryStore) Subscribe(_ context.Context, table string) (<-chan Event, func(), error) {
	ch := make(chan Event, 8)

	m.mu.Lock()
	m.subs[table] = append(m.subs[table], ch)
	m.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			subs := m.subs[table]
			for i, sub := range subs {
				if sub == ch {
					m.subs[table] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
			close(ch)
			m.mu.Unlock()
		})
	}
	return ch, cancel, nil
}

// Emit delivers a synthetic change event to every subscriber of the table.
// Full subscriber buffers drop the event, matching the coalescing the live
// feed performs under bursts.
func (m *MemoryStore) Emit(table string, kind EventKind) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ch := range m.subs[table] {
		select {
		case ch <- Event{Table: table, Kind: kind}:
		default:
		}
	}
}
