package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/tarantool/go-tarantool"
	"go.uber.org/zap"
)

// fakeConn serves canned tuples so adapter paths run without a live server.
// With vanish set, deletes find nothing, as if a concurrent client removed
// the tuple first.
type fakeConn struct {
	tuples  [][]interface{}
	selects int
	vanish  bool
}

func (f *fakeConn) Select(_, _ interface{}, offset, limit, _ uint32, _ interface{}) (*tarantool.Response, error) {
	f.selects++
	start := int(offset)
	if start > len(f.tuples) {
		start = len(f.tuples)
	}
	end := start + int(limit)
	if end > len(f.tuples) {
		end = len(f.tuples)
	}

	data := make([]interface{}, 0, end-start)
	for _, tuple := range f.tuples[start:end] {
		data = append(data, []interface{}(tuple))
	}
	return &tarantool.Response{Data: data}, nil
}

func (f *fakeConn) Insert(_ interface{}, tuple interface{}) (*tarantool.Response, error) {
	f.tuples = append(f.tuples, tuple.([]interface{}))
	return &tarantool.Response{}, nil
}

func (f *fakeConn) Update(_, _ interface{}, _, _ interface{}) (*tarantool.Response, error) {
	return &tarantool.Response{}, nil
}

func (f *fakeConn) Delete(_, _ interface{}, key interface{}) (*tarantool.Response, error) {
	if f.vanish {
		return &tarantool.Response{}, nil
	}
	id := key.([]interface{})[1]
	for i, tuple := range f.tuples {
		if tuple[1] == id {
			f.tuples = append(f.tuples[:i], f.tuples[i+1:]...)
			return &tarantool.Response{Data: []interface{}{[]interface{}(tuple)}}, nil
		}
	}
	return &tarantool.Response{}, nil
}

func TestReadPagesThroughLargeTables(t *testing.T) {
	fc := &fakeConn{}
	total := selectPage + 3
	for i := 0; i < total; i++ {
		fc.tuples = append(fc.tuples, []interface{}{
			"s1", fmt.Sprintf("r%05d", i), "🎉", "Alice", int64(i + 1),
		})
	}
	s := NewTarantoolStore(fc, nil, "s1", zap.NewNop())

	rows, err := s.Read(context.Background(), TableReactions, nil)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(rows) != total {
		t.Fatalf("expected all %d rows, got %d", total, len(rows))
	}
	if fc.selects < 2 {
		t.Fatalf("expected the read to span pages, got %d fetch(es)", fc.selects)
	}
	if got := AsString(rows[total-1]["id"]); got != fmt.Sprintf("r%05d", total-1) {
		t.Fatalf("expected the last row past the page boundary, got %q", got)
	}
}

func TestDeleteCountsOnlyRemovedRows(t *testing.T) {
	fc := &fakeConn{
		tuples: [][]interface{}{{"s1", "v1", "p1", "o1", "Alice"}},
		vanish: true,
	}
	s := NewTarantoolStore(fc, nil, "s1", zap.NewNop())

	removed, err := s.Delete(context.Background(), TableVotes, Filter{"id": "v1"})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if removed != 0 {
		t.Fatalf("a tuple removed by another client must not count here, got %d", removed)
	}
}
