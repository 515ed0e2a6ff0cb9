// Package storetest provides an in-memory Store and change feed for tests.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"hotmess-kernel/internal/changefeed"
	"hotmess-kernel/internal/store"
)

// ProcedureFunc handles Call for one procedure name.
type ProcedureFunc func(ctx context.Context, m *Memory, params map[string]any) (any, error)

// Memory is a store.Store and changefeed.Feed backed by maps. Writes notify
// subscribers synchronously, after the lock is released.
type Memory struct {
	mu         sync.Mutex
	tables     map[string][]store.Row
	procedures map[string]ProcedureFunc
	selectErrs map[string]error
	subErrs    map[string]error
	subs       map[string]map[uint64]changefeed.Handler
	nextSub    uint64
	nextRow    int
	calls      []string
}

var (
	_ store.Store     = (*Memory)(nil)
	_ changefeed.Feed = (*Memory)(nil)
)

func New() *Memory {
	return &Memory{
		tables:     make(map[string][]store.Row),
		procedures: make(map[string]ProcedureFunc),
		selectErrs: make(map[string]error),
		subErrs:    make(map[string]error),
		subs:       make(map[string]map[uint64]changefeed.Handler),
	}
}

// Seed stores rows without notifying subscribers.
func (m *Memory) Seed(table string, rows ...store.Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rows {
		m.tables[table] = append(m.tables[table], r.Clone())
	}
}

// FailSelect makes every Select on table return err.
func (m *Memory) FailSelect(table string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.selectErrs[table] = err
}

// FailSubscribe makes Subscribe on table return err.
func (m *Memory) FailSubscribe(table string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subErrs[table] = err
}

// HandleProcedure registers fn for Call(name).
func (m *Memory) HandleProcedure(name string, fn ProcedureFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.procedures[name] = fn
}

// Rows returns a copy of the table.
func (m *Memory) Rows(table string) []store.Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Row, 0, len(m.tables[table]))
	for _, r := range m.tables[table] {
		out = append(out, r.Clone())
	}
	return out
}

// Calls lists the procedure names invoked so far.
func (m *Memory) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// Subscribers reports the live subscription count for table.
func (m *Memory) Subscribers(table string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[table])
}

func (m *Memory) Select(_ context.Context, q store.Query) ([]store.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.selectErrs[q.Table]; err != nil {
		return nil, err
	}

	var out []store.Row
	for _, r := range m.tables[q.Table] {
		if store.MatchAll(q.Filters, r) {
			out = append(out, r.Clone())
		}
	}
	if q.OrderBy != "" {
		sort.SliceStable(out, func(i, j int) bool {
			if q.Desc {
				return store.Gt(q.OrderBy, out[j][q.OrderBy]).Match(out[i])
			}
			return store.Lt(q.OrderBy, out[j][q.OrderBy]).Match(out[i])
		})
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *Memory) Count(ctx context.Context, table string, filters []store.Filter) (int, error) {
	rows, err := m.Select(ctx, store.Query{Table: table, Filters: filters})
	return len(rows), err
}

// Insert assigns an id when the row has none.
func (m *Memory) Insert(_ context.Context, table string, row store.Row) (store.Row, error) {
	m.mu.Lock()
	stored := row.Clone()
	if _, ok := stored["id"]; !ok {
		m.nextRow++
		stored["id"] = fmt.Sprintf("%s-%d", table, m.nextRow)
	}
	m.tables[table] = append(m.tables[table], stored)
	m.mu.Unlock()

	m.Emit(changefeed.Change{Table: table, Op: changefeed.OpInsert, New: stored.Clone()})
	return stored.Clone(), nil
}

func (m *Memory) Update(_ context.Context, table string, filters []store.Filter, patch store.Row) (int, error) {
	m.mu.Lock()
	var changes []changefeed.Change
	for i, r := range m.tables[table] {
		if !store.MatchAll(filters, r) {
			continue
		}
		old := r.Clone()
		for k, v := range patch {
			r[k] = v
		}
		m.tables[table][i] = r
		changes = append(changes, changefeed.Change{Table: table, Op: changefeed.OpUpdate, New: r.Clone(), Old: old})
	}
	m.mu.Unlock()

	for _, c := range changes {
		m.Emit(c)
	}
	return len(changes), nil
}

func (m *Memory) Delete(_ context.Context, table string, filters []store.Filter) (int, error) {
	if len(filters) == 0 {
		return 0, fmt.Errorf("delete from %s: refusing unfiltered delete", table)
	}

	m.mu.Lock()
	var kept []store.Row
	var changes []changefeed.Change
	for _, r := range m.tables[table] {
		if store.MatchAll(filters, r) {
			changes = append(changes, changefeed.Change{Table: table, Op: changefeed.OpDelete, Old: r.Clone()})
			continue
		}
		kept = append(kept, r)
	}
	m.tables[table] = kept
	m.mu.Unlock()

	for _, c := range changes {
		m.Emit(c)
	}
	return len(changes), nil
}

func (m *Memory) Call(ctx context.Context, procedure string, params map[string]any) (json.RawMessage, error) {
	m.mu.Lock()
	fn, ok := m.procedures[procedure]
	m.calls = append(m.calls, procedure)
	m.mu.Unlock()

	if !ok {
		return nil, &store.ProcedureError{Procedure: procedure, Code: "42883", Message: "function does not exist"}
	}
	result, err := fn(ctx, m, params)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	return json.Marshal(result)
}

func (m *Memory) Subscribe(_ context.Context, table string, handler changefeed.Handler) (changefeed.Unsubscribe, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.subErrs[table]; err != nil {
		return nil, err
	}
	if m.subs[table] == nil {
		m.subs[table] = make(map[uint64]changefeed.Handler)
	}
	m.nextSub++
	id := m.nextSub
	m.subs[table][id] = handler

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs[table], id)
		})
	}, nil
}

// Emit delivers change to the table's subscribers without touching stored rows.
func (m *Memory) Emit(change changefeed.Change) {
	m.mu.Lock()
	handlers := make([]changefeed.Handler, 0, len(m.subs[change.Table]))
	for _, h := range m.subs[change.Table] {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()

	for _, h := range handlers {
		h(change)
	}
}
