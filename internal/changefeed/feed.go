// Package changefeed delivers INSERT/UPDATE/DELETE notifications per logical table.
// Backends are swappable: LISTEN/NOTIFY, the hosted realtime websocket, or a redis stream.
package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"hotmess-kernel/internal/store"
)

// Op kind of row change.
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// ParseOp accepts any casing.
func ParseOp(s string) (Op, error) {
	switch Op(strings.ToUpper(s)) {
	case OpInsert:
		return OpInsert, nil
	case OpUpdate:
		return OpUpdate, nil
	case OpDelete:
		return OpDelete, nil
	}
	return "", fmt.Errorf("unknown change op %q", s)
}

// Change one row change. New is empty for deletes; Old may be partial depending on
// the table's replica identity.
type Change struct {
	Table string    `json:"table"`
	Op    Op        `json:"op"`
	New   store.Row `json:"new,omitempty"`
	Old   store.Row `json:"old,omitempty"`
}

// Row returns the row that identifies the change: Old for deletes, New otherwise.
func (c Change) Row() store.Row {
	if c.Op == OpDelete {
		if len(c.Old) > 0 {
			return c.Old
		}
		return c.New
	}
	return c.New
}

// Handler receives changes for one table. Calls for a given subscription are serialized.
type Handler func(Change)

// Unsubscribe releases a subscription. Safe to call more than once.
type Unsubscribe func()

// Feed subscribes to changes of a logical table.
type Feed interface {
	Subscribe(ctx context.Context, table string, handler Handler) (Unsubscribe, error)
}

// wirePayload is the JSON shape emitted by the change triggers. Both the short
// {op,new,old} form and the hosted realtime {type,record,old_record} form are accepted.
type wirePayload struct {
	Table     string    `json:"table"`
	Op        string    `json:"op"`
	Type      string    `json:"type"`
	New       store.Row `json:"new"`
	Old       store.Row `json:"old"`
	Record    store.Row `json:"record"`
	OldRecord store.Row `json:"old_record"`
}

// DecodePayload parses a trigger payload. table is used when the payload omits it.
func DecodePayload(table string, raw []byte) (Change, error) {
	var p wirePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Change{}, fmt.Errorf("failed to decode change payload: %w", err)
	}
	return p.change(table)
}

func (p wirePayload) change(table string) (Change, error) {
	opName := p.Op
	if opName == "" {
		opName = p.Type
	}
	op, err := ParseOp(opName)
	if err != nil {
		return Change{}, err
	}

	c := Change{Table: p.Table, Op: op, New: p.New, Old: p.Old}
	if c.Table == "" {
		c.Table = table
	}
	if c.New == nil {
		c.New = p.Record
	}
	if c.Old == nil {
		c.Old = p.OldRecord
	}
	if len(c.Row()) == 0 {
		return Change{}, fmt.Errorf("change payload for %s carries no row", c.Table)
	}
	return c, nil
}
