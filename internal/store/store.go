// Package store is the kernel's view of the backing data store: point queries with
// filters, row writes, and privileged procedure calls. Schema is an external contract.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound no row matched.
var ErrNotFound = errors.New("store: not found")

// Query a point query against one logical table.
type Query struct {
	Table   string
	Columns []string // empty selects all
	Filters []Filter
	OrderBy string
	Desc    bool
	Limit   int
}

// Store the capability the kernel needs from the backend.
type Store interface {
	Select(ctx context.Context, q Query) ([]Row, error)
	Count(ctx context.Context, table string, filters []Filter) (int, error)
	Insert(ctx context.Context, table string, row Row) (Row, error)
	Update(ctx context.Context, table string, filters []Filter, patch Row) (int, error)
	Delete(ctx context.Context, table string, filters []Filter) (int, error)
	// Call invokes a named, policy-gated procedure and returns its raw JSON result.
	Call(ctx context.Context, procedure string, params map[string]any) (json.RawMessage, error)
}

// ProcedureError a procedure (or policy) rejection reported by the backend.
type ProcedureError struct {
	Procedure string
	Code      string
	Message   string
	Hint      string
	Details   string
}

func (e *ProcedureError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("procedure %s rejected (%s): %s [%s]", e.Procedure, e.Code, e.Message, e.Hint)
	}
	return fmt.Sprintf("procedure %s rejected (%s): %s", e.Procedure, e.Code, e.Message)
}

// First returns the first row of q or ErrNotFound.
func First(ctx context.Context, s Store, q Query) (Row, error) {
	q.Limit = 1
	rows, err := s.Select(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows[0], nil
}
