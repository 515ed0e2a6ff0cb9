package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// Postgres talks to the backing database directly through lib/pq.
// Procedures are expected to return json or jsonb.
type Postgres struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgres wraps an open pool.
func NewPostgres(db *sql.DB, logger *zap.Logger) *Postgres {
	return &Postgres{db: db, logger: logger}
}

var sqlOps = map[Op]string{
	OpEq:  "=",
	OpNeq: "<>",
	OpGt:  ">",
	OpGte: ">=",
	OpLt:  "<",
	OpLte: "<=",
}

// whereClause renders filters starting at placeholder $start.
func whereClause(filters []Filter, start int) (string, []any, error) {
	if len(filters) == 0 {
		return "", nil, nil
	}
	parts := make([]string, 0, len(filters))
	args := make([]any, 0, len(filters))
	n := start
	for _, f := range filters {
		col := pq.QuoteIdentifier(f.Column)
		switch f.Op {
		case OpIsNull:
			parts = append(parts, col+" IS NULL")
		case OpNotNull:
			parts = append(parts, col+" IS NOT NULL")
		default:
			op, ok := sqlOps[f.Op]
			if !ok {
				return "", nil, fmt.Errorf("unsupported filter op %q", f.Op)
			}
			parts = append(parts, fmt.Sprintf("%s %s $%d", col, op, n))
			args = append(args, sqlValue(f.Value))
			n++
		}
	}
	return " WHERE " + strings.Join(parts, " AND "), args, nil
}

// sqlValue encodes maps and slices as JSON so they land in json/jsonb columns.
func sqlValue(v any) any {
	switch v.(type) {
	case map[string]any, []any, []string, Row:
		b, err := json.Marshal(v)
		if err != nil {
			return v
		}
		return string(b)
	}
	return v
}

func sortedKeys(row Row) []string {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Select runs a filtered SELECT.
func (p *Postgres) Select(ctx context.Context, q Query) ([]Row, error) {
	cols := "*"
	if len(q.Columns) > 0 {
		quoted := make([]string, len(q.Columns))
		for i, c := range q.Columns {
			quoted[i] = pq.QuoteIdentifier(c)
		}
		cols = strings.Join(quoted, ", ")
	}

	where, args, err := whereClause(q.Filters, 1)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT %s FROM %s%s", cols, pq.QuoteIdentifier(q.Table), where)
	if q.OrderBy != "" {
		query += " ORDER BY " + pq.QuoteIdentifier(q.OrderBy)
		if q.Desc {
			query += " DESC"
		}
	}
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", q.Table, err)
	}
	defer rows.Close()

	return scanRows(rows)
}

// Count runs SELECT COUNT(*).
func (p *Postgres) Count(ctx context.Context, table string, filters []Filter) (int, error) {
	where, args, err := whereClause(filters, 1)
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s%s", pq.QuoteIdentifier(table), where)

	var n int
	if err := p.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return n, nil
}

// Insert inserts row and returns the stored row.
func (p *Postgres) Insert(ctx context.Context, table string, row Row) (Row, error) {
	if len(row) == 0 {
		return nil, fmt.Errorf("insert into %s: empty row", table)
	}
	keys := sortedKeys(row)
	cols := make([]string, len(keys))
	marks := make([]string, len(keys))
	args := make([]any, len(keys))
	for i, k := range keys {
		cols[i] = pq.QuoteIdentifier(k)
		marks[i] = fmt.Sprintf("$%d", i+1)
		args[i] = sqlValue(row[k])
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING *",
		pq.QuoteIdentifier(table), strings.Join(cols, ", "), strings.Join(marks, ", "))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to insert into %s: %w", table, err)
	}
	defer rows.Close()

	out, err := scanRows(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("insert into %s returned no row", table)
	}
	return out[0], nil
}

// Update applies patch to every row matching filters.
func (p *Postgres) Update(ctx context.Context, table string, filters []Filter, patch Row) (int, error) {
	if len(patch) == 0 {
		return 0, fmt.Errorf("update %s: empty patch", table)
	}
	keys := sortedKeys(patch)
	sets := make([]string, len(keys))
	args := make([]any, 0, len(keys)+len(filters))
	for i, k := range keys {
		sets[i] = fmt.Sprintf("%s = $%d", pq.QuoteIdentifier(k), i+1)
		args = append(args, sqlValue(patch[k]))
	}

	where, whereArgs, err := whereClause(filters, len(keys)+1)
	if err != nil {
		return 0, err
	}
	args = append(args, whereArgs...)

	query := fmt.Sprintf("UPDATE %s SET %s%s", pq.QuoteIdentifier(table), strings.Join(sets, ", "), where)
	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to update %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return int(n), nil
}

// Delete removes every row matching filters. Filters are required.
func (p *Postgres) Delete(ctx context.Context, table string, filters []Filter) (int, error) {
	if len(filters) == 0 {
		return 0, fmt.Errorf("delete from %s: refusing unfiltered delete", table)
	}
	where, args, err := whereClause(filters, 1)
	if err != nil {
		return 0, err
	}
	res, err := p.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s%s", pq.QuoteIdentifier(table), where), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete from %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return int(n), nil
}

// Call invokes procedure with named arguments.
func (p *Postgres) Call(ctx context.Context, procedure string, params map[string]any) (json.RawMessage, error) {
	keys := sortedKeys(Row(params))
	named := make([]string, len(keys))
	args := make([]any, len(keys))
	for i, k := range keys {
		named[i] = fmt.Sprintf("%s => $%d", pq.QuoteIdentifier(k), i+1)
		args[i] = sqlValue(params[k])
	}

	query := fmt.Sprintf("SELECT (%s(%s))::text", pq.QuoteIdentifier(procedure), strings.Join(named, ", "))

	var result sql.NullString
	if err := p.db.QueryRowContext(ctx, query, args...).Scan(&result); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			return nil, &ProcedureError{
				Procedure: procedure,
				Code:      string(pqErr.Code),
				Message:   pqErr.Message,
				Hint:      pqErr.Hint,
				Details:   pqErr.Detail,
			}
		}
		return nil, fmt.Errorf("failed to call %s: %w", procedure, err)
	}

	if !result.Valid || result.String == "" {
		return nil, nil
	}
	return json.RawMessage(result.String), nil
}

func scanRows(rows *sql.Rows) ([]Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	var out []Row
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		row := make(Row, len(cols))
		for i, c := range cols {
			if b, ok := values[i].([]byte); ok {
				row[c] = string(b)
				continue
			}
			row[c] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}
	return out, nil
}
