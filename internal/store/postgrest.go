package store

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"hotmess-kernel/common/config"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// PostgREST talks to the hosted backend over its REST surface (/rest/v1).
type PostgREST struct {
	http   *resty.Client
	schema string
	logger *zap.Logger
}

// postgrestError is the JSON error body PostgREST returns for 4xx/5xx.
type postgrestError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Hint    string `json:"hint"`
	Details string `json:"details"`
	Error   string `json:"error"`
}

// NewPostgREST creates a client for cfg.URL authenticated with cfg.APIKey.
func NewPostgREST(cfg config.SupabaseConfig, logger *zap.Logger) (*PostgREST, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("postgrest: URL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("postgrest: API key is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := resty.New().
		SetBaseURL(strings.TrimSuffix(cfg.URL, "/") + "/rest/v1").
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("apikey", cfg.APIKey).
		SetAuthToken(cfg.APIKey).
		SetHeader("Accept", "application/json")

	return &PostgREST{http: client, schema: cfg.Schema, logger: logger}, nil
}

func formatValue(v any) string {
	switch val := v.(type) {
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case *time.Time:
		if val == nil {
			return "null"
		}
		return val.UTC().Format(time.RFC3339Nano)
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

// filterParams renders filters in PostgREST's col=op.value form.
func filterParams(filters []Filter) (url.Values, error) {
	params := url.Values{}
	for _, f := range filters {
		switch f.Op {
		case OpIsNull:
			params.Add(f.Column, "is.null")
		case OpNotNull:
			params.Add(f.Column, "not.is.null")
		case OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte:
			params.Add(f.Column, string(f.Op)+"."+formatValue(f.Value))
		default:
			return nil, fmt.Errorf("unsupported filter op %q", f.Op)
		}
	}
	return params, nil
}

func (p *PostgREST) request(ctx context.Context) *resty.Request {
	req := p.http.R().SetContext(ctx)
	if p.schema != "" {
		req.SetHeader("Accept-Profile", p.schema).SetHeader("Content-Profile", p.schema)
	}
	return req
}

func decodeError(resp *resty.Response) postgrestError {
	var body postgrestError
	_ = json.Unmarshal(resp.Body(), &body)
	if body.Message == "" {
		body.Message = body.Error
	}
	if body.Message == "" {
		body.Message = fmt.Sprintf("status %d", resp.StatusCode())
	}
	return body
}

func tableError(op, table string, resp *resty.Response) error {
	body := decodeError(resp)
	return fmt.Errorf("postgrest %s %s: %s", op, table, body.Message)
}

func decodeRows(resp *resty.Response) ([]Row, error) {
	var rows []Row
	if len(resp.Body()) == 0 {
		return rows, nil
	}
	if err := json.Unmarshal(resp.Body(), &rows); err != nil {
		return nil, fmt.Errorf("failed to decode rows: %w", err)
	}
	return rows, nil
}

// Select issues GET /<table>.
func (p *PostgREST) Select(ctx context.Context, q Query) ([]Row, error) {
	params, err := filterParams(q.Filters)
	if err != nil {
		return nil, err
	}
	if len(q.Columns) > 0 {
		params.Set("select", strings.Join(q.Columns, ","))
	}
	if q.OrderBy != "" {
		dir := "asc"
		if q.Desc {
			dir = "desc"
		}
		params.Set("order", q.OrderBy+"."+dir)
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}

	resp, err := p.request(ctx).SetQueryParamsFromValues(params).Get("/" + q.Table)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", q.Table, err)
	}
	if resp.IsError() {
		return nil, tableError("select", q.Table, resp)
	}
	return decodeRows(resp)
}

// Count reads the exact count from the Content-Range header.
func (p *PostgREST) Count(ctx context.Context, table string, filters []Filter) (int, error) {
	params, err := filterParams(filters)
	if err != nil {
		return 0, err
	}
	params.Set("limit", "0")

	resp, err := p.request(ctx).
		SetQueryParamsFromValues(params).
		SetHeader("Prefer", "count=exact").
		Get("/" + table)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	if resp.IsError() {
		return 0, tableError("count", table, resp)
	}

	// Content-Range: 0-9/42 or */42
	cr := resp.Header().Get("Content-Range")
	idx := strings.LastIndex(cr, "/")
	if idx < 0 {
		return 0, fmt.Errorf("count %s: missing Content-Range", table)
	}
	n, err := strconv.Atoi(cr[idx+1:])
	if err != nil {
		return 0, fmt.Errorf("count %s: bad Content-Range %q", table, cr)
	}
	return n, nil
}

// Insert issues POST /<table> and returns the representation.
func (p *PostgREST) Insert(ctx context.Context, table string, row Row) (Row, error) {
	resp, err := p.request(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Prefer", "return=representation").
		SetBody(row).
		Post("/" + table)
	if err != nil {
		return nil, fmt.Errorf("failed to insert into %s: %w", table, err)
	}
	if resp.IsError() {
		return nil, tableError("insert", table, resp)
	}
	rows, err := decodeRows(resp)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("insert into %s returned no row", table)
	}
	return rows[0], nil
}

// Update issues PATCH /<table>?filters and returns the number of rows changed.
func (p *PostgREST) Update(ctx context.Context, table string, filters []Filter, patch Row) (int, error) {
	params, err := filterParams(filters)
	if err != nil {
		return 0, err
	}
	resp, err := p.request(ctx).
		SetQueryParamsFromValues(params).
		SetHeader("Content-Type", "application/json").
		SetHeader("Prefer", "return=representation").
		SetBody(patch).
		Patch("/" + table)
	if err != nil {
		return 0, fmt.Errorf("failed to update %s: %w", table, err)
	}
	if resp.IsError() {
		return 0, tableError("update", table, resp)
	}
	rows, err := decodeRows(resp)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

// Delete issues DELETE /<table>?filters. Filters are required.
func (p *PostgREST) Delete(ctx context.Context, table string, filters []Filter) (int, error) {
	if len(filters) == 0 {
		return 0, fmt.Errorf("delete from %s: refusing unfiltered delete", table)
	}
	params, err := filterParams(filters)
	if err != nil {
		return 0, err
	}
	resp, err := p.request(ctx).
		SetQueryParamsFromValues(params).
		SetHeader("Prefer", "return=representation").
		Delete("/" + table)
	if err != nil {
		return 0, fmt.Errorf("failed to delete from %s: %w", table, err)
	}
	if resp.IsError() {
		return 0, tableError("delete", table, resp)
	}
	rows, err := decodeRows(resp)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

// Call issues POST /rpc/<procedure>. Any 4xx/5xx becomes a ProcedureError.
func (p *PostgREST) Call(ctx context.Context, procedure string, params map[string]any) (json.RawMessage, error) {
	if params == nil {
		params = map[string]any{}
	}
	resp, err := p.request(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(params).
		Post("/rpc/" + procedure)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", procedure, err)
	}
	if resp.IsError() {
		body := decodeError(resp)
		p.logger.Warn("Procedure rejected",
			zap.String("procedure", procedure),
			zap.Int("status", resp.StatusCode()),
			zap.String("code", body.Code),
		)
		return nil, &ProcedureError{
			Procedure: procedure,
			Code:      body.Code,
			Message:   body.Message,
			Hint:      body.Hint,
			Details:   body.Details,
		}
	}
	if len(resp.Body()) == 0 {
		return nil, nil
	}
	return json.RawMessage(resp.Body()), nil
}
