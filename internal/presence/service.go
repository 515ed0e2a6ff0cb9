// Package presence is the write path for "live now" rows. Going live is a
// policy-gated procedure; the other operations touch only the actor's own row.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"hotmess-kernel/internal/geo"
	"hotmess-kernel/internal/metrics"
	"hotmess-kernel/internal/models"
	"hotmess-kernel/internal/store"

	"go.uber.org/zap"
)

const (
	DefaultTable           = "presence"
	DefaultGoLiveMinutes   = 60
	DefaultExtendMinutes   = 30
	MaxDurationMinutes     = 24 * 60
	ProcedureGoLive        = "go_live"
	defaultActiveListLimit = 200
)

// Options tune a Service. Zero values pick the defaults.
type Options struct {
	Table         string
	GoLiveMinutes int
	ExtendMinutes int
	Metrics       *metrics.Metrics
	Now           func() time.Time
}

// Service presence operations for authenticated actors.
type Service struct {
	store         store.Store
	table         string
	goLiveMinutes int
	extendMinutes int
	metrics       *metrics.Metrics
	now           func() time.Time
	logger        *zap.Logger
}

func NewService(st store.Store, opts Options, logger *zap.Logger) *Service {
	if opts.Table == "" {
		opts.Table = DefaultTable
	}
	if opts.GoLiveMinutes <= 0 {
		opts.GoLiveMinutes = DefaultGoLiveMinutes
	}
	if opts.ExtendMinutes <= 0 {
		opts.ExtendMinutes = DefaultExtendMinutes
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		store:         st,
		table:         opts.Table,
		goLiveMinutes: opts.GoLiveMinutes,
		extendMinutes: opts.ExtendMinutes,
		metrics:       opts.Metrics,
		now:           opts.Now,
		logger:        logger,
	}
}

// Filters narrows ActivePresence.
type Filters struct {
	Mode  *models.PresenceMode
	Limit int
}

// GoLive asks the backend to create or replace the actor's presence row.
// A zero durationMinutes uses the default.
func (s *Service) GoLive(ctx context.Context, actor models.Actor, mode models.PresenceMode, coords *models.Coords, durationMinutes int) (row *models.PresenceRow, err error) {
	defer func() { s.metrics.ObservePresence("go_live", err) }()

	if !actor.Authenticated() {
		return nil, ErrNotAuthenticated
	}
	if _, err := models.ParsePresenceMode(string(mode)); err != nil {
		return nil, fmt.Errorf("presence: %w", err)
	}
	if coords != nil && !coords.Valid() {
		return nil, ErrInvalidCoordinates
	}
	if durationMinutes == 0 {
		durationMinutes = s.goLiveMinutes
	}
	if durationMinutes < 0 || durationMinutes > MaxDurationMinutes {
		return nil, fmt.Errorf("%w: %d minutes", ErrInvalidDuration, durationMinutes)
	}

	params := map[string]any{
		"p_user_id":          actor.UserID,
		"p_mode":             string(mode),
		"p_duration_minutes": durationMinutes,
		"p_lat":              nil,
		"p_lng":              nil,
	}
	if coords != nil {
		params["p_lat"] = coords.Lat
		params["p_lng"] = coords.Lng
	}

	raw, err := s.store.Call(ctx, ProcedureGoLive, params)
	if err != nil {
		err = classify(ProcedureGoLive, err)
		var policyErr *PolicyError
		if errors.As(err, &policyErr) {
			s.logger.Info("Go live rejected by policy",
				zap.String("user_id", actor.UserID),
				zap.String("reason", string(policyErr.Reason)),
			)
		}
		return nil, err
	}

	if p, ok := decodeProcedureRow(raw); ok {
		s.logger.Debug("Actor went live",
			zap.String("user_id", actor.UserID),
			zap.String("mode", string(mode)),
			zap.Time("expires_at", p.ExpiresAt),
		)
		return p, nil
	}

	// Procedure returned no row body; read back what it wrote.
	return s.IsActorLive(ctx, actor)
}

// StopLive deletes the actor's row. Not being live is not an error.
func (s *Service) StopLive(ctx context.Context, actor models.Actor) (err error) {
	defer func() { s.metrics.ObservePresence("stop_live", err) }()

	if !actor.Authenticated() {
		return ErrNotAuthenticated
	}
	n, err := s.store.Delete(ctx, s.table, []store.Filter{store.Eq("user_id", actor.UserID)})
	if err != nil {
		return fmt.Errorf("presence: stop live: %w", err)
	}
	s.logger.Debug("Actor stopped live", zap.String("user_id", actor.UserID), zap.Int("rows", n))
	return nil
}

// ExtendLive sets expires_at to now+minutes. Zero minutes uses the default.
func (s *Service) ExtendLive(ctx context.Context, actor models.Actor, minutes int) (expiresAt time.Time, err error) {
	defer func() { s.metrics.ObservePresence("extend_live", err) }()

	if !actor.Authenticated() {
		return time.Time{}, ErrNotAuthenticated
	}
	if minutes == 0 {
		minutes = s.extendMinutes
	}
	if minutes < 0 || minutes > MaxDurationMinutes {
		return time.Time{}, fmt.Errorf("%w: %d minutes", ErrInvalidDuration, minutes)
	}

	now := s.now().UTC()
	expiresAt = now.Add(time.Duration(minutes) * time.Minute)
	n, err := s.store.Update(ctx, s.table, s.ownActiveRow(actor, now), store.Row{"expires_at": expiresAt})
	if err != nil {
		return time.Time{}, fmt.Errorf("presence: extend live: %w", err)
	}
	if n == 0 {
		return time.Time{}, ErrNotLive
	}
	return expiresAt, nil
}

// UpdateLiveLocation replaces only the geo column of the actor's active row.
func (s *Service) UpdateLiveLocation(ctx context.Context, actor models.Actor, lat, lng float64) (err error) {
	defer func() { s.metrics.ObservePresence("update_location", err) }()

	if !actor.Authenticated() {
		return ErrNotAuthenticated
	}
	c := models.Coords{Lat: lat, Lng: lng}
	if !c.Valid() {
		return ErrInvalidCoordinates
	}

	n, err := s.store.Update(ctx, s.table, s.ownActiveRow(actor, s.now().UTC()), store.Row{"geo": geo.EncodeWKT(c)})
	if err != nil {
		return fmt.Errorf("presence: update location: %w", err)
	}
	if n == 0 {
		return ErrNotLive
	}
	return nil
}

// ActivePresenceCount counts unexpired rows, optionally for one mode.
func (s *Service) ActivePresenceCount(ctx context.Context, mode *models.PresenceMode) (int, error) {
	filters := []store.Filter{store.Gt("expires_at", s.now().UTC())}
	if mode != nil {
		filters = append(filters, store.Eq("mode", string(*mode)))
	}
	n, err := s.store.Count(ctx, s.table, filters)
	if err != nil {
		return 0, fmt.Errorf("presence: count active: %w", err)
	}
	return n, nil
}

// ActivePresence lists unexpired rows, newest first.
func (s *Service) ActivePresence(ctx context.Context, f Filters) ([]models.PresenceRow, error) {
	now := s.now().UTC()
	filters := []store.Filter{store.Gt("expires_at", now)}
	if f.Mode != nil {
		filters = append(filters, store.Eq("mode", string(*f.Mode)))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultActiveListLimit
	}

	rows, err := s.store.Select(ctx, store.Query{
		Table:   s.table,
		Filters: filters,
		OrderBy: "created_at",
		Desc:    true,
		Limit:   limit,
	})
	if err != nil {
		return nil, fmt.Errorf("presence: list active: %w", err)
	}

	out := make([]models.PresenceRow, 0, len(rows))
	for _, r := range rows {
		p, err := FromRow(r)
		if err != nil {
			s.logger.Warn("Skipping malformed presence row", zap.Error(err))
			continue
		}
		// Guard against backends whose clock differs from ours.
		if !p.Active(now) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// IsActorLive returns the actor's active row, or nil when not live.
func (s *Service) IsActorLive(ctx context.Context, actor models.Actor) (*models.PresenceRow, error) {
	if !actor.Authenticated() {
		return nil, ErrNotAuthenticated
	}
	row, err := store.First(ctx, s.store, store.Query{
		Table:   s.table,
		Filters: s.ownActiveRow(actor, s.now().UTC()),
		OrderBy: "created_at",
		Desc:    true,
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("presence: lookup: %w", err)
	}
	p, err := FromRow(row)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Service) ownActiveRow(actor models.Actor, now time.Time) []store.Filter {
	return []store.Filter{
		store.Eq("user_id", actor.UserID),
		store.Gt("expires_at", now),
	}
}

// FromRow reads a presence row in any shape the backends return.
func FromRow(r store.Row) (models.PresenceRow, error) {
	var p models.PresenceRow

	userID, ok := r.String("user_id")
	if !ok || userID == "" {
		return p, fmt.Errorf("presence: row without user_id")
	}
	expires, ok := r.Time("expires_at")
	if !ok {
		return p, fmt.Errorf("presence: row for %s without expires_at", userID)
	}

	p.UserID = userID
	p.ExpiresAt = expires.UTC()
	p.ID, _ = r.String("id")
	if mode, ok := r.String("mode"); ok {
		p.Mode = models.PresenceMode(mode)
	}
	if created, ok := r.Time("created_at"); ok {
		p.CreatedAt = created.UTC()
	}
	if c, ok := geo.Normalize(r); ok {
		p.Geo = &c
	}
	return p, nil
}

// decodeProcedureRow accepts a row object or a one-element array.
func decodeProcedureRow(raw json.RawMessage) (*models.PresenceRow, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var row store.Row
	if err := json.Unmarshal(raw, &row); err != nil {
		var rows []store.Row
		if err := json.Unmarshal(raw, &rows); err != nil || len(rows) == 0 {
			return nil, false
		}
		row = rows[0]
	}
	p, err := FromRow(row)
	if err != nil {
		return nil, false
	}
	return &p, true
}
