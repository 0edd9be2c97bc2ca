package backend

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"dinecache/internal/model"
)

// Repository is the SQL implementation shared by Postgres and SQLite. Timestamps are
// stored as unix nanoseconds so both dialects compare them the same way.
type Repository struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

type Option func(*Repository)

func WithClock(now func() time.Time) Option {
	return func(r *Repository) { r.now = now }
}

func NewRepository(db *sql.DB, driver string, opts ...Option) *Repository {
	r := &Repository{db: db, driver: driver, now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

type enrichmentGroups struct {
	Reviews      *model.ReviewData      `json:"reviews,omitempty"`
	Reservations *model.ReservationData `json:"reservations,omitempty"`
}

func (r *Repository) q(query string) string { return rebind(r.driver, query) }

func nanos(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNanos(n sql.NullInt64) time.Time {
	if !n.Valid {
		return time.Time{}
	}
	return time.Unix(0, n.Int64).UTC()
}

func nullFloat(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

// UpsertRestaurant inserts or replaces the base fields. Status and enrichment are kept.
func (r *Repository) UpsertRestaurant(ctx context.Context, rest model.Restaurant) error {
	if rest.ID == "" {
		return errors.New("restaurant id is required")
	}
	updated := rest.UpdatedAt
	if updated.IsZero() {
		updated = r.now()
	}
	_, err := r.db.ExecContext(ctx, r.q(`
		INSERT INTO restaurants (id, name, cuisine, price_level, latitude, longitude, external_ref, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			cuisine = excluded.cuisine,
			price_level = excluded.price_level,
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			external_ref = excluded.external_ref,
			updated_at = excluded.updated_at`),
		rest.ID, rest.Name, rest.Cuisine, rest.PriceLevel,
		nullFloat(rest.Latitude), nullFloat(rest.Longitude), rest.ExternalRef, nanos(updated))
	if err != nil {
		return fmt.Errorf("upsert restaurant %s: %w", rest.ID, err)
	}
	return nil
}

const recordColumns = `id, name, cuisine, price_level, latitude, longitude, external_ref, updated_at, status, enrichment`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(s rowScanner) (model.Record, error) {
	var (
		rec                model.Record
		lat, lng           sql.NullFloat64
		updated            sql.NullInt64
		status, enrichment sql.NullString
	)
	if err := s.Scan(&rec.ID, &rec.Name, &rec.Cuisine, &rec.PriceLevel, &lat, &lng,
		&rec.ExternalRef, &updated, &status, &enrichment); err != nil {
		return model.Record{}, err
	}
	rec.Latitude, rec.Longitude = floatPtr(lat), floatPtr(lng)
	rec.UpdatedAt = fromNanos(updated)
	rec.Status = model.RestaurantStatus{Status: model.StatusUnknown}
	if status.Valid && status.String != "" {
		if err := json.Unmarshal([]byte(status.String), &rec.Status); err != nil {
			return model.Record{}, fmt.Errorf("decode status %s: %w", rec.ID, err)
		}
	}
	rec.Enrichment = model.EnrichedRestaurant{Restaurant: rec.Restaurant}
	if enrichment.Valid && enrichment.String != "" {
		var g enrichmentGroups
		if err := json.Unmarshal([]byte(enrichment.String), &g); err != nil {
			return model.Record{}, fmt.Errorf("decode enrichment %s: %w", rec.ID, err)
		}
		rec.Enrichment.Reviews, rec.Enrichment.Reservations = g.Reviews, g.Reservations
	}
	return rec, nil
}

func (r *Repository) Get(ctx context.Context, id string) (model.Record, error) {
	row := r.db.QueryRowContext(ctx, r.q(`SELECT `+recordColumns+` FROM restaurants WHERE id = ?`), id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Record{}, fmt.Errorf("restaurant %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return model.Record{}, fmt.Errorf("get restaurant %s: %w", id, err)
	}
	return rec, nil
}

func (r *Repository) queryRecords(ctx context.Context, query string, args ...any) ([]model.Record, error) {
	rows, err := r.db.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListStale returns restaurants never checked or last checked before the cutoff: never
// checked first, then oldest first, then by id.
func (r *Repository) ListStale(ctx context.Context, before time.Time, limit int) ([]model.Restaurant, error) {
	recs, err := r.queryRecords(ctx, `SELECT `+recordColumns+` FROM restaurants
		WHERE last_checked IS NULL OR last_checked < ?
		ORDER BY CASE WHEN last_checked IS NULL THEN 0 ELSE 1 END, last_checked ASC, id ASC
		LIMIT ?`, before.UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("list stale: %w", err)
	}
	out := make([]model.Restaurant, len(recs))
	for i, rec := range recs {
		out[i] = rec.Restaurant
	}
	return out, nil
}

// RestaurantsUpdatedSince returns records positioned after the cursor (since, afterID) in
// (updated_at, id) order. Rows sharing since are only skipped up to afterID, so a page edge
// inside a run of equal timestamps loses nothing. limit <= 0 means no limit.
func (r *Repository) RestaurantsUpdatedSince(ctx context.Context, since time.Time, afterID string, limit int) ([]model.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM restaurants
		WHERE updated_at > ? OR (updated_at = ? AND id > ?)
		ORDER BY updated_at ASC, id ASC`
	ts := since.UnixNano()
	if since.IsZero() {
		ts = int64(math.MinInt64)
	}
	args := []any{ts, ts, afterID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	recs, err := r.queryRecords(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("restaurants since %s: %w", since.Format(time.RFC3339), err)
	}
	return recs, nil
}

// SaveStatus stores st unless a status with an equal or newer LastChecked is held. It
// reports whether st was applied.
func (r *Repository) SaveStatus(ctx context.Context, id string, st model.RestaurantStatus) (bool, error) {
	if st.LastChecked.IsZero() {
		return false, fmt.Errorf("status %s without lastChecked: %w", id, model.ErrConflictIgnored)
	}
	b, err := json.Marshal(st)
	if err != nil {
		return false, fmt.Errorf("encode status: %w", err)
	}
	checked := st.LastChecked.UnixNano()
	res, err := r.db.ExecContext(ctx, r.q(`
		UPDATE restaurants SET status = ?, last_checked = ?, updated_at = ?
		WHERE id = ? AND (last_checked IS NULL OR last_checked < ?)`),
		string(b), checked, r.now().UnixNano(), id, checked)
	if err != nil {
		return false, fmt.Errorf("save status %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	if _, err := r.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// SaveEnrichment overlays the non-nil provider groups of e onto the stored ones. A group a
// provider failed to deliver this time keeps its previous value.
func (r *Repository) SaveEnrichment(ctx context.Context, id string, e model.EnrichedRestaurant) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var raw sql.NullString
	err = tx.QueryRowContext(ctx, r.q(`SELECT enrichment FROM restaurants WHERE id = ?`), id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("restaurant %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("load enrichment %s: %w", id, err)
	}
	var g enrichmentGroups
	if raw.Valid && raw.String != "" {
		if err := json.Unmarshal([]byte(raw.String), &g); err != nil {
			return fmt.Errorf("decode enrichment %s: %w", id, err)
		}
	}
	if e.Reviews != nil {
		g.Reviews = e.Reviews
	}
	if e.Reservations != nil {
		g.Reservations = e.Reservations
	}
	b, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("encode enrichment: %w", err)
	}
	if _, err := tx.ExecContext(ctx, r.q(`UPDATE restaurants SET enrichment = ?, updated_at = ? WHERE id = ?`),
		string(b), r.now().UnixNano(), id); err != nil {
		return fmt.Errorf("save enrichment %s: %w", id, err)
	}
	return tx.Commit()
}

// InsertOrder stores an order pushed by a client. An id that is already present yields
// ErrSyncConflict.
func (r *Repository) InsertOrder(ctx context.Context, o model.Order) error {
	if o.ID == "" || o.UserID == "" {
		return errors.New("order id and user id are required")
	}
	b, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode order: %w", err)
	}
	created := o.CreatedAt
	if created.IsZero() {
		created = r.now()
	}
	res, err := r.db.ExecContext(ctx, r.q(`
		INSERT INTO orders (id, user_id, restaurant_id, payload, created_at, received_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`),
		o.ID, o.UserID, o.RestaurantID, string(b), created.UnixNano(), r.now().UnixNano())
	if err != nil {
		return fmt.Errorf("insert order %s: %w", o.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("order %s: %w", o.ID, model.ErrSyncConflict)
	}
	return nil
}

// OrdersForUserSince lists the user's orders created strictly after since, oldest first.
func (r *Repository) OrdersForUserSince(ctx context.Context, userID string, since time.Time) ([]model.Order, error) {
	from := int64(math.MinInt64)
	if !since.IsZero() {
		from = since.UnixNano()
	}
	rows, err := r.db.QueryContext(ctx, r.q(`SELECT payload FROM orders
		WHERE user_id = ? AND created_at > ? ORDER BY created_at ASC, id ASC`), userID, from)
	if err != nil {
		return nil, fmt.Errorf("orders for %s: %w", userID, err)
	}
	defer rows.Close()
	out := []model.Order{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var o model.Order
		if err := json.Unmarshal([]byte(raw), &o); err != nil {
			return nil, fmt.Errorf("decode order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
