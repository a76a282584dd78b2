package security

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tammerofficial/workshop01-sub008/internal/platform/db"
)

const eventColumns = `id, event_type, severity, user_id, ip_address, user_agent, event_data, action_taken,
	investigated, investigation_notes, resolved_at, created_at`

// PGRepository stores security events in PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PGRepository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Insert persists a new event.
func (r *PGRepository) Insert(ctx context.Context, e Event) (Event, error) {
	data, err := json.Marshal(nonNilData(e.EventData))
	if err != nil {
		return Event{}, err
	}
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	row := r.pool.QueryRow(ctx, `INSERT INTO security_events
		(event_type, severity, user_id, ip_address, user_agent, event_data, action_taken, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+eventColumns,
		string(e.EventType), string(e.Severity), optionalInt8(e.UserID), optionalText(e.IPAddress),
		optionalText(e.UserAgent), data, optionalText(e.ActionTaken), createdAt)
	return scanEvent(row)
}

// CountByIP counts events of one type from ip created at or after since.
func (r *PGRepository) CountByIP(ctx context.Context, eventType EventType, ip string, since time.Time) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM security_events
		WHERE event_type = $1 AND ip_address = $2 AND created_at >= $3`,
		string(eventType), ip, since).Scan(&n)
	return n, err
}

// Get fetches one event.
func (r *PGRepository) Get(ctx context.Context, id int64) (Event, error) {
	e, err := scanEvent(r.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM security_events WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Event{}, ErrNotFound
	}
	return e, err
}

// List returns events newest first.
func (r *PGRepository) List(ctx context.Context, f ListFilters, limit, offset int) ([]Event, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+eventColumns+` FROM security_events
		WHERE ($1::text IS NULL OR event_type = $1)
		  AND ($2::text IS NULL OR severity = $2)
		  AND ($3::timestamptz IS NULL OR created_at >= $3)
		  AND ($4::timestamptz IS NULL OR created_at < $4)
		  AND (CASE $5::text
		         WHEN 'open' THEN NOT investigated AND resolved_at IS NULL
		         WHEN 'investigated' THEN investigated AND resolved_at IS NULL
		         WHEN 'resolved' THEN resolved_at IS NOT NULL
		         ELSE TRUE END)
		ORDER BY created_at DESC, id DESC
		LIMIT $6 OFFSET $7`,
		optionalText(string(f.EventType)), optionalText(string(f.Severity)), optionalTime(f.From),
		optionalTime(f.To), optionalText(f.Status), limit, offset)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

// Since returns every event created at or after since.
func (r *PGRepository) Since(ctx context.Context, since time.Time) ([]Event, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+eventColumns+` FROM security_events
		WHERE created_at >= $1 ORDER BY created_at`, since)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

// Update applies fn to the locked row and saves the lifecycle fields.
func (r *PGRepository) Update(ctx context.Context, id int64, fn func(*Event) error) (Event, error) {
	var out Event
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		e, err := scanEvent(tx.QueryRow(ctx, `SELECT `+eventColumns+` FROM security_events WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if err := fn(&e); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE security_events
			SET investigated = $2, investigation_notes = $3, resolved_at = $4
			WHERE id = $1`, id, e.Investigated, optionalText(e.InvestigationNotes), e.ResolvedAt); err != nil {
			return err
		}
		out = e
		return nil
	})
	if err != nil {
		return Event{}, err
	}
	return out, nil
}

// DeleteResolvedBefore removes resolved events older than cutoff.
func (r *PGRepository) DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM security_events WHERE resolved_at IS NOT NULL AND created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func collectEvents(rows pgx.Rows) ([]Event, error) {
	defer rows.Close()
	var out []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEvent(row pgx.Row) (Event, error) {
	var (
		e                     Event
		eventType, severity   string
		userID                pgtype.Int8
		ip, ua, action, notes pgtype.Text
		resolvedAt            pgtype.Timestamptz
		raw                   []byte
	)
	if err := row.Scan(&e.ID, &eventType, &severity, &userID, &ip, &ua, &raw, &action,
		&e.Investigated, &notes, &resolvedAt, &e.CreatedAt); err != nil {
		return Event{}, err
	}
	e.EventType = EventType(eventType)
	e.Severity = Severity(severity)
	if userID.Valid {
		id := userID.Int64
		e.UserID = &id
	}
	e.IPAddress = ip.String
	e.UserAgent = ua.String
	e.ActionTaken = action.String
	e.InvestigationNotes = notes.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		e.ResolvedAt = &t
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &e.EventData); err != nil {
			return Event{}, err
		}
	}
	return e, nil
}

func nonNilData(data map[string]any) map[string]any {
	if data == nil {
		return map[string]any{}
	}
	return data
}

func optionalText(v string) pgtype.Text {
	if v == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: v, Valid: true}
}

func optionalInt8(v *int64) pgtype.Int8 {
	if v == nil {
		return pgtype.Int8{}
	}
	return pgtype.Int8{Int64: *v, Valid: true}
}

func optionalTime(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t, Valid: true}
}
