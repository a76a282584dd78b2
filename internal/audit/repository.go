package audit

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

const entryColumns = `id, user_id, permission_name, action, resource_type, resource_id, scope, context,
	result, reason, ip_address, user_agent, session_id, created_at`

// PGRepository menyimpan log audit izin di PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository membuat repository audit baru.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Insert menambahkan satu entri dan mengembalikan id-nya.
func (r *PGRepository) Insert(ctx context.Context, e Entry) (int64, error) {
	raw, err := encodeContext(e.Context)
	if err != nil {
		return 0, err
	}
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	var id int64
	err = r.pool.QueryRow(ctx, `INSERT INTO permission_audit_logs
		(user_id, permission_name, action, resource_type, resource_id, scope, context,
		 result, reason, ip_address, user_agent, session_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id`,
		optionalInt8(e.UserID), e.PermissionName, e.Action, e.ResourceType, optionalText(e.ResourceID),
		optionalText(e.Scope), raw, string(e.Result), optionalText(e.Reason), optionalText(e.IPAddress),
		optionalText(e.UserAgent), optionalText(e.SessionID), toPgTime(createdAt),
	).Scan(&id)
	return id, err
}

// List mengambil entri terbaru lebih dulu dengan filter opsional.
func (r *PGRepository) List(ctx context.Context, f Filters, limit, offset int) ([]Entry, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+entryColumns+` FROM permission_audit_logs
		WHERE ($1::timestamptz IS NULL OR created_at >= $1)
		  AND ($2::timestamptz IS NULL OR created_at < $2)
		  AND ($3::bigint IS NULL OR user_id = $3)
		  AND ($4::text IS NULL OR permission_name = $4)
		  AND ($5::text IS NULL OR result = $5)
		ORDER BY created_at DESC, id DESC
		LIMIT $6 OFFSET $7`,
		toPgTime(f.From), toPgTime(f.To), optionalInt8(f.UserID), optionalText(strings.ToLower(f.Permission)),
		optionalText(string(f.Result)), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PermissionStats mengelompokkan entri sejak since per (permission, result).
func (r *PGRepository) PermissionStats(ctx context.Context, since time.Time) ([]PermissionStat, error) {
	rows, err := r.pool.Query(ctx, `SELECT permission_name, result, COUNT(*), COUNT(DISTINCT user_id)
		FROM permission_audit_logs
		WHERE created_at >= $1
		GROUP BY permission_name, result
		ORDER BY COUNT(*) DESC, permission_name, result`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PermissionStat
	for rows.Next() {
		var (
			s      PermissionStat
			result string
		)
		if err := rows.Scan(&s.PermissionName, &result, &s.Count, &s.UniqueUsers); err != nil {
			return nil, err
		}
		s.Result = Result(result)
		out = append(out, s)
	}
	return out, rows.Err()
}

// TopUsers mengembalikan aktor dengan volume pemeriksaan terbesar sejak since.
func (r *PGRepository) TopUsers(ctx context.Context, since time.Time, limit int) ([]UserActivity, error) {
	rows, err := r.pool.Query(ctx, `SELECT user_id, COUNT(*),
			COUNT(*) FILTER (WHERE result = 'denied'), MAX(created_at)
		FROM permission_audit_logs
		WHERE created_at >= $1 AND user_id IS NOT NULL
		GROUP BY user_id
		ORDER BY COUNT(*) DESC, user_id
		LIMIT $2`, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []UserActivity
	for rows.Next() {
		var u UserActivity
		if err := rows.Scan(&u.UserID, &u.Checks, &u.Denied, &u.LastSeen); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// DeleteBefore menghapus entri yang lebih tua dari cutoff (retensi).
func (r *PGRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM permission_audit_logs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanEntry(row pgx.Row) (Entry, error) {
	var (
		e                                                  Entry
		userID                                             pgtype.Int8
		resourceID, scope, reason, ip, ua, session, result pgtype.Text
		raw                                                []byte
	)
	if err := row.Scan(&e.ID, &userID, &e.PermissionName, &e.Action, &e.ResourceType, &resourceID, &scope,
		&raw, &result, &reason, &ip, &ua, &session, &e.CreatedAt); err != nil {
		return Entry{}, err
	}
	if userID.Valid {
		id := userID.Int64
		e.UserID = &id
	}
	e.ResourceID = resourceID.String
	e.Scope = scope.String
	e.Result = Result(result.String)
	e.Reason = reason.String
	e.IPAddress = ip.String
	e.UserAgent = ua.String
	e.SessionID = session.String
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &e.Context); err != nil {
			return Entry{}, err
		}
	}
	return e, nil
}

func encodeContext(ctx map[string]any) ([]byte, error) {
	if len(ctx) == 0 {
		return []byte(`{}`), nil
	}
	return json.Marshal(ctx)
}

func toPgTime(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t, Valid: true}
}

func optionalText(value string) pgtype.Text {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: trimmed, Valid: true}
}

func optionalInt8(v *int64) pgtype.Int8 {
	if v == nil {
		return pgtype.Int8{}
	}
	return pgtype.Int8{Int64: *v, Valid: true}
}
