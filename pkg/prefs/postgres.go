package prefs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ Store = (*PostgresStore)(nil)

// PostgresStore is a Store backed by a shared Postgres database.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to pgURL, verifies the connection and creates the
// schema if it does not exist.
func OpenPostgres(ctx context.Context, pgURL string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(pgURL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w: %w", ErrUnavailable, err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.init(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	slog.Info("preference store opened", "driver", "postgres")
	return s, nil
}

func (s *PostgresStore) init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS user_model_preferences (
			user_id      TEXT PRIMARY KEY,
			model_id     TEXT NOT NULL,
			last_used_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			usage_count  BIGINT NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS room_model_preferences (
			room_id  TEXT PRIMARY KEY,
			model_id TEXT NOT NULL,
			set_by   TEXT,
			set_at   TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS model_usage_stats (
			id               BIGSERIAL PRIMARY KEY,
			model_id         TEXT NOT NULL,
			user_id          TEXT,
			room_id          TEXT,
			tokens_used      INTEGER NOT NULL DEFAULT 0,
			response_time_ms BIGINT NOT NULL DEFAULT 0,
			timestamp        TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_timestamp ON model_usage_stats(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_model ON model_usage_stats(model_id)`,
		`CREATE TABLE IF NOT EXISTS model_switch_history (
			id             UUID PRIMARY KEY,
			user_id        TEXT,
			room_id        TEXT,
			previous_model TEXT,
			new_model      TEXT NOT NULL,
			scope          TEXT NOT NULL,
			timestamp      TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_switch_user ON model_switch_history(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_switch_room ON model_switch_history(room_id)`,
		`CREATE INDEX IF NOT EXISTS idx_switch_timestamp ON model_switch_history(timestamp)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init preference schema: %w", err)
		}
	}
	return nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) UpsertUserPreference(ctx context.Context, userID, modelID string) (*UserPreference, error) {
	var p UserPreference
	err := s.pool.QueryRow(ctx, `
		INSERT INTO user_model_preferences (user_id, model_id, last_used_at, usage_count)
		VALUES ($1, $2, now(), 1)
		ON CONFLICT (user_id) DO UPDATE SET
			model_id = EXCLUDED.model_id,
			last_used_at = EXCLUDED.last_used_at,
			usage_count = user_model_preferences.usage_count + 1
		RETURNING user_id, model_id, last_used_at, usage_count
	`, userID, modelID).Scan(&p.UserID, &p.ModelID, &p.LastUsedAt, &p.UsageCount)
	if err != nil {
		return nil, fmt.Errorf("upsert user preference: %w: %w", ErrUnavailable, err)
	}
	return &p, nil
}

func (s *PostgresStore) UpsertRoomPreference(ctx context.Context, roomID, modelID, setBy string) (*RoomPreference, error) {
	var p RoomPreference
	var setByCol *string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO room_model_preferences (room_id, model_id, set_by, set_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (room_id) DO UPDATE SET
			model_id = EXCLUDED.model_id,
			set_by = EXCLUDED.set_by,
			set_at = EXCLUDED.set_at
		RETURNING room_id, model_id, set_by, set_at
	`, roomID, modelID, nullString(setBy)).Scan(&p.RoomID, &p.ModelID, &setByCol, &p.SetAt)
	if err != nil {
		return nil, fmt.Errorf("upsert room preference: %w: %w", ErrUnavailable, err)
	}
	if setByCol != nil {
		p.SetBy = *setByCol
	}
	return &p, nil
}

func (s *PostgresStore) GetUserPreference(ctx context.Context, userID string) (*UserPreference, error) {
	var p UserPreference
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, model_id, last_used_at, usage_count
		FROM user_model_preferences WHERE user_id = $1
	`, userID).Scan(&p.UserID, &p.ModelID, &p.LastUsedAt, &p.UsageCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user preference: %w: %w", ErrUnavailable, err)
	}
	return &p, nil
}

func (s *PostgresStore) GetRoomPreference(ctx context.Context, roomID string) (*RoomPreference, error) {
	var p RoomPreference
	var setBy *string
	err := s.pool.QueryRow(ctx, `
		SELECT room_id, model_id, set_by, set_at
		FROM room_model_preferences WHERE room_id = $1
	`, roomID).Scan(&p.RoomID, &p.ModelID, &setBy, &p.SetAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get room preference: %w: %w", ErrUnavailable, err)
	}
	if setBy != nil {
		p.SetBy = *setBy
	}
	return &p, nil
}

func (s *PostgresStore) DeleteUserPreference(ctx context.Context, userID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM user_model_preferences WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("delete user preference: %w: %w", ErrUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) DeleteRoomPreference(ctx context.Context, roomID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM room_model_preferences WHERE room_id = $1`, roomID); err != nil {
		return fmt.Errorf("delete room preference: %w: %w", ErrUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) RecordUsage(ctx context.Context, u UsageStat) error {
	ts := u.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO model_usage_stats (model_id, user_id, room_id, tokens_used, response_time_ms, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, u.ModelID, nullString(u.UserID), nullString(u.RoomID), u.TokensUsed, u.ResponseTimeMs, ts.UTC())
	if err != nil {
		return fmt.Errorf("record usage: %w: %w", ErrUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) RecordSwitch(ctx context.Context, r SwitchRecord) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	ts := r.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO model_switch_history (id, user_id, room_id, previous_model, new_model, scope, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, r.ID, nullString(r.UserID), nullString(r.RoomID), nullString(r.PreviousModel), r.NewModel, r.Scope, ts.UTC())
	if err != nil {
		return fmt.Errorf("record switch: %w: %w", ErrUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) PruneUsage(ctx context.Context, maxAgeDays int) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM model_usage_stats WHERE timestamp < $1`, pruneCutoff(maxAgeDays))
	if err != nil {
		return 0, fmt.Errorf("prune usage: %w: %w", ErrUnavailable, err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) SwitchHistory(ctx context.Context, f HistoryFilter) ([]SwitchRecord, error) {
	var conditions []string
	var args []interface{}
	if f.UserID != "" {
		args = append(args, f.UserID)
		conditions = append(conditions, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if f.RoomID != "" {
		args = append(args, f.RoomID)
		conditions = append(conditions, fmt.Sprintf("room_id = $%d", len(args)))
	}

	query := `SELECT id::text, user_id, room_id, previous_model, new_model, scope, timestamp FROM model_switch_history`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	query += fmt.Sprintf(" ORDER BY timestamp DESC LIMIT %d", limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("switch history: %w: %w", ErrUnavailable, err)
	}
	defer rows.Close()

	var records []SwitchRecord
	for rows.Next() {
		var r SwitchRecord
		var userID, roomID, prev *string
		if err := rows.Scan(&r.ID, &userID, &roomID, &prev, &r.NewModel, &r.Scope, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("scan switch record: %w", err)
		}
		r.UserID = deref(userID)
		r.RoomID = deref(roomID)
		r.PreviousModel = deref(prev)
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *PostgresStore) UsageSummary(ctx context.Context, since time.Time) ([]ModelUsage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT model_id, COUNT(*), COALESCE(SUM(tokens_used), 0), COALESCE(AVG(response_time_ms), 0)::float8
		FROM model_usage_stats
		WHERE timestamp >= $1
		GROUP BY model_id
		ORDER BY COUNT(*) DESC, model_id ASC
	`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("usage summary: %w: %w", ErrUnavailable, err)
	}
	defer rows.Close()

	var out []ModelUsage
	for rows.Next() {
		var u ModelUsage
		if err := rows.Scan(&u.ModelID, &u.Requests, &u.Tokens, &u.AvgResponseMs); err != nil {
			return nil, fmt.Errorf("scan usage summary: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
