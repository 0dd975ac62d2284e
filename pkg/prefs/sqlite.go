package prefs

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const sqliteTimeFormat = "2006-01-02 15:04:05"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS user_model_preferences (
	user_id      TEXT PRIMARY KEY,
	model_id     TEXT NOT NULL,
	last_used_at TEXT NOT NULL,
	usage_count  INTEGER NOT NULL DEFAULT 1
);
CREATE TABLE IF NOT EXISTS room_model_preferences (
	room_id  TEXT PRIMARY KEY,
	model_id TEXT NOT NULL,
	set_by   TEXT,
	set_at   TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS model_usage_stats (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	model_id         TEXT NOT NULL,
	user_id          TEXT,
	room_id          TEXT,
	tokens_used      INTEGER NOT NULL DEFAULT 0,
	response_time_ms INTEGER NOT NULL DEFAULT 0,
	timestamp        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_timestamp ON model_usage_stats(timestamp);
CREATE INDEX IF NOT EXISTS idx_usage_model ON model_usage_stats(model_id);
CREATE TABLE IF NOT EXISTS model_switch_history (
	id             TEXT PRIMARY KEY,
	user_id        TEXT,
	room_id        TEXT,
	previous_model TEXT,
	new_model      TEXT NOT NULL,
	scope          TEXT NOT NULL,
	timestamp      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_switch_user ON model_switch_history(user_id);
CREATE INDEX IF NOT EXISTS idx_switch_room ON model_switch_history(room_id);
CREATE INDEX IF NOT EXISTS idx_switch_timestamp ON model_switch_history(timestamp);
`

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore is the default Store backed by a local SQLite file.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens (creating if needed) the preference database at path.
// ":memory:" gives a private in-memory database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	var dsn string
	if path == ":memory:" {
		dsn = "file::memory:?_pragma=busy_timeout(5000)"
	} else {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create store dir: %w", err)
			}
		}
		// WAL for concurrent reads alongside the prune job
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open preference db: %w", err)
	}
	if path == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping preference db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init preference schema: %w", err)
	}

	slog.Info("preference store opened", "driver", "sqlite", "path", path)
	return &SQLiteStore{db: db, path: path}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) UpsertUserPreference(ctx context.Context, userID, modelID string) (*UserPreference, error) {
	now := time.Now().UTC().Format(sqliteTimeFormat)

	var p UserPreference
	var lastUsed string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO user_model_preferences (user_id, model_id, last_used_at, usage_count)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(user_id) DO UPDATE SET
			model_id = excluded.model_id,
			last_used_at = excluded.last_used_at,
			usage_count = user_model_preferences.usage_count + 1
		RETURNING user_id, model_id, last_used_at, usage_count
	`, userID, modelID, now).Scan(&p.UserID, &p.ModelID, &lastUsed, &p.UsageCount)
	if err != nil {
		return nil, fmt.Errorf("upsert user preference: %w: %w", ErrUnavailable, err)
	}
	p.LastUsedAt = parseTime(lastUsed)
	return &p, nil
}

func (s *SQLiteStore) UpsertRoomPreference(ctx context.Context, roomID, modelID, setBy string) (*RoomPreference, error) {
	now := time.Now().UTC().Format(sqliteTimeFormat)

	var p RoomPreference
	var setByCol sql.NullString
	var setAt string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO room_model_preferences (room_id, model_id, set_by, set_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(room_id) DO UPDATE SET
			model_id = excluded.model_id,
			set_by = excluded.set_by,
			set_at = excluded.set_at
		RETURNING room_id, model_id, set_by, set_at
	`, roomID, modelID, nullString(setBy), now).Scan(&p.RoomID, &p.ModelID, &setByCol, &setAt)
	if err != nil {
		return nil, fmt.Errorf("upsert room preference: %w: %w", ErrUnavailable, err)
	}
	p.SetBy = setByCol.String
	p.SetAt = parseTime(setAt)
	return &p, nil
}

func (s *SQLiteStore) GetUserPreference(ctx context.Context, userID string) (*UserPreference, error) {
	var p UserPreference
	var lastUsed string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, model_id, last_used_at, usage_count
		FROM user_model_preferences WHERE user_id = ?
	`, userID).Scan(&p.UserID, &p.ModelID, &lastUsed, &p.UsageCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user preference: %w: %w", ErrUnavailable, err)
	}
	p.LastUsedAt = parseTime(lastUsed)
	return &p, nil
}

func (s *SQLiteStore) GetRoomPreference(ctx context.Context, roomID string) (*RoomPreference, error) {
	var p RoomPreference
	var setBy sql.NullString
	var setAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT room_id, model_id, set_by, set_at
		FROM room_model_preferences WHERE room_id = ?
	`, roomID).Scan(&p.RoomID, &p.ModelID, &setBy, &setAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get room preference: %w: %w", ErrUnavailable, err)
	}
	p.SetBy = setBy.String
	p.SetAt = parseTime(setAt)
	return &p, nil
}

func (s *SQLiteStore) DeleteUserPreference(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM user_model_preferences WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete user preference: %w: %w", ErrUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteRoomPreference(ctx context.Context, roomID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM room_model_preferences WHERE room_id = ?`, roomID); err != nil {
		return fmt.Errorf("delete room preference: %w: %w", ErrUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) RecordUsage(ctx context.Context, u UsageStat) error {
	ts := u.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO model_usage_stats (model_id, user_id, room_id, tokens_used, response_time_ms, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, u.ModelID, nullString(u.UserID), nullString(u.RoomID), u.TokensUsed, u.ResponseTimeMs,
		ts.UTC().Format(sqliteTimeFormat))
	if err != nil {
		return fmt.Errorf("record usage: %w: %w", ErrUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) RecordSwitch(ctx context.Context, r SwitchRecord) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	ts := r.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO model_switch_history (id, user_id, room_id, previous_model, new_model, scope, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.ID, nullString(r.UserID), nullString(r.RoomID), nullString(r.PreviousModel), r.NewModel, r.Scope,
		ts.UTC().Format(sqliteTimeFormat))
	if err != nil {
		return fmt.Errorf("record switch: %w: %w", ErrUnavailable, err)
	}
	return nil
}

// PruneUsage deletes usage rows older than maxAgeDays and returns how many went.
func (s *SQLiteStore) PruneUsage(ctx context.Context, maxAgeDays int) (int64, error) {
	cutoff := pruneCutoff(maxAgeDays).Format(sqliteTimeFormat)
	result, err := s.db.ExecContext(ctx, `DELETE FROM model_usage_stats WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune usage: %w: %w", ErrUnavailable, err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

func (s *SQLiteStore) SwitchHistory(ctx context.Context, f HistoryFilter) ([]SwitchRecord, error) {
	var conditions []string
	var args []interface{}
	if f.UserID != "" {
		conditions = append(conditions, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.RoomID != "" {
		conditions = append(conditions, "room_id = ?")
		args = append(args, f.RoomID)
	}

	query := `SELECT id, user_id, room_id, previous_model, new_model, scope, timestamp FROM model_switch_history`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	query += fmt.Sprintf(" ORDER BY timestamp DESC, rowid DESC LIMIT %d", limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("switch history: %w: %w", ErrUnavailable, err)
	}
	defer rows.Close()

	var records []SwitchRecord
	for rows.Next() {
		var r SwitchRecord
		var userID, roomID, prev sql.NullString
		var ts string
		if err := rows.Scan(&r.ID, &userID, &roomID, &prev, &r.NewModel, &r.Scope, &ts); err != nil {
			return nil, fmt.Errorf("scan switch record: %w", err)
		}
		r.UserID = userID.String
		r.RoomID = roomID.String
		r.PreviousModel = prev.String
		r.Timestamp = parseTime(ts)
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) UsageSummary(ctx context.Context, since time.Time) ([]ModelUsage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT model_id, COUNT(*), COALESCE(SUM(tokens_used), 0), COALESCE(AVG(response_time_ms), 0)
		FROM model_usage_stats
		WHERE timestamp >= ?
		GROUP BY model_id
		ORDER BY COUNT(*) DESC, model_id ASC
	`, since.UTC().Format(sqliteTimeFormat))
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

// parseTime parses a datetime string from SQLite, handling multiple formats.
func parseTime(s string) time.Time {
	formats := []string{
		time.RFC3339,
		sqliteTimeFormat,
		"2006-01-02T15:04:05",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
