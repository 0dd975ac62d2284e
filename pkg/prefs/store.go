// Package prefs persists per-user and per-room model preferences, usage
// statistics and the switch-history audit log.
//
// Two backends share the same logical schema: SQLite (the default, a single
// file next to the bot's data) and Postgres for shared deployments. Every
// mutation is a single statement; concurrent upserts to the same key are
// serialized by the backend's primary-key constraint.
package prefs

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ErrUnavailable wraps any failure talking to the backing database.
var ErrUnavailable = errors.New("storage unavailable")

// UserPreference is the model a user has chosen for themselves.
type UserPreference struct {
	UserID     string
	ModelID    string
	LastUsedAt time.Time
	UsageCount int64
}

// RoomPreference is the model set for everyone in a room.
type RoomPreference struct {
	RoomID  string
	ModelID string
	SetBy   string
	SetAt   time.Time
}

// UsageStat is one append-only usage fact. Empty UserID/RoomID are stored as NULL.
// A zero Timestamp means now.
type UsageStat struct {
	ModelID        string
	UserID         string
	RoomID         string
	TokensUsed     int
	ResponseTimeMs int64
	Timestamp      time.Time
}

// SwitchRecord is one append-only entry of the switch history.
type SwitchRecord struct {
	ID            string
	UserID        string
	RoomID        string
	PreviousModel string
	NewModel      string
	Scope         string
	Timestamp     time.Time
}

// HistoryFilter selects switch-history rows. Empty fields match everything.
type HistoryFilter struct {
	UserID string
	RoomID string
	Limit  int // default 20
}

// ModelUsage aggregates usage facts per model.
type ModelUsage struct {
	ModelID       string
	Requests      int64
	Tokens        int64
	AvgResponseMs float64
}

// Store is the preference persistence contract.
// Get methods return nil, nil when no record exists.
type Store interface {
	UpsertUserPreference(ctx context.Context, userID, modelID string) (*UserPreference, error)
	UpsertRoomPreference(ctx context.Context, roomID, modelID, setBy string) (*RoomPreference, error)
	GetUserPreference(ctx context.Context, userID string) (*UserPreference, error)
	GetRoomPreference(ctx context.Context, roomID string) (*RoomPreference, error)
	DeleteUserPreference(ctx context.Context, userID string) error
	DeleteRoomPreference(ctx context.Context, roomID string) error

	RecordUsage(ctx context.Context, u UsageStat) error
	RecordSwitch(ctx context.Context, r SwitchRecord) error
	PruneUsage(ctx context.Context, maxAgeDays int) (int64, error)

	SwitchHistory(ctx context.Context, f HistoryFilter) ([]SwitchRecord, error)
	UsageSummary(ctx context.Context, since time.Time) ([]ModelUsage, error)

	Close() error
}

const defaultHistoryLimit = 20

func pruneCutoff(maxAgeDays int) time.Time {
	return time.Now().UTC().AddDate(0, 0, -maxAgeDays)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
