// Package switcher resolves and changes the language model used for a
// user/room pair.
//
// A Switcher is the single owner of the process-lifetime session default and
// the current catalog snapshot. Persisted per-user and per-room overrides live
// in a prefs.Store. Resolution order is user, then room, then session.
package switcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nous-labs/modelswitch/pkg/catalog"
	"github.com/nous-labs/modelswitch/pkg/events"
	"github.com/nous-labs/modelswitch/pkg/intent"
	"github.com/nous-labs/modelswitch/pkg/prefs"
	"github.com/nous-labs/modelswitch/pkg/scope"
)

var (
	// ErrInvalidFormat means the id is not "<provider>/<name>".
	ErrInvalidFormat = errors.New("invalid model id")
	// ErrModelUnavailable means the id is well formed but not in the catalog.
	ErrModelUnavailable = errors.New("model not available")
	// ErrStorageUnavailable is the same sentinel the stores wrap.
	ErrStorageUnavailable = prefs.ErrUnavailable
)

// Options configures a Switcher. All fields are optional.
type Options struct {
	// DefaultModel seeds the session tier. Falls back to the first catalog entry.
	DefaultModel string
	// Sources is what Reload loads from.
	Sources  catalog.Sources
	Detector *intent.Detector
	Events   *events.Bus
}

// Request is the target of a switch.
type Request struct {
	UserID string
	RoomID string
	Scopes scope.Set // empty means session
}

// TelemetryOutcome carries best-effort write failures. They never fail a switch.
type TelemetryOutcome struct {
	HistoryErr error
	UsageErr   error
}

// OK reports whether every telemetry write succeeded.
func (t TelemetryOutcome) OK() bool { return t.HistoryErr == nil && t.UsageErr == nil }

// Result describes an applied switch.
type Result struct {
	Model string // the resolved id that was applied

	// Previous and Current are the session-tier values around the switch,
	// whichever tiers were touched.
	Previous string
	Current  string

	Scopes    scope.Set
	Persisted []scope.Scope // tiers written to the store

	// StorageErr is set when a user or room write failed. The session tier
	// is updated in that case so the caller is not blocked.
	StorageErr error
	Telemetry  TelemetryOutcome

	// SessionSet is true when the session tier took the new model.
	SessionSet bool
}

// Applied reports whether any tier changed. A user or room scope without
// the matching id applies nothing.
func (r *Result) Applied() bool {
	return r.SessionSet || len(r.Persisted) > 0
}

// Switcher is safe for concurrent use.
type Switcher struct {
	store        prefs.Store
	detector     *intent.Detector
	bus          *events.Bus
	sources      catalog.Sources
	defaultModel string

	mu      sync.RWMutex
	cat     *catalog.Catalog
	session string
}

// New returns a Switcher over cat and store.
func New(cat *catalog.Catalog, store prefs.Store, opts Options) (*Switcher, error) {
	if cat == nil {
		return nil, fmt.Errorf("catalog is required")
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	det := opts.Detector
	if det == nil {
		det = intent.Default()
	}
	s := &Switcher{
		store:        store,
		detector:     det,
		bus:          opts.Events,
		sources:      opts.Sources,
		defaultModel: opts.DefaultModel,
		cat:          cat,
	}
	s.session = s.initialModel(cat)
	return s, nil
}

func (s *Switcher) initialModel(cat *catalog.Catalog) string {
	if s.defaultModel != "" {
		id := cat.ResolveAlias(s.defaultModel)
		if cat.Validate(id) {
			return id
		}
		slog.Warn("default model not in catalog", "model", s.defaultModel, "source", cat.Source())
	}
	if models := cat.Models(); len(models) > 0 {
		return models[0].ID
	}
	return ""
}

// Snapshot returns the current catalog.
func (s *Switcher) Snapshot() *catalog.Catalog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cat
}

// Catalog lists models in the current catalog matching f.
func (s *Switcher) Catalog(f catalog.Filter) []catalog.Descriptor {
	return s.Snapshot().List(f)
}

// SessionModel returns the session-tier default.
func (s *Switcher) SessionModel() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session
}

// EffectiveModel resolves the model for a user/room pair. Either id may be
// empty. A tier whose read fails is skipped.
func (s *Switcher) EffectiveModel(ctx context.Context, userID, roomID string) string {
	id, _ := s.Resolve(ctx, userID, roomID)
	return id
}

// Resolve is EffectiveModel that also reports which tier answered.
func (s *Switcher) Resolve(ctx context.Context, userID, roomID string) (string, scope.Scope) {
	if userID != "" {
		p, err := s.store.GetUserPreference(ctx, userID)
		if err != nil {
			slog.Warn("user preference read failed", "user", userID, "error", err)
		} else if p != nil {
			return p.ModelID, scope.User
		}
	}
	if roomID != "" {
		p, err := s.store.GetRoomPreference(ctx, roomID)
		if err != nil {
			slog.Warn("room preference read failed", "room", roomID, "error", err)
		} else if p != nil {
			return p.ModelID, scope.Room
		}
	}
	return s.SessionModel(), scope.Session
}

// ResolveAlias maps an alias to its model id in the current catalog. Other
// tokens come back trimmed and otherwise unchanged.
func (s *Switcher) ResolveAlias(token string) string {
	return s.Snapshot().ResolveAlias(strings.TrimSpace(token))
}

// SwitchModel validates modelID and applies it to the requested tiers.
// modelID must be a full "<provider>/<name>" id; callers accepting aliases
// resolve them first with ResolveAlias. The error is ErrInvalidFormat or
// ErrModelUnavailable; storage and telemetry failures are reported on the
// Result.
func (s *Switcher) SwitchModel(ctx context.Context, modelID string, req Request) (*Result, error) {
	id := strings.TrimSpace(modelID)
	if !catalog.ValidFormat(id) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidFormat, id)
	}
	if !s.Snapshot().Validate(id) {
		return nil, fmt.Errorf("%w: %s", ErrModelUnavailable, id)
	}

	scopes := req.Scopes
	if scopes.Empty() {
		scopes = scope.Of(scope.Session)
	}
	before := s.EffectiveModel(ctx, req.UserID, req.RoomID)
	res := &Result{Model: id, Scopes: scopes}

	var storageErrs []error
	if scopes.Has(scope.User) && req.UserID != "" {
		if _, err := s.store.UpsertUserPreference(ctx, req.UserID, id); err != nil {
			storageErrs = append(storageErrs, fmt.Errorf("save user preference: %w: %w", ErrStorageUnavailable, err))
		} else {
			res.Persisted = append(res.Persisted, scope.User)
		}
	}
	if scopes.Has(scope.Room) && req.RoomID != "" {
		if _, err := s.store.UpsertRoomPreference(ctx, req.RoomID, id, req.UserID); err != nil {
			storageErrs = append(storageErrs, fmt.Errorf("save room preference: %w: %w", ErrStorageUnavailable, err))
		} else {
			res.Persisted = append(res.Persisted, scope.Room)
		}
	}
	res.StorageErr = errors.Join(storageErrs...)

	s.mu.Lock()
	res.Previous = s.session
	if scopes.SessionTier() || res.StorageErr != nil {
		s.session = id
		res.SessionSet = true
	}
	res.Current = s.session
	s.mu.Unlock()

	if res.StorageErr != nil {
		slog.Warn("preference write failed, applied to session only", "model", id, "error", res.StorageErr)
	}

	if !res.Applied() {
		slog.Info("switch applied to no tier", "model", id, "scope", scopes.String(), "user", req.UserID, "room", req.RoomID)
		return res, nil
	}

	res.Telemetry = s.recordSwitch(ctx, req, before, id, scopes)

	slog.Info("model switched", "model", id, "scope", scopes.String(), "user", req.UserID, "room", req.RoomID)
	s.bus.Publish(events.Event{
		Type:     events.TypeSwitch,
		ModelID:  id,
		Previous: before,
		UserID:   req.UserID,
		RoomID:   req.RoomID,
		Scope:    scopes.String(),
	})
	return res, nil
}

func (s *Switcher) recordSwitch(ctx context.Context, req Request, previous, id string, scopes scope.Set) TelemetryOutcome {
	var out TelemetryOutcome
	now := time.Now().UTC()
	err := s.store.RecordSwitch(ctx, prefs.SwitchRecord{
		ID:            uuid.NewString(),
		UserID:        req.UserID,
		RoomID:        req.RoomID,
		PreviousModel: previous,
		NewModel:      id,
		Scope:         scopes.String(),
		Timestamp:     now,
	})
	if err != nil {
		out.HistoryErr = fmt.Errorf("record switch: %w", err)
		slog.Warn("switch history write failed", "error", err)
	}
	err = s.store.RecordUsage(ctx, prefs.UsageStat{
		ModelID:   id,
		UserID:    req.UserID,
		RoomID:    req.RoomID,
		Timestamp: now,
	})
	if err != nil {
		out.UsageErr = fmt.Errorf("record usage: %w", err)
		slog.Warn("usage write failed", "error", err)
	}
	return out
}

// TrySwitchFromText runs intent detection on text and, on a match, switches
// with the detected scope. Both results are nil when text is not a switch
// request.
func (s *Switcher) TrySwitchFromText(ctx context.Context, text, userID, roomID string) (*Result, *intent.Detection, error) {
	det := s.detector.Detect(text, s.Snapshot())
	if det == nil {
		return nil, nil, nil
	}
	slog.Debug("switch intent detected",
		"model", det.ModelID,
		"scope", det.Scope,
		"confidence", det.Confidence,
		"keywords", det.MatchedKeywords,
	)
	res, err := s.SwitchModel(ctx, det.ModelID, Request{
		UserID: userID,
		RoomID: roomID,
		Scopes: scope.Of(det.Scope),
	})
	return res, det, err
}

// Reset removes overrides in the given tiers. The session tier returns to
// the configured default.
func (s *Switcher) Reset(ctx context.Context, userID, roomID string, scopes scope.Set) error {
	var errs []error
	if scopes.Has(scope.User) && userID != "" {
		if err := s.store.DeleteUserPreference(ctx, userID); err != nil {
			errs = append(errs, fmt.Errorf("delete user preference: %w: %w", ErrStorageUnavailable, err))
		}
	}
	if scopes.Has(scope.Room) && roomID != "" {
		if err := s.store.DeleteRoomPreference(ctx, roomID); err != nil {
			errs = append(errs, fmt.Errorf("delete room preference: %w: %w", ErrStorageUnavailable, err))
		}
	}
	if scopes.SessionTier() {
		s.mu.Lock()
		s.session = s.initialModel(s.cat)
		s.mu.Unlock()
	}
	s.bus.Publish(events.Event{Type: events.TypeReset, UserID: userID, RoomID: roomID, Scope: scopes.String()})
	return errors.Join(errs...)
}

// Reload rebuilds the catalog from the configured sources. The session
// default survives if the new catalog still has it.
func (s *Switcher) Reload(ctx context.Context) *catalog.Catalog {
	cat := catalog.Load(ctx, s.sources)

	s.mu.Lock()
	s.cat = cat
	if !cat.Validate(s.session) {
		prev := s.session
		s.session = s.initialModel(cat)
		slog.Warn("session model dropped by reload", "previous", prev, "current", s.session)
	}
	s.mu.Unlock()

	s.bus.Publish(events.Event{Type: events.TypeReload, Source: cat.Source(), Message: fmt.Sprintf("%d models", cat.Len())})
	return cat
}

// History returns recent switches, newest first.
func (s *Switcher) History(ctx context.Context, f prefs.HistoryFilter) ([]prefs.SwitchRecord, error) {
	recs, err := s.store.SwitchHistory(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("switch history: %w", err)
	}
	return recs, nil
}

// Usage aggregates usage facts since the given time.
func (s *Switcher) Usage(ctx context.Context, since time.Time) ([]prefs.ModelUsage, error) {
	u, err := s.store.UsageSummary(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("usage summary: %w", err)
	}
	return u, nil
}

// RecordUsage stores a completion's usage. Best effort: failures are logged.
func (s *Switcher) RecordUsage(ctx context.Context, u prefs.UsageStat) {
	if err := s.store.RecordUsage(ctx, u); err != nil {
		slog.Warn("usage write failed", "model", u.ModelID, "error", err)
		return
	}
	s.bus.Publish(events.Event{
		Type:    events.TypeUsage,
		ModelID: u.ModelID,
		UserID:  u.UserID,
		RoomID:  u.RoomID,
		Message: fmt.Sprintf("%d tokens in %dms", u.TokensUsed, u.ResponseTimeMs),
	})
}
