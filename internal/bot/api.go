package bot

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/nous-labs/modelswitch/pkg/catalog"
	"github.com/nous-labs/modelswitch/pkg/prefs"
	"github.com/nous-labs/modelswitch/pkg/scope"
	"github.com/nous-labs/modelswitch/pkg/switcher"
)

// Routes returns the HTTP API handler.
func (b *Bot) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", b.handleHealth)
	mux.HandleFunc("GET /v1/models", b.handleModels)
	mux.HandleFunc("GET /v1/effective", b.handleEffective)
	mux.HandleFunc("POST /v1/switch", b.handleSwitch)
	mux.HandleFunc("POST /v1/reset", b.handleReset)
	mux.HandleFunc("POST /v1/reload", b.handleReload)
	mux.HandleFunc("GET /v1/history", b.handleHistory)
	mux.HandleFunc("GET /v1/usage", b.handleUsage)
	mux.HandleFunc("POST /v1/prune", b.handlePrune)
	mux.HandleFunc("GET /v1/events", b.handleEvents)
	return mux
}

func (b *Bot) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if b.healthy.Load() {
		body := map[string]any{
			"status":  "ok",
			"uptime":  time.Since(b.startedAt).Round(time.Second).String(),
			"session": b.sw.SessionModel(),
			"catalog": b.sw.Snapshot().Source(),
		}
		if b.prun != nil {
			if at, n := b.prun.LastRun(); !at.IsZero() {
				body["last_prune"] = map[string]any{"at": at.Format(time.RFC3339), "deleted": n}
			}
		}
		writeJSON(w, http.StatusOK, body)
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
}

type modelsResponse struct {
	Source  string               `json:"source"`
	Count   int                  `json:"count"`
	Models  []catalog.Descriptor `json:"models"`
	Aliases map[string]string    `json:"aliases"`
}

func (b *Bot) handleModels(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := catalog.Filter{
		Provider:      q.Get("provider"),
		Query:         q.Get("q"),
		ReasoningOnly: q.Get("reasoning") == "true",
	}
	cat := b.sw.Snapshot()
	models := cat.List(f)
	if models == nil {
		models = []catalog.Descriptor{}
	}
	writeJSON(w, http.StatusOK, modelsResponse{
		Source:  cat.Source(),
		Count:   len(models),
		Models:  models,
		Aliases: cat.Aliases(),
	})
}

func (b *Bot) handleEffective(w http.ResponseWriter, r *http.Request) {
	user, room := r.URL.Query().Get("user"), r.URL.Query().Get("room")
	model, tier := b.sw.Resolve(r.Context(), user, room)
	writeJSON(w, http.StatusOK, map[string]string{
		"user":  user,
		"room":  room,
		"model": model,
		"tier":  string(tier),
	})
}

type switchRequest struct {
	Model string `json:"model"`
	Scope string `json:"scope"`
	User  string `json:"user"`
	Room  string `json:"room"`
}

type switchResponse struct {
	Model      string   `json:"model"`
	Previous   string   `json:"previous"`
	Current    string   `json:"current"`
	Scope      string   `json:"scope"`
	Persisted  []string `json:"persisted"`
	StorageErr string   `json:"storage_error,omitempty"`
	Telemetry  []string `json:"telemetry_errors,omitempty"`
}

func (b *Bot) handleSwitch(w http.ResponseWriter, r *http.Request) {
	var req switchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	scopes, err := scope.Parse(req.Scope)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if scopes.Has(scope.User) && req.User == "" {
		writeError(w, http.StatusBadRequest, errors.New("scope user needs a user"))
		return
	}
	if scopes.Has(scope.Room) && req.Room == "" {
		writeError(w, http.StatusBadRequest, errors.New("scope room needs a room"))
		return
	}

	res, err := b.sw.SwitchModel(r.Context(), b.sw.ResolveAlias(req.Model), switcher.Request{UserID: req.User, RoomID: req.Room, Scopes: scopes})
	switch {
	case errors.Is(err, switcher.ErrInvalidFormat):
		writeError(w, http.StatusBadRequest, err)
		return
	case errors.Is(err, switcher.ErrModelUnavailable):
		writeError(w, http.StatusNotFound, err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	out := switchResponse{
		Model:     res.Model,
		Previous:  res.Previous,
		Current:   res.Current,
		Scope:     res.Scopes.String(),
		Persisted: []string{},
	}
	for _, s := range res.Persisted {
		out.Persisted = append(out.Persisted, string(s))
	}
	if res.StorageErr != nil {
		out.StorageErr = res.StorageErr.Error()
	}
	for _, terr := range []error{res.Telemetry.HistoryErr, res.Telemetry.UsageErr} {
		if terr != nil {
			out.Telemetry = append(out.Telemetry, terr.Error())
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (b *Bot) handleReset(w http.ResponseWriter, r *http.Request) {
	var req switchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	scopes, err := scope.Parse(req.Scope)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := b.sw.Reset(r.Context(), req.User, req.Room, scopes); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	model, tier := b.sw.Resolve(r.Context(), req.User, req.Room)
	writeJSON(w, http.StatusOK, map[string]string{"model": model, "tier": string(tier)})
}

func (b *Bot) handleReload(w http.ResponseWriter, r *http.Request) {
	cat := b.sw.Reload(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"source":  cat.Source(),
		"count":   cat.Len(),
		"session": b.sw.SessionModel(),
	})
}

func (b *Bot) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := prefs.HistoryFilter{UserID: q.Get("user"), RoomID: q.Get("room")}
	if l, err := strconv.Atoi(q.Get("limit")); err == nil && l > 0 && l <= 500 {
		f.Limit = l
	}
	recs, err := b.sw.History(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	if recs == nil {
		recs = []prefs.SwitchRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(recs), "history": recs})
}

func (b *Bot) handleUsage(w http.ResponseWriter, r *http.Request) {
	days := 7
	if d, err := strconv.Atoi(r.URL.Query().Get("days")); err == nil && d > 0 {
		days = d
	}
	usage, err := b.sw.Usage(r.Context(), time.Now().AddDate(0, 0, -days))
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	if usage == nil {
		usage = []prefs.ModelUsage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"days": days, "models": usage})
}

func (b *Bot) handlePrune(w http.ResponseWriter, r *http.Request) {
	if b.prun == nil {
		writeError(w, http.StatusNotFound, errors.New("pruning is disabled"))
		return
	}
	n, err := b.prun.PruneOnce(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

func (b *Bot) handleEvents(w http.ResponseWriter, r *http.Request) {
	if b.bus == nil {
		writeError(w, http.StatusNotFound, errors.New("event stream disabled"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	evts, done := b.bus.Subscribe()
	defer b.bus.Unsubscribe(done)

	for _, e := range b.bus.Recent(50) {
		fmt.Fprintf(w, "data: %s\n\n", e.Marshal())
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-evts:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", e.Marshal())
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
