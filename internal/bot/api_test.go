package bot

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nous-labs/modelswitch/pkg/events"
	"github.com/nous-labs/modelswitch/pkg/prefs"
	"github.com/nous-labs/modelswitch/pkg/scope"
	"github.com/nous-labs/modelswitch/pkg/switcher"
)

func doJSON(t *testing.T, h http.Handler, method, target, body string, out any) int {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if out != nil {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec.Code
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	routes := h.bot.Routes()

	var body map[string]any
	assert.Equal(t, http.StatusServiceUnavailable, doJSON(t, routes, "GET", "/health", "", &body))

	h.bot.healthy.Store(true)
	_, err := h.bot.prun.PruneOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, doJSON(t, routes, "GET", "/health", "", &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "deepseek/deepseek-chat", body["session"])
	assert.Equal(t, "builtin", body["catalog"])
	assert.Contains(t, body, "last_prune")
}

func TestModelsEndpoint(t *testing.T) {
	h := newHarness(t)
	var resp modelsResponse
	code := doJSON(t, h.bot.Routes(), "GET", "/v1/models?provider=openai", "", &resp)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2, resp.Count)
	assert.Equal(t, "openai/gpt-4o", resp.Models[0].ID)
	assert.Equal(t, "openai/gpt-4o", resp.Aliases["chat"])

	code = doJSON(t, h.bot.Routes(), "GET", "/v1/models?q=zzz", "", &resp)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 0, resp.Count)
	assert.NotNil(t, resp.Models)

	code = doJSON(t, h.bot.Routes(), "GET", "/v1/models?reasoning=true", "", &resp)
	require.Equal(t, http.StatusOK, code)
	for _, m := range resp.Models {
		assert.True(t, m.SupportsReasoning, m.ID)
	}
}

func TestSwitchAndEffectiveEndpoints(t *testing.T) {
	h := newHarness(t)
	routes := h.bot.Routes()

	var sw switchResponse
	code := doJSON(t, routes, "POST", "/v1/switch", `{"model":"fast","scope":"room","room":"!r:hs","user":"@a:hs"}`, &sw)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "deepseek/deepseek-chat", sw.Model)
	assert.Equal(t, []string{"room"}, sw.Persisted)

	code = doJSON(t, routes, "POST", "/v1/switch", `{"model":"openai/gpt-4.1","scope":"user+session","user":"@a:hs"}`, &sw)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "openai/gpt-4.1", sw.Current)
	assert.Equal(t, "session+user", sw.Scope)

	var eff map[string]string
	doJSON(t, routes, "GET", "/v1/effective?user=@a:hs&room=!r:hs", "", &eff)
	assert.Equal(t, "openai/gpt-4.1", eff["model"])
	assert.Equal(t, "user", eff["tier"])

	doJSON(t, routes, "GET", "/v1/effective?user=@b:hs&room=!r:hs", "", &eff)
	assert.Equal(t, "deepseek/deepseek-chat", eff["model"])
	assert.Equal(t, "room", eff["tier"])

	var reset map[string]string
	code = doJSON(t, routes, "POST", "/v1/reset", `{"scope":"user","user":"@a:hs","room":"!r:hs"}`, &reset)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "room", reset["tier"])
}

func TestSwitchEndpointErrors(t *testing.T) {
	routes := newHarness(t).bot.Routes()
	var e map[string]string

	assert.Equal(t, http.StatusBadRequest, doJSON(t, routes, "POST", "/v1/switch", `{"model":"nomodel"}`, &e))
	assert.Contains(t, e["error"], "invalid model id")

	assert.Equal(t, http.StatusNotFound, doJSON(t, routes, "POST", "/v1/switch", `{"model":"ghost/model-9"}`, &e))
	assert.Equal(t, http.StatusBadRequest, doJSON(t, routes, "POST", "/v1/switch", `{"model":"openai/gpt-4o","scope":"moon"}`, &e))
	assert.Equal(t, http.StatusBadRequest, doJSON(t, routes, "POST", "/v1/switch", `{`, &e))
	assert.Equal(t, http.StatusBadRequest, doJSON(t, routes, "POST", "/v1/switch", `{"model":"openai/gpt-4o","scope":"user"}`, &e))
	assert.Contains(t, e["error"], "needs a user")
	assert.Equal(t, http.StatusBadRequest, doJSON(t, routes, "POST", "/v1/switch", `{"model":"openai/gpt-4o","scope":"room","user":"@a:hs"}`, &e))
	assert.Contains(t, e["error"], "needs a room")
	assert.Equal(t, http.StatusMethodNotAllowed, doJSON(t, routes, "GET", "/v1/switch", "", nil))
}

func TestHistoryUsageReloadPrune(t *testing.T) {
	h := newHarness(t)
	routes := h.bot.Routes()
	ctx := context.Background()

	doJSON(t, routes, "POST", "/v1/switch", `{"model":"openai/gpt-4o","scope":"user","user":"@a:hs"}`, nil)
	require.NoError(t, h.store.RecordUsage(ctx, prefs.UsageStat{
		ModelID: "openai/gpt-4o", TokensUsed: 3, Timestamp: time.Now().AddDate(0, 0, -200),
	}))

	var hist struct {
		Count   int                  `json:"count"`
		History []prefs.SwitchRecord `json:"history"`
	}
	require.Equal(t, http.StatusOK, doJSON(t, routes, "GET", "/v1/history?user=@a:hs&limit=5", "", &hist))
	assert.Equal(t, 1, hist.Count)
	assert.Equal(t, "openai/gpt-4o", hist.History[0].NewModel)

	var usage struct {
		Days   int                `json:"days"`
		Models []prefs.ModelUsage `json:"models"`
	}
	require.Equal(t, http.StatusOK, doJSON(t, routes, "GET", "/v1/usage?days=365", "", &usage))
	require.Len(t, usage.Models, 1)
	assert.Equal(t, int64(2), usage.Models[0].Requests)

	var pruned map[string]int64
	require.Equal(t, http.StatusOK, doJSON(t, routes, "POST", "/v1/prune", "", &pruned))
	assert.Equal(t, int64(1), pruned["deleted"])

	var reload map[string]any
	require.Equal(t, http.StatusOK, doJSON(t, routes, "POST", "/v1/reload", "", &reload))
	assert.Equal(t, "builtin", reload["source"])
	assert.EqualValues(t, 7, reload["count"])
}

func TestEventsStream(t *testing.T) {
	h := newHarness(t)
	srv := httptest.NewServer(h.bot.Routes())
	defer srv.Close()

	h.bus.Publish(events.Event{Type: events.TypeReload, Source: "builtin"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", srv.URL+"/v1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := bufio.NewScanner(resp.Body)
	next := func() events.Event {
		for lines.Scan() {
			line := lines.Text()
			if data, ok := strings.CutPrefix(line, "data: "); ok {
				var e events.Event
				require.NoError(t, json.Unmarshal([]byte(data), &e))
				return e
			}
		}
		t.Fatal("stream ended")
		return events.Event{}
	}

	assert.Equal(t, events.TypeReload, next().Type, "recent events replayed")

	require.Eventually(t, func() bool { return h.bus.SubscriberCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	_, err = h.sw.SwitchModel(ctx, "openai/gpt-4o", switcher.Request{Scopes: scope.Of(scope.Session)})
	require.NoError(t, err)
	e := next()
	assert.Equal(t, events.TypeSwitch, e.Type)
	assert.Equal(t, "openai/gpt-4o", e.ModelID)
}
