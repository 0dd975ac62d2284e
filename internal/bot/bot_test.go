package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nous-labs/modelswitch/internal/llm"
	"github.com/nous-labs/modelswitch/pkg/catalog"
	"github.com/nous-labs/modelswitch/pkg/channel"
	"github.com/nous-labs/modelswitch/pkg/events"
	"github.com/nous-labs/modelswitch/pkg/prefs"
	"github.com/nous-labs/modelswitch/pkg/scope"
	"github.com/nous-labs/modelswitch/pkg/switcher"
)

type fakeChannel struct {
	mu     sync.Mutex
	sent   []channel.Response
	typing []bool
}

func (f *fakeChannel) Name() string { return "fake" }

func (f *fakeChannel) Start(ctx context.Context, _ channel.MessageHandler) error {
	<-ctx.Done()
	return nil
}

func (f *fakeChannel) Send(_ context.Context, resp channel.Response) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, resp)
	return nil
}

func (f *fakeChannel) Typing(_ context.Context, _ string, typing bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing = append(f.typing, typing)
	return nil
}

func (f *fakeChannel) Stop() error { return nil }

func (f *fakeChannel) last(t *testing.T) channel.Response {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.sent)
	return f.sent[len(f.sent)-1]
}

type fakeCompleter struct {
	mu    sync.Mutex
	calls []llm.CompletionRequest
	err   error
}

func (f *fakeCompleter) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.err != nil {
		return nil, f.err
	}
	return &llm.CompletionResponse{
		Content:      "answer from " + req.Model,
		Model:        req.Model,
		InputTokens:  7,
		OutputTokens: 5,
		Elapsed:      120 * time.Millisecond,
	}, nil
}

type harness struct {
	bot   *Bot
	sw    *switcher.Switcher
	store prefs.Store
	ch    *fakeChannel
	llm   *fakeCompleter
	bus   *events.Bus
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := prefs.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bus := events.NewBus(50)
	sw, err := switcher.New(catalog.New(catalog.Builtin(), nil, catalog.SourceBuiltin), store, switcher.Options{Events: bus})
	require.NoError(t, err)

	cfg := &Config{HTTPAddr: "127.0.0.1:0", Prune: PruneConfig{Schedule: "@daily", MaxAgeDays: 90}}
	cfg.LLM.SystemPrompt = "be helpful"
	h := &harness{sw: sw, store: store, ch: &fakeChannel{}, llm: &fakeCompleter{}, bus: bus}
	h.bot, err = New(cfg, Deps{Switcher: sw, Store: store, Completer: h.llm, Channel: h.ch, Events: bus})
	require.NoError(t, err)
	return h
}

func (h *harness) say(t *testing.T, sender, room, text string) channel.Response {
	t.Helper()
	require.NoError(t, h.bot.HandleMessage(context.Background(), channel.Message{
		Source: "fake", SenderID: sender, RoomID: room, Content: text,
	}))
	return h.ch.last(t)
}

func TestModelCommandSwitches(t *testing.T) {
	h := newHarness(t)

	resp := h.say(t, "@alice:hs", "!r:hs", "/model openai/gpt-4o user")
	assert.Contains(t, resp.Content, "Switched to **openai/gpt-4o** for user")
	assert.True(t, resp.Notice)
	assert.Equal(t, "!r:hs", resp.RoomID)

	resp = h.say(t, "@alice:hs", "!r:hs", "/whoami-model")
	assert.Contains(t, resp.Content, "openai/gpt-4o")
	assert.Contains(t, resp.Content, "user setting")

	resp = h.say(t, "@bob:hs", "!r:hs", "/model")
	assert.Contains(t, resp.Content, "deepseek/deepseek-chat")
}

func TestModelCommandAliasAndSession(t *testing.T) {
	h := newHarness(t)
	resp := h.say(t, "@alice:hs", "!r:hs", "/model smart")
	assert.Contains(t, resp.Content, "anthropic/claude-sonnet-4.5")
	assert.Contains(t, resp.Content, "deepseek/deepseek-chat → anthropic/claude-sonnet-4.5")
	assert.Equal(t, "anthropic/claude-sonnet-4.5", h.sw.SessionModel())
}

func TestModelCommandErrors(t *testing.T) {
	h := newHarness(t)

	resp := h.say(t, "@alice:hs", "!r:hs", "/model a/b/c")
	assert.Contains(t, resp.Content, "Invalid model id")
	assert.Contains(t, resp.Content, listHint)
	assert.NotContains(t, resp.Content, "\n")

	resp = h.say(t, "@alice:hs", "!r:hs", "/model ghost/model-9")
	assert.Contains(t, resp.Content, "Model not available: ghost/model-9")
	assert.Contains(t, resp.Content, listHint)

	resp = h.say(t, "@alice:hs", "!r:hs", "/model openai/gpt-4o planet")
	assert.Contains(t, resp.Content, "unknown scope")

	assert.Empty(t, h.llm.calls)
}

func TestModelsCommand(t *testing.T) {
	h := newHarness(t)
	resp := h.say(t, "@alice:hs", "!r:hs", "/models")
	assert.Contains(t, resp.Content, "builtin, 7")
	assert.Contains(t, resp.Content, "- ▶ `deepseek/deepseek-chat`")
	assert.Contains(t, resp.Content, "[default, fast]")

	resp = h.say(t, "@alice:hs", "!r:hs", "/models gemini")
	assert.Contains(t, resp.Content, "google/gemini-2.5-pro")
	assert.NotContains(t, resp.Content, "openai/gpt-4o")

	resp = h.say(t, "@alice:hs", "!r:hs", "/models nothing-like-this")
	assert.Contains(t, resp.Content, "No models match")
}

func TestNaturalLanguageSwitch(t *testing.T) {
	h := newHarness(t)

	resp := h.say(t, "@alice:hs", "!r:hs", "切换到 deepseek 永久保存")
	assert.Contains(t, resp.Content, "deepseek/deepseek-chat")
	assert.Contains(t, resp.Content, "confidence high")
	assert.Empty(t, h.llm.calls, "switch requests do not reach the model")

	pref, err := h.store.GetUserPreference(context.Background(), "@alice:hs")
	require.NoError(t, err)
	require.NotNil(t, pref)
	assert.Equal(t, "deepseek/deepseek-chat", pref.ModelID)
}

func TestCompletionUsesEffectiveModel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.say(t, "@alice:hs", "!r:hs", "/model moonshotai/kimi-k2 room")
	resp := h.say(t, "@bob:hs", "!r:hs", "今天天气怎么样")
	assert.Equal(t, "answer from moonshotai/kimi-k2", resp.Content)
	assert.False(t, resp.Notice)

	require.Len(t, h.llm.calls, 1)
	assert.Equal(t, "be helpful", h.llm.calls[0].System)
	assert.Equal(t, []bool{true, false}, h.ch.typing)

	usage, err := h.store.UsageSummary(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	var tokens int64
	for _, u := range usage {
		if u.ModelID == "moonshotai/kimi-k2" {
			tokens = u.Tokens
		}
	}
	assert.Equal(t, int64(12), tokens)

	var sawUsage bool
	for _, e := range h.bus.Recent(0) {
		if e.Type == events.TypeUsage {
			sawUsage = true
		}
	}
	assert.True(t, sawUsage)
}

func TestCompletionFailure(t *testing.T) {
	h := newHarness(t)
	h.llm.err = errors.New("upstream 503")
	resp := h.say(t, "@alice:hs", "!r:hs", "hello there")
	assert.Contains(t, resp.Content, "deepseek/deepseek-chat failed: upstream 503")
	assert.True(t, resp.Notice)
}

func TestResetAndHistoryCommands(t *testing.T) {
	h := newHarness(t)

	h.say(t, "@alice:hs", "!r:hs", "/model openai/gpt-4o user")
	h.say(t, "@alice:hs", "!r:hs", "/model openai/gpt-4.1 user")

	resp := h.say(t, "@alice:hs", "!r:hs", "/model-history")
	assert.Contains(t, resp.Content, "openai/gpt-4o → openai/gpt-4.1 (user)")
	assert.Contains(t, resp.Content, "deepseek/deepseek-chat → openai/gpt-4o (user)")

	resp = h.say(t, "@alice:hs", "!r:hs", "/model reset")
	assert.Contains(t, resp.Content, "Now using **deepseek/deepseek-chat**")

	resp = h.say(t, "@carol:hs", "!r:hs", "/model-history 3")
	assert.Contains(t, resp.Content, "No model switches")
}

func TestStatsAndHelpCommands(t *testing.T) {
	h := newHarness(t)
	resp := h.say(t, "@alice:hs", "!r:hs", "/model-stats")
	assert.Contains(t, resp.Content, "No usage")

	h.say(t, "@alice:hs", "!r:hs", "what is 2+2")
	resp = h.say(t, "@alice:hs", "!r:hs", "/model-stats")
	assert.Contains(t, resp.Content, "`deepseek/deepseek-chat`: 1 requests, 12 tokens")

	resp = h.say(t, "@alice:hs", "!r:hs", "/model-help")
	assert.Contains(t, resp.Content, "/model reset")
}

func TestUnknownCommandFallsThrough(t *testing.T) {
	h := newHarness(t)
	resp := h.say(t, "@alice:hs", "!r:hs", "/shrug")
	assert.Equal(t, "answer from deepseek/deepseek-chat", resp.Content)
}

func TestRenderSwitchNothingApplied(t *testing.T) {
	got := renderSwitch(&switcher.Result{Model: "openai/gpt-4o", Scopes: scope.Of(scope.Room)})
	assert.Equal(t, "Nothing changed: no room to apply **openai/gpt-4o** to.", got)
}

func TestRenderError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("%w: %q", switcher.ErrInvalidFormat, "x"), "Invalid model id"},
		{fmt.Errorf("%w: a/b", switcher.ErrModelUnavailable), "Model not available: a/b."},
		{fmt.Errorf("get: %w", catalog.ErrNotFound), "model not found"},
		{fmt.Errorf("x: %w", prefs.ErrUnavailable), "Preference storage is unavailable"},
		{errors.New("odd"), "Something went wrong: odd."},
	}
	for _, tt := range tests {
		got := renderError(tt.err)
		assert.Contains(t, got, tt.want)
		assert.Contains(t, got, listHint)
	}
}

func TestNewRejectsBadSchedule(t *testing.T) {
	store, err := prefs.OpenSQLite(":memory:")
	require.NoError(t, err)
	defer store.Close()
	sw, err := switcher.New(catalog.New(catalog.Builtin(), nil, catalog.SourceBuiltin), store, switcher.Options{})
	require.NoError(t, err)

	_, err = New(&Config{Prune: PruneConfig{Schedule: "every tuesday"}}, Deps{Switcher: sw, Store: store})
	assert.Error(t, err)

	_, err = New(&Config{}, Deps{})
	assert.Error(t, err)
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.bot.Run(ctx) }()

	require.Eventually(t, h.bot.healthy.Load, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.False(t, h.bot.healthy.Load())
}
