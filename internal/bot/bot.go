// Package bot wires the model switcher to a chat channel, a completion
// backend and an HTTP control API.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nous-labs/modelswitch/internal/llm"
	"github.com/nous-labs/modelswitch/pkg/catalog"
	"github.com/nous-labs/modelswitch/pkg/channel"
	"github.com/nous-labs/modelswitch/pkg/events"
	"github.com/nous-labs/modelswitch/pkg/prefs"
	"github.com/nous-labs/modelswitch/pkg/scope"
	"github.com/nous-labs/modelswitch/pkg/switcher"
)

const listHint = "Send /models to list available models."

// Completer is the completion backend, usually an *llm.Router.
type Completer interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)
}

// Deps are the collaborators a Bot needs. Channel and Completer may be nil
// for an API-only deployment.
type Deps struct {
	Switcher  *switcher.Switcher
	Store     prefs.Store
	Completer Completer
	Channel   channel.Channel
	Events    *events.Bus
}

// Bot is the message handler and HTTP API.
type Bot struct {
	cfg  *Config
	sw   *switcher.Switcher
	llm  Completer
	ch   channel.Channel
	bus  *events.Bus
	prun *Pruner

	startedAt  time.Time
	healthy    atomic.Bool
	httpServer *http.Server
}

// New builds a Bot. The prune job is created here so a bad schedule fails
// at startup.
func New(cfg *Config, deps Deps) (*Bot, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if deps.Switcher == nil {
		return nil, fmt.Errorf("switcher is required")
	}
	b := &Bot{
		cfg:       cfg,
		sw:        deps.Switcher,
		llm:       deps.Completer,
		ch:        deps.Channel,
		bus:       deps.Events,
		startedAt: time.Now(),
	}
	if !cfg.Prune.Disabled && deps.Store != nil {
		p, err := NewPruner(deps.Store, cfg.Prune.Schedule, cfg.Prune.MaxAgeDays, deps.Events)
		if err != nil {
			return nil, err
		}
		b.prun = p
	}
	return b, nil
}

// Run serves HTTP, runs the prune schedule and the channel until ctx is
// cancelled.
func (b *Bot) Run(ctx context.Context) error {
	b.httpServer = &http.Server{Addr: b.cfg.HTTPAddr, Handler: b.Routes()}
	errCh := make(chan error, 2)
	go func() {
		if err := b.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	slog.Info("http api listening", "addr", b.cfg.HTTPAddr)

	if b.prun != nil {
		b.prun.Start()
	}
	if b.ch != nil {
		go func() {
			if err := b.ch.Start(ctx, b.HandleMessage); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("channel %s: %w", b.ch.Name(), err)
			}
		}()
	}

	b.healthy.Store(true)
	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}
	b.healthy.Store(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = b.httpServer.Shutdown(shutdownCtx)
	if b.prun != nil {
		b.prun.Stop()
	}
	if b.ch != nil {
		if err := b.ch.Stop(); err != nil {
			slog.Warn("channel stop failed", "channel", b.ch.Name(), "error", err)
		}
	}
	return runErr
}

// HandleMessage is the channel.MessageHandler: commands first, then
// natural-language switch detection, then a completion with the
// effective model.
func (b *Bot) HandleMessage(ctx context.Context, msg channel.Message) error {
	text := strings.TrimSpace(msg.Content)
	if text == "" {
		return nil
	}
	if strings.HasPrefix(text, "/") {
		if reply, ok := b.command(ctx, msg, text); ok {
			return b.reply(ctx, msg.RoomID, reply, true)
		}
	}

	res, det, err := b.sw.TrySwitchFromText(ctx, text, msg.SenderID, msg.RoomID)
	if err != nil {
		return b.reply(ctx, msg.RoomID, renderError(err), true)
	}
	if res != nil {
		reply := renderSwitch(res)
		if det != nil {
			reply += fmt.Sprintf(" (matched %s, confidence %s)", strings.Join(det.MatchedKeywords, ", "), det.Confidence)
		}
		return b.reply(ctx, msg.RoomID, reply, true)
	}

	return b.complete(ctx, msg, text)
}

func (b *Bot) complete(ctx context.Context, msg channel.Message, text string) error {
	if b.llm == nil {
		return b.reply(ctx, msg.RoomID, "No completion backend is configured.", true)
	}
	model := b.sw.EffectiveModel(ctx, msg.SenderID, msg.RoomID)

	if t, ok := b.ch.(channel.Typer); ok {
		_ = t.Typing(ctx, msg.RoomID, true)
		defer func() { _ = t.Typing(context.WithoutCancel(ctx), msg.RoomID, false) }()
	}

	resp, err := b.llm.Complete(ctx, llm.CompletionRequest{
		Model:       model,
		System:      b.cfg.LLM.SystemPrompt,
		MaxTokens:   b.cfg.LLM.MaxTokens,
		Temperature: b.cfg.LLM.Temperature,
		Messages:    []llm.Message{{Role: "user", Content: text}},
	})
	if err != nil {
		slog.Error("completion failed", "model", model, "room", msg.RoomID, "error", err)
		b.bus.Publish(events.Event{Type: events.TypeError, ModelID: model, RoomID: msg.RoomID, Message: err.Error()})
		return b.reply(ctx, msg.RoomID, fmt.Sprintf("%s failed: %v", model, err), true)
	}

	b.sw.RecordUsage(ctx, prefs.UsageStat{
		ModelID:        model,
		UserID:         msg.SenderID,
		RoomID:         msg.RoomID,
		TokensUsed:     resp.InputTokens + resp.OutputTokens,
		ResponseTimeMs: resp.Elapsed.Milliseconds(),
	})
	return b.reply(ctx, msg.RoomID, resp.Content, false)
}

func (b *Bot) reply(ctx context.Context, roomID, content string, notice bool) error {
	if b.ch == nil {
		return nil
	}
	return b.ch.Send(ctx, channel.Response{RoomID: roomID, Content: content, Notice: notice})
}

// command handles slash commands. ok is false for unknown commands, which
// fall through to normal handling.
func (b *Bot) command(ctx context.Context, msg channel.Message, text string) (reply string, ok bool) {
	fields := strings.Fields(text)
	args := fields[1:]
	switch strings.ToLower(fields[0]) {
	case "/model":
		return b.cmdModel(ctx, msg, args), true
	case "/models":
		return b.cmdModels(ctx, msg, strings.Join(args, " ")), true
	case "/whoami-model":
		model, tier := b.sw.Resolve(ctx, msg.SenderID, msg.RoomID)
		return fmt.Sprintf("You are using **%s** (from the %s setting).", model, tier), true
	case "/model-history":
		return b.cmdHistory(ctx, msg, args), true
	case "/model-stats":
		return b.cmdStats(ctx), true
	case "/model-help":
		return helpText, true
	}
	return "", false
}

const helpText = `**Model commands**
- /model: show the model in effect
- /model <id|alias> [scope]: switch; scope is session, user, room, global, all or a combination like user+session
- /model reset [scope]: remove your override (default scope user)
- /models [filter]: list available models
- /whoami-model: show which setting decides your model
- /model-history [n]: your recent switches
- /model-stats: usage over the last 7 days

You can also just say "switch to deepseek" or "切换到 claude 永久保存".`

func (b *Bot) cmdModel(ctx context.Context, msg channel.Message, args []string) string {
	if len(args) == 0 {
		model, tier := b.sw.Resolve(ctx, msg.SenderID, msg.RoomID)
		return fmt.Sprintf("Current model: **%s** (%s). Session default: %s.", model, tier, b.sw.SessionModel())
	}

	if strings.EqualFold(args[0], "reset") {
		scopes := scope.Of(scope.User)
		if len(args) > 1 {
			s, err := scope.Parse(strings.Join(args[1:], "+"))
			if err != nil {
				return err.Error()
			}
			scopes = s
		}
		if err := b.sw.Reset(ctx, msg.SenderID, msg.RoomID, scopes); err != nil {
			return renderError(err)
		}
		return fmt.Sprintf("Reset %s. Now using **%s**.", scopes, b.sw.EffectiveModel(ctx, msg.SenderID, msg.RoomID))
	}

	scopes, err := scope.Parse(strings.Join(args[1:], "+"))
	if err != nil {
		return err.Error() + ". Scopes: session, user, room, global, all."
	}
	res, err := b.sw.SwitchModel(ctx, b.sw.ResolveAlias(args[0]), switcher.Request{
		UserID: msg.SenderID,
		RoomID: msg.RoomID,
		Scopes: scopes,
	})
	if err != nil {
		return renderError(err)
	}
	return renderSwitch(res)
}

func (b *Bot) cmdModels(ctx context.Context, msg channel.Message, query string) string {
	models := b.sw.Catalog(catalog.Filter{Query: query})
	if len(models) == 0 {
		return fmt.Sprintf("No models match %q.", query)
	}
	current := b.sw.EffectiveModel(ctx, msg.SenderID, msg.RoomID)
	cat := b.sw.Snapshot()

	var sb strings.Builder
	fmt.Fprintf(&sb, "**Available models** (%s, %d)\n", cat.Source(), len(models))
	for _, m := range models {
		marker := "-"
		if m.ID == current {
			marker = "- ▶"
		}
		fmt.Fprintf(&sb, "%s `%s` %s", marker, m.ID, m.DisplayName)
		if aliases := cat.AliasesFor(m.ID); len(aliases) > 0 {
			fmt.Fprintf(&sb, " [%s]", strings.Join(aliases, ", "))
		}
		sb.WriteByte('\n')
	}
	sb.WriteString("Switch with /model <id|alias> [session|user|room|global].")
	return sb.String()
}

func (b *Bot) cmdHistory(ctx context.Context, msg channel.Message, args []string) string {
	limit := 5
	if len(args) > 0 {
		if n, err := strconv.Atoi(args[0]); err == nil && n > 0 && n <= 50 {
			limit = n
		}
	}
	recs, err := b.sw.History(ctx, prefs.HistoryFilter{UserID: msg.SenderID, Limit: limit})
	if err != nil {
		return renderError(err)
	}
	if len(recs) == 0 {
		return "No model switches recorded for you yet."
	}
	var sb strings.Builder
	sb.WriteString("**Recent switches**\n")
	for _, r := range recs {
		prev := r.PreviousModel
		if prev == "" {
			prev = "(none)"
		}
		fmt.Fprintf(&sb, "- %s %s → %s (%s)\n", r.Timestamp.Format("2006-01-02 15:04"), prev, r.NewModel, r.Scope)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (b *Bot) cmdStats(ctx context.Context) string {
	usage, err := b.sw.Usage(ctx, time.Now().AddDate(0, 0, -7))
	if err != nil {
		return renderError(err)
	}
	if len(usage) == 0 {
		return "No usage in the last 7 days."
	}
	var sb strings.Builder
	sb.WriteString("**Usage, last 7 days**\n")
	for _, u := range usage {
		fmt.Fprintf(&sb, "- `%s`: %d requests, %d tokens, %.0fms avg\n", u.ModelID, u.Requests, u.Tokens, u.AvgResponseMs)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func renderSwitch(res *switcher.Result) string {
	if !res.Applied() {
		return fmt.Sprintf("Nothing changed: no %s to apply **%s** to.", res.Scopes, res.Model)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Switched to **%s** for %s.", res.Model, res.Scopes)
	if res.Previous != res.Current {
		fmt.Fprintf(&sb, " Session default: %s → %s.", res.Previous, res.Current)
	}
	if res.StorageErr != nil {
		sb.WriteString(" Could not save the preference, applied to this session only.")
	}
	return sb.String()
}

// renderError turns a switch failure into one user-facing line.
func renderError(err error) string {
	var line string
	switch {
	case errors.Is(err, switcher.ErrInvalidFormat):
		line = fmt.Sprintf("%s. Model ids look like provider/name, e.g. openai/gpt-4o.", upperFirst(err.Error()))
	case errors.Is(err, switcher.ErrModelUnavailable):
		line = upperFirst(err.Error()) + "."
	case errors.Is(err, catalog.ErrNotFound):
		line = upperFirst(err.Error()) + "."
	case errors.Is(err, prefs.ErrUnavailable):
		line = "Preference storage is unavailable right now."
	default:
		line = "Something went wrong: " + err.Error() + "."
	}
	return line + " " + listHint
}

func upperFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
