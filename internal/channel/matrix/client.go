// Package matrix is the Matrix transport for the bot, built on mautrix-go.
package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/format"
	"maunium.net/go/mautrix/id"

	"github.com/nous-labs/modelswitch/pkg/channel"
)

const (
	maxMessageLen  = 4000
	typingTimeout  = 30 * time.Second
	resyncInterval = 15 * time.Second
)

// Config holds Matrix channel configuration.
type Config struct {
	Homeserver string
	UserID     string // localpart, e.g. "modelbot"
	Password   string
	ServerName string
	// AllowedUsers restricts who may talk to the bot. Entries starting with
	// ':' allow a whole server (":example.org"). Empty allows everyone.
	AllowedUsers []string
	DataDir      string
}

// Channel implements channel.Channel and channel.Typer.
type Channel struct {
	config    Config
	client    *mautrix.Client
	handler   channel.MessageHandler
	startTime int64
	credFile  string
}

var (
	_ channel.Channel = (*Channel)(nil)
	_ channel.Typer   = (*Channel)(nil)
)

type credentials struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id"`
	DeviceID    string `json:"device_id"`
}

// New creates a Matrix channel. Nothing connects until Start.
func New(cfg Config) *Channel {
	return &Channel{
		config:   cfg,
		credFile: filepath.Join(cfg.DataDir, "matrix_credentials.json"),
	}
}

func (c *Channel) Name() string { return "matrix" }

// Start logs in, registers handlers and runs the sync loop, reconnecting on
// error until ctx is cancelled.
func (c *Channel) Start(ctx context.Context, handler channel.MessageHandler) error {
	c.handler = handler
	c.startTime = time.Now().UnixMilli()

	if err := os.MkdirAll(c.config.DataDir, 0o755); err != nil {
		return fmt.Errorf("create matrix data dir: %w", err)
	}

	fullUserID := fmt.Sprintf("@%s:%s", c.config.UserID, c.config.ServerName)
	client, err := mautrix.NewClient(c.config.Homeserver, id.UserID(fullUserID), "")
	if err != nil {
		return fmt.Errorf("create matrix client: %w", err)
	}
	c.client = client
	client.Store = mautrix.NewMemorySyncStore()

	if err := c.loginWithRetry(ctx, fullUserID); err != nil {
		return err
	}

	syncer := client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, c.onMessage)
	syncer.OnEventType(event.StateMember, c.onMemberEvent)

	slog.Info("matrix channel ready, starting sync", "user", client.UserID)
	for {
		err := client.SyncWithContext(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			slog.Warn("matrix sync error, reconnecting", "error", err, "in", resyncInterval)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(resyncInterval):
			}
		}
	}
}

// loginWithRetry uses saved credentials when present, otherwise password
// login with exponential backoff.
func (c *Channel) loginWithRetry(ctx context.Context, fullUserID string) error {
	if err := c.loadCredentials(); err == nil {
		slog.Info("loaded saved matrix credentials", "user", fullUserID)
		return nil
	}

	backoff := 2 * time.Second
	const (
		maxBackoff  = 2 * time.Minute
		maxAttempts = 10
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		slog.Info("logging into matrix", "user", fullUserID, "homeserver", c.config.Homeserver, "attempt", attempt)

		resp, err := c.client.Login(ctx, &mautrix.ReqLogin{
			Type: mautrix.AuthTypePassword,
			Identifier: mautrix.UserIdentifier{
				Type: mautrix.IdentifierTypeUser,
				User: c.config.UserID,
			},
			Password:                 c.config.Password,
			InitialDeviceDisplayName: "modelswitch",
			StoreCredentials:         true,
		})
		if err == nil {
			slog.Info("logged into matrix", "user", resp.UserID, "device", resp.DeviceID)
			if err := c.saveCredentials(credentials{
				AccessToken: resp.AccessToken,
				UserID:      string(resp.UserID),
				DeviceID:    string(resp.DeviceID),
			}); err != nil {
				slog.Warn("could not save matrix credentials", "error", err)
			}
			return nil
		}

		if errors.Is(err, mautrix.MForbidden) || errors.Is(err, mautrix.MUnknownToken) || errors.Is(err, mautrix.MInvalidParam) {
			return fmt.Errorf("matrix login: %w (non-retryable)", err)
		}
		if attempt == maxAttempts {
			return fmt.Errorf("matrix login: %w (after %d attempts)", err, maxAttempts)
		}

		slog.Warn("matrix login failed, retrying", "error", err, "attempt", attempt, "backoff", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
	return fmt.Errorf("matrix login: exhausted retries")
}

// Send renders markdown and sends it, splitting long replies.
func (c *Channel) Send(ctx context.Context, resp channel.Response) error {
	roomID := id.RoomID(resp.RoomID)
	chunks := splitMessage(resp.Content, maxMessageLen)
	for i, chunk := range chunks {
		if len(chunks) > 1 {
			chunk = fmt.Sprintf("[%d/%d] %s", i+1, len(chunks), chunk)
		}
		content := format.RenderMarkdown(chunk, true, false)
		if resp.Notice {
			content.MsgType = event.MsgNotice
		}
		if _, err := c.client.SendMessageEvent(ctx, roomID, event.EventMessage, &content); err != nil {
			slog.Error("matrix send failed", "room", roomID, "chunk", i+1, "error", err)
			return fmt.Errorf("matrix send: %w", err)
		}
		if i < len(chunks)-1 {
			time.Sleep(500 * time.Millisecond)
		}
	}
	slog.Debug("matrix message sent", "room", roomID, "chunks", len(chunks), "len", len(resp.Content))
	return nil
}

// Typing toggles the typing indicator in a room.
func (c *Channel) Typing(ctx context.Context, roomID string, typing bool) error {
	if c.client == nil {
		return nil
	}
	_, err := c.client.UserTyping(ctx, id.RoomID(roomID), typing, typingTimeout)
	return err
}

func (c *Channel) Stop() error {
	if c.client != nil {
		c.client.StopSync()
	}
	return nil
}

func (c *Channel) onMessage(ctx context.Context, evt *event.Event) {
	if evt.Sender == c.client.UserID || evt.Timestamp < c.startTime {
		return
	}
	if !isAllowed(c.config.AllowedUsers, evt.Sender) {
		return
	}
	msg := evt.Content.AsMessage()
	// notices are bot output; never answer them
	if msg == nil || msg.Body == "" || msg.MsgType != event.MsgText {
		return
	}

	slog.Info("matrix message received", "sender", evt.Sender, "room", evt.RoomID, "content", truncate(msg.Body, 100))

	err := c.handler(ctx, channel.Message{
		Source:    "matrix",
		SenderID:  string(evt.Sender),
		RoomID:    string(evt.RoomID),
		Content:   msg.Body,
		Timestamp: evt.Timestamp,
	})
	if err != nil {
		slog.Error("message handler error", "room", evt.RoomID, "error", err)
		_ = c.Send(ctx, channel.Response{RoomID: string(evt.RoomID), Content: fmt.Sprintf("*(error: %s)*", err), Notice: true})
	}
}

func (c *Channel) onMemberEvent(ctx context.Context, evt *event.Event) {
	if evt.GetStateKey() != string(c.client.UserID) {
		return
	}
	member := evt.Content.AsMember()
	if member == nil || member.Membership != event.MembershipInvite {
		return
	}
	if !isAllowed(c.config.AllowedUsers, evt.Sender) {
		slog.Warn("rejecting invite from unauthorized user", "sender", evt.Sender)
		return
	}

	slog.Info("accepting room invite", "room", evt.RoomID, "from", evt.Sender)
	if _, err := c.client.JoinRoomByID(ctx, evt.RoomID); err != nil {
		slog.Error("failed to join room", "room", evt.RoomID, "error", err)
	}
}

func (c *Channel) loadCredentials() error {
	data, err := os.ReadFile(c.credFile)
	if err != nil {
		return err
	}
	var creds credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return err
	}
	if creds.AccessToken == "" {
		return fmt.Errorf("no access token in %s", c.credFile)
	}
	c.client.AccessToken = creds.AccessToken
	c.client.UserID = id.UserID(creds.UserID)
	c.client.DeviceID = id.DeviceID(creds.DeviceID)
	return nil
}

func (c *Channel) saveCredentials(creds credentials) error {
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.credFile), 0o700); err != nil {
		return err
	}
	return os.WriteFile(c.credFile, data, 0o600)
}

func isAllowed(allowed []string, sender id.UserID) bool {
	if len(allowed) == 0 || (len(allowed) == 1 && allowed[0] == "") {
		return true
	}
	for _, a := range allowed {
		if strings.HasPrefix(a, ":") {
			if strings.HasSuffix(string(sender), a) {
				return true
			}
			continue
		}
		if string(sender) == a {
			return true
		}
	}
	return false
}

// splitMessage cuts s into chunks of at most maxLen bytes, preferring line
// breaks and never splitting a UTF-8 sequence.
func splitMessage(s string, maxLen int) []string {
	var chunks []string
	for len(s) > maxLen {
		cut := strings.LastIndexByte(s[:maxLen], '\n')
		if cut <= 0 {
			cut = maxLen
			for cut > 0 && !utf8.RuneStart(s[cut]) {
				cut--
			}
		}
		chunks = append(chunks, s[:cut])
		s = strings.TrimPrefix(s[cut:], "\n")
	}
	if len(s) > 0 {
		chunks = append(chunks, s)
	}
	return chunks
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}
