// Package channel defines how the bot talks to a chat network.
package channel

import "context"

// Message is an inbound text event.
type Message struct {
	// Source identifies the channel, e.g. "matrix".
	Source string

	SenderID string
	RoomID   string
	Content  string

	// Timestamp in milliseconds.
	Timestamp int64
}

// Response is an outbound text reply.
type Response struct {
	RoomID  string
	Content string
	// Notice sends a bot notice instead of a regular message where supported.
	Notice bool
}

// Channel is a chat transport.
type Channel interface {
	// Name returns the channel identifier.
	Name() string

	// Start connects and dispatches messages to handler. Blocks until ctx
	// is cancelled.
	Start(ctx context.Context, handler MessageHandler) error

	Send(ctx context.Context, resp Response) error

	Stop() error
}

// Typer is implemented by channels that can show a typing indicator.
type Typer interface {
	Typing(ctx context.Context, roomID string, typing bool) error
}

// MessageHandler is called for every accepted inbound message.
type MessageHandler func(ctx context.Context, msg Message) error
