// Package gateway defines the chat-platform surface the engine consumes:
// the live message event stream, the permission check, and direct-message
// delivery. Concrete adapters live in subpackages.
package gateway

import (
	"context"
	"fmt"
	"time"
)

// MessageRef identifies one message on the platform.
type MessageRef struct {
	GuildID   string
	ChannelID string
	MessageID string
}

// JumpLink returns the canonical URL that opens the referenced message.
func (r MessageRef) JumpLink() string {
	return fmt.Sprintf("https://discord.com/channels/%s/%s/%s", r.GuildID, r.ChannelID, r.MessageID)
}

// MessageEvent is one inbound message from the gateway stream.
//
// Mentions carries the IDs of directly-mentioned users so the engine can
// skip notifying users who were already pinged by the message itself.
type MessageEvent struct {
	Ref        MessageRef
	AuthorID   string
	AuthorName string
	AuthorBot  bool
	Content    string
	Mentions   []string
	Timestamp  time.Time
}

// GuildID is a convenience accessor; empty for direct messages.
func (e MessageEvent) GuildID() string { return e.Ref.GuildID }

// IsDM reports whether the event came from a direct-message channel.
func (e MessageEvent) IsDM() bool { return e.Ref.GuildID == "" }

// DM is a composed outbound direct message.
type DM struct {
	Title string
	Body  string
}

// Permissions answers visibility questions. May fail transiently.
type Permissions interface {
	CanView(ctx context.Context, userID, channelID string) (bool, error)
}

// Sender delivers direct messages. Errors should be classified with the
// engine error taxonomy (transient vs permanent) by the adapter.
type Sender interface {
	SendDM(ctx context.Context, userID string, dm DM) error
}

// Replier posts a reply in the channel a command came from.
type Replier interface {
	Reply(ctx context.Context, ref MessageRef, text string) error
}

// Directory resolves display names for digest rendering. Implementations
// should answer from cache; a best-effort empty string is acceptable.
type Directory interface {
	ChannelName(channelID string) string
	GuildName(guildID string) string
}

// Gateway is the full collaborator surface implemented by platform adapters.
type Gateway interface {
	Permissions
	Sender
	Replier
	Directory

	// Start connects and begins delivering events to out. It must not block
	// event intake on slow consumers; adapters drop and count instead.
	Start(ctx context.Context, out chan<- MessageEvent) error
	Stop(ctx context.Context) error
}
