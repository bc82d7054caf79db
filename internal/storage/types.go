package storage

import (
	"errors"
	"time"
)

var (
	// ErrExists is returned when inserting a row that already exists.
	ErrExists = errors.New("already exists")
	// ErrNotFound is returned when deleting a row that does not exist.
	ErrNotFound = errors.New("not found")
)

// Config configures the SQLite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// ScopeKind discriminates where a keyword is active.
type ScopeKind int

const (
	// ScopeGuild means the keyword is active in every channel of one guild.
	ScopeGuild ScopeKind = iota
	// ScopeChannel means the keyword is active in exactly one channel.
	ScopeChannel
)

// Scope is the boundary a keyword applies to: one channel or a whole guild.
type Scope struct {
	Kind ScopeKind
	ID   string // guild ID or channel ID depending on Kind
}

func GuildScope(guildID string) Scope   { return Scope{Kind: ScopeGuild, ID: guildID} }
func ChannelScope(chanID string) Scope  { return Scope{Kind: ScopeChannel, ID: chanID} }
func (s Scope) IsGuild() bool           { return s.Kind == ScopeGuild }
func (s Scope) IsChannel() bool         { return s.Kind == ScopeChannel }

// Keyword is one followed keyword. Unique per (user, scope, text).
type Keyword struct {
	Keyword string
	UserID  string
	Scope   Scope
}

// Ignore is a per-user exclusion phrase scoped to one guild.
type Ignore struct {
	Phrase  string
	UserID  string
	GuildID string
}

// Mute suppresses all notifications to UserID from ChannelID.
type Mute struct {
	UserID    string
	ChannelID string
}

// Block suppresses notifications to UserID for messages by BlockedID.
type Block struct {
	UserID    string
	BlockedID string
}

// SentNotification records one delivered digest entry, keyed by the message
// that triggered it.
type SentNotification struct {
	OriginalMessage string
	UserID          string
	Keyword         string
	SentAt          time.Time
}

// UserState values.
const (
	// StateCannotDM marks users whose last notification could not be
	// delivered because their DMs are closed.
	StateCannotDM = "cannot_dm"
)
