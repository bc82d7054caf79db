package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"highlight/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Store is the SQLite-backed persistence layer for keywords, ignore phrases,
// mutes, blocks, opt-outs, and delivered-notification bookkeeping.
//
// It is safe for concurrent use; SQLite write serialization is handled by
// limiting the pool to a single connection.
type Store struct {
	db  *sql.DB
	log logx.Logger
}

func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &Store{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// BackupTo writes a consistent snapshot of the live database to path.
func (s *Store) BackupTo(ctx context.Context, path string) error {
	// VACUUM INTO refuses to overwrite; the caller picks unique names.
	_, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, path)
	return err
}

// ---- Keywords ----

// RelevantKeywords returns keywords that may apply to a message: guild-wide
// keywords of the message's guild and channel-specific keywords of its
// channel, excluding keywords whose owner authored the message, muted the
// channel, or blocked the author. The remaining per-event checks (mentions,
// visibility) belong to the resolver.
func (s *Store) RelevantKeywords(ctx context.Context, guildID, channelID, authorID string) ([]Keyword, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT keyword, user_id, guild_id
		   FROM guild_keywords
		  WHERE guild_id = ?
		    AND user_id != ?
		    AND NOT EXISTS (
		        SELECT 1 FROM mutes
		         WHERE mutes.user_id = guild_keywords.user_id
		           AND mutes.channel_id = ?)
		    AND NOT EXISTS (
		        SELECT 1 FROM blocks
		         WHERE blocks.user_id = guild_keywords.user_id
		           AND blocks.blocked_id = ?)`,
		guildID, authorID, channelID, authorID,
	)
	if err != nil {
		return nil, fmt.Errorf("query guild keywords: %w", err)
	}
	keywords, err := scanKeywords(rows, ScopeGuild)
	if err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT keyword, user_id, channel_id
		   FROM channel_keywords
		  WHERE channel_id = ?
		    AND user_id != ?
		    AND NOT EXISTS (
		        SELECT 1 FROM blocks
		         WHERE blocks.user_id = channel_keywords.user_id
		           AND blocks.blocked_id = ?)`,
		channelID, authorID, authorID,
	)
	if err != nil {
		return nil, fmt.Errorf("query channel keywords: %w", err)
	}
	chanKeywords, err := scanKeywords(rows, ScopeChannel)
	if err != nil {
		return nil, err
	}
	return append(keywords, chanKeywords...), nil
}

func scanKeywords(rows *sql.Rows, kind ScopeKind) ([]Keyword, error) {
	defer rows.Close()
	var out []Keyword
	for rows.Next() {
		var kw Keyword
		kw.Scope.Kind = kind
		if err := rows.Scan(&kw.Keyword, &kw.UserID, &kw.Scope.ID); err != nil {
			return nil, err
		}
		out = append(out, kw)
	}
	return out, rows.Err()
}

func (s *Store) AddKeyword(ctx context.Context, kw Keyword) error {
	var res sql.Result
	var err error
	switch kw.Scope.Kind {
	case ScopeGuild:
		res, err = s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO guild_keywords (keyword, user_id, guild_id) VALUES (?, ?, ?)`,
			kw.Keyword, kw.UserID, kw.Scope.ID)
	case ScopeChannel:
		res, err = s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO channel_keywords (keyword, user_id, channel_id) VALUES (?, ?, ?)`,
			kw.Keyword, kw.UserID, kw.Scope.ID)
	default:
		return fmt.Errorf("unknown keyword scope %d", kw.Scope.Kind)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrExists
	}
	return nil
}

func (s *Store) DeleteKeyword(ctx context.Context, kw Keyword) error {
	var res sql.Result
	var err error
	switch kw.Scope.Kind {
	case ScopeGuild:
		res, err = s.db.ExecContext(ctx,
			`DELETE FROM guild_keywords WHERE keyword = ? AND user_id = ? AND guild_id = ?`,
			kw.Keyword, kw.UserID, kw.Scope.ID)
	case ScopeChannel:
		res, err = s.db.ExecContext(ctx,
			`DELETE FROM channel_keywords WHERE keyword = ? AND user_id = ? AND channel_id = ?`,
			kw.Keyword, kw.UserID, kw.Scope.ID)
	default:
		return fmt.Errorf("unknown keyword scope %d", kw.Scope.Kind)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UserKeywords returns every keyword the user follows, guild-wide first.
func (s *Store) UserKeywords(ctx context.Context, userID string) ([]Keyword, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT keyword, user_id, guild_id FROM guild_keywords WHERE user_id = ?`, userID)
	if err != nil {
		return nil, err
	}
	out, err := scanKeywords(rows, ScopeGuild)
	if err != nil {
		return nil, err
	}
	rows, err = s.db.QueryContext(ctx,
		`SELECT keyword, user_id, channel_id FROM channel_keywords WHERE user_id = ?`, userID)
	if err != nil {
		return nil, err
	}
	chanKws, err := scanKeywords(rows, ScopeChannel)
	if err != nil {
		return nil, err
	}
	return append(out, chanKws...), nil
}

// UserKeywordCount counts keywords across all scopes, used for the per-user cap.
func (s *Store) UserKeywordCount(ctx context.Context, userID string) (int, error) {
	var guild, channel int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM guild_keywords WHERE user_id = ?`, userID).Scan(&guild)
	if err != nil {
		return 0, err
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM channel_keywords WHERE user_id = ?`, userID).Scan(&channel)
	if err != nil {
		return 0, err
	}
	return guild + channel, nil
}

// DeleteUserGuildData removes all guild-wide keywords and ignores the user
// created in one guild ("remove-server").
func (s *Store) DeleteUserGuildData(ctx context.Context, userID, guildID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM guild_keywords WHERE user_id = ? AND guild_id = ?`, userID, guildID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	res, err = s.db.ExecContext(ctx,
		`DELETE FROM ignores WHERE user_id = ? AND guild_id = ?`, userID, guildID)
	if err != nil {
		return n, err
	}
	m, _ := res.RowsAffected()
	return n + m, nil
}

// ---- Ignores ----

func (s *Store) AddIgnore(ctx context.Context, ig Ignore) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO ignores (phrase, user_id, guild_id) VALUES (?, ?, ?)`,
		ig.Phrase, ig.UserID, ig.GuildID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrExists
	}
	return nil
}

func (s *Store) DeleteIgnore(ctx context.Context, ig Ignore) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM ignores WHERE phrase = ? AND user_id = ? AND guild_id = ?`,
		ig.Phrase, ig.UserID, ig.GuildID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UserGuildIgnores returns the user's ignore phrases for one guild.
func (s *Store) UserGuildIgnores(ctx context.Context, userID, guildID string) ([]Ignore, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT phrase, user_id, guild_id FROM ignores WHERE user_id = ? AND guild_id = ?`,
		userID, guildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Ignore
	for rows.Next() {
		var ig Ignore
		if err := rows.Scan(&ig.Phrase, &ig.UserID, &ig.GuildID); err != nil {
			return nil, err
		}
		out = append(out, ig)
	}
	return out, rows.Err()
}

// ---- Mutes ----

func (s *Store) AddMute(ctx context.Context, m Mute) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO mutes (user_id, channel_id) VALUES (?, ?)`, m.UserID, m.ChannelID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrExists
	}
	return nil
}

func (s *Store) DeleteMute(ctx context.Context, m Mute) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM mutes WHERE user_id = ? AND channel_id = ?`, m.UserID, m.ChannelID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) UserMutes(ctx context.Context, userID string) ([]Mute, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, channel_id FROM mutes WHERE user_id = ?`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Mute
	for rows.Next() {
		var m Mute
		if err := rows.Scan(&m.UserID, &m.ChannelID); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) IsMuted(ctx context.Context, userID, channelID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mutes WHERE user_id = ? AND channel_id = ?`, userID, channelID).Scan(&n)
	return n > 0, err
}

// ---- Blocks ----

func (s *Store) AddBlock(ctx context.Context, b Block) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO blocks (user_id, blocked_id) VALUES (?, ?)`, b.UserID, b.BlockedID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrExists
	}
	return nil
}

func (s *Store) DeleteBlock(ctx context.Context, b Block) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM blocks WHERE user_id = ? AND blocked_id = ?`, b.UserID, b.BlockedID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) UserBlocks(ctx context.Context, userID string) ([]Block, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, blocked_id FROM blocks WHERE user_id = ?`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Block
	for rows.Next() {
		var b Block
		if err := rows.Scan(&b.UserID, &b.BlockedID); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) IsBlocked(ctx context.Context, userID, authorID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM blocks WHERE user_id = ? AND blocked_id = ?`, userID, authorID).Scan(&n)
	return n > 0, err
}

// ---- Opt-outs ----

func (s *Store) OptOut(ctx context.Context, userID string) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO opt_outs (user_id) VALUES (?)`, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrExists
	}
	return nil
}

func (s *Store) OptIn(ctx context.Context, userID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM opt_outs WHERE user_id = ?`, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) IsOptedOut(ctx context.Context, userID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM opt_outs WHERE user_id = ?`, userID).Scan(&n)
	return n > 0, err
}

// ---- Sent notifications ----

func (s *Store) InsertSentNotifications(ctx context.Context, ns []SentNotification) error {
	if len(ns) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, n := range ns {
		at := n.SentAt
		if at.IsZero() {
			at = time.Now()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sent_notifications (original_message, user_id, keyword, sent_at) VALUES (?, ?, ?, ?)`,
			n.OriginalMessage, n.UserID, n.Keyword, at.UnixMilli()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) NotificationsOfMessage(ctx context.Context, messageID string) ([]SentNotification, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT original_message, user_id, keyword, sent_at FROM sent_notifications WHERE original_message = ?`,
		messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SentNotification
	for rows.Next() {
		var n SentNotification
		var ms int64
		if err := rows.Scan(&n.OriginalMessage, &n.UserID, &n.Keyword, &ms); err != nil {
			return nil, err
		}
		n.SentAt = time.UnixMilli(ms)
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) DeleteNotificationsOfMessage(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM sent_notifications WHERE original_message = ?`, messageID)
	return err
}

// PruneSentNotifications deletes delivery records older than the cutoff.
func (s *Store) PruneSentNotifications(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sent_notifications WHERE sent_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ---- User state ----

func (s *Store) SetUserState(ctx context.Context, userID, state string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_states (user_id, state) VALUES (?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET state = excluded.state`,
		userID, state)
	return err
}

// UserState returns the user's state, or "" when none is recorded.
func (s *Store) UserState(ctx context.Context, userID string) (string, error) {
	var state string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM user_states WHERE user_id = ?`, userID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return state, err
}

func (s *Store) ClearUserState(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM user_states WHERE user_id = ?`, userID)
	return err
}
