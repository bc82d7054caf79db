// Package discord adapts the Discord gateway and REST API to the
// collaborator surface the engine consumes.
package discord

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"highlight/internal/gateway"
	"highlight/pkg/logx"
)

const embedColor = 0xefff47

type Config struct {
	Token string
}

type Adapter struct {
	cfg     Config
	log     logx.Logger
	session *discordgo.Session

	runMu     sync.Mutex
	running   bool
	runCancel context.CancelFunc
	runWG     sync.WaitGroup
	removeFns []func()

	// droppedEvents counts events dropped because the consumer was slower
	// than the gateway stream. Logged periodically, not per event.
	droppedEvents uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("discord token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, err
	}
	s.Identify.Intents = discordgo.IntentGuilds |
		discordgo.IntentGuildMessages |
		discordgo.IntentDirectMessages |
		discordgo.IntentMessageContent
	s.StateEnabled = true
	return &Adapter{cfg: cfg, log: log, session: s}, nil
}

func (a *Adapter) Start(ctx context.Context, out chan<- gateway.MessageEvent) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	rctx, cancel := context.WithCancel(ctx)
	a.runCancel = cancel
	a.runWG.Add(1)
	a.runMu.Unlock()

	// Periodic summary for dropped events.
	go func() {
		defer a.runWG.Done()
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		flush := func() {
			if n := atomic.SwapUint64(&a.droppedEvents, 0); n > 0 {
				a.log.Warn("inbound messages dropped (channel full)",
					logx.Uint64("count", n),
					logx.Int("chan_cap", cap(out)))
			}
		}
		for {
			select {
			case <-rctx.Done():
				flush()
				return
			case <-ticker.C:
				flush()
			}
		}
	}()

	remove := a.session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || (s.State.User != nil && m.Author.ID == s.State.User.ID) {
			return
		}
		mentions := make([]string, 0, len(m.Mentions))
		for _, u := range m.Mentions {
			mentions = append(mentions, u.ID)
		}
		ev := gateway.MessageEvent{
			Ref: gateway.MessageRef{
				GuildID:   m.GuildID,
				ChannelID: m.ChannelID,
				MessageID: m.ID,
			},
			AuthorID:   m.Author.ID,
			AuthorName: m.Author.Username,
			AuthorBot:  m.Author.Bot,
			Content:    m.Content,
			Mentions:   mentions,
			Timestamp:  m.Timestamp,
		}
		select {
		case out <- ev:
		default:
			atomic.AddUint64(&a.droppedEvents, 1)
		}
	})
	a.runMu.Lock()
	a.removeFns = append(a.removeFns, remove)
	a.runMu.Unlock()

	if err := a.session.Open(); err != nil {
		a.stopPump()
		return classify("gateway_open", err)
	}
	a.log.Info("gateway connected")
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	if !a.running {
		a.runMu.Unlock()
		return nil
	}
	a.runMu.Unlock()

	err := a.session.Close()
	a.stopPump()

	done := make(chan struct{})
	go func() {
		a.runWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return err
}

func (a *Adapter) stopPump() {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	for _, rm := range a.removeFns {
		rm()
	}
	a.removeFns = nil
	if a.runCancel != nil {
		a.runCancel()
		a.runCancel = nil
	}
	a.running = false
}

// CanView answers from the session state where possible, falling back to
// the REST API.
func (a *Adapter) CanView(ctx context.Context, userID, channelID string) (bool, error) {
	perms, err := a.session.UserChannelPermissions(userID, channelID, discordgo.WithContext(ctx))
	if err != nil {
		return false, classify("user_channel_permissions", err)
	}
	return perms&discordgo.PermissionViewChannel != 0, nil
}

func (a *Adapter) SendDM(ctx context.Context, userID string, dm gateway.DM) error {
	ch, err := a.session.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return classify("user_channel_create", err)
	}

	send := &discordgo.MessageSend{
		AllowedMentions: &discordgo.MessageAllowedMentions{},
	}
	if dm.Title != "" {
		send.Embeds = []*discordgo.MessageEmbed{{
			Title:       dm.Title,
			Description: dm.Body,
			Color:       embedColor,
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
		}}
	} else {
		send.Content = dm.Body
	}

	if _, err := a.session.ChannelMessageSendComplex(ch.ID, send, discordgo.WithContext(ctx)); err != nil {
		return classify("dm_send", err)
	}
	return nil
}

func (a *Adapter) Reply(ctx context.Context, ref gateway.MessageRef, text string) error {
	send := &discordgo.MessageSend{
		Content:         text,
		AllowedMentions: &discordgo.MessageAllowedMentions{},
		Reference: &discordgo.MessageReference{
			MessageID: ref.MessageID,
			ChannelID: ref.ChannelID,
			GuildID:   ref.GuildID,
		},
	}
	if _, err := a.session.ChannelMessageSendComplex(ref.ChannelID, send, discordgo.WithContext(ctx)); err != nil {
		return classify("reply", err)
	}
	return nil
}

func (a *Adapter) ChannelName(channelID string) string {
	if ch, err := a.session.State.Channel(channelID); err == nil {
		return ch.Name
	}
	return ""
}

func (a *Adapter) GuildName(guildID string) string {
	if g, err := a.session.State.Guild(guildID); err == nil {
		return g.Name
	}
	return ""
}
