// Package commands implements the text command surface: keyword and
// ignore management, mutes, blocks, opt-out, and introspection. Commands
// operate on storage only; the engine observes the changes on the next
// message event.
package commands

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"highlight/internal/gateway"
	"highlight/internal/storage"
	"highlight/pkg/logx"
)

// Request carries one parsed command invocation.
type Request struct {
	UserID    string
	GuildID   string // empty in DMs
	ChannelID string
	Ref       gateway.MessageRef
	Args      string // raw argument string, trimmed
	Mentions  []string
}

// InGuild reports whether the command was issued inside a guild channel.
func (r *Request) InGuild() bool { return r.GuildID != "" }

// Handler runs one command and returns the reply text.
type Handler func(ctx context.Context, req *Request) (string, error)

// Command describes one route in the command table.
type Command struct {
	Route       string
	Aliases     []string
	Description string
	Usage       string
	GuildOnly   bool
	Handle      Handler
}

// Config is the runtime-adjustable part of the router.
type Config struct {
	Prefix      string
	MaxKeywords int
}

func (c Config) withDefaults() Config {
	if c.Prefix == "" {
		c.Prefix = "hl!"
	}
	if c.MaxKeywords <= 0 {
		c.MaxKeywords = 100
	}
	return c
}

// Router parses prefixed messages and dispatches them to the command table.
type Router struct {
	mu  sync.Mutex
	cfg Config

	store  *storage.Store
	sender gateway.Sender
	reply  gateway.Replier
	names  gateway.Directory
	log    logx.Logger

	cmds   []*Command
	routes map[string]*Command
}

func NewRouter(cfg Config, store *storage.Store, gw interface {
	gateway.Sender
	gateway.Replier
	gateway.Directory
}, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		cfg:    cfg.withDefaults(),
		store:  store,
		sender: gw,
		reply:  gw,
		names:  gw,
		log:    log,
		routes: make(map[string]*Command),
	}
	r.register(r.keywordCommands()...)
	r.register(r.muteCommands()...)
	r.register(r.blockCommands()...)
	r.register(r.optOutCommands()...)
	r.register(&Command{
		Route:       "help",
		Description: "list available commands",
		Usage:       "help",
		Handle:      r.help,
	})
	return r
}

// Apply updates prefix and keyword cap at runtime.
func (r *Router) Apply(cfg Config) {
	r.mu.Lock()
	r.cfg = cfg.withDefaults()
	r.mu.Unlock()
}

func (r *Router) config() Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

func (r *Router) register(cmds ...*Command) {
	for _, c := range cmds {
		r.cmds = append(r.cmds, c)
		r.routes[c.Route] = c
		for _, a := range c.Aliases {
			r.routes[a] = c
		}
	}
}

// HandleMessage dispatches ev if it is a command. The returned bool
// reports whether the message was consumed; non-command messages are
// left to the matching pipeline.
func (r *Router) HandleMessage(ctx context.Context, ev gateway.MessageEvent) bool {
	cfg := r.config()

	text := strings.TrimSpace(ev.Content)
	// In DMs the prefix is optional.
	if strings.HasPrefix(text, cfg.Prefix) {
		text = strings.TrimSpace(text[len(cfg.Prefix):])
	} else if !ev.IsDM() {
		return false
	}
	if text == "" {
		return false
	}

	route := text
	args := ""
	if i := strings.IndexByte(text, ' '); i >= 0 {
		route, args = text[:i], strings.TrimSpace(text[i+1:])
	}
	route = strings.ToLower(route)

	cmd, ok := r.routes[route]
	if !ok {
		if ev.IsDM() {
			r.send(ctx, ev.Ref, "Unknown command. Try `"+cfg.Prefix+"help`.")
			return true
		}
		return false
	}

	req := &Request{
		UserID:    ev.AuthorID,
		GuildID:   ev.GuildID(),
		ChannelID: ev.Ref.ChannelID,
		Ref:       ev.Ref,
		Args:      args,
		Mentions:  ev.Mentions,
	}

	if cmd.GuildOnly && !req.InGuild() {
		r.send(ctx, ev.Ref, "That command only works in a server channel.")
		return true
	}

	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	reply, err := cmd.Handle(cctx, req)
	if err != nil {
		r.log.Warn("command failed",
			logx.String("route", cmd.Route),
			logx.String("user", req.UserID),
			logx.Err(err))
		reply = "Something went wrong running that command."
	}
	if reply != "" {
		r.send(ctx, ev.Ref, reply)
	}
	return true
}

func (r *Router) send(ctx context.Context, ref gateway.MessageRef, text string) {
	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.reply.Reply(sctx, ref, text); err != nil {
		r.log.Warn("command reply failed", logx.String("channel", ref.ChannelID), logx.Err(err))
	}
}

func (r *Router) help(ctx context.Context, req *Request) (string, error) {
	cfg := r.config()

	cmds := make([]*Command, len(r.cmds))
	copy(cmds, r.cmds)
	sort.Slice(cmds, func(i, j int) bool { return cmds[i].Route < cmds[j].Route })

	var b strings.Builder
	b.WriteString("Available commands:\n")
	for _, c := range cmds {
		b.WriteString("`")
		b.WriteString(cfg.Prefix)
		b.WriteString(c.Usage)
		b.WriteString("`: ")
		b.WriteString(c.Description)
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
