package commands

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"highlight/internal/engine"
	"highlight/internal/gateway"
	"highlight/internal/storage"
)

const minPhraseLen = 3

// channelKeywordPattern matches the channel-scoped form:
//
//	add "some phrase" in #general #dev
var channelKeywordPattern = regexp.MustCompile(`^"((?:\\"|[^"])*)" (?:in|from) (.+)$`)

var channelMentionPattern = regexp.MustCompile(`^<#([0-9]+)>$|^([0-9]+)$`)

func (r *Router) keywordCommands() []*Command {
	return []*Command{
		{
			Route:       "add",
			Description: "follow a keyword in this server, or in specific channels",
			Usage:       `add <keyword>  OR  add "<keyword>" in <channels>`,
			GuildOnly:   true,
			Handle:      r.addKeyword,
		},
		{
			Route:       "remove",
			Aliases:     []string{"rm"},
			Description: "stop following a keyword",
			Usage:       `remove <keyword>  OR  remove "<keyword>" from <channels>`,
			GuildOnly:   true,
			Handle:      r.removeKeyword,
		},
		{
			Route:       "keywords",
			Description: "list your keywords",
			Usage:       "keywords",
			Handle:      r.listKeywords,
		},
		{
			Route:       "ignore",
			Description: "suppress matches for a phrase in this server",
			Usage:       "ignore <phrase>",
			GuildOnly:   true,
			Handle:      r.addIgnore,
		},
		{
			Route:       "unignore",
			Description: "stop suppressing a phrase",
			Usage:       "unignore <phrase>",
			GuildOnly:   true,
			Handle:      r.removeIgnore,
		},
		{
			Route:       "ignores",
			Description: "list your ignored phrases in this server",
			Usage:       "ignores",
			GuildOnly:   true,
			Handle:      r.listIgnores,
		},
		{
			Route:       "remove-server",
			Aliases:     []string{"removeserver"},
			Description: "delete all your keywords and ignores for a server by ID",
			Usage:       "remove-server <server ID>",
			Handle:      r.removeServer,
		},
	}
}

func (r *Router) addKeyword(ctx context.Context, req *Request) (string, error) {
	if req.Args == "" {
		return "Usage: `add <keyword>` or `add \"<keyword>\" in <channels>`.", nil
	}

	cfg := r.config()
	count, err := r.store.UserKeywordCount(ctx, req.UserID)
	if err != nil {
		return "", err
	}
	if count >= cfg.MaxKeywords {
		return fmt.Sprintf("You can't create more than %d keywords!", cfg.MaxKeywords), nil
	}

	// On the user's first keyword, probe that DMs actually work so the
	// failure surfaces now instead of at notification time.
	var warn string
	if count == 0 {
		dm := gateway.DM{Body: "Test message; if you can read this, I can send you notifications successfully!"}
		if err := r.sender.SendDM(ctx, req.UserID, dm); err != nil {
			if engine.IsPermanent(err) {
				warn = "\n⚠️ I couldn't DM you. Make sure you have DMs enabled in at least one server we share, or you won't receive notifications."
			} else {
				return "", err
			}
		}
	}

	if m := channelKeywordPattern.FindStringSubmatch(req.Args); m != nil {
		reply, err := r.addChannelKeyword(ctx, req, unescapeQuotes(m[1]), m[2])
		return reply + warn, err
	}

	keyword := strings.ToLower(req.Args)
	if len([]rune(keyword)) < minPhraseLen {
		return "You can't highlight keywords shorter than 3 characters!", nil
	}

	err = r.store.AddKeyword(ctx, storage.Keyword{
		Keyword: keyword,
		UserID:  req.UserID,
		Scope:   storage.GuildScope(req.GuildID),
	})
	if errors.Is(err, storage.ErrExists) {
		return "You already added that keyword!", nil
	}
	if err != nil {
		return "", err
	}
	return "✅ Following " + mdEscape(keyword) + " in this server." + warn, nil
}

func (r *Router) addChannelKeyword(ctx context.Context, req *Request, keyword, channelArgs string) (string, error) {
	keyword = strings.ToLower(strings.TrimSpace(keyword))
	if len([]rune(keyword)) < minPhraseLen {
		return "You can't highlight keywords shorter than 3 characters!", nil
	}

	channels, badArgs := parseChannelArgs(channelArgs)
	if len(channels) == 0 {
		return "Couldn't find channels: " + strings.Join(badArgs, ", "), nil
	}

	var added, already []string
	for _, ch := range channels {
		err := r.store.AddKeyword(ctx, storage.Keyword{
			Keyword: keyword,
			UserID:  req.UserID,
			Scope:   storage.ChannelScope(ch),
		})
		switch {
		case errors.Is(err, storage.ErrExists):
			already = append(already, "<#"+ch+">")
		case err != nil:
			return "", err
		default:
			added = append(added, "<#"+ch+">")
		}
	}

	var parts []string
	if len(added) > 0 {
		parts = append(parts, "Added "+mdEscape(keyword)+" in channels: "+strings.Join(added, ", "))
	}
	if len(already) > 0 {
		parts = append(parts, "Already added "+mdEscape(keyword)+" in channels: "+strings.Join(already, ", "))
	}
	if len(badArgs) > 0 {
		parts = append(parts, "Couldn't find channels: "+strings.Join(badArgs, ", "))
	}
	return strings.Join(parts, "\n"), nil
}

func (r *Router) removeKeyword(ctx context.Context, req *Request) (string, error) {
	if req.Args == "" {
		return "Usage: `remove <keyword>` or `remove \"<keyword>\" from <channels>`.", nil
	}

	if m := channelKeywordPattern.FindStringSubmatch(req.Args); m != nil {
		return r.removeChannelKeyword(ctx, req, unescapeQuotes(m[1]), m[2])
	}

	err := r.store.DeleteKeyword(ctx, storage.Keyword{
		Keyword: strings.ToLower(req.Args),
		UserID:  req.UserID,
		Scope:   storage.GuildScope(req.GuildID),
	})
	if errors.Is(err, storage.ErrNotFound) {
		return "You haven't added that keyword!", nil
	}
	if err != nil {
		return "", err
	}
	return "✅ No longer following " + mdEscape(strings.ToLower(req.Args)) + " in this server.", nil
}

func (r *Router) removeChannelKeyword(ctx context.Context, req *Request, keyword, channelArgs string) (string, error) {
	keyword = strings.ToLower(strings.TrimSpace(keyword))

	channels, badArgs := parseChannelArgs(channelArgs)
	if len(channels) == 0 {
		return "Couldn't find channels: " + strings.Join(badArgs, ", "), nil
	}

	var removed, notAdded []string
	for _, ch := range channels {
		err := r.store.DeleteKeyword(ctx, storage.Keyword{
			Keyword: keyword,
			UserID:  req.UserID,
			Scope:   storage.ChannelScope(ch),
		})
		switch {
		case errors.Is(err, storage.ErrNotFound):
			notAdded = append(notAdded, "<#"+ch+">")
		case err != nil:
			return "", err
		default:
			removed = append(removed, "<#"+ch+">")
		}
	}

	var parts []string
	if len(removed) > 0 {
		parts = append(parts, "Removed "+mdEscape(keyword)+" from channels: "+strings.Join(removed, ", "))
	}
	if len(notAdded) > 0 {
		parts = append(parts, mdEscape(keyword)+" wasn't added in channels: "+strings.Join(notAdded, ", "))
	}
	if len(badArgs) > 0 {
		parts = append(parts, "Couldn't find channels: "+strings.Join(badArgs, ", "))
	}
	return strings.Join(parts, "\n"), nil
}

// listKeywords shows the current server's keywords inside a guild and all
// keywords grouped by server when used in DMs.
func (r *Router) listKeywords(ctx context.Context, req *Request) (string, error) {
	kws, err := r.store.UserKeywords(ctx, req.UserID)
	if err != nil {
		return "", err
	}
	if len(kws) == 0 {
		return "You haven't added any keywords yet!", nil
	}

	type group struct {
		guild   []string
		channel map[string][]string
	}
	byGuild := make(map[string]*group)
	var channelOnly []storage.Keyword

	for _, kw := range kws {
		if kw.Scope.IsGuild() {
			g := byGuild[kw.Scope.ID]
			if g == nil {
				g = &group{channel: map[string][]string{}}
				byGuild[kw.Scope.ID] = g
			}
			g.guild = append(g.guild, kw.Keyword)
		} else {
			channelOnly = append(channelOnly, kw)
		}
	}

	var b strings.Builder
	writeGuild := func(guildID string, g *group) {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		name := r.names.GuildName(guildID)
		if name == "" {
			name = "<Unknown server> (" + guildID + ")"
		}
		fmt.Fprintf(&b, "Your keywords in %s:", name)
		for _, k := range g.guild {
			fmt.Fprintf(&b, "\n  - %s", mdEscape(k))
		}
		chIDs := make([]string, 0, len(g.channel))
		for id := range g.channel {
			chIDs = append(chIDs, id)
		}
		sort.Strings(chIDs)
		for _, id := range chIDs {
			fmt.Fprintf(&b, "\n  In <#%s>:", id)
			for _, k := range g.channel[id] {
				fmt.Fprintf(&b, "\n    - %s", mdEscape(k))
			}
		}
	}

	if req.InGuild() {
		g := byGuild[req.GuildID]
		if g == nil {
			g = &group{channel: map[string][]string{}}
		}
		for _, kw := range channelOnly {
			g.channel[kw.Scope.ID] = append(g.channel[kw.Scope.ID], kw.Keyword)
		}
		if len(g.guild) == 0 && len(g.channel) == 0 {
			return "You haven't added any keywords in this server yet!", nil
		}
		writeGuild(req.GuildID, g)
		return b.String(), nil
	}

	guildIDs := make([]string, 0, len(byGuild))
	for id := range byGuild {
		guildIDs = append(guildIDs, id)
	}
	sort.Strings(guildIDs)
	for _, id := range guildIDs {
		writeGuild(id, byGuild[id])
	}
	if len(channelOnly) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("Your channel keywords:")
		for _, kw := range channelOnly {
			fmt.Fprintf(&b, "\n  In <#%s>: %s", kw.Scope.ID, mdEscape(kw.Keyword))
		}
	}
	return b.String(), nil
}

func (r *Router) addIgnore(ctx context.Context, req *Request) (string, error) {
	if req.Args == "" {
		return "Usage: `ignore <phrase>`.", nil
	}
	phrase := strings.ToLower(req.Args)
	if len([]rune(phrase)) < minPhraseLen {
		return "You can't ignore phrases shorter than 3 characters!", nil
	}

	err := r.store.AddIgnore(ctx, storage.Ignore{
		Phrase:  phrase,
		UserID:  req.UserID,
		GuildID: req.GuildID,
	})
	if errors.Is(err, storage.ErrExists) {
		return "You already ignored that phrase!", nil
	}
	if err != nil {
		return "", err
	}
	return "✅ Ignoring " + mdEscape(phrase) + " in this server.", nil
}

func (r *Router) removeIgnore(ctx context.Context, req *Request) (string, error) {
	if req.Args == "" {
		return "Usage: `unignore <phrase>`.", nil
	}
	err := r.store.DeleteIgnore(ctx, storage.Ignore{
		Phrase:  strings.ToLower(req.Args),
		UserID:  req.UserID,
		GuildID: req.GuildID,
	})
	if errors.Is(err, storage.ErrNotFound) {
		return "You haven't ignored that phrase!", nil
	}
	if err != nil {
		return "", err
	}
	return "✅ No longer ignoring " + mdEscape(strings.ToLower(req.Args)) + " in this server.", nil
}

func (r *Router) listIgnores(ctx context.Context, req *Request) (string, error) {
	igs, err := r.store.UserGuildIgnores(ctx, req.UserID, req.GuildID)
	if err != nil {
		return "", err
	}
	if len(igs) == 0 {
		return "You haven't ignored any phrases!", nil
	}
	phrases := make([]string, len(igs))
	for i, ig := range igs {
		phrases[i] = mdEscape(ig.Phrase)
	}
	name := r.names.GuildName(req.GuildID)
	if name == "" {
		name = "this server"
	}
	return fmt.Sprintf("Your ignored phrases in %s:\n  - %s", name, strings.Join(phrases, "\n  - ")), nil
}

func (r *Router) removeServer(ctx context.Context, req *Request) (string, error) {
	if req.Args == "" {
		return "Usage: `remove-server <server ID>`.", nil
	}
	guildID := strings.TrimSpace(req.Args)
	if !isDigits(guildID) {
		return "Invalid server ID!", nil
	}

	n, err := r.store.DeleteUserGuildData(ctx, req.UserID, guildID)
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "You didn't have any keywords or ignores with that server ID!", nil
	}
	return "✅ Removed your data for that server.", nil
}

// parseChannelArgs accepts channel mentions and raw IDs. Anything else is
// returned as not found.
func parseChannelArgs(args string) (channels, bad []string) {
	for _, f := range strings.Fields(args) {
		m := channelMentionPattern.FindStringSubmatch(f)
		if m == nil {
			bad = append(bad, f)
			continue
		}
		id := m[1]
		if id == "" {
			id = m[2]
		}
		channels = append(channels, id)
	}
	return channels, bad
}

func unescapeQuotes(s string) string { return strings.ReplaceAll(s, `\"`, `"`) }

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

var mdSymbolPattern = regexp.MustCompile("[*_`~\\\\]")

// mdEscape backslash-escapes markdown symbols so user text renders literally.
func mdEscape(s string) string {
	return mdSymbolPattern.ReplaceAllString(s, `\$0`)
}
