package commands

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"highlight/internal/engine"
	"highlight/internal/gateway"
	"highlight/internal/storage"
	"highlight/pkg/logx"
)

type fakeGateway struct {
	mu      sync.Mutex
	replies []string
	dms     []gateway.DM
	dmErr   error
}

func (f *fakeGateway) SendDM(_ context.Context, userID string, dm gateway.DM) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dmErr != nil {
		return f.dmErr
	}
	f.dms = append(f.dms, dm)
	return nil
}

func (f *fakeGateway) Reply(_ context.Context, _ gateway.MessageRef, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, text)
	return nil
}

func (f *fakeGateway) ChannelName(string) string { return "general" }
func (f *fakeGateway) GuildName(string) string   { return "Gophers" }

func (f *fakeGateway) lastReply(t *testing.T) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.replies, "expected a reply")
	return f.replies[len(f.replies)-1]
}

func newTestRouter(t *testing.T, cfg Config) (*Router, *storage.Store, *fakeGateway) {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "highlight.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	gw := &fakeGateway{}
	return NewRouter(cfg, st, gw, logx.Nop()), st, gw
}

func guildMsg(content string) gateway.MessageEvent {
	return gateway.MessageEvent{
		Ref:      gateway.MessageRef{GuildID: "g1", ChannelID: "c1", MessageID: "m1"},
		AuthorID: "u1",
		Content:  content,
	}
}

func dmMsg(content string) gateway.MessageEvent {
	return gateway.MessageEvent{
		Ref:      gateway.MessageRef{ChannelID: "d1", MessageID: "m1"},
		AuthorID: "u1",
		Content:  content,
	}
}

func TestRouterIgnoresNonCommands(t *testing.T) {
	t.Parallel()
	r, _, gw := newTestRouter(t, Config{})

	assert.False(t, r.HandleMessage(context.Background(), guildMsg("just chatting about rust")))
	assert.False(t, r.HandleMessage(context.Background(), guildMsg("unknowncommand here")))
	assert.Empty(t, gw.replies)
}

func TestRouterPrefixOptionalInDM(t *testing.T) {
	t.Parallel()
	r, _, gw := newTestRouter(t, Config{})

	assert.True(t, r.HandleMessage(context.Background(), dmMsg("blocks")))
	assert.Equal(t, "You haven't blocked any users!", gw.lastReply(t))

	assert.True(t, r.HandleMessage(context.Background(), dmMsg("hl!blocks")))
	assert.Equal(t, "You haven't blocked any users!", gw.lastReply(t))
}

func TestRouterUnknownCommandInDM(t *testing.T) {
	t.Parallel()
	r, _, gw := newTestRouter(t, Config{})

	assert.True(t, r.HandleMessage(context.Background(), dmMsg("frobnicate")))
	assert.Equal(t, "Unknown command. Try `hl!help`.", gw.lastReply(t))
}

func TestRouterGuildOnlyCommandInDM(t *testing.T) {
	t.Parallel()
	r, _, gw := newTestRouter(t, Config{})

	assert.True(t, r.HandleMessage(context.Background(), dmMsg("add rust")))
	assert.Equal(t, "That command only works in a server channel.", gw.lastReply(t))
}

func TestAddRemoveKeyword(t *testing.T) {
	t.Parallel()
	r, st, gw := newTestRouter(t, Config{})
	ctx := context.Background()

	require.True(t, r.HandleMessage(ctx, guildMsg("hl!add rust")))
	assert.Contains(t, gw.lastReply(t), "Following rust in this server.")
	// The first keyword triggers a DM probe.
	assert.Len(t, gw.dms, 1)

	require.True(t, r.HandleMessage(ctx, guildMsg("hl!add Rust")))
	assert.Equal(t, "You already added that keyword!", gw.lastReply(t))
	// Only the first keyword probes.
	assert.Len(t, gw.dms, 1)

	require.True(t, r.HandleMessage(ctx, guildMsg("hl!add ab")))
	assert.Equal(t, "You can't highlight keywords shorter than 3 characters!", gw.lastReply(t))

	require.True(t, r.HandleMessage(ctx, guildMsg("hl!remove rust")))
	assert.Contains(t, gw.lastReply(t), "No longer following rust")

	require.True(t, r.HandleMessage(ctx, guildMsg("hl!remove rust")))
	assert.Equal(t, "You haven't added that keyword!", gw.lastReply(t))

	n, err := st.UserKeywordCount(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAddChannelKeyword(t *testing.T) {
	t.Parallel()
	r, st, gw := newTestRouter(t, Config{})
	ctx := context.Background()

	require.True(t, r.HandleMessage(ctx, guildMsg(`hl!add "deploy" in <#111> 222 junk`)))
	reply := gw.lastReply(t)
	assert.Contains(t, reply, "Added deploy in channels: <#111>, <#222>")
	assert.Contains(t, reply, "Couldn't find channels: junk")

	kws, err := st.UserKeywords(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, kws, 2)
	for _, kw := range kws {
		assert.True(t, kw.Scope.IsChannel())
		assert.Equal(t, "deploy", kw.Keyword)
	}

	require.True(t, r.HandleMessage(ctx, guildMsg(`hl!remove "deploy" from <#111>`)))
	assert.Contains(t, gw.lastReply(t), "Removed deploy from channels: <#111>")

	require.True(t, r.HandleMessage(ctx, guildMsg(`hl!remove "deploy" from <#111>`)))
	assert.Contains(t, gw.lastReply(t), "deploy wasn't added in channels: <#111>")
}

func TestKeywordCap(t *testing.T) {
	t.Parallel()
	r, _, gw := newTestRouter(t, Config{MaxKeywords: 1})
	ctx := context.Background()

	require.True(t, r.HandleMessage(ctx, guildMsg("hl!add rust")))
	require.True(t, r.HandleMessage(ctx, guildMsg("hl!add tokio")))
	assert.Equal(t, "You can't create more than 1 keywords!", gw.lastReply(t))
}

func TestFirstKeywordDMProbeWarning(t *testing.T) {
	t.Parallel()
	r, _, gw := newTestRouter(t, Config{})
	gw.dmErr = engine.Permanent("dm_send", errors.New("cannot send messages to this user"))

	require.True(t, r.HandleMessage(context.Background(), guildMsg("hl!add rust")))
	reply := gw.lastReply(t)
	assert.Contains(t, reply, "Following rust")
	assert.Contains(t, reply, "I couldn't DM you.")
}

func TestIgnorePhrases(t *testing.T) {
	t.Parallel()
	r, _, gw := newTestRouter(t, Config{})
	ctx := context.Background()

	require.True(t, r.HandleMessage(ctx, guildMsg("hl!ignore release notes")))
	assert.Contains(t, gw.lastReply(t), "Ignoring release notes")

	require.True(t, r.HandleMessage(ctx, guildMsg("hl!ignore release notes")))
	assert.Equal(t, "You already ignored that phrase!", gw.lastReply(t))

	require.True(t, r.HandleMessage(ctx, guildMsg("hl!ignores")))
	assert.Contains(t, gw.lastReply(t), "Your ignored phrases in Gophers:")
	assert.Contains(t, gw.lastReply(t), "release notes")

	require.True(t, r.HandleMessage(ctx, guildMsg("hl!unignore release notes")))
	assert.Contains(t, gw.lastReply(t), "No longer ignoring release notes")

	require.True(t, r.HandleMessage(ctx, guildMsg("hl!unignore release notes")))
	assert.Equal(t, "You haven't ignored that phrase!", gw.lastReply(t))
}

func TestMuteDefaultsToCurrentChannel(t *testing.T) {
	t.Parallel()
	r, st, gw := newTestRouter(t, Config{})
	ctx := context.Background()

	require.True(t, r.HandleMessage(ctx, guildMsg("hl!mute")))
	assert.Equal(t, "Muted channels: <#c1>", gw.lastReply(t))

	muted, err := st.IsMuted(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.True(t, muted)

	require.True(t, r.HandleMessage(ctx, guildMsg("hl!mute")))
	assert.Equal(t, "Channels already muted: <#c1>", gw.lastReply(t))

	require.True(t, r.HandleMessage(ctx, guildMsg("hl!mutes")))
	assert.Contains(t, gw.lastReply(t), "<#c1>")

	require.True(t, r.HandleMessage(ctx, guildMsg("hl!unmute")))
	assert.Equal(t, "Unmuted channels: <#c1>", gw.lastReply(t))

	require.True(t, r.HandleMessage(ctx, guildMsg("hl!unmute <#555>")))
	assert.Equal(t, "Channels weren't muted: <#555>", gw.lastReply(t))
}

func TestBlocks(t *testing.T) {
	t.Parallel()
	r, st, gw := newTestRouter(t, Config{})
	ctx := context.Background()

	ev := guildMsg("hl!block <@42>")
	ev.Mentions = []string{"42"}
	require.True(t, r.HandleMessage(ctx, ev))
	assert.Equal(t, "Blocked users: <@42>", gw.lastReply(t))

	blocked, err := st.IsBlocked(ctx, "u1", "42")
	require.NoError(t, err)
	assert.True(t, blocked)

	// Blocking only yourself does nothing.
	self := guildMsg("hl!block <@u1>")
	self.Mentions = []string{"u1"}
	require.True(t, r.HandleMessage(ctx, self))
	assert.Equal(t, "You can't block yourself.", gw.lastReply(t))

	require.True(t, r.HandleMessage(ctx, guildMsg("hl!block 77 notanid")))
	reply := gw.lastReply(t)
	assert.Contains(t, reply, "Blocked users: <@77>")
	assert.Contains(t, reply, "Invalid arguments (use mentions or IDs): notanid")

	unb := guildMsg("hl!unblock <@42>")
	unb.Mentions = []string{"42"}
	require.True(t, r.HandleMessage(ctx, unb))
	assert.Equal(t, "Unblocked users: <@42>", gw.lastReply(t))

	require.True(t, r.HandleMessage(ctx, unb))
	assert.Equal(t, "Users weren't blocked: <@42>", gw.lastReply(t))
}

func TestOptOutOptIn(t *testing.T) {
	t.Parallel()
	r, st, gw := newTestRouter(t, Config{})
	ctx := context.Background()

	require.True(t, r.HandleMessage(ctx, dmMsg("opt-out")))
	assert.Contains(t, gw.lastReply(t), "no longer trigger highlights")

	out, err := st.IsOptedOut(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, out)

	require.True(t, r.HandleMessage(ctx, dmMsg("optout")))
	assert.Equal(t, "You already opted out!", gw.lastReply(t))

	require.True(t, r.HandleMessage(ctx, dmMsg("opt-in")))
	assert.Contains(t, gw.lastReply(t), "can trigger highlights again")

	require.True(t, r.HandleMessage(ctx, dmMsg("optin")))
	assert.Equal(t, "You haven't opted out!", gw.lastReply(t))
}

func TestRemoveServer(t *testing.T) {
	t.Parallel()
	r, st, gw := newTestRouter(t, Config{})
	ctx := context.Background()

	require.True(t, r.HandleMessage(ctx, dmMsg("remove-server not-an-id")))
	assert.Equal(t, "Invalid server ID!", gw.lastReply(t))

	require.True(t, r.HandleMessage(ctx, dmMsg("remove-server 123")))
	assert.Equal(t, "You didn't have any keywords or ignores with that server ID!", gw.lastReply(t))

	require.NoError(t, st.AddKeyword(ctx, storage.Keyword{Keyword: "rust", UserID: "u1", Scope: storage.GuildScope("123")}))
	require.True(t, r.HandleMessage(ctx, dmMsg("removeserver 123")))
	assert.Contains(t, gw.lastReply(t), "Removed your data for that server.")
}

func TestListKeywordsGroupsByServer(t *testing.T) {
	t.Parallel()
	r, st, gw := newTestRouter(t, Config{})
	ctx := context.Background()

	require.NoError(t, st.AddKeyword(ctx, storage.Keyword{Keyword: "rust", UserID: "u1", Scope: storage.GuildScope("g1")}))
	require.NoError(t, st.AddKeyword(ctx, storage.Keyword{Keyword: "deploy", UserID: "u1", Scope: storage.ChannelScope("c9")}))

	require.True(t, r.HandleMessage(ctx, guildMsg("hl!keywords")))
	reply := gw.lastReply(t)
	assert.Contains(t, reply, "Your keywords in Gophers:")
	assert.Contains(t, reply, "rust")
	assert.Contains(t, reply, "<#c9>")

	require.True(t, r.HandleMessage(ctx, dmMsg("keywords")))
	reply = gw.lastReply(t)
	assert.Contains(t, reply, "Your keywords in Gophers:")
	assert.Contains(t, reply, "Your channel keywords:")
}

func TestListKeywordsEmpty(t *testing.T) {
	t.Parallel()
	r, _, gw := newTestRouter(t, Config{})

	require.True(t, r.HandleMessage(context.Background(), dmMsg("keywords")))
	assert.Equal(t, "You haven't added any keywords yet!", gw.lastReply(t))
}

func TestHelpListsCommands(t *testing.T) {
	t.Parallel()
	r, _, gw := newTestRouter(t, Config{Prefix: "kw!"})

	require.True(t, r.HandleMessage(context.Background(), dmMsg("help")))
	reply := gw.lastReply(t)
	assert.True(t, strings.HasPrefix(reply, "Available commands:"))
	assert.Contains(t, reply, "`kw!mute [channels]`")
	assert.Contains(t, reply, "`kw!opt-out`")
}

func TestMarkdownEscapedInReplies(t *testing.T) {
	t.Parallel()
	r, _, gw := newTestRouter(t, Config{})

	require.True(t, r.HandleMessage(context.Background(), guildMsg("hl!add *bold*")))
	assert.Contains(t, gw.lastReply(t), `\*bold\*`)
}
