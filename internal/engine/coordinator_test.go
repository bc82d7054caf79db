package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"highlight/internal/gateway"
	"highlight/internal/storage"
)

type fakeMatchStore struct {
	mu       sync.Mutex
	keywords []storage.Keyword
	ignores  map[string][]storage.Ignore // keyed by userID
	optedOut map[string]bool
	lookups  int
}

func newFakeMatchStore(kws ...storage.Keyword) *fakeMatchStore {
	return &fakeMatchStore{
		keywords: kws,
		ignores:  map[string][]storage.Ignore{},
		optedOut: map[string]bool{},
	}
}

func (f *fakeMatchStore) RelevantKeywords(_ context.Context, guildID, channelID, authorID string) ([]storage.Keyword, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	out := make([]storage.Keyword, 0, len(f.keywords))
	for _, kw := range f.keywords {
		if kw.UserID == authorID {
			continue
		}
		switch {
		case kw.Scope.IsGuild() && kw.Scope.ID == guildID:
			out = append(out, kw)
		case kw.Scope.IsChannel() && kw.Scope.ID == channelID:
			out = append(out, kw)
		}
	}
	return out, nil
}

func (f *fakeMatchStore) UserGuildIgnores(_ context.Context, userID, guildID string) ([]storage.Ignore, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ignores[userID], nil
}

func (f *fakeMatchStore) IsOptedOut(_ context.Context, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.optedOut[userID], nil
}

func (f *fakeMatchStore) lookupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookups
}

// coordHarness wires a coordinator to fakes with everyone able to view c1.
func coordHarness(t *testing.T, store *fakeMatchStore) (*Coordinator, *flushRecorder) {
	t.Helper()
	rec := newFlushRecorder()
	agg := NewAggregator(30*time.Millisecond, rec.flush, nil, nopLogger())
	perms := &fakePerms{visible: map[string]bool{
		"owner|c1":  true,
		"owner2|c1": true,
	}}
	res := NewResolver(&fakeEligibilityStore{}, perms, nopLogger())
	c := NewCoordinator(CoordinatorConfig{Workers: 2, QueueSize: 16}, store, res, agg, nopLogger())
	c.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		c.Close(ctx)
	})
	return c, rec
}

func guildMessage(author, content string) gateway.MessageEvent {
	return gateway.MessageEvent{
		Ref:        gateway.MessageRef{GuildID: "g1", ChannelID: "c1", MessageID: "m1"},
		AuthorID:   author,
		AuthorName: author,
		Content:    content,
		Timestamp:  time.Now(),
	}
}

func TestCoordinatorMatchesAndAggregates(t *testing.T) {
	t.Parallel()
	store := newFakeMatchStore(storage.Keyword{Keyword: "rust", UserID: "owner", Scope: storage.GuildScope("g1")})
	c, rec := coordHarness(t, store)

	require.NoError(t, c.HandleMessage(guildMessage("author", "I like Rust a lot")))

	flushed := rec.wait(t, time.Second)
	assert.Equal(t, "owner", flushed.userID)
	require.Len(t, flushed.entries, 1)
	assert.Equal(t, "rust", flushed.entries[0].Keyword)
	// The entry keeps the original casing.
	assert.Equal(t, "I like Rust a lot", flushed.entries[0].Content)
	assert.Equal(t, "author", flushed.entries[0].AuthorName)
	assert.Equal(t, "m1", flushed.entries[0].Ref.MessageID)
}

func TestCoordinatorSkipsBotsAndDMs(t *testing.T) {
	t.Parallel()
	store := newFakeMatchStore(storage.Keyword{Keyword: "rust", UserID: "owner", Scope: storage.GuildScope("g1")})
	c, _ := coordHarness(t, store)

	bot := guildMessage("author", "rust")
	bot.AuthorBot = true
	require.NoError(t, c.HandleMessage(bot))

	dm := guildMessage("author", "rust")
	dm.Ref.GuildID = ""
	require.NoError(t, c.HandleMessage(dm))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, store.lookupCount())
}

func TestCoordinatorSkipsOptedOutAuthor(t *testing.T) {
	t.Parallel()
	store := newFakeMatchStore(storage.Keyword{Keyword: "rust", UserID: "owner", Scope: storage.GuildScope("g1")})
	store.optedOut["author"] = true
	c, rec := coordHarness(t, store)

	require.NoError(t, c.HandleMessage(guildMessage("author", "rust rust rust")))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, rec.count())
}

func TestCoordinatorOneEntryPerMessage(t *testing.T) {
	t.Parallel()
	store := newFakeMatchStore(
		storage.Keyword{Keyword: "rust", UserID: "owner", Scope: storage.GuildScope("g1")},
		storage.Keyword{Keyword: "tokio", UserID: "owner", Scope: storage.GuildScope("g1")},
	)
	c, rec := coordHarness(t, store)

	require.NoError(t, c.HandleMessage(guildMessage("author", "rust and tokio in one message")))

	flushed := rec.wait(t, time.Second)
	// Both keywords match but the message yields a single digest entry.
	require.Len(t, flushed.entries, 1)
}

func TestCoordinatorIgnoredPhraseSuppresses(t *testing.T) {
	t.Parallel()
	store := newFakeMatchStore(storage.Keyword{Keyword: "rust", UserID: "owner", Scope: storage.GuildScope("g1")})
	store.ignores["owner"] = []storage.Ignore{{Phrase: "boring", UserID: "owner", GuildID: "g1"}}
	c, rec := coordHarness(t, store)

	require.NoError(t, c.HandleMessage(guildMessage("author", "rust is boring today")))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, rec.count())
}

func TestCoordinatorChannelScopedKeyword(t *testing.T) {
	t.Parallel()
	store := newFakeMatchStore(storage.Keyword{Keyword: "deploy", UserID: "owner2", Scope: storage.ChannelScope("c1")})
	c, rec := coordHarness(t, store)

	require.NoError(t, c.HandleMessage(guildMessage("author", "deploy went out")))

	flushed := rec.wait(t, time.Second)
	assert.Equal(t, "owner2", flushed.userID)
}

// Close must not pull shard channels out from under concurrent
// HandleMessage callers; a send racing the close would panic.
func TestCoordinatorCloseWaitsForSenders(t *testing.T) {
	t.Parallel()
	for i := 0; i < 50; i++ {
		store := newFakeMatchStore()
		agg := NewAggregator(time.Hour, func(string, []Entry) {}, nil, nopLogger())
		res := NewResolver(&fakeEligibilityStore{}, &fakePerms{}, nopLogger())
		c := NewCoordinator(CoordinatorConfig{Workers: 4, QueueSize: 2}, store, res, agg, nopLogger())
		c.Start(context.Background())

		var wg sync.WaitGroup
		for g := 0; g < 8; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					if err := c.HandleMessage(guildMessage("author", "rust")); err == ErrStopped {
						return
					}
				}
			}()
		}
		c.Close(context.Background())
		wg.Wait()
	}
}

func TestCoordinatorClosedRejectsMessages(t *testing.T) {
	t.Parallel()
	store := newFakeMatchStore()
	rec := newFlushRecorder()
	agg := NewAggregator(time.Hour, rec.flush, nil, nopLogger())
	res := NewResolver(&fakeEligibilityStore{}, &fakePerms{}, nopLogger())
	c := NewCoordinator(CoordinatorConfig{Workers: 1, QueueSize: 4}, store, res, agg, nopLogger())
	c.Start(context.Background())
	c.Close(context.Background())

	err := c.HandleMessage(guildMessage("author", "rust"))
	assert.ErrorIs(t, err, ErrStopped)
}
