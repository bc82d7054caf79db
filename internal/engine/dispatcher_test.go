package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"highlight/internal/gateway"
	"highlight/internal/storage"
)

type fakeSender struct {
	mu    sync.Mutex
	calls int
	fail  []error       // consumed per call; nil entry means success
	gate  chan struct{} // when non-nil, SendDM blocks until the gate closes
	sent  []gateway.DM
	users []string
}

func newFakeSender(fail ...error) *fakeSender {
	return &fakeSender{fail: fail}
}

func (f *fakeSender) SendDM(_ context.Context, userID string, dm gateway.DM) error {
	f.mu.Lock()
	i := f.calls
	f.calls++
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	var err error
	if i < len(f.fail) {
		err = f.fail[i]
	}
	if err == nil {
		f.sent = append(f.sent, dm)
		f.users = append(f.users, userID)
	}
	return err
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeSender) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeDirectory struct{}

func (fakeDirectory) ChannelName(id string) string {
	if id == "c2" {
		return "dev"
	}
	return "general"
}
func (fakeDirectory) GuildName(id string) string { return "Gophers" }

type fakeDeliveryStore struct {
	mu       sync.Mutex
	inserted []storage.SentNotification
	states   map[string]string
}

func newFakeDeliveryStore() *fakeDeliveryStore {
	return &fakeDeliveryStore{states: map[string]string{}}
}

func (f *fakeDeliveryStore) InsertSentNotifications(_ context.Context, ns []storage.SentNotification) error {
	f.mu.Lock()
	f.inserted = append(f.inserted, ns...)
	f.mu.Unlock()
	return nil
}

func (f *fakeDeliveryStore) SetUserState(_ context.Context, userID, state string) error {
	f.mu.Lock()
	f.states[userID] = state
	f.mu.Unlock()
	return nil
}

func (f *fakeDeliveryStore) ClearUserState(_ context.Context, userID string) error {
	f.mu.Lock()
	delete(f.states, userID)
	f.mu.Unlock()
	return nil
}

func (f *fakeDeliveryStore) state(userID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[userID]
}

func testDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Workers:       1,
		QueueSize:     8,
		RatePerSec:    1000,
		RetryMax:      2,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
		SendTimeout:   time.Second,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestDispatcherDelivers(t *testing.T) {
	t.Parallel()
	sender := newFakeSender()
	store := newFakeDeliveryStore()
	d := NewDispatcher(testDispatcherConfig(), sender, fakeDirectory{}, store, nopLogger(), nil)
	d.Start(context.Background())
	defer d.Stop(context.Background())

	entries := []Entry{entry("rust", "m1"), entry("rust", "m2")}
	require.NoError(t, d.Enqueue("u1", entries))

	waitFor(t, func() bool { return sender.sentCount() == 1 })
	assert.Equal(t, []string{"u1"}, sender.users)

	waitFor(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.inserted) == 2
	})
	store.mu.Lock()
	assert.Equal(t, "m1", store.inserted[0].OriginalMessage)
	assert.Equal(t, "rust", store.inserted[0].Keyword)
	assert.Equal(t, "u1", store.inserted[0].UserID)
	store.mu.Unlock()
}

func TestDispatcherRetriesTransient(t *testing.T) {
	t.Parallel()
	sender := newFakeSender(
		Transient("dm_send", errors.New("http 500")),
		Transient("dm_send", errors.New("http 500")),
		nil,
	)
	store := newFakeDeliveryStore()
	d := NewDispatcher(testDispatcherConfig(), sender, fakeDirectory{}, store, nopLogger(), nil)
	d.Start(context.Background())
	defer d.Stop(context.Background())

	require.NoError(t, d.Enqueue("u1", []Entry{entry("rust", "m1")}))

	waitFor(t, func() bool { return sender.sentCount() == 1 })
	assert.Equal(t, 3, sender.callCount())
	assert.Empty(t, store.state("u1"))
}

func TestDispatcherPermanentMarksUnreachable(t *testing.T) {
	t.Parallel()
	sender := newFakeSender(Permanent("dm_send", errors.New("cannot send messages to this user")))
	store := newFakeDeliveryStore()
	d := NewDispatcher(testDispatcherConfig(), sender, fakeDirectory{}, store, nopLogger(), nil)
	d.Start(context.Background())
	defer d.Stop(context.Background())

	require.NoError(t, d.Enqueue("u1", []Entry{entry("rust", "m1")}))

	waitFor(t, func() bool { return store.state("u1") == storage.StateCannotDM })
	// No retry after a permanent failure.
	assert.Equal(t, 1, sender.callCount())
}

func TestDispatcherQueueFull(t *testing.T) {
	t.Parallel()
	sender := newFakeSender()
	sender.gate = make(chan struct{})
	cfg := testDispatcherConfig()
	cfg.QueueSize = 1
	d := NewDispatcher(cfg, sender, fakeDirectory{}, newFakeDeliveryStore(), nopLogger(), nil)
	d.Start(context.Background())

	// First digest blocks the only worker inside SendDM.
	require.NoError(t, d.Enqueue("u1", []Entry{entry("rust", "m1")}))
	waitFor(t, func() bool { return sender.callCount() == 1 })
	// Second digest fills the queue slot.
	require.NoError(t, d.Enqueue("u2", []Entry{entry("rust", "m2")}))

	err := d.Enqueue("u3", []Entry{entry("rust", "m3")})
	assert.ErrorIs(t, err, ErrQueueFull)

	close(sender.gate)
	d.Stop(context.Background())
	assert.Equal(t, 2, sender.sentCount())
}

func TestDispatcherStopDrains(t *testing.T) {
	t.Parallel()
	sender := newFakeSender()
	store := newFakeDeliveryStore()
	d := NewDispatcher(testDispatcherConfig(), sender, fakeDirectory{}, store, nopLogger(), nil)
	d.Start(context.Background())

	for i := 0; i < 5; i++ {
		require.NoError(t, d.Enqueue("u1", []Entry{entry("rust", "m1")}))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d.Stop(ctx)

	assert.Equal(t, 5, sender.sentCount())
	assert.ErrorIs(t, d.Enqueue("u1", []Entry{entry("rust", "m1")}), ErrStopped)
}

func TestComposeDigestSingle(t *testing.T) {
	t.Parallel()
	e := entry("rust", "m1")
	e.AuthorName = "alice"
	e.Content = "rust is nice"

	dm := ComposeDigest([]Entry{e}, fakeDirectory{})
	assert.Equal(t, `Keyword "rust" seen in #general (Gophers)`, dm.Title)
	assert.Contains(t, dm.Body, "alice: rust is nice")
	assert.Contains(t, dm.Body, e.Ref.JumpLink())
}

func TestComposeDigestGroupsByKeyword(t *testing.T) {
	t.Parallel()
	e1 := entry("rust", "m1")
	e1.AuthorName = "alice"
	e1.Content = "rust talk"
	e2 := entry("go", "m2")
	e2.AuthorName = "bob"
	e2.Content = "go talk"
	e3 := entry("rust", "m3")
	e3.AuthorName = "carol"
	e3.Content = "more rust"

	dm := ComposeDigest([]Entry{e1, e2, e3}, fakeDirectory{})
	assert.True(t, strings.HasPrefix(dm.Title, "Keywords "))
	assert.Contains(t, dm.Title, `"rust"`)
	assert.Contains(t, dm.Title, `"go"`)

	// Keyword groups appear in first-seen order.
	rustIdx := strings.Index(dm.Body, "**rust**")
	goIdx := strings.Index(dm.Body, "**go**")
	require.GreaterOrEqual(t, rustIdx, 0)
	require.Greater(t, goIdx, rustIdx)
	assert.Contains(t, dm.Body, "carol: more rust")
}

// A guild-wide keyword can match in several channels within one window;
// the title must name them all, not just the first entry's channel.
func TestComposeDigestMultipleChannels(t *testing.T) {
	t.Parallel()
	e1 := entry("rust", "m1")
	e1.AuthorName = "alice"
	e1.Content = "rust here"
	e2 := entry("rust", "m2")
	e2.Ref.ChannelID = "c2"
	e2.AuthorName = "bob"
	e2.Content = "rust there"

	dm := ComposeDigest([]Entry{e1, e2}, fakeDirectory{})
	assert.Equal(t, `Keywords "rust" seen in #general, #dev (Gophers)`, dm.Title)
	assert.Contains(t, dm.Body, "alice: rust here")
	assert.Contains(t, dm.Body, "bob: rust there")
}

func TestComposeDigestTruncatesLongContent(t *testing.T) {
	t.Parallel()
	e := entry("rust", "m1")
	e.AuthorName = "alice"
	e.Content = strings.Repeat("x", 500)

	dm := ComposeDigest([]Entry{e}, fakeDirectory{})
	assert.NotContains(t, dm.Body, strings.Repeat("x", 300))
	assert.Contains(t, dm.Body, "…")
}
