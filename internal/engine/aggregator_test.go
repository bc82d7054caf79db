package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"highlight/internal/gateway"
)

type flushRecorder struct {
	mu      sync.Mutex
	flushes []flushRecord
	ch      chan flushRecord
}

type flushRecord struct {
	userID  string
	entries []Entry
}

func newFlushRecorder() *flushRecorder {
	return &flushRecorder{ch: make(chan flushRecord, 16)}
}

func (f *flushRecorder) flush(userID string, entries []Entry) {
	rec := flushRecord{userID: userID, entries: entries}
	f.mu.Lock()
	f.flushes = append(f.flushes, rec)
	f.mu.Unlock()
	f.ch <- rec
}

func (f *flushRecorder) wait(t *testing.T, timeout time.Duration) flushRecord {
	t.Helper()
	select {
	case rec := <-f.ch:
		return rec
	case <-time.After(timeout):
		t.Fatal("timed out waiting for a flush")
		return flushRecord{}
	}
}

func (f *flushRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.flushes)
}

func entry(keyword, msgID string) Entry {
	return Entry{
		Keyword: keyword,
		Ref:     gateway.MessageRef{GuildID: "g1", ChannelID: "c1", MessageID: msgID},
		At:      time.Now(),
	}
}

func TestAggregatorBatchesUntilDeadline(t *testing.T) {
	t.Parallel()
	rec := newFlushRecorder()
	agg := NewAggregator(80*time.Millisecond, rec.flush, nil, nopLogger())

	if err := agg.Add("u1", entry("rust", "m1")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := agg.Add("u1", entry("rust", "m2")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := agg.Add("u1", entry("go", "m3")); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if n := agg.OpenDigests(); n != 1 {
		t.Fatalf("OpenDigests = %d, want 1", n)
	}

	got := rec.wait(t, time.Second)
	if got.userID != "u1" {
		t.Fatalf("flushed user = %q, want u1", got.userID)
	}
	if len(got.entries) != 3 {
		t.Fatalf("flushed %d entries, want 3", len(got.entries))
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if got.entries[i].Ref.MessageID != want {
			t.Fatalf("entry %d = %s, want %s (arrival order)", i, got.entries[i].Ref.MessageID, want)
		}
	}
	if rec.count() != 1 {
		t.Fatalf("got %d flushes, want exactly 1", rec.count())
	}
	if n := agg.OpenDigests(); n != 0 {
		t.Fatalf("OpenDigests after flush = %d, want 0", n)
	}
}

// The deadline is fixed at digest-open time; a steady trickle of entries
// must not postpone delivery.
func TestAggregatorDeadlineDoesNotExtend(t *testing.T) {
	t.Parallel()
	rec := newFlushRecorder()
	agg := NewAggregator(100*time.Millisecond, rec.flush, nil, nopLogger())

	start := time.Now()
	_ = agg.Add("u1", entry("rust", "m1"))
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(30 * time.Millisecond)
		defer ticker.Stop()
		for i := 0; i < 10; i++ {
			<-ticker.C
			if agg.Add("u1", entry("rust", "mX")) != nil {
				return
			}
		}
	}()

	rec.wait(t, time.Second)
	elapsed := time.Since(start)
	if elapsed > 400*time.Millisecond {
		t.Fatalf("flush took %v; deadline extended by later entries", elapsed)
	}
	<-done
}

// Simultaneous adds for one user must land in a single open digest and
// produce exactly one flush carrying every entry.
func TestAggregatorConcurrentAddsOneDigest(t *testing.T) {
	t.Parallel()
	rec := newFlushRecorder()
	agg := NewAggregator(100*time.Millisecond, rec.flush, nil, nopLogger())

	const adders = 8
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < adders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			if err := agg.Add("u1", entry("rust", "m"+string(rune('a'+i)))); err != nil {
				t.Errorf("Add: %v", err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	if n := agg.OpenDigests(); n != 1 {
		t.Fatalf("OpenDigests = %d, want 1", n)
	}
	got := rec.wait(t, time.Second)
	if len(got.entries) != adders {
		t.Fatalf("flushed %d entries, want %d", len(got.entries), adders)
	}
	time.Sleep(150 * time.Millisecond)
	if rec.count() != 1 {
		t.Fatalf("got %d flushes, want exactly 1", rec.count())
	}
}

func TestAggregatorNewDigestAfterFlush(t *testing.T) {
	t.Parallel()
	rec := newFlushRecorder()
	agg := NewAggregator(50*time.Millisecond, rec.flush, nil, nopLogger())

	_ = agg.Add("u1", entry("rust", "m1"))
	rec.wait(t, time.Second)

	_ = agg.Add("u1", entry("rust", "m2"))
	got := rec.wait(t, time.Second)
	if len(got.entries) != 1 || got.entries[0].Ref.MessageID != "m2" {
		t.Fatalf("second digest = %v, want just m2", got.entries)
	}
}

func TestAggregatorIndependentUsers(t *testing.T) {
	t.Parallel()
	rec := newFlushRecorder()
	agg := NewAggregator(50*time.Millisecond, rec.flush, nil, nopLogger())

	_ = agg.Add("u1", entry("rust", "m1"))
	_ = agg.Add("u2", entry("rust", "m1"))
	if n := agg.OpenDigests(); n != 2 {
		t.Fatalf("OpenDigests = %d, want 2", n)
	}

	users := map[string]bool{}
	users[rec.wait(t, time.Second).userID] = true
	users[rec.wait(t, time.Second).userID] = true
	if !users["u1"] || !users["u2"] {
		t.Fatalf("expected one flush per user, got %v", users)
	}
}

func TestAggregatorCancelDiscards(t *testing.T) {
	t.Parallel()
	rec := newFlushRecorder()
	agg := NewAggregator(40*time.Millisecond, rec.flush, nil, nopLogger())

	_ = agg.Add("u1", entry("rust", "m1"))
	agg.Cancel("u1")

	time.Sleep(120 * time.Millisecond)
	if rec.count() != 0 {
		t.Fatalf("cancelled digest was flushed")
	}
}

func TestAggregatorCloseForceFlushes(t *testing.T) {
	t.Parallel()
	rec := newFlushRecorder()
	agg := NewAggregator(time.Hour, rec.flush, nil, nopLogger())

	_ = agg.Add("u1", entry("rust", "m1"))
	_ = agg.Add("u2", entry("go", "m2"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := agg.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if rec.count() != 2 {
		t.Fatalf("Close flushed %d digests, want 2", rec.count())
	}

	if err := agg.Add("u3", entry("rust", "m3")); err != ErrStopped {
		t.Fatalf("Add after Close = %v, want ErrStopped", err)
	}
}
