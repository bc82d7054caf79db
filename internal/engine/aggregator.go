package engine

import (
	"context"
	"sync"
	"time"

	"highlight/internal/eventbus"
	"highlight/internal/gateway"
	"highlight/pkg/logx"
)

const defaultPatience = 2 * time.Minute

// Entry is one approved keyword match waiting in a user's digest.
type Entry struct {
	Keyword    string
	Ref        gateway.MessageRef
	AuthorName string
	Content    string
	At         time.Time
}

// Flusher receives the full entry list of a closed digest, in arrival order.
// It is called outside the aggregator lock and must not call back into Add.
type Flusher func(userID string, entries []Entry)

// DigestEvent is published on the bus for digest lifecycle events.
type DigestEvent struct {
	UserID  string    `json:"user_id"`
	Entries int       `json:"entries"`
	At      time.Time `json:"at"`
}

// Aggregator batches approved matches per user and hands each batch to the
// flusher once the patience window closes.
//
// State machine per user: Idle (absent from pending) -> Open (in pending,
// timer armed) -> flushed (removed before the flusher runs). The deadline is
// fixed at open time; later entries never extend it, so a steady trickle of
// matches still converges to one delivery per patience window. Matches that
// arrive while a flush is running simply open the next digest.
//
// A single mutex guards the pending map. It is held only for map and slice
// operations; flushing happens outside it, so one user's slow delivery never
// blocks another user's digest.
type Aggregator struct {
	mu       sync.Mutex
	patience time.Duration
	pending  map[string]*digest
	closed   bool
	seq      uint64

	flush Flusher
	bus   eventbus.Bus
	log   logx.Logger

	flushWG sync.WaitGroup
}

type digest struct {
	id       uint64
	entries  []Entry
	openedAt time.Time
	deadline time.Time
	timer    *time.Timer
}

func NewAggregator(patience time.Duration, flush Flusher, bus eventbus.Bus, log logx.Logger) *Aggregator {
	if patience <= 0 {
		patience = defaultPatience
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Aggregator{
		patience: patience,
		pending:  map[string]*digest{},
		flush:    flush,
		bus:      bus,
		log:      log,
	}
}

// Apply updates the patience window for digests opened after the call.
// Open digests keep their original deadline.
func (a *Aggregator) Apply(patience time.Duration) {
	if patience <= 0 {
		return
	}
	a.mu.Lock()
	a.patience = patience
	a.mu.Unlock()
}

// Add appends an approved match to the user's open digest, opening one (and
// arming its flush timer) if none exists. Returns ErrStopped after Close.
func (a *Aggregator) Add(userID string, e Entry) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrStopped
	}

	d, ok := a.pending[userID]
	if ok {
		// Open: append only. The deadline stays fixed from open time.
		d.entries = append(d.entries, e)
		a.mu.Unlock()
		return nil
	}

	a.seq++
	id := a.seq
	now := time.Now()
	d = &digest{
		id:       id,
		entries:  []Entry{e},
		openedAt: now,
		deadline: now.Add(a.patience),
	}
	// The timer is tied 1:1 to this digest; the id check in fire makes a
	// stale callback harmless if the digest was cancelled or force-flushed.
	d.timer = time.AfterFunc(a.patience, func() { a.fire(userID, id) })
	a.pending[userID] = d
	a.mu.Unlock()

	if a.bus != nil {
		a.bus.Publish(eventbus.Event{Type: eventbus.TypeDigestOpened, Time: now, Data: DigestEvent{UserID: userID, Entries: 1, At: now}})
	}
	return nil
}

func (a *Aggregator) fire(userID string, id uint64) {
	a.mu.Lock()
	d := a.pending[userID]
	if d == nil || d.id != id || a.closed {
		a.mu.Unlock()
		return
	}
	delete(a.pending, userID)
	entries := d.entries
	a.flushWG.Add(1)
	a.mu.Unlock()
	defer a.flushWG.Done()

	a.emitFlush(userID, entries)
}

func (a *Aggregator) emitFlush(userID string, entries []Entry) {
	now := time.Now()
	if a.bus != nil {
		a.bus.Publish(eventbus.Event{Type: eventbus.TypeDigestFlushed, Time: now, Data: DigestEvent{UserID: userID, Entries: len(entries), At: now}})
	}
	a.flush(userID, entries)
}

// Cancel drops the user's open digest without flushing it. Accumulated
// entries are discarded.
func (a *Aggregator) Cancel(userID string) {
	a.mu.Lock()
	d := a.pending[userID]
	if d != nil {
		d.timer.Stop()
		delete(a.pending, userID)
	}
	a.mu.Unlock()
}

// OpenDigests returns the number of users with a digest awaiting flush.
func (a *Aggregator) OpenDigests() int {
	a.mu.Lock()
	n := len(a.pending)
	a.mu.Unlock()
	return n
}

// Close force-flushes every open digest and stops accepting matches.
// Pending notifications are delivered rather than dropped so a restart does
// not silently lose queued work.
func (a *Aggregator) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	drained := make(map[string][]Entry, len(a.pending))
	for userID, d := range a.pending {
		d.timer.Stop()
		drained[userID] = d.entries
	}
	a.pending = map[string]*digest{}
	a.mu.Unlock()

	for userID, entries := range drained {
		a.emitFlush(userID, entries)
	}

	// Wait for timer-driven flushes that were already past the id check.
	done := make(chan struct{})
	go func() {
		a.flushWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
