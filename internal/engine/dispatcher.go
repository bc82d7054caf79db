package engine

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"highlight/internal/eventbus"
	"highlight/internal/gateway"
	rtsup "highlight/internal/runtime/supervisor"
	"highlight/internal/storage"
	"highlight/pkg/logx"
)

// DispatcherConfig controls the delivery pipeline.
type DispatcherConfig struct {
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 512
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	return c
}

// DeliveryStore records delivery outcomes.
type DeliveryStore interface {
	InsertSentNotifications(ctx context.Context, ns []storage.SentNotification) error
	SetUserState(ctx context.Context, userID, state string) error
	ClearUserState(ctx context.Context, userID string) error
}

// NotifyEvent is emitted on the event bus for delivery lifecycle events.
type NotifyEvent struct {
	UserID  string    `json:"user_id"`
	Entries int       `json:"entries"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}

type digestJob struct {
	userID  string
	entries []Entry
}

// Dispatcher turns flushed digests into direct messages:
// queue + worker pool + rate limit + bounded retry.
//
// Exactly one DM is attempted per flushed digest; a digest that fails
// permanently is dropped and the user's cannot-DM state recorded.
type Dispatcher struct {
	mu sync.Mutex

	cfg     DispatcherConfig
	sender  gateway.Sender
	names   gateway.Directory
	store   DeliveryStore
	log     logx.Logger
	bus     eventbus.Bus
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup
	queue     chan digestJob
	sup       *rtsup.Supervisor
	stopDone  chan struct{} // non-nil while stopping
}

func NewDispatcher(cfg DispatcherConfig, sender gateway.Sender, names gateway.Directory, store DeliveryStore, log logx.Logger, bus eventbus.Bus) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Dispatcher{
		cfg:     cfg,
		sender:  sender,
		names:   names,
		store:   store,
		log:     log,
		bus:     bus,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}
}

// Apply updates the send rate at runtime.
func (d *Dispatcher) Apply(ratePerSec int) {
	if ratePerSec <= 0 {
		return
	}
	d.mu.Lock()
	d.cfg.RatePerSec = ratePerSec
	d.limiter = rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec)
	d.mu.Unlock()
}

// Start is idempotent.
func (d *Dispatcher) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	d.mu.Lock()
	if d.stopDone != nil {
		done := d.stopDone
		d.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		d.mu.Lock()
	}
	if d.queue != nil {
		d.mu.Unlock()
		return
	}

	d.queue = make(chan digestJob, d.cfg.QueueSize)
	d.accepting = true
	workers := d.cfg.Workers

	d.sup = rtsup.New(ctx,
		rtsup.WithLogger(d.log.With(logx.String("comp", "dispatcher"))),
		// Delivery failures must not take down the engine.
		rtsup.WithCancelOnError(false),
	)
	sup := d.sup
	q := d.queue
	d.mu.Unlock()

	for i := 0; i < workers; i++ {
		name := fmt.Sprintf("worker.%d", i)
		sup.GoRestart(name, func(c context.Context) error {
			d.workerLoop(c, q)
			if c.Err() != nil {
				return c.Err()
			}
			// Queue closed; only Stop does that.
			return nil
		}, rtsup.WithPublishFirstError(true))
	}
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (d *Dispatcher) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	d.mu.Lock()
	q := d.queue
	sup := d.sup
	if q == nil {
		d.mu.Unlock()
		return
	}
	if d.stopDone != nil {
		done := d.stopDone
		d.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	d.stopDone = done
	d.accepting = false
	d.mu.Unlock()

	// Shutdown happens asynchronously so callers can time out without leaking state.
	go func() {
		defer close(done)
		// Wait for in-flight enqueues, then close the queue so workers drain.
		d.sendWG.Wait()
		func() {
			defer func() { _ = recover() }()
			close(q)
		}()
		if sup != nil {
			_ = sup.Wait(context.Background())
		}

		d.mu.Lock()
		d.queue = nil
		d.stopDone = nil
		d.sup = nil
		d.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// Force-stop workers; remaining digests are lost (logged by workers).
		if sup != nil {
			sup.Cancel()
		}
	}
}

// Enqueue accepts one flushed digest for delivery. Never blocks: a full
// queue rejects the digest with ErrQueueFull.
func (d *Dispatcher) Enqueue(userID string, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	d.mu.Lock()
	if !d.accepting || d.queue == nil {
		d.mu.Unlock()
		return ErrStopped
	}
	q := d.queue
	d.sendWG.Add(1)
	d.mu.Unlock()
	defer d.sendWG.Done()

	select {
	case q <- digestJob{userID: userID, entries: entries}:
		return nil
	default:
		if d.bus != nil {
			now := time.Now()
			d.bus.Publish(eventbus.Event{Type: eventbus.TypeNotifyDropped, Time: now, Data: NotifyEvent{UserID: userID, Entries: len(entries), At: now, Error: ErrQueueFull.Error()}})
		}
		return ErrQueueFull
	}
}

func (d *Dispatcher) workerLoop(ctx context.Context, q <-chan digestJob) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			d.deliver(ctx, j)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, j digestJob) {
	d.mu.Lock()
	cfg := d.cfg
	lim := d.limiter
	d.mu.Unlock()

	dm := ComposeDigest(j.entries, d.names)

	maxAttempts := 1 + cfg.RetryMax

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}

		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err := d.sender.SendDM(callCtx, j.userID, dm)
		cancel()
		if err == nil {
			d.recordDelivered(ctx, j)
			return
		}
		lastErr = err

		if IsPermanent(err) {
			d.recordUnreachable(ctx, j, err)
			return
		}

		d.log.Debug("digest send failed",
			logx.String("user", j.userID),
			logx.Int("attempt", attempt),
			logx.Int("max", maxAttempts),
			logx.Err(err))

		if attempt >= maxAttempts {
			break
		}
		delay := retryDelay(cfg, attempt)
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return
		}
	}

	d.log.Warn("digest dropped after retries",
		logx.String("user", j.userID),
		logx.Int("entries", len(j.entries)),
		logx.Err(lastErr))
	if d.bus != nil {
		now := time.Now()
		d.bus.Publish(eventbus.Event{Type: eventbus.TypeNotifyFailed, Time: now, Data: NotifyEvent{UserID: j.userID, Entries: len(j.entries), At: now, Error: lastErr.Error()}})
	}
}

func (d *Dispatcher) recordDelivered(ctx context.Context, j digestJob) {
	now := time.Now()
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Type: eventbus.TypeNotifySent, Time: now, Data: NotifyEvent{UserID: j.userID, Entries: len(j.entries), At: now}})
	}
	if d.store == nil {
		return
	}

	ns := make([]storage.SentNotification, 0, len(j.entries))
	for _, e := range j.entries {
		ns = append(ns, storage.SentNotification{
			OriginalMessage: e.Ref.MessageID,
			UserID:          j.userID,
			Keyword:         e.Keyword,
			SentAt:          now,
		})
	}
	sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := d.store.InsertSentNotifications(sctx, ns); err != nil {
		d.log.Warn("failed recording sent notifications", logx.String("user", j.userID), logx.Err(err))
	}
	// A successful DM clears any stale cannot-DM marker.
	_ = d.store.ClearUserState(sctx, j.userID)
}

func (d *Dispatcher) recordUnreachable(ctx context.Context, j digestJob, err error) {
	d.log.Info("recipient unreachable, dropping digest",
		logx.String("user", j.userID),
		logx.Int("entries", len(j.entries)),
		logx.Err(err))
	if d.bus != nil {
		now := time.Now()
		d.bus.Publish(eventbus.Event{Type: eventbus.TypeNotifyFailed, Time: now, Data: NotifyEvent{UserID: j.userID, Entries: len(j.entries), At: now, Error: err.Error()}})
	}
	if d.store != nil {
		sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if serr := d.store.SetUserState(sctx, j.userID, storage.StateCannotDM); serr != nil {
			d.log.Warn("failed recording user state", logx.String("user", j.userID), logx.Err(serr))
		}
	}
}

// ComposeDigest renders one DM summarizing all entries, grouped by keyword
// in first-seen order, each entry with a jump link to its source message.
func ComposeDigest(entries []Entry, names gateway.Directory) gateway.DM {
	keywords := make([]string, 0, 2)
	byKeyword := make(map[string][]Entry, 2)
	for _, e := range entries {
		if _, ok := byKeyword[e.Keyword]; !ok {
			keywords = append(keywords, e.Keyword)
		}
		byKeyword[e.Keyword] = append(byKeyword[e.Keyword], e)
	}

	where := digestLocations(entries, names)
	var title string
	if len(keywords) == 1 && len(entries) == 1 {
		title = fmt.Sprintf("Keyword %q seen in %s", keywords[0], where)
	} else {
		quoted := make([]string, len(keywords))
		for i, k := range keywords {
			quoted[i] = fmt.Sprintf("%q", k)
		}
		title = fmt.Sprintf("Keywords %s seen in %s", strings.Join(quoted, ", "), where)
	}

	var b strings.Builder
	for _, k := range keywords {
		if len(keywords) > 1 {
			fmt.Fprintf(&b, "**%s**\n", k)
		}
		for _, e := range byKeyword[k] {
			content := truncate(e.Content, 200)
			fmt.Fprintf(&b, "%s: %s [(link)](%s)\n", e.AuthorName, content, e.Ref.JumpLink())
		}
	}

	return gateway.DM{Title: title, Body: strings.TrimRight(b.String(), "\n")}
}

// digestLocations names every guild and channel the entries came from,
// channels grouped under their guild in first-seen order. Guild-wide
// keywords can match in several channels within one patience window.
func digestLocations(entries []Entry, names gateway.Directory) string {
	guilds := make([]string, 0, 1)
	channels := make(map[string][]string, 1)
	seen := make(map[string]bool, 1)
	for _, e := range entries {
		key := e.Ref.GuildID + "|" + e.Ref.ChannelID
		if seen[key] {
			continue
		}
		seen[key] = true
		if _, ok := channels[e.Ref.GuildID]; !ok {
			guilds = append(guilds, e.Ref.GuildID)
		}
		channels[e.Ref.GuildID] = append(channels[e.Ref.GuildID], "#"+names.ChannelName(e.Ref.ChannelID))
	}

	parts := make([]string, 0, len(guilds))
	for _, g := range guilds {
		parts = append(parts, fmt.Sprintf("%s (%s)", strings.Join(channels[g], ", "), names.GuildName(g)))
	}
	return strings.Join(parts, "; ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

func retryDelay(cfg DispatcherConfig, attempt int) time.Duration {
	// attempt starts at 1 (first attempt), delay is for the NEXT attempt.
	base := cfg.RetryBase
	maxD := cfg.RetryMaxDelay
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	// Jitter 0.7..1.3
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	if d > maxD {
		d = maxD
	}
	return d
}
