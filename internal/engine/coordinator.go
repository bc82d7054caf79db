package engine

import (
	"context"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"time"

	"highlight/internal/gateway"
	rtsup "highlight/internal/runtime/supervisor"
	"highlight/internal/storage"
	"highlight/pkg/logx"
)

// CoordinatorConfig controls the matching stage.
type CoordinatorConfig struct {
	Workers   int // number of shards, each with one worker
	QueueSize int // per-shard queue capacity
}

func (c CoordinatorConfig) withDefaults() CoordinatorConfig {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	return c
}

// MatchStore is the storage surface the coordinator needs.
type MatchStore interface {
	RelevantKeywords(ctx context.Context, guildID, channelID, authorID string) ([]storage.Keyword, error)
	UserGuildIgnores(ctx context.Context, userID, guildID string) ([]storage.Ignore, error)
	IsOptedOut(ctx context.Context, userID string) (bool, error)
}

// Coordinator fans each guild message out to the users whose keywords
// match it. Messages are sharded by channel so that within a channel
// they are processed in arrival order.
type Coordinator struct {
	cfg    CoordinatorConfig
	store  MatchStore
	res    *Resolver
	agg    *Aggregator
	log    logx.Logger
	shards []chan gateway.MessageEvent
	sup    *rtsup.Supervisor

	mu      sync.Mutex
	sendWG  sync.WaitGroup
	started bool
	closed  bool
	dropped uint64
}

func NewCoordinator(cfg CoordinatorConfig, store MatchStore, res *Resolver, agg *Aggregator, log logx.Logger) *Coordinator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Coordinator{
		cfg:   cfg.withDefaults(),
		store: store,
		res:   res,
		agg:   agg,
		log:   log,
	}
}

// Start is idempotent.
func (c *Coordinator) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.closed {
		return
	}
	c.started = true

	c.shards = make([]chan gateway.MessageEvent, c.cfg.Workers)
	c.sup = rtsup.New(ctx,
		rtsup.WithLogger(c.log.With(logx.String("comp", "coordinator"))),
		rtsup.WithCancelOnError(false),
	)
	for i := range c.shards {
		ch := make(chan gateway.MessageEvent, c.cfg.QueueSize)
		c.shards[i] = ch
		name := "shard." + strconv.Itoa(i)
		c.sup.GoRestart(name, func(sctx context.Context) error {
			c.shardLoop(sctx, ch)
			if sctx.Err() != nil {
				return sctx.Err()
			}
			return nil
		}, rtsup.WithPublishFirstError(true))
	}
}

// HandleMessage routes one gateway message to its channel shard.
// Never blocks: when the shard queue is full the message is dropped
// and counted.
func (c *Coordinator) HandleMessage(ev gateway.MessageEvent) error {
	if ev.AuthorBot || ev.IsDM() {
		return nil
	}

	c.mu.Lock()
	if c.closed || !c.started {
		c.mu.Unlock()
		return ErrStopped
	}
	shards := c.shards
	c.sendWG.Add(1)
	c.mu.Unlock()
	defer c.sendWG.Done()

	h := fnv.New32a()
	h.Write([]byte(ev.Ref.ChannelID))
	ch := shards[int(h.Sum32())%len(shards)]

	select {
	case ch <- ev:
		return nil
	default:
		c.mu.Lock()
		c.dropped++
		n := c.dropped
		c.mu.Unlock()
		c.log.Warn("message dropped, shard queue full",
			logx.String("channel", ev.Ref.ChannelID),
			logx.Uint64("dropped_total", n))
		return ErrQueueFull
	}
}

// Dropped reports how many messages were discarded due to full shards.
func (c *Coordinator) Dropped() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Close stops intake, drains the shard queues, then closes the aggregator
// (force-flushing any open digests). Best-effort until ctx deadline.
func (c *Coordinator) Close(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	shards := c.shards
	sup := c.sup
	c.mu.Unlock()

	// Wait for in-flight HandleMessage sends before closing the shards.
	c.sendWG.Wait()
	for _, ch := range shards {
		close(ch)
	}
	if sup != nil {
		if err := sup.Wait(ctx); err != nil {
			sup.Cancel()
			_ = sup.Wait(context.Background())
		}
	}
	if c.agg != nil {
		_ = c.agg.Close(ctx)
	}
}

func (c *Coordinator) shardLoop(ctx context.Context, ch <-chan gateway.MessageEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			c.process(ctx, ev)
		}
	}
}

// process performs the full matching pass for one message. Per-user work
// runs concurrently but process returns only once every user's outcome
// is settled, so the shard keeps per-channel ordering intact.
func (c *Coordinator) process(ctx context.Context, ev gateway.MessageEvent) {
	opted, err := c.store.IsOptedOut(ctx, ev.AuthorID)
	if err != nil {
		c.log.Warn("opt-out lookup failed", logx.String("author", ev.AuthorID), logx.Err(err))
		return
	}
	if opted {
		return
	}

	keywords, err := c.store.RelevantKeywords(ctx, ev.GuildID(), ev.Ref.ChannelID, ev.AuthorID)
	if err != nil {
		c.log.Warn("keyword lookup failed",
			logx.String("guild", ev.GuildID()),
			logx.String("channel", ev.Ref.ChannelID),
			logx.Err(err))
		return
	}
	if len(keywords) == 0 {
		return
	}

	content := strings.ToLower(ev.Content)

	byUser := make(map[string][]storage.Keyword, 4)
	for _, kw := range keywords {
		byUser[kw.UserID] = append(byUser[kw.UserID], kw)
	}

	var wg sync.WaitGroup
	for userID, kws := range byUser {
		wg.Add(1)
		go func(userID string, kws []storage.Keyword) {
			defer wg.Done()
			c.notifyUser(ctx, userID, kws, ev, content)
		}(userID, kws)
	}
	wg.Wait()
}

func (c *Coordinator) notifyUser(ctx context.Context, userID string, kws []storage.Keyword, ev gateway.MessageEvent, content string) {
	ignores, err := c.store.UserGuildIgnores(ctx, userID, ev.GuildID())
	if err != nil {
		c.log.Warn("ignore lookup failed", logx.String("user", userID), logx.Err(err))
		return
	}

	matched := MatchKeywords(content, kws, ignores)
	if len(matched) == 0 {
		return
	}

	for _, kw := range matched {
		ok, err := c.res.Eligible(ctx, kw, ev)
		if err != nil {
			// Eligibility could not be established; the match is dropped.
			continue
		}
		if !ok {
			continue
		}
		e := Entry{
			Keyword:    kw.Keyword,
			Ref:        ev.Ref,
			AuthorName: ev.AuthorName,
			Content:    ev.Content,
			At:         time.Now(),
		}
		if err := c.agg.Add(userID, e); err != nil {
			c.log.Debug("digest add rejected", logx.String("user", userID), logx.Err(err))
		}
		// One digest entry per message and user even when several
		// keywords match; the first eligible keyword wins.
		return
	}
}
