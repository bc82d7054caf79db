// Package monitoring exposes Prometheus metrics over HTTP and folds
// engine lifecycle events from the bus into counters.
package monitoring

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"highlight/internal/engine"
	"highlight/internal/eventbus"
	rtsup "highlight/internal/runtime/supervisor"
	"highlight/pkg/logx"
)

type Config struct {
	Enabled bool
	Addr    string
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:9100"
	}
	return c
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	srv   *http.Server
	sup   *rtsup.Supervisor
	unsub func()
}

func New(cfg Config, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg.withDefaults(), bus: bus, log: log}
}

// Start is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	cfg := s.cfg
	if !cfg.Enabled {
		s.log.Debug("monitoring disabled")
		return
	}

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "monitoring"))),
		rtsup.WithCancelOnError(false),
	)

	if s.bus != nil {
		ch, unsub := s.bus.Subscribe(64)
		s.unsub = unsub
		s.sup.Go0("bus.consume", func(c context.Context) {
			consume(c, ch)
		})
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.srv = srv

	s.sup.Go0("http.serve", func(context.Context) {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("metrics server failed", logx.String("addr", cfg.Addr), logx.Err(err))
		}
	})
	s.log.Info("metrics exposed", logx.String("addr", cfg.Addr))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	srv := s.srv
	sup := s.sup
	unsub := s.unsub
	s.srv = nil
	s.sup = nil
	s.unsub = nil
	s.mu.Unlock()

	if srv != nil {
		_ = srv.Shutdown(ctx)
	}
	if unsub != nil {
		unsub()
	}
	if sup != nil {
		sup.Cancel()
		_ = sup.Wait(ctx)
	}
}

func consume(ctx context.Context, ch <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			record(ev)
		}
	}
}

func record(ev eventbus.Event) {
	switch ev.Type {
	case eventbus.TypeDigestOpened:
		digestsOpenedTotal.Inc()
	case eventbus.TypeDigestFlushed:
		digestsFlushedTotal.Inc()
		if d, ok := ev.Data.(engine.DigestEvent); ok {
			digestEntries.Observe(float64(d.Entries))
		}
	case eventbus.TypeNotifySent:
		notificationsTotal.WithLabelValues("sent").Inc()
	case eventbus.TypeNotifyFailed:
		notificationsTotal.WithLabelValues("failed").Inc()
	case eventbus.TypeNotifyDropped:
		notificationsTotal.WithLabelValues("dropped").Inc()
	}
}
