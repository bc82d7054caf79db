// Package backup runs the daily database backup cycle: snapshot the
// store into a timestamped file, then prune old snapshots with
// daily/weekly/monthly retention buckets.
package backup

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"highlight/pkg/logx"
)

// Timestamps avoid ":" so the file names work on every filesystem.
const (
	filePrefix      = "highlight_backup_"
	fileSuffix      = ".db"
	timestampLayout = "2006-01-02T15_04_05Z0700"
)

// Retention keeps the newest snapshots in each age bucket.
const (
	keepDaily   = 7
	keepWeekly  = 4
	keepMonthly = 12
)

type Config struct {
	Enabled  bool
	Dir      string
	Schedule string // cron spec, default @daily
}

func (c Config) withDefaults() Config {
	if c.Schedule == "" {
		c.Schedule = "@daily"
	}
	if c.Dir == "" {
		c.Dir = "backups"
	}
	return c
}

// Source is the storage surface the backup job needs.
type Source interface {
	BackupTo(ctx context.Context, path string) error
	PruneSentNotifications(ctx context.Context, before time.Time) (int64, error)
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	src Source
	log logx.Logger
	c   *cron.Cron
}

func New(cfg Config, src Source, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg.withDefaults(), src: src, log: log}
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

// Start schedules the daily cycle. Idempotent.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	cfg := s.cfg
	if !cfg.Enabled {
		s.log.Debug("backups disabled")
		return nil
	}

	c := cron.New()
	_, err := c.AddFunc(cfg.Schedule, func() {
		rctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if err := s.RunOnce(rctx); err != nil {
			s.log.Error("backup cycle failed", logx.Err(err))
		}
	})
	if err != nil {
		return err
	}
	c.Start()
	s.c = c
	s.log.Info("backup cycle scheduled", logx.String("schedule", cfg.Schedule), logx.String("dir", cfg.Dir))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// RunOnce performs one full cycle: snapshot, prune snapshots, prune
// delivered-notification rows older than a year.
func (s *Service) RunOnce(ctx context.Context) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return err
	}

	now := time.Now().UTC()
	name := filePrefix + now.Format(timestampLayout) + fileSuffix
	path := filepath.Join(cfg.Dir, name)

	s.log.Info("backing up database", logx.String("path", path))
	if err := s.src.BackupTo(ctx, path); err != nil {
		return err
	}

	removed, err := Prune(cfg.Dir, now)
	if err != nil {
		s.log.Warn("backup pruning failed", logx.Err(err))
	} else if removed > 0 {
		s.log.Info("pruned old backups", logx.Int("removed", removed))
	}

	if n, err := s.src.PruneSentNotifications(ctx, now.AddDate(-1, 0, 0)); err != nil {
		s.log.Warn("notification pruning failed", logx.Err(err))
	} else if n > 0 {
		s.log.Info("pruned delivered notifications", logx.Int64("removed", n))
	}
	return nil
}

type snapshot struct {
	path string
	at   time.Time
}

// Prune removes snapshots outside the retention policy and returns how
// many files were deleted. Buckets by age: under a day is always kept,
// then daily, weekly, and monthly buckets keep a fixed count each, and
// anything older than a year goes.
func Prune(dir string, now time.Time) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}

	var daily, weekly, monthly, old []snapshot
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		at, ok := parseSnapshotName(e.Name())
		if !ok {
			continue
		}
		sn := snapshot{path: filepath.Join(dir, e.Name()), at: at}
		switch age := now.Sub(at); {
		case age >= 365*24*time.Hour:
			old = append(old, sn)
		case age >= 30*24*time.Hour:
			monthly = append(monthly, sn)
		case age >= 7*24*time.Hour:
			weekly = append(weekly, sn)
		case age >= 24*time.Hour:
			daily = append(daily, sn)
		}
	}

	removed := 0
	for _, sn := range old {
		if err := os.Remove(sn.path); err == nil {
			removed++
		}
	}
	for _, bucket := range []struct {
		sns  []snapshot
		keep int
	}{
		{monthly, keepMonthly},
		{weekly, keepWeekly},
		{daily, keepDaily},
	} {
		removed += pruneBucket(bucket.sns, bucket.keep)
	}
	return removed, nil
}

// pruneBucket drops the newest surplus so the bucket retains its oldest
// members; younger buckets already cover the recent window.
func pruneBucket(sns []snapshot, keep int) int {
	if len(sns) <= keep {
		return 0
	}
	sort.Slice(sns, func(i, j int) bool { return sns[i].at.After(sns[j].at) })
	removed := 0
	for _, sn := range sns[:len(sns)-keep] {
		if err := os.Remove(sn.path); err == nil {
			removed++
		}
	}
	return removed
}

func parseSnapshotName(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return time.Time{}, false
	}
	ts := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
	at, err := time.Parse(timestampLayout, ts)
	if err != nil {
		return time.Time{}, false
	}
	return at, true
}
