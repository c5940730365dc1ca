// Package backup runs periodic state snapshots and boot-time restore
// against the persistence adaptor.
package backup

import (
	"context"
	"sort"
	"time"

	"meshconf/internal/core/ports"
	"meshconf/pkg/backup"

	"go.uber.org/zap"
)

// Config controls snapshot cadence and how many snapshots are kept.
type Config struct {
	Interval  time.Duration
	Retention int
}

// Scheduler captures mitigation and room state on an interval. It reads
// through the StateRepository port, so it works identically over the
// memory and Redis backends.
type Scheduler struct {
	service   *backup.Service
	repo      ports.StateRepository
	interval  time.Duration
	retention int
	logger    *zap.SugaredLogger
}

func NewScheduler(service *backup.Service, repo ports.StateRepository, cfg Config, logger *zap.SugaredLogger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24
	}
	return &Scheduler{
		service:   service,
		repo:      repo,
		interval:  cfg.Interval,
		retention: cfg.Retention,
		logger:    logger,
	}
}

// Start snapshots once immediately, then on every tick until the context
// is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.runOnce(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runOnce(ctx)
			}
		}
	}()
}

func (s *Scheduler) runOnce(ctx context.Context) {
	snap, err := s.capture(ctx)
	if err != nil {
		s.logger.Warnw("state capture failed", "error", err)
		return
	}
	if len(snap.Mitigations) == 0 && len(snap.Rooms) == 0 {
		s.logger.Debugw("nothing to snapshot")
		return
	}

	name, err := s.service.Write(ctx, snap)
	if err != nil {
		s.logger.Warnw("snapshot write failed", "error", err)
		return
	}
	s.logger.Infow("snapshot written",
		"name", name,
		"mitigations", len(snap.Mitigations),
		"rooms", len(snap.Rooms),
	)

	if err := s.prune(ctx); err != nil {
		s.logger.Warnw("snapshot pruning failed", "error", err)
	}
}

func (s *Scheduler) capture(ctx context.Context) (*backup.Snapshot, error) {
	mitigations, err := s.repo.LoadMitigations(ctx)
	if err != nil {
		return nil, err
	}
	rooms, err := s.repo.ListRoomMeta(ctx)
	if err != nil {
		return nil, err
	}
	return &backup.Snapshot{Mitigations: mitigations, Rooms: rooms}, nil
}

// prune deletes the oldest snapshots beyond the retention count. Names
// embed the capture time, so lexical order is age order.
func (s *Scheduler) prune(ctx context.Context) error {
	names, err := s.service.List(ctx)
	if err != nil {
		return err
	}
	if len(names) <= s.retention {
		return nil
	}

	sort.Strings(names)
	for _, name := range names[:len(names)-s.retention] {
		if err := s.service.Delete(ctx, name); err != nil {
			s.logger.Warnw("could not delete old snapshot", "name", name, "error", err)
			continue
		}
		s.logger.Debugw("old snapshot deleted", "name", name)
	}
	return nil
}
