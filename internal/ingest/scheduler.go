package ingest

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/lox/covidcanada/internal/store"
	"github.com/lox/covidcanada/internal/tracker"
)

const (
	DefaultInterval     = 6 * time.Hour
	rawPayloadRetention = 30 // days
)

// Scheduler refreshes the tracker on a fixed interval. A failed refresh is
// not retried early; the next tick tries again.
type Scheduler struct {
	tracker  *tracker.Tracker
	store    *store.Store
	interval time.Duration
	log      *zap.Logger
}

func NewScheduler(tr *tracker.Tracker, st *store.Store, interval time.Duration, log *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		tracker:  tr,
		store:    st,
		interval: interval,
		log:      log.Named("scheduler"),
	}
}

func (s *Scheduler) Run(ctx context.Context) {
	s.refresh(ctx)
	s.cleanup()

	ticker := time.NewTicker(s.interval)
	cleanupTicker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("shutting down")
			return
		case <-ticker.C:
			s.refresh(ctx)
		case <-cleanupTicker.C:
			s.cleanup()
		}
	}
}

// IngestOnce performs a single load and waits for it.
func (s *Scheduler) IngestOnce(ctx context.Context) error {
	return s.tracker.Load(ctx)
}

func (s *Scheduler) refresh(ctx context.Context) {
	done, err := s.tracker.Refresh(ctx)
	if errors.Is(err, tracker.ErrLoadInProgress) {
		s.log.Info("skipping refresh, load already in progress")
		return
	}
	if err != nil {
		s.log.Warn("start refresh", zap.Error(err))
		return
	}

	select {
	case err := <-done:
		if err != nil {
			s.log.Warn("refresh failed", zap.Error(err))
			return
		}
		snap := s.tracker.Snapshot()
		s.log.Info("refreshed", zap.Int("records", snap.Records), zap.Int("weeks", len(snap.Weeks)))
	case <-ctx.Done():
	}
}

func (s *Scheduler) cleanup() {
	if s.store == nil {
		return
	}
	n, err := s.store.CleanupOldRawPayloads(rawPayloadRetention)
	if err != nil {
		s.log.Warn("cleanup raw payloads", zap.Error(err))
		return
	}
	if n > 0 {
		s.log.Info("cleaned up raw payloads", zap.Int64("deleted", n))
	}
}
