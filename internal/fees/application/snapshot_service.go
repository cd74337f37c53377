package application

import (
	"context"
	"time"

	"go.uber.org/zap"

	fees "feesync/internal/fees/domain"
	"feesync/internal/observability/metrics"
)

// SnapshotStore is the persistence needed to project snapshots.
type SnapshotStore interface {
	LatestDateByProduct(ctx context.Context) (map[string]time.Time, error)
	LatestPerCategory(ctx context.Context, keys []string) (map[string][]fees.RawFeeEvent, error)
	fees.SnapshotRepository
}

// SnapshotResult reports one projection pass.
type SnapshotResult struct {
	Mode       string
	Considered int
	Written    int
	Duration   time.Duration
}

const (
	SnapshotModeFull        = "full"
	SnapshotModeIncremental = "incremental"
)

// SnapshotService projects the latest fees per product.
type SnapshotService struct {
	store  SnapshotStore
	clock  fees.Clock
	logger *zap.Logger
}

// SnapshotOption configures SnapshotService.
type SnapshotOption func(*SnapshotService)

// WithSnapshotClock overrides the clock stamped on snapshots.
func WithSnapshotClock(clock fees.Clock) SnapshotOption {
	return func(s *SnapshotService) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewSnapshotService constructs a SnapshotService.
func NewSnapshotService(store SnapshotStore, logger *zap.Logger, opts ...SnapshotOption) (*SnapshotService, error) {
	if store == nil {
		return nil, fees.ErrNilRepository
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &SnapshotService{store: store, clock: fees.SystemClock{}, logger: logger}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Refresh rebuilds every snapshot when full is set. Otherwise only products whose newest raw
// date moved past their snapshot, or that have none, are rewritten.
func (s *SnapshotService) Refresh(ctx context.Context, full bool) (SnapshotResult, error) {
	start := s.clock.Now()
	result := SnapshotResult{Mode: SnapshotModeIncremental}
	if full {
		result.Mode = SnapshotModeFull
	}

	var keys []string
	if !full {
		rawLatest, err := s.store.LatestDateByProduct(ctx)
		if err != nil {
			return result, err
		}
		stored, err := s.store.SnapshotDates(ctx)
		if err != nil {
			return result, err
		}
		keys = fees.KeysToRefresh(rawLatest, stored)
		if len(keys) == 0 {
			s.logger.Info("fee snapshots up to date", zap.Int("products", len(rawLatest)))
			result.Duration = s.clock.Now().Sub(start)
			return result, nil
		}
	}

	grouped, err := s.store.LatestPerCategory(ctx, keys)
	if err != nil {
		return result, err
	}
	result.Considered = len(grouped)

	now := s.clock.Now()
	snapshots := make([]fees.LatestSnapshot, 0, len(grouped))
	for key, events := range grouped {
		snapshot, ok := fees.BuildSnapshot(key, events, now)
		if !ok {
			continue
		}
		snapshots = append(snapshots, snapshot)
	}

	if full {
		err = s.store.ReplaceSnapshots(ctx, snapshots)
	} else {
		err = s.store.UpsertSnapshots(ctx, snapshots)
	}
	if err != nil {
		return result, err
	}
	result.Written = len(snapshots)
	result.Duration = s.clock.Now().Sub(start)
	metrics.AddFeeSnapshots(result.Mode, result.Written)
	s.logger.Info("fee snapshots refreshed",
		zap.String("mode", result.Mode),
		zap.Int("considered", result.Considered),
		zap.Int("written", result.Written),
		zap.Duration("duration", result.Duration))
	return result, nil
}
