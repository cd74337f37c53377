package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	fees "feesync/internal/fees/domain"
	"feesync/internal/observability/metrics"
	"feesync/internal/retry"
)

// IngestionStore is the persistence needed by ingestion.
type IngestionStore interface {
	fees.EventRepository
	fees.SyncStatusRepository
}

// IngestionConfig tunes paging, batching and retries.
type IngestionConfig struct {
	PageSize            int
	MaxPages            int
	MaxIncrementalPages int
	LookbackDays        int
	BatchSize           int
	AggregateDates      int
	Retry               retry.Config
	SnapshotAfterSync   bool
}

// DefaultIngestionConfig returns the production defaults.
func DefaultIngestionConfig() IngestionConfig {
	return IngestionConfig{
		PageSize:            5000,
		MaxPages:            1000,
		MaxIncrementalPages: 25,
		LookbackDays:        30,
		BatchSize:           1000,
		AggregateDates:      3,
		Retry:               retry.DefaultConfig(),
	}
}

// SyncRequest selects the ingestion mode. Full is forced when the store is empty.
type SyncRequest struct {
	Full bool
}

// Reasons why paging stopped.
const (
	StopEmptyPage  = "empty_page"
	StopTotalCount = "total_count"
	StopShortPage  = "short_page"
	StopCutoff     = "cutoff"
	StopPageLimit  = "page_limit"
)

// SyncResult reports one ingestion run.
type SyncResult struct {
	Mode              fees.SyncMode
	Pages             int
	Fetched           int
	Processed         int
	Skipped           int
	StoppedBy         string
	RecordCount       int
	LatestEventDate   time.Time
	LastSeenEventID   string
	Aggregation       AggregationResult
	SnapshotsWritten  int
	Duration          time.Duration
	AggregationFailed bool
}

// IngestionService pages the remote fee listing into the event log.
type IngestionService struct {
	store      IngestionStore
	source     fees.RemoteEventSource
	aggregator *AggregationService
	snapshots  *SnapshotService
	lock       Lock
	cfg        IngestionConfig
	clock      fees.Clock
	logger     *zap.Logger
}

// IngestionOption configures IngestionService.
type IngestionOption func(*IngestionService)

// WithIngestionClock overrides the clock.
func WithIngestionClock(clock fees.Clock) IngestionOption {
	return func(s *IngestionService) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLock replaces the process-local run guard.
func WithLock(lock Lock) IngestionOption {
	return func(s *IngestionService) {
		if lock != nil {
			s.lock = lock
		}
	}
}

// WithSnapshotService enables the incremental snapshot refresh after a sync.
func WithSnapshotService(snapshots *SnapshotService) IngestionOption {
	return func(s *IngestionService) {
		s.snapshots = snapshots
	}
}

// NewIngestionService constructs an IngestionService.
func NewIngestionService(store IngestionStore, source fees.RemoteEventSource, aggregator *AggregationService, cfg IngestionConfig, logger *zap.Logger, opts ...IngestionOption) (*IngestionService, error) {
	if store == nil {
		return nil, fees.ErrNilRepository
	}
	if source == nil {
		return nil, fees.ErrNilSource
	}
	if aggregator == nil {
		return nil, errors.New("fees: nil aggregation service")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultIngestionConfig()
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaults.PageSize
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = defaults.MaxPages
	}
	if cfg.MaxIncrementalPages <= 0 {
		cfg.MaxIncrementalPages = defaults.MaxIncrementalPages
	}
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = defaults.LookbackDays
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.AggregateDates <= 0 {
		cfg.AggregateDates = defaults.AggregateDates
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = defaults.Retry
	}

	s := &IngestionService{
		store:      store,
		source:     source,
		aggregator: aggregator,
		lock:       NewMutexLock(),
		cfg:        cfg,
		clock:      fees.SystemClock{},
		logger:     logger,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Sync runs one ingestion. It returns fees.ErrSyncAlreadyRunning without touching the store when
// another run holds the lock.
func (s *IngestionService) Sync(ctx context.Context, req SyncRequest) (SyncResult, error) {
	release, ok, err := s.lock.TryLock(ctx)
	if err != nil {
		return SyncResult{}, fmt.Errorf("acquire ingestion lock: %w", err)
	}
	if !ok {
		metrics.ObserveFeeSync("", metrics.ResultBusy, 0)
		s.logger.Info("fee sync already running")
		return SyncResult{}, fees.ErrSyncAlreadyRunning
	}
	defer release()

	start := s.clock.Now()
	before, err := s.store.Stats(ctx)
	if err != nil {
		return SyncResult{}, err
	}
	status, err := s.store.LoadStatus(ctx)
	if err != nil {
		return SyncResult{}, err
	}

	result := SyncResult{Mode: fees.SyncModeIncremental}
	pageLimit := min(s.cfg.MaxPages, s.cfg.MaxIncrementalPages)
	var cutoff time.Time
	if req.Full || !before.HasData() {
		result.Mode = fees.SyncModeFull
		pageLimit = s.cfg.MaxPages
	} else {
		cutoff = fees.DateOf(before.LatestEventDate).AddDate(0, 0, -s.cfg.LookbackDays)
	}

	status.MarkRunning(result.Mode, start)
	if err := s.store.SaveStatus(ctx, status); err != nil {
		return SyncResult{}, err
	}
	s.logger.Info("fee sync started",
		zap.String("mode", string(result.Mode)),
		zap.Int("page_limit", pageLimit),
		zap.Int("existing_records", before.RecordCount),
		zap.Time("cutoff", cutoff))

	if err := s.run(ctx, &result, pageLimit, cutoff); err != nil {
		return result, s.fail(ctx, &status, &result, start, err)
	}

	after, err := s.store.Stats(ctx)
	if err != nil {
		return result, s.fail(ctx, &status, &result, start, fmt.Errorf("fee stats after sync: %w", err))
	}
	result.RecordCount = after.RecordCount
	result.LatestEventDate = after.LatestEventDate

	dates, err := s.store.LatestEventDates(ctx, s.cfg.AggregateDates)
	if err != nil {
		result.AggregationFailed = true
		s.logger.Error("fee aggregation skipped", zap.Error(err))
	} else {
		aggregation, aggErr := s.aggregator.AggregateDates(ctx, dates)
		result.Aggregation = aggregation
		if aggErr != nil {
			result.AggregationFailed = true
			s.logger.Error("fee aggregation incomplete", zap.Error(aggErr))
		}
	}

	if s.cfg.SnapshotAfterSync && s.snapshots != nil {
		snap, snapErr := s.snapshots.Refresh(ctx, false)
		if snapErr != nil {
			s.logger.Error("fee snapshot refresh after sync failed", zap.Error(snapErr))
		}
		result.SnapshotsWritten = snap.Written
	}

	result.Duration = s.clock.Now().Sub(start)
	success := status
	success.MarkSuccess(fees.SyncOutcome{
		Mode:              result.Mode,
		RecordCount:       result.RecordCount,
		LastSeenEventID:   result.LastSeenEventID,
		LastSeenEventDate: result.LatestEventDate,
		Duration:          result.Duration,
	}, s.clock.Now())
	if err := s.store.SaveStatus(ctx, success); err != nil {
		return result, s.fail(ctx, &status, &result, start, fmt.Errorf("save sync status: %w", err))
	}

	metrics.ObserveFeeSync(string(result.Mode), metrics.ResultSuccess, result.Duration)
	s.logger.Info("fee sync finished",
		zap.String("mode", string(result.Mode)),
		zap.Int("pages", result.Pages),
		zap.Int("fetched", result.Fetched),
		zap.Int("processed", result.Processed),
		zap.Int("skipped", result.Skipped),
		zap.String("stopped_by", result.StoppedBy),
		zap.Int("record_count", result.RecordCount),
		zap.Int("contributions", result.Aggregation.Contributions),
		zap.Duration("duration", result.Duration))
	return result, nil
}

// fail records a failed run. The status write ignores cancellation so an aborted run still leaves a final state.
func (s *IngestionService) fail(ctx context.Context, status *fees.SyncStatus, result *SyncResult, start time.Time, err error) error {
	result.Duration = s.clock.Now().Sub(start)
	status.MarkFailure(err, s.clock.Now())
	if saveErr := s.store.SaveStatus(context.WithoutCancel(ctx), *status); saveErr != nil {
		s.logger.Error("fee sync status update failed", zap.Error(saveErr))
	}
	metrics.ObserveFeeSync(string(result.Mode), metrics.ResultError, result.Duration)
	s.logger.Error("fee sync failed",
		zap.String("mode", string(result.Mode)),
		zap.Int("pages", result.Pages),
		zap.Int("processed", result.Processed),
		zap.Duration("duration", result.Duration),
		zap.Error(err))
	return err
}

func (s *IngestionService) run(ctx context.Context, result *SyncResult, pageLimit int, cutoff time.Time) error {
	var lastSeenDate time.Time
	offset := 0
	result.StoppedBy = StopPageLimit
	for page := 0; page < pageLimit; page++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		remote, err := s.source.FetchPage(ctx, s.cfg.PageSize, offset)
		if err != nil {
			return err
		}
		result.Pages++
		if len(remote.Items) == 0 {
			result.StoppedBy = StopEmptyPage
			break
		}
		result.Fetched += len(remote.Items)

		normalized := fees.NormalizeItems(remote.Items, cutoff, s.clock.Now())
		for reason, count := range normalized.Skipped {
			metrics.AddFeeRowsSkipped(string(reason), count)
		}
		result.Skipped += normalized.SkippedTotal()
		if err := s.writeBatches(ctx, normalized.Events); err != nil {
			return err
		}
		result.Processed += len(normalized.Events)
		for _, event := range normalized.Events {
			if event.EventDate.After(lastSeenDate) {
				lastSeenDate = event.EventDate
				result.LastSeenEventID = event.EventID
			}
		}
		s.logger.Debug("fee page ingested",
			zap.Int("page", page+1),
			zap.Int("offset", offset),
			zap.Int("items", len(remote.Items)),
			zap.Int("rows", len(normalized.Events)),
			zap.Int("skipped", normalized.SkippedTotal()))

		offset += len(remote.Items)
		if remote.TotalCount > 0 && offset >= remote.TotalCount {
			result.StoppedBy = StopTotalCount
			break
		}
		if len(remote.Items) < s.cfg.PageSize {
			result.StoppedBy = StopShortPage
			break
		}
		if !cutoff.IsZero() {
			if oldest, ok := oldestBooking(remote.Items); ok && oldest.Before(cutoff) {
				result.StoppedBy = StopCutoff
				break
			}
		}
	}
	return nil
}

func (s *IngestionService) writeBatches(ctx context.Context, events []fees.RawFeeEvent) error {
	cfg := s.cfg.Retry
	cfg.Retryable = func(err error) bool { return errors.Is(err, fees.ErrTransientStorage) }
	onRetry := cfg.OnRetry
	cfg.OnRetry = func(attempt int, delay time.Duration, err error) {
		metrics.IncFeeBatchRetry()
		if onRetry != nil {
			onRetry(attempt, delay, err)
		}
	}
	for start := 0; start < len(events); start += s.cfg.BatchSize {
		end := min(start+s.cfg.BatchSize, len(events))
		batch := events[start:end]
		var written int
		err := retry.Do(ctx, cfg, s.logger, "fee upsert batch", func(ctx context.Context) error {
			n, err := s.store.UpsertEvents(ctx, batch)
			written = n
			return err
		})
		if err != nil {
			return err
		}
		metrics.AddFeeRowsUpserted(written)
	}
	return nil
}

func oldestBooking(items []fees.RemoteFeeItem) (time.Time, bool) {
	var oldest time.Time
	found := false
	for _, item := range items {
		booked, ok := fees.ParseBookingDate(item.BookingDate.Value)
		if !ok {
			continue
		}
		day := fees.DateOf(booked)
		if !found || day.Before(oldest) {
			oldest = day
			found = true
		}
	}
	return oldest, found
}
