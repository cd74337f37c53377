package application

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"feesync/internal/cache"
	fees "feesync/internal/fees/domain"
	"feesync/internal/observability/metrics"
)

// Record sources reported in query metadata.
const (
	SourceMemory   = "memory"
	SourceDatabase = "database"
	SourceDisk     = "disk"
)

// QueryStore is the persistence read by QueryService.
type QueryStore interface {
	Stats(ctx context.Context) (fees.EventStats, error)
	ListEvents(ctx context.Context, filter fees.EventFilter) ([]fees.RawFeeEvent, error)
	LoadStatus(ctx context.Context) (fees.SyncStatus, error)
	ListMonthly(ctx context.Context, filter fees.MonthlyFilter) ([]fees.MonthlyAggregate, error)
	ListSnapshots(ctx context.Context) ([]fees.LatestSnapshot, error)
	ListLifetime(ctx context.Context) ([]fees.ProductLifetimeTotal, error)
}

// Syncer runs an ingestion.
type Syncer interface {
	Sync(ctx context.Context, req SyncRequest) (SyncResult, error)
}

// SideCache persists the last successful read for use when the store is unreachable.
type SideCache interface {
	Load(ctx context.Context) (fees.CachedRecords, error)
	Save(ctx context.Context, records fees.CachedRecords) error
}

// RecordQuery selects fee records. Zero dates are open bounds.
type RecordQuery struct {
	From       time.Time
	To         time.Time
	Categories []fees.Category
	Force      bool
}

func (q RecordQuery) filter() fees.EventFilter {
	return fees.EventFilter{From: q.From, To: q.To, Categories: q.Categories}
}

func (q RecordQuery) unfiltered() bool {
	return q.From.IsZero() && q.To.IsZero() && len(q.Categories) == 0
}

func (q RecordQuery) cacheKey() string {
	categories := make([]string, 0, len(q.Categories))
	for _, c := range q.Categories {
		categories = append(categories, string(c))
	}
	sort.Strings(categories)
	return fmt.Sprintf("%s|%s|%s", dateKey(q.From), dateKey(q.To), strings.Join(categories, ","))
}

func dateKey(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.DateOnly)
}

// RecordMeta describes where a record set came from.
type RecordMeta struct {
	RecordCount     int            `json:"record_count"`
	FetchedAt       time.Time      `json:"fetched_at"`
	Source          string         `json:"source"`
	RunMode         fees.SyncMode  `json:"run_mode,omitempty"`
	Status          fees.SyncState `json:"status,omitempty"`
	StatusError     string         `json:"status_error,omitempty"`
	LatestEventDate time.Time      `json:"latest_booking_date"`
	Stale           bool           `json:"is_stale"`
}

// RecordSet is a query result.
type RecordSet struct {
	Records []fees.RawFeeEvent
	Meta    RecordMeta
}

// StatusView is the operator view of the ingestion state.
type StatusView struct {
	RecordCount     int             `json:"record_count"`
	LatestEventDate time.Time       `json:"latest_booking_date"`
	LastSyncTime    time.Time       `json:"last_sync_time"`
	Status          fees.SyncStatus `json:"-"`
	State           fees.SyncState  `json:"status"`
	Error           string          `json:"error,omitempty"`
	HasData         bool            `json:"has_data"`
	Stale           bool            `json:"is_stale"`
}

// QueryConfig tunes the read path.
type QueryConfig struct {
	CacheTTL        time.Duration
	CacheMaxEntries int
	StaleDays       int
	SyncTimeout     time.Duration
}

// QueryService serves fee records with an in-memory cache, a background refresh when data is
// stale and a disk fallback when the store is down.
type QueryService struct {
	store  QueryStore
	syncer Syncer
	disk   SideCache
	cache  *cache.TTLCache[string, RecordSet]
	cfg    QueryConfig
	clock  fees.Clock
	logger *zap.Logger

	refreshing atomic.Bool
	background sync.WaitGroup

	diskMu      sync.Mutex
	diskSavedAt time.Time
}

// QueryOption configures QueryService.
type QueryOption func(*QueryService)

// WithQueryClock overrides the clock used for staleness and caching.
func WithQueryClock(clock fees.Clock) QueryOption {
	return func(s *QueryService) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithSideCache enables the disk fallback.
func WithSideCache(disk SideCache) QueryOption {
	return func(s *QueryService) {
		s.disk = disk
	}
}

// WithSyncer enables forced and background syncs.
func WithSyncer(syncer Syncer) QueryOption {
	return func(s *QueryService) {
		s.syncer = syncer
	}
}

// NewQueryService constructs a QueryService.
func NewQueryService(store QueryStore, cfg QueryConfig, logger *zap.Logger, opts ...QueryOption) (*QueryService, error) {
	if store == nil {
		return nil, fees.ErrNilRepository
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.StaleDays <= 0 {
		cfg.StaleDays = 1
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = 30 * time.Minute
	}
	s := &QueryService{
		store:  store,
		cfg:    cfg,
		clock:  fees.SystemClock{},
		logger: logger,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	cacheOpts := []cache.Option{cache.WithClock(s.clock)}
	if cfg.CacheMaxEntries > 0 {
		cacheOpts = append(cacheOpts, cache.WithMaxEntries(cfg.CacheMaxEntries))
	}
	s.cache = cache.New[string, RecordSet](cfg.CacheTTL, cacheOpts...)
	return s, nil
}

// ListEvents returns records matching q, newest first.
func (s *QueryService) ListEvents(ctx context.Context, q RecordQuery) (RecordSet, error) {
	if !q.From.IsZero() && !q.To.IsZero() && q.To.Before(q.From) {
		return RecordSet{}, fees.ErrInvalidDateRange
	}
	key := q.cacheKey()
	if !q.Force {
		if set, _, ok := s.cache.Get(key); ok {
			set.Meta.Source = SourceMemory
			metrics.IncFeeQuery(SourceMemory)
			return set, nil
		}
	}

	set, err := s.loadFromStore(ctx, q)
	if err != nil {
		fallback, diskErr := s.loadFromDisk(ctx, q)
		if diskErr != nil {
			s.logger.Warn("fee disk cache unavailable", zap.Error(diskErr))
			return RecordSet{}, err
		}
		s.logger.Warn("fee store unavailable, serving disk cache", zap.Error(err))
		metrics.IncFeeQuery(SourceDisk)
		return fallback, nil
	}

	s.cache.Set(key, set)
	s.saveToDisk(ctx, q, set)
	metrics.IncFeeQuery(SourceDatabase)
	return set, nil
}

// saveToDisk keeps the side cache holding every record so any later filter can be served from it.
// It writes at most once per cache TTL unless the cache was invalidated in between.
func (s *QueryService) saveToDisk(ctx context.Context, q RecordQuery, set RecordSet) {
	if s.disk == nil {
		return
	}
	s.diskMu.Lock()
	defer s.diskMu.Unlock()
	now := s.clock.Now()
	if !s.diskSavedAt.IsZero() && now.Sub(s.diskSavedAt) < s.cfg.CacheTTL {
		return
	}
	records := set.Records
	if !q.unfiltered() {
		all, err := s.store.ListEvents(ctx, fees.EventFilter{})
		if err != nil {
			s.logger.Warn("fee disk cache refresh skipped", zap.Error(err))
			return
		}
		records = all
	}
	if err := s.disk.Save(ctx, fees.CachedRecords{FetchedAt: set.Meta.FetchedAt, Records: records}); err != nil {
		s.logger.Warn("fee disk cache write failed", zap.Error(err))
		return
	}
	s.diskSavedAt = now
}

func (s *QueryService) resetDiskSave() {
	s.diskMu.Lock()
	s.diskSavedAt = time.Time{}
	s.diskMu.Unlock()
}

func (s *QueryService) loadFromStore(ctx context.Context, q RecordQuery) (RecordSet, error) {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return RecordSet{}, err
	}
	if !stats.HasData() && q.Force && s.syncer != nil {
		s.logger.Info("fee store empty, running full sync before read")
		if _, err := s.syncer.Sync(ctx, SyncRequest{Full: true}); err != nil && !errors.Is(err, fees.ErrSyncAlreadyRunning) {
			return RecordSet{}, err
		}
		if stats, err = s.store.Stats(ctx); err != nil {
			return RecordSet{}, err
		}
	}

	now := s.clock.Now()
	stale := fees.IsStale(stats.LatestEventDate, now, s.cfg.StaleDays)
	if stale {
		s.triggerBackgroundSync()
	}

	records, err := s.store.ListEvents(ctx, q.filter())
	if err != nil {
		return RecordSet{}, err
	}
	status, err := s.store.LoadStatus(ctx)
	if err != nil {
		return RecordSet{}, err
	}
	return RecordSet{
		Records: records,
		Meta: RecordMeta{
			RecordCount:     len(records),
			FetchedAt:       now.UTC(),
			Source:          SourceDatabase,
			RunMode:         status.LastRunMode,
			Status:          status.State,
			StatusError:     status.LastError,
			LatestEventDate: stats.LatestEventDate,
			Stale:           stale,
		},
	}, nil
}

func (s *QueryService) loadFromDisk(ctx context.Context, q RecordQuery) (RecordSet, error) {
	if s.disk == nil {
		return RecordSet{}, fees.ErrCacheMiss
	}
	cached, err := s.disk.Load(ctx)
	if err != nil {
		return RecordSet{}, err
	}
	filter := q.filter()
	records := make([]fees.RawFeeEvent, 0, len(cached.Records))
	for _, record := range cached.Records {
		if filter.Matches(record) {
			records = append(records, record)
		}
	}
	return RecordSet{
		Records: records,
		Meta: RecordMeta{
			RecordCount: len(records),
			FetchedAt:   cached.FetchedAt,
			Source:      SourceDisk,
		},
	}, nil
}

// triggerBackgroundSync starts at most one incremental sync in the background.
func (s *QueryService) triggerBackgroundSync() {
	if s.syncer == nil || !s.refreshing.CompareAndSwap(false, true) {
		return
	}
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		defer s.refreshing.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SyncTimeout)
		defer cancel()
		s.logger.Info("fee data stale, starting background sync")
		if _, err := s.syncer.Sync(ctx, SyncRequest{}); err != nil {
			if errors.Is(err, fees.ErrSyncAlreadyRunning) {
				s.logger.Debug("background fee sync skipped, already running")
				return
			}
			s.logger.Warn("background fee sync failed", zap.Error(err))
			return
		}
		s.cache.Purge()
		s.resetDiskSave()
	}()
}

// WaitBackground blocks until any background sync has finished.
func (s *QueryService) WaitBackground() {
	s.background.Wait()
}

// InvalidateCache drops cached record sets.
func (s *QueryService) InvalidateCache() {
	s.cache.Purge()
	s.resetDiskSave()
}

// Status returns the ingestion state and data freshness.
func (s *QueryService) Status(ctx context.Context) (StatusView, error) {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return StatusView{}, err
	}
	status, err := s.store.LoadStatus(ctx)
	if err != nil {
		return StatusView{}, err
	}
	return StatusView{
		RecordCount:     stats.RecordCount,
		LatestEventDate: stats.LatestEventDate,
		LastSyncTime:    status.LastSyncTime(),
		Status:          status,
		State:           status.State,
		Error:           status.LastError,
		HasData:         stats.HasData(),
		Stale:           fees.IsStale(stats.LatestEventDate, s.clock.Now(), s.cfg.StaleDays),
	}, nil
}

// RecentDay picks the records of yesterday, else today, else the newest day present.
func (s *QueryService) RecentDay(records []fees.RawFeeEvent, today time.Time) ([]fees.RawFeeEvent, time.Time) {
	if today.IsZero() {
		today = s.clock.Now()
	}
	return fees.RecentDay(records, today)
}

// Summary totals the records of the last days days, today included.
func (s *QueryService) Summary(ctx context.Context, days int, categories []fees.Category) (fees.Summary, RecordMeta, error) {
	if days <= 0 {
		days = 365
	}
	today := fees.DateOf(s.clock.Now())
	from := today.AddDate(0, 0, -(days - 1))
	set, err := s.ListEvents(ctx, RecordQuery{From: from, To: today, Categories: categories})
	if err != nil {
		return fees.Summary{}, RecordMeta{}, err
	}
	return fees.Summarize(set.Records, from, today, s.clock.Now()), set.Meta, nil
}

// Monthly returns monthly aggregates.
func (s *QueryService) Monthly(ctx context.Context, filter fees.MonthlyFilter) ([]fees.MonthlyAggregate, error) {
	return s.store.ListMonthly(ctx, filter)
}

// Snapshots returns every product snapshot.
func (s *QueryService) Snapshots(ctx context.Context) ([]fees.LatestSnapshot, error) {
	return s.store.ListSnapshots(ctx)
}

// Lifetime returns every product total.
func (s *QueryService) Lifetime(ctx context.Context) ([]fees.ProductLifetimeTotal, error) {
	return s.store.ListLifetime(ctx)
}
