package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fees "feesync/internal/fees/domain"
	"feesync/internal/fees/infrastructure/memory"
)

type flakyStore struct {
	*memory.Store
	mu   sync.Mutex
	down bool
}

func (s *flakyStore) setDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

func (s *flakyStore) Stats(ctx context.Context) (fees.EventStats, error) {
	s.mu.Lock()
	down := s.down
	s.mu.Unlock()
	if down {
		return fees.EventStats{}, errors.New("connection refused")
	}
	return s.Store.Stats(ctx)
}

type memorySideCache struct {
	mu     sync.Mutex
	cached *fees.CachedRecords
}

func (c *memorySideCache) Load(context.Context) (fees.CachedRecords, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cached == nil {
		return fees.CachedRecords{}, fees.ErrCacheMiss
	}
	return *c.cached, nil
}

func (c *memorySideCache) Save(_ context.Context, records fees.CachedRecords) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cached = &records
	return nil
}

type countingSyncer struct {
	mu    sync.Mutex
	calls []SyncRequest
	run   func(SyncRequest)
}

func (s *countingSyncer) Sync(_ context.Context, req SyncRequest) (SyncResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.mu.Unlock()
	if s.run != nil {
		s.run(req)
	}
	return SyncResult{}, nil
}

func (s *countingSyncer) requests() []SyncRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SyncRequest(nil), s.calls...)
}

type queryHarness struct {
	*harness
	flaky  *flakyStore
	disk   *memorySideCache
	syncer *countingSyncer
	query  *QueryService
}

func newQueryHarness(t *testing.T, now time.Time, staleDays int) *queryHarness {
	t.Helper()
	h := newHarness(t, now, testIngestionConfig())
	q := &queryHarness{
		harness: h,
		flaky:   &flakyStore{Store: h.store},
		disk:    &memorySideCache{},
		syncer:  &countingSyncer{},
	}
	var err error
	q.query, err = NewQueryService(q.flaky, QueryConfig{CacheTTL: time.Minute, StaleDays: staleDays}, nil,
		WithQueryClock(h.clock), WithSideCache(q.disk), WithSyncer(q.syncer))
	require.NoError(t, err)
	return q
}

func TestQueryListEvents_CachesResults(t *testing.T) {
	q := newQueryHarness(t, time.Date(2024, 3, 3, 6, 0, 0, 0, time.UTC), 3)
	seedEvents(t, q.harness,
		remoteItem(t, "a", "CH1", fees.CategoryManagement, "2024-03-02", "-1"),
		remoteItem(t, "b", "CH1", fees.CategoryCustody, "2024-03-01", "-1"),
	)
	ctx := context.Background()

	first, err := q.query.ListEvents(ctx, RecordQuery{Categories: []fees.Category{fees.CategoryManagement}})
	require.NoError(t, err)
	assert.Equal(t, SourceDatabase, first.Meta.Source)
	assert.Equal(t, 1, first.Meta.RecordCount)
	assert.False(t, first.Meta.Stale)

	seedEvents(t, q.harness, remoteItem(t, "c", "CH1", fees.CategoryManagement, "2024-03-02", "-3"))
	second, err := q.query.ListEvents(ctx, RecordQuery{Categories: []fees.Category{fees.CategoryManagement}})
	require.NoError(t, err)
	assert.Equal(t, SourceMemory, second.Meta.Source)
	assert.Len(t, second.Records, 1)

	forced, err := q.query.ListEvents(ctx, RecordQuery{Categories: []fees.Category{fees.CategoryManagement}, Force: true})
	require.NoError(t, err)
	assert.Equal(t, SourceDatabase, forced.Meta.Source)
	assert.Len(t, forced.Records, 2)
	assert.Empty(t, q.syncer.requests())
}

func TestQueryListEvents_RejectsInvertedRange(t *testing.T) {
	q := newQueryHarness(t, time.Date(2024, 3, 3, 6, 0, 0, 0, time.UTC), 3)
	_, err := q.query.ListEvents(context.Background(), RecordQuery{From: day(2024, 3, 2), To: day(2024, 3, 1)})
	require.ErrorIs(t, err, fees.ErrInvalidDateRange)
}

func TestQueryListEvents_FallsBackToDisk(t *testing.T) {
	q := newQueryHarness(t, time.Date(2024, 3, 3, 6, 0, 0, 0, time.UTC), 3)
	seedEvents(t, q.harness,
		remoteItem(t, "a", "CH1", fees.CategoryManagement, "2024-03-02", "-1"),
		remoteItem(t, "b", "CH1", fees.CategoryManagement, "2024-02-01", "-1"),
	)
	ctx := context.Background()

	_, err := q.query.ListEvents(ctx, RecordQuery{})
	require.NoError(t, err)
	q.flaky.setDown(true)

	set, err := q.query.ListEvents(ctx, RecordQuery{From: day(2024, 3, 1), Force: true})
	require.NoError(t, err)
	assert.Equal(t, SourceDisk, set.Meta.Source)
	require.Len(t, set.Records, 1)
	assert.Equal(t, "a", set.Records[0].EventID)
}

func TestQueryListEvents_DiskFallbackServesOtherFilters(t *testing.T) {
	q := newQueryHarness(t, time.Date(2024, 3, 3, 6, 0, 0, 0, time.UTC), 3)
	seedEvents(t, q.harness,
		remoteItem(t, "m", "CH1", fees.CategoryManagement, "2024-03-02", "-1"),
		remoteItem(t, "c", "CH1", fees.CategoryCustody, "2024-03-01", "-2"),
	)
	ctx := context.Background()

	custody, err := q.query.ListEvents(ctx, RecordQuery{Categories: []fees.Category{fees.CategoryCustody}})
	require.NoError(t, err)
	require.Len(t, custody.Records, 1)

	cached, err := q.disk.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, cached.Records, 2)

	q.flaky.setDown(true)
	set, err := q.query.ListEvents(ctx, RecordQuery{Categories: []fees.Category{fees.CategoryManagement}})
	require.NoError(t, err)
	assert.Equal(t, SourceDisk, set.Meta.Source)
	require.Len(t, set.Records, 1)
	assert.Equal(t, "m", set.Records[0].EventID)
}

func TestQueryListEvents_StoreDownWithoutDiskCache(t *testing.T) {
	q := newQueryHarness(t, time.Date(2024, 3, 3, 6, 0, 0, 0, time.UTC), 3)
	q.flaky.setDown(true)

	_, err := q.query.ListEvents(context.Background(), RecordQuery{})
	require.ErrorContains(t, err, "connection refused")
}

func TestQueryListEvents_StaleDataTriggersBackgroundSync(t *testing.T) {
	q := newQueryHarness(t, time.Date(2024, 3, 10, 6, 0, 0, 0, time.UTC), 1)
	seedEvents(t, q.harness, remoteItem(t, "a", "CH1", fees.CategoryManagement, "2024-03-01", "-1"))

	set, err := q.query.ListEvents(context.Background(), RecordQuery{})
	require.NoError(t, err)
	assert.True(t, set.Meta.Stale)
	q.query.WaitBackground()

	require.Len(t, q.syncer.requests(), 1)
	assert.False(t, q.syncer.requests()[0].Full)
}

func TestQueryListEvents_ForcedReadOnEmptyStoreRunsFullSync(t *testing.T) {
	q := newQueryHarness(t, time.Date(2024, 3, 3, 6, 0, 0, 0, time.UTC), 3)
	q.syncer.run = func(SyncRequest) {
		seedEvents(t, q.harness, remoteItem(t, "a", "CH1", fees.CategoryManagement, "2024-03-02", "-1"))
	}

	set, err := q.query.ListEvents(context.Background(), RecordQuery{Force: true})
	require.NoError(t, err)
	assert.Len(t, set.Records, 1)
	require.Len(t, q.syncer.requests(), 1)
	assert.True(t, q.syncer.requests()[0].Full)
}

func TestQueryStatus(t *testing.T) {
	q := newQueryHarness(t, time.Date(2024, 3, 3, 6, 0, 0, 0, time.UTC), 3)
	view, err := q.query.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, view.HasData)
	assert.False(t, view.Stale)
	assert.Equal(t, fees.SyncStateIdle, view.State)

	seedEvents(t, q.harness, remoteItem(t, "a", "CH1", fees.CategoryManagement, "2024-02-01", "-1"))
	view, err = q.query.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, view.HasData)
	assert.True(t, view.Stale)
	assert.Equal(t, 1, view.RecordCount)
}

func TestQuerySummary(t *testing.T) {
	q := newQueryHarness(t, time.Date(2024, 3, 3, 6, 0, 0, 0, time.UTC), 3)
	seedEvents(t, q.harness,
		remoteItem(t, "a", "CH1", fees.CategoryManagement, "2024-03-02", "-10"),
		remoteItem(t, "b", "CH2", fees.CategoryPerformance, "2024-03-01", "-5"),
		remoteItem(t, "c", "CH2", fees.CategoryPerformance, "2023-01-01", "-99"),
	)

	summary, meta, err := q.query.Summary(context.Background(), 30, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, meta.RecordCount)
	assert.Equal(t, 2, summary.TotalRecords)
	assert.Equal(t, 2, summary.TotalProducts)
	assert.True(t, summary.TotalFees.Equal(decimal.NewFromInt(15)), summary.TotalFees.String())
}
