package application

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	fees "feesync/internal/fees/domain"
	"feesync/internal/fees/infrastructure/memory"
	"feesync/internal/retry"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(now time.Time) *testClock { return &testClock{now: now} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

type fakeSource struct {
	mu      sync.Mutex
	items   []fees.RemoteFeeItem
	total   int
	err     error
	offsets []int
	started chan struct{}
	release chan struct{}
}

func (f *fakeSource) FetchPage(ctx context.Context, limit, offset int) (fees.RemotePage, error) {
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return fees.RemotePage{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offsets = append(f.offsets, offset)
	if f.err != nil {
		return fees.RemotePage{}, f.err
	}
	if offset >= len(f.items) {
		return fees.RemotePage{TotalCount: f.total}, nil
	}
	end := min(offset+limit, len(f.items))
	return fees.RemotePage{Items: append([]fees.RemoteFeeItem(nil), f.items[offset:end]...), TotalCount: f.total}, nil
}

func (f *fakeSource) setItems(items ...fees.RemoteFeeItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = items
	f.offsets = nil
}

func (f *fakeSource) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.offsets)
}

func remoteItem(t *testing.T, id, isin string, category fees.Category, date, amount string) fees.RemoteFeeItem {
	t.Helper()
	payload := fmt.Sprintf(
		`{"id":%q,"product":{"id":"p-%s","name":"Product %s","isin":%q},"currency":"EUR","type":%q,"positionChange":%q,"bookingDate":%q}`,
		id, isin, isin, isin, category, amount, date,
	)
	var item fees.RemoteFeeItem
	require.NoError(t, json.Unmarshal([]byte(payload), &item))
	return item
}

type harness struct {
	clock      *testClock
	store      *memory.Store
	source     *fakeSource
	aggregator *AggregationService
	snapshots  *SnapshotService
	ingestion  *IngestionService
}

func testIngestionConfig() IngestionConfig {
	return IngestionConfig{
		PageSize:            2,
		MaxPages:            100,
		MaxIncrementalPages: 25,
		LookbackDays:        30,
		BatchSize:           1,
		AggregateDates:      3,
		Retry: retry.Config{
			MaxAttempts:  3,
			InitialDelay: time.Millisecond,
			Multiplier:   2,
			Sleep:        func(context.Context, time.Duration) error { return nil },
		},
	}
}

func newHarness(t *testing.T, now time.Time, cfg IngestionConfig, opts ...IngestionOption) *harness {
	t.Helper()
	h := &harness{clock: newTestClock(now), source: &fakeSource{}}
	h.store = memory.NewStore(h.clock)

	var err error
	h.aggregator, err = NewAggregationService(h.store, nil, WithAggregationClock(h.clock))
	require.NoError(t, err)
	h.snapshots, err = NewSnapshotService(h.store, nil, WithSnapshotClock(h.clock))
	require.NoError(t, err)

	opts = append([]IngestionOption{WithIngestionClock(h.clock), WithSnapshotService(h.snapshots)}, opts...)
	h.ingestion, err = NewIngestionService(h.store, h.source, h.aggregator, cfg, nil, opts...)
	require.NoError(t, err)
	return h
}

func day(year int, month time.Month, d int) time.Time {
	return time.Date(year, month, d, 0, 0, 0, 0, time.UTC)
}
