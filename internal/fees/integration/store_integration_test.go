package integration_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	feesapp "feesync/internal/fees/application"
	fees "feesync/internal/fees/domain"
	feesrepo "feesync/internal/fees/infrastructure/postgres"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type fixedClock struct{ now time.Time }

func (c *fixedClock) Now() time.Time { return c.now }

type staticSource struct{ items []fees.RemoteFeeItem }

func (s *staticSource) FetchPage(_ context.Context, limit, offset int) (fees.RemotePage, error) {
	if offset >= len(s.items) {
		return fees.RemotePage{}, nil
	}
	end := min(offset+limit, len(s.items))
	return fees.RemotePage{Items: s.items[offset:end], TotalCount: len(s.items)}, nil
}

func item(t *testing.T, id, isin string, category fees.Category, date, amount string) fees.RemoteFeeItem {
	t.Helper()
	payload := fmt.Sprintf(`{"id":%q,"product":{"id":"p-%s","name":"Fund %s","isin":%q},"currency":"CHF","type":%q,"positionChange":%q,"bookingDate":%q}`,
		id, isin, isin, isin, category, amount, date)
	var out fees.RemoteFeeItem
	if err := json.Unmarshal([]byte(payload), &out); err != nil {
		t.Fatalf("decode item: %v", err)
	}
	return out
}

func openStore(t *testing.T) (*sql.DB, *feesrepo.Store, *fixedClock) {
	t.Helper()
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	if err := feesrepo.EnsureSchema(ctx, db); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	for _, table := range []string{"fee_records", "fee_monthly_summaries", "fee_daily_summaries", "fee_product_totals", "fee_latest_snapshots", "fee_sync_status"} {
		if _, err := db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			t.Fatalf("clean %s: %v", table, err)
		}
	}
	clock := &fixedClock{now: time.Date(2024, 1, 7, 6, 0, 0, 0, time.UTC)}
	return db, feesrepo.NewStore(db, feesrepo.WithClock(clock)), clock
}

func TestFeeSync_PostgresAccumulatesRepresentatives(t *testing.T) {
	_, store, clock := openStore(t)
	ctx := context.Background()

	aggregator, err := feesapp.NewAggregationService(store, nil, feesapp.WithAggregationClock(clock))
	if err != nil {
		t.Fatalf("aggregation service: %v", err)
	}
	snapshots, err := feesapp.NewSnapshotService(store, nil, feesapp.WithSnapshotClock(clock))
	if err != nil {
		t.Fatalf("snapshot service: %v", err)
	}
	source := &staticSource{}
	cfg := feesapp.DefaultIngestionConfig()
	cfg.PageSize = 2
	cfg.SnapshotAfterSync = true
	ingestion, err := feesapp.NewIngestionService(store, source, aggregator, cfg, nil,
		feesapp.WithIngestionClock(clock), feesapp.WithSnapshotService(snapshots))
	if err != nil {
		t.Fatalf("ingestion service: %v", err)
	}

	first := item(t, "x-a-1", "X", fees.CategoryManagement, "2024-01-05", "100")
	catB := item(t, "x-b-1", "X", fees.CategoryPerformance, "2024-01-06", "30")
	source.items = []fees.RemoteFeeItem{catB, first}
	if _, err := ingestion.Sync(ctx, feesapp.SyncRequest{}); err != nil {
		t.Fatalf("first sync: %v", err)
	}

	clock.now = clock.now.Add(time.Hour)
	second := item(t, "x-a-2", "X", fees.CategoryManagement, "2024-01-05", "150")
	source.items = []fees.RemoteFeeItem{catB, second, first}
	for run := 0; run < 2; run++ {
		result, err := ingestion.Sync(ctx, feesapp.SyncRequest{})
		if err != nil {
			t.Fatalf("sync %d: %v", run, err)
		}
		if result.Mode != fees.SyncModeIncremental {
			t.Fatalf("expected incremental, got %s", result.Mode)
		}
		clock.now = clock.now.Add(time.Hour)
	}

	monthly, err := store.ListMonthly(ctx, fees.MonthlyFilter{Categories: []fees.Category{fees.CategoryManagement}})
	if err != nil {
		t.Fatalf("list monthly: %v", err)
	}
	if len(monthly) != 1 || !monthly[0].SumAmount.Equal(decimal.NewFromInt(250)) {
		t.Fatalf("expected monthly 250, got %+v", monthly)
	}

	daily, err := store.DailyForDate(ctx, time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("daily: %v", err)
	}
	row := daily[fees.AggregateKey{ProductKey: "X", Category: fees.CategoryManagement}]
	if !row.SumAmount.Equal(decimal.NewFromInt(150)) || row.SourceEventID != "x-a-2" {
		t.Fatalf("expected daily 150 from x-a-2, got %+v", row)
	}

	totals, err := store.ListLifetime(ctx)
	if err != nil {
		t.Fatalf("lifetime: %v", err)
	}
	if len(totals) != 2 {
		t.Fatalf("expected 2 lifetime rows, got %d", len(totals))
	}

	snaps, err := store.ListSnapshots(ctx)
	if err != nil {
		t.Fatalf("snapshots: %v", err)
	}
	if len(snaps) != 1 || snaps[0].LastFeeCategory != fees.CategoryPerformance {
		t.Fatalf("unexpected snapshots: %+v", snaps)
	}

	status, err := store.LoadStatus(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.State != fees.SyncStateSuccess || status.LastRecordCount != 3 {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestFeeStore_UpsertKeepsUpdatedAtWhenUnchanged(t *testing.T) {
	_, store, clock := openStore(t)
	ctx := context.Background()

	events := fees.NormalizeItems([]fees.RemoteFeeItem{item(t, "e1", "CH1", fees.CategoryManagement, "2024-01-05", "-3")}, time.Time{}, clock.now).Events
	if _, err := store.UpsertEvents(ctx, events); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	later := fees.NormalizeItems([]fees.RemoteFeeItem{item(t, "e1", "CH1", fees.CategoryManagement, "2024-01-05", "-3")}, time.Time{}, clock.now.Add(time.Hour)).Events
	if _, err := store.UpsertEvents(ctx, later); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}

	stored, err := store.ListEvents(ctx, fees.EventFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("expected 1 event, got %d", len(stored))
	}
	if !stored[0].UpdatedAt.Equal(events[0].UpdatedAt) {
		t.Fatalf("updated_at moved: %s -> %s", events[0].UpdatedAt, stored[0].UpdatedAt)
	}
	if !stored[0].SyncedAt.Equal(later[0].SyncedAt) {
		t.Fatalf("synced_at not refreshed")
	}
}
