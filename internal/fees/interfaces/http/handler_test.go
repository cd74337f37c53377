package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	feesapp "feesync/internal/fees/application"
	fees "feesync/internal/fees/domain"
)

type stubQueries struct {
	set         feesapp.RecordSet
	listErr     error
	lastQuery   feesapp.RecordQuery
	lastMonthly fees.MonthlyFilter
	monthly     []fees.MonthlyAggregate
	snapshots   []fees.LatestSnapshot
	status      feesapp.StatusView
	invalidated int
}

func (s *stubQueries) ListEvents(ctx context.Context, q feesapp.RecordQuery) (feesapp.RecordSet, error) {
	s.lastQuery = q
	if s.listErr != nil {
		return feesapp.RecordSet{}, s.listErr
	}
	if !q.From.IsZero() && !q.To.IsZero() && q.To.Before(q.From) {
		return feesapp.RecordSet{}, fees.ErrInvalidDateRange
	}
	return s.set, nil
}

func (s *stubQueries) RecentDay(records []fees.RawFeeEvent, today time.Time) ([]fees.RawFeeEvent, time.Time) {
	return fees.RecentDay(records, time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC))
}

func (s *stubQueries) Status(ctx context.Context) (feesapp.StatusView, error) { return s.status, nil }

func (s *stubQueries) Summary(ctx context.Context, days int, categories []fees.Category) (fees.Summary, feesapp.RecordMeta, error) {
	return fees.Summary{Days: days, TotalFees: decimal.NewFromInt(15)}, feesapp.RecordMeta{Source: feesapp.SourceDatabase}, nil
}

func (s *stubQueries) Monthly(ctx context.Context, filter fees.MonthlyFilter) ([]fees.MonthlyAggregate, error) {
	s.lastMonthly = filter
	return s.monthly, nil
}

func (s *stubQueries) Snapshots(ctx context.Context) ([]fees.LatestSnapshot, error) {
	return s.snapshots, nil
}

func (s *stubQueries) Lifetime(ctx context.Context) ([]fees.ProductLifetimeTotal, error) {
	return nil, nil
}

func (s *stubQueries) InvalidateCache() { s.invalidated++ }

type stubSyncer struct {
	result feesapp.SyncResult
	err    error
	last   feesapp.SyncRequest
}

func (s *stubSyncer) Sync(ctx context.Context, req feesapp.SyncRequest) (feesapp.SyncResult, error) {
	s.last = req
	return s.result, s.err
}

type stubRefresher struct{ full bool }

func (s *stubRefresher) Refresh(ctx context.Context, full bool) (feesapp.SnapshotResult, error) {
	s.full = full
	return feesapp.SnapshotResult{Mode: feesapp.SnapshotModeFull, Written: 2}, nil
}

type fixture struct {
	queries   *stubQueries
	syncer    *stubSyncer
	refresher *stubRefresher
	router    http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{queries: &stubQueries{}, syncer: &stubSyncer{}, refresher: &stubRefresher{}}
	h, err := NewHandler(f.queries, f.syncer, f.refresher, nil)
	require.NoError(t, err)
	h.now = func() time.Time { return time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC) }
	r := chi.NewRouter()
	h.Routes(r)
	f.router = r
	return f
}

func (f *fixture) do(method, target string) *httptest.ResponseRecorder {
	resp := httptest.NewRecorder()
	f.router.ServeHTTP(resp, httptest.NewRequest(method, target, nil))
	return resp
}

func event(id, isin string, category fees.Category, date string, amount string) fees.RawFeeEvent {
	day, _ := time.Parse(dateLayout, date)
	delta := decimal.RequireFromString(amount)
	return fees.RawFeeEvent{
		EventID:     id,
		ProductName: "Product " + isin,
		ProductISIN: isin,
		ProductKey:  isin,
		Currency:    "EUR",
		Category:    category,
		SignedDelta: delta,
		AbsAmount:   delta.Abs(),
		EventDate:   day,
	}
}

func TestSync_ModesAndConflict(t *testing.T) {
	f := newFixture(t)
	f.syncer.result = feesapp.SyncResult{Mode: fees.SyncModeFull, Pages: 3, StoppedBy: feesapp.StopTotalCount}

	resp := f.do(http.MethodPost, "/api/v1/fees/sync?mode=full")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.True(t, f.syncer.last.Full)
	assert.Equal(t, 1, f.queries.invalidated)
	var body syncResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 3, body.Result.Pages)
	assert.Equal(t, feesapp.StopTotalCount, body.Result.StoppedBy)

	resp = f.do(http.MethodPost, "/api/v1/fees/sync")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.False(t, f.syncer.last.Full)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/v1/fees/sync?mode=partial").Code)

	f.syncer.err = fees.ErrSyncAlreadyRunning
	assert.Equal(t, http.StatusConflict, f.do(http.MethodPost, "/api/v1/fees/sync").Code)

	f.syncer.err = errors.New("remote down")
	resp = f.do(http.MethodPost, "/api/v1/fees/sync")
	assert.Equal(t, http.StatusBadGateway, resp.Code)
	assert.Contains(t, resp.Body.String(), "remote down")
	assert.Equal(t, 2, f.queries.invalidated)
}

func TestRefresh_PassesMode(t *testing.T) {
	f := newFixture(t)
	resp := f.do(http.MethodPost, "/api/v1/fees/snapshots/refresh?mode=full")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.True(t, f.refresher.full)
	assert.Contains(t, resp.Body.String(), `"written":2`)
}

func TestRecords_ParsesQuery(t *testing.T) {
	f := newFixture(t)
	f.queries.set = feesapp.RecordSet{
		Records: []fees.RawFeeEvent{event("e1", "CH1", fees.CategoryManagement, "2024-03-02", "-12.5")},
		Meta:    feesapp.RecordMeta{RecordCount: 1, Source: feesapp.SourceDatabase},
	}

	resp := f.do(http.MethodGet, "/api/v1/fees/records?from=2024-03-01&to=2024-03-03&categories=management,performance&force=true")
	require.Equal(t, http.StatusOK, resp.Code)
	q := f.queries.lastQuery
	assert.Equal(t, "2024-03-01", q.From.Format(dateLayout))
	assert.Equal(t, "2024-03-03", q.To.Format(dateLayout))
	assert.Equal(t, []fees.Category{fees.CategoryManagement, fees.CategoryPerformance}, q.Categories)
	assert.True(t, q.Force)

	var body struct {
		Records []map[string]any   `json:"records"`
		Meta    feesapp.RecordMeta `json:"meta"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Records, 1)
	assert.Equal(t, "e1", body.Records[0]["event_id"])
	assert.Equal(t, feesapp.SourceDatabase, body.Meta.Source)
}

func TestRecords_Errors(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/v1/fees/records?from=03.01.2024").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/v1/fees/records?categories=entry").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/v1/fees/records?from=2024-03-05&to=2024-03-01").Code)

	f.queries.listErr = errors.New("store down")
	assert.Equal(t, http.StatusServiceUnavailable, f.do(http.MethodGet, "/api/v1/fees/records").Code)
}

func TestRecent_PicksYesterday(t *testing.T) {
	f := newFixture(t)
	f.queries.set = feesapp.RecordSet{Records: []fees.RawFeeEvent{
		event("e1", "CH1", fees.CategoryManagement, "2024-03-02", "-1"),
		event("e2", "CH1", fees.CategoryManagement, "2024-03-01", "-1"),
	}}
	resp := f.do(http.MethodGet, "/api/v1/fees/recent")
	require.Equal(t, http.StatusOK, resp.Code)
	var body recentResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "2024-03-02", body.Date)
	require.Len(t, body.Records, 1)
	assert.Equal(t, "e1", body.Records[0].EventID)
}

func TestSummary_DaysValidation(t *testing.T) {
	f := newFixture(t)
	resp := f.do(http.MethodGet, "/api/v1/fees/summary?days=30")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `"days":30`)
	assert.Contains(t, resp.Body.String(), `"total_fees":"15"`)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/v1/fees/summary?days=0").Code)
}

func TestExportCSV_Defaults(t *testing.T) {
	f := newFixture(t)
	f.queries.set = feesapp.RecordSet{Records: []fees.RawFeeEvent{
		event("e1", "CH2", fees.CategoryManagement, "2024-03-02", "-12.25"),
	}}

	resp := f.do(http.MethodGet, "/api/v1/fees/export.csv")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, feesapp.DefaultExportCategories, f.queries.lastQuery.Categories)
	assert.True(t, f.queries.lastQuery.From.Equal(feesapp.DefaultExportFrom))
	assert.Equal(t, `attachment; filename="fees_20240304.csv"`, resp.Header().Get("Content-Disposition"))

	lines := strings.Split(strings.TrimSpace(resp.Body.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "Date,Product,ISIN,Fee Type,Amount,Currency", lines[0])
	assert.Equal(t, "02.03.2024,Product CH2,CH2,Management Fee,-12.25,EUR", lines[1])
}

func TestExportMonthly_Formats(t *testing.T) {
	f := newFixture(t)
	f.queries.monthly = []fees.MonthlyAggregate{{
		Month:       "2024-03",
		ProductKey:  "CH1",
		ProductName: "Product CH1",
		ProductISIN: "CH1",
		Category:    fees.CategoryManagement,
		Currency:    "EUR",
		SumAmount:   decimal.RequireFromString("-12"),
		SumAbs:      decimal.RequireFromString("12"),
		RecordCount: 1,
	}}

	resp := f.do(http.MethodGet, "/api/v1/fees/export.pdf?from_month=2024-01")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "application/pdf", resp.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(resp.Body.String(), "%PDF"))
	assert.Equal(t, "2024-01", f.queries.lastMonthly.FromMonth)
	assert.Equal(t, feesapp.DefaultExportCategories, f.queries.lastMonthly.Categories)

	resp = f.do(http.MethodGet, "/api/v1/fees/export.xlsx")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Header().Get("Content-Disposition"), "fees_monthly_20240304.xlsx")
	assert.True(t, strings.HasPrefix(resp.Body.String(), "PK"))

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/v1/fees/export.xlsx?to_month=2024-3-1").Code)
}

func TestSnapshots_RendersPoints(t *testing.T) {
	f := newFixture(t)
	f.queries.snapshots = []fees.LatestSnapshot{{
		ProductKey:  "CH1",
		ProductName: "Product CH1",
		Management:  &fees.FeePoint{Date: time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC), Amount: decimal.RequireFromString("-5")},
		LastFeeDate: time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC),
	}}
	resp := f.do(http.MethodGet, "/api/v1/fees/snapshots")
	require.Equal(t, http.StatusOK, resp.Code)
	var rows []snapshotRow
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rows))
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].Management)
	assert.Equal(t, "2024-03-02", rows[0].Management.Date)
	assert.Nil(t, rows[0].Performance)
}

func TestStatus_RendersTimes(t *testing.T) {
	f := newFixture(t)
	f.queries.status = feesapp.StatusView{
		RecordCount: 5,
		State:       fees.SyncStateSuccess,
		HasData:     true,
		Status: fees.SyncStatus{
			LastFullSync: time.Date(2024, 3, 4, 6, 0, 0, 0, time.UTC),
			LastDuration: 1500 * time.Millisecond,
		},
	}
	resp := f.do(http.MethodGet, "/api/v1/fees/status")
	require.Equal(t, http.StatusOK, resp.Code)
	body := resp.Body.String()
	assert.Contains(t, body, `"record_count":5`)
	assert.Contains(t, body, `"status":"success"`)
	assert.Contains(t, body, `"last_full_sync":"2024-03-04T06:00:00Z"`)
	assert.Contains(t, body, `"last_duration_ms":1500`)
}
