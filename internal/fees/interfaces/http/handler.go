package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	feesapp "feesync/internal/fees/application"
	fees "feesync/internal/fees/domain"
)

const dateLayout = "2006-01-02"

// Queries is the read side served by the handler.
type Queries interface {
	ListEvents(ctx context.Context, q feesapp.RecordQuery) (feesapp.RecordSet, error)
	RecentDay(records []fees.RawFeeEvent, today time.Time) ([]fees.RawFeeEvent, time.Time)
	Status(ctx context.Context) (feesapp.StatusView, error)
	Summary(ctx context.Context, days int, categories []fees.Category) (fees.Summary, feesapp.RecordMeta, error)
	Monthly(ctx context.Context, filter fees.MonthlyFilter) ([]fees.MonthlyAggregate, error)
	Snapshots(ctx context.Context) ([]fees.LatestSnapshot, error)
	Lifetime(ctx context.Context) ([]fees.ProductLifetimeTotal, error)
	InvalidateCache()
}

// SnapshotRefresher rebuilds product snapshots.
type SnapshotRefresher interface {
	Refresh(ctx context.Context, full bool) (feesapp.SnapshotResult, error)
}

// Handler serves the fee endpoints.
type Handler struct {
	queries   Queries
	syncer    feesapp.Syncer
	snapshots SnapshotRefresher
	logger    *zap.Logger
	now       func() time.Time
}

// NewHandler constructs a Handler.
func NewHandler(queries Queries, syncer feesapp.Syncer, snapshots SnapshotRefresher, logger *zap.Logger) (*Handler, error) {
	if queries == nil {
		return nil, errors.New("fees handler: nil queries")
	}
	if syncer == nil {
		return nil, errors.New("fees handler: nil syncer")
	}
	if snapshots == nil {
		return nil, errors.New("fees handler: nil snapshot refresher")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{queries: queries, syncer: syncer, snapshots: snapshots, logger: logger, now: time.Now}, nil
}

// Routes mounts the handler under /api/v1/fees.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api/v1/fees", func(r chi.Router) {
		r.Get("/status", h.handleStatus)
		r.Post("/sync", h.handleSync)
		r.Post("/snapshots/refresh", h.handleRefresh)
		r.Get("/records", h.handleRecords)
		r.Get("/recent", h.handleRecent)
		r.Get("/summary", h.handleSummary)
		r.Get("/monthly", h.handleMonthly)
		r.Get("/snapshots", h.handleSnapshots)
		r.Get("/lifetime", h.handleLifetime)
		r.Get("/export.csv", h.handleExportCSV)
		r.Get("/export.xlsx", h.handleExportMonthly(feesapp.FormatXLSX))
		r.Get("/export.pdf", h.handleExportMonthly(feesapp.FormatPDF))
	})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	view, err := h.queries.Status(r.Context())
	if err != nil {
		h.internalError(w, "fee status", err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		StatusView:          view,
		LastFullSync:        formatTime(view.Status.LastFullSync),
		LastIncrementalSync: formatTime(view.Status.LastIncrementalSync),
		LastRunMode:         string(view.Status.LastRunMode),
		LastDurationMS:      view.Status.LastDuration.Milliseconds(),
	})
}

func (h *Handler) handleSync(w http.ResponseWriter, r *http.Request) {
	full, err := parseMode(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	result, err := h.syncer.Sync(r.Context(), feesapp.SyncRequest{Full: full})
	if errors.Is(err, fees.ErrSyncAlreadyRunning) {
		http.Error(w, "sync already running", http.StatusConflict)
		return
	}
	if err != nil {
		h.logger.Error("fee sync request failed", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, syncResponse{Result: newSyncView(result), Error: err.Error()})
		return
	}
	h.queries.InvalidateCache()
	writeJSON(w, http.StatusOK, syncResponse{Result: newSyncView(result)})
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	full, err := parseMode(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	result, err := h.snapshots.Refresh(r.Context(), full)
	if err != nil {
		h.internalError(w, "snapshot refresh", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":        result.Mode,
		"considered":  result.Considered,
		"written":     result.Written,
		"duration_ms": result.Duration.Milliseconds(),
	})
}

func (h *Handler) handleRecords(w http.ResponseWriter, r *http.Request) {
	q, err := parseRecordQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	set, ok := h.listEvents(w, r, q)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, recordsResponse{Records: nonNil(set.Records), Meta: set.Meta})
}

func (h *Handler) handleRecent(w http.ResponseWriter, r *http.Request) {
	q, err := parseRecordQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	set, ok := h.listEvents(w, r, q)
	if !ok {
		return
	}
	records, day := h.queries.RecentDay(set.Records, time.Time{})
	writeJSON(w, http.StatusOK, recentResponse{
		Date:    formatDate(day),
		Records: nonNil(records),
		Meta:    set.Meta,
	})
}

func (h *Handler) handleSummary(w http.ResponseWriter, r *http.Request) {
	days := 365
	if raw := r.URL.Query().Get("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "days must be a positive integer", http.StatusBadRequest)
			return
		}
		days = parsed
	}
	categories, err := parseCategories(r.URL.Query().Get("categories"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	summary, meta, err := h.queries.Summary(r.Context(), days, categories)
	if err != nil {
		h.internalError(w, "fee summary", err)
		return
	}
	writeJSON(w, http.StatusOK, summaryResponse{Summary: summary, Meta: meta})
}

func (h *Handler) handleMonthly(w http.ResponseWriter, r *http.Request) {
	filter, err := parseMonthlyFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rows, err := h.queries.Monthly(r.Context(), filter)
	if err != nil {
		h.internalError(w, "monthly aggregates", err)
		return
	}
	out := make([]monthlyRow, 0, len(rows))
	for _, row := range rows {
		out = append(out, newMonthlyRow(row))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	snapshots, err := h.queries.Snapshots(r.Context())
	if err != nil {
		h.internalError(w, "fee snapshots", err)
		return
	}
	out := make([]snapshotRow, 0, len(snapshots))
	for _, snapshot := range snapshots {
		out = append(out, newSnapshotRow(snapshot))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleLifetime(w http.ResponseWriter, r *http.Request) {
	totals, err := h.queries.Lifetime(r.Context())
	if err != nil {
		h.internalError(w, "lifetime totals", err)
		return
	}
	out := make([]lifetimeRow, 0, len(totals))
	for _, total := range totals {
		out = append(out, newLifetimeRow(total))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleExportCSV(w http.ResponseWriter, r *http.Request) {
	q, err := parseRecordQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(q.Categories) == 0 {
		q.Categories = feesapp.DefaultExportCategories
	}
	if q.From.IsZero() {
		q.From = feesapp.DefaultExportFrom
	}
	set, ok := h.listEvents(w, r, q)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", attachment("fees", feesapp.FormatCSV, h.now()))
	if err := feesapp.WriteRecordsCSV(w, set.Records); err != nil {
		h.logger.Error("fee csv export failed", zap.Error(err))
	}
}

func (h *Handler) handleExportMonthly(format string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter, err := parseMonthlyFilter(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if len(filter.Categories) == 0 {
			filter.Categories = feesapp.DefaultExportCategories
		}
		rows, err := h.queries.Monthly(r.Context(), filter)
		if err != nil {
			h.internalError(w, "monthly aggregates", err)
			return
		}

		var data []byte
		contentType := "application/pdf"
		switch format {
		case feesapp.FormatXLSX:
			contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
			data, err = feesapp.BuildMonthlyXLSX(rows)
		default:
			data, err = feesapp.BuildMonthlyPDF("Monthly Fees", rows, h.now())
		}
		if err != nil {
			h.internalError(w, format+" export", err)
			return
		}
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Disposition", attachment("fees_monthly", format, h.now()))
		_, _ = w.Write(data)
	}
}

func (h *Handler) listEvents(w http.ResponseWriter, r *http.Request, q feesapp.RecordQuery) (feesapp.RecordSet, bool) {
	set, err := h.queries.ListEvents(r.Context(), q)
	if errors.Is(err, fees.ErrInvalidDateRange) {
		http.Error(w, "to must not be before from", http.StatusBadRequest)
		return feesapp.RecordSet{}, false
	}
	if err != nil {
		h.logger.Error("fee records unavailable", zap.Error(err))
		http.Error(w, "fee records unavailable", http.StatusServiceUnavailable)
		return feesapp.RecordSet{}, false
	}
	return set, true
}

func (h *Handler) internalError(w http.ResponseWriter, what string, err error) {
	h.logger.Error(what+" failed", zap.Error(err))
	http.Error(w, what+" error", http.StatusInternalServerError)
}

type statusResponse struct {
	feesapp.StatusView
	LastFullSync        string `json:"last_full_sync,omitempty"`
	LastIncrementalSync string `json:"last_incremental_sync,omitempty"`
	LastRunMode         string `json:"last_run_mode,omitempty"`
	LastDurationMS      int64  `json:"last_duration_ms"`
}

type syncView struct {
	Mode              fees.SyncMode `json:"mode"`
	Pages             int           `json:"pages"`
	Fetched           int           `json:"fetched"`
	Processed         int           `json:"processed"`
	Skipped           int           `json:"skipped"`
	StoppedBy         string        `json:"stopped_by"`
	RecordCount       int           `json:"record_count"`
	LatestEventDate   string        `json:"latest_booking_date,omitempty"`
	AggregatedDates   []string      `json:"aggregated_dates"`
	Contributions     int           `json:"contributions"`
	AggregationFailed bool          `json:"aggregation_failed"`
	SnapshotsWritten  int           `json:"snapshots_written"`
	DurationMS        int64         `json:"duration_ms"`
}

func newSyncView(result feesapp.SyncResult) syncView {
	dates := make([]string, 0, len(result.Aggregation.Dates))
	for _, date := range result.Aggregation.Dates {
		dates = append(dates, formatDate(date))
	}
	return syncView{
		Mode:              result.Mode,
		Pages:             result.Pages,
		Fetched:           result.Fetched,
		Processed:         result.Processed,
		Skipped:           result.Skipped,
		StoppedBy:         result.StoppedBy,
		RecordCount:       result.RecordCount,
		LatestEventDate:   formatDate(result.LatestEventDate),
		AggregatedDates:   dates,
		Contributions:     result.Aggregation.Contributions,
		AggregationFailed: result.AggregationFailed,
		SnapshotsWritten:  result.SnapshotsWritten,
		DurationMS:        result.Duration.Milliseconds(),
	}
}

type syncResponse struct {
	Result syncView `json:"result"`
	Error  string   `json:"error,omitempty"`
}

type recordsResponse struct {
	Records []fees.RawFeeEvent `json:"records"`
	Meta    feesapp.RecordMeta `json:"meta"`
}

type recentResponse struct {
	Date    string             `json:"date,omitempty"`
	Records []fees.RawFeeEvent `json:"records"`
	Meta    feesapp.RecordMeta `json:"meta"`
}

type summaryResponse struct {
	Summary fees.Summary       `json:"summary"`
	Meta    feesapp.RecordMeta `json:"meta"`
}

type monthlyRow struct {
	Month       string          `json:"month"`
	ProductKey  string          `json:"product_key"`
	ProductName string          `json:"product_name"`
	ProductISIN string          `json:"product_isin"`
	FeeType     fees.Category   `json:"fee_type"`
	FeeName     string          `json:"fee_name"`
	Currency    string          `json:"currency"`
	SumAmount   decimal.Decimal `json:"sum_amount"`
	SumAbs      decimal.Decimal `json:"sum_abs"`
	RecordCount int             `json:"record_count"`
}

func newMonthlyRow(row fees.MonthlyAggregate) monthlyRow {
	return monthlyRow{
		Month:       row.Month,
		ProductKey:  row.ProductKey,
		ProductName: row.ProductName,
		ProductISIN: row.ProductISIN,
		FeeType:     row.Category,
		FeeName:     row.FeeName,
		Currency:    row.Currency,
		SumAmount:   row.SumAmount,
		SumAbs:      row.SumAbs,
		RecordCount: row.RecordCount,
	}
}

type pointView struct {
	Date   string          `json:"date"`
	Amount decimal.Decimal `json:"amount"`
}

func newPointView(point *fees.FeePoint) *pointView {
	if point == nil {
		return nil
	}
	return &pointView{Date: formatDate(point.Date), Amount: point.Amount}
}

type snapshotRow struct {
	ProductKey      string          `json:"product_key"`
	ProductName     string          `json:"product_name"`
	ProductISIN     string          `json:"product_isin"`
	Management      *pointView      `json:"management,omitempty"`
	Performance     *pointView      `json:"performance,omitempty"`
	Custody         *pointView      `json:"custody,omitempty"`
	LastFeeDate     string          `json:"last_fee_date"`
	LastFeeCategory fees.Category   `json:"last_fee_type"`
	LastFeeAmount   decimal.Decimal `json:"last_fee_amount"`
	Currency        string          `json:"currency"`
	OutstandingQty  decimal.Decimal `json:"outstanding_qty"`
}

func newSnapshotRow(s fees.LatestSnapshot) snapshotRow {
	return snapshotRow{
		ProductKey:      s.ProductKey,
		ProductName:     s.ProductName,
		ProductISIN:     s.ProductISIN,
		Management:      newPointView(s.Management),
		Performance:     newPointView(s.Performance),
		Custody:         newPointView(s.Custody),
		LastFeeDate:     formatDate(s.LastFeeDate),
		LastFeeCategory: s.LastFeeCategory,
		LastFeeAmount:   s.LastFeeAmount,
		Currency:        s.Currency,
		OutstandingQty:  s.OutstandingQty,
	}
}

type lifetimeRow struct {
	ProductKey     string          `json:"product_key"`
	ProductName    string          `json:"product_name"`
	ProductISIN    string          `json:"product_isin"`
	FeeType        fees.Category   `json:"fee_type"`
	Currency       string          `json:"currency"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	TotalAbs       decimal.Decimal `json:"total_abs"`
	RecordCount    int             `json:"record_count"`
	FirstEventDate string          `json:"first_fee_date"`
	LastEventDate  string          `json:"last_fee_date"`
}

func newLifetimeRow(p fees.ProductLifetimeTotal) lifetimeRow {
	return lifetimeRow{
		ProductKey:     p.ProductKey,
		ProductName:    p.ProductName,
		ProductISIN:    p.ProductISIN,
		FeeType:        p.Category,
		Currency:       p.Currency,
		TotalAmount:    p.TotalAmount,
		TotalAbs:       p.TotalAbs,
		RecordCount:    p.RecordCount,
		FirstEventDate: formatDate(p.FirstEventDate),
		LastEventDate:  formatDate(p.LastEventDate),
	}
}

func parseMode(r *http.Request) (bool, error) {
	switch strings.ToLower(r.URL.Query().Get("mode")) {
	case "", string(fees.SyncModeIncremental):
		return false, nil
	case string(fees.SyncModeFull):
		return true, nil
	default:
		return false, errors.New("mode must be full or incremental")
	}
}

func parseRecordQuery(r *http.Request) (feesapp.RecordQuery, error) {
	query := r.URL.Query()
	from, err := parseDate(query.Get("from"), "from")
	if err != nil {
		return feesapp.RecordQuery{}, err
	}
	to, err := parseDate(query.Get("to"), "to")
	if err != nil {
		return feesapp.RecordQuery{}, err
	}
	categories, err := parseCategories(query.Get("categories"))
	if err != nil {
		return feesapp.RecordQuery{}, err
	}
	force, _ := strconv.ParseBool(query.Get("force"))
	return feesapp.RecordQuery{From: from, To: to, Categories: categories, Force: force}, nil
}

func parseMonthlyFilter(r *http.Request) (fees.MonthlyFilter, error) {
	query := r.URL.Query()
	filter := fees.MonthlyFilter{FromMonth: query.Get("from_month"), ToMonth: query.Get("to_month")}
	for _, month := range []string{filter.FromMonth, filter.ToMonth} {
		if month == "" {
			continue
		}
		if _, err := time.Parse("2006-01", month); err != nil {
			return fees.MonthlyFilter{}, fmt.Errorf("invalid month %q, want YYYY-MM", month)
		}
	}
	categories, err := parseCategories(query.Get("categories"))
	if err != nil {
		return fees.MonthlyFilter{}, err
	}
	filter.Categories = categories
	return filter, nil
}

func parseDate(raw, name string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	parsed, err := time.Parse(dateLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s, want YYYY-MM-DD", name)
	}
	return parsed, nil
}

func parseCategories(raw string) ([]fees.Category, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out []fees.Category
	for _, part := range strings.Split(raw, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		category, ok := fees.ParseCategory(part)
		if !ok {
			return nil, fmt.Errorf("unknown fee category %q", part)
		}
		out = append(out, category)
	}
	return out, nil
}

func attachment(prefix, format string, now time.Time) string {
	return fmt.Sprintf(`attachment; filename="%s_%s.%s"`, prefix, now.UTC().Format("20060102"), format)
}

func nonNil(records []fees.RawFeeEvent) []fees.RawFeeEvent {
	if records == nil {
		return []fees.RawFeeEvent{}
	}
	return records
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateLayout)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
