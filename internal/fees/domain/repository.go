package fees

import (
	"context"
	"time"
)

// EventFilter narrows event reads. Zero bounds are open.
type EventFilter struct {
	From       time.Time
	To         time.Time
	Categories []Category
	ProductKey string
	Limit      int
}

// Matches reports whether event passes the filter.
func (f EventFilter) Matches(event RawFeeEvent) bool {
	day := DateOf(event.EventDate)
	if !f.From.IsZero() && day.Before(DateOf(f.From)) {
		return false
	}
	if !f.To.IsZero() && day.After(DateOf(f.To)) {
		return false
	}
	if f.ProductKey != "" && event.ProductKey != f.ProductKey {
		return false
	}
	if len(f.Categories) == 0 {
		return true
	}
	for _, category := range f.Categories {
		if event.Category == category {
			return true
		}
	}
	return false
}

// EventStats summarizes the event log.
type EventStats struct {
	RecordCount     int
	LatestEventDate time.Time
	LastUpdatedAt   time.Time
}

// HasData reports whether any event is stored.
func (s EventStats) HasData() bool { return s.RecordCount > 0 }

// MonthlyFilter narrows monthly aggregate reads. Months are YYYY-MM; empty bounds are open.
type MonthlyFilter struct {
	FromMonth  string
	ToMonth    string
	Categories []Category
}

// EventRepository stores normalized fee events.
type EventRepository interface {
	// UpsertEvents writes one batch atomically and returns the number of rows written.
	UpsertEvents(ctx context.Context, events []RawFeeEvent) (int, error)
	Stats(ctx context.Context) (EventStats, error)
	// LatestEventDates returns up to limit distinct booking dates, newest first.
	LatestEventDates(ctx context.Context, limit int) ([]time.Time, error)
	// RepresentativesForDate returns one event per product and kind booked on date.
	RepresentativesForDate(ctx context.Context, date time.Time) ([]RawFeeEvent, error)
	// ListEvents returns matching events, newest booking first.
	ListEvents(ctx context.Context, filter EventFilter) ([]RawFeeEvent, error)
	// LatestDateByProduct returns the newest booking date per product key.
	LatestDateByProduct(ctx context.Context) (map[string]time.Time, error)
	// LatestPerCategory returns, per product key, the newest event of each kind.
	// A nil keys slice means every product.
	LatestPerCategory(ctx context.Context, keys []string) (map[string][]RawFeeEvent, error)
}

// AggregateRepository stores the derived daily, monthly and lifetime aggregates.
type AggregateRepository interface {
	DailyForDate(ctx context.Context, date time.Time) (map[AggregateKey]DailyAggregate, error)
	// ApplyContributions replaces the daily rows and adds to the monthly and lifetime rows in
	// one transaction.
	ApplyContributions(ctx context.Context, date time.Time, contributions []Contribution) error
	ListMonthly(ctx context.Context, filter MonthlyFilter) ([]MonthlyAggregate, error)
	ListDaily(ctx context.Context, from, to time.Time) ([]DailyAggregate, error)
	ListLifetime(ctx context.Context) ([]ProductLifetimeTotal, error)
}

// SnapshotRepository stores the per-product latest fee snapshots.
type SnapshotRepository interface {
	SnapshotDates(ctx context.Context) (map[string]time.Time, error)
	UpsertSnapshots(ctx context.Context, snapshots []LatestSnapshot) error
	// ReplaceSnapshots swaps the whole table for snapshots in one transaction.
	ReplaceSnapshots(ctx context.Context, snapshots []LatestSnapshot) error
	ListSnapshots(ctx context.Context) ([]LatestSnapshot, error)
}

// SyncStatusRepository stores the single ingestion status row.
type SyncStatusRepository interface {
	// LoadStatus returns the status row, creating an idle one when missing.
	LoadStatus(ctx context.Context) (SyncStatus, error)
	SaveStatus(ctx context.Context, status SyncStatus) error
}

// Store is the full persistence surface used by the fee services.
type Store interface {
	EventRepository
	AggregateRepository
	SnapshotRepository
	SyncStatusRepository
}

// RemotePage is one page of the partner fee listing.
type RemotePage struct {
	Items      []RemoteFeeItem
	TotalCount int
}

// RemoteEventSource pages through the partner fee listing.
type RemoteEventSource interface {
	FetchPage(ctx context.Context, limit, offset int) (RemotePage, error)
}

// CachedRecords is a record set saved outside the store for use when it is unreachable.
type CachedRecords struct {
	FetchedAt time.Time
	Records   []RawFeeEvent
}
