package fees

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// FeePoint is the latest booking of one fee kind for a product.
type FeePoint struct {
	Date   time.Time
	Amount decimal.Decimal
}

// LatestSnapshot is the per-product view of the most recent fees.
type LatestSnapshot struct {
	ProductKey      string
	ProductName     string
	ProductISIN     string
	Management      *FeePoint
	Performance     *FeePoint
	Custody         *FeePoint
	LastFeeDate     time.Time
	LastFeeCategory Category
	LastFeeAmount   decimal.Decimal
	Currency        string
	OutstandingQty  decimal.Decimal
	UpdatedAt       time.Time
}

// LatestPerCategory keeps the most recent event of each known kind. Newer booking dates win;
// versions on the same date are ordered like representatives.
func LatestPerCategory(events []RawFeeEvent) map[Category]RawFeeEvent {
	latest := make(map[Category]RawFeeEvent, len(KnownCategories))
	for _, event := range events {
		if !event.Category.Known() {
			continue
		}
		current, ok := latest[event.Category]
		if !ok || newerBooking(event, current) {
			latest[event.Category] = event
		}
	}
	return latest
}

func newerBooking(a, b RawFeeEvent) bool {
	da, db := DateOf(a.EventDate), DateOf(b.EventDate)
	if !da.Equal(db) {
		return da.After(db)
	}
	return IsNewerRepresentative(a, b)
}

// BuildSnapshot projects the latest events of one product into a snapshot. Management beats
// performance on equal dates; custody only takes over when strictly newer. The boolean is false
// when the product has no event of a known kind.
func BuildSnapshot(key string, events []RawFeeEvent, now time.Time) (LatestSnapshot, bool) {
	latest := LatestPerCategory(events)
	if len(latest) == 0 {
		return LatestSnapshot{}, false
	}
	snapshot := LatestSnapshot{ProductKey: key, UpdatedAt: now.UTC()}
	point := func(category Category) *FeePoint {
		event, ok := latest[category]
		if !ok {
			return nil
		}
		return &FeePoint{Date: DateOf(event.EventDate), Amount: event.AbsAmount}
	}
	snapshot.Management = point(CategoryManagement)
	snapshot.Performance = point(CategoryPerformance)
	snapshot.Custody = point(CategoryCustody)

	var chosen RawFeeEvent
	var found bool
	mgmt, hasMgmt := latest[CategoryManagement]
	perf, hasPerf := latest[CategoryPerformance]
	switch {
	case hasMgmt && hasPerf:
		if !DateOf(mgmt.EventDate).Before(DateOf(perf.EventDate)) {
			chosen = mgmt
		} else {
			chosen = perf
		}
		found = true
	case hasMgmt:
		chosen, found = mgmt, true
	case hasPerf:
		chosen, found = perf, true
	}
	if custody, ok := latest[CategoryCustody]; ok {
		if !found || DateOf(custody.EventDate).After(DateOf(chosen.EventDate)) {
			chosen, found = custody, true
		}
	}

	snapshot.LastFeeDate = DateOf(chosen.EventDate)
	snapshot.LastFeeCategory = chosen.Category
	snapshot.LastFeeAmount = chosen.AbsAmount
	snapshot.Currency = chosen.Currency
	if chosen.OutstandingQty.Valid {
		snapshot.OutstandingQty = chosen.OutstandingQty.Decimal
	}

	newest := chosen
	for _, event := range latest {
		if newerBooking(event, newest) {
			newest = event
		}
	}
	snapshot.ProductName = newest.ProductName
	snapshot.ProductISIN = newest.ProductISIN
	return snapshot, true
}

// KeysToRefresh lists products whose latest raw date moved past their stored snapshot date,
// and products without a snapshot. The result is sorted.
func KeysToRefresh(rawLatest, snapshotDates map[string]time.Time) []string {
	keys := make([]string, 0)
	for key, latest := range rawLatest {
		stored, ok := snapshotDates[key]
		if !ok || DateOf(latest).After(DateOf(stored)) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}
