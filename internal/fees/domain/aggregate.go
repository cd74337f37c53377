package fees

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// AggregateKey identifies a product and fee kind inside one aggregation period.
type AggregateKey struct {
	ProductKey string
	Category   Category
}

// MonthlyAggregate accumulates fee amounts per product, kind and calendar month.
type MonthlyAggregate struct {
	Month       string
	ProductKey  string
	ProductName string
	ProductISIN string
	Category    Category
	FeeName     string
	Currency    string
	SumAmount   decimal.Decimal
	SumAbs      decimal.Decimal
	RecordCount int
	UpdatedAt   time.Time
}

// Key returns the product and kind of the aggregate.
func (m MonthlyAggregate) Key() AggregateKey {
	return AggregateKey{ProductKey: m.ProductKey, Category: m.Category}
}

// Add folds delta into m. Descriptive fields follow the latest contribution.
func (m *MonthlyAggregate) Add(delta MonthlyAggregate) {
	m.SumAmount = m.SumAmount.Add(delta.SumAmount)
	m.SumAbs = m.SumAbs.Add(delta.SumAbs)
	m.RecordCount += delta.RecordCount
	m.ProductName = delta.ProductName
	m.ProductISIN = delta.ProductISIN
	m.FeeName = delta.FeeName
	m.Currency = delta.Currency
	m.UpdatedAt = delta.UpdatedAt
}

// DailyAggregate is the representative amount of one product and kind on one date. It also records
// which event version produced it so reruns can tell new representatives from known ones.
type DailyAggregate struct {
	Date            time.Time
	ProductKey      string
	ProductName     string
	ProductISIN     string
	Category        Category
	FeeName         string
	Currency        string
	SumAmount       decimal.Decimal
	SumAbs          decimal.Decimal
	RecordCount     int
	SourceEventID   string
	SourceUpdatedAt time.Time
	UpdatedAt       time.Time
}

// Key returns the product and kind of the aggregate.
func (d DailyAggregate) Key() AggregateKey {
	return AggregateKey{ProductKey: d.ProductKey, Category: d.Category}
}

// ProductLifetimeTotal accumulates fee amounts per product and kind over all time.
type ProductLifetimeTotal struct {
	ProductKey     string
	ProductName    string
	ProductISIN    string
	Category       Category
	Currency       string
	TotalAmount    decimal.Decimal
	TotalAbs       decimal.Decimal
	RecordCount    int
	FirstEventDate time.Time
	LastEventDate  time.Time
	UpdatedAt      time.Time
}

// Key returns the product and kind of the total.
func (p ProductLifetimeTotal) Key() AggregateKey {
	return AggregateKey{ProductKey: p.ProductKey, Category: p.Category}
}

// Add folds delta into p and widens the first/last event dates.
func (p *ProductLifetimeTotal) Add(delta ProductLifetimeTotal) {
	p.TotalAmount = p.TotalAmount.Add(delta.TotalAmount)
	p.TotalAbs = p.TotalAbs.Add(delta.TotalAbs)
	p.RecordCount += delta.RecordCount
	if p.FirstEventDate.IsZero() || delta.FirstEventDate.Before(p.FirstEventDate) {
		p.FirstEventDate = delta.FirstEventDate
	}
	if delta.LastEventDate.After(p.LastEventDate) {
		p.LastEventDate = delta.LastEventDate
	}
	p.ProductName = delta.ProductName
	p.ProductISIN = delta.ProductISIN
	p.Currency = delta.Currency
	p.UpdatedAt = delta.UpdatedAt
}

// IsNewerRepresentative orders versions of the same (date, product, kind) slot: latest update
// first, then latest booking timestamp, then largest event id.
func IsNewerRepresentative(a, b RawFeeEvent) bool {
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	if !a.EventTimestamp.Equal(b.EventTimestamp) {
		return a.EventTimestamp.After(b.EventTimestamp)
	}
	return a.EventID > b.EventID
}

type slotKey struct {
	date time.Time
	key  AggregateKey
}

// SelectRepresentatives keeps one event per (date, product, kind), sorted by date, product and kind.
func SelectRepresentatives(events []RawFeeEvent) []RawFeeEvent {
	best := make(map[slotKey]RawFeeEvent, len(events))
	for _, event := range events {
		slot := slotKey{
			date: DateOf(event.EventDate),
			key:  AggregateKey{ProductKey: event.ProductKey, Category: event.Category},
		}
		current, ok := best[slot]
		if !ok || IsNewerRepresentative(event, current) {
			best[slot] = event
		}
	}
	out := make([]RawFeeEvent, 0, len(best))
	for _, event := range best {
		out = append(out, event)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.EventDate.Equal(b.EventDate) {
			return a.EventDate.Before(b.EventDate)
		}
		if a.ProductKey != b.ProductKey {
			return a.ProductKey < b.ProductKey
		}
		return a.Category < b.Category
	})
	return out
}

// Contribution is one representative that has not been counted yet. The daily row is replaced;
// the monthly and lifetime rows receive the representative's full amount.
type Contribution struct {
	Event RawFeeEvent
	Daily DailyAggregate
}

// Monthly returns the amount to add to the month of the contribution.
func (c Contribution) Monthly() MonthlyAggregate {
	return MonthlyAggregate{
		Month:       MonthKey(c.Daily.Date),
		ProductKey:  c.Daily.ProductKey,
		ProductName: c.Daily.ProductName,
		ProductISIN: c.Daily.ProductISIN,
		Category:    c.Daily.Category,
		FeeName:     c.Daily.FeeName,
		Currency:    c.Daily.Currency,
		SumAmount:   c.Daily.SumAmount,
		SumAbs:      c.Daily.SumAbs,
		RecordCount: c.Daily.RecordCount,
		UpdatedAt:   c.Daily.UpdatedAt,
	}
}

// Lifetime returns the amount to add to the product total.
func (c Contribution) Lifetime() ProductLifetimeTotal {
	return ProductLifetimeTotal{
		ProductKey:     c.Daily.ProductKey,
		ProductName:    c.Daily.ProductName,
		ProductISIN:    c.Daily.ProductISIN,
		Category:       c.Daily.Category,
		Currency:       c.Daily.Currency,
		TotalAmount:    c.Daily.SumAmount,
		TotalAbs:       c.Daily.SumAbs,
		RecordCount:    c.Daily.RecordCount,
		FirstEventDate: c.Daily.Date,
		LastEventDate:  c.Daily.Date,
		UpdatedAt:      c.Daily.UpdatedAt,
	}
}

// NewDailyAggregate builds the daily row produced by a representative event.
func NewDailyAggregate(rep RawFeeEvent, now time.Time) DailyAggregate {
	return DailyAggregate{
		Date:            DateOf(rep.EventDate),
		ProductKey:      rep.ProductKey,
		ProductName:     rep.ProductName,
		ProductISIN:     rep.ProductISIN,
		Category:        rep.Category,
		FeeName:         rep.FeeName,
		Currency:        rep.Currency,
		SumAmount:       rep.SignedDelta,
		SumAbs:          rep.AbsAmount,
		RecordCount:     1,
		SourceEventID:   rep.EventID,
		SourceUpdatedAt: rep.UpdatedAt,
		UpdatedAt:       now.UTC(),
	}
}

// PlanContributions compares the representatives of one date with the daily rows already stored
// for it. A representative contributes when no daily row exists for its slot or the stored row was
// produced by a different event version. Representatives already counted yield nothing, so a
// rerun over unchanged events leaves every aggregate as it is.
func PlanContributions(reps []RawFeeEvent, existing map[AggregateKey]DailyAggregate, now time.Time) []Contribution {
	out := make([]Contribution, 0, len(reps))
	for _, rep := range reps {
		key := AggregateKey{ProductKey: rep.ProductKey, Category: rep.Category}
		if stored, ok := existing[key]; ok &&
			stored.SourceEventID == rep.EventID &&
			stored.SourceUpdatedAt.Equal(rep.UpdatedAt) {
			continue
		}
		out = append(out, Contribution{Event: rep, Daily: NewDailyAggregate(rep, now)})
	}
	return out
}
