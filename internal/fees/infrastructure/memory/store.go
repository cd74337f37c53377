package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	fees "feesync/internal/fees/domain"
)

type dailyKey struct {
	date time.Time
	key  fees.AggregateKey
}

type monthlyKey struct {
	month string
	key   fees.AggregateKey
}

// Store is an in-memory fee store for tests and dry runs.
// It implements every fee repository interface with the same accumulate/replace rules as Postgres.
type Store struct {
	mu        sync.RWMutex
	events    map[string]fees.RawFeeEvent
	daily     map[dailyKey]fees.DailyAggregate
	monthly   map[monthlyKey]fees.MonthlyAggregate
	lifetime  map[fees.AggregateKey]fees.ProductLifetimeTotal
	snapshots map[string]fees.LatestSnapshot
	status    *fees.SyncStatus
	clock     fees.Clock

	failUpserts int
	failErr     error
}

var _ fees.Store = (*Store)(nil)

// NewStore constructs an empty store.
func NewStore(clock fees.Clock) *Store {
	if clock == nil {
		clock = fees.SystemClock{}
	}
	return &Store{
		events:    make(map[string]fees.RawFeeEvent),
		daily:     make(map[dailyKey]fees.DailyAggregate),
		monthly:   make(map[monthlyKey]fees.MonthlyAggregate),
		lifetime:  make(map[fees.AggregateKey]fees.ProductLifetimeTotal),
		snapshots: make(map[string]fees.LatestSnapshot),
		clock:     clock,
	}
}

// FailNextUpserts makes the next n upserts return err.
func (s *Store) FailNextUpserts(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failUpserts = n
	s.failErr = err
}

// UpsertEvents inserts or overwrites events by id. UpdatedAt only moves when content changed.
func (s *Store) UpsertEvents(_ context.Context, events []fees.RawFeeEvent) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUpserts > 0 {
		s.failUpserts--
		return 0, s.failErr
	}
	for _, event := range events {
		if current, ok := s.events[event.EventID]; ok && fees.SameContent(current, event) {
			current.SyncedAt = event.SyncedAt
			s.events[event.EventID] = current
			continue
		}
		s.events[event.EventID] = event
	}
	return len(events), nil
}

// Stats summarizes the stored events.
func (s *Store) Stats(_ context.Context) (fees.EventStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := fees.EventStats{RecordCount: len(s.events)}
	for _, event := range s.events {
		if event.EventDate.After(stats.LatestEventDate) {
			stats.LatestEventDate = event.EventDate
		}
		if event.UpdatedAt.After(stats.LastUpdatedAt) {
			stats.LastUpdatedAt = event.UpdatedAt
		}
	}
	return stats, nil
}

// LatestEventDates returns distinct booking dates, newest first.
func (s *Store) LatestEventDates(_ context.Context, limit int) ([]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[time.Time]struct{})
	dates := make([]time.Time, 0)
	for _, event := range s.events {
		date := fees.DateOf(event.EventDate)
		if _, ok := seen[date]; ok {
			continue
		}
		seen[date] = struct{}{}
		dates = append(dates, date)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].After(dates[j]) })
	if limit > 0 && len(dates) > limit {
		dates = dates[:limit]
	}
	return dates, nil
}

// RepresentativesForDate returns one event per product and kind booked on date.
func (s *Store) RepresentativesForDate(_ context.Context, date time.Time) ([]fees.RawFeeEvent, error) {
	date = fees.DateOf(date)
	s.mu.RLock()
	defer s.mu.RUnlock()
	onDate := make([]fees.RawFeeEvent, 0)
	for _, event := range s.events {
		if fees.DateOf(event.EventDate).Equal(date) {
			onDate = append(onDate, event)
		}
	}
	return fees.SelectRepresentatives(onDate), nil
}

// ListEvents returns matching events, newest booking first.
func (s *Store) ListEvents(_ context.Context, filter fees.EventFilter) ([]fees.RawFeeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]fees.RawFeeEvent, 0)
	for _, event := range s.events {
		if filter.Matches(event) {
			out = append(out, event)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EventTimestamp.Equal(out[j].EventTimestamp) {
			return out[i].EventTimestamp.After(out[j].EventTimestamp)
		}
		return out[i].EventID > out[j].EventID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// LatestDateByProduct returns the newest booking date of a known kind per product key.
func (s *Store) LatestDateByProduct(_ context.Context) (map[string]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]time.Time)
	for _, event := range s.events {
		if !event.Category.Known() {
			continue
		}
		date := fees.DateOf(event.EventDate)
		if date.After(out[event.ProductKey]) {
			out[event.ProductKey] = date
		}
	}
	return out, nil
}

// LatestPerCategory returns, per product key, the newest event of each kind.
func (s *Store) LatestPerCategory(_ context.Context, keys []string) (map[string][]fees.RawFeeEvent, error) {
	var wanted map[string]struct{}
	if keys != nil {
		wanted = make(map[string]struct{}, len(keys))
		for _, key := range keys {
			wanted[key] = struct{}{}
		}
	}
	s.mu.RLock()
	grouped := make(map[string][]fees.RawFeeEvent)
	for _, event := range s.events {
		if wanted != nil {
			if _, ok := wanted[event.ProductKey]; !ok {
				continue
			}
		}
		grouped[event.ProductKey] = append(grouped[event.ProductKey], event)
	}
	s.mu.RUnlock()

	out := make(map[string][]fees.RawFeeEvent, len(grouped))
	for key, events := range grouped {
		for _, latest := range fees.LatestPerCategory(events) {
			out[key] = append(out[key], latest)
		}
	}
	return out, nil
}

// DailyForDate returns the daily rows of date keyed by product and kind.
func (s *Store) DailyForDate(_ context.Context, date time.Time) (map[fees.AggregateKey]fees.DailyAggregate, error) {
	date = fees.DateOf(date)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[fees.AggregateKey]fees.DailyAggregate)
	for key, row := range s.daily {
		if key.date.Equal(date) {
			out[key.key] = row
		}
	}
	return out, nil
}

// ApplyContributions replaces daily rows and accumulates monthly and lifetime rows.
func (s *Store) ApplyContributions(_ context.Context, _ time.Time, contributions []fees.Contribution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range contributions {
		key := c.Daily.Key()
		s.daily[dailyKey{date: c.Daily.Date, key: key}] = c.Daily

		delta := c.Monthly()
		mk := monthlyKey{month: delta.Month, key: key}
		if row, ok := s.monthly[mk]; ok {
			row.Add(delta)
			s.monthly[mk] = row
		} else {
			s.monthly[mk] = delta
		}

		total := c.Lifetime()
		if row, ok := s.lifetime[key]; ok {
			row.Add(total)
			s.lifetime[key] = row
		} else {
			s.lifetime[key] = total
		}
	}
	return nil
}

// ListMonthly returns monthly rows ordered by month, product and kind.
func (s *Store) ListMonthly(_ context.Context, filter fees.MonthlyFilter) ([]fees.MonthlyAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]fees.MonthlyAggregate, 0, len(s.monthly))
	for _, row := range s.monthly {
		if filter.FromMonth != "" && row.Month < filter.FromMonth {
			continue
		}
		if filter.ToMonth != "" && row.Month > filter.ToMonth {
			continue
		}
		if !categoryAllowed(row.Category, filter.Categories) {
			continue
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Month != out[j].Month {
			return out[i].Month < out[j].Month
		}
		if out[i].ProductKey != out[j].ProductKey {
			return out[i].ProductKey < out[j].ProductKey
		}
		return out[i].Category < out[j].Category
	})
	return out, nil
}

// ListDaily returns daily rows between from and to inclusive.
func (s *Store) ListDaily(_ context.Context, from, to time.Time) ([]fees.DailyAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]fees.DailyAggregate, 0)
	for _, row := range s.daily {
		if !from.IsZero() && row.Date.Before(fees.DateOf(from)) {
			continue
		}
		if !to.IsZero() && row.Date.After(fees.DateOf(to)) {
			continue
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		if out[i].ProductKey != out[j].ProductKey {
			return out[i].ProductKey < out[j].ProductKey
		}
		return out[i].Category < out[j].Category
	})
	return out, nil
}

// ListLifetime returns every product total ordered by product and kind.
func (s *Store) ListLifetime(_ context.Context) ([]fees.ProductLifetimeTotal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]fees.ProductLifetimeTotal, 0, len(s.lifetime))
	for _, row := range s.lifetime {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProductKey != out[j].ProductKey {
			return out[i].ProductKey < out[j].ProductKey
		}
		return out[i].Category < out[j].Category
	})
	return out, nil
}

// SnapshotDates returns the last fee date of every stored snapshot.
func (s *Store) SnapshotDates(_ context.Context) (map[string]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]time.Time, len(s.snapshots))
	for key, snapshot := range s.snapshots {
		out[key] = snapshot.LastFeeDate
	}
	return out, nil
}

// UpsertSnapshots writes snapshots by product key.
func (s *Store) UpsertSnapshots(_ context.Context, snapshots []fees.LatestSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, snapshot := range snapshots {
		s.snapshots[snapshot.ProductKey] = snapshot
	}
	return nil
}

// ReplaceSnapshots swaps the whole snapshot set.
func (s *Store) ReplaceSnapshots(_ context.Context, snapshots []fees.LatestSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = make(map[string]fees.LatestSnapshot, len(snapshots))
	for _, snapshot := range snapshots {
		s.snapshots[snapshot.ProductKey] = snapshot
	}
	return nil
}

// ListSnapshots returns snapshots ordered by product key.
func (s *Store) ListSnapshots(_ context.Context) ([]fees.LatestSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]fees.LatestSnapshot, 0, len(s.snapshots))
	for _, snapshot := range s.snapshots {
		out = append(out, snapshot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductKey < out[j].ProductKey })
	return out, nil
}

// LoadStatus returns the status row, creating an idle one when missing.
func (s *Store) LoadStatus(_ context.Context) (fees.SyncStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == nil {
		status := fees.NewSyncStatus(s.clock.Now())
		s.status = &status
	}
	return *s.status, nil
}

// SaveStatus overwrites the status row.
func (s *Store) SaveStatus(_ context.Context, status fees.SyncStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = &status
	return nil
}

func categoryAllowed(category fees.Category, allowed []fees.Category) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, c := range allowed {
		if c == category {
			return true
		}
	}
	return false
}
