package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	fees "feesync/internal/fees/domain"
	"feesync/internal/observability/metrics"
)

// AggregationStore is the persistence needed to fold events into aggregates.
type AggregationStore interface {
	RepresentativesForDate(ctx context.Context, date time.Time) ([]fees.RawFeeEvent, error)
	DailyForDate(ctx context.Context, date time.Time) (map[fees.AggregateKey]fees.DailyAggregate, error)
	ApplyContributions(ctx context.Context, date time.Time, contributions []fees.Contribution) error
}

// AggregationResult reports one aggregation pass.
type AggregationResult struct {
	Dates         []time.Time
	Contributions int
	Unchanged     int
	Failed        []time.Time
}

// AggregationService folds representative events into daily, monthly and lifetime aggregates.
type AggregationService struct {
	store  AggregationStore
	clock  fees.Clock
	logger *zap.Logger
}

// AggregationOption configures AggregationService.
type AggregationOption func(*AggregationService)

// WithAggregationClock overrides the clock stamped on aggregates.
func WithAggregationClock(clock fees.Clock) AggregationOption {
	return func(s *AggregationService) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewAggregationService constructs an AggregationService.
func NewAggregationService(store AggregationStore, logger *zap.Logger, opts ...AggregationOption) (*AggregationService, error) {
	if store == nil {
		return nil, fees.ErrNilRepository
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &AggregationService{store: store, clock: fees.SystemClock{}, logger: logger}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// AggregateDates aggregates each date in its own transaction. A failing date does not stop the
// others; the joined error names every failed date.
func (s *AggregationService) AggregateDates(ctx context.Context, dates []time.Time) (AggregationResult, error) {
	var result AggregationResult
	var errs []error
	seen := make(map[time.Time]struct{}, len(dates))
	for _, raw := range dates {
		date := fees.DateOf(raw)
		if _, ok := seen[date]; ok {
			continue
		}
		seen[date] = struct{}{}
		result.Dates = append(result.Dates, date)

		applied, unchanged, err := s.aggregateDate(ctx, date)
		if err != nil {
			metrics.IncFeeDateAggregated(metrics.ResultError)
			s.logger.Error("fee aggregation failed", zap.Time("date", date), zap.Error(err))
			result.Failed = append(result.Failed, date)
			errs = append(errs, fmt.Errorf("aggregate %s: %w", date.Format(time.DateOnly), err))
			continue
		}
		metrics.IncFeeDateAggregated(metrics.ResultSuccess)
		result.Contributions += applied
		result.Unchanged += unchanged
		s.logger.Info("fee date aggregated",
			zap.Time("date", date),
			zap.Int("contributions", applied),
			zap.Int("unchanged", unchanged))
	}
	return result, errors.Join(errs...)
}

func (s *AggregationService) aggregateDate(ctx context.Context, date time.Time) (int, int, error) {
	reps, err := s.store.RepresentativesForDate(ctx, date)
	if err != nil {
		return 0, 0, err
	}
	if len(reps) == 0 {
		return 0, 0, nil
	}
	existing, err := s.store.DailyForDate(ctx, date)
	if err != nil {
		return 0, 0, err
	}
	plan := fees.PlanContributions(reps, existing, s.clock.Now())
	if len(plan) == 0 {
		return 0, len(reps), nil
	}
	if err := s.store.ApplyContributions(ctx, date, plan); err != nil {
		return 0, 0, err
	}
	return len(plan), len(reps) - len(plan), nil
}
