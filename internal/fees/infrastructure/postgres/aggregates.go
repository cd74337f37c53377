package postgres

import (
	"context"
	"database/sql"
	"time"

	fees "feesync/internal/fees/domain"
)

const dailyColumns = `booking_date, product_key, fee_type, product_name, product_isin, fee_name, currency,
	sum_amount, sum_abs, record_count, source_event_id, source_updated_at, updated_at`

const monthlyColumns = `month, product_key, fee_type, product_name, product_isin, fee_name, currency,
	sum_amount, sum_abs, record_count, updated_at`

const lifetimeColumns = `product_key, fee_type, product_name, product_isin, currency,
	total_amount, total_abs, record_count, first_event_date, last_event_date, updated_at`

// DailyForDate returns the daily rows of date keyed by product and kind.
func (s *Store) DailyForDate(ctx context.Context, date time.Time) (map[fees.AggregateKey]fees.DailyAggregate, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+dailyColumns+` FROM fee_daily_summaries WHERE booking_date = $1`, fees.DateOf(date))
	if err != nil {
		return nil, classify(err)
	}
	daily, err := collectDaily(rows)
	if err != nil {
		return nil, err
	}
	out := make(map[fees.AggregateKey]fees.DailyAggregate, len(daily))
	for _, row := range daily {
		out[row.Key()] = row
	}
	return out, nil
}

// ApplyContributions replaces daily rows and adds to monthly and lifetime rows in one transaction.
func (s *Store) ApplyContributions(ctx context.Context, _ time.Time, contributions []fees.Contribution) error {
	if len(contributions) == 0 {
		return s.ready()
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, c := range contributions {
			d := c.Daily
			if _, err := tx.ExecContext(ctx, `
INSERT INTO fee_daily_summaries (`+dailyColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
ON CONFLICT (booking_date, product_key, fee_type) DO UPDATE SET
	product_name = EXCLUDED.product_name,
	product_isin = EXCLUDED.product_isin,
	fee_name = EXCLUDED.fee_name,
	currency = EXCLUDED.currency,
	sum_amount = EXCLUDED.sum_amount,
	sum_abs = EXCLUDED.sum_abs,
	record_count = EXCLUDED.record_count,
	source_event_id = EXCLUDED.source_event_id,
	source_updated_at = EXCLUDED.source_updated_at,
	updated_at = EXCLUDED.updated_at`,
				fees.DateOf(d.Date), d.ProductKey, string(d.Category), d.ProductName, d.ProductISIN, d.FeeName, d.Currency,
				d.SumAmount, d.SumAbs, d.RecordCount, d.SourceEventID, nullTime(d.SourceUpdatedAt), d.UpdatedAt.UTC(),
			); err != nil {
				return err
			}

			m := c.Monthly()
			if _, err := tx.ExecContext(ctx, `
INSERT INTO fee_monthly_summaries (`+monthlyColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (month, product_key, fee_type) DO UPDATE SET
	product_name = EXCLUDED.product_name,
	product_isin = EXCLUDED.product_isin,
	fee_name = EXCLUDED.fee_name,
	currency = EXCLUDED.currency,
	sum_amount = fee_monthly_summaries.sum_amount + EXCLUDED.sum_amount,
	sum_abs = fee_monthly_summaries.sum_abs + EXCLUDED.sum_abs,
	record_count = fee_monthly_summaries.record_count + EXCLUDED.record_count,
	updated_at = EXCLUDED.updated_at`,
				m.Month, m.ProductKey, string(m.Category), m.ProductName, m.ProductISIN, m.FeeName, m.Currency,
				m.SumAmount, m.SumAbs, m.RecordCount, m.UpdatedAt.UTC(),
			); err != nil {
				return err
			}

			l := c.Lifetime()
			if _, err := tx.ExecContext(ctx, `
INSERT INTO fee_product_totals (`+lifetimeColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (product_key, fee_type) DO UPDATE SET
	product_name = EXCLUDED.product_name,
	product_isin = EXCLUDED.product_isin,
	currency = EXCLUDED.currency,
	total_amount = fee_product_totals.total_amount + EXCLUDED.total_amount,
	total_abs = fee_product_totals.total_abs + EXCLUDED.total_abs,
	record_count = fee_product_totals.record_count + EXCLUDED.record_count,
	first_event_date = LEAST(fee_product_totals.first_event_date, EXCLUDED.first_event_date),
	last_event_date = GREATEST(fee_product_totals.last_event_date, EXCLUDED.last_event_date),
	updated_at = EXCLUDED.updated_at`,
				l.ProductKey, string(l.Category), l.ProductName, l.ProductISIN, l.Currency,
				l.TotalAmount, l.TotalAbs, l.RecordCount, fees.DateOf(l.FirstEventDate), fees.DateOf(l.LastEventDate), l.UpdatedAt.UTC(),
			); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListMonthly returns monthly rows ordered by month, product and kind.
func (s *Store) ListMonthly(ctx context.Context, filter fees.MonthlyFilter) ([]fees.MonthlyAggregate, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var w where
	if filter.FromMonth != "" {
		w.add("month >= ?", filter.FromMonth)
	}
	if filter.ToMonth != "" {
		w.add("month <= ?", filter.ToMonth)
	}
	if len(filter.Categories) > 0 {
		w.add("fee_type = ANY(?)", categoryStrings(filter.Categories))
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+monthlyColumns+` FROM fee_monthly_summaries `+w.String()+`
ORDER BY month, product_key, fee_type`, w.args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []fees.MonthlyAggregate
	for rows.Next() {
		var m fees.MonthlyAggregate
		var category string
		if err := rows.Scan(&m.Month, &m.ProductKey, &category, &m.ProductName, &m.ProductISIN, &m.FeeName, &m.Currency,
			&m.SumAmount, &m.SumAbs, &m.RecordCount, &m.UpdatedAt); err != nil {
			return nil, err
		}
		m.Category = fees.Category(category)
		m.UpdatedAt = m.UpdatedAt.UTC()
		out = append(out, m)
	}
	return out, classify(rows.Err())
}

// ListDaily returns daily rows between from and to inclusive.
func (s *Store) ListDaily(ctx context.Context, from, to time.Time) ([]fees.DailyAggregate, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var w where
	if !from.IsZero() {
		w.add("booking_date >= ?", fees.DateOf(from))
	}
	if !to.IsZero() {
		w.add("booking_date <= ?", fees.DateOf(to))
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+dailyColumns+` FROM fee_daily_summaries `+w.String()+`
ORDER BY booking_date, product_key, fee_type`, w.args...)
	if err != nil {
		return nil, classify(err)
	}
	return collectDaily(rows)
}

// ListLifetime returns every product total ordered by product and kind.
func (s *Store) ListLifetime(ctx context.Context) ([]fees.ProductLifetimeTotal, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+lifetimeColumns+` FROM fee_product_totals ORDER BY product_key, fee_type`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []fees.ProductLifetimeTotal
	for rows.Next() {
		var l fees.ProductLifetimeTotal
		var category string
		if err := rows.Scan(&l.ProductKey, &category, &l.ProductName, &l.ProductISIN, &l.Currency,
			&l.TotalAmount, &l.TotalAbs, &l.RecordCount, &l.FirstEventDate, &l.LastEventDate, &l.UpdatedAt); err != nil {
			return nil, err
		}
		l.Category = fees.Category(category)
		l.FirstEventDate = fees.DateOf(l.FirstEventDate)
		l.LastEventDate = fees.DateOf(l.LastEventDate)
		l.UpdatedAt = l.UpdatedAt.UTC()
		out = append(out, l)
	}
	return out, classify(rows.Err())
}

func collectDaily(rows *sql.Rows) ([]fees.DailyAggregate, error) {
	defer rows.Close()
	var out []fees.DailyAggregate
	for rows.Next() {
		var d fees.DailyAggregate
		var category string
		var sourceUpdated sql.NullTime
		if err := rows.Scan(&d.Date, &d.ProductKey, &category, &d.ProductName, &d.ProductISIN, &d.FeeName, &d.Currency,
			&d.SumAmount, &d.SumAbs, &d.RecordCount, &d.SourceEventID, &sourceUpdated, &d.UpdatedAt); err != nil {
			return nil, err
		}
		d.Date = fees.DateOf(d.Date)
		d.Category = fees.Category(category)
		d.SourceUpdatedAt = timeOf(sourceUpdated)
		d.UpdatedAt = d.UpdatedAt.UTC()
		out = append(out, d)
	}
	return out, classify(rows.Err())
}
