package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	fees "feesync/internal/fees/domain"
)

const eventColumns = `event_id, product_uid, product_name, product_isin, product_key, currency,
	fee_type, fee_name, beneficiary_id, outstanding_qty, signed_delta, abs_amount,
	booking_ts, booking_date, raw_payload, synced_at, updated_at`

const eventColumnCount = 17

// contentColumns decide whether an upsert counts as a change.
var contentColumns = []string{
	"product_uid", "product_name", "product_isin", "product_key", "currency", "fee_type", "fee_name",
	"beneficiary_id", "outstanding_qty", "signed_delta", "booking_ts", "raw_payload",
}

var upsertEventsSuffix = buildUpsertSuffix()

func buildUpsertSuffix() string {
	current := make([]string, 0, len(contentColumns))
	incoming := make([]string, 0, len(contentColumns))
	sets := make([]string, 0, len(contentColumns)+3)
	for _, col := range contentColumns {
		current = append(current, "fee_records."+col)
		incoming = append(incoming, "EXCLUDED."+col)
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", col, col))
	}
	sets = append(sets,
		"abs_amount = EXCLUDED.abs_amount",
		"booking_date = EXCLUDED.booking_date",
		"synced_at = EXCLUDED.synced_at",
		fmt.Sprintf("updated_at = CASE WHEN (%s) IS DISTINCT FROM (%s) THEN EXCLUDED.updated_at ELSE fee_records.updated_at END",
			strings.Join(current, ", "), strings.Join(incoming, ", ")),
	)
	return "\nON CONFLICT (event_id) DO UPDATE SET\n\t" + strings.Join(sets, ",\n\t")
}

// UpsertEvents writes one batch in its own transaction. updated_at only moves when content changed.
func (s *Store) UpsertEvents(ctx context.Context, events []fees.RawFeeEvent) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	batch := dedupeEvents(events)
	if len(batch) == 0 {
		return 0, nil
	}

	var query strings.Builder
	query.WriteString("INSERT INTO fee_records (" + eventColumns + ") VALUES ")
	args := make([]any, 0, len(batch)*eventColumnCount)
	for i, e := range batch {
		if i > 0 {
			query.WriteString(", ")
		}
		query.WriteString("(")
		for col := 0; col < eventColumnCount; col++ {
			if col > 0 {
				query.WriteString(",")
			}
			fmt.Fprintf(&query, "$%d", i*eventColumnCount+col+1)
		}
		query.WriteString(")")
		args = append(args,
			e.EventID, e.ProductUID, e.ProductName, e.ProductISIN, e.ProductKey, e.Currency,
			string(e.Category), e.FeeName, e.BeneficiaryID, e.OutstandingQty, e.SignedDelta, e.AbsAmount,
			e.EventTimestamp.UTC(), fees.DateOf(e.EventDate), e.RawPayload, e.SyncedAt.UTC(), e.UpdatedAt.UTC(),
		)
	}
	query.WriteString(upsertEventsSuffix)

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query.String(), args...)
		return err
	})
	if err != nil {
		return 0, err
	}
	return len(batch), nil
}

// dedupeEvents keeps the last occurrence of each id; one statement cannot update a row twice.
func dedupeEvents(events []fees.RawFeeEvent) []fees.RawFeeEvent {
	index := make(map[string]int, len(events))
	out := make([]fees.RawFeeEvent, 0, len(events))
	for _, e := range events {
		if i, ok := index[e.EventID]; ok {
			out[i] = e
			continue
		}
		index[e.EventID] = len(out)
		out = append(out, e)
	}
	return out
}

// Stats summarizes fee_records.
func (s *Store) Stats(ctx context.Context) (fees.EventStats, error) {
	if err := s.ready(); err != nil {
		return fees.EventStats{}, err
	}
	var stats fees.EventStats
	var latest, updated sql.NullTime
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*), MAX(booking_date), MAX(updated_at)
FROM fee_records`).Scan(&stats.RecordCount, &latest, &updated)
	if err != nil {
		return fees.EventStats{}, classify(err)
	}
	stats.LatestEventDate = timeOf(latest)
	stats.LastUpdatedAt = timeOf(updated)
	return stats, nil
}

// LatestEventDates returns up to limit distinct booking dates, newest first.
func (s *Store) LatestEventDates(ctx context.Context, limit int) ([]time.Time, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 3
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT DISTINCT booking_date
FROM fee_records
ORDER BY booking_date DESC
LIMIT $1`, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var dates []time.Time
	for rows.Next() {
		var date time.Time
		if err := rows.Scan(&date); err != nil {
			return nil, err
		}
		dates = append(dates, fees.DateOf(date))
	}
	return dates, classify(rows.Err())
}

// RepresentativesForDate returns the newest version per product and kind booked on date.
func (s *Store) RepresentativesForDate(ctx context.Context, date time.Time) ([]fees.RawFeeEvent, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT DISTINCT ON (product_key, fee_type) `+eventColumns+`
FROM fee_records
WHERE booking_date = $1
ORDER BY product_key, fee_type, updated_at DESC, booking_ts DESC, event_id DESC`, fees.DateOf(date))
	if err != nil {
		return nil, classify(err)
	}
	return collectEvents(rows)
}

// ListEvents returns matching events, newest booking first.
func (s *Store) ListEvents(ctx context.Context, filter fees.EventFilter) ([]fees.RawFeeEvent, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var w where
	if !filter.From.IsZero() {
		w.add("booking_date >= ?", fees.DateOf(filter.From))
	}
	if !filter.To.IsZero() {
		w.add("booking_date <= ?", fees.DateOf(filter.To))
	}
	if len(filter.Categories) > 0 {
		w.add("fee_type = ANY(?)", categoryStrings(filter.Categories))
	}
	if filter.ProductKey != "" {
		w.add("product_key = ?", filter.ProductKey)
	}
	query := `SELECT ` + eventColumns + ` FROM fee_records ` + w.String() + ` ORDER BY booking_ts DESC, event_id DESC`
	args := w.args
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	return collectEvents(rows)
}

// LatestDateByProduct returns the newest booking date of a known kind per product key.
func (s *Store) LatestDateByProduct(ctx context.Context) (map[string]time.Time, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT product_key, MAX(booking_date)
FROM fee_records
WHERE fee_type = ANY($1)
GROUP BY product_key`, categoryStrings(fees.KnownCategories))
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var key string
		var date time.Time
		if err := rows.Scan(&key, &date); err != nil {
			return nil, err
		}
		out[key] = fees.DateOf(date)
	}
	return out, classify(rows.Err())
}

// LatestPerCategory returns, per product key, the newest event of each known kind.
func (s *Store) LatestPerCategory(ctx context.Context, keys []string) (map[string][]fees.RawFeeEvent, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if keys != nil && len(keys) == 0 {
		return map[string][]fees.RawFeeEvent{}, nil
	}
	var w where
	w.add("fee_type = ANY(?)", categoryStrings(fees.KnownCategories))
	if keys != nil {
		w.add("product_key = ANY(?)", keys)
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT DISTINCT ON (product_key, fee_type) `+eventColumns+`
FROM fee_records
`+w.String()+`
ORDER BY product_key, fee_type, booking_date DESC, updated_at DESC, booking_ts DESC, event_id DESC`, w.args...)
	if err != nil {
		return nil, classify(err)
	}
	events, err := collectEvents(rows)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]fees.RawFeeEvent)
	for _, e := range events {
		out[e.ProductKey] = append(out[e.ProductKey], e)
	}
	return out, nil
}

func collectEvents(rows *sql.Rows) ([]fees.RawFeeEvent, error) {
	defer rows.Close()
	var out []fees.RawFeeEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, classify(rows.Err())
}

func scanEvent(row rowScanner) (fees.RawFeeEvent, error) {
	var e fees.RawFeeEvent
	var category string
	err := row.Scan(
		&e.EventID, &e.ProductUID, &e.ProductName, &e.ProductISIN, &e.ProductKey, &e.Currency,
		&category, &e.FeeName, &e.BeneficiaryID, &e.OutstandingQty, &e.SignedDelta, &e.AbsAmount,
		&e.EventTimestamp, &e.EventDate, &e.RawPayload, &e.SyncedAt, &e.UpdatedAt,
	)
	if err != nil {
		return fees.RawFeeEvent{}, err
	}
	e.Category = fees.Category(category)
	e.EventTimestamp = e.EventTimestamp.UTC()
	e.EventDate = fees.DateOf(e.EventDate)
	e.SyncedAt = e.SyncedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	return e, nil
}
