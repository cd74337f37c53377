package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/shopspring/decimal"

	fees "feesync/internal/fees/domain"
)

const snapshotColumns = `product_key, product_name, product_isin,
	management_date, management_amount, performance_date, performance_amount, custody_date, custody_amount,
	last_fee_date, last_fee_type, last_fee_amount, currency, outstanding_qty, updated_at`

const insertSnapshot = `
INSERT INTO fee_latest_snapshots (` + snapshotColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
ON CONFLICT (product_key) DO UPDATE SET
	product_name = EXCLUDED.product_name,
	product_isin = EXCLUDED.product_isin,
	management_date = EXCLUDED.management_date,
	management_amount = EXCLUDED.management_amount,
	performance_date = EXCLUDED.performance_date,
	performance_amount = EXCLUDED.performance_amount,
	custody_date = EXCLUDED.custody_date,
	custody_amount = EXCLUDED.custody_amount,
	last_fee_date = EXCLUDED.last_fee_date,
	last_fee_type = EXCLUDED.last_fee_type,
	last_fee_amount = EXCLUDED.last_fee_amount,
	currency = EXCLUDED.currency,
	outstanding_qty = EXCLUDED.outstanding_qty,
	updated_at = EXCLUDED.updated_at`

// SnapshotDates returns the last fee date of every stored snapshot.
func (s *Store) SnapshotDates(ctx context.Context) (map[string]time.Time, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT product_key, last_fee_date FROM fee_latest_snapshots`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var key string
		var date sql.NullTime
		if err := rows.Scan(&key, &date); err != nil {
			return nil, err
		}
		out[key] = timeOf(date)
	}
	return out, classify(rows.Err())
}

// UpsertSnapshots writes snapshots by product key in one transaction.
func (s *Store) UpsertSnapshots(ctx context.Context, snapshots []fees.LatestSnapshot) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return writeSnapshots(ctx, tx, snapshots)
	})
}

// ReplaceSnapshots truncates the table and writes snapshots in one transaction.
func (s *Store) ReplaceSnapshots(ctx context.Context, snapshots []fees.LatestSnapshot) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM fee_latest_snapshots`); err != nil {
			return err
		}
		return writeSnapshots(ctx, tx, snapshots)
	})
}

func writeSnapshots(ctx context.Context, tx *sql.Tx, snapshots []fees.LatestSnapshot) error {
	stmt, err := tx.PrepareContext(ctx, insertSnapshot)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, snap := range snapshots {
		mgmtDate, mgmtAmount := pointArgs(snap.Management)
		perfDate, perfAmount := pointArgs(snap.Performance)
		custDate, custAmount := pointArgs(snap.Custody)
		if _, err := stmt.ExecContext(ctx,
			snap.ProductKey, snap.ProductName, snap.ProductISIN,
			mgmtDate, mgmtAmount, perfDate, perfAmount, custDate, custAmount,
			nullTime(snap.LastFeeDate), string(snap.LastFeeCategory), snap.LastFeeAmount, snap.Currency,
			snap.OutstandingQty, snap.UpdatedAt.UTC(),
		); err != nil {
			return err
		}
	}
	return nil
}

func pointArgs(p *fees.FeePoint) (any, any) {
	if p == nil {
		return nil, nil
	}
	return fees.DateOf(p.Date), p.Amount
}

// ListSnapshots returns snapshots ordered by product key.
func (s *Store) ListSnapshots(ctx context.Context) ([]fees.LatestSnapshot, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+snapshotColumns+` FROM fee_latest_snapshots ORDER BY product_key`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []fees.LatestSnapshot
	for rows.Next() {
		var snap fees.LatestSnapshot
		var mgmtDate, perfDate, custDate, lastDate sql.NullTime
		var mgmtAmount, perfAmount, custAmount decimal.NullDecimal
		var category string
		if err := rows.Scan(&snap.ProductKey, &snap.ProductName, &snap.ProductISIN,
			&mgmtDate, &mgmtAmount, &perfDate, &perfAmount, &custDate, &custAmount,
			&lastDate, &category, &snap.LastFeeAmount, &snap.Currency, &snap.OutstandingQty, &snap.UpdatedAt); err != nil {
			return nil, err
		}
		snap.Management = scanPoint(mgmtDate, mgmtAmount)
		snap.Performance = scanPoint(perfDate, perfAmount)
		snap.Custody = scanPoint(custDate, custAmount)
		snap.LastFeeDate = timeOf(lastDate)
		snap.LastFeeCategory = fees.Category(category)
		snap.UpdatedAt = snap.UpdatedAt.UTC()
		out = append(out, snap)
	}
	return out, classify(rows.Err())
}

func scanPoint(date sql.NullTime, amount decimal.NullDecimal) *fees.FeePoint {
	if !date.Valid {
		return nil
	}
	return &fees.FeePoint{Date: fees.DateOf(date.Time), Amount: amount.Decimal}
}
