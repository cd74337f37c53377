package postgres

import (
	"context"
	"database/sql"
	"time"

	fees "feesync/internal/fees/domain"
)

const statusColumns = `last_full_sync, last_incremental_sync, last_record_count, last_seen_event_id,
	last_seen_event_date, last_run_mode, last_duration_ms, state, last_error, last_started_at,
	created_at, updated_at`

// LoadStatus returns the status row, creating an idle one when missing.
func (s *Store) LoadStatus(ctx context.Context) (fees.SyncStatus, error) {
	if err := s.ready(); err != nil {
		return fees.SyncStatus{}, err
	}
	now := s.clock.Now().UTC()
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO fee_sync_status (id, state, created_at, updated_at)
VALUES (1, $1, $2, $2)
ON CONFLICT (id) DO NOTHING`, string(fees.SyncStateIdle), now); err != nil {
		return fees.SyncStatus{}, classify(err)
	}

	var status fees.SyncStatus
	var fullSync, incrementalSync, seenDate, startedAt sql.NullTime
	var mode, state string
	var durationMS int64
	err := s.db.QueryRowContext(ctx, `SELECT `+statusColumns+` FROM fee_sync_status WHERE id = 1`).Scan(
		&fullSync, &incrementalSync, &status.LastRecordCount, &status.LastSeenEventID,
		&seenDate, &mode, &durationMS, &state, &status.LastError, &startedAt,
		&status.CreatedAt, &status.UpdatedAt,
	)
	if err != nil {
		return fees.SyncStatus{}, classify(err)
	}
	status.LastFullSync = timeOf(fullSync)
	status.LastIncrementalSync = timeOf(incrementalSync)
	status.LastSeenEventDate = timeOf(seenDate)
	status.LastStartedAt = timeOf(startedAt)
	status.LastRunMode = fees.SyncMode(mode)
	status.State = fees.SyncState(state)
	status.LastDuration = time.Duration(durationMS) * time.Millisecond
	status.CreatedAt = status.CreatedAt.UTC()
	status.UpdatedAt = status.UpdatedAt.UTC()
	return status, nil
}

// SaveStatus overwrites the status row.
func (s *Store) SaveStatus(ctx context.Context, status fees.SyncStatus) error {
	if err := s.ready(); err != nil {
		return err
	}
	created := status.CreatedAt
	if created.IsZero() {
		created = s.clock.Now()
	}
	updated := status.UpdatedAt
	if updated.IsZero() {
		updated = s.clock.Now()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO fee_sync_status (id, `+statusColumns+`)
VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (id) DO UPDATE SET
	last_full_sync = EXCLUDED.last_full_sync,
	last_incremental_sync = EXCLUDED.last_incremental_sync,
	last_record_count = EXCLUDED.last_record_count,
	last_seen_event_id = EXCLUDED.last_seen_event_id,
	last_seen_event_date = EXCLUDED.last_seen_event_date,
	last_run_mode = EXCLUDED.last_run_mode,
	last_duration_ms = EXCLUDED.last_duration_ms,
	state = EXCLUDED.state,
	last_error = EXCLUDED.last_error,
	last_started_at = EXCLUDED.last_started_at,
	updated_at = EXCLUDED.updated_at`,
		nullTime(status.LastFullSync), nullTime(status.LastIncrementalSync), status.LastRecordCount, status.LastSeenEventID,
		nullTime(fees.DateOf(status.LastSeenEventDate)), string(status.LastRunMode), status.LastDuration.Milliseconds(),
		string(status.State), fees.TruncateError(status.LastError), nullTime(status.LastStartedAt),
		created.UTC(), updated.UTC(),
	)
	return classify(err)
}
