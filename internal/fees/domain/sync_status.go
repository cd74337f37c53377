package fees

import (
	"time"
	"unicode/utf8"
)

// SyncMode is the ingestion mode of a run.
type SyncMode string

const (
	SyncModeFull        SyncMode = "full"
	SyncModeIncremental SyncMode = "incremental"
)

// SyncState is the lifecycle state recorded in the status row.
type SyncState string

const (
	SyncStateIdle    SyncState = "idle"
	SyncStateRunning SyncState = "running"
	SyncStateSuccess SyncState = "success"
	SyncStateError   SyncState = "error"
)

// SyncStatus is the single bookkeeping row of the ingestion job.
type SyncStatus struct {
	LastFullSync        time.Time
	LastIncrementalSync time.Time
	LastRecordCount     int
	LastSeenEventID     string
	LastSeenEventDate   time.Time
	LastRunMode         SyncMode
	LastDuration        time.Duration
	State               SyncState
	LastError           string
	LastStartedAt       time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// NewSyncStatus returns an idle status.
func NewSyncStatus(now time.Time) SyncStatus {
	now = now.UTC()
	return SyncStatus{State: SyncStateIdle, CreatedAt: now, UpdatedAt: now}
}

// SyncOutcome is what a successful run reports back into the status row.
type SyncOutcome struct {
	Mode              SyncMode
	RecordCount       int
	LastSeenEventID   string
	LastSeenEventDate time.Time
	Duration          time.Duration
}

// MarkRunning records the start of a run.
func (s *SyncStatus) MarkRunning(mode SyncMode, at time.Time) {
	at = at.UTC()
	s.State = SyncStateRunning
	s.LastRunMode = mode
	s.LastStartedAt = at
	s.UpdatedAt = at
}

// MarkSuccess records a completed run and clears the previous error.
func (s *SyncStatus) MarkSuccess(outcome SyncOutcome, at time.Time) {
	at = at.UTC()
	s.State = SyncStateSuccess
	s.LastError = ""
	s.LastRunMode = outcome.Mode
	s.LastRecordCount = outcome.RecordCount
	s.LastDuration = outcome.Duration
	if outcome.LastSeenEventID != "" {
		s.LastSeenEventID = outcome.LastSeenEventID
	}
	if !outcome.LastSeenEventDate.IsZero() {
		s.LastSeenEventDate = DateOf(outcome.LastSeenEventDate)
	}
	if outcome.Mode == SyncModeFull {
		s.LastFullSync = at
	} else {
		s.LastIncrementalSync = at
	}
	s.UpdatedAt = at
}

// MarkFailure records a failed run with bounded error text.
func (s *SyncStatus) MarkFailure(err error, at time.Time) {
	at = at.UTC()
	s.State = SyncStateError
	if err != nil {
		s.LastError = TruncateError(err.Error())
	}
	s.UpdatedAt = at
}

// LastSyncTime returns the most recent successful sync of either mode.
func (s SyncStatus) LastSyncTime() time.Time {
	if s.LastFullSync.After(s.LastIncrementalSync) {
		return s.LastFullSync
	}
	return s.LastIncrementalSync
}

// TruncateError cuts msg to MaxErrorLength bytes on a rune boundary.
func TruncateError(msg string) string {
	if len(msg) <= MaxErrorLength {
		return msg
	}
	cut := MaxErrorLength
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}

// IsStale reports whether the latest booked date is at least staleDays behind today.
// An empty store is not stale.
func IsStale(latest, today time.Time, staleDays int) bool {
	if latest.IsZero() {
		return false
	}
	if staleDays < 1 {
		staleDays = 1
	}
	threshold := DateOf(today).AddDate(0, 0, -staleDays)
	return !DateOf(latest).After(threshold)
}
