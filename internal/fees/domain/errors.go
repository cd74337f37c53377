package fees

import "errors"

var (
	// ErrNilRepository is returned when a service is built without a store.
	ErrNilRepository = errors.New("fees: nil repository")
	// ErrNilSource is returned when ingestion is built without a remote source.
	ErrNilSource = errors.New("fees: nil remote source")
	// ErrSyncAlreadyRunning is returned when another ingestion run holds the lock.
	ErrSyncAlreadyRunning = errors.New("fees: sync already running")
	// ErrTransientStorage marks storage failures worth retrying.
	ErrTransientStorage = errors.New("fees: transient storage failure")
	// ErrAuthentication is returned when the remote source rejects the session.
	ErrAuthentication = errors.New("fees: remote authentication failed")
	// ErrRemoteSource is returned for remote source failures other than authentication.
	ErrRemoteSource = errors.New("fees: remote source failure")
	// ErrInvalidDateRange is returned when a query range ends before it starts.
	ErrInvalidDateRange = errors.New("fees: invalid date range")
	// ErrCacheMiss is returned when the side-cache has nothing usable.
	ErrCacheMiss = errors.New("fees: cache miss")
)

// MaxErrorLength bounds error text persisted in the sync status.
const MaxErrorLength = 2000
