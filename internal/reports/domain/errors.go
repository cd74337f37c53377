package reports

import "errors"

var (
	// ErrListingFailed is returned when neither the configured nor the root directory could be listed.
	ErrListingFailed = errors.New("reports: remote listing failed")
	// ErrInvalidWorkbook is returned when a downloaded file is not a readable workbook.
	ErrInvalidWorkbook = errors.New("reports: invalid workbook")
	// ErrFetchFailed is returned when a remote file could not be retrieved.
	ErrFetchFailed = errors.New("reports: fetch failed")
	// ErrUploadFailed is returned when an object could not be stored.
	ErrUploadFailed = errors.New("reports: upload failed")
	// ErrRateLimited is returned when the object store keeps rejecting requests for rate limits.
	ErrRateLimited = errors.New("reports: rate limited")
	// ErrMissingCredentials is returned when a client lacks the credentials it needs.
	ErrMissingCredentials = errors.New("reports: missing credentials")
)

// StoredObject is one entry returned by an object store listing.
type StoredObject struct {
	Name     string
	Path     string
	IsFolder bool
}
