package reports

import (
	"regexp"
	"time"
)

// Category is a report kind encoded in the filename suffix.
type Category string

const (
	CategoryInte100F Category = "INTE100F"
	CategoryInte400F Category = "INTE400F"
)

// Categories lists the known report kinds.
var Categories = []Category{CategoryInte100F, CategoryInte400F}

// IsValid reports whether c is a known category.
func (c Category) IsValid() bool {
	return c == CategoryInte100F || c == CategoryInte400F
}

const timestampLayout = "20060102150405"

var filenamePattern = regexp.MustCompile(`^(\d+)-(\d{14})-(INTE100F|INTE400F)\.xlsx$`)

// CandidateFile is a parsed report filename.
type CandidateFile struct {
	EntityID  string
	Category  Category
	Timestamp time.Time
	Filename  string
}

// Day returns the calendar date of the file timestamp.
func (f CandidateFile) Day() time.Time {
	return time.Date(f.Timestamp.Year(), f.Timestamp.Month(), f.Timestamp.Day(), 0, 0, 0, 0, time.UTC)
}

// ParseFilename extracts entity, timestamp and category. Names that do not match the
// report encoding, or carry an impossible timestamp, return false.
func ParseFilename(name string) (CandidateFile, bool) {
	m := filenamePattern.FindStringSubmatch(name)
	if m == nil {
		return CandidateFile{}, false
	}
	ts, err := time.ParseInLocation(timestampLayout, m[2], time.UTC)
	if err != nil {
		return CandidateFile{}, false
	}
	return CandidateFile{
		EntityID:  m[1],
		Category:  Category(m[3]),
		Timestamp: ts,
		Filename:  name,
	}, true
}

// FormatFilename renders the wire format for a candidate.
func FormatFilename(entityID string, ts time.Time, category Category) string {
	return entityID + "-" + ts.UTC().Format(timestampLayout) + "-" + string(category) + ".xlsx"
}
