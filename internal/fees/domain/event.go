package fees

import (
	"bytes"
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Category is a fee deduction kind.
type Category string

const (
	CategoryManagement  Category = "ManagementFeeDeduction"
	CategoryPerformance Category = "PerformanceFeeDeduction"
	CategoryCustody     Category = "CustodyFeeDeduction"
)

// KnownCategories lists the fee kinds the snapshot tracks.
var KnownCategories = []Category{CategoryManagement, CategoryPerformance, CategoryCustody}

// Known reports whether c is one of the tracked fee kinds.
func (c Category) Known() bool {
	switch c {
	case CategoryManagement, CategoryPerformance, CategoryCustody:
		return true
	}
	return false
}

// DisplayName renders "ManagementFeeDeduction" as "Management Fee".
func (c Category) DisplayName() string {
	return strings.ReplaceAll(string(c), "FeeDeduction", " Fee")
}

// Text is an optional scalar from the remote payload. Strings, numbers and booleans are kept as text.
type Text struct {
	Value string
	Set   bool
}

// UnmarshalJSON accepts null, strings and bare scalars.
func (t *Text) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*t = Text{}
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = Text{Value: s, Set: true}
		return nil
	}
	if data[0] == '{' || data[0] == '[' {
		*t = Text{}
		return nil
	}
	*t = Text{Value: string(data), Set: true}
	return nil
}

// MarshalJSON writes the value back as a string, or null when unset.
func (t Text) MarshalJSON() ([]byte, error) {
	if !t.Set {
		return []byte("null"), nil
	}
	return json.Marshal(t.Value)
}

// String returns the trimmed value.
func (t Text) String() string {
	return strings.TrimSpace(t.Value)
}

// RemoteProduct is the product reference carried by a fee deduction.
type RemoteProduct struct {
	ID   Text `json:"id"`
	Name Text `json:"name"`
	ISIN Text `json:"isin"`
}

// RemoteFeeItem is one fee deduction as returned by the partner API.
type RemoteFeeItem struct {
	ID                  Text           `json:"id"`
	Product             *RemoteProduct `json:"product"`
	Currency            Text           `json:"currency"`
	Type                Text           `json:"type"`
	BeneficiaryID       Text           `json:"beneficiaryId"`
	OutstandingQuantity Text           `json:"outstandingQuantity"`
	PositionChange      Text           `json:"positionChange"`
	BookingDate         Text           `json:"bookingDate"`
	FeeName             Text           `json:"feeName"`

	// Raw holds the item exactly as received.
	Raw json.RawMessage `json:"-"`
}

// UnmarshalJSON decodes the typed fields and keeps the original bytes.
func (i *RemoteFeeItem) UnmarshalJSON(data []byte) error {
	type plain RemoteFeeItem
	var decoded plain
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*i = RemoteFeeItem(decoded)
	i.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// RawFeeEvent is a normalized fee deduction as stored in the event log.
type RawFeeEvent struct {
	EventID        string              `json:"event_id"`
	ProductUID     string              `json:"product_uid"`
	ProductName    string              `json:"product_name"`
	ProductISIN    string              `json:"product_isin"`
	ProductKey     string              `json:"product_key"`
	Currency       string              `json:"currency"`
	Category       Category            `json:"fee_type"`
	FeeName        string              `json:"fee_name"`
	BeneficiaryID  string              `json:"beneficiary_id"`
	OutstandingQty decimal.NullDecimal `json:"outstanding_qty"`
	SignedDelta    decimal.Decimal     `json:"signed_delta"`
	AbsAmount      decimal.Decimal     `json:"abs_amount"`
	EventTimestamp time.Time           `json:"booking_ts"`
	EventDate      time.Time           `json:"booking_date"`
	RawPayload     string              `json:"raw_payload,omitempty"`
	SyncedAt       time.Time           `json:"synced_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// SameContent reports whether two versions of an event carry identical mutable data.
func SameContent(a, b RawFeeEvent) bool {
	return a.EventID == b.EventID &&
		a.ProductUID == b.ProductUID &&
		a.ProductName == b.ProductName &&
		a.ProductISIN == b.ProductISIN &&
		a.ProductKey == b.ProductKey &&
		a.Currency == b.Currency &&
		a.Category == b.Category &&
		a.FeeName == b.FeeName &&
		a.BeneficiaryID == b.BeneficiaryID &&
		a.OutstandingQty.Valid == b.OutstandingQty.Valid &&
		(!a.OutstandingQty.Valid || a.OutstandingQty.Decimal.Equal(b.OutstandingQty.Decimal)) &&
		a.SignedDelta.Equal(b.SignedDelta) &&
		a.EventTimestamp.Equal(b.EventTimestamp) &&
		a.RawPayload == b.RawPayload
}

// SkipReason explains why a remote item did not become an event.
type SkipReason string

const (
	SkipMissingID          SkipReason = "missing_id"
	SkipMissingBookingDate SkipReason = "missing_booking_date"
	SkipBeforeMinDate      SkipReason = "before_min_date"
)

// NormalizeResult is the outcome of normalizing one page.
type NormalizeResult struct {
	Events  []RawFeeEvent
	Skipped map[SkipReason]int
}

// SkippedTotal sums the skip counters.
func (r NormalizeResult) SkippedTotal() int {
	total := 0
	for _, n := range r.Skipped {
		total += n
	}
	return total
}

// NormalizeItems converts remote items into events. Items without an id or a parseable booking date,
// or booked before minDate when minDate is set, are skipped. Amounts that do not parse become zero.
func NormalizeItems(items []RemoteFeeItem, minDate time.Time, now time.Time) NormalizeResult {
	result := NormalizeResult{Skipped: map[SkipReason]int{}}
	now = now.UTC().Truncate(time.Microsecond)
	for _, item := range items {
		id := item.ID.String()
		if id == "" {
			result.Skipped[SkipMissingID]++
			continue
		}
		booked, ok := ParseBookingDate(item.BookingDate.Value)
		if !ok {
			result.Skipped[SkipMissingBookingDate]++
			continue
		}
		day := DateOf(booked)
		if !minDate.IsZero() && day.Before(DateOf(minDate)) {
			result.Skipped[SkipBeforeMinDate]++
			continue
		}

		var product RemoteProduct
		if item.Product != nil {
			product = *item.Product
		}
		category := Category(item.Type.String())
		feeName := item.FeeName.String()
		if feeName == "" {
			feeName = category.DisplayName()
		}
		delta := ParseAmount(item.PositionChange.Value)
		raw := string(item.Raw)
		if raw == "" {
			if encoded, err := json.Marshal(item); err == nil {
				raw = string(encoded)
			}
		}

		result.Events = append(result.Events, RawFeeEvent{
			EventID:        id,
			ProductUID:     product.ID.String(),
			ProductName:    product.Name.String(),
			ProductISIN:    product.ISIN.String(),
			ProductKey:     ProductKey(product.ISIN.Value, product.Name.Value, product.ID.Value),
			Currency:       item.Currency.String(),
			Category:       category,
			FeeName:        feeName,
			BeneficiaryID:  item.BeneficiaryID.String(),
			OutstandingQty: ParseQuantity(item.OutstandingQuantity),
			SignedDelta:    delta,
			AbsAmount:      delta.Abs(),
			EventTimestamp: booked,
			EventDate:      day,
			RawPayload:     raw,
			SyncedAt:       now,
			UpdatedAt:      now,
		})
	}
	return result
}

// ParseAmount parses a decimal amount, returning zero for anything unparseable.
func ParseAmount(raw string) decimal.Decimal {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero
	}
	return value
}

// ParseQuantity strips thousands separators. Missing or unparseable values are null.
func ParseQuantity(raw Text) decimal.NullDecimal {
	if !raw.Set {
		return decimal.NullDecimal{}
	}
	cleaned := strings.ReplaceAll(strings.TrimSpace(raw.Value), ",", "")
	value, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: value, Valid: true}
}

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05",
}

var dateLayouts = []string{"02.01.2006", "2006-01-02", "02/01/2006"}

const compactDateLayout = "20060102"

// ParseBookingDate accepts ISO timestamps, yyyymmdd, epoch seconds or milliseconds, and dd.mm.yyyy,
// yyyy-mm-dd or dd/mm/yyyy dates. Results are UTC; timestamps without a zone are read as UTC.
func ParseBookingDate(raw string) (time.Time, bool) {
	cleaned := strings.TrimSpace(raw)
	if cleaned == "" {
		return time.Time{}, false
	}
	if len(cleaned) == 8 {
		if ts, err := time.ParseInLocation(compactDateLayout, cleaned, time.UTC); err == nil {
			return ts, true
		}
	}
	if value, err := strconv.ParseFloat(cleaned, 64); err == nil && !math.IsNaN(value) && !math.IsInf(value, 0) {
		if value > 1e11 {
			value /= 1000
		}
		sec := int64(value)
		nsec := int64((value - float64(sec)) * 1e9)
		return time.Unix(sec, nsec).UTC(), true
	}
	for _, layout := range isoLayouts {
		if ts, err := time.Parse(layout, cleaned); err == nil {
			return ts.UTC(), true
		}
	}
	if len(cleaned) >= 10 {
		head := cleaned[:10]
		for _, layout := range dateLayouts {
			if ts, err := time.ParseInLocation(layout, head, time.UTC); err == nil {
				return ts, true
			}
		}
	}
	return time.Time{}, false
}

// DateOf truncates t to its UTC calendar date.
func DateOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// MonthKey formats the aggregation month of a date as YYYY-MM.
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

const (
	fallbackPrefix    = "UNKNOWN_"
	fallbackNameChars = 20
)

var nonAlphanumeric = regexp.MustCompile(`[^A-Z0-9]`)

// ProductKey returns the stable key used for aggregates and snapshots: the upper-cased ISIN when
// present, otherwise UNKNOWN_ followed by the first twenty characters of the display name (or the
// product id when the name is empty) with non-alphanumerics replaced.
func ProductKey(isin, name, uid string) string {
	if isin = strings.ToUpper(strings.TrimSpace(isin)); isin != "" {
		return isin
	}
	source := strings.TrimSpace(name)
	if source == "" {
		source = strings.TrimSpace(uid)
	}
	if source == "" {
		return fallbackPrefix
	}
	runes := []rune(strings.ToUpper(source))
	if len(runes) > fallbackNameChars {
		runes = runes[:fallbackNameChars]
	}
	return fallbackPrefix + nonAlphanumeric.ReplaceAllString(string(runes), "_")
}

// ParseCategory accepts a full kind name or its short form ("management", "performance", "custody").
func ParseCategory(raw string) (Category, bool) {
	value := strings.TrimSpace(raw)
	switch strings.ToLower(value) {
	case "management", "managementfeededuction":
		return CategoryManagement, true
	case "performance", "performancefeededuction":
		return CategoryPerformance, true
	case "custody", "custodyfeededuction":
		return CategoryCustody, true
	}
	return "", false
}
