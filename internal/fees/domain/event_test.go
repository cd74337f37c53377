package fees

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeItems(t *testing.T, payload string) []RemoteFeeItem {
	t.Helper()
	var items []RemoteFeeItem
	require.NoError(t, json.Unmarshal([]byte(payload), &items))
	return items
}

func TestNormalizeItems_MapsFields(t *testing.T) {
	now := time.Date(2024, 3, 20, 8, 0, 0, 0, time.UTC)
	items := decodeItems(t, `[{
		"id": "fee-1",
		"product": {"id": 42, "name": "Alpha Certificate", "isin": " ch0001 "},
		"currency": "CHF",
		"type": "ManagementFeeDeduction",
		"beneficiaryId": 7,
		"outstandingQuantity": "1,250.5",
		"positionChange": "-12.34",
		"bookingDate": "2024-03-18T10:15:00Z"
	}]`)

	result := NormalizeItems(items, time.Time{}, now)
	require.Len(t, result.Events, 1)
	assert.Zero(t, result.SkippedTotal())

	event := result.Events[0]
	assert.Equal(t, "fee-1", event.EventID)
	assert.Equal(t, "42", event.ProductUID)
	assert.Equal(t, "ch0001", event.ProductISIN)
	assert.Equal(t, "CH0001", event.ProductKey)
	assert.Equal(t, "7", event.BeneficiaryID)
	assert.Equal(t, "Management Fee", event.FeeName)
	assert.True(t, event.SignedDelta.Equal(decimal.RequireFromString("-12.34")))
	assert.True(t, event.AbsAmount.Equal(decimal.RequireFromString("12.34")))
	require.True(t, event.OutstandingQty.Valid)
	assert.True(t, event.OutstandingQty.Decimal.Equal(decimal.RequireFromString("1250.5")))
	assert.Equal(t, time.Date(2024, 3, 18, 0, 0, 0, 0, time.UTC), event.EventDate)
	assert.Equal(t, now, event.UpdatedAt)
	assert.JSONEq(t, string(items[0].Raw), event.RawPayload)
}

func TestNormalizeItems_SkipsAndDefaults(t *testing.T) {
	now := time.Date(2024, 3, 20, 8, 0, 0, 0, time.UTC)
	items := decodeItems(t, `[
		{"id": "no-date", "type": "ManagementFeeDeduction", "positionChange": "1"},
		{"type": "ManagementFeeDeduction", "bookingDate": "2024-03-10"},
		{"id": "old", "type": "ManagementFeeDeduction", "bookingDate": "2024-01-01"},
		{"id": "junk", "type": "SomethingNew", "bookingDate": "15.03.2024", "positionChange": "n/a", "outstandingQuantity": "lots", "feeName": "Special"}
	]`)

	result := NormalizeItems(items, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), now)
	require.Len(t, result.Events, 1)
	assert.Equal(t, 1, result.Skipped[SkipMissingBookingDate])
	assert.Equal(t, 1, result.Skipped[SkipMissingID])
	assert.Equal(t, 1, result.Skipped[SkipBeforeMinDate])

	event := result.Events[0]
	assert.Equal(t, Category("SomethingNew"), event.Category)
	assert.Equal(t, "Special", event.FeeName)
	assert.True(t, event.SignedDelta.IsZero())
	assert.False(t, event.OutstandingQty.Valid)
	assert.Equal(t, "UNKNOWN_", event.ProductKey)
}

func TestParseBookingDate_Formats(t *testing.T) {
	march15 := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	cases := map[string]time.Time{
		"2024-03-15T09:30:00Z":      time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC),
		"2024-03-15T11:30:00+02:00": time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC),
		"2024-03-15T09:30:00.123":   time.Date(2024, 3, 15, 9, 30, 0, 123000000, time.UTC),
		"15.03.2024":                march15,
		"2024-03-15":                march15,
		"15/03/2024":                march15,
		"1710460800":                march15,
		"1710460800000":             march15,
		"20240315":                  march15,
		" 20240105 ":                time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC),
	}
	for input, want := range cases {
		got, ok := ParseBookingDate(input)
		require.True(t, ok, input)
		assert.True(t, want.Equal(got), "%s: got %s", input, got)
	}

	for _, input := range []string{"", "   ", "yesterday", "2024-13-45"} {
		_, ok := ParseBookingDate(input)
		assert.False(t, ok, input)
	}
}

func TestProductKey(t *testing.T) {
	assert.Equal(t, "LU0001", ProductKey(" lu0001 ", "ignored", "1"))
	assert.Equal(t, "UNKNOWN_ALPHA_BETA_FUND_2024", ProductKey("", "Alpha-Beta Fund 2024", "1"))
	assert.Equal(t, "UNKNOWN_ABCDEFGHIJKLMNOPQRST", ProductKey("", "abcdefghijklmnopqrstuvwxyz", ""))
	assert.Equal(t, "UNKNOWN_UID_9", ProductKey("", "", "uid-9"))
	assert.Equal(t, ProductKey("", "Alpha", ""), ProductKey("  ", " alpha ", ""))
}

func TestCategoryDisplayName(t *testing.T) {
	assert.Equal(t, "Performance Fee", CategoryPerformance.DisplayName())
	assert.Equal(t, "Other", Category("Other").DisplayName())
	assert.False(t, Category("Other").Known())
}

func TestSameContent_IgnoresTimestamps(t *testing.T) {
	a := RawFeeEvent{EventID: "x", SignedDelta: decimal.NewFromInt(5), UpdatedAt: time.Unix(1, 0)}
	b := a
	b.UpdatedAt = time.Unix(2, 0)
	b.SyncedAt = time.Unix(3, 0)
	assert.True(t, SameContent(a, b))

	b.SignedDelta = decimal.NewFromInt(6)
	assert.False(t, SameContent(a, b))
}

func TestParseCategory(t *testing.T) {
	for raw, want := range map[string]Category{
		"management":              CategoryManagement,
		" Performance ":           CategoryPerformance,
		"CustodyFeeDeduction":     CategoryCustody,
		"ManagementFeeDeduction":  CategoryManagement,
		"performancefeededuction": CategoryPerformance,
	} {
		got, ok := ParseCategory(raw)
		require.True(t, ok, raw)
		assert.Equal(t, want, got, raw)
	}
	_, ok := ParseCategory("entry")
	assert.False(t, ok)
}
