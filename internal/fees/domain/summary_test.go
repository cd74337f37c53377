package fees

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func summaryEvent(id, product string, category Category, date time.Time, amount int64, beneficiary string) RawFeeEvent {
	return RawFeeEvent{
		EventID:        id,
		ProductName:    product,
		ProductKey:     ProductKey("", product, ""),
		Category:       category,
		FeeName:        category.DisplayName(),
		Currency:       "EUR",
		BeneficiaryID:  beneficiary,
		SignedDelta:    decimal.NewFromInt(-amount),
		AbsAmount:      decimal.NewFromInt(amount),
		EventTimestamp: date.Add(time.Hour),
		EventDate:      date,
	}
}

func TestSummarize_TotalsAndBreakdowns(t *testing.T) {
	d1 := time.Date(2024, 2, 27, 0, 0, 0, 0, time.UTC)
	d2 := time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC)
	today := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	events := []RawFeeEvent{
		summaryEvent("1", "Alpha", CategoryManagement, d1, 10, "amc-1"),
		summaryEvent("2", "Alpha", CategoryPerformance, d2, 30, "amc-1"),
		summaryEvent("3", "Beta", CategoryManagement, d2, 5, "amc-2"),
		summaryEvent("4", "Gamma", CategoryCustody, time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), 99, ""),
	}

	summary := Summarize(events, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), today, today)
	assert.True(t, summary.TotalFees.Equal(decimal.NewFromInt(45)))
	assert.Equal(t, 3, summary.TotalRecords)
	assert.Equal(t, 2, summary.TotalProducts)
	assert.True(t, summary.ManagementFees.Equal(decimal.NewFromInt(15)))
	assert.True(t, summary.PerformanceFees.Equal(decimal.NewFromInt(30)))
	assert.Equal(t, "EUR", summary.Currency)
	assert.True(t, summary.AverageTicket.Equal(decimal.NewFromInt(15)))

	require.Len(t, summary.TopProducts, 2)
	assert.Equal(t, "Alpha", summary.TopProducts[0].ProductName)
	assert.Equal(t, "2024-03-09", summary.TopProducts[0].LastFeeDate)
	assert.Equal(t, 1, summary.TopProducts[0].BeneficiaryCount)

	assert.Equal(t, []string{"Feb 2024", "Mar 2024"}, summary.Monthly.Labels)
	assert.True(t, summary.Monthly.Management[0].Equal(decimal.NewFromInt(10)))
	assert.True(t, summary.Monthly.Performance[1].Equal(decimal.NewFromInt(30)))

	require.Len(t, summary.TopBeneficiaries, 2)
	assert.Equal(t, "amc-1", summary.TopBeneficiaries[0].BeneficiaryID)
	assert.Equal(t, "2024-03-09", summary.RecentActivityDate)
	assert.Len(t, summary.RecentFees, 2)
}

func TestRecentDay_PrefersYesterdayThenToday(t *testing.T) {
	today := time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC)
	yesterday := today.AddDate(0, 0, -1)
	older := today.AddDate(0, 0, -4)

	rows, day := RecentDay([]RawFeeEvent{
		summaryEvent("a", "A", CategoryManagement, DateOf(today), 1, ""),
		summaryEvent("b", "A", CategoryManagement, DateOf(yesterday), 1, ""),
	}, today)
	assert.Equal(t, DateOf(yesterday), day)
	require.Len(t, rows, 1)
	assert.Equal(t, "b", rows[0].EventID)

	_, day = RecentDay([]RawFeeEvent{summaryEvent("a", "A", CategoryManagement, DateOf(today), 1, "")}, today)
	assert.Equal(t, DateOf(today), day)

	_, day = RecentDay([]RawFeeEvent{
		summaryEvent("a", "A", CategoryManagement, DateOf(older), 1, ""),
		summaryEvent("b", "A", CategoryManagement, DateOf(older.AddDate(0, 0, -2)), 1, ""),
	}, today)
	assert.Equal(t, DateOf(older), day)

	rows, day = RecentDay(nil, today)
	assert.Nil(t, rows)
	assert.True(t, day.IsZero())
}
