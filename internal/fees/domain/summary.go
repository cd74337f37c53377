package fees

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

const (
	topProducts      = 5
	topBeneficiaries = 10
	mixedCurrency    = "Mixed"
)

// ProductSummary totals one product inside a summary window.
type ProductSummary struct {
	ProductName      string           `json:"product_name"`
	ISIN             string           `json:"isin"`
	Total            decimal.Decimal  `json:"total"`
	Count            int              `json:"count"`
	Management       decimal.Decimal  `json:"management"`
	Performance      decimal.Decimal  `json:"performance"`
	BeneficiaryCount int              `json:"amc_count"`
	Units            *decimal.Decimal `json:"amc_units"`
	LastFeeDate      string           `json:"last_fee_date"`

	beneficiaries map[string]struct{}
	unitsDate     time.Time
}

// Breakdown is a total and count for one label.
type Breakdown struct {
	Label   string          `json:"label"`
	Total   decimal.Decimal `json:"total"`
	Records int             `json:"records"`
}

// BeneficiarySummary totals one beneficiary.
type BeneficiarySummary struct {
	BeneficiaryID string          `json:"beneficiary_id"`
	Total         decimal.Decimal `json:"total"`
	Records       int             `json:"records"`
	Products      int             `json:"products"`
}

// MonthlyChart holds per-month management and performance series.
type MonthlyChart struct {
	Labels      []string          `json:"labels"`
	Management  []decimal.Decimal `json:"management"`
	Performance []decimal.Decimal `json:"performance"`
}

// Summary is the dashboard view of fees booked inside a window. Amounts are absolute.
type Summary struct {
	TotalFees          decimal.Decimal      `json:"total_fees"`
	TotalRecords       int                  `json:"total_records"`
	TotalProducts      int                  `json:"total_products"`
	ManagementFees     decimal.Decimal      `json:"management_fees"`
	PerformanceFees    decimal.Decimal      `json:"performance_fees"`
	Currency           string               `json:"currency"`
	UniqueBeneficiary  int                  `json:"unique_amcs"`
	AverageTicket      decimal.Decimal      `json:"avg_ticket"`
	From               string               `json:"from"`
	To                 string               `json:"to"`
	Days               int                  `json:"days"`
	TopProducts        []ProductSummary     `json:"top_products"`
	Products           []ProductSummary     `json:"all_products"`
	Monthly            MonthlyChart         `json:"monthly_chart"`
	Currencies         []Breakdown          `json:"currency_breakdown"`
	FeeNames           []Breakdown          `json:"fee_names"`
	TopBeneficiaries   []BeneficiarySummary `json:"top_amcs"`
	RecentFees         []RawFeeEvent        `json:"-"`
	RecentActivityDate string               `json:"recent_activity_date,omitempty"`
}

type beneficiaryAcc struct {
	total    decimal.Decimal
	records  int
	products map[string]struct{}
}

// Summarize totals the events booked between from and to inclusive.
func Summarize(events []RawFeeEvent, from, to, today time.Time) Summary {
	from, to = DateOf(from), DateOf(to)
	summary := Summary{
		From: from.Format(time.DateOnly),
		To:   to.Format(time.DateOnly),
		Days: int(to.Sub(from).Hours()/24) + 1,
	}

	products := make(map[string]*ProductSummary)
	monthly := make(map[string]map[Category]decimal.Decimal)
	currencies := make(map[string]*Breakdown)
	feeNames := make(map[string]*Breakdown)
	beneficiaries := make(map[string]*beneficiaryAcc)
	var inWindow []RawFeeEvent

	for _, event := range events {
		day := DateOf(event.EventDate)
		if day.Before(from) || day.After(to) {
			continue
		}
		inWindow = append(inWindow, event)
		amount := event.AbsAmount
		summary.TotalFees = summary.TotalFees.Add(amount)
		summary.TotalRecords++

		name := event.ProductName
		if name == "" {
			name = "Unknown"
		}
		product, ok := products[name]
		if !ok {
			product = &ProductSummary{ProductName: name, ISIN: event.ProductISIN, beneficiaries: map[string]struct{}{}}
			products[name] = product
		}
		product.Total = product.Total.Add(amount)
		product.Count++
		switch event.Category {
		case CategoryManagement:
			product.Management = product.Management.Add(amount)
			summary.ManagementFees = summary.ManagementFees.Add(amount)
		case CategoryPerformance:
			product.Performance = product.Performance.Add(amount)
			summary.PerformanceFees = summary.PerformanceFees.Add(amount)
		}
		if product.LastFeeDate == "" || day.Format(time.DateOnly) > product.LastFeeDate {
			product.LastFeeDate = day.Format(time.DateOnly)
		}
		if event.BeneficiaryID != "" {
			product.beneficiaries[event.BeneficiaryID] = struct{}{}
			acc, ok := beneficiaries[event.BeneficiaryID]
			if !ok {
				acc = &beneficiaryAcc{products: map[string]struct{}{}}
				beneficiaries[event.BeneficiaryID] = acc
			}
			acc.total = acc.total.Add(amount)
			acc.records++
			acc.products[name] = struct{}{}
		}
		if event.OutstandingQty.Valid && !day.Before(product.unitsDate) {
			units := event.OutstandingQty.Decimal
			product.Units = &units
			product.unitsDate = day
		}

		month := MonthKey(day)
		if monthly[month] == nil {
			monthly[month] = make(map[Category]decimal.Decimal)
		}
		monthly[month][event.Category] = monthly[month][event.Category].Add(amount)

		currency := event.Currency
		if currency == "" {
			currency = "EUR"
		}
		addBreakdown(currencies, currency, amount)
		addBreakdown(feeNames, event.FeeName, amount)
	}

	summary.TotalProducts = len(products)
	summary.UniqueBeneficiary = len(beneficiaries)
	if summary.TotalRecords > 0 {
		summary.AverageTicket = summary.TotalFees.Div(decimal.NewFromInt(int64(summary.TotalRecords)))
	}
	switch len(currencies) {
	case 0:
	case 1:
		for currency := range currencies {
			summary.Currency = currency
		}
	default:
		summary.Currency = mixedCurrency
	}

	for _, product := range products {
		product.BeneficiaryCount = len(product.beneficiaries)
		summary.Products = append(summary.Products, *product)
	}
	sort.SliceStable(summary.Products, func(i, j int) bool {
		if c := summary.Products[i].Total.Cmp(summary.Products[j].Total); c != 0 {
			return c > 0
		}
		return summary.Products[i].ProductName < summary.Products[j].ProductName
	})
	summary.TopProducts = summary.Products[:min(topProducts, len(summary.Products))]

	for month := DateOf(time.Date(from.Year(), from.Month(), 1, 0, 0, 0, 0, time.UTC)); !month.After(to); month = month.AddDate(0, 1, 0) {
		key := MonthKey(month)
		summary.Monthly.Labels = append(summary.Monthly.Labels, month.Format("Jan 2006"))
		summary.Monthly.Management = append(summary.Monthly.Management, monthly[key][CategoryManagement])
		summary.Monthly.Performance = append(summary.Monthly.Performance, monthly[key][CategoryPerformance])
	}

	summary.Currencies = sortedBreakdowns(currencies)
	summary.FeeNames = sortedBreakdowns(feeNames)

	for id, acc := range beneficiaries {
		summary.TopBeneficiaries = append(summary.TopBeneficiaries, BeneficiarySummary{
			BeneficiaryID: id,
			Total:         acc.total,
			Records:       acc.records,
			Products:      len(acc.products),
		})
	}
	sort.Slice(summary.TopBeneficiaries, func(i, j int) bool {
		if c := summary.TopBeneficiaries[i].Total.Cmp(summary.TopBeneficiaries[j].Total); c != 0 {
			return c > 0
		}
		return summary.TopBeneficiaries[i].BeneficiaryID < summary.TopBeneficiaries[j].BeneficiaryID
	})
	summary.TopBeneficiaries = summary.TopBeneficiaries[:min(topBeneficiaries, len(summary.TopBeneficiaries))]

	recent, day := RecentDay(inWindow, today)
	summary.RecentFees = recent
	if !day.IsZero() {
		summary.RecentActivityDate = day.Format(time.DateOnly)
	}
	return summary
}

func addBreakdown(into map[string]*Breakdown, label string, amount decimal.Decimal) {
	entry, ok := into[label]
	if !ok {
		entry = &Breakdown{Label: label}
		into[label] = entry
	}
	entry.Total = entry.Total.Add(amount)
	entry.Records++
}

func sortedBreakdowns(from map[string]*Breakdown) []Breakdown {
	out := make([]Breakdown, 0, len(from))
	for _, entry := range from {
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Total.Cmp(out[j].Total); c != 0 {
			return c > 0
		}
		return out[i].Label < out[j].Label
	})
	return out
}

// RecentDay returns the events of the most relevant recent day: yesterday when it has events,
// else today, else the newest day present. Events come back newest first.
func RecentDay(events []RawFeeEvent, today time.Time) ([]RawFeeEvent, time.Time) {
	if len(events) == 0 {
		return nil, time.Time{}
	}
	byDay := make(map[time.Time][]RawFeeEvent)
	var newest time.Time
	for _, event := range events {
		day := DateOf(event.EventDate)
		byDay[day] = append(byDay[day], event)
		if day.After(newest) {
			newest = day
		}
	}
	today = DateOf(today)
	target := newest
	for _, candidate := range []time.Time{today.AddDate(0, 0, -1), today} {
		if len(byDay[candidate]) > 0 {
			target = candidate
			break
		}
	}
	picked := byDay[target]
	sort.Slice(picked, func(i, j int) bool {
		if !picked[i].EventTimestamp.Equal(picked[j].EventTimestamp) {
			return picked[i].EventTimestamp.After(picked[j].EventTimestamp)
		}
		return picked[i].EventID > picked[j].EventID
	})
	return picked, target
}
