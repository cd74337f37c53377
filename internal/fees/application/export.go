package application

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	fees "feesync/internal/fees/domain"
	"feesync/internal/observability/metrics"
)

// Export formats.
const (
	FormatCSV  = "csv"
	FormatXLSX = "xlsx"
	FormatPDF  = "pdf"
)

// DefaultExportCategories are exported when the caller names none.
var DefaultExportCategories = []fees.Category{fees.CategoryManagement, fees.CategoryPerformance}

// DefaultExportFrom is the first booking date exported when the caller gives no lower bound.
var DefaultExportFrom = time.Date(2023, 2, 18, 0, 0, 0, 0, time.UTC)

var csvHeader = []string{"Date", "Product", "ISIN", "Fee Type", "Amount", "Currency"}

// WriteRecordsCSV writes records newest first with dd.mm.yyyy dates and signed amounts.
func WriteRecordsCSV(w io.Writer, records []fees.RawFeeEvent) (err error) {
	start := time.Now()
	defer func() { observeExport(FormatCSV, err, start) }()

	ordered := append([]fees.RawFeeEvent(nil), records...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].EventDate.Equal(ordered[j].EventDate) {
			return ordered[i].EventDate.After(ordered[j].EventDate)
		}
		return ordered[i].EventTimestamp.After(ordered[j].EventTimestamp)
	})

	out := csv.NewWriter(w)
	if err := out.Write(csvHeader); err != nil {
		return err
	}
	for _, record := range ordered {
		row := []string{
			record.EventDate.Format("02.01.2006"),
			record.ProductName,
			record.ProductISIN,
			record.Category.DisplayName(),
			record.SignedDelta.String(),
			record.Currency,
		}
		if err := out.Write(row); err != nil {
			return err
		}
	}
	out.Flush()
	return out.Error()
}

// BuildMonthlyXLSX renders monthly aggregates with one row per month, product and kind.
func BuildMonthlyXLSX(rows []fees.MonthlyAggregate) (data []byte, err error) {
	start := time.Now()
	defer func() { observeExport(FormatXLSX, err, start) }()

	f := excelize.NewFile()
	defer f.Close()
	sheet := "monthly"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return nil, err
	}

	header := []string{"Month", "Product", "ISIN", "Fee Type", "Amount", "Absolute Amount", "Records", "Currency"}
	for i, title := range header {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, title)
	}
	for i, row := range rows {
		line := i + 2
		amount, _ := row.SumAmount.Float64()
		abs, _ := row.SumAbs.Float64()
		_ = f.SetCellValue(sheet, fmt.Sprintf("A%d", line), row.Month)
		_ = f.SetCellValue(sheet, fmt.Sprintf("B%d", line), row.ProductName)
		_ = f.SetCellValue(sheet, fmt.Sprintf("C%d", line), row.ProductISIN)
		_ = f.SetCellValue(sheet, fmt.Sprintf("D%d", line), row.Category.DisplayName())
		_ = f.SetCellValue(sheet, fmt.Sprintf("E%d", line), amount)
		_ = f.SetCellValue(sheet, fmt.Sprintf("F%d", line), abs)
		_ = f.SetCellValue(sheet, fmt.Sprintf("G%d", line), row.RecordCount)
		_ = f.SetCellValue(sheet, fmt.Sprintf("H%d", line), row.Currency)
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildMonthlyPDF renders monthly aggregates as a table.
func BuildMonthlyPDF(title string, rows []fees.MonthlyAggregate, generated time.Time) (data []byte, err error) {
	start := time.Now()
	defer func() { observeExport(FormatPDF, err, start) }()

	pdf := gofpdf.New("L", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, title)
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Generated: %s", generated.UTC().Format(time.RFC3339)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Rows: %d", len(rows)))
	pdf.Ln(8)

	pdf.SetFont("Arial", "B", 9)
	pdf.CellFormat(22, 6, "Month", "1", 0, "C", false, 0, "")
	pdf.CellFormat(90, 6, "Product", "1", 0, "C", false, 0, "")
	pdf.CellFormat(35, 6, "ISIN", "1", 0, "C", false, 0, "")
	pdf.CellFormat(40, 6, "Fee Type", "1", 0, "C", false, 0, "")
	pdf.CellFormat(35, 6, "Amount", "1", 0, "C", false, 0, "")
	pdf.CellFormat(20, 6, "Records", "1", 0, "C", false, 0, "")
	pdf.CellFormat(20, 6, "Currency", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 9)
	for _, row := range rows {
		pdf.CellFormat(22, 6, row.Month, "1", 0, "C", false, 0, "")
		pdf.CellFormat(90, 6, clip(row.ProductName, 50), "1", 0, "L", false, 0, "")
		pdf.CellFormat(35, 6, row.ProductISIN, "1", 0, "C", false, 0, "")
		pdf.CellFormat(40, 6, row.Category.DisplayName(), "1", 0, "L", false, 0, "")
		pdf.CellFormat(35, 6, row.SumAbs.StringFixed(2), "1", 0, "R", false, 0, "")
		pdf.CellFormat(20, 6, fmt.Sprintf("%d", row.RecordCount), "1", 0, "R", false, 0, "")
		pdf.CellFormat(20, 6, row.Currency, "1", 0, "C", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func clip(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "."
}

func observeExport(format string, err error, start time.Time) {
	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	}
	metrics.ObserveFeeExport(format, result, time.Since(start))
}
