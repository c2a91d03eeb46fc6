// Package report derives dashboard statistics and CSV exports from a
// user's receipts.
package report

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zombor/spendsight/internal/receipt"
)

const (
	// ExportFilename is the download name of the CSV export
	ExportFilename = "receipts_export.csv"

	// DateLayout renders dates the way a US locale shows them
	DateLayout = "1/2/2006"

	SeriesSize = 10
	RecentSize = 5
)

var csvHeader = []string{"Date", "Merchant", "Item", "Price", "Total Amount"}

// Totals summarises a list of receipts
type Totals struct {
	TotalSpent float64 `json:"total_spent"`
	Average    float64 `json:"average"`
	Count      int     `json:"count"`
}

// ComputeTotals sums the receipts. The average of an empty list is 0.
func ComputeTotals(records []*receipt.Receipt) Totals {
	sum := decimal.Zero
	for _, r := range records {
		sum = sum.Add(decimal.NewFromFloat(r.TotalAmount))
	}

	count := len(records)
	denominator := count
	if denominator < 1 {
		denominator = 1
	}
	average := sum.Div(decimal.NewFromInt(int64(denominator)))

	return Totals{
		TotalSpent: sum.InexactFloat64(),
		Average:    average.InexactFloat64(),
		Count:      count,
	}
}

// Point is one bar of the spending chart
type Point struct {
	Label  string  `json:"label"`
	Amount float64 `json:"amount"`
}

// Series returns chart points for the first n receipts of a list that is
// already ordered most recent first
func Series(records []*receipt.Receipt, n int, loc *time.Location) []Point {
	records = head(records, n)
	points := make([]Point, 0, len(records))
	for _, r := range records {
		points = append(points, Point{
			Label:  r.Date.In(location(loc)).Format(DateLayout),
			Amount: r.TotalAmount,
		})
	}
	return points
}

// Recent returns the first n receipts
func Recent(records []*receipt.Receipt, n int) []*receipt.Receipt {
	return head(records, n)
}

// WriteCSV writes one row per item, with the record total on the first
// item row only. A record without items still gets a "No items" row.
func WriteCSV(w io.Writer, records []*receipt.Receipt, loc *time.Location) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}

	for _, r := range records {
		date := r.Date.In(location(loc)).Format(DateLayout)
		total := money(decimal.NewFromFloat(r.TotalAmount))

		if len(r.Items) == 0 {
			if err := cw.Write([]string{date, r.Merchant, "No items", "0.00", total}); err != nil {
				return fmt.Errorf("writing receipt %s: %w", r.ID, err)
			}
			continue
		}

		for i, item := range r.Items {
			row := []string{date, r.Merchant, item.Name, price(item.Price), ""}
			if i == 0 {
				row[4] = total
			}
			if err := cw.Write(row); err != nil {
				return fmt.Errorf("writing receipt %s: %w", r.ID, err)
			}
		}
	}

	cw.Flush()
	return cw.Error()
}

// ToCSV renders the export as a string
func ToCSV(records []*receipt.Receipt, loc *time.Location) (string, error) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, records, loc); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// price formats an item price with two decimals, or returns the text as
// received when it is not a number
func price(a receipt.Amount) string {
	if a.IsZero() {
		return "0.00"
	}
	d, err := a.Decimal()
	if err != nil {
		return a.String()
	}
	return money(d)
}

func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}

func location(loc *time.Location) *time.Location {
	if loc == nil {
		return time.UTC
	}
	return loc
}

func head(records []*receipt.Receipt, n int) []*receipt.Receipt {
	if n >= 0 && len(records) > n {
		return records[:n]
	}
	return records
}
