package report

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf/v2"

	"expense-reports/pkg/expense"
	"expense-reports/pkg/job"
)

func render(user *expense.User, f job.Filter, sum expense.Summary, now time.Time) ([]byte, error) {
	// Create PDF document (A4, portrait)
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(15, 20, 15)
	pdf.SetAutoPageBreak(true, 20)
	pdf.AliasNbPages("{nb}")
	tr := pdf.UnicodeTranslatorFromDescriptor("") // cp1252, covers the euro sign

	pdf.SetFooterFunc(func() {
		pdf.SetY(-15)
		pdf.SetFont("Arial", "", 8)
		pdf.SetTextColor(108, 117, 125) // Gray
		pdf.CellFormat(0, 10, fmt.Sprintf("Generated by Expense Sharing App - %s - Page %d of {nb}",
			now.UTC().Format(time.RFC3339), pdf.PageNo()), "", 0, "C", false, 0, "")
	})

	pdf.AddPage()
	pdf.SetFont("Arial", "B", 24)
	pdf.SetTextColor(33, 37, 41)
	pdf.CellFormat(0, 12, "Expense Report", "", 1, "C", false, 0, "")
	pdf.Ln(6)

	pdf.SetFont("Arial", "", 12)
	pdf.CellFormat(0, 6, tr("Generated for: "+user.Name), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 6, tr("Email: "+user.Email), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 6, "Generated on: "+now.UTC().Format("2006-01-02 15:04 MST"), "", 1, "L", false, 0, "")
	if f.Start != nil || f.End != nil {
		pdf.CellFormat(0, 6, fmt.Sprintf("Period: %s - %s", formatBound(f.Start), formatBound(f.End)), "", 1, "L", false, 0, "")
	}
	pdf.Ln(6)

	pdf.SetFont("Arial", "BU", 14)
	pdf.CellFormat(0, 8, "Expenses", "", 1, "L", false, 0, "")
	pdf.Ln(2)

	if len(sum.Lines) == 0 {
		pdf.SetFont("Arial", "", 12)
		pdf.CellFormat(0, 6, "No expenses found for this period.", "", 1, "L", false, 0, "")
		return output(pdf)
	}

	for _, l := range sum.Lines {
		if pdf.GetY() > 250 {
			pdf.AddPage()
		}
		e := l.Expense
		pdf.SetTextColor(33, 37, 41)
		pdf.SetFont("Arial", "B", 10)
		pdf.CellFormat(0, 5, tr(fmt.Sprintf("%s - %s", e.Description, e.Date.Format(dateLayout))), "", 1, "L", false, 0, "")
		pdf.SetFont("Arial", "", 9)
		pdf.CellFormat(0, 5, tr("  Amount: "+euro(e.Amount)), "", 1, "L", false, 0, "")
		pdf.CellFormat(0, 5, tr("  Paid by: "+e.Payer.Name), "", 1, "L", false, 0, "")
		pdf.CellFormat(0, 5, tr("  Participants: "+names(e.Participants)), "", 1, "L", false, 0, "")
		if l.Role == expense.RolePaid {
			pdf.SetTextColor(25, 135, 84) // Green
			pdf.CellFormat(0, 5, tr(fmt.Sprintf("  Your share: %s (you paid)", euro(l.Share))), "", 1, "L", false, 0, "")
		} else {
			pdf.SetTextColor(220, 53, 69) // Red
			pdf.CellFormat(0, 5, tr(fmt.Sprintf("  Your share: %s (you owe)", euro(l.Share))), "", 1, "L", false, 0, "")
		}
		pdf.Ln(3)
	}

	pdf.SetTextColor(33, 37, 41)
	pdf.Ln(4)
	pdf.SetFont("Arial", "BU", 12)
	pdf.CellFormat(0, 8, "Summary", "", 1, "L", false, 0, "")
	pdf.SetFont("Arial", "", 10)
	for _, line := range summaryLines(sum) {
		pdf.CellFormat(0, 5, tr(line), "", 1, "L", false, 0, "")
	}
	if sum.Net() >= 0 {
		pdf.SetTextColor(25, 135, 84)
	} else {
		pdf.SetTextColor(220, 53, 69)
	}
	pdf.CellFormat(0, 5, tr("Net balance: "+euro(sum.Net())), "", 1, "L", false, 0, "")

	return output(pdf)
}

// summaryLines counts the itemized lines, not the expenses loaded, so the
// total matches what the report lists.
func summaryLines(sum expense.Summary) []string {
	return []string{
		fmt.Sprintf("Total expenses: %d", len(sum.Lines)),
		"Total you paid: " + euro(sum.TotalPaid),
		"Total you owe: " + euro(sum.TotalOwed),
	}
}

func output(pdf *gofpdf.Fpdf) ([]byte, error) {
	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to generate PDF: %w", err)
	}
	return buf.Bytes(), nil
}

func formatBound(t *time.Time) string {
	if t == nil {
		return "All"
	}
	return t.Format(dateLayout)
}

func euro(v float64) string { return fmt.Sprintf("€%.2f", v) }

func names(ps []expense.Participant) string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.Name
	}
	return strings.Join(out, ", ")
}
