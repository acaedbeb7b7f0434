package report

import (
	"bytes"
	"fmt"
	"time"

	"github.com/apdwatch/apdwatch/internal/core"
	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"
)

// Report is a point-in-time export of the alert view and action history.
type Report struct {
	Site        string
	GeneratedAt time.Time
	Alerts      []core.Alert
	Actions     []core.ActionRecord
	Stats       *core.Stats
}

// Summary counts alerts by state and severity.
type Summary struct {
	Total      int
	Unresolved int
	Unread     int
	BySeverity map[core.Severity]int
	AutoEsc    int
	ManualEsc  int
	Resolves   int
}

// Summarize computes the report headline numbers.
func (r Report) Summarize() Summary {
	s := Summary{Total: len(r.Alerts), BySeverity: make(map[core.Severity]int)}
	for _, a := range r.Alerts {
		s.BySeverity[a.Severity]++
		if !a.IsResolved() {
			s.Unresolved++
		}
		if !a.Acknowledged {
			s.Unread++
		}
	}
	for _, rec := range r.Actions {
		switch {
		case rec.IsAutoEscalation():
			s.AutoEsc++
		case rec.Kind == core.ActionEscalate:
			s.ManualEsc++
		case rec.Kind == core.ActionResolve:
			s.Resolves++
		}
	}
	return s
}

func (r Report) title() string {
	if r.Site == "" {
		return "PPE Violation Report"
	}
	return "PPE Violation Report - " + r.Site
}

// BuildPDF renders the report as an A4 PDF.
func BuildPDF(r Report) ([]byte, error) {
	sum := r.Summarize()
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, r.title())
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Generated: %s", r.GeneratedAt.Format(time.RFC3339)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Alerts: %d (unresolved %d, unread %d)", sum.Total, sum.Unresolved, sum.Unread))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Severity: high %d, medium %d, low %d",
		sum.BySeverity[core.SeverityHigh], sum.BySeverity[core.SeverityMedium], sum.BySeverity[core.SeverityLow]))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Actions: %d resolved, %d escalated manually, %d auto-escalated",
		sum.Resolves, sum.ManualEsc, sum.AutoEsc))
	pdf.Ln(5)
	if r.Stats != nil {
		pdf.Cell(0, 6, fmt.Sprintf("Detections: %d, violations %d, compliance %.1f%%",
			r.Stats.TotalDetections, r.Stats.Violations, r.Stats.ComplianceRate))
		pdf.Ln(5)
	}
	pdf.Ln(4)

	// Alerts table
	alertCols := []struct {
		name  string
		width float64
	}{{"Time", 30}, {"Worker", 32}, {"Violation", 40}, {"Location", 32}, {"Severity", 20}, {"Status", 26}}
	pdf.SetFont("Arial", "B", 9)
	for _, c := range alertCols {
		pdf.CellFormat(c.width, 6, c.name, "1", 0, "C", false, 0, "")
	}
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 9)
	for _, a := range r.Alerts {
		vals := []string{a.OccurredAt, a.Worker, a.Violation, a.Location, a.Severity.String(), a.Status.String()}
		for i, c := range alertCols {
			pdf.CellFormat(c.width, 6, clip(pdf, vals[i], c.width), "1", 0, "L", false, 0, "")
		}
		pdf.Ln(-1)
	}

	if len(r.Actions) > 0 {
		pdf.Ln(6)
		pdf.SetFont("Arial", "B", 11)
		pdf.Cell(0, 6, "Action history")
		pdf.Ln(8)

		actionCols := []struct {
			name  string
			width float64
		}{{"Time", 38}, {"Alert", 34}, {"Action", 22}, {"Level", 28}, {"Actor", 24}, {"Notes", 34}}
		pdf.SetFont("Arial", "B", 9)
		for _, c := range actionCols {
			pdf.CellFormat(c.width, 6, c.name, "1", 0, "C", false, 0, "")
		}
		pdf.Ln(-1)
		pdf.SetFont("Arial", "", 9)
		for _, rec := range r.Actions {
			action := string(rec.Kind)
			if rec.Auto {
				action += " (auto)"
			}
			vals := []string{rec.CreatedAt.Format("2006-01-02 15:04:05"), rec.AlertID, action, rec.Level, rec.Actor, rec.Notes}
			for i, c := range actionCols {
				pdf.CellFormat(c.width, 6, clip(pdf, vals[i], c.width), "1", 0, "L", false, 0, "")
			}
			pdf.Ln(-1)
		}
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildXLSX renders the report as a workbook with summary, alerts and
// actions sheets.
func BuildXLSX(r Report) ([]byte, error) {
	sum := r.Summarize()
	f := excelize.NewFile()
	defer f.Close()

	summarySheet := "summary"
	alertsSheet := "alerts"
	actionsSheet := "actions"
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(alertsSheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(actionsSheet); err != nil {
		return nil, err
	}

	summary := [][2]interface{}{
		{"Report", r.title()},
		{"Generated", r.GeneratedAt.Format(time.RFC3339)},
		{"Alerts", sum.Total},
		{"Unresolved", sum.Unresolved},
		{"Unread", sum.Unread},
		{"High", sum.BySeverity[core.SeverityHigh]},
		{"Medium", sum.BySeverity[core.SeverityMedium]},
		{"Low", sum.BySeverity[core.SeverityLow]},
		{"Resolved actions", sum.Resolves},
		{"Manual escalations", sum.ManualEsc},
		{"Auto escalations", sum.AutoEsc},
	}
	for i, kv := range summary {
		row := i + 1
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("A%d", row), kv[0])
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("B%d", row), kv[1])
	}

	headers := []string{"ID", "Time", "Worker", "Violation", "Location", "Severity", "Status", "Seen", "Source"}
	if err := f.SetSheetRow(alertsSheet, "A1", &headers); err != nil {
		return nil, err
	}
	for i, a := range r.Alerts {
		row := []interface{}{a.ID, a.OccurredAt, a.Worker, a.Violation, a.Location,
			a.Severity.String(), a.Status.String(), a.Acknowledged, string(a.Source)}
		if err := f.SetSheetRow(alertsSheet, fmt.Sprintf("A%d", i+2), &row); err != nil {
			return nil, err
		}
	}

	headers = []string{"ID", "Timestamp", "Alert", "Action", "Level", "Actor", "Auto", "Notes", "Evidence"}
	if err := f.SetSheetRow(actionsSheet, "A1", &headers); err != nil {
		return nil, err
	}
	for i, rec := range r.Actions {
		row := []interface{}{rec.ID, rec.CreatedAt.Format(time.RFC3339), rec.AlertID, string(rec.Kind),
			rec.Level, rec.Actor, rec.Auto, rec.Notes, rec.Evidence}
		if err := f.SetSheetRow(actionsSheet, fmt.Sprintf("A%d", i+2), &row); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// clip shortens s with "..." until it fits width millimetres.
func clip(pdf *gofpdf.Fpdf, s string, width float64) string {
	limit := width - 2
	if pdf.GetStringWidth(s) <= limit {
		return s
	}
	r := []rune(s)
	for len(r) > 0 && pdf.GetStringWidth(string(r)+"...") > limit {
		r = r[:len(r)-1]
	}
	return string(r) + "..."
}
