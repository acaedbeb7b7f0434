package report

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/apdwatch/apdwatch/internal/core"
	"github.com/xuri/excelize/v2"
)

func sampleReport() Report {
	at := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	return Report{
		Site:        "Plant 2",
		GeneratedAt: at,
		Alerts: []core.Alert{
			{ID: "live-1", Worker: "Budi", Violation: "No helmet", Location: "Gate A", OccurredAt: "07:55:00",
				Severity: core.SeverityHigh, Source: core.SourceLive},
			{ID: "history-2", Worker: "Sari", Violation: "No vest", Location: "Dock", OccurredAt: "07:10:00",
				Severity: core.SeverityMedium, Status: core.AlertStatusResolved, Acknowledged: true, Source: core.SourceHistory},
			{ID: "history-3", Worker: strings.Repeat("Very Long Worker Name ", 5), Violation: "No gloves",
				Severity: core.SeverityLow, Acknowledged: true, Source: core.SourceHistory},
		},
		Actions: []core.ActionRecord{
			{ID: "a1", AlertID: "live-1", Kind: core.ActionEscalate, Level: core.LevelHSEManager, Actor: core.SystemActor, Auto: true, CreatedAt: at},
			{ID: "a2", AlertID: "history-2", Kind: core.ActionResolve, Actor: "Mandor", Notes: "vest issued", CreatedAt: at},
			{ID: "a3", AlertID: "history-3", Kind: core.ActionEscalate, Level: core.LevelSupervisor, Actor: "Mandor", CreatedAt: at},
		},
		Stats: &core.Stats{TotalDetections: 100, Violations: 3, ComplianceRate: 97},
	}
}

func TestSummarize(t *testing.T) {
	s := sampleReport().Summarize()
	if s.Total != 3 || s.Unresolved != 2 || s.Unread != 1 {
		t.Errorf("summary = %+v", s)
	}
	if s.BySeverity[core.SeverityHigh] != 1 || s.BySeverity[core.SeverityLow] != 1 {
		t.Errorf("by severity = %v", s.BySeverity)
	}
	if s.AutoEsc != 1 || s.ManualEsc != 1 || s.Resolves != 1 {
		t.Errorf("action counts = %+v", s)
	}
}

func TestBuildPDF(t *testing.T) {
	data, err := BuildPDF(sampleReport())
	if err != nil {
		t.Fatalf("BuildPDF: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("%PDF")) {
		t.Error("output is not a PDF")
	}
}

func TestBuildPDF_Empty(t *testing.T) {
	if _, err := BuildPDF(Report{GeneratedAt: time.Now()}); err != nil {
		t.Fatalf("BuildPDF with no alerts: %v", err)
	}
}

func TestBuildXLSX(t *testing.T) {
	data, err := BuildXLSX(sampleReport())
	if err != nil {
		t.Fatalf("BuildXLSX: %v", err)
	}
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer f.Close()

	if v, _ := f.GetCellValue("summary", "B3"); v != "3" {
		t.Errorf("summary alerts = %q", v)
	}
	if v, _ := f.GetCellValue("alerts", "A2"); v != "live-1" {
		t.Errorf("alerts A2 = %q", v)
	}
	rows, err := f.GetRows("actions")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 4 || rows[1][3] != "escalate" || rows[2][7] != "vest issued" {
		t.Errorf("actions rows = %v", rows)
	}
}
