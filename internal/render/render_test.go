package render

import (
	"bytes"
	"encoding/csv"
	"strings"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"permitcore/pkg/domain"
)

func samplePermit() domain.Permit {
	from := time.Date(2025, 3, 3, 8, 0, 0, 0, time.UTC)
	reviewed := "rev@example.com"
	return domain.Permit{
		PermitID:       "WP-1001",
		Status:         domain.StatusClosed,
		WorkType:       "hot_work",
		RequesterEmail: "req@example.com",
		ReviewerEmail:  "rev@example.com",
		ApproverEmail:  "app@example.com",
		ValidFrom:      from,
		ValidTo:        from.Add(72 * time.Hour),
		Renewals: []domain.Renewal{{
			Status:     domain.RenewalApproved,
			ValidFrom:  from.Add(time.Hour),
			ValidTo:    from.Add(5 * time.Hour),
			ReviewedBy: &reviewed,
		}},
		Document: domain.Document{
			domain.DocReviewerSig:      "rev@example.com on 2025-03-03T09:00:00Z",
			domain.DocApproverSig:      "app@example.com on 2025-03-03T10:00:00Z",
			domain.DocClosureIssuerSig: "app@example.com on 2025-03-06T08:00:00Z",
			"description":              "weld repair on line 3",
			"fire_watch_posted":        true,
		},
	}
}

func TestClosureArtifactIsPDF(t *testing.T) {
	r := NewClosureRenderer()
	data, err := r.RenderClosureArtifact(samplePermit())
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("%PDF")) {
		t.Fatalf("output does not start with a PDF header: %q", data[:min(16, len(data))])
	}
	if len(data) < 1024 {
		t.Fatalf("suspiciously small artifact: %d bytes", len(data))
	}
}

func TestRenderRegisterCSV(t *testing.T) {
	data, contentType, err := RenderRegister([]domain.Permit{samplePermit()}, FormatCSV)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if contentType != "text/csv" {
		t.Fatalf("content type = %q", contentType)
	}
	rows, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("row count = %d", len(rows))
	}
	if rows[0][0] != "permit_id" || rows[0][len(rows[0])-1] != "updated_at" {
		t.Fatalf("header = %v", rows[0])
	}
	row := rows[1]
	if row[0] != "WP-1001" || row[1] != "closed" {
		t.Fatalf("data row = %v", row)
	}
	if row[8] != "1" || row[9] != "approved" {
		t.Fatalf("renewal columns = %v, %v", row[8], row[9])
	}
}

func TestRenderRegisterXLSX(t *testing.T) {
	data, contentType, err := RenderRegister([]domain.Permit{samplePermit()}, FormatXLSX)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(contentType, "spreadsheetml") {
		t.Fatalf("content type = %q", contentType)
	}
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("reopen workbook: %v", err)
	}
	defer f.Close()
	rows, err := f.GetRows("Permits")
	if err != nil {
		t.Fatalf("read sheet: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("row count = %d", len(rows))
	}
	if rows[1][0] != "WP-1001" {
		t.Fatalf("data row = %v", rows[1])
	}
}

func TestRenderRegisterUnknownFormat(t *testing.T) {
	if _, _, err := RenderRegister(nil, RegisterFormat("pdf")); err == nil {
		t.Fatalf("unknown format must error")
	}
}
