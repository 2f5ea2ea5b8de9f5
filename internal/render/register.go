package render

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"

	"permitcore/pkg/domain"
)

// RegisterFormat selects the serialization of a permit register export.
type RegisterFormat string

// Supported register export formats.
const (
	FormatCSV  RegisterFormat = "csv"
	FormatXLSX RegisterFormat = "xlsx"
)

// registerHeader is the column set shared by both register formats.
var registerHeader = []string{
	"permit_id", "status", "work_type",
	"requester", "reviewer", "approver",
	"valid_from", "valid_to",
	"renewals", "last_renewal_status",
	"created_at", "updated_at",
}

func registerRow(p domain.Permit) []string {
	lastRenewal := ""
	if n := len(p.Renewals); n > 0 {
		lastRenewal = string(p.Renewals[n-1].Status)
	}
	return []string{
		p.PermitID,
		string(p.Status),
		p.WorkType,
		p.RequesterEmail,
		p.ReviewerEmail,
		p.ApproverEmail,
		p.ValidFrom.Format(time.RFC3339),
		p.ValidTo.Format(time.RFC3339),
		strconv.Itoa(len(p.Renewals)),
		lastRenewal,
		p.CreatedAt.Format(time.RFC3339),
		p.UpdatedAt.Format(time.RFC3339),
	}
}

// RenderRegister serializes the permit register in the requested format.
func RenderRegister(permits []domain.Permit, format RegisterFormat) ([]byte, string, error) {
	switch format {
	case FormatCSV:
		data, err := renderRegisterCSV(permits)
		return data, "text/csv", err
	case FormatXLSX:
		data, err := renderRegisterXLSX(permits)
		return data, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", err
	default:
		return nil, "", fmt.Errorf("unknown register format %q", format)
	}
}

func renderRegisterCSV(permits []domain.Permit) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(registerHeader); err != nil {
		return nil, err
	}
	for _, p := range permits {
		if err := w.Write(registerRow(p)); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

const registerSheet = "Permits"

func renderRegisterXLSX(permits []domain.Permit) ([]byte, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	idx, err := f.NewSheet(registerSheet)
	if err != nil {
		return nil, err
	}
	f.SetActiveSheet(idx)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, err
	}

	writeRow := func(rowIdx int, values []string) error {
		cell, err := excelize.CoordinatesToCellName(1, rowIdx)
		if err != nil {
			return err
		}
		row := make([]any, len(values))
		for i, v := range values {
			row[i] = v
		}
		return f.SetSheetRow(registerSheet, cell, &row)
	}

	if err := writeRow(1, registerHeader); err != nil {
		return nil, err
	}
	for i, p := range permits {
		if err := writeRow(i+2, registerRow(p)); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
