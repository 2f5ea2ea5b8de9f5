// Package render produces the document artifacts issued by the permit
// lifecycle: the closure certificate PDF and the permit register exports.
package render

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/go-pdf/fpdf"

	"permitcore/pkg/domain"
)

// ClosureRenderer renders the closure certificate for a permit whose closure
// has been approved.
type ClosureRenderer struct{}

// NewClosureRenderer constructs a renderer with default layout.
func NewClosureRenderer() *ClosureRenderer {
	return &ClosureRenderer{}
}

// RenderClosureArtifact produces the closure certificate PDF. The permit is
// rendered as it stands at the moment of issue; signature stamps for the
// closure chain are expected to be present in the document bag.
func (r *ClosureRenderer) RenderClosureArtifact(p domain.Permit) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetTitle(fmt.Sprintf("Work Permit Closure %s", p.PermitID), false)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 16)
	pdf.CellFormat(0, 10, "Work Permit Closure Certificate", "", 1, "C", false, 0, "")
	pdf.Ln(4)

	pdf.SetFont("Helvetica", "", 11)
	row := func(label, value string) {
		pdf.SetFont("Helvetica", "B", 11)
		pdf.CellFormat(55, 8, label, "1", 0, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 11)
		pdf.CellFormat(0, 8, value, "1", 1, "L", false, 0, "")
	}
	row("Permit", p.PermitID)
	row("Work Type", p.WorkType)
	row("Requester", p.RequesterEmail)
	row("Reviewer", p.ReviewerEmail)
	row("Approver", p.ApproverEmail)
	row("Valid From", p.ValidFrom.Format(time.RFC3339))
	row("Valid To", p.ValidTo.Format(time.RFC3339))
	row("Renewals", fmt.Sprintf("%d", len(p.Renewals)))

	pdf.Ln(6)
	pdf.SetFont("Helvetica", "B", 12)
	pdf.CellFormat(0, 8, "Closure Sign-off", "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 11)
	for _, key := range []string{
		domain.DocClosureReceiverSig,
		domain.DocClosureReviewerSig,
		domain.DocClosureIssuerSig,
		domain.DocClosureIssuerRemark,
	} {
		if v, ok := p.Document[key].(string); ok && v != "" {
			row(closureLabels[key], v)
		}
	}

	pdf.Ln(6)
	if extra := freeFormFields(p.Document); len(extra) > 0 {
		pdf.SetFont("Helvetica", "B", 12)
		pdf.CellFormat(0, 8, "Permit Record", "", 1, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 10)
		for _, kv := range extra {
			pdf.MultiCell(0, 6, fmt.Sprintf("%s: %v", kv.key, kv.value), "", "L", false)
		}
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render closure pdf: %w", err)
	}
	return buf.Bytes(), nil
}

var closureLabels = map[string]string{
	domain.DocClosureReceiverSig:  "Received By",
	domain.DocClosureReviewerSig:  "Reviewed By",
	domain.DocClosureIssuerSig:    "Issued By",
	domain.DocClosureIssuerRemark: "Issuer Remarks",
}

type docField struct {
	key   string
	value any
}

// freeFormFields returns the caller-supplied document fields in stable order,
// skipping the engine-owned closure stamps already rendered above.
func freeFormFields(doc domain.Document) []docField {
	out := make([]docField, 0, len(doc))
	for k, v := range doc {
		if _, isClosure := closureLabels[k]; isClosure {
			continue
		}
		out = append(out, docField{key: k, value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}
