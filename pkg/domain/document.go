package domain

// Document is the open field bag carried by every permit: work description,
// checklist answers, remarks, and the signature stamps written by transitions.
// It is merged, never wholesale-replaced, so concurrent revisions of the form
// can add fields without clobbering earlier answers.
type Document map[string]any

// Document keys written by transition side effects. Callers may read them but
// cannot set them through a field patch.
const (
	DocReviewerSig         = "reviewer_sig"
	DocReviewerRemarks     = "reviewer_remarks"
	DocApproverSig         = "approver_sig"
	DocApproverRemarks     = "approver_remarks"
	DocClosureReceiverSig  = "closure_receiver_sig"
	DocClosureReviewerSig  = "closure_reviewer_sig"
	DocClosureIssuerSig    = "closure_issuer_sig"
	DocClosureIssuerRemark = "closure_issuer_remarks"
	DocRejectedBy          = "rejected_by"
	DocRejectionRemarks    = "rejection_remarks"
)

// reservedDocumentKeys mirror structured permit columns or stamp fields.
// Rejecting them in Merge keeps a field patch from silently shadowing state the
// transition engine owns.
var reservedDocumentKeys = map[string]struct{}{
	"permit_id":            {},
	"status":               {},
	"valid_from":           {},
	"valid_to":             {},
	"renewals":             {},
	"revision":             {},
	"attachment_key":       {},
	"closure_artifact_key": {},
	DocReviewerSig:         {},
	DocApproverSig:         {},
	DocClosureReceiverSig:  {},
	DocClosureReviewerSig:  {},
	DocClosureIssuerSig:    {},
	DocRejectedBy:          {},
}

// Clone returns a shallow per-key copy of the document. Values are JSON
// scalars, maps, and slices coming off the wire; top-level copy is enough to
// isolate committed state from a caller-held patch.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Merge applies a field patch onto the document. Reserved keys and empty keys
// are rejected so a typo cannot overwrite engine-owned state. Merge mutates
// the receiver; callers clone first when they need rollback safety.
func (d Document) Merge(patch map[string]any) error {
	for k := range patch {
		if k == "" {
			return ValidationError{Field: "fields", Reason: "empty field name"}
		}
		if _, reserved := reservedDocumentKeys[k]; reserved {
			return ValidationError{Field: "fields", Reason: "field " + k + " is reserved"}
		}
	}
	for k, v := range patch {
		d[k] = v
	}
	return nil
}

// Stamp records an engine-owned field, bypassing the reserved-key guard.
func (d Document) Stamp(key string, value any) {
	d[key] = value
}

// AppendRemark appends a line to a free-text remark field, preserving any
// remark already present.
func (d Document) AppendRemark(key, line string) {
	if line == "" {
		return
	}
	if prev, ok := d[key].(string); ok && prev != "" {
		d[key] = prev + "\n" + line
		return
	}
	d[key] = line
}

// DiscardClosureFields removes the closure signatures stamped by an abandoned
// closure sequence. The rest of the bag is untouched.
func (d Document) DiscardClosureFields() {
	delete(d, DocClosureReceiverSig)
	delete(d, DocClosureReviewerSig)
	delete(d, DocClosureIssuerSig)
	delete(d, DocClosureIssuerRemark)
}
