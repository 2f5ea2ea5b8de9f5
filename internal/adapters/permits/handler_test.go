package permits

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"permitcore/internal/blob"
	"permitcore/internal/core"
	"permitcore/internal/render"
	"permitcore/pkg/domain"
)

const (
	requester = "req@example.com"
	reviewer  = "rev@example.com"
	approver  = "app@example.com"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestHandler(t *testing.T) (*Handler, *blob.MemoryStore) {
	t.Helper()
	objects := blob.NewMemory()
	now := time.Date(2025, 3, 3, 8, 0, 0, 0, time.UTC)
	service := core.NewInMemoryService(
		core.WithArtifactStore(NewBlobArtifactStore(objects)),
		core.WithClosureRenderer(render.NewClosureRenderer()),
		core.WithClock(func() time.Time { return now }),
		core.WithLogger(quietLogger()),
	)
	return NewHandler(service), objects
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		payload = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, payload)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodePermit(t *testing.T, rec *httptest.ResponseRecorder) domain.Permit {
	t.Helper()
	var out struct {
		Permit domain.Permit `json:"permit"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rec.Body.String())
	}
	return out.Permit
}

func createBody() map[string]any {
	from := time.Date(2025, 3, 3, 8, 0, 0, 0, time.UTC)
	return map[string]any{
		"work_type":       "hot_work",
		"requester_email": requester,
		"reviewer_email":  reviewer,
		"approver_email":  approver,
		"valid_from":      from.Format(time.RFC3339),
		"valid_to":        from.Add(72 * time.Hour).Format(time.RFC3339),
		"fields":          map[string]any{"description": "weld repair"},
	}
}

func identityHeaders(role domain.Role, actor string) map[string]string {
	return map[string]string{HeaderRole: string(role), HeaderActor: actor}
}

func TestHandlerCreateAndFetchPermit(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/permits", createBody(), nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	created := decodePermit(t, rec)
	if created.PermitID != "WP-1001" || created.Status != domain.StatusPendingReview {
		t.Fatalf("created = %s %s", created.PermitID, created.Status)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/v1/permits/WP-1001", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	if got := decodePermit(t, rec); got.PermitID != "WP-1001" {
		t.Fatalf("got %s", got.PermitID)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/v1/permits/WP-9999", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing permit status = %d", rec.Code)
	}
}

func TestHandlerCreateWithAttachment(t *testing.T) {
	h, objects := newTestHandler(t)

	body := createBody()
	body["attachment"] = map[string]any{
		"filename":     "jsa.pdf",
		"content_type": "application/pdf",
		"data":         base64.StdEncoding.EncodeToString([]byte("%PDF-1.4 jsa")),
	}
	rec := doJSON(t, h, http.MethodPost, "/api/v1/permits", body, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	created := decodePermit(t, rec)
	if created.AttachmentKey != "attachments/WP-1001/jsa.pdf" {
		t.Fatalf("attachment key = %q", created.AttachmentKey)
	}
	if _, _, err := objects.Get(t.Context(), created.AttachmentKey); err != nil {
		t.Fatalf("attachment not in blob store: %v", err)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/v1/permits/WP-1001/artifact?key="+created.AttachmentKey, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("artifact status = %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "%PDF-1.4 jsa" {
		t.Fatalf("artifact payload = %q", rec.Body.String())
	}

	body["attachment"] = map[string]any{"filename": "jsa.pdf", "data": "not base64!!"}
	rec = doJSON(t, h, http.MethodPost, "/api/v1/permits", body, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad base64 status = %d", rec.Code)
	}
}

func TestHandlerTransitionFlow(t *testing.T) {
	h, _ := newTestHandler(t)
	doJSON(t, h, http.MethodPost, "/api/v1/permits", createBody(), nil)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/permits/WP-1001/status",
		map[string]any{"action": "review", "remarks": "checked"},
		identityHeaders(domain.RoleReviewer, reviewer))
	if rec.Code != http.StatusOK {
		t.Fatalf("review status = %d: %s", rec.Code, rec.Body.String())
	}
	if p := decodePermit(t, rec); p.Status != domain.StatusPendingApproval {
		t.Fatalf("status after review = %s", p.Status)
	}

	// Reviewing again from pending approval is an illegal transition.
	rec = doJSON(t, h, http.MethodPost, "/api/v1/permits/WP-1001/status",
		map[string]any{"action": "review"},
		identityHeaders(domain.RoleReviewer, reviewer))
	if rec.Code != http.StatusConflict {
		t.Fatalf("double review status = %d", rec.Code)
	}

	// Identity headers are mandatory for transitions.
	rec = doJSON(t, h, http.MethodPost, "/api/v1/permits/WP-1001/status",
		map[string]any{"action": "approve"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing identity status = %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPost, "/api/v1/permits/WP-1001/status",
		map[string]any{"action": "approve"},
		identityHeaders("supervisor", "boss@example.com"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown role status = %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPost, "/api/v1/permits/WP-1001/status",
		map[string]any{"action": "approve"},
		identityHeaders(domain.RoleApprover, approver))
	if rec.Code != http.StatusOK {
		t.Fatalf("approve status = %d: %s", rec.Code, rec.Body.String())
	}
	if p := decodePermit(t, rec); p.Status != domain.StatusActive {
		t.Fatalf("status after approve = %s", p.Status)
	}
}

func TestHandlerRenewalFlow(t *testing.T) {
	h, _ := newTestHandler(t)
	doJSON(t, h, http.MethodPost, "/api/v1/permits", createBody(), nil)
	doJSON(t, h, http.MethodPost, "/api/v1/permits/WP-1001/status",
		map[string]any{"action": "review"}, identityHeaders(domain.RoleReviewer, reviewer))
	doJSON(t, h, http.MethodPost, "/api/v1/permits/WP-1001/status",
		map[string]any{"action": "approve"}, identityHeaders(domain.RoleApprover, approver))

	from := time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)
	rec := doJSON(t, h, http.MethodPost, "/api/v1/permits/WP-1001/renewals",
		map[string]any{
			"action":     "request",
			"valid_from": from.Format(time.RFC3339),
			"valid_to":   from.Add(4 * time.Hour).Format(time.RFC3339),
			"readings":   map[string]string{"oxygen": "20.9%"},
		},
		identityHeaders(domain.RoleRequester, requester))
	if rec.Code != http.StatusOK {
		t.Fatalf("renewal request status = %d: %s", rec.Code, rec.Body.String())
	}
	p := decodePermit(t, rec)
	if p.Status != domain.StatusRenewalPendingReview || len(p.Renewals) != 1 {
		t.Fatalf("after request: %s, %d renewals", p.Status, len(p.Renewals))
	}

	// The approver cannot act on an entry still pending review.
	rec = doJSON(t, h, http.MethodPost, "/api/v1/permits/WP-1001/renewals",
		map[string]any{"action": "review"},
		identityHeaders(domain.RoleApprover, approver))
	if rec.Code != http.StatusConflict {
		t.Fatalf("approver cannot review: status = %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPost, "/api/v1/permits/WP-1001/renewals",
		map[string]any{"action": "review", "note": "readings ok"},
		identityHeaders(domain.RoleReviewer, reviewer))
	if rec.Code != http.StatusOK {
		t.Fatalf("renewal review status = %d: %s", rec.Code, rec.Body.String())
	}
	if p := decodePermit(t, rec); p.Status != domain.StatusRenewalPendingApproval {
		t.Fatalf("after review: %s", p.Status)
	}
}

func TestHandlerListPermitsByRole(t *testing.T) {
	h, _ := newTestHandler(t)
	doJSON(t, h, http.MethodPost, "/api/v1/permits", createBody(), nil)
	doJSON(t, h, http.MethodPost, "/api/v1/permits", createBody(), nil)

	rec := doJSON(t, h, http.MethodGet, "/api/v1/permits", nil, identityHeaders(domain.RoleReviewer, reviewer))
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var out struct {
		Permits []domain.Permit `json:"permits"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Permits) != 2 {
		t.Fatalf("permit count = %d", len(out.Permits))
	}
	if out.Permits[0].PermitID != "WP-1002" || out.Permits[1].PermitID != "WP-1001" {
		t.Fatalf("order = %s, %s", out.Permits[0].PermitID, out.Permits[1].PermitID)
	}
}

func TestHandlerUserEndpoints(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/users",
		map[string]any{"name": "Asha", "email": "asha@example.com", "role": "reviewer"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("put user status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodGet, "/api/v1/users?role=reviewer", nil, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "asha@example.com") {
		t.Fatalf("list users = %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodDelete, "/api/v1/users/asha@example.com", nil, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete user status = %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodGet, "/api/v1/users/asha@example.com", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get deleted user status = %d", rec.Code)
	}
}

func TestHandlerMalformedBody(t *testing.T) {
	h, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/permits", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body status = %d", rec.Code)
	}
}
