package permits

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"permitcore/internal/core"
	"permitcore/internal/render"
	"permitcore/pkg/domain"
)

// Identity headers set by the upstream authenticating proxy.
const (
	HeaderRole  = "X-Permit-Role"
	HeaderActor = "X-Permit-Actor"
)

// Handler provides HTTP access to the permit lifecycle service.
type Handler struct {
	Service *core.Service
	Exports ExportScheduler
}

// NewHandler constructs a permit HTTP handler.
func NewHandler(service *core.Service) *Handler {
	return &Handler{Service: service}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Service == nil {
		writeError(w, http.StatusInternalServerError, "permit service not configured")
		return
	}

	path := strings.TrimSuffix(r.URL.Path, "/")
	switch {
	case path == "/api/v1/permits":
		h.handlePermits(w, r)
	case strings.HasPrefix(path, "/api/v1/permits/"):
		h.handlePermit(w, r, strings.TrimPrefix(path, "/api/v1/permits/"))
	case path == "/api/v1/users":
		h.handleUsers(w, r)
	case strings.HasPrefix(path, "/api/v1/users/"):
		h.handleUser(w, r, strings.TrimPrefix(path, "/api/v1/users/"))
	case path == "/api/v1/exports":
		h.handleExportCreate(w, r)
	case strings.HasPrefix(path, "/api/v1/exports/"):
		h.handleExportGet(w, r, strings.TrimPrefix(path, "/api/v1/exports/"))
	default:
		http.NotFound(w, r)
	}
}

type createPermitRequest struct {
	WorkType       string         `json:"work_type"`
	RequesterEmail string         `json:"requester_email"`
	ReviewerEmail  string         `json:"reviewer_email"`
	ApproverEmail  string         `json:"approver_email"`
	ValidFrom      time.Time      `json:"valid_from"`
	ValidTo        time.Time      `json:"valid_to"`
	Fields         map[string]any `json:"fields,omitempty"`
	Attachment     *struct {
		Filename    string `json:"filename"`
		ContentType string `json:"content_type,omitempty"`
		Data        string `json:"data"` // base64
	} `json:"attachment,omitempty"`
}

func (h *Handler) handlePermits(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req createPermitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "malformed request body")
			return
		}
		input := core.CreatePermitInput{
			WorkType:       req.WorkType,
			RequesterEmail: req.RequesterEmail,
			ReviewerEmail:  req.ReviewerEmail,
			ApproverEmail:  req.ApproverEmail,
			ValidFrom:      req.ValidFrom,
			ValidTo:        req.ValidTo,
			Fields:         req.Fields,
		}
		if req.Attachment != nil {
			data, err := base64.StdEncoding.DecodeString(req.Attachment.Data)
			if err != nil {
				writeError(w, http.StatusBadRequest, "attachment data is not valid base64")
				return
			}
			input.Attachment = &core.AttachmentInput{
				Filename:    req.Attachment.Filename,
				ContentType: req.Attachment.ContentType,
				Data:        data,
			}
		}
		permit, result, err := h.Service.CreatePermit(r.Context(), input)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"permit": permit, "violations": result.Violations})
	case http.MethodGet:
		role, actor, ok := identity(w, r, false)
		if !ok {
			return
		}
		permits, err := h.Service.ListPermits(r.Context(), role, actor)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"permits": permits})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

type transitionRequest struct {
	Action  domain.Action  `json:"action"`
	Fields  map[string]any `json:"fields,omitempty"`
	Remarks string         `json:"remarks,omitempty"`
}

type renewalRequest struct {
	Action      domain.Action      `json:"action"`
	ValidFrom   time.Time          `json:"valid_from,omitempty"`
	ValidTo     time.Time          `json:"valid_to,omitempty"`
	Readings    domain.GasReadings `json:"readings,omitempty"`
	Precautions string             `json:"precautions,omitempty"`
	Note        string             `json:"note,omitempty"`
	Reason      string             `json:"reason,omitempty"`
}

func (h *Handler) handlePermit(w http.ResponseWriter, r *http.Request, remainder string) {
	segments := strings.Split(remainder, "/")
	permitID := segments[0]
	if permitID == "" {
		http.NotFound(w, r)
		return
	}

	if len(segments) == 1 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		permit, err := h.Service.GetSnapshot(r.Context(), permitID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"permit": permit})
		return
	}

	if len(segments) != 2 {
		http.NotFound(w, r)
		return
	}

	switch segments[1] {
	case "status":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		role, actor, ok := identity(w, r, true)
		if !ok {
			return
		}
		var req transitionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "malformed request body")
			return
		}
		permit, result, err := h.Service.TransitionStatus(r.Context(), core.TransitionInput{
			PermitID: permitID,
			Role:     role,
			Actor:    actor,
			Action:   req.Action,
			Fields:   req.Fields,
			Remarks:  req.Remarks,
		})
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"permit": permit, "violations": result.Violations})
	case "renewals":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		role, actor, ok := identity(w, r, true)
		if !ok {
			return
		}
		var req renewalRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "malformed request body")
			return
		}
		permit, result, err := h.Service.SubmitRenewal(r.Context(), core.RenewalInput{
			PermitID:    permitID,
			Role:        role,
			Actor:       actor,
			Action:      req.Action,
			ValidFrom:   req.ValidFrom,
			ValidTo:     req.ValidTo,
			Readings:    req.Readings,
			Precautions: req.Precautions,
			Note:        req.Note,
			Reason:      req.Reason,
		})
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"permit": permit, "violations": result.Violations})
	case "artifact":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		key := r.URL.Query().Get("key")
		reader, err := h.Service.AttachmentReader(r.Context(), permitID, key)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = io.Copy(w, reader)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) handleUsers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var user domain.User
		if err := json.NewDecoder(r.Body).Decode(&user); err != nil {
			writeError(w, http.StatusBadRequest, "malformed request body")
			return
		}
		stored, _, err := h.Service.PutUser(r.Context(), user)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"user": stored})
	case http.MethodGet:
		role := domain.Role(r.URL.Query().Get("role"))
		users, err := h.Service.ListUsersByRole(r.Context(), role)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"users": users})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *Handler) handleUser(w http.ResponseWriter, r *http.Request, email string) {
	switch r.Method {
	case http.MethodGet:
		user, err := h.Service.GetUser(r.Context(), email)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"user": user})
	case http.MethodDelete:
		if _, err := h.Service.DeleteUser(r.Context(), email); err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

type exportRequest struct {
	Format string `json:"format"`
}

func (h *Handler) handleExportCreate(w http.ResponseWriter, r *http.Request) {
	if h.Exports == nil {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	role, actor, ok := identity(w, r, false)
	if !ok {
		return
	}
	var req exportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	record, err := h.Exports.EnqueueExport(r.Context(), ExportInput{
		Format:      render.RegisterFormat(req.Format),
		Role:        role,
		Actor:       actor,
		RequestedBy: actor,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"export": record})
}

func (h *Handler) handleExportGet(w http.ResponseWriter, r *http.Request, id string) {
	if h.Exports == nil {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	record, ok := h.Exports.GetExport(id)
	if !ok {
		writeError(w, http.StatusNotFound, "export not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"export": record})
}

// identity extracts (role, actor) from the request headers. When required is
// true both must be present and the role must parse.
func identity(w http.ResponseWriter, r *http.Request, required bool) (domain.Role, string, bool) {
	roleHeader := r.Header.Get(HeaderRole)
	actor := r.Header.Get(HeaderActor)
	if roleHeader == "" && actor == "" && !required {
		return "", "", true
	}
	role, err := domain.ParseRole(roleHeader)
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing or unknown "+HeaderRole+" header")
		return "", "", false
	}
	if actor == "" {
		writeError(w, http.StatusBadRequest, "missing "+HeaderActor+" header")
		return "", "", false
	}
	return role, actor, true
}

func writeDomainError(w http.ResponseWriter, err error) {
	var (
		validation domain.ValidationError
		illegal    domain.IllegalTransitionError
		notFound   domain.NotFoundError
		conflict   domain.ConflictError
		collab     domain.CollaboratorError
		ruleErr    domain.RuleViolationError
	)
	switch {
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, validation.Error())
	case errors.As(err, &illegal):
		writeError(w, http.StatusConflict, illegal.Error())
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, notFound.Error())
	case errors.As(err, &conflict):
		writeError(w, http.StatusConflict, conflict.Error())
	case errors.As(err, &collab):
		writeError(w, http.StatusBadGateway, collab.Error())
	case errors.As(err, &ruleErr):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":      ruleErr.Error(),
			"violations": ruleErr.Result.Violations,
		})
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
