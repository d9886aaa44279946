package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/tulkenz-ims/be-ops-approvals/internal/engine"
	"github.com/tulkenz-ims/be-ops-approvals/internal/metrics"
	"github.com/tulkenz-ims/be-ops-approvals/internal/platform/errors"
	"github.com/tulkenz-ims/be-ops-approvals/internal/platform/logger"
	"github.com/tulkenz-ims/be-ops-approvals/internal/platform/middleware"
	"github.com/tulkenz-ims/be-ops-approvals/internal/schema"
	"github.com/tulkenz-ims/be-ops-approvals/internal/service"
)

const maxBodyBytes = 1 << 20

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	approvals   *service.ApprovalService
	templates   *service.TemplateService
	delegations *service.DelegationService
	validator   *schema.Validator
	metrics     metrics.Recorder
	health      func(ctx context.Context) error
	log         *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler. health may be nil, in which
// case /health always reports ok.
func NewHTTPHandler(
	approvals *service.ApprovalService,
	templates *service.TemplateService,
	delegations *service.DelegationService,
	validator *schema.Validator,
	recorder metrics.Recorder,
	health func(ctx context.Context) error,
	log *logger.Logger,
) *HTTPHandler {
	if recorder == nil {
		recorder = metrics.Noop{}
	}
	return &HTTPHandler{
		approvals:   approvals,
		templates:   templates,
		delegations: delegations,
		validator:   validator,
		metrics:     recorder,
		health:      health,
		log:         log,
	}
}

// Register mounts every route on mux.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	h.route(mux, "/health", h.Health)

	h.route(mux, "/api/v1/chains", h.SubmitChain)
	h.route(mux, "/api/v1/chains/get", h.GetChain)
	h.route(mux, "/api/v1/chains/pending", h.PendingApprovals)
	h.route(mux, "/api/v1/chains/decide", h.Decide)
	h.route(mux, "/api/v1/chains/archive", h.ArchiveChain)
	h.route(mux, "/api/v1/chains/history", h.ChainHistory)
	h.route(mux, "/api/v1/resolve", h.ResolveChain)

	h.route(mux, "/api/v1/templates", h.Templates)
	h.route(mux, "/api/v1/templates/get", h.GetTemplate)
	h.route(mux, "/api/v1/templates/update", h.UpdateTemplate)
	h.route(mux, "/api/v1/templates/activate", h.activation(true))
	h.route(mux, "/api/v1/templates/deactivate", h.activation(false))
	h.route(mux, "/api/v1/templates/default", h.SetDefaultTemplate)
	h.route(mux, "/api/v1/templates/delete", h.DeleteTemplate)

	h.route(mux, "/api/v1/delegations", h.Delegations)
	h.route(mux, "/api/v1/delegations/get", h.GetDelegation)
	h.route(mux, "/api/v1/delegations/update", h.UpdateDelegation)
	h.route(mux, "/api/v1/delegations/deactivate", h.DeactivateDelegation)
	h.route(mux, "/api/v1/delegations/preview", h.PreviewDelegation)
}

func (h *HTTPHandler) route(mux *http.ServeMux, pattern string, fn http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		h.metrics.ObserveHTTPRequest(r.Method, pattern, rec.status, time.Since(start))
	})
}

// Health reports liveness and store connectivity.
func (h *HTTPHandler) Health(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ── Chains ────────────────────────────────────────────────────────────────────

// SubmitChain handles chain submission HTTP requests
func (h *HTTPHandler) SubmitChain(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req engine.Request
	if !h.decode(w, r, schema.Submission, &req) {
		return
	}
	inst, err := h.approvals.Submit(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

// ResolveChain builds a chain without persisting it.
func (h *HTTPHandler) ResolveChain(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req engine.Request
	if !h.decode(w, r, schema.Submission, &req) {
		return
	}
	inst, err := h.approvals.Resolve(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// GetChain handles chain snapshot HTTP requests
func (h *HTTPHandler) GetChain(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	id, ok := requireQuery(w, r, "id")
	if !ok {
		return
	}
	inst, err := h.approvals.GetChain(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// PendingApprovals lists the chains waiting on a user.
func (h *HTTPHandler) PendingApprovals(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	pending, err := h.approvals.PendingFor(r.Context(), r.URL.Query().Get("user_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pending": pending,
		"total":   len(pending),
	})
}

type decideRequest struct {
	ChainID      string          `json:"chain_id"`
	StepOrder    int             `json:"step_order"`
	ActingUserID string          `json:"acting_user_id"`
	Decision     engine.Decision `json:"decision"`
	Comment      string          `json:"comment"`
	ActedAt      time.Time       `json:"acted_at"`
}

type decideResponse struct {
	Chain          *engine.ChainInstance `json:"chain"`
	Entry          engine.ChainEntry     `json:"entry"`
	Changed        bool                  `json:"changed"`
	PreviousStatus engine.ChainStatus    `json:"previous_status,omitempty"`
	Changes        []engine.StatusChange `json:"changes,omitempty"`
}

// Decide handles approve and reject HTTP requests
func (h *HTTPHandler) Decide(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req decideRequest
	if !h.decode(w, r, schema.Decision, &req) {
		return
	}
	res, err := h.approvals.Decide(r.Context(), req.ChainID, engine.DecisionInput{
		StepOrder:    req.StepOrder,
		ActingUserID: req.ActingUserID,
		Decision:     req.Decision,
		Comment:      req.Comment,
		ActedAt:      req.ActedAt,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, decideResponse{
		Chain:          res.Chain,
		Entry:          res.Outcome.Entry,
		Changed:        res.Outcome.Changed,
		PreviousStatus: res.Outcome.PreviousStatus,
		Changes:        res.Outcome.Changes,
	})
}

// ArchiveChain handles archive HTTP requests
func (h *HTTPHandler) ArchiveChain(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req struct {
		ID         string `json:"id"`
		ArchivedBy string `json:"archived_by"`
	}
	if err := readJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.ID == "" {
		h.writeError(w, r, errors.InvalidInput("id", "is required"))
		return
	}
	inst, err := h.approvals.Archive(r.Context(), req.ID, req.ArchivedBy)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// ChainHistory returns the audit trail of a chain.
func (h *HTTPHandler) ChainHistory(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	id, ok := requireQuery(w, r, "id")
	if !ok {
		return
	}
	entries, err := h.approvals.History(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chain_id": id, "entries": entries})
}

// ── Templates ─────────────────────────────────────────────────────────────────

// Templates lists templates on GET and creates one on POST.
func (h *HTTPHandler) Templates(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		activeOnly, _ := strconv.ParseBool(q.Get("active_only"))
		list, err := h.templates.List(r.Context(), engine.Category(q.Get("category")), activeOnly)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"templates": list, "total": len(list)})
	case http.MethodPost:
		var tmpl engine.WorkflowTemplate
		if !h.decode(w, r, schema.Template, &tmpl) {
			return
		}
		created, err := h.templates.Create(r.Context(), &tmpl)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	default:
		methodNotAllowed(w)
	}
}

// GetTemplate handles get template HTTP requests
func (h *HTTPHandler) GetTemplate(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	id, ok := requireQuery(w, r, "id")
	if !ok {
		return
	}
	tmpl, err := h.templates.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tmpl)
}

// UpdateTemplate replaces a template's definition and bumps its version.
func (h *HTTPHandler) UpdateTemplate(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost, http.MethodPut) {
		return
	}
	id, ok := requireQuery(w, r, "id")
	if !ok {
		return
	}
	var tmpl engine.WorkflowTemplate
	if !h.decode(w, r, schema.Template, &tmpl) {
		return
	}
	tmpl.ID = id
	updated, err := h.templates.Update(r.Context(), &tmpl)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *HTTPHandler) activation(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !allow(w, r, http.MethodPost) {
			return
		}
		id, ok := requireQuery(w, r, "id")
		if !ok {
			return
		}
		tmpl, err := h.templates.SetActive(r.Context(), id, active)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, tmpl)
	}
}

// SetDefaultTemplate makes a template its category's default.
func (h *HTTPHandler) SetDefaultTemplate(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	id, ok := requireQuery(w, r, "id")
	if !ok {
		return
	}
	tmpl, err := h.templates.SetDefault(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tmpl)
}

// DeleteTemplate handles delete template HTTP requests
func (h *HTTPHandler) DeleteTemplate(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost, http.MethodDelete) {
		return
	}
	id, ok := requireQuery(w, r, "id")
	if !ok {
		return
	}
	if err := h.templates.Delete(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Delegations ───────────────────────────────────────────────────────────────

// Delegations lists a delegator's rules on GET and creates one on POST.
func (h *HTTPHandler) Delegations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		rules, err := h.delegations.List(r.Context(), r.URL.Query().Get("from_user_id"))
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"delegations": rules, "total": len(rules)})
	case http.MethodPost:
		var rule engine.DelegationRule
		if !h.decode(w, r, schema.Delegation, &rule) {
			return
		}
		created, err := h.delegations.Create(r.Context(), rule)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	default:
		methodNotAllowed(w)
	}
}

// GetDelegation handles get delegation HTTP requests
func (h *HTTPHandler) GetDelegation(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	id, ok := requireQuery(w, r, "id")
	if !ok {
		return
	}
	rule, err := h.delegations.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// UpdateDelegation handles update delegation HTTP requests
func (h *HTTPHandler) UpdateDelegation(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost, http.MethodPut) {
		return
	}
	id, ok := requireQuery(w, r, "id")
	if !ok {
		return
	}
	var rule engine.DelegationRule
	if !h.decode(w, r, schema.Delegation, &rule) {
		return
	}
	rule.ID = id
	updated, err := h.delegations.Update(r.Context(), rule)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// DeactivateDelegation handles deactivate delegation HTTP requests
func (h *HTTPHandler) DeactivateDelegation(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	id, ok := requireQuery(w, r, "id")
	if !ok {
		return
	}
	rule, err := h.delegations.Deactivate(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

type previewResponse struct {
	NominalUserID   string                 `json:"nominal_user_id"`
	EffectiveUserID string                 `json:"effective_user_id"`
	Delegated       bool                   `json:"delegated"`
	Rule            *engine.DelegationRule `json:"rule,omitempty"`
	Warning         string                 `json:"warning,omitempty"`
}

// PreviewDelegation reports who would act for a user on a date.
func (h *HTTPHandler) PreviewDelegation(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query()
	var asOf engine.Date
	if raw := q.Get("date"); raw != "" {
		d, err := engine.ParseDate(raw)
		if err != nil {
			h.writeError(w, r, errors.InvalidInput("date", "expected YYYY-MM-DD"))
			return
		}
		asOf = d
	}
	res, err := h.delegations.PreviewEffectiveApprover(r.Context(), q.Get("user_id"), asOf, q.Get("workflow_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := previewResponse{
		NominalUserID:   res.NominalUserID,
		EffectiveUserID: res.EffectiveUserID,
		Delegated:       res.Delegated(),
		Rule:            res.Rule,
	}
	if res.Warning != nil {
		out.Warning = res.Warning.Error()
	}
	writeJSON(w, http.StatusOK, out)
}

// ── Plumbing ──────────────────────────────────────────────────────────────────

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (s *statusWriter) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// decode reads the body, checks it against the named schema and unmarshals
// it into v. It writes the error response itself and reports success.
func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, schemaName string, v any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, r, errors.InvalidInput("body", err.Error()))
		return false
	}
	if err := h.validator.Validate(schemaName, body); err != nil {
		h.writeError(w, r, err)
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		h.writeError(w, r, errors.InvalidInput("body", err.Error()))
		return false
	}
	return true
}

func readJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v); err != nil {
		return errors.InvalidInput("body", "Invalid request body")
	}
	return nil
}

type errorResponse struct {
	Error     string      `json:"error"`
	Code      errors.Code `json:"code"`
	RequestID string      `json:"request_id,omitempty"`
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errors.HTTPStatus(err)
	ev := h.log.Warn()
	if status >= http.StatusInternalServerError {
		ev = h.log.Error()
	}
	ev.Err(err).
		Str("request_id", middleware.RequestIDFromContext(r.Context())).
		Str("path", r.URL.Path).
		Int("status", status).
		Msg("Request failed")

	writeJSON(w, status, errorResponse{
		Error:     err.Error(),
		Code:      errors.CodeOf(err),
		RequestID: middleware.RequestIDFromContext(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func allow(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	methodNotAllowed(w)
	return false
}

func methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "Method not allowed", Code: errors.ErrCodeInvalidInput})
}

func requireQuery(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error: "invalid " + name + ": is required",
			Code:  errors.ErrCodeInvalidInput,
		})
		return "", false
	}
	return v, true
}
