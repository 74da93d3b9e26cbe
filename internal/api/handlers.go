package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/het0814/SD-voice-ai-service/internal/model"
	"github.com/het0814/SD-voice-ai-service/internal/review"
	"github.com/het0814/SD-voice-ai-service/internal/store"
	"github.com/het0814/SD-voice-ai-service/internal/telephony"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

type page struct {
	limit  int
	offset int
}

func parsePage(r *http.Request) (page, error) {
	p := page{limit: defaultPageSize}
	var err error
	if p.limit, err = queryInt(r, "limit", defaultPageSize); err != nil {
		return p, err
	}
	if p.offset, err = queryInt(r, "offset", 0); err != nil {
		return p, err
	}
	if p.limit <= 0 || p.limit > maxPageSize {
		return p, eris.Wrapf(model.ErrValidation, "limit must be between 1 and %d", maxPageSize)
	}
	if p.offset < 0 {
		return p, eris.Wrap(model.ErrValidation, "offset must be >= 0")
	}
	return p, nil
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, eris.Wrapf(model.ErrValidation, "%s must be an integer", name)
	}
	return n, nil
}

func actorOf(r *http.Request) string {
	if a := strings.TrimSpace(r.Header.Get(ActorHeader)); a != "" {
		return a
	}
	return "api"
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeProblem(w, r, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Store.Ping(r.Context()); err != nil {
		zap.L().Warn("api: health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Specialists

func (h *Handler) handleListSpecialists(w http.ResponseWriter, r *http.Request) {
	p, err := parsePage(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	verifiedOnly, _ := strconv.ParseBool(r.URL.Query().Get("verified_only"))
	specialists, err := h.svc.Directory.List(r.Context(), store.SpecialistFilter{
		Specialty:    r.URL.Query().Get("specialty"),
		VerifiedOnly: verifiedOnly,
		Limit:        p.limit,
		Offset:       p.offset,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"specialists": specialists, "count": len(specialists)})
}

func (h *Handler) handleCreateSpecialist(w http.ResponseWriter, r *http.Request) {
	var sp model.Specialist
	if !decodeBody(w, r, &sp) {
		return
	}
	created, err := h.svc.Directory.Create(r.Context(), &sp, actorOf(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) handleGetSpecialist(w http.ResponseWriter, r *http.Request) {
	sp, err := h.svc.Directory.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sp)
}

func (h *Handler) handleDeleteSpecialist(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Directory.Delete(r.Context(), chi.URLParam(r, "id"), actorOf(r)); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSpecialistCalls(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.svc.Directory.Get(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	p, err := parsePage(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	calls, err := h.svc.Store.ListCalls(r.Context(), store.CallFilter{
		SpecialistID: id,
		Newest:       true,
		Limit:        p.limit,
		Offset:       p.offset,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"calls": calls, "count": len(calls)})
}

func (h *Handler) handleSpecialistUpdates(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.svc.Directory.Get(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	p, err := parsePage(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := model.UpdateStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		writeError(w, r, eris.Wrapf(model.ErrValidation, "unknown update status %q", status))
		return
	}
	updates, err := h.svc.Store.ListUpdates(r.Context(), store.UpdateFilter{
		SpecialistID: id,
		FieldName:    r.URL.Query().Get("field"),
		Status:       status,
		Limit:        p.limit,
		Offset:       p.offset,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"updates": updates, "count": len(updates)})
}

func (h *Handler) handleSpecialistAudit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := parsePage(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	entries, err := h.svc.Store.ListAudit(r.Context(), store.AuditFilter{
		EntityType: model.EntitySpecialist,
		EntityID:   id,
		Limit:      p.limit,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

// Calls

func (h *Handler) handleListCalls(w http.ResponseWriter, r *http.Request) {
	p, err := parsePage(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var statuses []model.CallStatus
	for _, raw := range r.URL.Query()["status"] {
		for _, s := range strings.Split(raw, ",") {
			cs := model.CallStatus(strings.TrimSpace(s))
			if !cs.Valid() {
				writeError(w, r, eris.Wrapf(model.ErrValidation, "unknown call status %q", cs))
				return
			}
			statuses = append(statuses, cs)
		}
	}
	calls, err := h.svc.Store.ListCalls(r.Context(), store.CallFilter{
		SpecialistID: r.URL.Query().Get("specialist_id"),
		Statuses:     statuses,
		Newest:       true,
		Limit:        p.limit,
		Offset:       p.offset,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"calls": calls, "count": len(calls)})
}

func (h *Handler) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Collector.Collect(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleInitiateCall(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.Orchestrator.InitiateNow(r.Context(), chi.URLParam(r, "specialist_id"), actorOf(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, c)
}

func (h *Handler) handleGetCall(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.Store.GetCall(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) handleAbortCall(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.Machine.Abort(r.Context(), chi.URLParam(r, "id"), actorOf(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) handleTelephonyEvent(w http.ResponseWriter, r *http.Request) {
	var ev telephony.Event
	if !decodeBody(w, r, &ev) {
		return
	}
	c, err := h.svc.Orchestrator.HandleEvent(r.Context(), ev)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// Review queue

func (h *Handler) handleReviewQueue(w http.ResponseWriter, r *http.Request) {
	p, err := parsePage(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	updates, err := h.svc.Review.Pending(r.Context(), review.Filter{
		SpecialistID: r.URL.Query().Get("specialist_id"),
		Limit:        p.limit,
		Offset:       p.offset,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"updates": updates, "count": len(updates)})
}

func (h *Handler) handleGetUpdate(w http.ResponseWriter, r *http.Request) {
	u, err := h.svc.Review.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

type reviewRequest struct {
	Reviewer string `json:"reviewer"`
	Reason   string `json:"reason,omitempty"`
}

func (req reviewRequest) validate() error {
	if strings.TrimSpace(req.Reviewer) == "" {
		return eris.Wrap(model.ErrValidation, "reviewer is required")
	}
	return nil
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	sp, err := h.svc.Review.Approve(r.Context(), id, req.Reviewer)
	if err != nil {
		writeError(w, r, err)
		return
	}
	u, err := h.svc.Review.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"update": u, "specialist": sp})
}

func (h *Handler) handleReject(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, r, err)
		return
	}
	u, err := h.svc.Review.Reject(r.Context(), chi.URLParam(r, "id"), req.Reviewer, req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"update": u})
}
