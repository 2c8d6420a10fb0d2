package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/soaringjerry/intake/internal/models"
	"github.com/soaringjerry/intake/internal/services"
)

type originRequest struct {
	Origin string `json:"origin"`
}

func (h *handler) listOrigins(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"allowed": h.svc.AllowList.Get()})
}

func (h *handler) originFromBody(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req originRequest
	if err := decode(r, &req); err != nil {
		writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
		return "", false
	}
	if req.Origin == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "origin required"})
		return "", false
	}
	return req.Origin, true
}

func (h *handler) writeOrigins(w http.ResponseWriter, allowed []string, err error) {
	if err != nil {
		writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"allowed": allowed})
}

func (h *handler) addOrigin(w http.ResponseWriter, r *http.Request) {
	origin, ok := h.originFromBody(w, r)
	if !ok {
		return
	}
	allowed, err := h.svc.AllowList.Add(origin)
	h.writeOrigins(w, allowed, err)
}

func (h *handler) removeOrigin(w http.ResponseWriter, r *http.Request) {
	origin, ok := h.originFromBody(w, r)
	if !ok {
		return
	}
	allowed, err := h.svc.AllowList.Remove(origin)
	h.writeOrigins(w, allowed, err)
}

func (h *handler) resetOrigins(w http.ResponseWriter, _ *http.Request) {
	allowed, err := h.svc.AllowList.Reset()
	h.writeOrigins(w, allowed, err)
}

func (h *handler) history(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		h.fail(w, r, services.NewInvalidError("invalid submission id"))
		return
	}
	entries, err := h.svc.History.ListHistory(r.Context(), uint(id))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []*models.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"submissionId": id, "history": entries})
}

// runNudges triggers one reminder pass. ?dryRun=true reports without sending.
func (h *handler) runNudges(w http.ResponseWriter, r *http.Request) {
	svc := h.svc.Reminders
	if dry, _ := strconv.ParseBool(r.URL.Query().Get("dryRun")); dry {
		svc = svc.DryRun()
	}
	report, err := svc.RunOnce(r.Context())
	if err != nil {
		h.log.Warn("manual nudge run finished with errors")
		writeJSON(w, http.StatusOK, map[string]any{"report": report, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"report": report})
}
