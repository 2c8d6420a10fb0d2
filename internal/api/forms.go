package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/soaringjerry/intake/internal/logging"
	"github.com/soaringjerry/intake/internal/services"
)

func (h *handler) submitWebForm(w http.ResponseWriter, r *http.Request) {
	var req services.WebFormRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	resp, err := h.svc.Registration.SubmitWebForm(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) initialSubmit(w http.ResponseWriter, r *http.Request) {
	var req services.InitialSubmitRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	resp, err := h.svc.Registration.InitialSubmit(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) register(w http.ResponseWriter, r *http.Request) {
	var req services.RegisterRequest
	if err := decode(r, &req); err != nil {
		h.failRegister(w, r, err)
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}
	resp, err := h.svc.Registration.Register(r.Context(), req)
	if err != nil {
		h.failRegister(w, r, err)
		return
	}
	if resp.Replayed {
		h.log.Info("register replayed", zap.String("idempotency_key", req.IdempotencyKey))
	}
	writeJSON(w, http.StatusOK, resp)
}

type presignRequest struct {
	Token string                `json:"token"`
	Files []services.UploadFile `json:"files"`
}

func (h *handler) presign(w http.ResponseWriter, r *http.Request) {
	var req presignRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	out, err := h.svc.StepB.Presign(r.Context(), stepBToken(r, req.Token), req.Files)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "presigned": out})
}

type stepBSubmitRequest struct {
	Token string `json:"token"`
	services.StepBPayload
}

func (h *handler) submitStepB(w http.ResponseWriter, r *http.Request) {
	var req stepBSubmitRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	tok := stepBToken(r, req.Token)
	res, err := h.svc.StepB.Submit(r.Context(), tok, req.StepBPayload)
	if err != nil {
		h.log.Warn("step-b submit rejected", zap.String("token_prefix", logging.TokenPrefix(tok)), zap.Error(err))
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type resendRequest struct {
	Email string `json:"email"`
}

func (h *handler) resendStepB(w http.ResponseWriter, r *http.Request) {
	var req resendRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.svc.StepB.Resend(r.Context(), req.Email)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) stepBStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.StepB.Status(r.Context(), stepBToken(r, ""))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
