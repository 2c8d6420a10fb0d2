package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/soaringjerry/intake/internal/services"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func statusFor(err error) int {
	se, ok := services.AsServiceError(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch se.Code {
	case services.ErrorInvalid:
		return http.StatusBadRequest
	case services.ErrorNotFound:
		return http.StatusNotFound
	case services.ErrorConflict:
		return http.StatusConflict
	case services.ErrorUnauthorized, services.ErrorInvalidToken:
		return http.StatusUnauthorized
	case services.ErrorLimitExceeded:
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

// fail writes the {success:false,error} shape used by the form endpoints.
func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	body := map[string]any{"success": false, "error": err.Error()}
	if se, ok := services.AsServiceError(err); ok && len(se.IDs) > 0 {
		body["matches"] = se.IDs
	}
	writeJSON(w, status, body)
}

// failRegister writes the {status,message} shape the registration client expects.
func (h *handler) failRegister(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.log.Error("register failed", zap.Error(err))
	}
	if se, ok := services.AsServiceError(err); ok && se.Code == services.ErrorConflict {
		ids := se.IDs
		if ids == nil {
			ids = []uint{}
		}
		writeJSON(w, status, map[string]any{"status": "conflict", "message": se.Message, "matches": ids})
		return
	}
	writeJSON(w, status, map[string]any{"status": "error", "message": err.Error()})
}

// decode reads a JSON body. An empty body leaves dst untouched.
func decode(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return services.NewInvalidError("request body too large")
	}
	return services.NewInvalidError("invalid JSON body")
}
