package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/soaringjerry/intake/internal/services"
)

const emptyTwiML = "<Response></Response>"

// smsWebhook receives inbound texts from the provider. The reply is always an
// empty TwiML document; outbound messages go through the messenger instead.
func (h *handler) smsWebhook(w http.ResponseWriter, r *http.Request) {
	defer func() {
		w.Header().Set("Content-Type", "text/xml")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(emptyTwiML))
	}()
	if err := r.ParseForm(); err != nil {
		h.log.Warn("sms webhook: bad form", zap.Error(err))
		return
	}
	from, body := r.PostForm.Get("From"), r.PostForm.Get("Body")
	res, err := h.svc.Survey.HandleInbound(r.Context(), from, body)
	if err != nil {
		h.log.Error("sms webhook: inbound failed", zap.String("from_last4", services.Last4(from)), zap.Error(err))
		return
	}
	if !res.Matched {
		h.log.Info("sms webhook: no active survey", zap.String("from_last4", services.Last4(from)))
		return
	}
	h.log.Info("sms webhook: answer recorded",
		zap.Uint("submission_id", res.SubmissionID),
		zap.Int("step", res.Step),
		zap.Bool("completed", res.Completed))
}
