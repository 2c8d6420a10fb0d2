// Package api exposes the intake services over HTTP.
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/soaringjerry/intake/internal/logging"
	"github.com/soaringjerry/intake/internal/middleware"
	"github.com/soaringjerry/intake/internal/models"
	"github.com/soaringjerry/intake/internal/services"
)

const maxBodyBytes = 50 << 20

// HistoryReader reads a submission's audit trail.
type HistoryReader interface {
	ListHistory(ctx context.Context, submissionID uint) ([]*models.HistoryEntry, error)
}

// Services bundles the collaborators the handlers call into.
type Services struct {
	Registration *services.RegistrationService
	Survey       *services.SurveyService
	StepB        *services.StepBService
	Reminders    *services.ReminderService
	AllowList    *services.AllowList
	History      HistoryReader
	// Ping reports storage health; nil skips the check.
	Ping         func(ctx context.Context) error
}

type Options struct {
	Env        string
	AdminKey   string
	StaticDir  string
	ConnectSrc []string
	Log        *zap.Logger
	Now        func() time.Time
}

type handler struct {
	svc Services
	env string
	log *zap.Logger
	now func() time.Time
}

// NewRouter wires every route behind the shared middleware chain.
func NewRouter(svc Services, opts Options) http.Handler {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	if svc.AllowList == nil {
		svc.AllowList, _ = services.NewAllowList(nil, "", log)
	}
	h := &handler{svc: svc, env: opts.Env, log: log, now: now}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLog(log.Named("http")))
	r.Use(middleware.SecureHeaders(opts.ConnectSrc...))
	r.Use(middleware.NoStore)
	r.Use(middleware.CORS(svc.AllowList))
	r.Use(limitBody)

	r.Get("/health", h.health)
	r.Post("/api/submit-form", h.submitWebForm)
	r.Post("/api/sms-webhook", h.smsWebhook)
	r.Post("/sms", h.smsWebhook)

	r.Route("/api/form", func(fr chi.Router) {
		fr.Post("/initial-submit", h.initialSubmit)
		fr.Post("/register", h.register)
		fr.Post("/presign", h.presign)
		fr.Post("/submit", h.submitStepB)
		fr.Post("/resend-stepb", h.resendStepB)
		fr.Get("/status", h.stepBStatus)
	})

	r.Route("/api/admin", func(ar chi.Router) {
		ar.Use(middleware.AdminKey(opts.AdminKey, log.Named("admin")))
		ar.Get("/cors", h.listOrigins)
		ar.Post("/cors", h.addOrigin)
		ar.Delete("/cors", h.removeOrigin)
		ar.Post("/cors/reset", h.resetOrigins)
		ar.Get("/submissions/{id}/history", h.history)
		ar.Post("/nudges/run", h.runNudges)
	})

	if opts.StaticDir != "" {
		files := http.FileServer(http.Dir(opts.StaticDir))
		r.Get("/stepb.html", func(w http.ResponseWriter, req *http.Request) {
			tok := req.URL.Query().Get("token")
			if tok == "" {
				tok = req.Header.Get("X-StepB-Token")
			}
			log.Info("step-b link opened",
				zap.String("token_prefix", logging.TokenPrefix(tok)),
				zap.String("remote", req.RemoteAddr),
				zap.String("user_agent", req.UserAgent()))
			files.ServeHTTP(w, req)
		})
		r.Handle("/*", files)
	}
	return r
}

func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok", "time": h.now().Format(time.RFC3339), "env": h.env}
	if h.svc.Ping != nil {
		if err := h.svc.Ping(r.Context()); err != nil {
			h.log.Error("health check failed", zap.Error(err))
			body["status"] = "degraded"
			writeJSON(w, http.StatusServiceUnavailable, body)
			return
		}
	}
	writeJSON(w, http.StatusOK, body)
}

// stepBToken finds the capability token in the body, the query string, the
// X-StepB-Token header or a bearer Authorization header, in that order.
func stepBToken(r *http.Request, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	if q := r.URL.Query().Get("token"); q != "" {
		return q
	}
	if hdr := r.Header.Get("X-StepB-Token"); hdr != "" {
		return hdr
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		if _, tok, ok := strings.Cut(auth, " "); ok {
			return strings.TrimSpace(tok)
		}
	}
	return ""
}
