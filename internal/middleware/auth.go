package middleware

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const AdminKeyHeader = "X-Admin-Key"

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// AdminKey guards the admin surface with a single shared secret. The secret
// is only kept as a bcrypt hash. With no key configured every request gets 503.
func AdminKey(key string, log *zap.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	var hash []byte
	if key != "" {
		var err error
		if hash, err = bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost); err != nil {
			log.Error("hash admin key; admin routes disabled", zap.Error(err))
			hash = nil
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if hash == nil {
				writeError(w, http.StatusServiceUnavailable, "admin key not configured")
				return
			}
			provided := r.Header.Get(AdminKeyHeader)
			if provided == "" || bcrypt.CompareHashAndPassword(hash, []byte(provided)) != nil {
				log.Warn("unauthorized admin access attempt", zap.String("remote", r.RemoteAddr), zap.String("path", r.URL.Path))
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
