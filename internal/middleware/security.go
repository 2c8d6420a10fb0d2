package middleware

import (
	"net/http"
	"strings"
)

// SecureHeaders adds standard security headers. connectSrc extends the
// content security policy so browsers may PUT straight to object storage.
func SecureHeaders(connectSrc ...string) func(http.Handler) http.Handler {
	csp := strings.Join([]string{
		"default-src 'self'",
		"img-src 'self' data: blob:",
		strings.TrimSpace("connect-src 'self' " + strings.Join(connectSrc, " ")),
		"script-src 'self'",
		"style-src 'self' 'unsafe-inline'",
	}, "; ")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			w.Header().Set("Content-Security-Policy", csp)
			next.ServeHTTP(w, r)
		})
	}
}

// S3ConnectSources returns the CSP origins for direct uploads to bucket.
func S3ConnectSources(bucket, region string) []string {
	if bucket == "" {
		return nil
	}
	host := "https://" + bucket + ".s3.amazonaws.com"
	if region != "" {
		host = "https://" + bucket + ".s3." + region + ".amazonaws.com"
	}
	return []string{host, "https://*.s3.amazonaws.com"}
}
