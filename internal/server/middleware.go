package server

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

const apiKeyHeader = "x-api-key"

// requireAdminAPI middleware protects admin endpoints with the shared admin key.
func (s *Server) requireAdminAPI(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		adminAPIKey := s.config.AdminAPIKey

		// If no API key is set, block all admin requests
		if adminAPIKey == "" {
			s.log.Warn("Admin API accessed but no admin key configured")
			s.respondError(w, http.StatusForbidden, "Admin API is disabled. Set ADMIN_API_KEY to enable.")
			return
		}

		key := r.Header.Get(apiKeyHeader)
		if key == "" {
			s.respondError(w, http.StatusUnauthorized, "Missing "+apiKeyHeader+" header")
			return
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(adminAPIKey)) != 1 {
			s.log.Warn("Invalid admin API key attempt", "remote_addr", r.RemoteAddr)
			s.respondError(w, http.StatusUnauthorized, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requestLogger logs each request through the server's structured logger.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// securityHeaders adds security headers to all responses
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// noCache adds headers to prevent caching of polled endpoints
func noCache(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")

		next.ServeHTTP(w, r)
	})
}
