package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/sells-group/geoattend/internal/auth"
)

// authenticate verifies the bearer token and requires scope. Browsers
// cannot set headers on websocket upgrades, so the access_token query
// parameter is accepted too.
func (s *Server) authenticate(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if s.deps.Verifier == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := auth.BearerToken(r.Header.Get("Authorization"))
			if raw == "" {
				raw = r.URL.Query().Get("access_token")
			}
			claims, err := s.deps.Verifier.Verify(raw)
			if err != nil {
				msg := "invalid token"
				if errors.Is(err, auth.ErrMissingToken) {
					msg = "missing bearer token"
				}
				zap.L().Debug("api: unauthenticated request", zap.String("path", r.URL.Path), zap.Error(err))
				w.Header().Set("WWW-Authenticate", `Bearer realm="geoattend"`)
				writeError(w, http.StatusUnauthorized, msg)
				return
			}
			if !claims.HasScope(scope) {
				writeError(w, http.StatusForbidden, "token lacks scope "+scope)
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithClaims(r.Context(), claims)))
		})
	}
}

// authorizeTenant writes 403 and returns false when the caller's token is
// for another tenant. With authentication disabled every tenant is allowed.
func authorizeTenant(w http.ResponseWriter, r *http.Request, tenantID string) bool {
	claims := auth.FromContext(r.Context())
	if claims == nil || claims.TenantID == tenantID {
		return true
	}
	writeError(w, http.StatusForbidden, "token is not valid for this tenant")
	return false
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
