package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/crowdaid/crowdaid/internal/domain"
	"github.com/crowdaid/crowdaid/internal/security/audit"
	"github.com/crowdaid/crowdaid/internal/security/ratelimit"
)

type IdentityContextKey struct{}

// isPublic lists paths that carry no bearer header. The stream endpoint
// authenticates inside its own handshake.
func isPublic(path string) bool {
	return path == "/healthz" || path == "/readyz" || path == "/metrics" || path == "/ws"
}

func JWTMiddleware(resolver domain.IdentityResolver, log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublic(r.URL.Path) || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeJSONError(w, http.StatusUnauthorized, "missing auth")
				return
			}

			identity, err := resolver.Resolve(r.Context(), authHeader)
			if err != nil {
				log.Debug("rejected credential",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				writeJSONError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			ctx := WithIdentity(r.Context(), identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func RateLimitMiddleware(limiter *ratelimit.Limiter, log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublic(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			identity, _ := IdentityFromContext(r.Context())
			if !limiter.Allow(identity.UserID) {
				log.Warn("rate limit exceeded", slog.String("user_id", identity.UserID))
				writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func AuditMiddleware(auditLog *audit.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, _ := IdentityFromContext(r.Context())

			if r.Method != http.MethodGet && strings.HasPrefix(r.URL.Path, "/api/") {
				auditLog.LogAction(r.Context(), identity.UserID, strings.ToLower(r.Method), "api", r.URL.Path, "initiated", "")
			}

			next.ServeHTTP(w, r)
		})
	}
}

// WithIdentity stores the authenticated caller in ctx
func WithIdentity(ctx context.Context, identity domain.Identity) context.Context {
	return context.WithValue(ctx, IdentityContextKey{}, identity)
}

// IdentityFromContext returns the caller placed by JWTMiddleware
func IdentityFromContext(ctx context.Context) (domain.Identity, bool) {
	identity, ok := ctx.Value(IdentityContextKey{}).(domain.Identity)
	return identity, ok
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	errType := "UNAUTHORIZED"
	if status == http.StatusTooManyRequests {
		errType = "RATE_LIMITED"
	}
	writeTypedError(w, status, errType, msg)
}

// writeTypedError matches the handlers' {"error","type"} body
func writeTypedError(w http.ResponseWriter, status int, errType, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg, "type": errType})
}
