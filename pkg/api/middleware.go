package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/Mindburn-Labs/rudder/pkg/ratelimit"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// RequestIDFrom returns the request id the middleware attached, or "".
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// RequestID assigns every request an id, honoring an inbound
// X-Request-ID so callers can correlate across systems.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// statusRecorder captures the response status for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Logging writes one structured line per request.
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.InfoContext(r.Context(), "http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", RequestIDFrom(r.Context()),
			)
		})
	}
}

// Recovery converts a handler panic into a 500 problem detail.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.ErrorContext(r.Context(), "handler panic",
						"panic", rec,
						"path", r.URL.Path,
						"stack", string(debug.Stack()),
					)
					WriteError(w, r, http.StatusInternalServerError,
						"Internal Server Error", "An unexpected error occurred.")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimit enforces the per-actor budget. The actor is the API key
// when one is presented, the client IP otherwise.
func RateLimit(store ratelimit.Store, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, err := store.Allow(r.Context(), actorID(r), 1)
			if err != nil {
				// Limiter backend down: let traffic through rather than
				// turning an outage into a full deny.
				logger.WarnContext(r.Context(), "rate limiter unavailable", "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				WriteTooManyRequests(w, r, 5)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func actorID(r *http.Request) string {
	if key := bearerToken(r); key != "" {
		return "key:" + key
	}
	if key := r.Header.Get("x-api-key"); key != "" {
		return "key:" + key
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.Trim(r.RemoteAddr, "[]")
	}
	return "ip:" + ip
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	parts := strings.SplitN(h, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return parts[1]
	}
	return ""
}

// AuthConfig carries the credentials the auth middleware accepts.
type AuthConfig struct {
	// APIKey enables static-key auth when non-empty.
	APIKey string
	// JWTSecret enables HMAC JWT auth when non-empty.
	JWTSecret string
}

// enabled reports whether any credential is configured.
func (c AuthConfig) enabled() bool { return c.APIKey != "" || c.JWTSecret != "" }

// publicPaths never require authentication.
var publicPaths = map[string]bool{
	"/healthz":    true,
	"/v1/metrics": true,
}

// Auth guards every non-public endpoint. A request passes with the
// static API key (bearer or x-api-key) or a valid HMAC JWT. With no
// credential configured, auth is disabled for local development.
func Auth(cfg AuthConfig, logger *slog.Logger) func(http.Handler) http.Handler {
	if !cfg.enabled() {
		logger.Warn("authentication disabled: no API key or JWT secret configured")
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.enabled() || publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			token := bearerToken(r)
			if token == "" {
				token = r.Header.Get("x-api-key")
			}
			if token == "" {
				WriteError(w, r, http.StatusUnauthorized, "Unauthorized", "Authentication required")
				return
			}

			if cfg.APIKey != "" && token == cfg.APIKey {
				next.ServeHTTP(w, r)
				return
			}
			if cfg.JWTSecret != "" && validJWT(token, cfg.JWTSecret) {
				next.ServeHTTP(w, r)
				return
			}
			WriteError(w, r, http.StatusUnauthorized, "Unauthorized", "Invalid credentials")
		})
	}
}

// validJWT verifies an HMAC-signed token against the shared secret.
func validJWT(tokenStr, secret string) bool {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	})
	return err == nil && token.Valid
}
