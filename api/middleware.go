/*
middleware.go - Request logging, rate limiting and actor resolution

PURPOSE:
  The per-request plumbing that sits in front of every handler.

ACTOR RESOLUTION:
  With a JWT secret configured, every /api request needs
  "Authorization: Bearer <token>" signed with HMAC. The subject becomes
  the actor stamped on entries, and the "role" claim decides admin access.

  Without a secret (local development) the X-Actor-ID header names the
  actor, falling back to "system", and admin routes are open.

RATE LIMITING:
  One ulule/limiter bucket per client IP. The limiter store is in-memory,
  so limits are per process.

SEE ALSO:
  - server.go: Middleware order
  - logging/logging.go: Request-scoped logger
*/
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/ulule/limiter/v3"

	"github.com/zeroprint/healcoin/ledger"
	"github.com/zeroprint/healcoin/logging"
)

const (
	// RoleAdmin grants void, close-on-behalf and reconciliation runs.
	RoleAdmin = "admin"

	actorHeader = "X-Actor-ID"
)

// =============================================================================
// REQUEST LOGGING
// =============================================================================

// RequestLogger injects a logger carrying the request id, method and path
// into the request context and logs completion with status and latency.
// It must run after middleware.RequestID.
func RequestLogger(base *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			requestID := middleware.GetReqID(r.Context())
			if requestID == "" {
				requestID = uuid.NewString()
			}

			logger := base.With(
				slog.String("request_id", requestID),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
			)
			w.Header().Set("X-Request-ID", requestID)

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(logging.WithLogger(r.Context(), logger)))

			logger.Info("request completed",
				slog.Int("status", ww.Status()),
				slog.Duration("latency", time.Since(start)),
			)
		})
	}
}

// =============================================================================
// RATE LIMITING
// =============================================================================

// RateLimit rejects clients that exceeded lim with 429.
func RateLimit(lim *limiter.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger := logging.FromContext(r.Context(), nil)
			key := lim.GetIPKey(r)

			result, err := lim.Get(r.Context(), key)
			if err != nil {
				logger.Error("rate limit check failed", slog.String("ip", key), slog.String("error", err.Error()))
				writeError(w, http.StatusInternalServerError, "Rate limit check failed", err)
				return
			}
			if result.Reached {
				logger.Warn("rate limit exceeded", slog.String("ip", key), slog.Int64("limit", result.Limit))
				w.Header().Set("Retry-After", retryAfter(time.Unix(result.Reset, 0)))
				writeErrorCode(w, http.StatusTooManyRequests, "Too many requests. Please try again later.", "rate_limited", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// =============================================================================
// ACTOR RESOLUTION
// =============================================================================

// Principal is the caller behind a request.
type Principal struct {
	ID   string
	Role string

	// Verified is true when the identity came from a signed token.
	Verified bool
}

// Claims are the JWT claims the API reads.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the caller resolved by Authenticate. Requests
// that never passed through it act as the system.
func PrincipalFromContext(ctx context.Context) Principal {
	if p, ok := ctx.Value(principalKey{}).(Principal); ok {
		return p
	}
	return Principal{ID: ledger.ActorSystem}
}

// Authenticate resolves the caller. An empty secret disables token checks.
func Authenticate(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				actor := strings.TrimSpace(r.Header.Get(actorHeader))
				if actor == "" {
					actor = ledger.ActorSystem
				}
				next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), Principal{ID: actor})))
				return
			}

			logger := logging.FromContext(r.Context(), nil)
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				logger.Warn("authorization header missing")
				writeErrorCode(w, http.StatusUnauthorized, "Authorization header required", "unauthorized", nil)
				return
			}
			scheme, tokenString, ok := strings.Cut(authHeader, " ")
			if !ok || !strings.EqualFold(scheme, "bearer") || tokenString == "" {
				logger.Warn("authorization header format invalid")
				writeErrorCode(w, http.StatusUnauthorized, "Authorization header format must be Bearer {token}", "unauthorized", nil)
				return
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, errors.New("unexpected signing method")
				}
				return []byte(secret), nil
			})
			if err != nil || !token.Valid {
				msg := "Invalid token"
				switch {
				case errors.Is(err, jwt.ErrTokenExpired):
					msg = "Token has expired"
				case errors.Is(err, jwt.ErrTokenNotValidYet):
					msg = "Token not valid yet"
				}
				logger.Warn("invalid token", slog.Any("error", err))
				writeErrorCode(w, http.StatusUnauthorized, msg, "unauthorized", nil)
				return
			}
			if claims.Subject == "" {
				logger.Warn("token has no subject")
				writeErrorCode(w, http.StatusUnauthorized, "Invalid token claims", "unauthorized", nil)
				return
			}

			p := Principal{ID: claims.Subject, Role: claims.Role, Verified: true}
			ctx := withPrincipal(r.Context(), p)
			ctx = logging.WithLogger(ctx, logger.With(slog.String("actor", p.ID)))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin rejects verified callers without the admin role. Unverified
// callers only exist when token checks are disabled, and pass.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := PrincipalFromContext(r.Context())
		if p.Verified && p.Role != RoleAdmin {
			logging.FromContext(r.Context(), nil).Warn("admin route denied", slog.String("actor", p.ID))
			writeErrorCode(w, http.StatusForbidden, "Admin role required", "forbidden", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
