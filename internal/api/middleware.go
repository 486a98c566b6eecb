/**
 * @description
 * Authentication and rate-limit middleware. Callers present an HS256 bearer token
 * whose `sub` claim is the staff member's UUID.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: For token parsing and validation.
 */

package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ActorContextKey is a custom type for the context key to avoid collisions.
type ActorContextKey string

const actorIDKey ActorContextKey = "actorID"

// JWTAuthMiddleware validates the bearer token and stores the actor id in the
// request context.
func JWTAuthMiddleware(secret, issuer string) func(http.Handler) http.Handler {
	key := []byte(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(key) == 0 {
				writeError(w, http.StatusUnauthorized, "authentication is not configured")
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "authorization header required")
				return
			}
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				writeError(w, http.StatusUnauthorized, "invalid authorization header format")
				return
			}

			options := []jwt.ParserOption{
				jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
				jwt.WithExpirationRequired(),
			}
			if issuer != "" {
				options = append(options, jwt.WithIssuer(issuer))
			}
			claims := &jwt.RegisteredClaims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
				return key, nil
			}, options...)
			if err != nil || !token.Valid {
				log.Printf("level=warn component=api msg=\"token rejected\" err=%v", err)
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			actorID, err := uuid.Parse(claims.Subject)
			if err != nil || actorID == uuid.Nil {
				writeError(w, http.StatusUnauthorized, "token subject is not a valid actor id")
				return
			}

			ctx := context.WithValue(r.Context(), actorIDKey, actorID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ActorIDFromContext returns the authenticated actor id.
func ActorIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	actorID, ok := ctx.Value(actorIDKey).(uuid.UUID)
	return actorID, ok
}

// IssueToken signs a token for actorID. Used by tests and local tooling.
func IssueToken(secret, issuer string, actorID uuid.UUID, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   actorID.String(),
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// pinRateLimit caps PIN submissions per actor per minute. Limiter errors fail open;
// the attempt counter still bounds guessing.
func (h *Handlers) pinRateLimit(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actorID, ok := ActorIDFromContext(r.Context())
			if !ok || h.limiter == nil || h.pinRateLimitPerMinute <= 0 {
				next.ServeHTTP(w, r)
				return
			}
			count, retryAfter, err := h.limiter.ConsumeRateLimit(r.Context(), scope, actorID.String(), h.pinRateLimitPerMinute, time.Minute)
			if err != nil {
				log.Printf("level=warn component=api msg=\"rate limiter unavailable; allowing request\" scope=%s err=%v", scope, err)
				next.ServeHTTP(w, r)
				return
			}
			if count > h.pinRateLimitPerMinute {
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeError(w, http.StatusTooManyRequests, "too many pin attempts; try again later")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
