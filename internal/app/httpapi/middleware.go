package httpapi

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"
)

const sessionTTL = 12 * time.Hour

// openPaths are reachable without credentials.
var openPaths = map[string]bool{
	"/status":       true,
	"/doctor":       true,
	"/metrics":      true,
	"/auth/session": true,
}

type sessionClaims struct {
	jwt.RegisteredClaims
}

// authMiddleware accepts either the operator key (X-Operator-Key header or
// Bearer value) or a session JWT minted by /auth/session.
func (h *handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.opts.OperatorKey == "" || openPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		if key := r.Header.Get("X-Operator-Key"); key != "" {
			if subtle.ConstantTimeCompare([]byte(key), []byte(h.opts.OperatorKey)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
			writeError(w, http.StatusUnauthorized, fmt.Errorf("invalid operator key"))
			return
		}

		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			writeError(w, http.StatusUnauthorized, fmt.Errorf("missing authorization"))
			return
		}
		token := strings.TrimPrefix(authHeader, "Bearer ")

		// The raw operator key is accepted as a bearer value too, matching
		// the loopback plugin client.
		if subtle.ConstantTimeCompare([]byte(token), []byte(h.opts.OperatorKey)) == 1 {
			next.ServeHTTP(w, r)
			return
		}

		if err := h.validateSession(token); err != nil {
			writeError(w, http.StatusUnauthorized, fmt.Errorf("invalid token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authSession exchanges the operator key for a short-lived session JWT.
func (h *handler) authSession(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		OperatorKey string `json:"operator_key"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if h.opts.OperatorKey == "" {
		writeError(w, http.StatusConflict, fmt.Errorf("operator key auth is disabled"))
		return
	}
	if subtle.ConstantTimeCompare([]byte(payload.OperatorKey), []byte(h.opts.OperatorKey)) != 1 {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("invalid operator key"))
		return
	}

	now := time.Now()
	claims := &sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "operator",
			Issuer:    "sidecar",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(sessionTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(h.opts.JWTSecret)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("sign session token"))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token":      signed,
		"expires_at": now.Add(sessionTTL).UTC(),
	})
}

func (h *handler) validateSession(tokenString string) error {
	token, err := jwt.ParseWithClaims(tokenString, &sessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return h.opts.JWTSecret, nil
	})
	if err != nil {
		return err
	}
	if !token.Valid {
		return fmt.Errorf("invalid token")
	}
	return nil
}

// rateLimiter bounds per-client request rates keyed by remote address.
type rateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

func newRateLimiter(requestsPerSecond, burst int) *rateLimiter {
	if burst <= 0 {
		burst = requestsPerSecond
	}
	return &rateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(requestsPerSecond),
		burst:    burst,
	}
}

func (rl *rateLimiter) get(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	limiter, ok := rl.limiters[key]
	if !ok {
		if len(rl.limiters) > 10000 {
			rl.limiters = make(map[string]*rate.Limiter)
		}
		limiter = rate.NewLimiter(rl.rate, rl.burst)
		rl.limiters[key] = limiter
	}
	return limiter
}

func (rl *rateLimiter) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := r.RemoteAddr
		if idx := strings.LastIndex(host, ":"); idx > 0 {
			host = host[:idx]
		}
		if !rl.get(host).Allow() {
			writeError(w, http.StatusTooManyRequests, fmt.Errorf("rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
