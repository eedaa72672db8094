package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// AdminGuard protects admin routes with signed headers. Callers send a unix
// timestamp and an HMAC signature computed with the shared secret.
type AdminGuard struct {
	Logger  *slog.Logger
	Secret  string
	MaxSkew time.Duration

	now func() time.Time
}

func NewAdminGuard(logger *slog.Logger, secret string, maxSkew time.Duration) *AdminGuard {
	return &AdminGuard{
		Logger:  logger,
		Secret:  strings.TrimSpace(secret),
		MaxSkew: maxSkew,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Enabled reports whether a secret is configured. Engines without a secret
// serve admin routes unguarded.
func (g *AdminGuard) Enabled() bool {
	return g != nil && g.Secret != ""
}

func (g *AdminGuard) Wrap(next http.Handler) http.Handler {
	if !g.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts := r.Header.Get(HeaderTimestamp)
		sig := r.Header.Get(HeaderSignature)
		requestID := r.Header.Get("X-Request-Id")

		if err := VerifyTimestamp(ts, g.currentTime(), g.MaxSkew); err != nil {
			g.deny(w, r, "stale_timestamp", err)
			return
		}
		if err := VerifySignature(g.Secret, ts, r.Method, r.URL.Path, requestID, sig); err != nil {
			g.deny(w, r, "invalid_signature", err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *AdminGuard) currentTime() time.Time {
	if g.now == nil {
		return time.Now().UTC()
	}
	return g.now()
}

func (g *AdminGuard) deny(w http.ResponseWriter, r *http.Request, reason string, err error) {
	if g.Logger != nil {
		g.Logger.Warn("admin auth deny",
			"reason", reason,
			"request_id", r.Header.Get("X-Request-Id"),
			"method", r.Method,
			"path", r.URL.Path,
			"error", err.Error(),
		)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(map[string]any{
		"error":      "unauthorized",
		"request_id": r.Header.Get("X-Request-Id"),
	})
}
