package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/maanisingh/atlas-delivery-security/internal/client"
	"github.com/maanisingh/atlas-delivery-security/internal/config"
	"github.com/maanisingh/atlas-delivery-security/internal/util/logger"
)

// VerifyRateLimiter throttles code verification attempts per client IP with
// a fixed Redis window. An IP that exhausts the window is blocked for the
// configured duration. Redis outages fail open: losing throttling is better
// than losing deliveries, and the per-secret attempt counter still caps
// brute force.
type VerifyRateLimiter struct {
	redis *client.RedisClient
	cfg   config.RateLimitConfig
}

func NewVerifyRateLimiter(redis *client.RedisClient, cfg config.RateLimitConfig) *VerifyRateLimiter {
	if cfg.VerifyPerIP <= 0 {
		cfg.VerifyPerIP = 10
	}
	if cfg.VerifyWindow <= 0 {
		cfg.VerifyWindow = time.Minute
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = 15 * time.Minute
	}
	return &VerifyRateLimiter{redis: redis, cfg: cfg}
}

func (l *VerifyRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.cfg.Enabled || l.redis == nil {
			next.ServeHTTP(w, r)
			return
		}

		ip := realIP(r)
		blockKey := "verify:block:" + ip
		if n, err := l.redis.GetInt(r.Context(), blockKey); err == nil && n > 0 {
			writeRateLimited(w, l.cfg.BlockDuration)
			return
		}

		windowKey := "verify:window:" + ip
		count, err := l.redis.IncrementWithTTL(r.Context(), windowKey, l.cfg.VerifyWindow)
		if err != nil {
			logger.Warnf("verify rate limiter unavailable, allowing request: %v", err)
			next.ServeHTTP(w, r)
			return
		}
		if count > int64(l.cfg.VerifyPerIP) {
			if _, err := l.redis.IncrementWithTTL(r.Context(), blockKey, l.cfg.BlockDuration); err != nil {
				logger.Warnf("verify block write failed: %v", err)
			}
			writeRateLimited(w, l.cfg.BlockDuration)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", int(retryAfter.Seconds())))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "message": "too many verification attempts"})
}
