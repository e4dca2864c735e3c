package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/maanisingh/atlas-delivery-security/internal/models"
)

// ClientInfo captures device and network metadata from each request so the
// audit trail and fraud scoring can see which device made every attempt.
func ClientInfo(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info := models.ClientInfo{
			DeviceInfo: r.Header.Get("X-Device-Info"),
			IPAddress:  realIP(r),
			UserAgent:  r.UserAgent(),
		}
		next.ServeHTTP(w, r.WithContext(withClientInfo(r.Context(), info)))
	})
}

func withClientInfo(ctx context.Context, info models.ClientInfo) context.Context {
	return context.WithValue(ctx, clientInfoKey, info)
}

// ClientInfoFrom returns the captured request metadata, zero when absent.
func ClientInfoFrom(ctx context.Context) models.ClientInfo {
	if info, ok := ctx.Value(clientInfoKey).(models.ClientInfo); ok {
		return info
	}
	return models.ClientInfo{}
}

func realIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	if rip := r.Header.Get("X-Real-IP"); rip != "" {
		return rip
	}
	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	if host != "" {
		return host
	}
	return r.RemoteAddr
}
