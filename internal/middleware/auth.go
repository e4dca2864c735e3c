package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"

	"github.com/maanisingh/atlas-delivery-security/internal/models"
)

type contextKey string

const (
	principalKey  contextKey = "principal"
	clientInfoKey contextKey = "client_info"
)

// AccessClaims is the JWT claim set this service accepts. Tokens are signed
// HS256 by the platform gateway.
type AccessClaims struct {
	Actor        models.ActorKind    `json:"actor"`
	Capabilities []models.Capability `json:"capabilities,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator validates bearer tokens and places the resulting Principal
// on the request context.
type Authenticator struct {
	signingKey []byte
}

func NewAuthenticator(signingKey string) *Authenticator {
	return &Authenticator{signingKey: []byte(signingKey)}
}

func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			writeAuthError(w, "missing bearer token")
			return
		}
		claims := &AccessClaims{}
		token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return a.signingKey, nil
		})
		if err != nil || !token.Valid {
			writeAuthError(w, "invalid token")
			return
		}

		p := models.Principal{
			ID:           claims.Subject,
			Actor:        claims.Actor,
			Capabilities: claims.Capabilities,
		}
		if p.Actor == "" {
			p.Actor = models.ActorUser
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

// WithPrincipal returns a context carrying the authenticated caller.
func WithPrincipal(ctx context.Context, p models.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFrom returns the authenticated caller, or a zero Principal when
// the request skipped authentication.
func PrincipalFrom(ctx context.Context) models.Principal {
	if p, ok := ctx.Value(principalKey).(models.Principal); ok {
		return p
	}
	return models.Principal{}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func writeAuthError(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "message": msg})
}
