package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/suite"

	"github.com/maanisingh/atlas-delivery-security/internal/models"
)

type AuthSuite struct {
	suite.Suite
	auth *Authenticator
}

func TestAuthSuite(t *testing.T) {
	suite.Run(t, new(AuthSuite))
}

const testSigningKey = "unit-test-signing-key"

func (s *AuthSuite) SetupTest() {
	s.auth = NewAuthenticator(testSigningKey)
}

func (s *AuthSuite) signToken(key string, claims AccessClaims) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(key))
	s.Require().NoError(err)
	return signed
}

func (s *AuthSuite) serve(authorization string) (*httptest.ResponseRecorder, models.Principal) {
	var got models.Principal
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = PrincipalFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rec := httptest.NewRecorder()
	s.auth.Middleware(next).ServeHTTP(rec, req)
	return rec, got
}

func (s *AuthSuite) TestMiddleware() {
	s.Run("valid token puts the principal on the context", func() {
		token := s.signToken(testSigningKey, AccessClaims{
			Actor:        models.ActorCourier,
			Capabilities: []models.Capability{models.CapFraudInvestigate},
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "courier-7",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		})
		rec, p := s.serve("Bearer " + token)
		s.Equal(http.StatusOK, rec.Code)
		s.Equal("courier-7", p.ID)
		s.Equal(models.ActorCourier, p.Actor)
		s.True(p.Can(models.CapFraudInvestigate))
		s.False(p.Can(models.CapSettingsWrite))
	})

	s.Run("missing header is rejected", func() {
		rec, _ := s.serve("")
		s.Equal(http.StatusUnauthorized, rec.Code)
	})

	s.Run("wrong signing key is rejected", func() {
		token := s.signToken("other-key", AccessClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "courier-7",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		})
		rec, _ := s.serve("Bearer " + token)
		s.Equal(http.StatusUnauthorized, rec.Code)
	})

	s.Run("expired token is rejected", func() {
		token := s.signToken(testSigningKey, AccessClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "courier-7",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
			},
		})
		rec, _ := s.serve("Bearer " + token)
		s.Equal(http.StatusUnauthorized, rec.Code)
	})

	s.Run("actor defaults to user when the claim is absent", func() {
		token := s.signToken(testSigningKey, AccessClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "ops-1",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		})
		_, p := s.serve("Bearer " + token)
		s.Equal(models.ActorUser, p.Actor)
	})
}
