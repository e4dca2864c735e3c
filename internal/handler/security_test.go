package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"github.com/maanisingh/atlas-delivery-security/internal/middleware"
	"github.com/maanisingh/atlas-delivery-security/internal/models"
	"github.com/maanisingh/atlas-delivery-security/internal/repository"
	"github.com/maanisingh/atlas-delivery-security/internal/service"
)

type SecurityHandlerSuite struct {
	suite.Suite
	ctx      context.Context
	store    *repository.MemoryStore
	settings *service.SettingsService
	secrets  *service.SecretService
	handler  http.Handler
}

func TestSecurityHandlerSuite(t *testing.T) {
	suite.Run(t, new(SecurityHandlerSuite))
}

func (s *SecurityHandlerSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = repository.NewMemoryStore()

	s.settings = service.NewSettingsService(s.store, nil, 50*time.Millisecond)
	s.Require().NoError(s.settings.Bootstrap(s.ctx, models.DefaultSettings()))

	events := service.NewEventService(s.store, nil)
	geofence := service.NewGeofenceService(s.store, s.store, events, s.settings)
	fraud := service.NewFraudService(s.store, s.store, s.settings, events)
	s.secrets = service.NewSecretService(s.store, s.store, s.settings, events, nil, nil, time.Minute, 10)

	h := NewSecurityHandler(s.secrets, geofence, fraud, events, s.settings)
	s.handler = h.Routes(nil)
}

func (s *SecurityHandlerSuite) seedDelivery() uuid.UUID {
	id := uuid.New()
	s.store.SeedDelivery(models.Delivery{
		ID:             id,
		TrackingNumber: "TRK-1001",
		Status:         models.DeliveryInTransit,
	})
	return id
}

// do issues a request with an authenticated courier principal on the context.
func (s *SecurityHandlerSuite) do(method, path string, body any, caps ...models.Capability) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		s.Require().NoError(json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	p := models.Principal{ID: "courier-7", Actor: models.ActorCourier, Capabilities: caps}
	req = req.WithContext(middleware.WithPrincipal(req.Context(), p))

	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *SecurityHandlerSuite) decode(rec *httptest.ResponseRecorder, into any) {
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), into))
}

func (s *SecurityHandlerSuite) TestGenerateAndVerify() {
	s.Run("full OTP round trip", func() {
		deliveryID := s.seedDelivery()

		rec := s.do(http.MethodPost, "/otp/generate", map[string]any{
			"delivery_id": deliveryID,
			"phone":       "+15550100",
		})
		s.Require().Equal(http.StatusCreated, rec.Code, rec.Body.String())

		var issued struct {
			Code      string    `json:"code"`
			ExpiresAt time.Time `json:"expires_at"`
		}
		s.decode(rec, &issued)
		s.Len(issued.Code, 6)

		rec = s.do(http.MethodPost, "/otp/verify", map[string]any{
			"delivery_id": deliveryID,
			"code":        issued.Code,
		})
		s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())

		var verified struct {
			Verified bool `json:"verified"`
		}
		s.decode(rec, &verified)
		s.True(verified.Verified)
	})

	s.Run("wrong code returns 401 with attempts remaining", func() {
		deliveryID := s.seedDelivery()
		s.do(http.MethodPost, "/otp/generate", map[string]any{
			"delivery_id": deliveryID,
			"phone":       "+15550100",
		})

		rec := s.do(http.MethodPost, "/otp/verify", map[string]any{
			"delivery_id": deliveryID,
			"code":        "000000",
		})
		s.Require().Equal(http.StatusUnauthorized, rec.Code)

		var resp struct {
			AttemptsRemaining int `json:"attempts_remaining"`
		}
		s.decode(rec, &resp)
		s.Equal(2, resp.AttemptsRemaining)
	})

	s.Run("missing contact info is a 400", func() {
		deliveryID := s.seedDelivery()
		rec := s.do(http.MethodPost, "/otp/generate", map[string]any{"delivery_id": deliveryID})
		s.Equal(http.StatusBadRequest, rec.Code)
	})

	s.Run("unknown delivery is a 404", func() {
		rec := s.do(http.MethodPost, "/otp/generate", map[string]any{
			"delivery_id": uuid.New(),
			"phone":       "+15550100",
		})
		s.Equal(http.StatusNotFound, rec.Code)
	})

	s.Run("verify without an issued code is a 404", func() {
		deliveryID := s.seedDelivery()
		rec := s.do(http.MethodPost, "/otp/verify", map[string]any{
			"delivery_id": deliveryID,
			"code":        "123456",
		})
		s.Equal(http.StatusNotFound, rec.Code)
	})

	s.Run("locked code returns 423", func() {
		deliveryID := s.seedDelivery()
		s.do(http.MethodPost, "/otp/generate", map[string]any{
			"delivery_id": deliveryID,
			"phone":       "+15550100",
		})
		for i := 0; i < 2; i++ {
			s.do(http.MethodPost, "/otp/verify", map[string]any{"delivery_id": deliveryID, "code": "000000"})
		}
		rec := s.do(http.MethodPost, "/otp/verify", map[string]any{"delivery_id": deliveryID, "code": "000000"})
		s.Equal(http.StatusLocked, rec.Code)
	})
}

func (s *SecurityHandlerSuite) TestVerifyWithPosition() {
	const (
		lat = 52.5219
		lon = 13.4132
	)

	s.Run("strict-mode breach blocks verification without burning the code", func() {
		current, err := s.settings.Current(s.ctx)
		s.Require().NoError(err)
		current.GeofenceStrictMode = true
		admin := models.Principal{ID: "admin", Capabilities: []models.Capability{models.CapSettingsWrite}}
		_, err = s.settings.Update(s.ctx, admin, *current)
		s.Require().NoError(err)

		deliveryID := s.seedDelivery()
		rec := s.do(http.MethodPost, "/geofence", map[string]any{
			"delivery_id":   deliveryID,
			"lat":           lat,
			"lon":           lon,
			"radius_meters": 100,
		})
		s.Require().Equal(http.StatusCreated, rec.Code)

		rec = s.do(http.MethodPost, "/otp/generate", map[string]any{
			"delivery_id": deliveryID,
			"phone":       "+15550100",
		})
		s.Require().Equal(http.StatusCreated, rec.Code)
		var issued struct {
			Code string `json:"code"`
		}
		s.decode(rec, &issued)

		rec = s.do(http.MethodPost, "/otp/verify", map[string]any{
			"delivery_id": deliveryID,
			"code":        issued.Code,
			"lat":         lat + 0.01,
			"lon":         lon,
		})
		s.Require().Equal(http.StatusForbidden, rec.Code)

		// The code still works from inside the zone.
		rec = s.do(http.MethodPost, "/otp/verify", map[string]any{
			"delivery_id": deliveryID,
			"code":        issued.Code,
			"lat":         lat,
			"lon":         lon,
		})
		s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	})
}

func (s *SecurityHandlerSuite) TestGeofenceCheck() {
	s.Run("reports distance and verdict", func() {
		deliveryID := s.seedDelivery()
		rec := s.do(http.MethodPost, "/geofence", map[string]any{
			"delivery_id":   deliveryID,
			"lat":           52.5219,
			"lon":           13.4132,
			"radius_meters": 100,
		})
		s.Require().Equal(http.StatusCreated, rec.Code)

		rec = s.do(http.MethodPost, "/geofence/check", map[string]any{
			"delivery_id": deliveryID,
			"lat":         52.5219,
			"lon":         13.4132,
		})
		s.Require().Equal(http.StatusOK, rec.Code)

		var result struct {
			Allowed  bool `json:"allowed"`
			Breached bool `json:"breached"`
		}
		s.decode(rec, &result)
		s.True(result.Allowed)
		s.False(result.Breached)
	})
}

func (s *SecurityHandlerSuite) TestFraudEndpoints() {
	openCase := func(deliveryID uuid.UUID) uuid.UUID {
		for i := 0; i < 3; i++ {
			rec := s.do(http.MethodPost, "/otp/verify", map[string]any{
				"delivery_id": deliveryID,
				"code":        "000000",
			})
			s.Require().Contains([]int{http.StatusUnauthorized, http.StatusLocked}, rec.Code)
		}
		rec := s.do(http.MethodPost, "/fraud/detect", map[string]any{"delivery_id": deliveryID})
		s.Require().Equal(http.StatusOK, rec.Code)

		var analysis struct {
			Cases []struct {
				ID uuid.UUID `json:"id"`
			} `json:"cases"`
		}
		s.decode(rec, &analysis)
		s.Require().NotEmpty(analysis.Cases)
		return analysis.Cases[0].ID
	}

	s.Run("detect opens cases after repeated failures", func() {
		deliveryID := s.seedDelivery()
		s.do(http.MethodPost, "/otp/generate", map[string]any{
			"delivery_id": deliveryID,
			"phone":       "+15550100",
		})
		caseID := openCase(deliveryID)

		rec := s.do(http.MethodGet, fmt.Sprintf("/fraud?delivery_id=%s", deliveryID), nil)
		s.Require().Equal(http.StatusOK, rec.Code)
		s.Contains(rec.Body.String(), caseID.String())
	})

	s.Run("investigation requires the capability", func() {
		deliveryID := s.seedDelivery()
		s.do(http.MethodPost, "/otp/generate", map[string]any{
			"delivery_id": deliveryID,
			"phone":       "+15550100",
		})
		caseID := openCase(deliveryID)

		rec := s.do(http.MethodPost, fmt.Sprintf("/fraud/%s/investigate", caseID), map[string]any{
			"status": "under_investigation",
		})
		s.Equal(http.StatusForbidden, rec.Code)

		rec = s.do(http.MethodPost, fmt.Sprintf("/fraud/%s/investigate", caseID), map[string]any{
			"status": "under_investigation",
			"notes":  "reviewing",
		}, models.CapFraudInvestigate)
		s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	})

	s.Run("illegal transition is a 409", func() {
		deliveryID := s.seedDelivery()
		s.do(http.MethodPost, "/otp/generate", map[string]any{
			"delivery_id": deliveryID,
			"phone":       "+15550100",
		})
		caseID := openCase(deliveryID)

		rec := s.do(http.MethodPost, fmt.Sprintf("/fraud/%s/investigate", caseID), map[string]any{
			"status": "confirmed",
		}, models.CapFraudInvestigate)
		s.Equal(http.StatusConflict, rec.Code)
	})
}

func (s *SecurityHandlerSuite) TestEvents() {
	s.Run("lists events with filters", func() {
		deliveryID := s.seedDelivery()
		s.do(http.MethodPost, "/otp/generate", map[string]any{
			"delivery_id": deliveryID,
			"phone":       "+15550100",
		})

		rec := s.do(http.MethodGet, fmt.Sprintf("/events?delivery_id=%s&type=otp_generated", deliveryID), nil)
		s.Require().Equal(http.StatusOK, rec.Code)

		var resp struct {
			Events []json.RawMessage `json:"events"`
		}
		s.decode(rec, &resp)
		s.Len(resp.Events, 1)
	})

	s.Run("rejects bad filter values", func() {
		rec := s.do(http.MethodGet, "/events?severity=loud", nil)
		s.Equal(http.StatusBadRequest, rec.Code)
	})
}

func (s *SecurityHandlerSuite) TestSettings() {
	s.Run("read is open to any authenticated caller", func() {
		rec := s.do(http.MethodGet, "/settings", nil)
		s.Require().Equal(http.StatusOK, rec.Code)
		s.Contains(rec.Body.String(), "fraud_alert_threshold")
	})

	s.Run("write requires the capability", func() {
		next := models.DefaultSettings()
		next.OTPMaxAttempts = 5

		rec := s.do(http.MethodPut, "/settings", next)
		s.Equal(http.StatusForbidden, rec.Code)

		rec = s.do(http.MethodPut, "/settings", next, models.CapSettingsWrite)
		s.Require().Equal(http.StatusOK, rec.Code)

		var updated models.SecuritySettings
		s.decode(rec, &updated)
		s.Equal(5, updated.OTPMaxAttempts)
		s.Equal("courier-7", updated.UpdatedBy)
	})
}
