package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/maanisingh/atlas-delivery-security/internal/middleware"
	"github.com/maanisingh/atlas-delivery-security/internal/models"
	"github.com/maanisingh/atlas-delivery-security/internal/repository"
	"github.com/maanisingh/atlas-delivery-security/internal/service"
)

// SecurityHandler exposes the delivery verification API.
type SecurityHandler struct {
	secrets  *service.SecretService
	geofence *service.GeofenceService
	fraud    *service.FraudService
	events   *service.EventService
	settings *service.SettingsService
}

func NewSecurityHandler(
	secrets *service.SecretService,
	geofence *service.GeofenceService,
	fraud *service.FraudService,
	events *service.EventService,
	settings *service.SettingsService,
) *SecurityHandler {
	return &SecurityHandler{
		secrets:  secrets,
		geofence: geofence,
		fraud:    fraud,
		events:   events,
		settings: settings,
	}
}

// Routes mounts the API under /security. verifyLimiter wraps only the code
// verification endpoints.
func (h *SecurityHandler) Routes(verifyLimiter func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Post("/otp/generate", h.generate(models.KindOTP))
	r.Post("/pin/generate", h.generate(models.KindPIN))
	r.Group(func(r chi.Router) {
		if verifyLimiter != nil {
			r.Use(verifyLimiter)
		}
		r.Post("/otp/verify", h.verify(models.KindOTP))
		r.Post("/pin/verify", h.verify(models.KindPIN))
	})

	r.Post("/geofence", h.createZone)
	r.Post("/geofence/check", h.checkPosition)

	r.Post("/fraud/detect", h.detectFraud)
	r.Get("/fraud", h.listCases)
	r.Post("/fraud/{caseID}/investigate", h.investigate)

	r.Get("/events", h.listEvents)

	r.Get("/settings", h.getSettings)
	r.Put("/settings", h.updateSettings)

	return r
}

type generateRequest struct {
	DeliveryID uuid.UUID `json:"delivery_id"`
	Phone      string    `json:"phone"`
	Email      string    `json:"email"`
}

func (h *SecurityHandler) generate(kind models.SecretKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeliveryID == uuid.Nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.Phone == "" && req.Email == "" {
			writeJSONError(w, http.StatusBadRequest, "phone or email required")
			return
		}

		p := middleware.PrincipalFrom(r.Context())
		info := middleware.ClientInfoFrom(r.Context())
		result, err := h.secrets.Issue(r.Context(), req.DeliveryID, kind, req.Phone, req.Email, p, info)
		if err != nil {
			h.writeIssueError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, result)
	}
}

type verifyRequest struct {
	DeliveryID uuid.UUID `json:"delivery_id"`
	Code       string    `json:"code"`
	Lat        *float64  `json:"lat,omitempty"`
	Lon        *float64  `json:"lon,omitempty"`
}

func (h *SecurityHandler) verify(kind models.SecretKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req verifyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeliveryID == uuid.Nil || req.Code == "" {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		p := middleware.PrincipalFrom(r.Context())
		info := middleware.ClientInfoFrom(r.Context())

		// Position check runs before the code is consumed so a strict-mode
		// breach does not burn an attempt.
		var position *service.CheckResult
		if req.Lat != nil && req.Lon != nil {
			pos := models.Coordinates{Lat: *req.Lat, Lon: *req.Lon}
			check, err := h.geofence.Check(r.Context(), req.DeliveryID, pos, p, info)
			if err != nil {
				writeJSONError(w, http.StatusInternalServerError, "position check failed")
				return
			}
			position = check
			if !check.Allowed {
				writeJSON(w, http.StatusForbidden, map[string]any{
					"verified": false,
					"position": check,
					"message":  "courier position outside delivery zone",
				})
				return
			}
		}

		result, err := h.secrets.Verify(r.Context(), req.DeliveryID, kind, req.Code, p, info)
		if err != nil {
			h.writeVerifyError(w, err, result)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"verified": true,
			"position": position,
		})
	}
}

func (h *SecurityHandler) writeIssueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrVerificationDisabled):
		writeJSONError(w, http.StatusConflict, "verification method disabled")
	case errors.Is(err, service.ErrResendCooldown):
		writeJSONError(w, http.StatusTooManyRequests, "code requested too soon, try again later")
	case errors.Is(err, service.ErrDailyCapReached):
		writeJSONError(w, http.StatusTooManyRequests, "daily code limit reached")
	case errors.Is(err, repository.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "delivery not found")
	default:
		writeJSONError(w, http.StatusInternalServerError, "could not issue code")
	}
}

func (h *SecurityHandler) writeVerifyError(w http.ResponseWriter, err error, result *service.VerifyResult) {
	switch {
	case errors.Is(err, service.ErrVerificationDisabled):
		writeJSONError(w, http.StatusConflict, "verification method disabled")
	case errors.Is(err, service.ErrNoActiveSecret):
		writeJSONError(w, http.StatusNotFound, "no active code for this delivery")
	case errors.Is(err, service.ErrSecretExpired):
		writeJSONError(w, http.StatusGone, "code has expired, request a new one")
	case errors.Is(err, service.ErrSecretLocked):
		writeJSONError(w, http.StatusLocked, "code locked after too many attempts")
	case errors.Is(err, service.ErrCodeMismatch):
		remaining := 0
		if result != nil {
			remaining = result.AttemptsRemaining
		}
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"error": map[string]any{
				"code":    http.StatusUnauthorized,
				"message": "incorrect code",
			},
			"attempts_remaining": remaining,
		})
	default:
		writeJSONError(w, http.StatusInternalServerError, "verification failed")
	}
}

type createZoneRequest struct {
	DeliveryID uuid.UUID `json:"delivery_id"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	Radius     float64   `json:"radius_meters"`
	Name       string    `json:"name"`
}

func (h *SecurityHandler) createZone(w http.ResponseWriter, r *http.Request) {
	var req createZoneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeliveryID == uuid.Nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	zone, err := h.geofence.CreateZone(r.Context(), req.DeliveryID, req.Lat, req.Lon, req.Radius, req.Name)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "delivery not found")
			return
		}
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, zone)
}

type checkPositionRequest struct {
	DeliveryID uuid.UUID `json:"delivery_id"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
}

func (h *SecurityHandler) checkPosition(w http.ResponseWriter, r *http.Request) {
	var req checkPositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeliveryID == uuid.Nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	p := middleware.PrincipalFrom(r.Context())
	info := middleware.ClientInfoFrom(r.Context())
	result, err := h.geofence.Check(r.Context(), req.DeliveryID, models.Coordinates{Lat: req.Lat, Lon: req.Lon}, p, info)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "position check failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type detectFraudRequest struct {
	DeliveryID uuid.UUID `json:"delivery_id"`
}

func (h *SecurityHandler) detectFraud(w http.ResponseWriter, r *http.Request) {
	var req detectFraudRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeliveryID == uuid.Nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	analysis, err := h.fraud.Analyze(r.Context(), req.DeliveryID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "fraud analysis failed")
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}

func (h *SecurityHandler) listCases(w http.ResponseWriter, r *http.Request) {
	deliveryID, err := uuid.Parse(r.URL.Query().Get("delivery_id"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "delivery_id required")
		return
	}
	cases, err := h.fraud.CasesForDelivery(r.Context(), deliveryID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "could not list cases")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cases": cases})
}

type investigateRequest struct {
	Status models.CaseStatus `json:"status"`
	Notes  string            `json:"notes"`
}

func (h *SecurityHandler) investigate(w http.ResponseWriter, r *http.Request) {
	caseID, err := uuid.Parse(chi.URLParam(r, "caseID"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid case id")
		return
	}
	var req investigateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Status == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	p := middleware.PrincipalFrom(r.Context())
	updated, err := h.fraud.Investigate(r.Context(), p, caseID, req.Status, req.Notes)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrPermissionDenied):
			writeJSONError(w, http.StatusForbidden, "missing capability")
		case errors.Is(err, service.ErrBadTransition):
			writeJSONError(w, http.StatusConflict, "transition not allowed from current state")
		case errors.Is(err, repository.ErrNotFound):
			writeJSONError(w, http.StatusNotFound, "case not found")
		default:
			writeJSONError(w, http.StatusInternalServerError, "could not update case")
		}
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *SecurityHandler) listEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f repository.EventFilter

	if raw := q.Get("delivery_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid delivery_id")
			return
		}
		f.DeliveryID = &id
	}
	if raw := q.Get("severity"); raw != "" {
		sev := models.Severity(raw)
		if !sev.Valid() {
			writeJSONError(w, http.StatusBadRequest, "invalid severity")
			return
		}
		f.Severity = &sev
	}
	if raw := q.Get("type"); raw != "" {
		t := models.EventType(raw)
		if !t.Valid() {
			writeJSONError(w, http.StatusBadRequest, "invalid event type")
			return
		}
		f.Type = &t
	}
	if raw := q.Get("since"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid since timestamp")
			return
		}
		f.Since = &ts
	}
	if raw := q.Get("before"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid before timestamp")
			return
		}
		f.Before = &ts
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}

	events, err := h.events.List(r.Context(), f)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "could not list events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (h *SecurityHandler) getSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.settings.Current(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "could not load settings")
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (h *SecurityHandler) updateSettings(w http.ResponseWriter, r *http.Request) {
	var next models.SecuritySettings
	if err := json.NewDecoder(r.Body).Decode(&next); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	p := middleware.PrincipalFrom(r.Context())
	updated, err := h.settings.Update(r.Context(), p, next)
	if err != nil {
		if errors.Is(err, service.ErrPermissionDenied) {
			writeJSONError(w, http.StatusForbidden, "missing capability")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "could not update settings")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}
