package models

import (
	"time"

	"github.com/google/uuid"
)

// SecretKind distinguishes the two delivery verification code flavors.
// OTPs are short-lived codes dispatched at delivery time; PINs are issued at
// order placement and stay valid for days.
type SecretKind string

const (
	KindOTP SecretKind = "otp"
	KindPIN SecretKind = "pin"
)

func (k SecretKind) Valid() bool {
	return k == KindOTP || k == KindPIN
}

// SecretStatus is the lifecycle state of a VerificationSecret.
type SecretStatus string

const (
	SecretPending   SecretStatus = "pending"
	SecretVerified  SecretStatus = "verified"
	SecretFailed    SecretStatus = "failed"
	SecretExpired   SecretStatus = "expired"
	SecretLocked    SecretStatus = "locked"
	SecretCancelled SecretStatus = "cancelled"
)

// Terminal reports whether no further verification attempts are possible.
func (s SecretStatus) Terminal() bool {
	switch s {
	case SecretVerified, SecretExpired, SecretLocked, SecretCancelled, SecretFailed:
		return true
	}
	return false
}

// VerificationSecret is a single OTP or PIN instance bound to a delivery.
// Only SHA-256 hashes of the code and the customer contacts are ever
// stored; plaintext exists in memory during dispatch only.
type VerificationSecret struct {
	ID            uuid.UUID    `db:"id" json:"id"`
	DeliveryID    uuid.UUID    `db:"delivery_id" json:"delivery_id"`
	Kind          SecretKind   `db:"kind" json:"kind"`
	CodeHash      string       `db:"code_hash" json:"-"`
	Status        SecretStatus `db:"status" json:"status"`
	PhoneHash     string       `db:"phone_hash" json:"-"`
	EmailHash     string       `db:"email_hash" json:"-"`
	GeneratedAt   time.Time    `db:"generated_at" json:"generated_at"`
	ExpiresAt     time.Time    `db:"expires_at" json:"expires_at"`
	VerifiedAt    *time.Time   `db:"verified_at" json:"verified_at,omitempty"`
	Attempts      int          `db:"attempts" json:"attempts"`
	MaxAttempts   int          `db:"max_attempts" json:"max_attempts"`
	LastAttemptAt *time.Time   `db:"last_attempt_at" json:"last_attempt_at,omitempty"`
	Suspicious    bool         `db:"suspicious" json:"suspicious"`
	SentViaSMS    bool         `db:"sent_via_sms" json:"sent_via_sms"`
	SentViaEmail  bool         `db:"sent_via_email" json:"sent_via_email"`
}

// ZoneStatus is the lifecycle state of a GeofenceZone. Zones are never
// deleted; a breached zone stays in the record.
type ZoneStatus string

const (
	ZoneActive   ZoneStatus = "active"
	ZoneBreached ZoneStatus = "breached"
	ZoneInactive ZoneStatus = "inactive"
)

// GeofenceZone is the expected physical boundary for a delivery: a circle
// around the delivery address.
type GeofenceZone struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	DeliveryID   uuid.UUID  `db:"delivery_id" json:"delivery_id"`
	CenterLat    float64    `db:"center_lat" json:"center_lat"`
	CenterLon    float64    `db:"center_lon" json:"center_lon"`
	RadiusMeters float64    `db:"radius_meters" json:"radius_meters"`
	Status       ZoneStatus `db:"status" json:"status"`
	Name         string     `db:"name" json:"name,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

// EventType enumerates security-relevant actions recorded in the audit log.
type EventType string

const (
	EventOTPGenerated        EventType = "otp_generated"
	EventOTPVerified         EventType = "otp_verified"
	EventOTPFailed           EventType = "otp_failed"
	EventPINGenerated        EventType = "pin_generated"
	EventPINVerified         EventType = "pin_verified"
	EventPINFailed           EventType = "pin_failed"
	EventSecretExpired       EventType = "secret_expired"
	EventSecretLocked        EventType = "secret_locked"
	EventGeofenceSuccess     EventType = "geofence_success"
	EventGeofenceBreach      EventType = "geofence_breach"
	EventSuspiciousActivity  EventType = "suspicious_activity"
	EventUnauthorizedAccess  EventType = "unauthorized_access"
	EventFraudAlert          EventType = "fraud_alert"
	EventInvestigationUpdate EventType = "investigation_update"
	EventSettingsChanged     EventType = "settings_changed"
)

func (t EventType) Valid() bool {
	switch t {
	case EventOTPGenerated, EventOTPVerified, EventOTPFailed,
		EventPINGenerated, EventPINVerified, EventPINFailed,
		EventSecretExpired, EventSecretLocked,
		EventGeofenceSuccess, EventGeofenceBreach,
		EventSuspiciousActivity, EventUnauthorizedAccess,
		EventFraudAlert, EventInvestigationUpdate, EventSettingsChanged:
		return true
	}
	return false
}

// Severity is the four-level ordinal classification of an event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// ActorKind identifies who triggered an event.
type ActorKind string

const (
	ActorSystem  ActorKind = "system"
	ActorUser    ActorKind = "user"
	ActorCourier ActorKind = "courier"
)

// Coordinates is an optional lat/lon pair attached to events.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// ClientInfo carries device and network metadata captured from the request.
type ClientInfo struct {
	DeviceInfo string `json:"device_info,omitempty"`
	IPAddress  string `json:"ip_address,omitempty"`
	UserAgent  string `json:"user_agent,omitempty"`
}

// SecurityEvent is one immutable audit entry. Rows are write-once: there is
// no update or delete path other than time-based retention pruning.
type SecurityEvent struct {
	ID          uuid.UUID    `db:"id" json:"id"`
	DeliveryID  uuid.UUID    `db:"delivery_id" json:"delivery_id"`
	Type        EventType    `db:"event_type" json:"event_type"`
	Severity    Severity     `db:"severity" json:"severity"`
	Description string       `db:"description" json:"description,omitempty"`
	Actor       ActorKind    `db:"actor" json:"actor"`
	ActorID     string       `db:"actor_id" json:"actor_id,omitempty"`
	Coordinates *Coordinates `db:"-" json:"coordinates,omitempty"`
	Client      ClientInfo   `db:"-" json:"client,omitempty"`
	Payload     EventPayload `db:"-" json:"payload,omitempty"`
	Timestamp   time.Time    `db:"event_time" json:"timestamp"`
}

// EventPayload is the structured per-event detail map. Keys are the known
// evidence fields written by the services (distance_meters, radius_meters,
// attempts, reason, ...); values are JSON-encodable.
type EventPayload map[string]any

// FraudType enumerates the scored fraud pattern categories.
type FraudType string

const (
	FraudLocationMismatch  FraudType = "location_mismatch"
	FraudMultipleFailures  FraudType = "multiple_failures"
	FraudDeviceChange      FraudType = "device_change"
	FraudVelocityAnomaly   FraudType = "velocity_anomaly"
	FraudIdentityMismatch  FraudType = "identity_mismatch"
	FraudSuspiciousPattern FraudType = "suspicious_pattern"
)

// RiskLevel buckets a confidence score.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// RiskLevelForScore maps a confidence score to a risk level using the
// configured breakpoints (low < mediumAt <= medium < highAt <= high).
func RiskLevelForScore(score, mediumAt, highAt float64) RiskLevel {
	switch {
	case score >= highAt:
		return RiskHigh
	case score >= mediumAt:
		return RiskMedium
	default:
		return RiskLow
	}
}

// CaseStatus is the investigation state of a FraudCase.
type CaseStatus string

const (
	CaseDetected           CaseStatus = "detected"
	CaseUnderInvestigation CaseStatus = "under_investigation"
	CaseConfirmed          CaseStatus = "confirmed"
	CaseFalsePositive      CaseStatus = "false_positive"
)

func (s CaseStatus) Valid() bool {
	switch s {
	case CaseDetected, CaseUnderInvestigation, CaseConfirmed, CaseFalsePositive:
		return true
	}
	return false
}

// CanTransition reports whether the investigation state machine allows
// moving from s to next. Transitions are one-directional; re-opening a
// closed case is an operator override handled separately.
func (s CaseStatus) CanTransition(next CaseStatus) bool {
	switch s {
	case CaseDetected:
		return next == CaseUnderInvestigation
	case CaseUnderInvestigation:
		return next == CaseConfirmed || next == CaseFalsePositive
	}
	return false
}

// FraudCase is a suspected fraud incident emitted by the detector.
type FraudCase struct {
	ID              uuid.UUID    `db:"id" json:"id"`
	DeliveryID      uuid.UUID    `db:"delivery_id" json:"delivery_id"`
	Type            FraudType    `db:"fraud_type" json:"fraud_type"`
	RiskLevel       RiskLevel    `db:"risk_level" json:"risk_level"`
	ConfidenceScore float64      `db:"confidence_score" json:"confidence_score"`
	Description     string       `db:"description" json:"description,omitempty"`
	Evidence        EventPayload `db:"-" json:"evidence,omitempty"`
	Status          CaseStatus   `db:"status" json:"status"`
	Investigator    string       `db:"investigator" json:"investigator,omitempty"`
	ResolutionNotes string       `db:"resolution_notes" json:"resolution_notes,omitempty"`
	DetectedAt      time.Time    `db:"detected_at" json:"detected_at"`
	UpdatedAt       time.Time    `db:"updated_at" json:"updated_at"`
}

// DeliveryStatus is the slice of the delivery lifecycle this service is
// allowed to touch. The full lifecycle belongs to the surrounding CRM.
type DeliveryStatus string

const (
	DeliveryInTransit DeliveryStatus = "in_transit"
	DeliveryDelivered DeliveryStatus = "delivered"
)

// Delivery is the minimal reference row this service needs: existence check
// plus the delivered flip on successful verification.
type Delivery struct {
	ID             uuid.UUID      `db:"id" json:"id"`
	TrackingNumber string         `db:"tracking_number" json:"tracking_number"`
	Status         DeliveryStatus `db:"status" json:"status"`
	DeliveredAt    *time.Time     `db:"delivered_at" json:"delivered_at,omitempty"`
}

// SecuritySettings is the process-wide configuration singleton. All
// components read it through the settings service so a live update is seen
// before the next dependent operation.
type SecuritySettings struct {
	OTPEnabled         bool      `json:"otp_enabled"`
	OTPLength          int       `json:"otp_length"`
	OTPExpiryMinutes   int       `json:"otp_expiry_minutes"`
	OTPMaxAttempts     int       `json:"otp_max_attempts"`
	PINEnabled         bool      `json:"pin_enabled"`
	PINLength          int       `json:"pin_length"`
	PINValidityDays    int       `json:"pin_validity_days"`
	PINMaxAttempts     int       `json:"pin_max_attempts"`
	GeofencingEnabled  bool      `json:"geofencing_enabled"`
	GeofenceRadius     float64   `json:"default_geofence_radius"`
	GeofenceStrictMode bool      `json:"geofence_strict_mode"`
	FraudEnabled       bool      `json:"fraud_detection_enabled"`
	FraudThreshold     float64   `json:"fraud_alert_threshold"`
	RiskMediumAt       float64   `json:"risk_medium_at"`
	RiskHighAt         float64   `json:"risk_high_at"`
	LogAllEvents       bool      `json:"log_all_events"`
	RetentionDays      int       `json:"event_retention_days"`
	UpdatedAt          time.Time `json:"updated_at"`
	UpdatedBy          string    `json:"updated_by"`
}

// DefaultSettings mirrors the bootstrap row created on first start.
func DefaultSettings() SecuritySettings {
	return SecuritySettings{
		OTPEnabled:         true,
		OTPLength:          6,
		OTPExpiryMinutes:   15,
		OTPMaxAttempts:     3,
		PINEnabled:         true,
		PINLength:          4,
		PINValidityDays:    7,
		PINMaxAttempts:     5,
		GeofencingEnabled:  true,
		GeofenceRadius:     100,
		GeofenceStrictMode: false,
		FraudEnabled:       true,
		FraudThreshold:     70,
		RiskMediumAt:       40,
		RiskHighAt:         70,
		LogAllEvents:       true,
		RetentionDays:      90,
	}
}

// Normalize clamps out-of-range values back to safe defaults.
func (s *SecuritySettings) Normalize() {
	if s.OTPLength < 4 || s.OTPLength > 8 {
		s.OTPLength = 6
	}
	if s.OTPExpiryMinutes <= 0 {
		s.OTPExpiryMinutes = 15
	}
	if s.OTPMaxAttempts <= 0 {
		s.OTPMaxAttempts = 3
	}
	if s.PINLength < 4 || s.PINLength > 6 {
		s.PINLength = 4
	}
	if s.PINValidityDays <= 0 {
		s.PINValidityDays = 7
	}
	if s.PINMaxAttempts <= 0 {
		s.PINMaxAttempts = 5
	}
	if s.GeofenceRadius <= 0 {
		s.GeofenceRadius = 100
	}
	if s.FraudThreshold <= 0 || s.FraudThreshold > 100 {
		s.FraudThreshold = 70
	}
	if s.RiskMediumAt <= 0 || s.RiskMediumAt >= 100 {
		s.RiskMediumAt = 40
	}
	if s.RiskHighAt <= s.RiskMediumAt || s.RiskHighAt > 100 {
		s.RiskHighAt = 70
	}
	if s.RetentionDays <= 0 {
		s.RetentionDays = 90
	}
}
