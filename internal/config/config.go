package config

import "time"

type Config struct {
	Env         string       `yaml:"env"`
	Port        int          `yaml:"port"`
	DatabaseURL string       `yaml:"database_url"`
	RedisAddr   string       `yaml:"redis_addr"`
	Logger      LoggerConfig `yaml:"logger"`

	JWTSigningKey string `yaml:"jwt_signing_key"`

	Security  SecurityDefaults `yaml:"security"`
	RateLimit RateLimitConfig  `yaml:"rate_limit"`
	Telemetry TelemetryConfig  `yaml:"telemetry"`
	Retention RetentionConfig  `yaml:"retention"`
}

type LoggerConfig struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"`
}

// SecurityDefaults seeds the security_settings singleton on first start.
// After bootstrap the live values come from the settings service, not from
// this file.
type SecurityDefaults struct {
	OTPLength          int     `yaml:"otp_length"`
	OTPExpiryMinutes   int     `yaml:"otp_expiry_minutes"`
	OTPMaxAttempts     int     `yaml:"otp_max_attempts"`
	PINLength          int     `yaml:"pin_length"`
	PINValidityDays    int     `yaml:"pin_validity_days"`
	PINMaxAttempts     int     `yaml:"pin_max_attempts"`
	GeofenceRadius     float64 `yaml:"default_geofence_radius"`
	GeofenceStrictMode bool    `yaml:"geofence_strict_mode"`
	FraudThreshold     float64 `yaml:"fraud_alert_threshold"`
	RetentionDays      int     `yaml:"event_retention_days"`

	ResendCooldown   time.Duration `yaml:"resend_cooldown"`
	MaxDailyIssues   int           `yaml:"max_daily_issues"`
	SettingsCacheTTL time.Duration `yaml:"settings_cache_ttl"`
}

type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled"`
	VerifyPerIP   int           `yaml:"verify_per_ip"`
	VerifyWindow  time.Duration `yaml:"verify_window"`
	BlockDuration time.Duration `yaml:"block_duration"`
}

type TelemetryConfig struct {
	Kafka KafkaAuditConfig `yaml:"kafka"`
}

type KafkaAuditConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Brokers       []string      `yaml:"brokers"`
	TopicEvents   string        `yaml:"topic_events"`
	TopicAlerts   string        `yaml:"topic_alerts"`
	BatchSize     int           `yaml:"batch_size"`
	FlushEvery    time.Duration `yaml:"flush_every"`
	QueueCapacity int           `yaml:"queue_capacity"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	TLS           bool          `yaml:"tls"`
}

type RetentionConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batch_size"`
}
