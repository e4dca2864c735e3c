package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/maanisingh/atlas-delivery-security/internal/client"
	"github.com/maanisingh/atlas-delivery-security/internal/config"
	"github.com/maanisingh/atlas-delivery-security/internal/handler"
	"github.com/maanisingh/atlas-delivery-security/internal/middleware"
	"github.com/maanisingh/atlas-delivery-security/internal/models"
	"github.com/maanisingh/atlas-delivery-security/internal/repository"
	"github.com/maanisingh/atlas-delivery-security/internal/service"
	"github.com/maanisingh/atlas-delivery-security/internal/telemetry"
	"github.com/maanisingh/atlas-delivery-security/internal/util/logger"
	"github.com/maanisingh/atlas-delivery-security/internal/worker"
)

var version = "development"

// logDispatcher stands in for the SMS/email gateway in environments without
// one. Codes are still issued and verifiable; the notification is logged.
type logDispatcher struct{}

func (logDispatcher) SendSMS(ctx context.Context, phone, message string) error {
	logger.Infof("stub sms to %s: %s", phone, message)
	return nil
}

func (logDispatcher) SendEmail(ctx context.Context, email, subject, message string) error {
	logger.Infof("stub email to %s: %s", email, subject)
	return nil
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.ReplaceGlobal(&logger.Config{Level: cfg.Logger.Level, Encoding: cfg.Logger.Encoding})
	defer logger.Sync()
	logger.Infof("delivery-security %s starting, env=%s", version, cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("open database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		logger.Fatalf("database unreachable: %v", err)
	}

	store := repository.NewPostgresStore(db)
	if err := store.EnsureSchema(ctx); err != nil {
		logger.Fatalf("apply schema: %v", err)
	}

	var redisClient *client.RedisClient
	if cfg.RedisAddr != "" {
		redisClient, err = client.NewRedisClient(ctx, client.RedisConfig{Address: cfg.RedisAddr})
		if err != nil {
			logger.Fatalf("connect redis: %v", err)
		}
		defer redisClient.Close()
	}

	shipper, err := telemetry.NewKafkaAuditShipper(cfg.Telemetry.Kafka)
	if err != nil {
		logger.Fatalf("kafka shipper: %v", err)
	}
	shipper.Start()

	settingsSvc := service.NewSettingsService(store, redisClient, cfg.Security.SettingsCacheTTL)
	if err := settingsSvc.Bootstrap(ctx, defaultsFromConfig(cfg.Security)); err != nil {
		logger.Fatalf("bootstrap settings: %v", err)
	}

	eventSvc := service.NewEventService(store, shipper)
	geofenceSvc := service.NewGeofenceService(store, store, eventSvc, settingsSvc)
	fraudSvc := service.NewFraudService(store, store, settingsSvc, eventSvc)
	secretSvc := service.NewSecretService(
		store, store, settingsSvc, eventSvc, redisClient, logDispatcher{},
		cfg.Security.ResendCooldown, cfg.Security.MaxDailyIssues,
	)
	secretSvc.SetVerifyOutcomeHook(verifyOutcomeHook(fraudSvc))

	retention := worker.NewRetentionWorker(eventSvc, settingsSvc, cfg.Retention)
	retention.Start()

	auth := middleware.NewAuthenticator(cfg.JWTSigningKey)
	limiter := middleware.NewVerifyRateLimiter(redisClient, cfg.RateLimit)
	securityHandler := handler.NewSecurityHandler(secretSvc, geofenceSvc, fraudSvc, eventSvc, settingsSvc)
	healthHandler := handler.NewHealthHandler(db, redisClient)

	r := chi.NewRouter()
	r.Use(chimw.RequestID, chimw.RealIP, chimw.Recoverer, chimw.Timeout(10*time.Second))
	r.Use(chimw.Logger)
	r.Get("/healthz", healthHandler.Healthz)
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware)
		r.Use(middleware.ClientInfo)
		r.Mount("/security", securityHandler.Routes(limiter.Middleware))
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	logger.Infof("listening on %s", srv.Addr)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown error: %v", err)
	}
	retention.Stop(shutdownCtx)
	shipper.Stop(shutdownCtx)
}

// verifyOutcomeHook runs fraud analysis off the request path after every
// verification attempt.
func verifyOutcomeHook(fraud *service.FraudService) func(deliveryID uuid.UUID) {
	return func(deliveryID uuid.UUID) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, err := fraud.Analyze(ctx, deliveryID); err != nil {
				logger.Warnf("post-verify fraud analysis failed: %v", err)
			}
		}()
	}
}

func defaultsFromConfig(sec config.SecurityDefaults) models.SecuritySettings {
	defaults := models.DefaultSettings()
	if sec.OTPLength > 0 {
		defaults.OTPLength = sec.OTPLength
	}
	if sec.OTPExpiryMinutes > 0 {
		defaults.OTPExpiryMinutes = sec.OTPExpiryMinutes
	}
	if sec.OTPMaxAttempts > 0 {
		defaults.OTPMaxAttempts = sec.OTPMaxAttempts
	}
	if sec.PINLength > 0 {
		defaults.PINLength = sec.PINLength
	}
	if sec.PINValidityDays > 0 {
		defaults.PINValidityDays = sec.PINValidityDays
	}
	if sec.PINMaxAttempts > 0 {
		defaults.PINMaxAttempts = sec.PINMaxAttempts
	}
	if sec.GeofenceRadius > 0 {
		defaults.GeofenceRadius = sec.GeofenceRadius
	}
	defaults.GeofenceStrictMode = sec.GeofenceStrictMode
	if sec.FraudThreshold > 0 {
		defaults.FraudThreshold = sec.FraudThreshold
	}
	if sec.RetentionDays > 0 {
		defaults.RetentionDays = sec.RetentionDays
	}
	return defaults
}
