package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

type LoaderSuite struct {
	suite.Suite
}

func TestLoaderSuite(t *testing.T) {
	suite.Run(t, new(LoaderSuite))
}

func (s *LoaderSuite) write(content string) string {
	path := filepath.Join(s.T().TempDir(), "config.yaml")
	s.Require().NoError(os.WriteFile(path, []byte(content), 0o600))
	return path
}

func (s *LoaderSuite) TestLoadConfig() {
	s.Run("parses yaml and expands environment variables", func() {
		s.T().Setenv("TEST_DB_PASS", "sekret")
		path := s.write(`
env: staging
port: 8080
database_url: postgres://svc:${TEST_DB_PASS}@db:5432/security
redis_addr: redis:6379
jwt_signing_key: local-dev-key
logger:
  level: debug
  encoding: console
security:
  otp_length: 6
  resend_cooldown: 90s
rate_limit:
  enabled: true
  verify_per_ip: 20
retention:
  enabled: true
  interval: 30m
`)
		cfg, err := LoadConfig(path)
		s.Require().NoError(err)
		s.Equal("staging", cfg.Env)
		s.Equal(8080, cfg.Port)
		s.Equal("postgres://svc:sekret@db:5432/security", cfg.DatabaseURL)
		s.Equal("redis:6379", cfg.RedisAddr)
		s.Equal("debug", cfg.Logger.Level)
		s.Equal(90*time.Second, cfg.Security.ResendCooldown)
		s.Equal(20, cfg.RateLimit.VerifyPerIP)
		s.Equal(30*time.Minute, cfg.Retention.Interval)
	})

	s.Run("missing file returns an error", func() {
		_, err := LoadConfig(filepath.Join(s.T().TempDir(), "nope.yaml"))
		s.Require().Error(err)
	})

	s.Run("malformed yaml returns an error", func() {
		path := s.write("port: [not a port")
		_, err := LoadConfig(path)
		s.Require().Error(err)
	})
}
