package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/Netflix/go-env"
)

type Config struct {
	DatabaseDSN    string `env:"DATABASE_DSN,required=true"`
	DBMaxOpenConns int    `env:"DB_MAX_OPEN_CONNS,default=20"`
	RabbitMQURL    string `env:"RABBITMQ_URL,required=true"`
	RedisURL       string `env:"REDIS_URL,required=true"`

	AuthorityBaseURL   string `env:"AUTHORITY_BASE_URL,required=true"`
	AuthorityToken     string `env:"AUTHORITY_TOKEN"`
	AuthorityTimeoutMS int    `env:"AUTHORITY_TIMEOUT_MS,default=5000"`
	StoreTimeoutMS     int    `env:"STORE_TIMEOUT_MS,default=3000"`
	MaxAttempts        int    `env:"MAX_ATTEMPTS,default=5"`
	RateLimitPerSec    int    `env:"RATE_LIMIT_PER_SEC,default=5"`

	SweepIntervalSec int `env:"SWEEP_INTERVAL_SEC,default=30"`
	SweepBatchSize   int `env:"SWEEP_BATCH_SIZE,default=50"`
	SweepThrottleMS  int `env:"SWEEP_THROTTLE_MS,default=250"`

	ConfirmationPollEnabled     bool `env:"CONFIRMATION_POLL_ENABLED,default=true"`
	ConfirmationPollIntervalSec int  `env:"CONFIRMATION_POLL_INTERVAL_SEC,default=60"`
	ConfirmationPollMinAgeSec   int  `env:"CONFIRMATION_POLL_MIN_AGE_SEC,default=30"`

	BreakerFailureThreshold int `env:"BREAKER_FAILURE_THRESHOLD,default=5"`
	BreakerCooldownSec      int `env:"BREAKER_COOLDOWN_SEC,default=30"`

	SubmissionConsumerEnabled bool `env:"SUBMISSION_CONSUMER_ENABLED,default=true"`
	ConsumerPrefetch          int  `env:"CONSUMER_PREFETCH,default=4"`

	BusinessTimezone string `env:"BUSINESS_TIMEZONE,default=America/Bogota"`
	APIPort          int    `env:"API_PORT,default=8080"`
	LogLevel         string `env:"LOG_LEVEL,default=info"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.AuthorityBaseURL) == "" {
		return fmt.Errorf("AUTHORITY_BASE_URL must not be empty")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("MAX_ATTEMPTS must be at least 1, got %d", c.MaxAttempts)
	}
	if c.AuthorityTimeoutMS <= 0 || c.StoreTimeoutMS <= 0 {
		return fmt.Errorf("AUTHORITY_TIMEOUT_MS and STORE_TIMEOUT_MS must be positive")
	}
	if _, err := time.LoadLocation(c.BusinessTimezone); err != nil {
		return fmt.Errorf("invalid BUSINESS_TIMEZONE %q: %w", c.BusinessTimezone, err)
	}
	return nil
}

// Location returns the business time zone submission dates are computed in.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.BusinessTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c *Config) AuthorityTimeout() time.Duration {
	return time.Duration(c.AuthorityTimeoutMS) * time.Millisecond
}

func (c *Config) StoreTimeout() time.Duration {
	return time.Duration(c.StoreTimeoutMS) * time.Millisecond
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSec) * time.Second
}

func (c *Config) SweepThrottle() time.Duration {
	return time.Duration(c.SweepThrottleMS) * time.Millisecond
}

func (c *Config) ConfirmationPollInterval() time.Duration {
	return time.Duration(c.ConfirmationPollIntervalSec) * time.Second
}

func (c *Config) ConfirmationPollMinAge() time.Duration {
	return time.Duration(c.ConfirmationPollMinAgeSec) * time.Second
}

func (c *Config) BreakerCooldown() time.Duration {
	return time.Duration(c.BreakerCooldownSec) * time.Second
}

// lockStoreSteps counts the store-bounded steps a submission runs while it
// holds the reservation lock: latest read, payload build, create or refresh,
// and the transition write.
const (
	lockStoreSteps = 4
	lockMargin     = time.Second
)

// LockTTL bounds how long a reservation stays locked. It outlives every step
// taken under the lock, so the lock cannot lapse before the outcome is written.
func (c *Config) LockTTL() time.Duration {
	return c.AuthorityTimeout() + lockStoreSteps*c.StoreTimeout() + lockMargin
}
