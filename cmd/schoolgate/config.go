package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/nkiryanov/schoolgate/internal/logger"
)

const (
	defaultListenAddr      = "localhost:8000"
	defaultLoggingLevel    = logger.LevelInfo
	defaultEnvironment     = logger.EnvProduction
	defaultRedisURL        = "redis://localhost:6379/0"
	defaultKafkaGroup      = "schoolgate"
	defaultTokenService    = "http://token:8002"
	defaultUsersService    = "http://users:8003"
	defaultAccessTTL       = 30 * time.Minute
	defaultRefreshTTL      = 30 * 24 * time.Hour
	defaultTicketTTL       = 300 * time.Second
	defaultUpstreamTimeout = 5 * time.Second
	defaultSweepInterval   = 10 * time.Minute

	// Token service address that switches to in-process JWT authority
	localTokenService = "local"
)

type Config struct {
	// Default logging level
	LogLevel string

	// Environment, JSON logs in production
	Environment string

	// Address on which the gateway will be run
	ListenAddr string

	// Address of metrics server, disabled if empty
	MetricsAddr string

	// Database to connect to
	DatabaseDSN string

	// Shared cache for WebSocket tickets and session index
	RedisURL string

	// Kafka brokers, event consumers are disabled if empty
	KafkaBrokers []string
	KafkaGroupID string

	// Token authority base URL or 'local'
	TokenServiceURL string
	UsersServiceURL string
	UpstreamTimeout time.Duration

	// Secret key to sign tokens by the local token authority
	SecretKey string

	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	TicketTTL     time.Duration
	SweepInterval time.Duration

	// Origins allowed to open WebSocket connection from other hosts
	AllowedOrigins []string
}

func NewConfig() *Config {
	return &Config{
		LogLevel:        defaultLoggingLevel,
		Environment:     defaultEnvironment,
		ListenAddr:      defaultListenAddr,
		RedisURL:        defaultRedisURL,
		KafkaGroupID:    defaultKafkaGroup,
		TokenServiceURL: defaultTokenService,
		UsersServiceURL: defaultUsersService,
		UpstreamTimeout: defaultUpstreamTimeout,
		AccessTTL:       defaultAccessTTL,
		RefreshTTL:      defaultRefreshTTL,
		TicketTTL:       defaultTicketTTL,
		SweepInterval:   defaultSweepInterval,
	}
}

// Load variable from '.env' file (should be located at working directory)
func (c *Config) LoadDotEnv(getwd func() (string, error)) error {
	wd, err := getwd()
	if err != nil {
		return err
	}

	envMap, err := godotenv.Read(filepath.Join(wd, ".env"))

	switch {
	case err == nil:
		return c.LoadEnv(func(key string) string {
			return envMap[key]
		})
	case errors.Is(err, os.ErrNotExist):
		return nil
	default:
		return err
	}
}

func (c *Config) LoadEnv(getenv func(string) string) error {
	// Set option to value if it not empty
	setString := func(o *string) func(value string) error {
		return func(value string) error {
			if value != "" {
				*o = value
			}
			return nil
		}
	}
	setList := func(o *[]string) func(value string) error {
		return func(value string) error {
			if value != "" {
				*o = splitList(value)
			}
			return nil
		}
	}
	// Plain number is counted in unit, otherwise Go duration is expected
	setDuration := func(o *time.Duration, unit time.Duration) func(value string) error {
		return func(value string) error {
			if value == "" {
				return nil
			}
			d, err := parseDuration(value, unit)
			if err != nil {
				return err
			}
			*o = d
			return nil
		}
	}

	envMap := map[string]func(string) error{
		"RUN_ADDRESS":                 setString(&c.ListenAddr),
		"METRICS_ADDRESS":             setString(&c.MetricsAddr),
		"DATABASE_URI":                setString(&c.DatabaseDSN),
		"REDIS_URL":                   setString(&c.RedisURL),
		"KAFKA_BROKERS":               setList(&c.KafkaBrokers),
		"KAFKA_GROUP_ID":              setString(&c.KafkaGroupID),
		"TOKEN_SERVICE_URL":           setString(&c.TokenServiceURL),
		"USERS_SERVICE_URL":           setString(&c.UsersServiceURL),
		"SECRET_KEY":                  setString(&c.SecretKey),
		"LOG_LEVEL":                   setString(&c.LogLevel),
		"ENVIRONMENT":                 setString(&c.Environment),
		"ALLOWED_ORIGINS":             setList(&c.AllowedOrigins),
		"ACCESS_TOKEN_EXPIRE_MINUTES": setDuration(&c.AccessTTL, time.Minute),
		"REFRESH_TOKEN_EXPIRE_DAYS":   setDuration(&c.RefreshTTL, 24*time.Hour),
		"WS_TICKET_TTL":               setDuration(&c.TicketTTL, time.Second),
		"UPSTREAM_TIMEOUT":            setDuration(&c.UpstreamTimeout, time.Second),
		"SESSION_SWEEP_INTERVAL":      setDuration(&c.SweepInterval, time.Second),
	}

	var errs []error
	for key, parseFn := range envMap {
		if err := parseFn(getenv(key)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}

	return errors.Join(errs...)
}

func (c *Config) ParseFlags(args []string) error {
	fs := pflag.NewFlagSet("schoolgate", pflag.ContinueOnError)

	fs.StringVarP(&c.ListenAddr, "address", "a", c.ListenAddr, "Server listen address")
	fs.StringVarP(&c.MetricsAddr, "metrics-address", "m", c.MetricsAddr, "Metrics server listen address")
	fs.StringVarP(&c.DatabaseDSN, "database", "d", c.DatabaseDSN, "Database connection string")
	fs.StringVarP(&c.RedisURL, "redis", "r", c.RedisURL, "Redis URL")
	fs.StringSliceVarP(&c.KafkaBrokers, "kafka-brokers", "k", c.KafkaBrokers, "Kafka brokers, comma separated")
	fs.StringVar(&c.KafkaGroupID, "kafka-group", c.KafkaGroupID, "Kafka consumer group")
	fs.StringVarP(&c.TokenServiceURL, "token-service", "t", c.TokenServiceURL, "Token service URL or 'local'")
	fs.StringVarP(&c.UsersServiceURL, "users-service", "u", c.UsersServiceURL, "Users service URL")
	fs.DurationVar(&c.UpstreamTimeout, "upstream-timeout", c.UpstreamTimeout, "Timeout of calls to token and users services")
	fs.StringVarP(&c.SecretKey, "secret-key", "s", c.SecretKey, "Secret key of the local token authority")
	fs.DurationVar(&c.AccessTTL, "access-ttl", c.AccessTTL, "Access token lifetime")
	fs.DurationVar(&c.RefreshTTL, "refresh-ttl", c.RefreshTTL, "Refresh token and session lifetime")
	fs.DurationVar(&c.TicketTTL, "ws-ticket-ttl", c.TicketTTL, "WebSocket ticket lifetime")
	fs.DurationVar(&c.SweepInterval, "sweep-interval", c.SweepInterval, "Expired sessions sweep interval, 0 disables")
	fs.StringSliceVar(&c.AllowedOrigins, "allowed-origins", c.AllowedOrigins, "Origins allowed to open WebSocket")
	fs.StringVarP(&c.LogLevel, "log-level", "l", c.LogLevel, "Logging level (debug, info, warn, error)")
	fs.StringVarP(&c.Environment, "environment", "e", c.Environment, "Environment (development, production)")

	return fs.Parse(args)
}

// Validate checks options that have no sane default
func (c *Config) Validate() error {
	var errs []error

	if c.DatabaseDSN == "" {
		errs = append(errs, errors.New("database DSN is required"))
	}
	if c.TokenServiceURL == localTokenService && c.SecretKey == "" {
		errs = append(errs, errors.New("secret key is required by local token service"))
	}
	if c.AccessTTL <= 0 || c.RefreshTTL <= 0 || c.TicketTTL <= 0 {
		errs = append(errs, errors.New("token and ticket lifetimes must be positive"))
	}
	if c.SweepInterval < 0 {
		errs = append(errs, errors.New("sweep interval must not be negative"))
	}

	return errors.Join(errs...)
}

func parseDuration(value string, unit time.Duration) (time.Duration, error) {
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * unit, nil
	}
	return time.ParseDuration(value)
}

func splitList(value string) []string {
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
