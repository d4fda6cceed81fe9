package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"registrar/internal/registration/fees"
	"registrar/internal/registration/models"
	pstrings "registrar/pkg/platform/strings"
)

// Config is the full runtime configuration, loaded from registrar.yaml and
// REGISTRAR_* environment variables.
type Config struct {
	Server   Server       `mapstructure:"server"`
	Postgres Postgres     `mapstructure:"postgres"`
	Redis    Redis        `mapstructure:"redis"`
	Kafka    Kafka        `mapstructure:"kafka"`
	Gateway  Gateway      `mapstructure:"gateway"`
	Checkout Checkout     `mapstructure:"checkout"`
	Fees     []fees.Entry `mapstructure:"fees"`
	Currency string       `mapstructure:"currency"`
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr          string `mapstructure:"addr"`
	Env           string `mapstructure:"env"`
	LogLevel      string `mapstructure:"log_level"`
	JWTSigningKey string `mapstructure:"jwt_signing_key"`
	JWTIssuer     string `mapstructure:"jwt_issuer"`
}

// Postgres is optional; an empty DSN selects the in-memory stores.
type Postgres struct {
	DSN            string        `mapstructure:"dsn"`
	MaxConns       int32         `mapstructure:"max_conns"`
	MinConns       int32         `mapstructure:"min_conns"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// Redis is optional; an empty URL selects the in-memory session and journal stores.
type Redis struct {
	URL          string        `mapstructure:"url"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Kafka is optional; no brokers keeps audit events in process.
type Kafka struct {
	Brokers  string `mapstructure:"brokers"`
	Topic    string `mapstructure:"topic"`
	ClientID string `mapstructure:"client_id"`
}

func (k Kafka) BrokerList() []string { return pstrings.SplitList(k.Brokers) }

// Gateway configures the payment gateway client. An empty BaseURL selects
// the in-process sandbox gateway.
type Gateway struct {
	BaseURL          string        `mapstructure:"base_url"`
	APIKey           string        `mapstructure:"api_key"`
	Timeout          time.Duration `mapstructure:"timeout"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
}

type Checkout struct {
	SessionTTL     time.Duration `mapstructure:"session_ttl"`
	JournalTTL     time.Duration `mapstructure:"journal_ttl"`
	Parallelism    int           `mapstructure:"parallelism"`
	AuditBuffer    int           `mapstructure:"audit_buffer"`
	OwnershipCheck bool          `mapstructure:"ownership_check"`
	// AllowedGrades limits the grades new players may register with. Empty
	// allows any grade.
	AllowedGrades  []string      `mapstructure:"allowed_grades"`
}

// Defaults returns a configuration that runs entirely in memory.
func Defaults() Config {
	return Config{
		Server: Server{
			Addr:          ":8080",
			Env:           "dev",
			LogLevel:      "info",
			JWTSigningKey: "dev-secret-key-change-in-production",
			JWTIssuer:     "registrar",
		},
		Postgres: Postgres{MaxConns: 10, ConnectTimeout: 5 * time.Second},
		Redis: Redis{
			PoolSize:     10,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Kafka: Kafka{Topic: "registrar.audit", ClientID: "registrar"},
		Gateway: Gateway{
			Timeout:          10 * time.Second,
			FailureThreshold: 5,
			SuccessThreshold: 1,
			Cooldown:         30 * time.Second,
		},
		Checkout: Checkout{
			SessionTTL:     2 * time.Hour,
			JournalTTL:     72 * time.Hour,
			Parallelism:    4,
			AuditBuffer:    256,
			OwnershipCheck: true,
		},
		Fees: []fees.Entry{
			{Kind: models.EventKindSeason, Tier: "1x/week", PerEntityMinorUnits: 30000},
			{Kind: models.EventKindSeason, Tier: "2x/week", PerEntityMinorUnits: 45000},
			{Kind: models.EventKindSeason, Tier: "3x/week", PerEntityMinorUnits: 60000},
			{Kind: models.EventKindTryout, Tier: "standard", PerEntityMinorUnits: 5000},
			{Kind: models.EventKindTournament, Tier: "team", PerEntityMinorUnits: 40000},
		},
		Currency: "usd",
	}
}

// Load reads configuration into a copy of Defaults. path may be empty, in
// which case registrar.yaml is looked up in the working directory and
// /etc/registrar, and a missing file is not an error.
func Load(v *viper.Viper, path string) (Config, error) {
	cfg := Defaults()
	setDefaults(v, cfg)

	v.SetEnvPrefix("REGISTRAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("registrar")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/registrar")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	if v.IsSet("fees") {
		cfg.Fees = nil
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// setDefaults registers every scalar key so AutomaticEnv can override keys
// that never appear in a file.
func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("server.addr", cfg.Server.Addr)
	v.SetDefault("server.env", cfg.Server.Env)
	v.SetDefault("server.log_level", cfg.Server.LogLevel)
	v.SetDefault("server.jwt_signing_key", cfg.Server.JWTSigningKey)
	v.SetDefault("server.jwt_issuer", cfg.Server.JWTIssuer)
	v.SetDefault("postgres.dsn", cfg.Postgres.DSN)
	v.SetDefault("postgres.max_conns", cfg.Postgres.MaxConns)
	v.SetDefault("postgres.min_conns", cfg.Postgres.MinConns)
	v.SetDefault("postgres.connect_timeout", cfg.Postgres.ConnectTimeout)
	v.SetDefault("redis.url", cfg.Redis.URL)
	v.SetDefault("redis.pool_size", cfg.Redis.PoolSize)
	v.SetDefault("redis.min_idle_conns", cfg.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", cfg.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", cfg.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", cfg.Redis.WriteTimeout)
	v.SetDefault("kafka.brokers", cfg.Kafka.Brokers)
	v.SetDefault("kafka.topic", cfg.Kafka.Topic)
	v.SetDefault("kafka.client_id", cfg.Kafka.ClientID)
	v.SetDefault("gateway.base_url", cfg.Gateway.BaseURL)
	v.SetDefault("gateway.api_key", cfg.Gateway.APIKey)
	v.SetDefault("gateway.timeout", cfg.Gateway.Timeout)
	v.SetDefault("gateway.failure_threshold", cfg.Gateway.FailureThreshold)
	v.SetDefault("gateway.success_threshold", cfg.Gateway.SuccessThreshold)
	v.SetDefault("gateway.cooldown", cfg.Gateway.Cooldown)
	v.SetDefault("checkout.session_ttl", cfg.Checkout.SessionTTL)
	v.SetDefault("checkout.journal_ttl", cfg.Checkout.JournalTTL)
	v.SetDefault("checkout.parallelism", cfg.Checkout.Parallelism)
	v.SetDefault("checkout.audit_buffer", cfg.Checkout.AuditBuffer)
	v.SetDefault("checkout.ownership_check", cfg.Checkout.OwnershipCheck)
	v.SetDefault("currency", cfg.Currency)
}

// Validate rejects configurations the service cannot start with.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Server.Env != "dev" && c.Server.JWTSigningKey == Defaults().Server.JWTSigningKey {
		errs = append(errs, errors.New("server.jwt_signing_key must be set outside dev"))
	}
	if c.Checkout.Parallelism < 1 {
		errs = append(errs, errors.New("checkout.parallelism must be at least 1"))
	}
	if c.Checkout.SessionTTL <= 0 {
		errs = append(errs, errors.New("checkout.session_ttl must be positive"))
	}
	if c.Gateway.Timeout <= 0 {
		errs = append(errs, errors.New("gateway.timeout must be positive"))
	}
	if strings.TrimSpace(c.Currency) == "" {
		errs = append(errs, errors.New("currency is required"))
	}
	if len(c.Fees) == 0 {
		errs = append(errs, errors.New("at least one fee entry is required"))
	} else if _, err := fees.New(c.Fees); err != nil {
		errs = append(errs, err)
	}
	if c.Kafka.Brokers != "" && c.Kafka.Topic == "" {
		errs = append(errs, errors.New("kafka.topic is required when brokers are set"))
	}
	return errors.Join(errs...)
}
