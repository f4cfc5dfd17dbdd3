package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds server configuration loaded from environment variables (and
// an optional .env file for local development).
type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	// RequestTimeout bounds how long a single FHIR HTTP request may run
	// before the handler's context is cancelled (§5 Cancellation/timeout).
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	// StatementTimeoutMS, when positive, is set as each pool connection's
	// `statement_timeout` (milliseconds), so Postgres cancels any statement
	// that runs longer, independent of the request deadline.
	StatementTimeoutMS int `mapstructure:"STATEMENT_TIMEOUT_MS"`

	// PoolAcquireTimeout is loaded and defaulted but not read by
	// db.NewPool; waiting for a pool connection is bounded only by the
	// caller's context deadline.
	PoolAcquireTimeout time.Duration `mapstructure:"POOL_ACQUIRE_TIMEOUT"`

	// Search count bounds, checked by Validate. The search planner does
	// not read them (it uses searchplanner.DefaultPageSize/MaxPageSize),
	// and nothing reads IncludeMaxIterate.
	SearchDefaultCount int `mapstructure:"SEARCH_DEFAULT_COUNT"`
	SearchMaxCount     int `mapstructure:"SEARCH_MAX_COUNT"`
	IncludeMaxIterate  int `mapstructure:"INCLUDE_MAX_ITERATE"`

	// Strict/lenient handling default when a request carries no
	// `Prefer: handling=` header (§4.5 Resolution).
	DefaultSearchHandling string `mapstructure:"DEFAULT_SEARCH_HANDLING"`

	// FHIRPath compiler strictness: "strict" surfaces unresolved paths and
	// mismatched types as compile errors, "lenient" degrades them to a
	// warning + Empty (§4.2 Static analysis). Checked by Validate; the
	// search indexer compiles in lenient mode whatever this is set to.
	FHIRPathMode string `mapstructure:"FHIRPATH_MODE"`

	// Job queue / worker tuning (§4.7, §4.8).
	WorkerCount          int           `mapstructure:"WORKER_COUNT"`
	WorkerReconnectDelay time.Duration `mapstructure:"WORKER_RECONNECT_DELAY"`
	WorkerReconnectMax   time.Duration `mapstructure:"WORKER_RECONNECT_MAX"`
	WorkerJitterRatio    float64       `mapstructure:"WORKER_JITTER_RATIO"`

	// ResourceTypes lists the resource types this server exposes a REST
	// surface for (§6). There is no fixed StructureDefinition bundle baked
	// into the schema — search_parameters rows drive what each type can
	// search on — so the server needs to be told which types to route.
	ResourceTypes []string `mapstructure:"SERVED_RESOURCE_TYPES"`

	BaseURL         string `mapstructure:"BASE_URL"`
	SoftwareVersion string `mapstructure:"SOFTWARE_VERSION"`
	FHIRVersion     string `mapstructure:"FHIR_VERSION"`
}

// Load reads configuration from `.env` (if present) and the environment,
// applying defaults for anything unset.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("STATEMENT_TIMEOUT_MS", 20000)
	v.SetDefault("POOL_ACQUIRE_TIMEOUT", "5s")
	v.SetDefault("SEARCH_DEFAULT_COUNT", 20)
	v.SetDefault("SEARCH_MAX_COUNT", 500)
	v.SetDefault("INCLUDE_MAX_ITERATE", 5)
	v.SetDefault("DEFAULT_SEARCH_HANDLING", "lenient")
	v.SetDefault("FHIRPATH_MODE", "lenient")
	v.SetDefault("WORKER_COUNT", 2)
	v.SetDefault("WORKER_RECONNECT_DELAY", "1s")
	v.SetDefault("WORKER_RECONNECT_MAX", "30s")
	v.SetDefault("WORKER_JITTER_RATIO", 0.2)
	v.SetDefault("SERVED_RESOURCE_TYPES",
		"Patient,Practitioner,Organization,Encounter,Condition,Observation,"+
			"MedicationRequest,AllergyIntolerance,Procedure,DiagnosticReport")
	v.SetDefault("BASE_URL", "http://localhost:8000/fhir")
	v.SetDefault("SOFTWARE_VERSION", "0.1.0")
	v.SetDefault("FHIR_VERSION", "4.0.1")

	for _, key := range []string{
		"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "CORS_ORIGINS",
		"REQUEST_TIMEOUT", "STATEMENT_TIMEOUT_MS", "POOL_ACQUIRE_TIMEOUT",
		"SEARCH_DEFAULT_COUNT", "SEARCH_MAX_COUNT", "INCLUDE_MAX_ITERATE",
		"DEFAULT_SEARCH_HANDLING", "FHIRPATH_MODE",
		"WORKER_COUNT", "WORKER_RECONNECT_DELAY", "WORKER_RECONNECT_MAX", "WORKER_JITTER_RATIO",
		"SERVED_RESOURCE_TYPES", "BASE_URL", "SOFTWARE_VERSION", "FHIR_VERSION",
	} {
		_ = v.BindEnv(key)
	}

	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}
	if cfg.ResourceTypes == nil {
		if types := v.GetString("SERVED_RESOURCE_TYPES"); types != "" {
			cfg.ResourceTypes = strings.Split(types, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.DefaultSearchHandling != "strict" && c.DefaultSearchHandling != "lenient" {
		return fmt.Errorf("DEFAULT_SEARCH_HANDLING must be \"strict\" or \"lenient\", got %q", c.DefaultSearchHandling)
	}
	if c.FHIRPathMode != "strict" && c.FHIRPathMode != "lenient" {
		return fmt.Errorf("FHIRPATH_MODE must be \"strict\" or \"lenient\", got %q", c.FHIRPathMode)
	}
	if c.SearchMaxCount <= 0 || c.SearchDefaultCount <= 0 || c.SearchDefaultCount > c.SearchMaxCount {
		return fmt.Errorf("invalid search count bounds: default=%d max=%d", c.SearchDefaultCount, c.SearchMaxCount)
	}
	if c.WorkerCount <= 0 {
		return fmt.Errorf("WORKER_COUNT must be positive, got %d", c.WorkerCount)
	}
	return nil
}
