// Package config provides configuration parsing and environment variable
// handling for the authentication caching service: per-tier backend URLs,
// mTLS keystore/truststore locations, and pool sizing.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("configuration error for %s: %s", e.Field, e.Message)
}

// TLSStoreConfig holds a PKCS#12 keystore/truststore pair for one backend.
type TLSStoreConfig struct {
	KeystorePath        string
	KeystorePassword    string
	TruststorePath      string
	TruststorePassword  string
}

// RedisConfig holds L2 (KV pool) configuration.
type RedisConfig struct {
	URL      string
	Password string
	TLS      TLSStoreConfig

	MaxTotal             int
	MaxIdle              int
	MinIdle              int
	MaxWait              time.Duration
	ConnectTimeout        time.Duration
	SocketTimeout         time.Duration
	EvictionRunInterval   time.Duration
	MinEvictableIdleTime  time.Duration
	TestsPerEviction      int
}

// MongoConfig holds L3 (document pool) configuration.
type MongoConfig struct {
	URL      string
	Database string
	TLS      TLSStoreConfig

	MinPoolSize   int
	MaxPoolSize   int
	IdleTTL       time.Duration
	LifetimeTTL   time.Duration
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

// LDAPConfig holds L4 (directory pool) configuration.
type LDAPConfig struct {
	URL          string
	BindDN       string
	BindPassword string
	BaseDN       string
	TLS          TLSStoreConfig

	MaxConnections      int
	MinConnections      int
	MaxIdleTime         time.Duration
	MaxLifetime         time.Duration
	HealthCheckInterval time.Duration
	AcquireTimeout      time.Duration
}

// SecureCacheConfig holds L1 secure memory cache tuning.
type SecureCacheConfig struct {
	DefaultTTL      time.Duration
	RotationPeriod  time.Duration
	SweepInterval   time.Duration
	SoftCapEntries  int
}

// BatchConfig holds client façade batch-authentication defaults.
type BatchConfig struct {
	MaxConcurrency int
	Timeout        time.Duration
}

// Opts holds all configuration options for the authentication caching service.
type Opts struct {
	LogLevel zerolog.Level

	Redis  RedisConfig
	Mongo  MongoConfig
	LDAP   LDAPConfig
	Secure SecureCacheConfig
	Batch  BatchConfig

	HealthListenAddr string
}

func envStringOrDefault(name, d string) string {
	if v, exists := os.LookupEnv(name); exists && v != "" {
		return v
	}

	return d
}

func envDurationOrDefault(name string, d time.Duration) (time.Duration, error) {
	raw := envStringOrDefault(name, d.String())

	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, ValidationError{
			Field:   name,
			Message: fmt.Sprintf("could not parse %q as duration: %v", raw, err),
		}
	}

	return v, nil
}

func envIntOrDefault(name string, d int) (int, error) {
	raw := envStringOrDefault(name, strconv.Itoa(d))

	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, ValidationError{
			Field:   name,
			Message: fmt.Sprintf("could not parse %q as int: %v", raw, err),
		}
	}

	return v, nil
}

func envLogLevelOrDefault(name string, d zerolog.Level) (string, error) {
	raw := envStringOrDefault(name, d.String())

	if _, err := zerolog.ParseLevel(raw); err != nil {
		return "", ValidationError{
			Field:   name,
			Message: fmt.Sprintf("could not parse %q as log level: %v", raw, err),
		}
	}

	return raw, nil
}

func tlsStoreFromEnv(prefix string) TLSStoreConfig {
	return TLSStoreConfig{
		KeystorePath:       envStringOrDefault(prefix+"_KEYSTORE_PATH", ""),
		KeystorePassword:   envStringOrDefault(prefix+"_KEYSTORE_PASSWORD", ""),
		TruststorePath:     envStringOrDefault(prefix+"_TRUSTSTORE_PATH", ""),
		TruststorePassword: envStringOrDefault(prefix+"_TRUSTSTORE_PASSWORD", ""),
	}
}

// Parse parses environment variables (and an optional .env/.env.local file)
// to build the process-wide configuration. Flags are also registered so that
// `--log-level` etc. override the environment, matching the teacher's
// flag-over-env precedence.
func Parse() (*Opts, error) {
	if err := godotenv.Load(".env.local", ".env"); err != nil {
		log.Debug().Err(err).Msg("could not load .env file, continuing with process environment")
	}

	logLevelStr, err := envLogLevelOrDefault("LOG_LEVEL", zerolog.InfoLevel)
	if err != nil {
		return nil, err
	}

	redisMaxTotal, err := envIntOrDefault("REDIS_POOL_MAX_TOTAL", 50)
	if err != nil {
		return nil, err
	}
	redisMaxIdle, err := envIntOrDefault("REDIS_POOL_MAX_IDLE", 20)
	if err != nil {
		return nil, err
	}
	redisMinIdle, err := envIntOrDefault("REDIS_POOL_MIN_IDLE", 5)
	if err != nil {
		return nil, err
	}
	redisMaxWait, err := envDurationOrDefault("REDIS_POOL_MAX_WAIT", 3*time.Second)
	if err != nil {
		return nil, err
	}
	redisConnectTimeout, err := envDurationOrDefault("REDIS_CONNECT_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	redisSocketTimeout, err := envDurationOrDefault("REDIS_SOCKET_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}
	redisEvictionRun, err := envDurationOrDefault("REDIS_EVICTION_RUN_INTERVAL", 30*time.Second)
	if err != nil {
		return nil, err
	}
	redisMinEvictableIdle, err := envDurationOrDefault("REDIS_MIN_EVICTABLE_IDLE_TIME", 60*time.Second)
	if err != nil {
		return nil, err
	}
	redisTestsPerEviction, err := envIntOrDefault("REDIS_TESTS_PER_EVICTION", 3)
	if err != nil {
		return nil, err
	}

	mongoMin, err := envIntOrDefault("MONGODB_POOL_MIN", 5)
	if err != nil {
		return nil, err
	}
	mongoMax, err := envIntOrDefault("MONGODB_POOL_MAX", 50)
	if err != nil {
		return nil, err
	}
	mongoIdleTTL, err := envDurationOrDefault("MONGODB_IDLE_TTL", 30*time.Second)
	if err != nil {
		return nil, err
	}
	mongoLifetimeTTL, err := envDurationOrDefault("MONGODB_LIFETIME_TTL", 600*time.Second)
	if err != nil {
		return nil, err
	}
	mongoConnectTimeout, err := envDurationOrDefault("MONGODB_CONNECT_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	mongoReadTimeout, err := envDurationOrDefault("MONGODB_READ_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}

	ldapMaxConn, err := envIntOrDefault("LDAP_POOL_MAX_CONNECTIONS", 10)
	if err != nil {
		return nil, err
	}
	ldapMinConn, err := envIntOrDefault("LDAP_POOL_MIN_CONNECTIONS", 2)
	if err != nil {
		return nil, err
	}
	ldapMaxIdleTime, err := envDurationOrDefault("LDAP_POOL_MAX_IDLE_TIME", 15*time.Minute)
	if err != nil {
		return nil, err
	}
	ldapMaxLifetime, err := envDurationOrDefault("LDAP_POOL_MAX_LIFETIME", 1*time.Hour)
	if err != nil {
		return nil, err
	}
	ldapHealthCheckInterval, err := envDurationOrDefault("LDAP_POOL_HEALTH_CHECK_INTERVAL", 30*time.Second)
	if err != nil {
		return nil, err
	}
	ldapAcquireTimeout, err := envDurationOrDefault("LDAP_POOL_ACQUIRE_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}

	secureDefaultTTL, err := envDurationOrDefault("SECURE_CACHE_DEFAULT_TTL", 300*time.Second)
	if err != nil {
		return nil, err
	}
	secureRotation, err := envDurationOrDefault("SECURE_CACHE_ROTATION_PERIOD", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	secureSweep, err := envDurationOrDefault("SECURE_CACHE_SWEEP_INTERVAL", 60*time.Second)
	if err != nil {
		return nil, err
	}
	secureSoftCap, err := envIntOrDefault("SECURE_CACHE_SOFT_CAP", 100_000)
	if err != nil {
		return nil, err
	}

	batchConcurrency, err := envIntOrDefault("BATCH_MAX_CONCURRENCY", 10)
	if err != nil {
		return nil, err
	}
	batchTimeout, err := envDurationOrDefault("BATCH_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}

	var (
		fLogLevel = flag.String("log-level", logLevelStr,
			"Log level. Valid values are: trace, debug, info, warn, error, fatal, panic.")
		fHealthAddr = flag.String("health-listen-addr",
			envStringOrDefault("HEALTH_LISTEN_ADDR", ":3000"),
			"Listen address for the /health, /health/live and /metrics HTTP endpoints.")
	)

	if !flag.Parsed() {
		flag.Parse()
	}

	logLevel, err := zerolog.ParseLevel(*fLogLevel)
	if err != nil {
		return nil, ValidationError{Field: "log-level", Message: err.Error()}
	}

	return &Opts{
		LogLevel: logLevel,

		Redis: RedisConfig{
			URL:                  envStringOrDefault("REDIS_URL", ""),
			Password:             envStringOrDefault("REDIS_PASSWORD", ""),
			TLS:                  tlsStoreFromEnv("REDIS"),
			MaxTotal:             redisMaxTotal,
			MaxIdle:              redisMaxIdle,
			MinIdle:              redisMinIdle,
			MaxWait:              redisMaxWait,
			ConnectTimeout:       redisConnectTimeout,
			SocketTimeout:        redisSocketTimeout,
			EvictionRunInterval:  redisEvictionRun,
			MinEvictableIdleTime: redisMinEvictableIdle,
			TestsPerEviction:     redisTestsPerEviction,
		},

		Mongo: MongoConfig{
			URL:            envStringOrDefault("MONGODB_URL", ""),
			Database:       envStringOrDefault("MONGODB_DATABASE", "authcache"),
			TLS:            tlsStoreFromEnv("MONGODB"),
			MinPoolSize:    mongoMin,
			MaxPoolSize:    mongoMax,
			IdleTTL:        mongoIdleTTL,
			LifetimeTTL:    mongoLifetimeTTL,
			ConnectTimeout: mongoConnectTimeout,
			ReadTimeout:    mongoReadTimeout,
		},

		LDAP: LDAPConfig{
			URL:                 envStringOrDefault("LDAP_URL", ""),
			BindDN:              envStringOrDefault("LDAP_BIND_DN", ""),
			BindPassword:        envStringOrDefault("LDAP_BIND_PASSWORD", ""),
			BaseDN:              envStringOrDefault("LDAP_BASE_DN", ""),
			TLS:                 tlsStoreFromEnv("LDAP"),
			MaxConnections:      ldapMaxConn,
			MinConnections:      ldapMinConn,
			MaxIdleTime:         ldapMaxIdleTime,
			MaxLifetime:         ldapMaxLifetime,
			HealthCheckInterval: ldapHealthCheckInterval,
			AcquireTimeout:      ldapAcquireTimeout,
		},

		Secure: SecureCacheConfig{
			DefaultTTL:     secureDefaultTTL,
			RotationPeriod: secureRotation,
			SweepInterval:  secureSweep,
			SoftCapEntries: secureSoftCap,
		},

		Batch: BatchConfig{
			MaxConcurrency: batchConcurrency,
			Timeout:        batchTimeout,
		},

		HealthListenAddr: *fHealthAddr,
	}, nil
}
