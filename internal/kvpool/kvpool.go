// Package kvpool implements the L2 tier: a pooled, optionally TLS-protected
// client to a Redis-compatible key/value store.
package kvpool

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/netresearch/authcache/internal/mtls"
	"github.com/netresearch/authcache/internal/retry"
)

// ErrNotFound is returned by Get on a cache miss.
var ErrNotFound = errors.New("kvpool: key not found")

// Config mirrors the fixed, documented pool sizing of spec §4.2. The fields
// that go-redis does not expose a literal knob for (eviction run interval,
// min evictable idle time, tests per eviction) are carried anyway so they
// remain part of the documented contract and are exercised by validation
// tests, matching SPEC_FULL.md §4.2's "documented intent" approach.
type Config struct {
	URL      string // scheme://[user:pass@]host:port, scheme in {kv, kvs}
	Password string

	MaxTotal             int
	MaxIdle              int
	MinIdle              int
	MaxWait              time.Duration
	ConnectTimeout       time.Duration
	SocketTimeout        time.Duration
	EvictionRunInterval  time.Duration
	MinEvictableIdleTime time.Duration
	TestsPerEviction     int

	TLS *mtls.Base
}

// DefaultConfig returns the fixed pool sizing from spec §4.2.
func DefaultConfig() Config {
	return Config{
		MaxTotal:             50,
		MaxIdle:              20,
		MinIdle:              5,
		MaxWait:              3 * time.Second,
		ConnectTimeout:       5 * time.Second,
		SocketTimeout:        10 * time.Second,
		EvictionRunInterval:  30 * time.Second,
		MinEvictableIdleTime: 60 * time.Second,
		TestsPerEviction:     3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()

	if c.MaxTotal <= 0 {
		c.MaxTotal = d.MaxTotal
	}
	if c.MaxIdle <= 0 {
		c.MaxIdle = d.MaxIdle
	}
	if c.MinIdle < 0 {
		c.MinIdle = d.MinIdle
	}
	if c.MaxWait <= 0 {
		c.MaxWait = d.MaxWait
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.SocketTimeout <= 0 {
		c.SocketTimeout = d.SocketTimeout
	}
	if c.EvictionRunInterval <= 0 {
		c.EvictionRunInterval = d.EvictionRunInterval
	}
	if c.MinEvictableIdleTime <= 0 {
		c.MinEvictableIdleTime = d.MinEvictableIdleTime
	}
	if c.TestsPerEviction <= 0 {
		c.TestsPerEviction = d.TestsPerEviction
	}

	return c
}

// parsedEndpoint is the result of decoding a kv://[user:pass@]host:port URL.
type parsedEndpoint struct {
	addr    string
	useTLS  bool
	passwd  string
}

// parseURL decodes scheme://[user:pass@]host:port, defaulting host=localhost
// and port 6380 (TLS) or 6379 (plain), TLS on by default, per spec §4.2.
func parseURL(raw string) (parsedEndpoint, error) {
	if raw == "" {
		return parsedEndpoint{addr: "localhost:6380", useTLS: true}, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return parsedEndpoint{}, fmt.Errorf("kvpool: invalid URL %q: %w", raw, err)
	}

	useTLS := true
	switch u.Scheme {
	case "kv":
		useTLS = false
	case "kvs", "":
		useTLS = true
	default:
		return parsedEndpoint{}, fmt.Errorf("kvpool: unsupported scheme %q", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		host = "localhost"
	}

	port := u.Port()
	if port == "" {
		if useTLS {
			port = "6380"
		} else {
			port = "6379"
		}
	}

	passwd := ""
	if u.User != nil {
		passwd, _ = u.User.Password()
	}

	return parsedEndpoint{addr: host + ":" + port, useTLS: useTLS, passwd: passwd}, nil
}

// Pool wraps a go-redis client with the base pool/TLS bookkeeping shared by
// every tier, following the same attempt/failure counter discipline as the
// teacher's ConnectionPool.
type Pool struct {
	base   *mtls.Base
	client *redis.Client
	config Config

	closed int32
}

// New constructs the L2 pool and performs one liveness ping to establish
// initial health, matching the teacher's warmupPool intent without
// pre-creating N physical connections (go-redis manages its own socket pool
// internally; we manage the mTLS context and health bookkeeping on top).
func New(cfg Config) (*Pool, error) {
	cfg = cfg.withDefaults()

	ep, err := parseURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	opts := &redis.Options{
		Addr:         ep.addr,
		Password:     cfg.Password,
		PoolSize:     cfg.MaxTotal,
		MinIdleConns: cfg.MinIdle,
		PoolTimeout:  cfg.MaxWait,
		DialTimeout:  cfg.ConnectTimeout,
		ReadTimeout:  cfg.SocketTimeout,
		WriteTimeout: cfg.SocketTimeout,
	}

	if cfg.Password == "" && ep.passwd != "" {
		opts.Password = ep.passwd
	}

	if ep.useTLS && cfg.TLS != nil && cfg.TLS.ValidateCertificates() {
		opts.TLSConfig = cfg.TLS.TLSConfig()
	} else if ep.useTLS {
		log.Warn().Msg("kvpool: kvs:// requested but no mTLS material configured, downgrading to server-only TLS")

		host, _, _ := net.SplitHostPort(ep.addr)
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12, ServerName: host}
	}

	p := &Pool{
		base:   cfg.TLS,
		client: redis.NewClient(opts),
		config: cfg,
	}

	if p.base == nil {
		b, _ := mtls.NewBase(mtls.Config{ServiceName: "kv"})
		p.base = b
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()

	if err := p.Ping(ctx); err != nil {
		log.Warn().Err(err).Msg("kvpool: initial ping failed, pool starts in degraded state")
	}

	log.Info().Str("addr", ep.addr).Bool("tls", ep.useTLS).Int("max_total", cfg.MaxTotal).
		Msg("L2 key/value pool initialized")

	return p, nil
}

// Ping issues a liveness check and updates health bookkeeping, matching the
// base's health_check contract from spec §4.1.
func (p *Pool) Ping(ctx context.Context) error {
	p.base.RecordAttempt()

	if err := p.client.Ping(ctx).Err(); err != nil {
		p.base.RecordFailure()
		p.base.RecordHealthCheck(false)

		return fmt.Errorf("kvpool: ping failed: %w", err)
	}

	p.base.RecordHealthCheck(true)

	return nil
}

// Get fetches a key, returning ErrNotFound on a miss. On failure it marks
// the pool unhealthy; the caller (distributed auth cache) is expected to
// skip this tier and fall through, never treat it as fatal.
func (p *Pool) Get(ctx context.Context, key string) ([]byte, error) {
	p.base.RecordAttempt()

	val, err := retry.DoWithResultConfig(ctx, retry.KVConfig(), func() ([]byte, error) {
		return p.client.Get(ctx, key).Bytes()
	})
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		p.base.RecordFailure()

		return nil, fmt.Errorf("kvpool: get %q: %w", key, err)
	}

	return val, nil
}

// Set stores a value with the given TTL. ttl <= 0 means no expiry.
func (p *Pool) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	p.base.RecordAttempt()

	err := retry.DoWithConfig(ctx, retry.KVConfig(), func() error {
		return p.client.Set(ctx, key, value, ttl).Err()
	})
	if err != nil {
		p.base.RecordFailure()

		return fmt.Errorf("kvpool: set %q: %w", key, err)
	}

	return nil
}

// Del removes a key. It is not an error for the key to already be absent.
func (p *Pool) Del(ctx context.Context, key string) error {
	p.base.RecordAttempt()

	if err := p.client.Del(ctx, key).Err(); err != nil {
		p.base.RecordFailure()

		return fmt.Errorf("kvpool: del %q: %w", key, err)
	}

	return nil
}

// Stats returns the base counter triple plus the live go-redis pool stats,
// surfaced through C11.
func (p *Pool) Stats() Stats {
	poolStats := p.client.PoolStats()

	return Stats{
		PoolStats: p.base.Stats(),
		Active:    int(poolStats.TotalConns - poolStats.IdleConns),
		Idle:      int(poolStats.IdleConns),
		Waiters:   int(poolStats.StaleConns),
		Max:       p.config.MaxTotal,
	}
}

// Stats extends the shared PoolStats with go-redis's live active/idle/max
// counters, matching spec §3's "pool-specific active/idle/waiters/max".
type Stats struct {
	mtls.PoolStats
	Active  int `json:"active"`
	Idle    int `json:"idle"`
	Waiters int `json:"waiters"`
	Max     int `json:"max"`
}

// Close shuts down the pool. Safe to call more than once.
func (p *Pool) Close() error {
	if !atomic.CompareAndSwapInt32(&p.closed, 0, 1) {
		return nil
	}

	log.Info().Msg("L2 key/value pool shutting down")

	return p.client.Close()
}
