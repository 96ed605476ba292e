// Package runtime wires every component (C1-C11) into a single running
// service from one config.Opts, mirroring the composition role the
// teacher's internal/web.App plays over its own LDAP/session/cache
// dependencies.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/netresearch/authcache/internal/authcache"
	"github.com/netresearch/authcache/internal/authsvc"
	"github.com/netresearch/authcache/internal/client"
	"github.com/netresearch/authcache/internal/config"
	"github.com/netresearch/authcache/internal/dirpool"
	"github.com/netresearch/authcache/internal/docpool"
	"github.com/netresearch/authcache/internal/kvpool"
	"github.com/netresearch/authcache/internal/metrics"
	"github.com/netresearch/authcache/internal/mtls"
	"github.com/netresearch/authcache/internal/region"
	"github.com/netresearch/authcache/internal/securecache"
	"github.com/netresearch/authcache/internal/userrecord"
)

// Runtime holds every wired-up component for the life of the process. When
// a tier is not configured (no URL), its pool field is left nil and the
// cache/metrics layers degrade per spec §8 scenario 3.
type Runtime struct {
	l1  *securecache.Cache[userrecord.UserRecord]
	l2  *kvpool.Pool
	l3  *docpool.Pool
	l4  *dirpool.Pool
	rm  *region.Mapper

	Cache     *authcache.Cache
	Auth      *authsvc.Service
	Client    *client.Facade
	Collector *metrics.Collector

	statsInterval time.Duration
	stopChan      chan struct{}
}

// New builds a Runtime from opts. Backends without a configured URL are
// skipped rather than treated as fatal, since L2/L3/L4 absence only
// degrades health (spec §8 scenario 3); a directory (L4) is still started
// whenever an URL is present because authentication requires it eventually,
// but New itself never blocks waiting for it to become healthy.
func New(ctx context.Context, opts *config.Opts) (*Runtime, error) {
	l1, err := securecache.New[userrecord.UserRecord](securecache.Config{
		RotationPeriod: opts.Secure.RotationPeriod,
		TTL:            opts.Secure.DefaultTTL,
		SweepInterval:  opts.Secure.SweepInterval,
		SoftCapEntries: opts.Secure.SoftCapEntries,
	})
	if err != nil {
		return nil, fmt.Errorf("runtime: L1 cache: %w", err)
	}

	var l2 *kvpool.Pool
	if opts.Redis.URL != "" {
		l2, err = buildKVPool(opts)
		if err != nil {
			return nil, fmt.Errorf("runtime: L2 pool: %w", err)
		}
	} else {
		log.Warn().Msg("runtime: no REDIS_URL configured, L2 tier disabled")
	}

	var l3 *docpool.Pool
	if opts.Mongo.URL != "" {
		l3, err = buildDocPool(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("runtime: L3 pool: %w", err)
		}

		if err := l3.EnsureSchema(ctx); err != nil {
			log.Warn().Err(err).Msg("runtime: L3 schema setup failed, continuing without enforced indexes")
		}
	} else {
		log.Warn().Msg("runtime: no MONGODB_URL configured, L3 tier disabled")
	}

	var l4 *dirpool.Pool
	if opts.LDAP.URL != "" {
		l4, err = buildDirPool(opts)
		if err != nil {
			return nil, fmt.Errorf("runtime: L4 pool: %w", err)
		}
	} else {
		log.Warn().Msg("runtime: no LDAP_URL configured, authentication will always miss")
	}

	rm := region.New()

	cache := authcache.New(l1, l2, l3, l4, rm)
	auth := authsvc.New(cache, authsvc.DefaultConfig())

	collector := metrics.New(cache, kvPinger(l2), docPinger(l3), dirPinger(l4))
	facade := client.New(auth, cache, collector)

	// Register every authcache_* collector against the default registry so
	// promhttp.Handler() (mounted at /metrics) actually exposes them.
	for _, c := range metrics.Collectors() {
		if err := prometheus.Register(c); err != nil {
			log.Debug().Err(err).Msg("runtime: prometheus collector already registered, skipping")
		}
	}

	rt := &Runtime{
		l1: l1, l2: l2, l3: l3, l4: l4, rm: rm,
		Cache:         cache,
		Auth:          auth,
		Client:        facade,
		Collector:     collector,
		statsInterval: 30 * time.Second,
		stopChan:      make(chan struct{}),
	}

	go rt.periodicStatsLogging()

	return rt, nil
}

// kvPinger/docPinger/dirPinger adapt a possibly-nil concrete pool to the
// narrow metrics.*Pinger interfaces without handing back a non-nil
// interface wrapping a nil pointer (a classic Go footgun the teacher avoids
// throughout internal/web/health.go's nil checks).
func kvPinger(p *kvpool.Pool) metrics.KVPinger {
	if p == nil {
		return nil
	}

	return p
}

func docPinger(p *docpool.Pool) metrics.DocPinger {
	if p == nil {
		return nil
	}

	return p
}

func dirPinger(p *dirpool.Pool) metrics.DirPinger {
	if p == nil {
		return nil
	}

	return p
}

func buildKVPool(opts *config.Opts) (*kvpool.Pool, error) {
	var base *mtls.Base

	if opts.Redis.TLS.KeystorePath != "" || opts.Redis.TLS.TruststorePath != "" {
		b, err := mtls.NewBase(mtls.Config{
			ServiceName:        "kv",
			KeystorePath:       opts.Redis.TLS.KeystorePath,
			KeystorePassword:   opts.Redis.TLS.KeystorePassword,
			TruststorePath:     opts.Redis.TLS.TruststorePath,
			TruststorePassword: opts.Redis.TLS.TruststorePassword,
			PreferTLS13:        true,
		})
		if err != nil {
			return nil, err
		}

		base = b
	}

	return kvpool.New(kvpool.Config{
		URL:                  opts.Redis.URL,
		Password:             opts.Redis.Password,
		MaxTotal:             opts.Redis.MaxTotal,
		MaxIdle:              opts.Redis.MaxIdle,
		MinIdle:              opts.Redis.MinIdle,
		MaxWait:              opts.Redis.MaxWait,
		ConnectTimeout:       opts.Redis.ConnectTimeout,
		SocketTimeout:        opts.Redis.SocketTimeout,
		EvictionRunInterval:  opts.Redis.EvictionRunInterval,
		MinEvictableIdleTime: opts.Redis.MinEvictableIdleTime,
		TestsPerEviction:     opts.Redis.TestsPerEviction,
		TLS:                  base,
	})
}

func buildDocPool(ctx context.Context, opts *config.Opts) (*docpool.Pool, error) {
	var base *mtls.Base

	if opts.Mongo.TLS.KeystorePath != "" || opts.Mongo.TLS.TruststorePath != "" {
		b, err := mtls.NewBase(mtls.Config{
			ServiceName:        "doc",
			KeystorePath:       opts.Mongo.TLS.KeystorePath,
			KeystorePassword:   opts.Mongo.TLS.KeystorePassword,
			TruststorePath:     opts.Mongo.TLS.TruststorePath,
			TruststorePassword: opts.Mongo.TLS.TruststorePassword,
			PreferTLS13:        true,
		})
		if err != nil {
			return nil, err
		}

		base = b
	}

	return docpool.New(ctx, docpool.Config{
		URL:            opts.Mongo.URL,
		Database:       opts.Mongo.Database,
		MinPoolSize:    opts.Mongo.MinPoolSize,
		MaxPoolSize:    opts.Mongo.MaxPoolSize,
		IdleTTL:        opts.Mongo.IdleTTL,
		LifetimeTTL:    opts.Mongo.LifetimeTTL,
		ConnectTimeout: opts.Mongo.ConnectTimeout,
		ReadTimeout:    opts.Mongo.ReadTimeout,
		TLS:            base,
	})
}

func buildDirPool(opts *config.Opts) (*dirpool.Pool, error) {
	var base *mtls.Base

	if opts.LDAP.TLS.KeystorePath != "" || opts.LDAP.TLS.TruststorePath != "" {
		b, err := mtls.NewBase(mtls.Config{
			ServiceName:        "directory",
			KeystorePath:       opts.LDAP.TLS.KeystorePath,
			KeystorePassword:   opts.LDAP.TLS.KeystorePassword,
			TruststorePath:     opts.LDAP.TLS.TruststorePath,
			TruststorePassword: opts.LDAP.TLS.TruststorePassword,
			PreferTLS13:        true,
			CipherSuites:       mtls.DirectoryCipherSuites(),
		})
		if err != nil {
			return nil, err
		}

		base = b
	}

	return dirpool.New(dirpool.Config{
		URL:          opts.LDAP.URL,
		BindDN:       opts.LDAP.BindDN,
		BindPassword: opts.LDAP.BindPassword,
		BaseDN:       opts.LDAP.BaseDN,
		TLS:          base,
		Pool: &dirpool.PoolConfig{
			MaxConnections:      opts.LDAP.MaxConnections,
			MinConnections:      opts.LDAP.MinConnections,
			MaxIdleTime:         opts.LDAP.MaxIdleTime,
			MaxLifetime:         opts.LDAP.MaxLifetime,
			HealthCheckInterval: opts.LDAP.HealthCheckInterval,
			AcquireTimeout:      opts.LDAP.AcquireTimeout,
		},
	})
}

// periodicStatsLogging logs cache/pool statistics on a fixed interval,
// mirroring the teacher's periodicCacheLogging goroutine.
func (rt *Runtime) periodicStatsLogging() {
	ticker := time.NewTicker(rt.statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			report := rt.Collector.Snapshot()
			log.Info().
				Str("status", report.Status).
				Int64("auth_successes", report.AuthSuccesses).
				Int64("auth_failures", report.AuthFailures).
				Int64("cache_hits_l1", report.Cache.HitsL1).
				Int64("cache_misses", report.Cache.Misses).
				Msg("runtime: periodic stats snapshot")
		case <-rt.stopChan:
			return
		}
	}
}

// Close stops background loops and releases every backend connection,
// matching the teacher's App.Shutdown ordering: stop internal loops first,
// then close external connections, collecting (not failing fast on) errors
// from each so one backend's shutdown failure doesn't skip the rest.
func (rt *Runtime) Close(ctx context.Context) error {
	close(rt.stopChan)

	var errs []error

	log.Info().Msg("runtime: stopping L1 secure cache...")
	if err := rt.l1.Close(); err != nil {
		log.Warn().Err(err).Msg("runtime: L1 cache close failed")
		errs = append(errs, err)
	}

	if rt.l2 != nil {
		log.Info().Msg("runtime: closing L2 key/value pool...")
		if err := rt.l2.Close(); err != nil {
			log.Warn().Err(err).Msg("runtime: L2 pool close failed")
			errs = append(errs, err)
		}
	}

	if rt.l3 != nil {
		log.Info().Msg("runtime: closing L3 document pool...")
		if err := rt.l3.Close(ctx); err != nil {
			log.Warn().Err(err).Msg("runtime: L3 pool close failed")
			errs = append(errs, err)
		}
	}

	if rt.l4 != nil {
		log.Info().Msg("runtime: closing L4 directory pool...")
		if err := rt.l4.Close(); err != nil {
			log.Warn().Err(err).Msg("runtime: L4 pool close failed")
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
