// Package mtls builds mutual-TLS contexts shared by the KV, document and
// directory connection pools from PKCS#12 keystore/truststore pairs.
package mtls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/pkcs12"
)

// Error kinds surfaced by Init, matching spec's ConfigError/TlsInitError split.
var (
	ErrConfig     = errors.New("mtls: missing or unreadable keystore/truststore")
	ErrTLSInit    = errors.New("mtls: malformed keystore/truststore")
)

// Config describes one backend's TLS material.
type Config struct {
	ServiceName        string
	KeystorePath       string
	KeystorePassword   string
	TruststorePath     string
	TruststorePassword string
	// PreferTLS13 is reported in the initialization log. MinVersion is TLS
	// 1.2 either way; crypto/tls negotiates 1.3 whenever the peer supports it.
	PreferTLS13 bool
	// CipherSuites restricts the TLS 1.2 suite list. Nil means Go's default
	// secure suite set. Only consulted when a TLS 1.2 handshake occurs.
	CipherSuites []uint16
}

// PoolStats is the counter triple the base exposes, shared verbatim by every
// pool built on top of a Base (spec §3 PoolStats, §4.1).
type PoolStats struct {
	ServiceName     string    `json:"service_name"`
	Healthy         bool      `json:"healthy"`
	Attempts        int64     `json:"attempts"`
	Failures        int64     `json:"failures"`
	LastHealthCheck time.Time `json:"last_health_check"`
}

// SuccessRate returns (attempts-failures)/attempts as a derived ratio, 1.0 when no
// attempts have been made yet.
func (s PoolStats) SuccessRate() float64 {
	if s.Attempts == 0 {
		return 1.0
	}

	return float64(s.Attempts-s.Failures) / float64(s.Attempts)
}

// Base is held by pointer in every C2-C4 pool. It owns the
// shared *tls.Config plus the attempt/failure/health bookkeeping the spec
// requires at the base level, mirroring the way the teacher's ConnectionPool
// carries its own atomic counters independent of the pooled resource type.
type Base struct {
	serviceName string
	tlsConfig   *tls.Config
	hasTLS      bool

	attempts int64
	failures int64

	lastCheckNanos int64
	healthy        int32
}

// NewBase loads the keystore/truststore pair named in cfg and constructs a
// TLS context suitable for mutual authentication. When neither store path is
// set it returns a Base without TLS: ValidateCertificates reports false and
// callers may downgrade to server-only TLS, per spec §4.1. A configured path
// that cannot be read returns ErrConfig; a store that cannot be decoded
// returns ErrTLSInit.
func NewBase(cfg Config) (*Base, error) {
	b := &Base{serviceName: cfg.ServiceName, healthy: 1}

	if cfg.KeystorePath == "" && cfg.TruststorePath == "" {
		log.Warn().Str("service", cfg.ServiceName).
			Msg("mtls: no keystore/truststore configured, TLS disabled for this pool")

		return b, nil
	}

	tlsCfg, err := buildTLSConfig(cfg)
	if err != nil {
		return nil, err
	}

	b.tlsConfig = tlsCfg
	b.hasTLS = true

	log.Info().Str("service", cfg.ServiceName).Bool("prefer_tls13", cfg.PreferTLS13).
		Msg("mtls: TLS context initialized")

	return b, nil
}

func buildTLSConfig(cfg Config) (*tls.Config, error) {
	minVersion := uint16(tls.VersionTLS12)
	if cfg.PreferTLS13 {
		minVersion = tls.VersionTLS12 // fallback floor; crypto/tls still negotiates 1.3 when the peer supports it
	}

	tlsCfg := &tls.Config{
		MinVersion:   minVersion,
		CipherSuites: cfg.CipherSuites,
	}

	if cfg.KeystorePath != "" {
		cert, err := loadKeystore(cfg.KeystorePath, cfg.KeystorePassword)
		if err != nil {
			return nil, err
		}

		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	if cfg.TruststorePath != "" {
		pool, err := loadTruststore(cfg.TruststorePath, cfg.TruststorePassword)
		if err != nil {
			return nil, err
		}

		tlsCfg.RootCAs = pool
		tlsCfg.ClientCAs = pool
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return tlsCfg, nil
}

func loadKeystore(path, password string) (tls.Certificate, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("%w: keystore %s: %v", ErrConfig, path, err)
	}

	key, cert, caCerts, err := pkcs12.DecodeChain(raw, password)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("%w: keystore %s: %v", ErrTLSInit, path, err)
	}

	chain := [][]byte{cert.Raw}
	for _, ca := range caCerts {
		chain = append(chain, ca.Raw)
	}

	return tls.Certificate{
		Certificate: chain,
		PrivateKey:  key,
		Leaf:        cert,
	}, nil
}

func loadTruststore(path, password string) (*x509.CertPool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: truststore %s: %v", ErrConfig, path, err)
	}

	certs, err := pkcs12.DecodeTrustStore(raw, password)
	if err != nil {
		return nil, fmt.Errorf("%w: truststore %s: %v", ErrTLSInit, path, err)
	}

	pool := x509.NewCertPool()
	for _, c := range certs {
		pool.AddCert(c)
	}

	return pool, nil
}

// ValidateCertificates reports whether this Base has a usable TLS context.
// It never fails hard; an absent store simply means no mTLS for this pool.
func (b *Base) ValidateCertificates() bool {
	return b.hasTLS
}

// TLSConfig returns the shared TLS context, or nil if TLS was not configured.
func (b *Base) TLSConfig() *tls.Config {
	return b.tlsConfig
}

// RecordAttempt increments the attempt counter. Call once per connection
// attempt issued by the embedding pool.
func (b *Base) RecordAttempt() {
	atomic.AddInt64(&b.attempts, 1)
}

// RecordFailure increments the failure counter and marks the pool unhealthy.
func (b *Base) RecordFailure() {
	atomic.AddInt64(&b.failures, 1)
	atomic.StoreInt32(&b.healthy, 0)
}

// RecordHealthCheck updates the health flag and last-check timestamp. Call
// this from the embedding pool's component-specific health_check.
func (b *Base) RecordHealthCheck(healthy bool) {
	atomic.StoreInt64(&b.lastCheckNanos, time.Now().UnixNano())

	if healthy {
		atomic.StoreInt32(&b.healthy, 1)
	} else {
		atomic.StoreInt32(&b.healthy, 0)
	}
}

// Stats returns the base counter triple plus derived success_rate.
func (b *Base) Stats() PoolStats {
	lastCheck := atomic.LoadInt64(&b.lastCheckNanos)

	var lastCheckTime time.Time
	if lastCheck != 0 {
		lastCheckTime = time.Unix(0, lastCheck)
	}

	return PoolStats{
		ServiceName:     b.serviceName,
		Healthy:         atomic.LoadInt32(&b.healthy) == 1,
		Attempts:        atomic.LoadInt64(&b.attempts),
		Failures:        atomic.LoadInt64(&b.failures),
		LastHealthCheck: lastCheckTime,
	}
}

// DirectoryCipherSuites returns the TLS 1.2 cipher suite priority list
// required for the directory pool (spec §4.4). TLS 1.3 suites are not
// configurable in crypto/tls and are negotiated automatically ahead of
// these when both peers support 1.3.
func DirectoryCipherSuites() []uint16 {
	return []uint16{
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
		tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	}
}
