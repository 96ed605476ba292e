// Package dirpool implements the L4 tier: a pooled client to the directory
// authority used for credential binds and user lookups.
package dirpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	ldap "github.com/netresearch/simple-ldap-go"
	"github.com/rs/zerolog/log"

	"github.com/netresearch/authcache/internal/mtls"
)

var (
	// ErrPoolClosed indicates the connection pool has been shut down.
	ErrPoolClosed = errors.New("dirpool: connection pool is closed")
	// ErrConnectionTimeout indicates timeout while acquiring a connection.
	ErrConnectionTimeout = errors.New("dirpool: timeout acquiring connection")
	// ErrInvalidCredentials indicates a bind authentication failure.
	ErrInvalidCredentials = errors.New("dirpool: invalid directory credentials")
)

// PoolConfig mirrors spec §4 pool-sizing defaults, carried over from the
// directory pool's LDAP-manager ancestry unchanged.
type PoolConfig struct {
	MaxConnections      int
	MinConnections      int
	MaxIdleTime         time.Duration
	MaxLifetime         time.Duration
	HealthCheckInterval time.Duration
	AcquireTimeout      time.Duration
}

// DefaultPoolConfig returns the teacher's proven directory pool defaults.
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		MaxConnections:      10,
		MinConnections:      2,
		MaxIdleTime:         15 * time.Minute,
		MaxLifetime:         1 * time.Hour,
		HealthCheckInterval: 30 * time.Second,
		AcquireTimeout:      10 * time.Second,
	}
}

func (c *PoolConfig) normalize() {
	if c.MaxConnections <= 0 {
		c.MaxConnections = 10
	}
	if c.MinConnections < 0 {
		c.MinConnections = 2
	}
	if c.MinConnections > c.MaxConnections {
		c.MinConnections = c.MaxConnections
	}
	if c.MaxIdleTime <= 0 {
		c.MaxIdleTime = 15 * time.Minute
	}
	if c.MaxLifetime <= 0 {
		c.MaxLifetime = 1 * time.Hour
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 10 * time.Second
	}
}

// credentials identifies a pooled connection's bind identity.
type credentials struct {
	dn       string
	password string
}

// pooledConnection wraps an LDAP client with pool bookkeeping.
type pooledConnection struct {
	client      *ldap.LDAP
	credentials *credentials
	createdAt   time.Time
	lastUsedAt  time.Time
	healthy     bool
	mutex       sync.RWMutex
}

// ConnectionPool manages a pool of directory connections, adapted
// from the group-management connection pool to authentication operations:
// the acquire/release/maintenance-loop/stats shape is unchanged, only the
// operations exposed on top (Bind/Lookup/List) differ.
type ConnectionPool struct {
	config     *PoolConfig
	base       *mtls.Base
	baseClient *ldap.LDAP

	connections []*pooledConnection
	available   chan *pooledConnection
	mutex       sync.RWMutex
	closed      int32
	stopChan    chan struct{}
	wg          sync.WaitGroup

	acquiredCount int64
	failedCount   int64
}

// NewConnectionPool creates a directory connection pool, pre-warming
// MinConnections read-only connections and starting the maintenance loop.
func NewConnectionPool(baseClient *ldap.LDAP, base *mtls.Base, config *PoolConfig) (*ConnectionPool, error) {
	if config == nil {
		config = DefaultPoolConfig()
	}
	config.normalize()

	p := &ConnectionPool{
		config:      config,
		base:        base,
		baseClient:  baseClient,
		connections: make([]*pooledConnection, 0, config.MaxConnections),
		available:   make(chan *pooledConnection, config.MaxConnections),
		stopChan:    make(chan struct{}),
	}

	p.warmup()

	p.wg.Add(1)
	go p.maintenanceLoop()

	log.Info().
		Int("max_connections", config.MaxConnections).
		Int("min_connections", config.MinConnections).
		Msg("L4 directory connection pool initialized")

	return p, nil
}

func (p *ConnectionPool) warmup() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	for i := 0; i < p.config.MinConnections; i++ {
		conn, err := p.createConnection(nil)
		if err != nil {
			log.Warn().Err(err).Int("attempt", i+1).Msg("dirpool: warmup connection failed")

			continue
		}

		p.connections = append(p.connections, conn)

		select {
		case p.available <- conn:
		default:
			p.closeConnection(conn)
		}
	}
}

// acquire obtains a connection bound with the given credentials, or a
// read-only connection when dn/password are empty.
func (p *ConnectionPool) acquire(ctx context.Context, dn, password string) (*pooledConnection, error) {
	if atomic.LoadInt32(&p.closed) == 1 {
		return nil, ErrPoolClosed
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, p.config.AcquireTimeout)
	defer cancel()

	var creds *credentials
	if dn != "" {
		creds = &credentials{dn: dn, password: password}
	}

	p.base.RecordAttempt()

	conn, err := p.getOrCreate(timeoutCtx, creds)
	if err != nil {
		p.base.RecordFailure()
		atomic.AddInt64(&p.failedCount, 1)

		return nil, err
	}

	conn.mutex.Lock()
	conn.lastUsedAt = time.Now()
	conn.mutex.Unlock()

	atomic.AddInt64(&p.acquiredCount, 1)

	return conn, nil
}

func (p *ConnectionPool) getOrCreate(ctx context.Context, creds *credentials) (*pooledConnection, error) {
	select {
	case conn := <-p.available:
		if p.canReuse(conn, creds) {
			return conn, nil
		}
		p.closeConnection(conn)
	case <-ctx.Done():
		return nil, ErrConnectionTimeout
	default:
	}

	return p.createConnection(creds)
}

func (p *ConnectionPool) canReuse(conn *pooledConnection, creds *credentials) bool {
	conn.mutex.RLock()
	defer conn.mutex.RUnlock()

	if !conn.healthy {
		return false
	}

	now := time.Now()
	if now.Sub(conn.createdAt) > p.config.MaxLifetime || now.Sub(conn.lastUsedAt) > p.config.MaxIdleTime {
		return false
	}

	if conn.credentials != nil && creds != nil {
		return conn.credentials.dn == creds.dn && conn.credentials.password == creds.password
	}

	return conn.credentials == nil && creds == nil
}

func (p *ConnectionPool) createConnection(creds *credentials) (*pooledConnection, error) {
	client := p.baseClient

	if creds != nil {
		authed, err := p.baseClient.WithCredentials(creds.dn, creds.password)
		if err != nil {
			return nil, ErrInvalidCredentials
		}

		client = authed
	}

	return &pooledConnection{
		client:      client,
		credentials: creds,
		createdAt:   time.Now(),
		lastUsedAt:  time.Now(),
		healthy:     true,
	}, nil
}

// release returns a connection to the pool, discarding it if stale.
func (p *ConnectionPool) release(conn *pooledConnection) {
	if conn == nil {
		return
	}

	conn.mutex.Lock()
	conn.lastUsedAt = time.Now()
	valid := conn.healthy && time.Since(conn.createdAt) <= p.config.MaxLifetime
	conn.mutex.Unlock()

	if !valid {
		p.closeConnection(conn)
		return
	}

	select {
	case p.available <- conn:
	default:
		p.closeConnection(conn)
	}
}

func (p *ConnectionPool) closeConnection(conn *pooledConnection) {
	conn.mutex.Lock()
	defer conn.mutex.Unlock()

	conn.client = nil
	conn.healthy = false
}

func (p *ConnectionPool) maintenanceLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopChan:
			return
		case <-ticker.C:
			p.performMaintenance()
		}
	}
}

func (p *ConnectionPool) performMaintenance() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	now := time.Now()
	valid := make([]*pooledConnection, 0, len(p.connections))

	for _, conn := range p.connections {
		conn.mutex.RLock()
		expired := now.Sub(conn.createdAt) > p.config.MaxLifetime || now.Sub(conn.lastUsedAt) > p.config.MaxIdleTime
		healthy := conn.healthy
		conn.mutex.RUnlock()

		if expired || !healthy {
			p.closeConnection(conn)

			continue
		}

		valid = append(valid, conn)
	}

	p.connections = valid

	p.base.RecordHealthCheck(len(valid) > 0 || p.config.MinConnections == 0)
}

// Stats returns pool sizing counters alongside the shared mTLS base stats.
func (p *ConnectionPool) Stats() Stats {
	return Stats{
		PoolStats:      p.base.Stats(),
		Active:         len(p.connections) - len(p.available),
		Idle:           len(p.available),
		Max:            p.config.MaxConnections,
		AcquiredCount:  atomic.LoadInt64(&p.acquiredCount),
		FailedCount:    atomic.LoadInt64(&p.failedCount),
	}
}

// Stats extends the shared PoolStats with directory-specific counters.
type Stats struct {
	mtls.PoolStats
	Active        int   `json:"active"`
	Idle          int   `json:"idle"`
	Max           int   `json:"max"`
	AcquiredCount int64 `json:"acquired_count"`
	FailedCount   int64 `json:"failed_count"`
}

// Close gracefully shuts down the pool. Safe to call more than once.
func (p *ConnectionPool) Close() error {
	if !atomic.CompareAndSwapInt32(&p.closed, 0, 1) {
		return nil
	}

	log.Info().Msg("L4 directory connection pool shutting down")

	close(p.stopChan)
	p.wg.Wait()

	p.mutex.Lock()
	defer p.mutex.Unlock()

	for _, conn := range p.connections {
		p.closeConnection(conn)
	}

	close(p.available)
	for conn := range p.available {
		p.closeConnection(conn)
	}

	p.connections = nil

	return nil
}
