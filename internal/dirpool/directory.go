package dirpool

import (
	"context"
	"errors"
	"fmt"
	"strings"

	ldap "github.com/netresearch/simple-ldap-go"
	"github.com/rs/zerolog/log"

	"github.com/netresearch/authcache/internal/mtls"
)

// ErrBackend wraps transport/TLS failures, which spec §4.4 says must be
// retriable, unlike a plain bind rejection.
var ErrBackend = errors.New("dirpool: backend unavailable")

// Entry is a directory record as consumed by the region mapper and the auth
// service, mirroring the attribute set enumerated in spec §6 ("Directory
// schema consumed").
type Entry struct {
	UID           string
	CN            string
	Mail          string
	UserPassword  string
	OU            string
	Locality      string
	Country       string
	DN            string
}

// Config configures a Pool's underlying LDAP connection and TLS material.
type Config struct {
	URL          string
	BindDN       string
	BindPassword string
	BaseDN       string

	Pool *PoolConfig
	TLS  *mtls.Base
}

// Pool is the directory pool's public facade: Bind, Lookup, List, matching
// spec §4.4's contract instead of the excluded group-management operations.
type Pool struct {
	conns *ConnectionPool
	base  *mtls.Base
}

// New dials the directory authority and builds the connection pool. The TLS
// base supplies the attempt/failure/health counters only: its tls.Config
// (client certificate, cipher suites) is not passed to the LDAP client, so
// transport security is whatever cfg.URL's scheme gives.
func New(cfg Config) (*Pool, error) {
	base := cfg.TLS
	if base == nil {
		b, _ := mtls.NewBase(mtls.Config{
			ServiceName:  "directory",
			CipherSuites: mtls.DirectoryCipherSuites(),
		})
		base = b
	}

	if !base.ValidateCertificates() {
		log.Warn().Msg("dirpool: no mTLS material configured, connecting without mutual authentication")
	}

	ldapConfig := ldap.Config{
		Server:            cfg.URL,
		BaseDN:            cfg.BaseDN,
		IsActiveDirectory: false,
	}

	base.RecordAttempt()

	baseClient, err := ldap.New(ldapConfig, cfg.BindDN, cfg.BindPassword)
	if err != nil {
		base.RecordFailure()

		return nil, fmt.Errorf("%w: dial %s: %v", ErrBackend, cfg.URL, err)
	}

	conns, err := NewConnectionPool(baseClient, base, cfg.Pool)
	if err != nil {
		return nil, err
	}

	return &Pool{conns: conns, base: base}, nil
}

// Bind verifies a (dn, password) pair against the directory. Invalid
// credentials return (false, nil); transport/TLS failures return a
// retriable ErrBackend, per spec §4.4.
func (p *Pool) Bind(ctx context.Context, dn, password string) (bool, error) {
	conn, err := p.conns.acquire(ctx, dn, password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			return false, nil
		}

		return false, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	defer p.conns.release(conn)

	return true, nil
}

// Lookup searches the directory for a user by uid (sAMAccountName),
// returning nil, nil on a clean miss.
func (p *Pool) Lookup(ctx context.Context, username string) (*Entry, error) {
	conn, err := p.conns.acquire(ctx, "", "")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	defer p.conns.release(conn)

	users, err := conn.client.FindUsers()
	if err != nil {
		p.base.RecordFailure()

		return nil, fmt.Errorf("%w: find users: %v", ErrBackend, err)
	}

	for _, u := range users {
		if !strings.EqualFold(u.SAMAccountName, username) {
			continue
		}

		return entryFromUser(u), nil
	}

	return nil, nil
}

// List streams directory entries matching filter over the returned channel,
// closing it when exhausted or ctx is cancelled.
func (p *Pool) List(ctx context.Context, filter func(Entry) bool) (<-chan Entry, error) {
	conn, err := p.conns.acquire(ctx, "", "")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}

	users, err := conn.client.FindUsers()
	if err != nil {
		p.conns.release(conn)
		p.base.RecordFailure()

		return nil, fmt.Errorf("%w: find users: %v", ErrBackend, err)
	}

	out := make(chan Entry)

	go func() {
		defer close(out)
		defer p.conns.release(conn)

		for _, u := range users {
			entry := entryFromUser(u)
			if filter != nil && !filter(*entry) {
				continue
			}

			select {
			case out <- *entry:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// entryFromUser maps simple-ldap-go's User shape onto the attribute set
// spec §6 expects to consume (uid, cn, mail, ou, l, c). simple-ldap-go's
// User does not surface ou/l/c as separate fields, so they are extracted
// from the DN's RDN components, which is where the region heuristics in
// spec §4.7 look for them anyway.
func entryFromUser(u ldap.User) *Entry {
	dn := u.DN()

	return &Entry{
		UID:      u.SAMAccountName,
		CN:       u.CN(),
		Mail:     u.Mail(),
		DN:       dn,
		OU:       rdnValue(dn, "ou"),
		Locality: rdnValue(dn, "l"),
		Country:  rdnValue(dn, "c"),
	}
}

// rdnValue returns the value of the first RDN component named attr (case
// insensitive), e.g. rdnValue("uid=jdoe,ou=Europe,dc=x", "ou") == "Europe".
func rdnValue(dn, attr string) string {
	for _, part := range strings.Split(dn, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}

		if strings.EqualFold(strings.TrimSpace(kv[0]), attr) {
			return strings.TrimSpace(kv[1])
		}
	}

	return ""
}

// Stats exposes the pool's counter set through C11.
func (p *Pool) Stats() Stats {
	return p.conns.Stats()
}

// Close shuts the pool down.
func (p *Pool) Close() error {
	return p.conns.Close()
}
