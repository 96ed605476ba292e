// Package authsvc implements the authentication service (C9): password
// verification, lockout bookkeeping and lookup orchestration sitting on
// top of the distributed auth cache.
package authsvc

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/pbkdf2"

	"github.com/rs/zerolog/log"

	"github.com/netresearch/authcache/internal/authcache"
	"github.com/netresearch/authcache/internal/dirpool"
	"github.com/netresearch/authcache/internal/userrecord"
)

// Config tunes lockout thresholds and backend retry behavior, per spec §4.9.
type Config struct {
	MaxFailedAttempts int
	LockoutDuration   time.Duration
	BackendRetryDelay time.Duration
}

// DefaultConfig returns the thresholds named explicitly in spec §4.9/§8.
func DefaultConfig() Config {
	return Config{
		MaxFailedAttempts: 5,
		LockoutDuration:    15 * time.Minute,
		BackendRetryDelay:  100 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()

	if c.MaxFailedAttempts <= 0 {
		c.MaxFailedAttempts = d.MaxFailedAttempts
	}
	if c.LockoutDuration <= 0 {
		c.LockoutDuration = d.LockoutDuration
	}
	if c.BackendRetryDelay <= 0 {
		c.BackendRetryDelay = d.BackendRetryDelay
	}

	return c
}

// pbkdf2Iterations and pbkdf2KeyLen are fixed by spec §4.9 step 4.
const (
	pbkdf2Iterations = 50_000
	pbkdf2KeyLen     = 32
)

// Service is the authentication service, C9.
type Service struct {
	cache  *authcache.Cache
	config Config

	// userLocks serializes authenticate() per username so failed_attempts
	// updates never race each other, mirroring the teacher's per-IP
	// rate-limiter mutex (internal/web/ratelimit.go) but keyed by username
	// instead of IP.
	userLocks sync.Map // map[string]*sync.Mutex
}

// New constructs a Service backed by cache.
func New(cache *authcache.Cache, config Config) *Service {
	return &Service{cache: cache, config: config.withDefaults()}
}

func (s *Service) lockFor(username string) *sync.Mutex {
	v, _ := s.userLocks.LoadOrStore(username, &sync.Mutex{})

	return v.(*sync.Mutex)
}

// Authenticate implements spec §4.9's algorithm.
func (s *Service) Authenticate(ctx context.Context, username, password string) userrecord.AuthenticationResult {
	start := time.Now()

	if strings.TrimSpace(username) == "" || strings.TrimSpace(password) == "" {
		return s.result(false, nil, userrecord.ErrKindInvalidInput, userrecord.TierNone, start)
	}

	mu := s.lockFor(username)
	mu.Lock()
	defer mu.Unlock()

	rec, tier := s.cache.Get(ctx, username)
	if rec == nil {
		filled, err := s.fillWithRetry(ctx, username)
		if err != nil {
			if errors.Is(err, authcache.ErrUserNotFound) {
				return s.result(false, nil, userrecord.ErrKindUserNotFound, userrecord.TierNone, start)
			}

			return s.result(false, nil, userrecord.ErrKindBackendUnavailable, userrecord.TierNone, start)
		}

		rec = filled
		tier = userrecord.TierL4
	}

	now := time.Now()

	if rec.IsLocked(now) {
		return s.result(false, rec, userrecord.ErrKindAccountLocked, tier, start)
	}

	if !rec.IsActive() {
		return s.result(false, rec, userrecord.ErrKindAccountInactive, tier, start)
	}

	if !verifyPassword(*rec, password) {
		s.recordFailure(ctx, rec, now)

		return s.result(false, rec, userrecord.ErrKindInvalidCredentials, tier, start)
	}

	if rec.PasswordExpired(now) {
		return s.result(false, rec, userrecord.ErrKindPasswordExpired, tier, start)
	}

	s.recordSuccess(ctx, rec, now)

	return s.result(true, rec, "", tier, start)
}

func (s *Service) fillWithRetry(ctx context.Context, username string) (*userrecord.UserRecord, error) {
	rec, err := s.cache.Fill(ctx, username)
	if err == nil {
		return rec, nil
	}

	if errors.Is(err, authcache.ErrUserNotFound) {
		return nil, err
	}

	if errors.Is(err, dirpool.ErrBackend) {
		log.Warn().Err(err).Str("username", username).Msg("authsvc: directory fill failed, retrying once")
		time.Sleep(s.config.BackendRetryDelay)

		rec, retryErr := s.cache.Fill(ctx, username)
		if retryErr == nil {
			return rec, nil
		}

		return nil, retryErr
	}

	return nil, err
}

// recordFailure implements spec §4.9 step 5's failure branch: increment
// failed_attempts, lock out after the configured threshold, write back.
func (s *Service) recordFailure(ctx context.Context, rec *userrecord.UserRecord, now time.Time) {
	rec.FailedAttempts++
	rec.LastFailure = now

	if rec.FailedAttempts >= s.config.MaxFailedAttempts {
		rec.LockoutInfo = &userrecord.LockoutInfo{
			LockoutTime:  now,
			UnlockTime:   now.Add(s.config.LockoutDuration),
			Reason:       "too-many-failures",
			AttemptCount: rec.FailedAttempts,
		}
	}

	s.cache.WriteBack(ctx, rec)
}

// recordSuccess implements spec §4.9 step 5's success branch.
func (s *Service) recordSuccess(ctx context.Context, rec *userrecord.UserRecord, now time.Time) {
	rec.LastSuccess = now
	rec.FailedAttempts = 0
	rec.LockoutInfo = nil

	s.cache.WriteBack(ctx, rec)
}

func (s *Service) result(success bool, rec *userrecord.UserRecord, kind userrecord.ErrorKind, tier userrecord.CacheTier, start time.Time) userrecord.AuthenticationResult {
	return userrecord.AuthenticationResult{
		Success:        success,
		User:           rec,
		ErrorKind:      kind,
		ResponseTimeMS: time.Since(start).Milliseconds(),
		CacheTierHit:   tier,
	}
}

// verifyPassword dispatches on rec.HashAlgorithm per spec §4.9 step 4.
func verifyPassword(rec userrecord.UserRecord, password string) bool {
	switch rec.HashAlgorithm {
	case userrecord.HashPBKDF2SHA256:
		return verifyPBKDF2(rec, password)
	case userrecord.HashBcrypt:
		return verifyBcrypt(rec, password)
	case userrecord.HashSHA256Salted:
		return verifySHA256Salted(rec, password)
	default:
		log.Warn().Str("username", rec.Username).Str("algorithm", string(rec.HashAlgorithm)).
			Msg("authsvc: unknown hash algorithm, rejecting")

		return false
	}
}

func verifyPBKDF2(rec userrecord.UserRecord, password string) bool {
	derived := pbkdf2.Key([]byte(password), []byte(rec.Salt), pbkdf2Iterations, pbkdf2KeyLen, sha256.New)

	return subtle.ConstantTimeCompare(derived, []byte(rec.PasswordHash)) == 1
}

func verifyBcrypt(rec userrecord.UserRecord, password string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(rec.PasswordHash), []byte(password))

	return err == nil
}

func verifySHA256Salted(rec userrecord.UserRecord, password string) bool {
	h := sha256.Sum256([]byte(rec.Salt + password))

	return subtle.ConstantTimeCompare(h[:], []byte(rec.PasswordHash)) == 1
}
