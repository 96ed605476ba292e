package authsvc

import (
	"context"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/pbkdf2"

	"github.com/netresearch/authcache/internal/authcache"
	"github.com/netresearch/authcache/internal/securecache"
	"github.com/netresearch/authcache/internal/userrecord"
)

// newService builds a Service over a cache with no L2/L3/L4 tiers configured;
// tests that need a cache hit pre-seed L1 via WriteBack instead of routing
// through a live directory, since Authenticate's algorithm (spec §4.9) only
// cares that *a* record was found, not which tier produced it.
func newService(t *testing.T) *Service {
	t.Helper()

	l1, err := securecache.New[userrecord.UserRecord](securecache.Config{
		RotationPeriod: time.Hour,
		TTL:             time.Hour,
		SweepInterval:   time.Hour,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l1.Close() })

	c := authcache.New(l1, nil, nil, nil, nil)

	return New(c, DefaultConfig())
}

func pbkdf2Hash(password, salt string) string {
	return string(pbkdf2.Key([]byte(password), []byte(salt), pbkdf2Iterations, pbkdf2KeyLen, sha256.New))
}

func TestAuthenticate_InvalidInput(t *testing.T) {
	s := newService(t)

	res := s.Authenticate(context.Background(), "", "x")
	assert.False(t, res.Success)
	assert.Equal(t, userrecord.ErrKindInvalidInput, res.ErrorKind)
}

func TestAuthenticate_UserNotFound(t *testing.T) {
	s := newService(t)

	res := s.Authenticate(context.Background(), "ghost", "x")
	assert.False(t, res.Success)
	assert.Equal(t, userrecord.ErrKindUserNotFound, res.ErrorKind)
}

func TestAuthenticate_KnownGoodUser_CacheHitOnSecondCall(t *testing.T) {
	salt := "pepper"
	s := newService(t)

	rec := userrecord.UserRecord{
		Username:      "tstu001",
		PasswordHash:  pbkdf2Hash("TestPass1!", salt),
		Salt:          salt,
		HashAlgorithm: userrecord.HashPBKDF2SHA256,
		AccountStatus: userrecord.StatusActive,
		TTLSeconds:    300,
	}
	s.cache.WriteBack(context.Background(), &rec)

	res := s.Authenticate(context.Background(), "tstu001", "TestPass1!")
	require.True(t, res.Success)
	assert.Equal(t, userrecord.TierL1, res.CacheTierHit)

	second := s.Authenticate(context.Background(), "tstu001", "TestPass1!")
	require.True(t, second.Success)
	assert.Equal(t, userrecord.TierL1, second.CacheTierHit)
}

func TestAuthenticate_BcryptDispatch(t *testing.T) {
	s := newService(t)

	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret!"), bcrypt.DefaultCost)
	require.NoError(t, err)

	rec := userrecord.UserRecord{
		Username:      "gwen",
		PasswordHash:  string(hash),
		HashAlgorithm: userrecord.HashBcrypt,
		AccountStatus: userrecord.StatusActive,
		TTLSeconds:    300,
	}
	s.cache.WriteBack(context.Background(), &rec)

	res := s.Authenticate(context.Background(), "gwen", "s3cret!")
	assert.True(t, res.Success)

	bad := s.Authenticate(context.Background(), "gwen", "wrong")
	assert.False(t, bad.Success)
	assert.Equal(t, userrecord.ErrKindInvalidCredentials, bad.ErrorKind)
}

func TestAuthenticate_SHA256SaltedDispatch(t *testing.T) {
	s := newService(t)

	salt := "abc123"
	sum := sha256.Sum256([]byte(salt + "hunter2"))

	rec := userrecord.UserRecord{
		Username:      "hank",
		PasswordHash:  string(sum[:]),
		Salt:          salt,
		HashAlgorithm: userrecord.HashSHA256Salted,
		AccountStatus: userrecord.StatusActive,
		TTLSeconds:    300,
	}
	s.cache.WriteBack(context.Background(), &rec)

	res := s.Authenticate(context.Background(), "hank", "hunter2")
	assert.True(t, res.Success)
}

func TestAuthenticate_LockoutAfterFiveFailures(t *testing.T) {
	s := newService(t)

	rec := userrecord.UserRecord{
		Username:      "ivan",
		PasswordHash:  pbkdf2Hash("correct-horse", "salt"),
		Salt:          "salt",
		HashAlgorithm: userrecord.HashPBKDF2SHA256,
		AccountStatus: userrecord.StatusActive,
		TTLSeconds:    300,
	}
	s.cache.WriteBack(context.Background(), &rec)

	for i := 0; i < 5; i++ {
		res := s.Authenticate(context.Background(), "ivan", "bad")
		assert.False(t, res.Success)
		assert.Equal(t, userrecord.ErrKindInvalidCredentials, res.ErrorKind)
	}

	sixth := s.Authenticate(context.Background(), "ivan", "correct-horse")
	assert.False(t, sixth.Success)
	assert.Equal(t, userrecord.ErrKindAccountLocked, sixth.ErrorKind)
}

func TestAuthenticate_AccountInactive(t *testing.T) {
	s := newService(t)

	rec := userrecord.UserRecord{
		Username:      "jan",
		PasswordHash:  pbkdf2Hash("pw", "salt"),
		Salt:          "salt",
		HashAlgorithm: userrecord.HashPBKDF2SHA256,
		AccountStatus: userrecord.StatusDisabled,
		TTLSeconds:    300,
	}
	s.cache.WriteBack(context.Background(), &rec)

	res := s.Authenticate(context.Background(), "jan", "pw")
	assert.False(t, res.Success)
	assert.Equal(t, userrecord.ErrKindAccountInactive, res.ErrorKind)
}

func TestAuthenticate_SuccessResetsFailedAttempts(t *testing.T) {
	s := newService(t)

	rec := userrecord.UserRecord{
		Username:      "kay",
		PasswordHash:  pbkdf2Hash("right", "salt"),
		Salt:          "salt",
		HashAlgorithm: userrecord.HashPBKDF2SHA256,
		AccountStatus: userrecord.StatusActive,
		TTLSeconds:    300,
	}
	s.cache.WriteBack(context.Background(), &rec)

	s.Authenticate(context.Background(), "kay", "wrong")
	s.Authenticate(context.Background(), "kay", "wrong")

	ok := s.Authenticate(context.Background(), "kay", "right")
	require.True(t, ok.Success)
	assert.Equal(t, 0, ok.User.FailedAttempts)
}
