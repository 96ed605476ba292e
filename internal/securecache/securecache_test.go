package securecache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr error
	}{
		{name: "ok", key: "user:alice"},
		{name: "too long", key: string(make([]byte, 1001)), wantErr: ErrKeyTooLong},
		{name: "script pattern", key: "user:<script>", wantErr: ErrForbiddenKey},
		{name: "path traversal", key: "../etc/passwd", wantErr: ErrForbiddenKey},
		{name: "case insensitive", key: "user:EVAL(1)", wantErr: ErrForbiddenKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateKey(tt.key)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func newTestCache(t *testing.T) *Cache[string] {
	t.Helper()

	c, err := New[string](Config{
		RotationPeriod: time.Hour,
		TTL:             time.Hour,
		SweepInterval:   time.Hour,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	return c
}

func TestCache_PutGetRoundTrip(t *testing.T) {
	c := newTestCache(t)

	ok := c.Put("user:alice", "alice-payload")
	require.True(t, ok)

	val, found := c.Get("user:alice")
	require.True(t, found)
	assert.Equal(t, "alice-payload", val)
}

func TestCache_GetMiss(t *testing.T) {
	c := newTestCache(t)

	_, found := c.Get("user:nobody")
	assert.False(t, found)
}

func TestCache_PutRejectsForbiddenKey(t *testing.T) {
	c := newTestCache(t)

	ok := c.Put("../secret", "x")
	assert.False(t, ok)
}

func TestCache_Remove(t *testing.T) {
	c := newTestCache(t)

	c.Put("user:bob", "bob-payload")
	assert.True(t, c.Remove("user:bob"))

	_, found := c.Get("user:bob")
	assert.False(t, found)
}

func TestCache_SurvivesOneRotation(t *testing.T) {
	c := newTestCache(t)

	c.Put("user:carol", "carol-payload")
	c.rotate()

	val, found := c.Get("user:carol")
	require.True(t, found)
	assert.Equal(t, "carol-payload", val)
}

func TestCache_LostAfterTwoRotations(t *testing.T) {
	c := newTestCache(t)

	c.Put("user:dave", "dave-payload")
	c.rotate()
	c.rotate()

	_, found := c.Get("user:dave")
	assert.False(t, found)
}

func TestCache_Stats(t *testing.T) {
	c := newTestCache(t)

	c.Put("a", "1")
	c.Get("a")
	c.Get("missing")

	stats := c.Stats()
	assert.Equal(t, 1, stats.Size)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestXorSalt_SelfInverse(t *testing.T) {
	data := []byte("hello world")
	salt := []byte("0123456789abcdef0123456789abcdef")

	encoded := xorSalt(data, salt)
	decoded := xorSalt(encoded, salt)

	assert.Equal(t, data, decoded)
}

func TestDoubleEncryptDecrypt_RoundTrip(t *testing.T) {
	ep, err := newEpoch(nil)
	require.NoError(t, err)

	ciphertext, err := doubleEncrypt(ep, []byte("secret payload"))
	require.NoError(t, err)

	plaintext, err := doubleDecrypt(ep, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "secret payload", string(plaintext))
}

func TestCache_SealOpen_RoundTrip(t *testing.T) {
	c := newTestCache(t)

	ciphertext, err := c.Seal("sealed-payload")
	require.NoError(t, err)

	value, err := c.Open(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "sealed-payload", value)
}

func TestCache_Open_SurvivesOneRotation(t *testing.T) {
	c := newTestCache(t)

	ciphertext, err := c.Seal("rotated-payload")
	require.NoError(t, err)

	c.rotate()

	value, err := c.Open(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "rotated-payload", value)
}

func TestObfuscatedKey_Deterministic(t *testing.T) {
	salt := []byte("fixed-salt")

	a := obfuscatedKey("user:alice", salt)
	b := obfuscatedKey("user:alice", salt)
	c := obfuscatedKey("user:bob", salt)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
