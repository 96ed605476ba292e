package mtls

import (
	"crypto/tls"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBase_NoStoresConfigured(t *testing.T) {
	b, err := NewBase(Config{ServiceName: "kv"})
	require.NoError(t, err)
	assert.False(t, b.ValidateCertificates())
	assert.Nil(t, b.TLSConfig())
}

func TestNewBase_MissingKeystoreFile(t *testing.T) {
	_, err := NewBase(Config{
		ServiceName:  "kv",
		KeystorePath: "/nonexistent/keystore.p12",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfig)
}

func TestBase_StatsAndSuccessRate(t *testing.T) {
	b, err := NewBase(Config{ServiceName: "doc"})
	require.NoError(t, err)

	stats := b.Stats()
	assert.Equal(t, "doc", stats.ServiceName)
	assert.InDelta(t, 1.0, stats.SuccessRate(), 0.0001)

	b.RecordAttempt()
	b.RecordAttempt()
	b.RecordFailure()

	stats = b.Stats()
	assert.Equal(t, int64(2), stats.Attempts)
	assert.Equal(t, int64(1), stats.Failures)
	assert.InDelta(t, 0.5, stats.SuccessRate(), 0.0001)
	assert.False(t, stats.Healthy)

	b.RecordHealthCheck(true)
	stats = b.Stats()
	assert.True(t, stats.Healthy)
	assert.False(t, stats.LastHealthCheck.IsZero())
}

func TestDirectoryCipherSuites_PriorityOrder(t *testing.T) {
	suites := DirectoryCipherSuites()
	require.Len(t, suites, 6)

	pos := make(map[uint16]int, len(suites))
	for i, s := range suites {
		pos[s] = i
	}

	// AES-256-GCM suites must precede CHACHA20, which must precede AES-128-GCM.
	assert.Less(t, pos[tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384], pos[tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305])
	assert.Less(t, pos[tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305], pos[tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256])
}
