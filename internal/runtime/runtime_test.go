package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netresearch/authcache/internal/config"
)

func testOpts() *config.Opts {
	return &config.Opts{
		Secure: config.SecureCacheConfig{
			DefaultTTL:     time.Hour,
			RotationPeriod: time.Hour,
			SweepInterval:  time.Hour,
			SoftCapEntries: 100,
		},
		HealthListenAddr: ":0",
	}
}

func TestNew_NoBackendsConfigured_DegradesGracefully(t *testing.T) {
	rt, err := New(context.Background(), testOpts())
	require.NoError(t, err)
	require.NotNil(t, rt)
	defer func() { _ = rt.Close(context.Background()) }()

	assert.Nil(t, rt.l2)
	assert.Nil(t, rt.l3)
	assert.Nil(t, rt.l4)

	report := rt.Collector.Snapshot()
	assert.Equal(t, "down", report.Status) // directory absence is fatal
}

func TestNew_Client_AnonymizesUnknownUser(t *testing.T) {
	rt, err := New(context.Background(), testOpts())
	require.NoError(t, err)
	defer func() { _ = rt.Close(context.Background()) }()

	res := rt.Client.AuthenticateSync(context.Background(), "nobody", "x")
	assert.False(t, res.Success)
	assert.Equal(t, "invalid username or password", res.Message)
}

func TestRuntime_Close_NoBackendsReturnsNil(t *testing.T) {
	rt, err := New(context.Background(), testOpts())
	require.NoError(t, err)

	assert.NoError(t, rt.Close(context.Background()))
}
