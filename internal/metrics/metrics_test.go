package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netresearch/authcache/internal/authcache"
	"github.com/netresearch/authcache/internal/dirpool"
	"github.com/netresearch/authcache/internal/kvpool"
	"github.com/netresearch/authcache/internal/mtls"
	"github.com/netresearch/authcache/internal/securecache"
	"github.com/netresearch/authcache/internal/userrecord"
)

type fakeKVPinger struct{ stats kvpool.Stats }

func (f fakeKVPinger) Stats() kvpool.Stats { return f.stats }

type fakeDocPinger struct{ stats mtls.PoolStats }

func (f fakeDocPinger) Stats() mtls.PoolStats { return f.stats }

type fakeDirPinger struct{ stats dirpool.Stats }

func (f fakeDirPinger) Stats() dirpool.Stats { return f.stats }

func healthyPoolStats() mtls.PoolStats {
	return mtls.PoolStats{Healthy: true, Attempts: 10, Failures: 0}
}

func TestStatusFor_NoAttemptsIsUp(t *testing.T) {
	assert.Equal(t, StatusUp, statusFor(mtls.PoolStats{}))
}

func TestStatusFor_Thresholds(t *testing.T) {
	assert.Equal(t, StatusUp, statusFor(mtls.PoolStats{Attempts: 100, Failures: 1}))
	assert.Equal(t, StatusDegraded, statusFor(mtls.PoolStats{Attempts: 100, Failures: 40}))
	assert.Equal(t, StatusDown, statusFor(mtls.PoolStats{Attempts: 100, Failures: 90}))
}

func TestAggregateStatus_DirectoryDownIsFatal(t *testing.T) {
	pools := []PoolReport{
		{Name: "kv", Present: true, Status: StatusUp.String()},
		{Name: "doc", Present: true, Status: StatusUp.String()},
		{Name: "directory", Present: true, Status: StatusDown.String()},
	}

	assert.Equal(t, StatusDown, aggregateStatus(pools))
}

func TestAggregateStatus_MissingL2DegradesButDoesNotFail(t *testing.T) {
	pools := []PoolReport{
		{Name: "kv", Present: false, Status: StatusDegraded.String()},
		{Name: "doc", Present: true, Status: StatusUp.String()},
		{Name: "directory", Present: true, Status: StatusUp.String()},
	}

	assert.Equal(t, StatusDegraded, aggregateStatus(pools))
}

func TestAggregateStatus_AllHealthyIsUp(t *testing.T) {
	pools := []PoolReport{
		{Name: "kv", Present: true, Status: StatusUp.String()},
		{Name: "doc", Present: true, Status: StatusUp.String()},
		{Name: "directory", Present: true, Status: StatusUp.String()},
	}

	assert.Equal(t, StatusUp, aggregateStatus(pools))
}

func newTestCollector(t *testing.T, kv KVPinger, doc DocPinger, dir DirPinger) *Collector {
	t.Helper()

	l1, err := securecache.New[userrecord.UserRecord](securecache.Config{
		RotationPeriod: time.Hour,
		TTL:             time.Hour,
		SweepInterval:   time.Hour,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l1.Close() })

	cache := authcache.New(l1, nil, nil, nil, nil)

	return New(cache, kv, doc, dir)
}

func TestCollector_Snapshot_NoPoolsConfigured(t *testing.T) {
	c := newTestCollector(t, nil, nil, nil)

	report := c.Snapshot()
	assert.Equal(t, StatusDown.String(), report.Status) // directory absent is fatal
	assert.Len(t, report.Pools, 3)
}

func TestCollector_Snapshot_AllHealthy(t *testing.T) {
	c := newTestCollector(t,
		fakeKVPinger{stats: kvpool.Stats{PoolStats: healthyPoolStats()}},
		fakeDocPinger{stats: healthyPoolStats()},
		fakeDirPinger{stats: dirpool.Stats{PoolStats: healthyPoolStats()}},
	)

	report := c.Snapshot()
	assert.Equal(t, StatusUp.String(), report.Status)
}

func TestCollector_RecordAuth(t *testing.T) {
	c := newTestCollector(t, nil, nil, nil)

	c.RecordAuth(true, 5*time.Millisecond)
	c.RecordAuth(false, 5*time.Millisecond)

	report := c.Snapshot()
	assert.Equal(t, int64(1), report.AuthSuccesses)
	assert.Equal(t, int64(1), report.AuthFailures)
}
