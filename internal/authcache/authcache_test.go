package authcache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netresearch/authcache/internal/dirpool"
	"github.com/netresearch/authcache/internal/docpool"
	"github.com/netresearch/authcache/internal/kvpool"
	"github.com/netresearch/authcache/internal/region"
	"github.com/netresearch/authcache/internal/securecache"
	"github.com/netresearch/authcache/internal/userrecord"
)

type fakeKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeKV() *fakeKV { return &fakeKV{data: make(map[string][]byte)} }

func (f *fakeKV) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	v, ok := f.data[key]
	if !ok {
		return nil, kvpool.ErrNotFound
	}

	return v, nil
}

func (f *fakeKV) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value

	return nil
}

func (f *fakeKV) Del(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)

	return nil
}

type fakeDoc struct {
	mu   sync.Mutex
	docs map[string]docpool.UserDocument
}

func newFakeDoc() *fakeDoc { return &fakeDoc{docs: make(map[string]docpool.UserDocument)} }

func (f *fakeDoc) GetUser(_ context.Context, username string) (*docpool.UserDocument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, ok := f.docs[username]
	if !ok {
		return nil, docpool.ErrNotFound
	}

	return &doc, nil
}

func (f *fakeDoc) UpsertUser(_ context.Context, doc docpool.UserDocument) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[doc.Username] = doc

	return nil
}

func (f *fakeDoc) DeleteUser(_ context.Context, username string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.docs, username)

	return nil
}

type fakeDirectory struct {
	lookups   int64
	lookupGap time.Duration
	entry     *dirpool.Entry
}

func (f *fakeDirectory) Lookup(_ context.Context, _ string) (*dirpool.Entry, error) {
	atomic.AddInt64(&f.lookups, 1)
	time.Sleep(f.lookupGap)

	return f.entry, nil
}

func newTestL1(t *testing.T) *securecache.Cache[userrecord.UserRecord] {
	t.Helper()

	l1, err := securecache.New[userrecord.UserRecord](securecache.Config{
		RotationPeriod: time.Hour,
		TTL:             time.Hour,
		SweepInterval:   time.Hour,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l1.Close() })

	return l1
}

func TestCache_Get_L1Hit(t *testing.T) {
	l1 := newTestL1(t)
	l1.Put("alice", userrecord.UserRecord{Username: "alice"})

	c := &Cache{l1: l1}

	rec, tier := c.Get(context.Background(), "alice")
	require.NotNil(t, rec)
	assert.Equal(t, userrecord.TierL1, tier)
}

func TestCache_Get_Miss(t *testing.T) {
	l1 := newTestL1(t)
	c := &Cache{l1: l1}

	rec, tier := c.Get(context.Background(), "nobody")
	assert.Nil(t, rec)
	assert.Equal(t, userrecord.TierNone, tier)
}

func TestCache_Get_L2HitPromotesToL1(t *testing.T) {
	l1 := newTestL1(t)
	kv := newFakeKV()
	c := &Cache{l1: l1, l2: kv}

	rec := userrecord.UserRecord{Username: "bob", TTLSeconds: 300}
	ciphertext, err := l1.Seal(rec)
	require.NoError(t, err)
	require.NoError(t, kv.Set(context.Background(), "user:bob", ciphertext, time.Minute))

	got, tier := c.Get(context.Background(), "bob")
	require.NotNil(t, got)
	assert.Equal(t, userrecord.TierL2, tier)

	_, foundInL1 := l1.Get("bob")
	assert.True(t, foundInL1)
}

func TestCache_Get_L3HitPromotesToL1AndL2(t *testing.T) {
	l1 := newTestL1(t)
	kv := newFakeKV()
	doc := newFakeDoc()
	c := &Cache{l1: l1, l2: kv, l3: doc}

	rec := userrecord.UserRecord{Username: "frank", TTLSeconds: 300}
	ciphertext, err := l1.Seal(rec)
	require.NoError(t, err)
	require.NoError(t, doc.UpsertUser(context.Background(), docpool.UserDocument{
		Username: "frank",
		UserData: string(ciphertext),
	}))

	got, tier := c.Get(context.Background(), "frank")
	require.NotNil(t, got)
	assert.Equal(t, userrecord.TierL3, tier)

	_, foundInL1 := l1.Get("frank")
	assert.True(t, foundInL1)

	_, err = kv.Get(context.Background(), "user:frank")
	assert.NoError(t, err)
}

func TestCache_Fill_CoalescesConcurrentCalls(t *testing.T) {
	l1 := newTestL1(t)
	dir := &fakeDirectory{
		lookupGap: 50 * time.Millisecond,
		entry:     &dirpool.Entry{UID: "carol", CN: "Carol", Mail: "carol@example.com"},
	}

	c := &Cache{l1: l1, l4: dir, region: region.New()}

	const n = 50

	var wg sync.WaitGroup
	results := make([]*userrecord.UserRecord, n)

	for i := 0; i < n; i++ {
		wg.Add(1)

		go func(idx int) {
			defer wg.Done()

			rec, err := c.Fill(context.Background(), "carol")
			require.NoError(t, err)
			results[idx] = rec
		}(i)
	}

	wg.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&dir.lookups))

	for _, r := range results {
		require.NotNil(t, r)
		assert.Equal(t, "carol", r.Username)
	}
}

func TestCache_Fill_UserNotFound(t *testing.T) {
	l1 := newTestL1(t)
	dir := &fakeDirectory{entry: nil}
	c := &Cache{l1: l1, l4: dir}

	_, err := c.Fill(context.Background(), "ghost")
	require.ErrorIs(t, err, ErrUserNotFound)
}

func TestCache_Invalidate(t *testing.T) {
	l1 := newTestL1(t)
	kv := newFakeKV()
	c := &Cache{l1: l1, l2: kv}

	l1.Put("dave", userrecord.UserRecord{Username: "dave"})
	require.NoError(t, kv.Set(context.Background(), "user:dave", []byte("x"), time.Minute))

	c.Invalidate(context.Background(), "dave")

	_, found := l1.Get("dave")
	assert.False(t, found)

	_, err := kv.Get(context.Background(), "user:dave")
	assert.Error(t, err)
}

func TestCache_Stats_HitRatio(t *testing.T) {
	l1 := newTestL1(t)
	c := &Cache{l1: l1}

	l1.Put("erin", userrecord.UserRecord{Username: "erin"})

	c.Get(context.Background(), "erin")
	c.Get(context.Background(), "nobody")

	stats := c.Stats()
	assert.Equal(t, int64(2), stats.TotalRequests)
	assert.Equal(t, int64(1), stats.HitsL1)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 0.5, stats.HitRatio, 0.0001)
}
