// Package authcache coordinates the four cache tiers (L1 in-process secure
// cache, L2 remote KV, L3 document store, L4 directory authority), handling
// fill-coalescing, promotion and invalidation.
package authcache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rs/zerolog/log"

	"github.com/netresearch/authcache/internal/dirpool"
	"github.com/netresearch/authcache/internal/docpool"
	"github.com/netresearch/authcache/internal/kvpool"
	"github.com/netresearch/authcache/internal/region"
	"github.com/netresearch/authcache/internal/securecache"
	"github.com/netresearch/authcache/internal/userrecord"
)

// ErrUserNotFound indicates neither the cache nor the directory has a
// record for the requested username.
var ErrUserNotFound = errors.New("authcache: user not found")

// Statistics aggregates the counters spec §4.8's stats() exposes.
type Statistics struct {
	CacheSizeL1    int     `json:"cache_size_l1"`
	HitsL1         int64   `json:"hits_l1"`
	HitsL2         int64   `json:"hits_l2"`
	HitsL3         int64   `json:"hits_l3"`
	Misses         int64   `json:"misses"`
	TotalRequests  int64   `json:"total_requests"`
	HitRatio       float64 `json:"hit_ratio"`
	FillsInFlight  int64   `json:"fills_in_flight"`
	FillsCoalesced int64   `json:"fills_coalesced"`
}

// kvStore is the subset of *kvpool.Pool the cache coordinator needs, split
// out so tests can substitute a fake without a live Redis.
type kvStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// docStore is the subset of *docpool.Pool the cache coordinator needs.
type docStore interface {
	GetUser(ctx context.Context, username string) (*docpool.UserDocument, error)
	UpsertUser(ctx context.Context, doc docpool.UserDocument) error
	DeleteUser(ctx context.Context, username string) error
}

// directory is the subset of *dirpool.Pool the cache coordinator needs.
type directory interface {
	Lookup(ctx context.Context, username string) (*dirpool.Entry, error)
}

// Cache is the distributed authentication cache coordinator, C8.
type Cache struct {
	l1     *securecache.Cache[userrecord.UserRecord]
	l2     kvStore
	l3     docStore
	l4     directory
	region *region.Mapper

	fillGroup singleflight.Group

	hitsL1, hitsL2, hitsL3 int64
	misses, total          int64
	fillsInFlight          int64
	fillsCoalesced         int64
}

// New wires the four tiers (L2/L3/L4 may be nil — a pipeline with a tier
// missing simply skips it, per spec §8 scenario 3).
func New(l1 *securecache.Cache[userrecord.UserRecord], l2 *kvpool.Pool, l3 *docpool.Pool, l4 *dirpool.Pool, rm *region.Mapper) *Cache {
	c := &Cache{l1: l1, region: rm}

	if l2 != nil {
		c.l2 = l2
	}
	if l3 != nil {
		c.l3 = l3
	}
	if l4 != nil {
		c.l4 = l4
	}

	return c
}

func kvKey(username string) string {
	return "user:" + username
}

// Get searches L1→L2→L3 in order, promoting a hit to every cheaper tier. A
// miss across all three returns (nil, none) without consulting L4 — callers
// wanting directory fallback must call Fill explicitly, per spec §4.8.
func (c *Cache) Get(ctx context.Context, username string) (*userrecord.UserRecord, userrecord.CacheTier) {
	atomic.AddInt64(&c.total, 1)

	if c.l1 != nil {
		if rec, ok := c.l1.Get(username); ok {
			atomic.AddInt64(&c.hitsL1, 1)

			return &rec, userrecord.TierL1
		}
	}

	if c.l2 != nil {
		if rec, ok := c.getL2(ctx, username); ok {
			atomic.AddInt64(&c.hitsL2, 1)
			c.promote(rec, userrecord.TierL2)

			return rec, userrecord.TierL2
		}
	}

	if c.l3 != nil {
		if rec, ok := c.getL3(ctx, username); ok {
			atomic.AddInt64(&c.hitsL3, 1)
			c.promote(rec, userrecord.TierL3)

			return rec, userrecord.TierL3
		}
	}

	atomic.AddInt64(&c.misses, 1)

	return nil, userrecord.TierNone
}

func (c *Cache) getL2(ctx context.Context, username string) (*userrecord.UserRecord, bool) {
	raw, err := c.l2.Get(ctx, kvKey(username))
	if err != nil {
		if !errors.Is(err, kvpool.ErrNotFound) {
			log.Warn().Err(err).Str("username", username).Msg("authcache: L2 lookup failed, skipping tier")
		}

		return nil, false
	}

	rec, err := c.l1.Open(raw)
	if err != nil {
		log.Warn().Err(err).Str("username", username).Msg("authcache: L2 payload undecodable, treating as miss")

		return nil, false
	}

	return &rec, true
}

func (c *Cache) getL3(ctx context.Context, username string) (*userrecord.UserRecord, bool) {
	doc, err := c.l3.GetUser(ctx, username)
	if err != nil {
		if !errors.Is(err, docpool.ErrNotFound) {
			log.Warn().Err(err).Str("username", username).Msg("authcache: L3 lookup failed, skipping tier")
		}

		return nil, false
	}

	rec, err := c.l1.Open([]byte(doc.UserData))
	if err != nil {
		log.Warn().Err(err).Str("username", username).Msg("authcache: L3 payload undecodable, treating as miss")

		return nil, false
	}

	return &rec, true
}

// promote writes rec to every tier cheaper than servedBy, per spec §4.8.
func (c *Cache) promote(rec *userrecord.UserRecord, servedBy userrecord.CacheTier) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if c.l1 != nil {
		c.l1.Put(rec.Username, *rec)
	}

	if servedBy == userrecord.TierL3 && c.l2 != nil {
		if err := c.putL2(ctx, rec); err != nil {
			log.Warn().Err(err).Str("username", rec.Username).Msg("authcache: promotion to L2 failed")
		}
	}
}

func (c *Cache) putL2(ctx context.Context, rec *userrecord.UserRecord) error {
	ciphertext, err := c.l1.Seal(*rec)
	if err != nil {
		return err
	}

	return c.l2.Set(ctx, kvKey(rec.Username), ciphertext, rec.EffectiveTTL())
}

func (c *Cache) putL3(ctx context.Context, rec *userrecord.UserRecord) error {
	ciphertext, err := c.l1.Seal(*rec)
	if err != nil {
		return err
	}

	now := time.Now()

	return c.l3.UpsertUser(ctx, docpool.UserDocument{
		Username:    rec.Username,
		UserData:    string(ciphertext),
		CacheTime:   now.Unix(),
		CacheExpiry: now.Add(rec.EffectiveTTL()).Unix(),
		Region:      rec.Region,
	})
}

// putAll writes rec to every configured tier, used by Fill after a directory
// lookup, per spec §4.8's "fill issues lookup then put_all".
func (c *Cache) putAll(ctx context.Context, rec *userrecord.UserRecord) {
	if c.l1 != nil {
		c.l1.Put(rec.Username, *rec)
	}

	if c.l2 != nil {
		if err := c.putL2(ctx, rec); err != nil {
			log.Warn().Err(err).Str("username", rec.Username).Msg("authcache: L2 fill-write failed")
		}
	}

	if c.l3 != nil {
		if err := c.putL3(ctx, rec); err != nil {
			log.Warn().Err(err).Str("username", rec.Username).Msg("authcache: L3 fill-write failed")
		}
	}
}

// Fill issues a directory lookup and populates every tier, coalescing
// concurrent fills for the same username behind golang.org/x/sync/singleflight
// so at most one L4 request is in flight per key, per spec §3 invariant 3
// and §5. Returns ErrUserNotFound if the directory has no matching entry.
func (c *Cache) Fill(ctx context.Context, username string) (*userrecord.UserRecord, error) {
	if c.l4 == nil {
		return nil, fmt.Errorf("%w: no directory pool configured", ErrUserNotFound)
	}

	atomic.AddInt64(&c.fillsInFlight, 1)
	defer atomic.AddInt64(&c.fillsInFlight, -1)

	v, err, shared := c.fillGroup.Do(username, func() (interface{}, error) {
		return c.fillFromDirectory(ctx, username)
	})
	if shared {
		atomic.AddInt64(&c.fillsCoalesced, 1)
	}

	if err != nil {
		return nil, err
	}

	rec, _ := v.(*userrecord.UserRecord)

	return rec, nil
}

func (c *Cache) fillFromDirectory(ctx context.Context, username string) (*userrecord.UserRecord, error) {
	entry, err := c.l4.Lookup(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", dirpool.ErrBackend, err)
	}

	if entry == nil {
		return nil, ErrUserNotFound
	}

	rec := recordFromEntry(*entry, c.region)

	c.putAll(ctx, rec)

	return rec, nil
}

func recordFromEntry(e dirpool.Entry, rm *region.Mapper) *userrecord.UserRecord {
	now := time.Now()

	regionCode := ""
	if rm != nil {
		regionCode = string(rm.Assign(region.Hints{Username: e.UID, Email: e.Mail, DN: e.DN}))
	}

	return &userrecord.UserRecord{
		Username:          e.UID,
		DistinguishedName: e.DN,
		Email:             e.Mail,
		DisplayName:       e.CN,
		Region:            regionCode,
		CacheRegion:       regionCode,
		AccountStatus:     userrecord.StatusActive,
		CacheTimestamp:    now,
		TTLSeconds:        userrecord.DefaultTTLSeconds,
	}
}

// Invalidate removes username from every tier, per spec §4.8.
func (c *Cache) Invalidate(ctx context.Context, username string) {
	if c.l1 != nil {
		c.l1.Remove(username)
	}

	if c.l2 != nil {
		if err := c.l2.Del(ctx, kvKey(username)); err != nil {
			log.Warn().Err(err).Str("username", username).Msg("authcache: L2 invalidate failed")
		}
	}

	if c.l3 != nil {
		if err := c.l3.DeleteUser(ctx, username); err != nil {
			log.Warn().Err(err).Str("username", username).Msg("authcache: L3 invalidate failed")
		}
	}
}

// WriteBack persists rec (unchanged TTL) after the Auth Service mutates
// lockout/failure counters. It writes L1 and L2 only; L3 is not written, so
// access_count is not bumped the way a Fill-driven write does.
func (c *Cache) WriteBack(ctx context.Context, rec *userrecord.UserRecord) {
	c.promote(rec, userrecord.TierL1)

	if c.l2 != nil {
		if err := c.putL2(ctx, rec); err != nil {
			log.Warn().Err(err).Str("username", rec.Username).Msg("authcache: write-back to L2 failed")
		}
	}
}

// Stats returns the current counter snapshot, per spec §4.8/§4.11.
func (c *Cache) Stats() Statistics {
	hitsL1 := atomic.LoadInt64(&c.hitsL1)
	hitsL2 := atomic.LoadInt64(&c.hitsL2)
	hitsL3 := atomic.LoadInt64(&c.hitsL3)
	misses := atomic.LoadInt64(&c.misses)
	total := atomic.LoadInt64(&c.total)

	var hitRatio float64
	if total > 0 {
		hitRatio = float64(hitsL1+hitsL2+hitsL3) / float64(total)
	}

	size := 0
	if c.l1 != nil {
		size = c.l1.Size()
	}

	return Statistics{
		CacheSizeL1:    size,
		HitsL1:         hitsL1,
		HitsL2:         hitsL2,
		HitsL3:         hitsL3,
		Misses:         misses,
		TotalRequests:  total,
		HitRatio:       hitRatio,
		FillsInFlight:  atomic.LoadInt64(&c.fillsInFlight),
		FillsCoalesced: atomic.LoadInt64(&c.fillsCoalesced),
	}
}
