// Package client implements the Client Façade (C10): the synchronous,
// asynchronous and batch authentication entry points consumed by callers
// outside this module.
package client

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/netresearch/authcache/internal/authcache"
	"github.com/netresearch/authcache/internal/authsvc"
	"github.com/netresearch/authcache/internal/userrecord"
)

// authRecorder is the narrow metrics surface the façade needs, kept
// separate from metrics.Collector's full interface the way kvStore/docStore/
// directory are split out in internal/authcache, so tests can leave it nil.
type authRecorder interface {
	RecordAuth(success bool, d time.Duration)
}

// Facade is the Client Façade, C10.
type Facade struct {
	auth    *authsvc.Service
	cache   *authcache.Cache
	metrics authRecorder
}

// New constructs a Facade over the given auth service and cache. recorder
// may be nil, in which case per-auth metrics are simply not recorded.
func New(auth *authsvc.Service, cache *authcache.Cache, recorder authRecorder) *Facade {
	return &Facade{auth: auth, cache: cache, metrics: recorder}
}

// Result is the caller-facing outcome: success, a generic message chosen to
// avoid username enumeration (spec §7), and non-secret metrics.
type Result struct {
	Success        bool   `json:"success"`
	Message        string `json:"message"`
	CacheTierHit   string `json:"cache_tier_hit"`
	ResponseTimeMS int64  `json:"response_time_ms"`
}

func resultFrom(r userrecord.AuthenticationResult) Result {
	return Result{
		Success:        r.Success,
		Message:        r.PublicMessage(),
		CacheTierHit:   string(r.CacheTierHit),
		ResponseTimeMS: r.ResponseTimeMS,
	}
}

// AuthenticateSync implements spec §4.10's authenticate_sync. It is the
// single point AuthenticateAsync and AuthenticateBatch funnel through, so
// recording metrics here covers every entry point at once.
func (f *Facade) AuthenticateSync(ctx context.Context, username, password string) Result {
	start := time.Now()

	res := f.auth.Authenticate(ctx, username, password)

	if f.metrics != nil {
		f.metrics.RecordAuth(res.Success, time.Since(start))
	}

	return resultFrom(res)
}

// AuthenticateAsync implements spec §4.10's authenticate_async, returning a
// channel that yields exactly one Result.
func (f *Facade) AuthenticateAsync(ctx context.Context, username, password string) <-chan Result {
	out := make(chan Result, 1)

	go func() {
		defer close(out)
		out <- f.AuthenticateSync(ctx, username, password)
	}()

	return out
}

// Credential is one entry of a batch authenticate request.
type Credential struct {
	Username string
	Password string
}

// BatchRequest carries the credentials to authenticate and the batch
// executor's bounds, per spec §4.10.
type BatchRequest struct {
	Credentials    []Credential
	MaxConcurrency int
	TimeoutMS      int64
}

// DefaultMaxConcurrency and DefaultTimeoutMS are the batch defaults named in
// spec §4.10.
const (
	DefaultMaxConcurrency = 10
	DefaultTimeoutMS      = 5_000
)

func (r BatchRequest) withDefaults() BatchRequest {
	if r.MaxConcurrency <= 0 {
		r.MaxConcurrency = DefaultMaxConcurrency
	}
	if r.TimeoutMS <= 0 {
		r.TimeoutMS = DefaultTimeoutMS
	}

	return r
}

// BatchResult maps username to its per-credential Result. An individual
// failure never aborts the batch, per spec §4.10.
type BatchResult struct {
	Results map[string]Result
}

// AuthenticateBatch implements spec §4.10's authenticate_batch: a bounded
// fan-out over BatchRequest.Credentials, collected into a BatchResult.
// Concurrency is capped via a semaphore channel, mirroring the teacher's
// fan-out-then-collect warmup (internal/ldap_cache/manager.go's WarmupCache).
func (f *Facade) AuthenticateBatch(ctx context.Context, req BatchRequest) <-chan BatchResult {
	req = req.withDefaults()
	out := make(chan BatchResult, 1)

	go func() {
		defer close(out)

		batchCtx, cancel := context.WithTimeout(ctx, time.Duration(req.TimeoutMS)*time.Millisecond)
		defer cancel()

		sem := make(chan struct{}, req.MaxConcurrency)

		var (
			wg sync.WaitGroup
			mu sync.Mutex
		)

		results := make(map[string]Result, len(req.Credentials))

		for _, cred := range req.Credentials {
			wg.Add(1)

			go func(cred Credential) {
				defer wg.Done()

				select {
				case sem <- struct{}{}:
					defer func() { <-sem }()
				case <-batchCtx.Done():
					mu.Lock()
					results[cred.Username] = Result{Success: false, Message: "service temporarily unavailable"}
					mu.Unlock()

					return
				}

				res := f.AuthenticateSync(batchCtx, cred.Username, cred.Password)

				mu.Lock()
				results[cred.Username] = res
				mu.Unlock()
			}(cred)
		}

		wg.Wait()

		out <- BatchResult{Results: results}
	}()

	return out
}

// GetUser implements spec §4.10's get_user, reading the cache without
// consulting the directory (a cache miss returns nil, not a Fill).
func (f *Facade) GetUser(ctx context.Context, username string) *userrecord.UserRecord {
	rec, _ := f.cache.Get(ctx, username)

	return rec
}

// ValidateSession implements spec §4.10's validate_session: token non-empty
// AND the cached user is active. Per the Open Question decided in this
// module's design notes, the token's content is never inspected — only its
// presence and the user's current cached status matter.
func (f *Facade) ValidateSession(ctx context.Context, username, token string) bool {
	if strings.TrimSpace(token) == "" {
		return false
	}

	rec := f.GetUser(ctx, username)
	if rec == nil {
		return false
	}

	return rec.IsActive()
}

// Statistics aggregates the façade's view of cache performance, per spec
// §4.11's stats surface.
type Statistics struct {
	Cache authcache.Statistics `json:"cache"`
}

// ServiceStatistics implements spec §4.10's service_statistics.
func (f *Facade) ServiceStatistics() Statistics {
	return Statistics{Cache: f.cache.Stats()}
}
