// Package docpool implements the L3 tier: a pooled, TLS-protected client to
// the document store backing the authentication cache, along with the
// schema (indexes, validators) spec §4.3/§6 requires.
package docpool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/netresearch/authcache/internal/mtls"
)

// ErrNotFound is returned when a document lookup misses.
var ErrNotFound = errors.New("docpool: document not found")

const usersCollection = "users"

// Config mirrors the fixed pool sizing of spec §4.3.
type Config struct {
	URL      string // default mongodb://localhost:27017 (no credentials, no TLS option); TLS is applied only when TLS holds certificates
	Database string // default "authcache"

	MinPoolSize    int
	MaxPoolSize    int
	IdleTTL        time.Duration
	LifetimeTTL    time.Duration
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration

	TLS *mtls.Base
}

// DefaultConfig returns the fixed pool sizing from spec §4.3.
func DefaultConfig() Config {
	return Config{
		Database:       "authcache",
		MinPoolSize:    5,
		MaxPoolSize:    50,
		IdleTTL:        30 * time.Second,
		LifetimeTTL:    600 * time.Second,
		ConnectTimeout: 5 * time.Second,
		ReadTimeout:    10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()

	if c.Database == "" {
		c.Database = d.Database
	}
	if c.MinPoolSize <= 0 {
		c.MinPoolSize = d.MinPoolSize
	}
	if c.MaxPoolSize <= 0 {
		c.MaxPoolSize = d.MaxPoolSize
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = d.IdleTTL
	}
	if c.LifetimeTTL <= 0 {
		c.LifetimeTTL = d.LifetimeTTL
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}

	return c
}

// UserDocument is the stored shape of a cached user in the users collection
// (spec §4.3: username, user_data (encrypted JSON), cache_time, cache_expiry,
// region, access_count). SchemaVersion implements spec.md §9's versioning
// design note.
type UserDocument struct {
	SchemaVersion uint32 `bson:"schemaVersion"`
	Username      string `bson:"username"`
	UserData      string `bson:"userData"`
	CacheTime     int64  `bson:"cacheTime"`
	CacheExpiry   int64  `bson:"cacheExpiry"`
	Region        string `bson:"region"`
	AccessCount   int64  `bson:"accessCount"`
}

// CurrentSchemaVersion is the only version this build writes or accepts.
const CurrentSchemaVersion uint32 = 1

// ErrUnsupportedSchema is returned when a stored document carries a schema
// version this build does not understand.
var ErrUnsupportedSchema = errors.New("docpool: unsupported schema version")

// Pool wraps a mongo.Client with the base pool/TLS bookkeeping.
type Pool struct {
	base   *mtls.Base
	client *mongo.Client
	db     *mongo.Database
	config Config

	closed int32
}

// New connects to the document store and returns a Pool. It does not create
// the schema; call EnsureSchema once at startup for that.
func New(ctx context.Context, cfg Config) (*Pool, error) {
	cfg = cfg.withDefaults()

	rawURL := cfg.URL
	if rawURL == "" {
		rawURL = "mongodb://localhost:27017"
	}

	opts := options.Client().
		ApplyURI(rawURL).
		SetMinPoolSize(uint64(cfg.MinPoolSize)).
		SetMaxPoolSize(uint64(cfg.MaxPoolSize)).
		SetMaxConnIdleTime(cfg.IdleTTL).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetSocketTimeout(cfg.ReadTimeout)

	base := cfg.TLS
	if base != nil && base.ValidateCertificates() {
		opts.SetTLSConfig(base.TLSConfig())
	} else {
		log.Warn().Msg("docpool: no mTLS material configured, connecting without client certificates")

		if base == nil {
			b, _ := mtls.NewBase(mtls.Config{ServiceName: "doc"})
			base = b
		}
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	base.RecordAttempt()

	client, err := mongo.Connect(connectCtx, opts)
	if err != nil {
		base.RecordFailure()

		return nil, fmt.Errorf("docpool: connect: %w", err)
	}

	p := &Pool{
		base:   base,
		client: client,
		db:     client.Database(cfg.Database),
		config: cfg,
	}

	if err := p.Ping(ctx); err != nil {
		log.Warn().Err(err).Msg("docpool: initial ping failed, pool starts in degraded state")
	}

	log.Info().Str("database", cfg.Database).Int("max_pool_size", cfg.MaxPoolSize).
		Msg("L3 document pool initialized")

	return p, nil
}

// Ping issues a liveness check and updates health bookkeeping.
func (p *Pool) Ping(ctx context.Context) error {
	p.base.RecordAttempt()

	if err := p.client.Ping(ctx, nil); err != nil {
		p.base.RecordFailure()
		p.base.RecordHealthCheck(false)

		return fmt.Errorf("docpool: ping: %w", err)
	}

	p.base.RecordHealthCheck(true)

	return nil
}

// EnsureSchema creates the users collection's indexes idempotently. Run once
// at startup; AlreadyExists failures are logged, not fatal, per spec §4.3.
func (p *Pool) EnsureSchema(ctx context.Context) error {
	coll := p.db.Collection(usersCollection)

	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: "username", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "cacheExpiry", Value: 1}}, Options: options.Index().SetExpireAfterSeconds(0)},
		{Keys: bson.D{{Key: "region", Value: 1}}},
		{Keys: bson.D{{Key: "accessCount", Value: -1}}},
		{Keys: bson.D{{Key: "cacheTime", Value: -1}}},
		{Keys: bson.D{{Key: "region", Value: 1}, {Key: "accessCount", Value: -1}}},
	}

	for _, m := range models {
		if _, err := coll.Indexes().CreateOne(ctx, m); err != nil {
			log.Info().Err(err).Msg("docpool: index creation skipped (likely already exists)")
		}
	}

	log.Info().Msg("docpool: schema ensured")

	return nil
}

// GetUser fetches the cached document for username, validating its schema
// version.
func (p *Pool) GetUser(ctx context.Context, username string) (*UserDocument, error) {
	p.base.RecordAttempt()

	var doc UserDocument

	err := p.db.Collection(usersCollection).
		FindOne(ctx, bson.D{{Key: "username", Value: username}}).
		Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		p.base.RecordFailure()

		return nil, fmt.Errorf("docpool: get %q: %w", username, err)
	}

	if doc.SchemaVersion != CurrentSchemaVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrUnsupportedSchema, doc.SchemaVersion, CurrentSchemaVersion)
	}

	return &doc, nil
}

// UpsertUser writes doc, setting SchemaVersion to the current version and
// incrementing access_count as spec §4.8's promotion policy requires.
func (p *Pool) UpsertUser(ctx context.Context, doc UserDocument) error {
	p.base.RecordAttempt()

	doc.SchemaVersion = CurrentSchemaVersion

	filter := bson.D{{Key: "username", Value: doc.Username}}
	update := bson.D{
		{Key: "$set", Value: bson.D{
			{Key: "schemaVersion", Value: doc.SchemaVersion},
			{Key: "userData", Value: doc.UserData},
			{Key: "cacheTime", Value: doc.CacheTime},
			{Key: "cacheExpiry", Value: doc.CacheExpiry},
			{Key: "region", Value: doc.Region},
		}},
		{Key: "$inc", Value: bson.D{{Key: "accessCount", Value: int64(1)}}},
	}

	_, err := p.db.Collection(usersCollection).
		UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		p.base.RecordFailure()

		return fmt.Errorf("docpool: upsert %q: %w", doc.Username, err)
	}

	return nil
}

// DeleteUser removes a cached document, used by invalidate().
func (p *Pool) DeleteUser(ctx context.Context, username string) error {
	p.base.RecordAttempt()

	_, err := p.db.Collection(usersCollection).
		DeleteOne(ctx, bson.D{{Key: "username", Value: username}})
	if err != nil {
		p.base.RecordFailure()

		return fmt.Errorf("docpool: delete %q: %w", username, err)
	}

	return nil
}

// Stats returns the base counter triple.
func (p *Pool) Stats() mtls.PoolStats {
	return p.base.Stats()
}

// Close disconnects the client. Safe to call more than once.
func (p *Pool) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&p.closed, 0, 1) {
		return nil
	}

	log.Info().Msg("L3 document pool shutting down")

	return p.client.Disconnect(ctx)
}
