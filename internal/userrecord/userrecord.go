// Package userrecord defines the cacheable user profile, lockout state, and
// authentication result types shared by every tier of the cache.
package userrecord

import (
	"fmt"
	"time"
)

// Status enumerates a UserRecord's account state.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusLocked   Status = "locked"
	StatusDisabled Status = "disabled"
)

// HashAlgorithm is the tagged union of supported password hash schemes.
type HashAlgorithm string

const (
	HashPBKDF2SHA256 HashAlgorithm = "pbkdf2_sha256"
	HashBcrypt       HashAlgorithm = "bcrypt"
	HashSHA256Salted HashAlgorithm = "sha256_salted"
)

// SecurityClearance gates MFA enforcement (spec §4.6: requires_mfa is also
// true when clearance is anything other than PUBLIC).
type SecurityClearance string

const (
	ClearancePublic SecurityClearance = "PUBLIC"
)

// RiskLevel buckets RiskScore into the four bands named in spec §4.6.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// LockoutInfo records a single lockout episode. IsLocked is derived, never
// stored, so it always reflects the current time relative to UnlockTime.
type LockoutInfo struct {
	LockoutTime  time.Time `json:"lockout_time"`
	UnlockTime   time.Time `json:"unlock_time"`
	Reason       string    `json:"reason"`
	AttemptCount int       `json:"attempt_count"`
	PolicyID     string    `json:"policy_id"`
}

// IsLocked reports whether now is still within the lockout window.
func (l *LockoutInfo) IsLocked(now time.Time) bool {
	if l == nil {
		return false
	}

	return now.Before(l.UnlockTime)
}

// UserRecord is the cacheable user profile, matching spec §3's entity
// definition field for field. MFASecrets are never serialized. Within this
// module the password material is serialized only into L1's own encrypted
// payloads (securecache Put and Seal).
type UserRecord struct {
	// Identity
	Username           string `json:"username"`
	DistinguishedName  string `json:"distinguished_name"`
	EmployeeID         string `json:"employee_id"`
	Email              string `json:"email"`
	DisplayName        string `json:"display_name"`
	Department         string `json:"department"`
	Region             string `json:"region"`

	// Authentication material
	PasswordHash   string        `json:"password_hash"`
	Salt           string        `json:"salt"`
	HashAlgorithm  HashAlgorithm `json:"hash_algorithm"`
	Strength       int           `json:"strength"`
	PasswordExpiry time.Time     `json:"password_expiry"`
	LastChange     time.Time     `json:"last_change"`

	// MFA
	MFAEnabled bool                `json:"mfa_enabled"`
	MFAMethods map[string]struct{} `json:"mfa_methods,omitempty"`
	MFASecrets map[string]string   `json:"-"`

	// Status
	AccountStatus     Status            `json:"account_status"`
	LockoutInfo       *LockoutInfo      `json:"lockout_info,omitempty"`
	RiskScore         int               `json:"risk_score"`
	SecurityClearance SecurityClearance `json:"security_clearance"`
	FailedAttempts    int               `json:"failed_attempts"`
	LastSuccess       time.Time         `json:"last_success"`
	LastFailure       time.Time         `json:"last_failure"`
	LastIP            string            `json:"last_ip"`

	// Authorization
	Roles         map[string]struct{}            `json:"roles,omitempty"`
	Groups        map[string]struct{}            `json:"groups,omitempty"`
	Entitlements  map[string]map[string]struct{} `json:"entitlements,omitempty"`

	// Cache metadata
	CacheTimestamp  time.Time `json:"cache_timestamp"`
	TTLSeconds      int64     `json:"ttl_seconds"`
	AccessFrequency int64     `json:"access_frequency"`
	CacheRegion     string    `json:"cache_region"`
}

// DefaultTTLSeconds is used when a record's TTLSeconds is unset, per spec
// §4.8's promotion policy.
const DefaultTTLSeconds int64 = 300

// EffectiveTTL returns TTLSeconds, or DefaultTTLSeconds when unset.
func (u *UserRecord) EffectiveTTL() time.Duration {
	ttl := u.TTLSeconds
	if ttl <= 0 {
		ttl = DefaultTTLSeconds
	}

	return time.Duration(ttl) * time.Second
}

// IsExpired implements spec §3 invariant 2: cache_timestamp + ttl_seconds <
// now OR password_expiry < now.
func (u *UserRecord) IsExpired(now time.Time) bool {
	if !u.CacheTimestamp.IsZero() && u.CacheTimestamp.Add(u.EffectiveTTL()).Before(now) {
		return true
	}

	return u.PasswordExpired(now)
}

// IsLocked reports whether the account is currently within a lockout window.
func (u *UserRecord) IsLocked(now time.Time) bool {
	return u.LockoutInfo.IsLocked(now)
}

// IsActive reports whether the account status permits authentication.
func (u *UserRecord) IsActive() bool {
	return u.AccountStatus == StatusActive
}

// PasswordExpired reports whether the password has expired as of now.
func (u *UserRecord) PasswordExpired(now time.Time) bool {
	return !u.PasswordExpiry.IsZero() && u.PasswordExpiry.Before(now)
}

// RiskLevel buckets RiskScore per spec §4.6: LOW <=20 < MEDIUM <=50 < HIGH
// <=80 < CRITICAL.
func (u *UserRecord) RiskLevel() RiskLevel {
	switch {
	case u.RiskScore <= 20:
		return RiskLow
	case u.RiskScore <= 50:
		return RiskMedium
	case u.RiskScore <= 80:
		return RiskHigh
	default:
		return RiskCritical
	}
}

// RequiresMFA implements spec §4.6: mfa_enabled OR risk_score > 50 OR
// security_clearance set and not PUBLIC (an empty clearance counts as PUBLIC).
func (u *UserRecord) RequiresMFA() bool {
	if u.MFAEnabled || u.RiskScore > 50 {
		return true
	}

	return u.SecurityClearance != "" && u.SecurityClearance != ClearancePublic
}

// ClearSensitive zeroes all secret fields. Call before any out-of-process
// serialization, per spec §4.6.
func (u *UserRecord) ClearSensitive() {
	u.PasswordHash = ""
	u.Salt = ""
	u.MFASecrets = nil
	u.LastIP = ""
}

// ErrorKind is the tagged-union error taxonomy from spec §7.
type ErrorKind string

const (
	ErrKindInvalidInput       ErrorKind = "InvalidInput"
	ErrKindUserNotFound       ErrorKind = "UserNotFound"
	ErrKindInvalidCredentials ErrorKind = "InvalidCredentials"
	ErrKindAccountLocked      ErrorKind = "AccountLocked"
	ErrKindAccountInactive    ErrorKind = "AccountInactive"
	ErrKindPasswordExpired    ErrorKind = "PasswordExpired"
	ErrKindBackendUnavailable ErrorKind = "BackendUnavailable"
	ErrKindConfigError        ErrorKind = "ConfigError"
	ErrKindInternal           ErrorKind = "Internal"
)

// AuthError wraps an ErrorKind with an optional underlying cause, matching
// the teacher's ValidationError pattern of a typed struct implementing
// error() rather than a bare errors.New.
type AuthError struct {
	Kind ErrorKind
	Err  error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}

	return string(e.Kind)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// NewAuthError constructs an *AuthError of the given kind, optionally
// wrapping cause.
func NewAuthError(kind ErrorKind, cause error) *AuthError {
	return &AuthError{Kind: kind, Err: cause}
}

// CacheTier names the tier that served a request, ordered cheapest first.
type CacheTier string

const (
	TierNone CacheTier = "none"
	TierL1   CacheTier = "L1"
	TierL2   CacheTier = "L2"
	TierL3   CacheTier = "L3"
	TierL4   CacheTier = "L4"
)

// AuthenticationResult is the outcome of Authenticate, per spec §3.
type AuthenticationResult struct {
	Success         bool
	User            *UserRecord
	ErrorKind       ErrorKind
	ResponseTimeMS  int64
	CacheTierHit    CacheTier
}

// PublicMessage maps error kinds to the generic, enumeration-resistant
// message the Client Façade exposes externally, per spec §7: InvalidCredentials
// and UserNotFound must be indistinguishable to the caller.
func (r AuthenticationResult) PublicMessage() string {
	if r.Success {
		return "authentication succeeded"
	}

	switch r.ErrorKind {
	case ErrKindInvalidCredentials, ErrKindUserNotFound:
		return "invalid username or password"
	case ErrKindAccountLocked:
		return "account temporarily locked"
	case ErrKindAccountInactive:
		return "account inactive"
	case ErrKindPasswordExpired:
		return "password expired"
	case ErrKindBackendUnavailable:
		return "service temporarily unavailable"
	case ErrKindInvalidInput:
		return "invalid request"
	default:
		return "authentication failed"
	}
}
