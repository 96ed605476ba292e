package userrecord

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestUserRecord_RiskLevel(t *testing.T) {
	tests := []struct {
		score int
		want  RiskLevel
	}{
		{0, RiskLow}, {20, RiskLow},
		{21, RiskMedium}, {50, RiskMedium},
		{51, RiskHigh}, {80, RiskHigh},
		{81, RiskCritical}, {100, RiskCritical},
	}

	for _, tt := range tests {
		u := &UserRecord{RiskScore: tt.score}
		assert.Equal(t, tt.want, u.RiskLevel())
	}
}

func TestUserRecord_RequiresMFA(t *testing.T) {
	assert.True(t, (&UserRecord{MFAEnabled: true}).RequiresMFA())
	assert.True(t, (&UserRecord{RiskScore: 60}).RequiresMFA())
	assert.True(t, (&UserRecord{SecurityClearance: "SECRET"}).RequiresMFA())
	assert.False(t, (&UserRecord{SecurityClearance: ClearancePublic}).RequiresMFA())
	assert.False(t, (&UserRecord{}).RequiresMFA())
}

func TestUserRecord_IsLocked(t *testing.T) {
	now := time.Now()

	u := &UserRecord{LockoutInfo: &LockoutInfo{UnlockTime: now.Add(time.Minute)}}
	assert.True(t, u.IsLocked(now))

	u2 := &UserRecord{LockoutInfo: &LockoutInfo{UnlockTime: now.Add(-time.Minute)}}
	assert.False(t, u2.IsLocked(now))

	u3 := &UserRecord{}
	assert.False(t, u3.IsLocked(now))
}

func TestUserRecord_IsExpired(t *testing.T) {
	now := time.Now()

	expired := &UserRecord{CacheTimestamp: now.Add(-time.Hour), TTLSeconds: 60}
	assert.True(t, expired.IsExpired(now))

	fresh := &UserRecord{CacheTimestamp: now, TTLSeconds: 300}
	assert.False(t, fresh.IsExpired(now))

	pwExpired := &UserRecord{CacheTimestamp: now, TTLSeconds: 300, PasswordExpiry: now.Add(-time.Hour)}
	assert.True(t, pwExpired.IsExpired(now))
}

func TestUserRecord_EffectiveTTL_Default(t *testing.T) {
	u := &UserRecord{}
	assert.Equal(t, time.Duration(DefaultTTLSeconds)*time.Second, u.EffectiveTTL())
}

func TestUserRecord_ClearSensitive(t *testing.T) {
	u := &UserRecord{
		PasswordHash: "hash",
		Salt:         "salt",
		MFASecrets:   map[string]string{"totp": "secret"},
		LastIP:       "10.0.0.1",
	}

	u.ClearSensitive()

	assert.Empty(t, u.PasswordHash)
	assert.Empty(t, u.Salt)
	assert.Nil(t, u.MFASecrets)
	assert.Empty(t, u.LastIP)
}

func TestAuthError_Error(t *testing.T) {
	err := NewAuthError(ErrKindUserNotFound, nil)
	assert.Equal(t, "UserNotFound", err.Error())

	wrapped := NewAuthError(ErrKindBackendUnavailable, assert.AnError)
	assert.Contains(t, wrapped.Error(), "BackendUnavailable")
	assert.ErrorIs(t, wrapped, assert.AnError)
}

func TestAuthenticationResult_PublicMessage_NoEnumeration(t *testing.T) {
	notFound := AuthenticationResult{ErrorKind: ErrKindUserNotFound}
	badCreds := AuthenticationResult{ErrorKind: ErrKindInvalidCredentials}

	assert.Equal(t, notFound.PublicMessage(), badCreds.PublicMessage())
}
