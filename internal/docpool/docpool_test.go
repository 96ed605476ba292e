package docpool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfig_WithDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, "authcache", cfg.Database)
	assert.Equal(t, 5, cfg.MinPoolSize)
	assert.Equal(t, 50, cfg.MaxPoolSize)
	assert.Equal(t, 30*time.Second, cfg.IdleTTL)
	assert.Equal(t, 600*time.Second, cfg.LifetimeTTL)
}

func TestConfig_WithDefaults_PreservesOverrides(t *testing.T) {
	cfg := Config{Database: "custom", MaxPoolSize: 10}.withDefaults()
	assert.Equal(t, "custom", cfg.Database)
	assert.Equal(t, 10, cfg.MaxPoolSize)
}

func TestUserDocument_SchemaVersionDefault(t *testing.T) {
	assert.Equal(t, uint32(1), CurrentSchemaVersion)
}
