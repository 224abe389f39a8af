package config

import (
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	viper.Reset()
	t.Setenv("WARDEN_DATA_DIR", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultProfilesPath, cfg.ProfilesPath)
	assert.Equal(t, DefaultKeywordsPath, cfg.KeywordsPath)
	assert.Equal(t, DefaultProvider, cfg.Provider)
	assert.Equal(t, DefaultModel, cfg.Model)
	assert.True(t, cfg.UsingDefaultSigningKey())
	assert.NotEmpty(t, cfg.SigningKey)
	assert.True(t, strings.HasSuffix(cfg.AuditDBPath(), "audit.db"))
	assert.True(t, strings.HasSuffix(cfg.LeadsDBPath(), "leads.db"))
}

func TestLoadExplicitSigningKey(t *testing.T) {
	viper.Reset()
	t.Setenv("WARDEN_DATA_DIR", t.TempDir())
	t.Setenv("WARDEN_SIGNING_KEY", "explicit-signing-key-32-bytes-ok!")

	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.UsingDefaultSigningKey())
	assert.Equal(t, "explicit-signing-key-32-bytes-ok!", cfg.SigningKey)
}

func TestLoadRejectsShortSigningKey(t *testing.T) {
	viper.Reset()
	t.Setenv("WARDEN_DATA_DIR", t.TempDir())
	t.Setenv("WARDEN_SIGNING_KEY", "too-short")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signing_key")
}

func TestLoadRejectsUnknownProvider(t *testing.T) {
	viper.Reset()
	t.Setenv("WARDEN_DATA_DIR", t.TempDir())
	t.Setenv("WARDEN_PROVIDER", "carrier-pigeon")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider")
}

func TestValidateSigningKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{"32 raw bytes", "12345678901234567890123456789012", false},
		{"64 hex chars", "a1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d7e8f90", false},
		{"31 bytes", "1234567890123456789012345678901", true},
		{"empty", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateSigningKey(tt.key)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
