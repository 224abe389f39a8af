// Package config holds OPERATOR-LEVEL configuration for a Warden installation.
//
// This is infrastructure config set by whoever deploys Warden, NOT lead or
// conversation data. It covers the data directory, the audit signing key,
// the paths to the bot profile and topic keyword configuration files, and
// the generation provider settings. Set via env vars (WARDEN_*) or a
// warden.config.yaml file.
//
// The OpenAI API key is read from OPENAI_API_KEY as a single-tenant
// quickstart path; serve logs a warning when no provider key is present.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Viper keys. Each maps to an env var with the WARDEN_ prefix
// (e.g. "signing_key" → WARDEN_SIGNING_KEY) and to a YAML field
// in warden.config.yaml.
const (
	KeyDataDir         = "data_dir"
	KeySigningKey      = "signing_key"
	KeyProfilesPath    = "profiles_path"
	KeyKeywordsPath    = "keywords_path"
	KeyLeadsCSV        = "leads_csv"
	KeyProvider        = "provider"
	KeyModel           = "model"
	KeyOllamaBaseURL   = "ollama_base_url"
	KeyOpenAIBaseURL   = "openai_base_url"
	KeyReloadCron      = "reload_cron"
	KeyIdleTimeoutMin  = "idle_timeout_minutes"
	KeyMessagesPerMin  = "messages_per_minute"
)

// Defaults that do NOT involve crypto material. The signing key intentionally
// has no baked-in default; when unset we generate a deterministic
// per-machine fallback and warn loudly.
const (
	DefaultProfilesPath   = "warden.profiles.yaml"
	DefaultKeywordsPath   = "warden.keywords.yaml"
	DefaultProvider       = "openai"
	DefaultModel          = "gpt-4o-mini"
	DefaultOllamaURL      = "http://localhost:11434"
	DefaultIdleTimeoutMin = 30
	DefaultMessagesPerMin = 20
)

// Config holds resolved operator-level configuration for a Warden process.
type Config struct {
	DataDir        string        // Base directory for all state (~/.warden)
	SigningKey     string        // HMAC-SHA256 key for audit signing (≥32 bytes)
	ProfilesPath   string        // Bot profile registry YAML
	KeywordsPath   string        // Keyword→topic mapping YAML for the guard
	LeadsCSV       string        // Classified leads CSV (CSV-backed role store)
	Provider       string        // Generation provider ("openai" or "ollama")
	Model          string        // Model name passed to the provider
	OllamaBaseURL  string        // Ollama API endpoint
	OpenAIBaseURL  string        // Optional OpenAI-compatible endpoint override
	ReloadCron     string        // Optional cron expression for profile reload
	IdleTimeout    time.Duration // Session idle timeout
	MessagesPerMin int           // Per-session message rate limit

	usingDefaultSigningKey bool
}

// UsingDefaultSigningKey returns true if the audit signing key was derived
// (not set explicitly). Commands should warn when this is the case.
func (c *Config) UsingDefaultSigningKey() bool {
	return c.usingDefaultSigningKey
}

// AuditDBPath returns the full path to the audit SQLite database.
func (c *Config) AuditDBPath() string {
	return filepath.Join(c.DataDir, "audit.db")
}

// LeadsDBPath returns the full path to the leads/reports SQLite database.
func (c *Config) LeadsDBPath() string {
	return filepath.Join(c.DataDir, "leads.db")
}

// ProviderBaseURL returns the endpoint override for the configured provider:
// OpenAIBaseURL (empty unless set) for openai, OllamaBaseURL for ollama.
func (c *Config) ProviderBaseURL() string {
	if c.Provider == "openai" {
		return c.OpenAIBaseURL
	}
	return c.OllamaBaseURL
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o700)
}

// WarnIfDefaultKeys logs a warning when the signing key is not explicitly set.
// Suppressed when WARDEN_QUICKSTART=1 or true (first-time exploration, demos).
func (c *Config) WarnIfDefaultKeys() {
	if isQuickstart() {
		return
	}
	if c.usingDefaultSigningKey {
		log.Warn().Msg("Using generated default WARDEN_SIGNING_KEY; set via env var or config file for production")
	}
}

func isQuickstart() bool {
	v := os.Getenv("WARDEN_QUICKSTART")
	return v == "1" || v == "true" || v == "TRUE"
}

func init() {
	setDefaults()
}

func setDefaults() {
	viper.SetEnvPrefix("WARDEN")
	viper.AutomaticEnv()
	viper.SetDefault(KeyProfilesPath, DefaultProfilesPath)
	viper.SetDefault(KeyKeywordsPath, DefaultKeywordsPath)
	viper.SetDefault(KeyProvider, DefaultProvider)
	viper.SetDefault(KeyModel, DefaultModel)
	viper.SetDefault(KeyOllamaBaseURL, DefaultOllamaURL)
	viper.SetDefault(KeyIdleTimeoutMin, DefaultIdleTimeoutMin)
	viper.SetDefault(KeyMessagesPerMin, DefaultMessagesPerMin)
}

// Load reads configuration from Viper (which merges env vars, config
// file, and defaults) and returns a validated Config.
func Load() (*Config, error) {
	setDefaults()
	cfg := &Config{
		DataDir:        resolveDataDir(),
		SigningKey:     viper.GetString(KeySigningKey),
		ProfilesPath:   viper.GetString(KeyProfilesPath),
		KeywordsPath:   viper.GetString(KeyKeywordsPath),
		LeadsCSV:       viper.GetString(KeyLeadsCSV),
		Provider:       viper.GetString(KeyProvider),
		Model:          viper.GetString(KeyModel),
		OllamaBaseURL:  viper.GetString(KeyOllamaBaseURL),
		OpenAIBaseURL:  viper.GetString(KeyOpenAIBaseURL),
		ReloadCron:     viper.GetString(KeyReloadCron),
		IdleTimeout:    time.Duration(viper.GetInt(KeyIdleTimeoutMin)) * time.Minute,
		MessagesPerMin: viper.GetInt(KeyMessagesPerMin),
	}

	if cfg.SigningKey == "" {
		cfg.SigningKey = deriveDefaultKey(cfg.DataDir, "audit-signing")
		cfg.usingDefaultSigningKey = true
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func resolveDataDir() string {
	if dir := viper.GetString(KeyDataDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".warden"
	}
	return filepath.Join(home, ".warden")
}

// deriveDefaultKey produces a deterministic 32-byte fallback key from the
// data directory path and a salt. This is NOT cryptographically strong: it
// exists solely so `warden serve` works out of the box while still signing
// audit entries with a per-machine-unique key.
func deriveDefaultKey(dataDir, salt string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("warden:%s:%s", dataDir, salt)))
	return hex.EncodeToString(h[:])
}

func (c *Config) validate() error {
	if err := validateSigningKey(c.SigningKey); err != nil {
		return err
	}
	if c.Provider != "openai" && c.Provider != "ollama" {
		return fmt.Errorf("provider must be \"openai\" or \"ollama\" (got %q)", c.Provider)
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("idle_timeout_minutes must be positive")
	}
	if c.MessagesPerMin < 0 {
		return fmt.Errorf("messages_per_minute must not be negative")
	}
	return nil
}

// validateSigningKey accepts either ≥32 raw bytes or ≥64 hex characters
// (decoded length ≥32 for HMAC-SHA256). Hex is checked first so that hex
// format is validated; raw is accepted otherwise when n ≥ 32.
func validateSigningKey(key string) error {
	n := len(key)
	if n >= 64 && n%2 == 0 && isHexString(key) {
		decoded, err := hex.DecodeString(key)
		if err != nil {
			return fmt.Errorf("signing_key hex decode: %w", err)
		}
		if len(decoded) < 32 {
			return fmt.Errorf("signing_key hex must decode to at least 32 bytes (got %d)", len(decoded))
		}
		return nil
	}
	if n >= 32 {
		return nil
	}
	return fmt.Errorf("signing_key must be at least 32 bytes or 64+ hex characters (got %d); set WARDEN_SIGNING_KEY", n)
}

func isHexString(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}
