package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/leadgov-io/warden/internal/audit"
	"github.com/leadgov-io/warden/internal/config"
	"github.com/leadgov-io/warden/internal/escalation"
	"github.com/leadgov-io/warden/internal/guard"
	"github.com/leadgov-io/warden/internal/llm"
	"github.com/leadgov-io/warden/internal/profile"
	"github.com/leadgov-io/warden/internal/role"
	"github.com/leadgov-io/warden/internal/server"
	"github.com/leadgov-io/warden/internal/session"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Warden server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 8080, "HTTP server port")
	rootCmd.AddCommand(serveCmd)
}

// parseAPIKeys returns the admin key set from WARDEN_API_KEYS (comma-separated).
func parseAPIKeys(env string) map[string]bool {
	m := make(map[string]bool)
	for _, part := range strings.Split(env, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			m[part] = true
		}
	}
	return m
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	cfg.WarnIfDefaultKeys()

	// Profile load errors are fatal: a misconfigured profile must never serve.
	profiles, err := profile.LoadProfiles(ctx, cfg.ProfilesPath)
	if err != nil {
		return fmt.Errorf("loading profiles: %w", err)
	}
	registry := profile.NewRegistry(profiles)

	// A missing keyword map degrades to fail-closed rather than refusing to
	// start: the audit trail and admin API stay reachable.
	g := loadGuard(ctx, cfg.KeywordsPath)

	var roleStore role.Store
	if cfg.LeadsCSV != "" {
		csvStore, err := role.NewCSVStore(cfg.LeadsCSV)
		if err != nil {
			return fmt.Errorf("opening leads CSV: %w", err)
		}
		roleStore = csvStore
	} else {
		sqlStore, err := role.NewSQLStore(cfg.LeadsDBPath())
		if err != nil {
			return fmt.Errorf("opening leads database: %w", err)
		}
		defer sqlStore.Close()
		roleStore = sqlStore
	}

	auditStore, err := audit.NewStore(cfg.AuditDBPath(), cfg.SigningKey)
	if err != nil {
		return fmt.Errorf("initializing audit store: %w", err)
	}
	defer auditStore.Close()

	escalations, err := escalation.NewHandler(cfg.LeadsDBPath(), roleStore, auditStore)
	if err != nil {
		return fmt.Errorf("initializing escalation handler: %w", err)
	}
	defer escalations.Close()

	provider, err := llm.Resolve(cfg.Provider, os.Getenv("OPENAI_API_KEY"), cfg.ProviderBaseURL())
	if err != nil {
		return fmt.Errorf("resolving provider: %w", err)
	}

	manager := session.NewManager(session.Config{
		Roles:             roleStore,
		Registry:          registry,
		Guard:             g,
		Provider:          provider,
		Audit:             auditStore,
		Logger:            log.Logger,
		Model:             cfg.Model,
		MessagesPerMinute: cfg.MessagesPerMin,
		IdleTimeout:       cfg.IdleTimeout,
	})

	scheduler := cron.New()
	if _, err := scheduler.AddFunc("@every 1m", func() {
		manager.SweepIdle(context.Background())
	}); err != nil {
		return fmt.Errorf("scheduling idle sweep: %w", err)
	}
	if cfg.ReloadCron != "" {
		if _, err := scheduler.AddFunc(cfg.ReloadCron, func() {
			reloadConfig(context.Background(), cfg, registry, manager)
		}); err != nil {
			return fmt.Errorf("scheduling profile reload: %w", err)
		}
	}
	scheduler.Start()
	defer scheduler.Stop()

	apiKeys := parseAPIKeys(os.Getenv("WARDEN_API_KEYS"))
	if len(apiKeys) == 0 {
		log.Warn().Msg("WARDEN_API_KEYS not set; admin endpoints will return 401. Set for production.")
	}

	srv := server.NewServer(manager, auditStore, escalations, registry, apiKeys,
		server.WithCORSOrigins([]string{"*"}))

	addr := fmt.Sprintf(":%d", servePort)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      srv.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().
		Str("addr", addr).
		Str("provider", provider.Name()).
		Str("model", cfg.Model).
		Int("profiles", len(profiles)).
		Bool("guard_fail_closed", g.FailClosed()).
		Msg("warden_serve_started")

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown_signal_received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info().Msg("server_stopped")
	return nil
}

// loadGuard builds the active guard, falling back to refuse-everything mode
// when the keyword mapping is missing or invalid.
func loadGuard(ctx context.Context, keywordsPath string) *guard.Guard {
	km, err := guard.LoadKeywords(keywordsPath)
	if err != nil {
		log.Error().Err(err).Str("path", keywordsPath).
			Msg("keyword map unavailable; guard is fail-closed, every message will be refused")
		return guard.NewFailClosed()
	}
	g, err := guard.New(ctx, km)
	if err != nil {
		log.Error().Err(err).
			Msg("guard construction failed; guard is fail-closed, every message will be refused")
		return guard.NewFailClosed()
	}
	return g
}

// reloadConfig re-reads profiles and keywords from disk. A bad profile file
// keeps the previous registry; a bad keyword file swaps in a fail-closed
// guard. Live sessions keep the profiles they were bound with.
func reloadConfig(ctx context.Context, cfg *config.Config, registry *profile.Registry, manager *session.Manager) {
	profiles, err := profile.LoadProfiles(ctx, cfg.ProfilesPath)
	if err != nil {
		log.Error().Err(err).Msg("profile reload failed; keeping previous profiles")
	} else {
		registry.Reload(profiles)
		log.Info().Int("profiles", len(profiles)).Msg("profiles reloaded")
	}

	manager.SetGuard(loadGuard(ctx, cfg.KeywordsPath))
}
