package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/leadgov-io/warden/internal/audit"
	"github.com/leadgov-io/warden/internal/config"
	"github.com/leadgov-io/warden/internal/llm"
	"github.com/leadgov-io/warden/internal/profile"
	"github.com/leadgov-io/warden/internal/role"
	"github.com/leadgov-io/warden/internal/session"
)

var chatMessage string

var chatCmd = &cobra.Command{
	Use:   "chat <phone>",
	Short: "Open a role-bound conversation from the terminal",
	Long: `Binds a session for the given phone number exactly as the server would
(role lookup, profile attach, audit trail) and routes messages through the
same guard and generation pipeline. Useful for verifying a lead's bound
role and what its line will and will not answer.`,
	Args: cobra.ExactArgs(1),
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatMessage, "message", "m", "", "send a single message instead of starting an interactive session")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	phone := args[0]

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	cfg.WarnIfDefaultKeys()

	profiles, err := profile.LoadProfiles(ctx, cfg.ProfilesPath)
	if err != nil {
		return fmt.Errorf("loading profiles: %w", err)
	}
	registry := profile.NewRegistry(profiles)

	g := loadGuard(ctx, cfg.KeywordsPath)

	var roleStore role.Store
	if cfg.LeadsCSV != "" {
		roleStore, err = role.NewCSVStore(cfg.LeadsCSV)
		if err != nil {
			return fmt.Errorf("opening leads CSV: %w", err)
		}
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

	sess, err := manager.Bind(ctx, phone)
	if err != nil {
		return fmt.Errorf("binding session: %w", err)
	}
	defer func() {
		_ = manager.Logout(ctx, sess.ID)
	}()

	fmt.Printf("Session %s bound: %s → %s (%s)\n", shortID(sess.ID), phone, sess.Role, sess.Profile.Identity)

	if chatMessage != "" {
		return sendChat(cmd, manager, sess.ID, chatMessage)
	}

	fmt.Println("Type a message, or /quit to end the session.")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "/quit" || line == "/exit" {
			break
		}
		if err := sendChat(cmd, manager, sess.ID, line); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
	return scanner.Err()
}

func sendChat(cmd *cobra.Command, manager *session.Manager, sessionID, message string) error {
	reply, err := manager.HandleMessage(cmd.Context(), sessionID, message)
	if err != nil {
		return err
	}
	if reply.Refused {
		fmt.Printf("[refused: %s] %s\n", reply.RefusalCode, reply.Content)
		return nil
	}
	fmt.Println(reply.Content)
	return nil
}
