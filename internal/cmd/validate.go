package cmd

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/leadgov-io/warden/internal/guard"
	"github.com/leadgov-io/warden/internal/profile"
)

var (
	validateProfiles string
	validateKeywords string
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate profile and keyword configuration",
	Long:  "Checks the profile registry invariants and compiles the topic guard before deployment",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		_, span := tracer.Start(ctx, "validate")
		defer span.End()

		profiles, err := profile.LoadProfiles(ctx, validateProfiles)
		if err != nil {
			log.Error().Err(err).Str("file", validateProfiles).Msg("profile validation failed")
			fmt.Fprintf(os.Stderr, "✗ Profile validation failed: %s\n", validateProfiles)
			return fmt.Errorf("validation failed: %w", err)
		}

		km, err := guard.LoadKeywords(validateKeywords)
		if err != nil {
			fmt.Fprintf(os.Stderr, "✗ Keyword validation failed: %s\n", validateKeywords)
			return fmt.Errorf("validation failed: %w", err)
		}

		// Building the guard compiles the embedded policy, verifying correctness
		if _, err := guard.New(ctx, km); err != nil {
			return fmt.Errorf("guard compilation failed: %w", err)
		}

		fmt.Printf("✓ Profiles valid: %s\n", validateProfiles)
		for r, p := range profiles {
			fmt.Printf("  %s: %d allowed, %d banned, %d vault facts\n",
				r, len(p.AllowedTopics()), len(p.BannedTopics()), len(p.VaultTopics()))
		}
		fmt.Printf("✓ Keywords valid: %s\n", validateKeywords)

		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringVar(&validateProfiles, "profiles", "warden.profiles.yaml", "profile registry file")
	validateCmd.Flags().StringVar(&validateKeywords, "keywords", "warden.keywords.yaml", "keyword mapping file")
}
