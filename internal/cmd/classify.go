package cmd

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/leadgov-io/warden/internal/config"
	"github.com/leadgov-io/warden/internal/role"
)

var (
	classifyOutput string
	classifyImport bool
)

var classifyCmd = &cobra.Command{
	Use:   "classify <leads.csv>",
	Short: "Classify a raw leads sheet into role assignments",
	Long: `Reads a raw leads CSV (Name, Phone Number, source column), assigns each
lead a role, and writes the classified sheet the role store binds from.
Unrecognized or blank sources are assigned UNKNOWN rather than dropped.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		_, span := tracer.Start(ctx, "classify")
		defer span.End()

		leads, summary, err := role.ClassifyFile(args[0], classifyOutput)
		if err != nil {
			return fmt.Errorf("classifying leads: %w", err)
		}

		fmt.Printf("Classified %d leads → %s\n", summary.TotalLeads, classifyOutput)

		roles := make([]string, 0, len(summary.RoleCounts))
		for r := range summary.RoleCounts {
			roles = append(roles, string(r))
		}
		sort.Strings(roles)
		for _, r := range roles {
			fmt.Printf("  %-16s %d\n", r, summary.RoleCounts[role.Role(r)])
		}

		if len(summary.Problems) > 0 {
			fmt.Printf("\n%d problem rows:\n", len(summary.Problems))
			for _, p := range summary.Problems {
				fmt.Printf("  - %s\n", p)
			}
		}

		if classifyImport {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if err := cfg.EnsureDataDir(); err != nil {
				return fmt.Errorf("creating data directory: %w", err)
			}
			store, err := role.NewSQLStore(cfg.LeadsDBPath())
			if err != nil {
				return fmt.Errorf("opening leads database: %w", err)
			}
			defer store.Close()
			if err := store.ImportLeads(ctx, leads); err != nil {
				return fmt.Errorf("importing leads: %w", err)
			}
			log.Info().Int("leads", len(leads)).Str("db", cfg.LeadsDBPath()).Msg("leads imported")
			fmt.Printf("\nImported %d leads into %s\n", len(leads), cfg.LeadsDBPath())
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(classifyCmd)

	classifyCmd.Flags().StringVarP(&classifyOutput, "output", "o", "classified_leads.csv", "output CSV path")
	classifyCmd.Flags().BoolVar(&classifyImport, "import", false, "also import assignments into the leads database")
}
