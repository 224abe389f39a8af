package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/leadgov-io/warden/internal/audit"
	"github.com/leadgov-io/warden/internal/config"
)

var (
	auditAfterSeq   int64
	auditLimit      int
	auditViolations bool
	auditSession    string
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query and verify the audit trail",
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit entries",
	RunE:  auditList,
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify [entry-id]",
	Short: "Verify HMAC signatures (one entry, or the whole trail)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  auditVerify,
}

func init() {
	auditListCmd.Flags().Int64Var(&auditAfterSeq, "after-seq", 0, "Start after this global sequence number")
	auditListCmd.Flags().IntVar(&auditLimit, "limit", 20, "Maximum entries to show")
	auditListCmd.Flags().BoolVar(&auditViolations, "violations", false, "Show only violation-flagged entries")
	auditListCmd.Flags().StringVar(&auditSession, "session", "", "Show all entries for one session")

	auditCmd.AddCommand(auditListCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	rootCmd.AddCommand(auditCmd)
}

func openAuditStore() (*audit.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return audit.NewStore(cfg.AuditDBPath(), cfg.SigningKey)
}

func auditList(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	store, err := openAuditStore()
	if err != nil {
		return fmt.Errorf("initializing audit store: %w", err)
	}
	defer store.Close()

	var entries []audit.Entry
	if auditSession != "" {
		entries, err = store.ListBySession(ctx, auditSession)
	} else {
		entries, err = store.Tail(ctx, auditAfterSeq, auditLimit, auditViolations)
	}
	if err != nil {
		return fmt.Errorf("querying audit trail: %w", err)
	}

	if len(entries) == 0 {
		fmt.Println("No audit entries found.")
		return nil
	}
	for _, e := range entries {
		flag := " "
		if e.ViolationFlag {
			flag = "!"
		}
		detail := e.Response
		if e.RefusalCode != "" {
			detail = "refused: " + e.RefusalCode
		}
		fmt.Printf("%s %6d  %-16s %-14s s=%s seq=%d  %s\n",
			flag, e.GlobalSeq, e.Role, e.EntryType, shortID(e.SessionID), e.Seq, truncate(detail, 60))
	}
	return nil
}

func auditVerify(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
	defer cancel()

	store, err := openAuditStore()
	if err != nil {
		return fmt.Errorf("initializing audit store: %w", err)
	}
	defer store.Close()

	if len(args) == 1 {
		ok, err := store.Verify(ctx, args[0])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("✗ signature INVALID for entry %s", args[0])
		}
		fmt.Printf("✓ signature valid: %s\n", args[0])
		return nil
	}

	bad, err := store.VerifyAll(ctx)
	if err != nil {
		return err
	}
	if len(bad) > 0 {
		for _, id := range bad {
			fmt.Printf("✗ signature INVALID: %s\n", id)
		}
		return fmt.Errorf("%d entries failed verification", len(bad))
	}
	fmt.Println("✓ all entries verified")
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
