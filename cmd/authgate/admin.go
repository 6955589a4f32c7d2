package main

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/and161185/authgate/internal/migrate"
	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer a.close()
			return migrate.Up(cmd.Context(), a.cfg.DatabaseDSN, a.log)
		},
	}
}

func newUnlockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock <username>",
		Short: "Clear failed login attempts and any lock for an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer a.close()

			st, err := a.auth.LockStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := a.auth.Unlock(cmd.Context(), args[0]); err != nil {
				return err
			}
			if st.Locked {
				cmd.Printf("unlocked %s (was locked for another %s)\n", args[0], st.Remaining.Round(time.Second))
				return nil
			}
			cmd.Printf("%s was not locked; cleared %d failed attempts\n", args[0], st.FailedAttempts)
			return nil
		},
	}
}

func newCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Run every cleanup task once and report removed rows",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer a.close()

			counts, err := a.cleanup.RunOnce(cmd.Context())
			return reportCleanup(cmd.OutOrStdout(), counts, err)
		},
	}
}

// reportCleanup prints removed counts sorted by task and returns runErr so
// that a failed task gives a non-zero exit status.
func reportCleanup(w io.Writer, counts map[string]int64, runErr error) error {
	names := make([]string, 0, len(counts))
	for n := range counts {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Fprintf(w, "%-20s %d\n", n, counts[n])
	}
	if runErr != nil {
		return fmt.Errorf("cleanup: %w", runErr)
	}
	return nil
}
