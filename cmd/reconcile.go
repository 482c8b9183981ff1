package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/sells-group/geoattend/internal/attendance"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one pass over deferred attendance decisions",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("store"); err != nil {
			return err
		}
		st, err := openMigratedStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		decider, err := buildDecider(cfg, st, nil)
		if err != nil {
			return err
		}
		stats, err := attendance.NewReconciler(decider, st, attendance.ReconcilerConfig{}).RunOnce(cmd.Context())
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	},
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
}
