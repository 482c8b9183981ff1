package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("store"); err != nil {
			return err
		}
		st, err := openMigratedStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		zap.L().Info("schema up to date", zap.String("driver", cfg.Store.Driver))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
