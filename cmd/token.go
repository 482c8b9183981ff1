package main

import (
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/geoattend/internal/auth"
)

var (
	tokenTenant  string
	tokenSubject string
	tokenScopes  []string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue bearer tokens",
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Sign a token with the configured secret",
	RunE: func(cmd *cobra.Command, args []string) error {
		if tokenTenant == "" {
			return eris.New("--tenant is required")
		}
		v, err := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
		if err != nil {
			return err
		}
		tok, err := v.Issue(tokenTenant, tokenSubject, tokenTTL, tokenScopes...)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	tokenIssueCmd.Flags().StringVar(&tokenTenant, "tenant", "", "tenant id")
	tokenIssueCmd.Flags().StringVar(&tokenSubject, "subject", "", "subject id; empty issues a tenant-wide token")
	tokenIssueCmd.Flags().StringSliceVar(&tokenScopes, "scope", []string{auth.ScopeIngest}, "scopes to grant")
	tokenIssueCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")

	tokenCmd.AddCommand(tokenIssueCmd)
	rootCmd.AddCommand(tokenCmd)
}
