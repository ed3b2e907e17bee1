package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/reviewpilot/batchd/internal/api"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print a bearer token for calling the API (local and staging use)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if cfg.Admin.JWTSecret == "" {
			return eris.New("admin.jwt_secret is required (BATCHD_ADMIN_JWT_SECRET)")
		}
		role, _ := cmd.Flags().GetString("role")
		subject, _ := cmd.Flags().GetString("subject")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		tok, err := api.SignToken([]byte(cfg.Admin.JWTSecret), subject, role, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().String("role", api.RoleAdmin, "role claim (admin or service)")
	tokenCmd.Flags().String("subject", "cli", "subject claim")
	tokenCmd.Flags().Duration("ttl", time.Hour, "token lifetime")
	rootCmd.AddCommand(tokenCmd)
}
