package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"consoleguard.io/internal/auth"
)

var (
	tokenID   string
	tokenName string
	tokenRole string
	tokenTTL  time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a bearer token signed with GUARD_JWT_SECRET",
	RunE: func(cmd *cobra.Command, args []string) error {
		role, err := auth.ParseRole(tokenRole)
		if err != nil {
			return err
		}
		issuer, err := auth.NewIssuer(cfg.JWTSecret, auth.WithIssuerName(cfg.JWTIssuer))
		if err != nil {
			return err
		}
		token, err := issuer.Generate(auth.Actor{ID: tokenID, Name: tokenName, Role: role}, tokenTTL)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
		return err
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenID, "id", "", "operator id (token subject)")
	tokenCmd.Flags().StringVar(&tokenName, "name", "", "operator display name")
	tokenCmd.Flags().StringVar(&tokenRole, "role", "SUPPORT", "SUPER_ADMIN, ADMIN or SUPPORT")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("id")
}
