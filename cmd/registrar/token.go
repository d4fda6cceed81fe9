package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"registrar/internal/jwttoken"
	id "registrar/pkg/domain"
)

func newTokenCmd(opts *rootOptions) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token [account-id]",
		Short: "Mint an access token for local testing",
		Long: `Mint a bearer token signed with server.jwt_signing_key. Without an
account id a random one is generated.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			accountID := id.AccountID(uuid.New())
			if len(args) == 1 {
				if accountID, err = id.ParseAccountID(args[0]); err != nil {
					return err
				}
			}
			token, err := jwttoken.NewJWTService(cfg.Server.JWTSigningKey, cfg.Server.JWTIssuer).GenerateAccessToken(accountID, ttl)
			if err != nil {
				return fmt.Errorf("sign token: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "account_id: %s\ntoken: %s\n", accountID, token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
