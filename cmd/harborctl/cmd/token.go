package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_relay/internal/auth"
)

var tokenCmd = &cobra.Command{
	Use:   "token [account-id]",
	Short: "Mint a development JWT for the status API",
	Long: `Mint an HS256 token carrying the account_id claim, signed with --secret
or the JWT_SECRET environment variable. Intended for local development.

Example:
  JWT_TOKEN=$(harborctl token acct_1 --secret dev-secret)`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, _ := cmd.Flags().GetString("secret")
		if secret == "" {
			secret = os.Getenv("JWT_SECRET")
		}
		ttl, _ := cmd.Flags().GetDuration("ttl")

		tok, err := auth.MintToken(secret, args[0], ttl)
		if err != nil {
			return fmt.Errorf("mint token: %w", err)
		}

		if outputJSON {
			printOutput(cmd.OutOrStdout(), map[string]string{"account_id": args[0], "token": tok})
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), tok)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().String("secret", "", "HS256 signing secret (default: JWT_SECRET)")
	tokenCmd.Flags().Duration("ttl", time.Hour, "token lifetime, 0 for no expiry")
}
