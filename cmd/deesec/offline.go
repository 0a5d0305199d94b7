package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jmerrifield20/deesec/internal/identity"
	"github.com/jmerrifield20/deesec/internal/ledger"
	"github.com/spf13/cobra"
)

// ── hash ─────────────────────────────────────────────────────────────────────

var hashCmd = &cobra.Command{
	Use:   "hash [file]",
	Short: "Print the content hash of a file (or stdin) for use as a content reference",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			data []byte
			err  error
		)
		if len(args) == 1 && args[0] != "-" {
			data, err = os.ReadFile(args[0])
		} else {
			data, err = io.ReadAll(cmd.InOrStdin())
		}
		if err != nil {
			return err
		}
		h := ledger.ContentHash(data)
		return printValue(cmd.OutOrStdout(), map[string]string{"hash": h}, func(w io.Writer) error {
			_, err := fmt.Fprintln(w, h)
			return err
		})
	},
}

// ── token ────────────────────────────────────────────────────────────────────

var (
	tokenKeyPath string
	tokenIssuer  string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage ledgerd bearer tokens",
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue <identity>",
	Short: "Sign a bearer token for identity with the ledgerd signing key",
	Long: `issue signs a token with the same RSA key ledgerd uses in token mode.
It must run where the key file is readable, typically on the ledgerd host.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := identity.New(args[0])
		if id.IsZero() {
			return fmt.Errorf("identity must not be empty")
		}
		key, err := identity.LoadKey(tokenKeyPath)
		if err != nil {
			return err
		}
		tok, err := identity.NewTokenIssuer(key, tokenIssuer, tokenTTL).Issue(id)
		if err != nil {
			return err
		}
		v := map[string]string{"identity": string(id), "token": tok}
		return printValue(cmd.OutOrStdout(), v, func(w io.Writer) error {
			_, err := fmt.Fprintln(w, tok)
			return err
		})
	},
}

func init() {
	tokenIssueCmd.Flags().StringVar(&tokenKeyPath, "key", "keys/ledger.pem", "path to the ledgerd signing key")
	tokenIssueCmd.Flags().StringVar(&tokenIssuer, "issuer", "deesec", "token issuer; must match identity.issuer in ledgerd.yaml")
	tokenIssueCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
	tokenCmd.AddCommand(tokenIssueCmd)
}
