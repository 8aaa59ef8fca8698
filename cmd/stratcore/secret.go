package main

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/stratcore/internal/crypto"
)

func newSecretCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage the encrypted venue API secret",
	}
	encrypt := &cobra.Command{
		Use:   "encrypt",
		Short: "Encrypt STRATCORE_VENUE_API_SECRET with STRATCORE_VENUE_SECRET_PASSWORD",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			secret := os.Getenv("STRATCORE_VENUE_API_SECRET")
			password := os.Getenv("STRATCORE_VENUE_SECRET_PASSWORD")
			if secret == "" || password == "" {
				return errors.New("STRATCORE_VENUE_API_SECRET and STRATCORE_VENUE_SECRET_PASSWORD must be set")
			}
			doc, err := crypto.EncryptSecret(secret, password)
			if err != nil {
				return err
			}
			return os.WriteFile(out, doc, 0o600)
		},
	}
	encrypt.Flags().StringVar(&out, "out", "venue_secret.json", "file to write")
	cmd.AddCommand(encrypt)
	return cmd
}
