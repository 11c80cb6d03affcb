package commands

import (
	"fmt"
	"path/filepath"

	"github.com/sentrygate/sentrygate/internal/identity"
	"github.com/sentrygate/sentrygate/internal/sconfig"
	"github.com/spf13/cobra"
)

func newKeygenCmd() *cobra.Command {
	var passphrase string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate the operator's Ed25519 signing keypair",
		Example: `  sentrygate keygen
  sentrygate keygen --passphrase "correct horse battery staple"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			layout, err := sconfig.Resolve(dataDirFlag)
			if err != nil {
				return err
			}
			if err := layout.EnsureDirs(); err != nil {
				return err
			}

			kp, err := identity.GenerateKeypair(sconfig.KeyName)
			if err != nil {
				return fmt.Errorf("generating keypair: %w", err)
			}

			if passphrase == "" {
				passphrase = sconfig.KeyPassphrase()
			}

			dir := layout.KeysDir()
			encrypted := passphrase != ""
			if encrypted {
				privPath := filepath.Join(dir, sconfig.KeyName+".key")
				if err := identity.SaveEncrypted(privPath, kp.PrivateKey, passphrase); err != nil {
					return fmt.Errorf("saving encrypted private key: %w", err)
				}
				if err := kp.SavePublicOnly(dir); err != nil {
					return err
				}
			} else if err := kp.Save(dir); err != nil {
				return fmt.Errorf("saving keypair: %w", err)
			}

			fp := identity.Fingerprint(kp.PublicKey)
			suffix := ""
			if encrypted {
				suffix = " (encrypted)"
			}
			fmt.Printf("Generated signing keypair\n")
			fmt.Printf("  Private: %s%s\n", filepath.Join(dir, sconfig.KeyName+".key"), suffix)
			fmt.Printf("  Public:  %s\n", filepath.Join(dir, sconfig.KeyName+".pub"))
			fmt.Printf("  Fingerprint: %s\n", fp)
			return nil
		},
	}

	cmd.Flags().StringVar(&passphrase, "passphrase", "", "encrypt the private key at rest with this passphrase")
	return cmd
}
