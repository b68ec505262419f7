package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/staticimp/staticimp/pkg/vault"
)

var keygenOut string

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a vault key pair",
	Long: `Generate a key pair for the secret vault. The private key is written to
--out with owner-only permissions and is never printed. The public key is
printed so that it can be shared with whoever encrypts secrets.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		kp, err := vault.GenerateKey()
		if err != nil {
			return err
		}
		if err := kp.WriteFile(keygenOut); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), kp.Public.String())
		return nil
	},
}

func init() {
	keygenCmd.Flags().StringVarP(&keygenOut, "out", "o", "", "Private key file to create")
	_ = keygenCmd.MarkFlagRequired("out")
	rootCmd.AddCommand(keygenCmd)
}
