package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/staticimp/staticimp/pkg/vault"
)

var encryptPublicKey string

var encryptCmd = &cobra.Command{
	Use:   "encrypt [plaintext]",
	Short: "Encrypt a secret for the config file",
	Long: `Encrypt a value with the vault public key. The plaintext is read from
standard input when no argument is given, so it stays out of shell history.
The output is a v1: secret ready to be pasted under an entry's secrets.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pub, err := vault.ParsePublicKey(encryptPublicKey)
		if err != nil {
			return err
		}

		var plaintext string
		if len(args) == 1 {
			plaintext = args[0]
		} else {
			data, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), 64<<10))
			if err != nil {
				return fmt.Errorf("read plaintext: %w", err)
			}
			plaintext = strings.TrimRight(string(data), "\r\n")
		}
		if plaintext == "" {
			return errors.New("nothing to encrypt")
		}

		secret, err := vault.Encrypt(plaintext, pub)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(secret))
		return nil
	},
}

func init() {
	encryptCmd.Flags().StringVarP(&encryptPublicKey, "public-key", "k", "", "Base64 vault public key")
	_ = encryptCmd.MarkFlagRequired("public-key")
	rootCmd.AddCommand(encryptCmd)
}
