package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ahwlsqja/dbft-node/crypto"
)

var keyOut string

func init() {
	keygenCmd.Flags().StringVarP(&keyOut, "out", "o", "validator.key", "Where to write the PEM private key")
}

// keygenCmd writes a fresh validator key and prints its public key, which
// goes into every node's validators list.
var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a validator key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(keyOut); err == nil {
			return fmt.Errorf("%s already exists", keyOut)
		}
		kp, err := crypto.GenerateKeyPair()
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(keyOut), 0o700); err != nil {
			return err
		}
		if err := crypto.SaveKeyFile(keyOut, kp); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "public key: %s\n", hex.EncodeToString(kp.PublicKeyBytes()))
		fmt.Fprintf(out, "address:    %s\n", kp.Address())
		return nil
	},
}
