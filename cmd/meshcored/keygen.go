package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/driftmesh/core/noise"
)

var keygenOutputFile string

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a new node identity key",
	Long: `keygen generates a new X25519 static identity key for this node (the
long-term key a peer's noise.Session is pinned to) and writes its hex
encoding to a file, or stdout if no file is given.`,
	RunE: runKeygen,
}

func init() {
	rootCmd.AddCommand(keygenCmd)
	keygenCmd.Flags().StringVarP(&keygenOutputFile, "output", "o", "", "output file (default: stdout)")
}

func runKeygen(cmd *cobra.Command, args []string) error {
	priv, err := noise.GeneratePrivateKey()
	if err != nil {
		return fmt.Errorf("generate identity key: %w", err)
	}
	hexKey, err := priv.ToHex()
	if err != nil {
		return fmt.Errorf("encode identity key: %w", err)
	}

	pub, err := priv.Public()
	if err != nil {
		return fmt.Errorf("derive public key: %w", err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "public key: %x\n", pub)

	if keygenOutputFile == "" {
		_, err = fmt.Fprintln(cmd.OutOrStdout(), hexKey)
		return err
	}
	return os.WriteFile(keygenOutputFile, []byte(hexKey+"\n"), 0o600)
}
