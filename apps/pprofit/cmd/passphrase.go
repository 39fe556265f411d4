package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/gateway"
)

var passphraseCmd = &cobra.Command{
	Use:   "passphrase KEYFILE",
	Short: "Store the passphrase of an encrypted SSH key in the OS keyring",
	Long: `passphrase reads the passphrase for KEYFILE from the terminal and stores it
in the OS keyring. Remote runners whose identity file is encrypted read it
from there when connecting.`,
	Args: cobra.ExactArgs(1),
	// The keyring needs no fit configuration.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		fd := int(os.Stdin.Fd())
		if !term.IsTerminal(fd) {
			return errors.New("passphrase must be entered on a terminal")
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Passphrase for %s: ", args[0])
		passphrase, err := term.ReadPassword(fd)
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		if err := gateway.StorePassphrase(args[0], string(passphrase)); err != nil {
			return fmt.Errorf("failed to store passphrase: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✅ passphrase for %s stored\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(passphraseCmd)
}
