package cmd

import (
	"fmt"
	"os"

	"github.com/illarion/walletvault/internal/core"
	"github.com/illarion/walletvault/internal/crypto"
	"github.com/illarion/walletvault/internal/keyring"
	"github.com/spf13/cobra"
)

func passwdCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "passwd",
		Short: "Change the wallet password and re-encrypt accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			current, _, err := GetPasswordWithRetry(ctx, "Enter current password: ")
			if err != nil {
				return err
			}
			defer crypto.ClearBytes(current)

			next, err := core.ReadPasswordConfirm()
			if err != nil {
				return err
			}
			defer crypto.ClearBytes(next)

			if err := wallet.ChangePassword(ctx, current, next); err != nil {
				return err
			}

			// Keep a cached password in step with the new one.
			if vaultID, err := wallet.GetVaultID(ctx); err == nil && keyring.HasPassword(vaultID) {
				if err := keyring.SavePassword(vaultID, next); err == nil {
					fmt.Println("Keyring updated with new password")
				}
			}

			if err := wallet.Compact(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "warning: compaction failed: %s\n", err)
			}

			fmt.Println("password changed successfully")
			return nil
		},
	}
}
