package cmd

import (
	"errors"
	"fmt"

	"github.com/illarion/walletvault/internal/core"
	"github.com/illarion/walletvault/internal/crypto"
	"github.com/illarion/walletvault/internal/keyring"
	"github.com/spf13/cobra"
)

func keyringCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keyring",
		Short: "Manage the password cached in the OS keyring",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "save",
		Short: "Save the password to the OS keyring",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			password, err := core.ReadPassword("Enter password: ")
			if err != nil {
				return err
			}
			defer crypto.ClearBytes(password)

			if err := wallet.VerifyPassword(ctx, password); err != nil {
				return err
			}
			vaultID, err := wallet.GetOrCreateVaultID(ctx)
			if err != nil {
				return err
			}
			if err := keyring.SavePassword(vaultID, password); err != nil {
				return fmt.Errorf("failed to save to keyring: %w", err)
			}

			fmt.Println("Password saved to keyring")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete",
		Short: "Remove the password from the OS keyring",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			vaultID, err := wallet.GetVaultID(cmd.Context())
			if err != nil {
				fmt.Println("No password stored in keyring")
				return nil
			}
			err = keyring.DeletePassword(vaultID)
			if errors.Is(err, keyring.ErrNotStored) {
				fmt.Println("No password stored in keyring")
				return nil
			}
			if err != nil {
				return err
			}

			fmt.Println("Password removed from keyring")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show whether a password is stored in the OS keyring",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			vaultID, err := wallet.GetVaultID(cmd.Context())
			if err == nil && keyring.HasPassword(vaultID) {
				fmt.Println("Password: stored in keyring")
			} else {
				fmt.Println("Password: not stored")
			}
			return nil
		},
	})

	return cmd
}
