package cmd

import (
	"fmt"

	"github.com/illarion/walletvault/internal/crypto"
	"github.com/spf13/cobra"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the wallet and set its password",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := GetPasswordForInit()
			if err != nil {
				return err
			}
			defer crypto.ClearBytes(password)

			if err := wallet.Init(cmd.Context(), password); err != nil {
				return err
			}
			fmt.Printf("✓ Initialized %s\n", cfg.DBPath)
			return nil
		},
	}
}
