package cmd

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/illarion/walletvault/internal/core"
	"github.com/illarion/walletvault/internal/crypto"
	"github.com/illarion/walletvault/internal/keys"
	"github.com/illarion/walletvault/internal/vault"
	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"
)

func accountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage wallet accounts",
	}
	cmd.AddCommand(
		accountAddCmd(),
		accountListCmd(),
		accountShowCmd(),
		accountRmCmd(),
		accountSignCmd(),
		accountQRCmd(),
	)
	return cmd
}

func accountAddCmd() *cobra.Command {
	var (
		scheme string
		name   string
		tags   []string
		notes  string
		prefix uint16
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Import a seed phrase as a new account",
		Long: "Reads a seed phrase from the terminal, or from standard input " +
			"when it is not a terminal, and seals it under the wallet password.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			mnemonic, err := core.ReadMnemonic(os.Stdin, "Enter seed phrase: ")
			if err != nil {
				return err
			}
			if _, err := keys.NormalizeMnemonic(mnemonic); err != nil {
				return err
			}

			password, _, err := GetPasswordWithRetry(ctx, "Enter password: ")
			if err != nil {
				return err
			}
			defer crypto.ClearBytes(password)

			acct, err := wallet.AddAccount(ctx, mnemonic, password, keys.AccountOptions{
				Scheme:     vault.Scheme(scheme),
				SS58Prefix: prefix,
				Meta: vault.Meta{
					DisplayName: name,
					Tags:        tags,
					Notes:       notes,
				},
			})
			if err != nil {
				return err
			}

			fmt.Printf("✓ Added %s account %s\n", acct.CryptoScheme, acct.Address)
			if acct.DerivedSecondaryAddress != "" {
				fmt.Printf("  EVM address: %s\n", acct.DerivedSecondaryAddress)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&scheme, "scheme", string(vault.SchemeEd25519),
		"signature scheme (ed25519 or ecdsa)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tag, may be repeated")
	cmd.Flags().StringVar(&notes, "notes", "", "free-form notes")
	cmd.Flags().Uint16Var(&prefix, "ss58-prefix", keys.DefaultSS58Prefix,
		"SS58 network prefix of the address")
	return cmd
}

func accountListCmd() *cobra.Command {
	var (
		scheme string
		order  string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List accounts (no password required)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			var (
				accounts []*vault.Account
				err      error
			)
			switch {
			case scheme != "":
				accounts, err = wallet.Vault.ListByScheme(ctx, vault.Scheme(scheme))
			case order == "newest":
				accounts, err = wallet.Vault.ListSortedByCreation(ctx, vault.Descending)
			case order == "oldest":
				accounts, err = wallet.Vault.ListSortedByCreation(ctx, vault.Ascending)
			default:
				accounts, err = wallet.Vault.List(ctx)
			}
			if err != nil {
				return err
			}

			if len(accounts) == 0 {
				fmt.Println("(no accounts)")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ADDRESS\tSCHEME\tNAME\tTAGS\tCREATED")
			for _, a := range accounts {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", a.Address, a.CryptoScheme,
					a.Meta.DisplayName, strings.Join(a.Meta.Tags, ","),
					a.CreatedAt.Format(time.DateOnly))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&scheme, "scheme", "", "only list accounts of this scheme")
	cmd.Flags().StringVar(&order, "sort", "", "order by creation: newest or oldest")
	return cmd
}

func accountShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <address>",
		Short: "Show an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := wallet.Vault.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			fmt.Printf("Address:     %s\n", a.Address)
			fmt.Printf("Scheme:      %s\n", a.CryptoScheme)
			fmt.Printf("Public key:  0x%s\n", hex.EncodeToString(a.PublicKey))
			if a.DerivedSecondaryAddress != "" {
				fmt.Printf("EVM address: %s\n", a.DerivedSecondaryAddress)
			}
			fmt.Printf("Key source:  %s\n", a.KeySource)
			if a.Meta.DisplayName != "" {
				fmt.Printf("Name:        %s\n", a.Meta.DisplayName)
			}
			if len(a.Meta.Tags) > 0 {
				fmt.Printf("Tags:        %s\n", strings.Join(a.Meta.Tags, ", "))
			}
			if a.Meta.Notes != "" {
				fmt.Printf("Notes:       %s\n", a.Meta.Notes)
			}
			fmt.Printf("Created:     %s\n", a.CreatedAt.Format(time.RFC3339))
			fmt.Printf("Updated:     %s\n", a.UpdatedAt.Format(time.RFC3339))
			return nil
		},
	}
}

func accountRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <address>...",
		Short: "Remove accounts",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			for _, address := range args {
				if _, err := wallet.Vault.Get(ctx, address); err != nil {
					return fmt.Errorf("%s: %w", address, err)
				}
				if err := wallet.Vault.Delete(ctx, address); err != nil {
					return err
				}
				fmt.Printf("removed: %s\n", address)
			}
			return nil
		},
	}
}

func accountSignCmd() *cobra.Command {
	var hexInput bool

	cmd := &cobra.Command{
		Use:   "sign <address> <message>",
		Short: "Sign a message with an account key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			msg := []byte(args[1])
			if hexInput {
				var err error
				msg, err = hex.DecodeString(strings.TrimPrefix(args[1], "0x"))
				if err != nil {
					return fmt.Errorf("invalid hex message: %w", err)
				}
			}

			key, err := unlockKey(ctx)
			if err != nil {
				return err
			}
			defer crypto.ClearBytes(key)

			sig, err := wallet.Signer.Sign(ctx, args[0], key, msg)
			if err != nil {
				return err
			}
			fmt.Printf("0x%s\n", hex.EncodeToString(sig))
			return nil
		},
	}

	cmd.Flags().BoolVar(&hexInput, "hex", false, "message is hex encoded")
	return cmd
}

func accountQRCmd() *cobra.Command {
	var (
		pngPath string
		evm     bool
	)

	cmd := &cobra.Command{
		Use:   "qr <address>",
		Short: "Print the address as a QR code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := wallet.Vault.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			content := a.Address
			if evm {
				if a.DerivedSecondaryAddress == "" {
					return fmt.Errorf("account %s has no EVM address", a.Address)
				}
				content = a.DerivedSecondaryAddress
			}

			qr, err := qrcode.New(content, qrcode.Medium)
			if err != nil {
				return fmt.Errorf("failed to create QR code: %w", err)
			}

			if pngPath != "" {
				png, err := qr.PNG(256)
				if err != nil {
					return fmt.Errorf("failed to generate PNG: %w", err)
				}
				if err := os.WriteFile(pngPath, png, 0600); err != nil {
					return err
				}
				fmt.Printf("QR code written to %s\n", pngPath)
				return nil
			}

			fmt.Print(qr.ToSmallString(false))
			fmt.Println(content)
			return nil
		},
	}

	cmd.Flags().StringVar(&pngPath, "png", "", "write a PNG image instead of printing")
	cmd.Flags().BoolVar(&evm, "evm", false, "encode the EVM address")
	return cmd
}
