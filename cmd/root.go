// Package cmd implements the walletvault command line.
package cmd

import (
	"context"

	"github.com/illarion/walletvault/internal/config"
	"github.com/illarion/walletvault/internal/core"
	"github.com/spf13/cobra"
)

var (
	dbPath string
	cfg    *config.Config
	wallet *core.Wallet
	logs   *logWriter
)

// Execute runs the command line with args taken from os.Args.
func Execute(ctx context.Context) error {
	root := &cobra.Command{
		Use:           "walletvault",
		Short:         "Local encrypted wallet vault",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load()
			if err != nil {
				return err
			}
			if dbPath != "" {
				cfg.DBPath = dbPath
			}

			logs, err = setupLogging(cfg)
			if err != nil {
				return err
			}

			wallet, err = core.New(cfg)
			return err
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return closeAll()
		},
	}

	root.PersistentFlags().StringVar(&dbPath, "db", "",
		"wallet store file (default $WALLETVAULT_DB_PATH or wallet.db)")

	root.AddCommand(
		initCmd(),
		statusCmd(),
		passwdCmd(),
		compactCmd(),
		accountCmd(),
		credentialCmd(),
		ledgerCmd(),
		backupCmd(),
		keyringCmd(),
	)

	defer closeAll()
	return root.ExecuteContext(ctx)
}

// closeAll releases the wallet and the log file. It is safe to call more
// than once.
func closeAll() error {
	var err error
	if wallet != nil {
		err = wallet.Close()
		wallet = nil
	}
	if logs != nil {
		logs.Close()
		logs = nil
	}
	return err
}
