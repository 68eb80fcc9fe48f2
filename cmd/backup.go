package cmd

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/illarion/walletvault/internal/backup"
	"github.com/illarion/walletvault/internal/core"
	"github.com/illarion/walletvault/internal/crypto"
	"github.com/spf13/cobra"
)

func backupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Export and import the whole wallet",
	}
	cmd.AddCommand(backupExportCmd(), backupImportCmd(), backupDiffCmd())
	return cmd
}

// readBackupPassword prompts for the password protecting a backup file.
func readBackupPassword(confirm bool) ([]byte, error) {
	password, err := core.ReadPassword("Backup password: ")
	if err != nil {
		return nil, err
	}
	if !confirm {
		return password, nil
	}

	again, err := core.ReadPassword("Confirm backup password: ")
	if err != nil {
		crypto.ClearBytes(password)
		return nil, err
	}
	defer crypto.ClearBytes(again)
	if !crypto.ConstantTimeCompare(password, again) {
		crypto.ClearBytes(password)
		return nil, fmt.Errorf("passwords do not match")
	}
	return password, nil
}

// loadBackup reads a backup file, asking for its password when it is
// sealed.
func loadBackup(path string) (*backup.Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var password []byte
	if backup.IsSealed(data) {
		password, err = readBackupPassword(false)
		if err != nil {
			return nil, err
		}
		defer crypto.ClearBytes(password)
	}
	return backup.Load(data, password)
}

func backupExportCmd() *cobra.Command {
	var (
		images  bool
		pdfs    bool
		encrypt bool
	)

	cmd := &cobra.Command{
		Use:   "export <file>",
		Short: "Write every collection to a backup file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := wallet.Backup.Export(cmd.Context(), backup.ExportOptions{
				IncludeImages: images,
				IncludePDFs:   pdfs,
			})
			if err != nil {
				return err
			}

			var password []byte
			if encrypt {
				password, err = readBackupPassword(true)
				if err != nil {
					return err
				}
				defer crypto.ClearBytes(password)
			}
			if err := backup.WriteArtifact(args[0], a, password); err != nil {
				return err
			}

			fmt.Printf("✓ Exported to %s\n", args[0])
			for _, name := range backup.Collections {
				fmt.Printf("  %-20s %d\n", name, a.Count(name))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&images, "images", false, "keep image attachments")
	cmd.Flags().BoolVar(&pdfs, "pdfs", false, "keep PDF attachments")
	cmd.Flags().BoolVar(&encrypt, "encrypt", false, "protect the file with a password")
	return cmd
}

func backupImportCmd() *cobra.Command {
	var (
		overwrite    []string
		overwriteAll bool
	)

	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Merge a backup file into the wallet",
		Long: "Imports every collection of a backup file. Records already " +
			"present are kept unless their collection is named with " +
			"--overwrite. Importing the same file twice changes nothing.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadBackup(args[0])
			if err != nil {
				return err
			}

			opts := backup.ImportOptions{
				OverwriteAll: overwriteAll,
				Overwrite:    make(map[string]bool),
			}
			for _, name := range overwrite {
				if !slices.Contains(backup.Collections, name) {
					return fmt.Errorf("unknown collection %q, expected one of %s",
						name, strings.Join(backup.Collections, ", "))
				}
				opts.Overwrite[name] = true
			}

			report, err := wallet.Backup.Import(cmd.Context(), a, opts)
			if err != nil {
				return err
			}
			printReport(report)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&overwrite, "overwrite", nil,
		"collections whose existing records are replaced")
	cmd.Flags().BoolVar(&overwriteAll, "overwrite-all", false,
		"replace existing records in every collection")
	return cmd
}

func backupDiffCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "diff <file>",
		Short: "Show how a backup differs from stored records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadBackup(args[0])
			if err != nil {
				return err
			}

			diffs, err := wallet.Backup.DiffArtifact(cmd.Context(), a)
			if err != nil {
				return err
			}
			if len(diffs) == 0 {
				fmt.Println("No stored record differs from the backup")
				return nil
			}
			for _, d := range diffs {
				fmt.Print(d.Unified)
			}
			fmt.Printf("\n%d record(s) differ\n", len(diffs))
			return nil
		},
	}
}

func printReport(report *backup.ImportReport) {
	for _, name := range backup.Collections {
		c := report.Collection(name)
		fmt.Printf("  %-20s %d imported, %d skipped, %d failed\n",
			name, c.Imported, c.Skipped, len(c.Errors))
		if c.Err != nil {
			fmt.Fprintf(os.Stderr, "    error: %s\n", c.Err)
		}
		for _, e := range c.Errors {
			fmt.Fprintf(os.Stderr, "    %s\n", e)
		}
	}

	imported, skipped, failed := report.Totals()
	fmt.Printf("Imported %d, skipped %d, failed %d\n", imported, skipped, failed)
}
