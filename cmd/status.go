package cmd

import (
	"fmt"
	"time"

	"github.com/illarion/walletvault/internal/backup"
	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show wallet status (no password required)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := wallet.Status(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Printf("Store:      %s (schema v%d)\n", status.Path, status.SchemaVersion)
			if status.Recovered {
				fmt.Println("            recreated after corruption, earlier records were lost")
			}
			if !status.Initialized {
				fmt.Println("Password:   not set, run 'walletvault init'")
			} else {
				fmt.Printf("Encryption: %s, PBKDF2-SHA256 %d iterations\n",
					status.Algorithm, status.KDFIterations)
			}
			if !status.Created.IsZero() {
				fmt.Printf("Created:    %s\n", status.Created.Format(time.RFC3339))
			}
			if !status.LastModified.IsZero() {
				fmt.Printf("Modified:   %s\n", status.LastModified.Format(time.RFC3339))
			}

			fmt.Println("\nRecords:")
			for _, name := range backup.Collections {
				fmt.Printf("  %-20s %d\n", name, status.Counts[name])
			}
			return nil
		},
	}
}
