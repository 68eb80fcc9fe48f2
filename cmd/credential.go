package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func credentialCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credential",
		Short: "Manage registered authenticator credentials",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List credentials, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			creds, err := wallet.Credentials.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(creds) == 0 {
				fmt.Println("(no credentials)")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tALG\tCOUNTER\tCREATED\tLAST USED")
			for _, c := range creds {
				lastUsed := "never"
				if c.LastUsedAt != nil {
					lastUsed = c.LastUsedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n", c.ID, c.DisplayName,
					c.Algorithm, c.SignatureCounter,
					c.CreatedAt.Format(time.RFC3339), lastUsed)
			}
			return w.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "rm <id>...",
		Short: "Remove credentials",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, id := range args {
				if err := wallet.Credentials.Delete(cmd.Context(), id); err != nil {
					return fmt.Errorf("%s: %w", id, err)
				}
				fmt.Printf("removed: %s\n", id)
			}
			return nil
		},
	})

	return cmd
}
