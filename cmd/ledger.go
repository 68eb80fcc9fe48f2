package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/illarion/walletvault/internal/ledger"
	"github.com/spf13/cobra"
)

func ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect activity ledgers",
	}

	var (
		account  string
		category string
		status   string
	)
	list := &cobra.Command{
		Use:       "list <transactions|mountainLogs|documents>",
		Short:     "List ledger records, newest first",
		Args:      cobra.ExactArgs(1),
		ValidArgs: kindNames(),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			l, err := ledgerOf(ledger.Kind(args[0]))
			if err != nil {
				return err
			}

			var records []*ledger.Record
			switch {
			case account != "":
				records, err = l.ListByAccount(ctx, account)
			case category != "":
				records, err = l.ListByCategory(ctx, category)
			case status != "":
				records, err = l.ListByStatus(ctx, status)
			default:
				records, err = l.List(ctx)
			}
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println("(no records)")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CREATED\tACCOUNT\tCATEGORY\tSTATUS\tTITLE\tAMOUNT\tATTACHMENT")
			for _, r := range records {
				attachment := ""
				if r.Attachment != nil {
					attachment = fmt.Sprintf("%s (%s)", r.Attachment.Name,
						formatSize(r.Attachment.Size))
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					r.CreatedAt.Format(time.RFC3339), r.Account, r.Category,
					r.Status, r.Title, r.Amount, attachment)
			}
			return w.Flush()
		},
	}
	list.Flags().StringVar(&account, "account", "", "only records of this account")
	list.Flags().StringVar(&category, "category", "", "only records of this category")
	list.Flags().StringVar(&status, "status", "", "only records with this status")

	cmd.AddCommand(list)
	return cmd
}

func kindNames() []string {
	names := make([]string, 0, len(ledger.Kinds))
	for _, k := range ledger.Kinds {
		names = append(names, string(k))
	}
	return names
}

func ledgerOf(kind ledger.Kind) (*ledger.Ledger, error) {
	switch kind {
	case ledger.Transactions:
		return wallet.Transactions, nil
	case ledger.MountainLogs:
		return wallet.MountainLogs, nil
	case ledger.Documents:
		return wallet.Documents, nil
	}
	return nil, fmt.Errorf("unknown ledger %q, expected one of %v", kind, kindNames())
}
