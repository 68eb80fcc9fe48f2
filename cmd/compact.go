package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func compactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Compact the store file to reclaim disk space",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := os.Stat(cfg.DBPath)
			if err != nil {
				return err
			}
			sizeBefore := info.Size()

			if err := wallet.Compact(cmd.Context()); err != nil {
				return err
			}

			info, err = os.Stat(cfg.DBPath)
			if err != nil {
				return err
			}
			fmt.Printf("Compacted: %s -> %s\n", formatSize(sizeBefore), formatSize(info.Size()))
			return nil
		},
	}
}
