package cmd

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/rudransh-shrivastava/quic-file-transfer/internal/history"
)

func newHistoryCmd(a *app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "list recorded transfers",
		Long:  `prints the transfers recorded in the --history ledger, newest first`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.History.Path == "" {
				return errors.New("no ledger configured, pass --history")
			}
			store, err := history.Open(a.cfg.History.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			transfers, err := store.List(cmd.Context(), limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tROLE\tFILE\tPEER\tSIZE\tDURATION\tRATE\tSHA256\tSTATUS")
			for _, t := range transfers {
				status := t.Status
				if t.Error != "" {
					status += ": " + t.Error
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s/s\t%s\t%s\n",
					t.CreatedAt.Local().Format("2006-01-02 15:04:05"),
					t.Role,
					t.File,
					t.Peer,
					humanize.Bytes(uint64(t.Bytes)),
					t.Duration(),
					humanize.Bytes(uint64(t.Throughput)),
					shortDigest(t.SHA256),
					status,
				)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of transfers, 0 for all")
	return cmd
}

func shortDigest(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	if d == "" {
		return "-"
	}
	return d
}
