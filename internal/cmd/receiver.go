package cmd

import (
	"github.com/spf13/cobra"

	"github.com/rudransh-shrivastava/quic-file-transfer/internal/config"
	"github.com/rudransh-shrivastava/quic-file-transfer/internal/transfer"
)

func newReceiverCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "receiver path/to/file",
		Short: "receive one file from a sender",
		Long: `listens for a single sender and writes its stream to the given path.
The file is only created once a sender has connected; a failed transfer
removes it again. Requires --key and --cert.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := serverTrust(a.cfg.TLS)
			if err != nil {
				return err
			}
			topts, closeKeyLog, err := a.transportOptions()
			if err != nil {
				return err
			}
			defer closeKeyLog()
			rec, closeHistory, err := a.recorder()
			if err != nil {
				return err
			}
			defer closeHistory()

			receiver, err := transfer.NewReceiver(transfer.ReceiverOptions{
				File:          args[0],
				Listen:        a.cfg.Receiver.Listen,
				Trust:         st,
				StatsInterval: a.cfg.Session.StatsInterval,
				FinishTimeout: a.cfg.Session.FinishTimeout,
				Transport:     topts,
				History:       rec,
				Logger:        a.log,
			})
			if err != nil {
				return err
			}
			_, err = receiver.Run(cmd.Context())
			return err
		},
	}

	cmd.Flags().StringP("listen", "l", config.Default().Receiver.Listen, "UDP address to listen on")
	a.bind(cmd.Flags(), map[string]string{"receiver.listen": "listen"})
	return cmd
}
