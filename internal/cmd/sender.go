package cmd

import (
	"errors"
	"io"

	"github.com/spf13/cobra"

	"github.com/rudransh-shrivastava/quic-file-transfer/internal/config"
	"github.com/rudransh-shrivastava/quic-file-transfer/internal/transfer"
)

func newSenderCmd(a *app) *cobra.Command {
	def := config.Default()

	cmd := &cobra.Command{
		Use:   "sender path/to/file",
		Short: "send a file to a receiver",
		Long: `connects to a receiver, streams the file and waits until the receiver
has acknowledged every byte. By default the receiver certificate is verified
against the system roots; --ca, or the sender's own --cert, pins other roots.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.Sender.Destination == "" {
				return errors.New("a --destination is required")
			}

			ct, err := clientTrust(a.cfg.TLS)
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

			var progress io.Writer
			if a.cfg.Sender.Progress {
				progress = a.stderr
			}

			sender, err := transfer.NewSender(transfer.SenderOptions{
				File:          args[0],
				Destination:   a.cfg.Sender.Destination,
				Bind:          a.cfg.Sender.Bind,
				ServerName:    a.cfg.TLS.ServerName,
				Trust:         ct,
				StatsInterval: a.cfg.Session.StatsInterval,
				FinishTimeout: a.cfg.Session.FinishTimeout,
				Progress:      progress,
				Transport:     topts,
				History:       rec,
				Logger:        a.log,
			})
			if err != nil {
				return err
			}
			_, err = sender.Run(cmd.Context())
			return err
		},
	}

	flags := cmd.Flags()
	flags.StringP("destination", "d", "", "receiver address, host:port")
	flags.String("bind", def.Sender.Bind, "local UDP address")
	flags.StringSlice("ca", nil, "trusted root certificate file, repeatable")
	flags.Bool("insecure", false, "skip server certificate verification")
	flags.String("server-name", def.TLS.ServerName, "name the receiver certificate must carry")
	flags.Bool("progress", false, "show a progress bar")
	cmd.MarkFlagsMutuallyExclusive("ca", "insecure")

	a.bind(flags, map[string]string{
		"sender.destination": "destination",
		"sender.bind":        "bind",
		"tls.ca":             "ca",
		"tls.insecure":       "insecure",
		"tls.server_name":    "server-name",
		"sender.progress":    "progress",
	})
	return cmd
}
