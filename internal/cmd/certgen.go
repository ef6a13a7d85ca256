package cmd

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rudransh-shrivastava/quic-file-transfer/internal/certgen"
)

func newCertgenCmd(a *app) *cobra.Command {
	var (
		certPath string
		keyPath  string
		hosts    []string
		validity time.Duration
	)

	cmd := &cobra.Command{
		Use:   "certgen",
		Short: "generate a self-signed certificate and key",
		Long: `writes a self-signed ECDSA certificate and its PKCS#8 key as PEM files.
Give the receiver both files and the sender the certificate.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := certgen.Generate(certgen.Options{Hosts: hosts, Validity: validity})
			if err != nil {
				return err
			}
			if err := b.WriteFiles(certPath, keyPath); err != nil {
				return err
			}
			a.log.WithFields(logrus.Fields{
				"cert":  certPath,
				"key":   keyPath,
				"hosts": hosts,
			}).Info("Generated certificate")
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&certPath, "out-cert", "cert.pem", "certificate output path")
	flags.StringVar(&keyPath, "out-key", "key.pem", "private key output path")
	flags.StringSliceVar(&hosts, "host", []string{"localhost", "127.0.0.1", "::1"}, "DNS name or IP the certificate is valid for, repeatable")
	flags.DurationVar(&validity, "validity", certgen.DefaultValidity, "certificate lifetime")
	return cmd
}
