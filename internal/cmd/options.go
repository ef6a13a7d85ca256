package cmd

import (
	"fmt"
	"os"

	"github.com/rudransh-shrivastava/quic-file-transfer/internal/config"
	"github.com/rudransh-shrivastava/quic-file-transfer/internal/history"
	"github.com/rudransh-shrivastava/quic-file-transfer/internal/transfer"
	"github.com/rudransh-shrivastava/quic-file-transfer/internal/transport"
	"github.com/rudransh-shrivastava/quic-file-transfer/internal/trust"
)

// clientTrust picks the sender policy: --insecure, then --ca roots, then the
// sender's own --cert pinned as root, then the system roots.
func clientTrust(tls config.TLSConfig) (*trust.ClientTrust, error) {
	if tls.Insecure {
		return trust.BuildClientTrust(trust.SkipVerification{})
	}

	var roots []string
	switch {
	case len(tls.CA) > 0:
		roots = tls.CA
	case tls.Cert != "":
		roots = []string{tls.Cert}
	}
	if len(roots) == 0 {
		return trust.BuildClientTrust(trust.Verify{})
	}

	pool, err := trust.LoadRoots(roots...)
	if err != nil {
		return nil, err
	}
	return trust.BuildClientTrust(trust.Verify{Roots: pool})
}

func serverTrust(tls config.TLSConfig) (*trust.ServerTrust, error) {
	if tls.Key == "" || tls.Cert == "" {
		return nil, fmt.Errorf("%w: the receiver requires --key and --cert", trust.ErrConfig)
	}
	return trust.LoadServerTrust(tls.Cert, tls.Key)
}

// transportOptions returns the endpoint options and a cleanup for the key
// log file, if any.
func (a *app) transportOptions() ([]transport.Option, func(), error) {
	opts := []transport.Option{
		transport.WithHandshakeTimeout(a.cfg.Session.HandshakeTimeout),
		transport.WithIdleTimeout(a.cfg.Session.IdleTimeout),
		transport.WithKeepAlive(a.cfg.Session.KeepAlive),
		transport.WithDrainTimeout(a.cfg.Session.DrainTimeout),
	}
	if a.cfg.TLS.KeyLog == "" {
		return opts, func() {}, nil
	}

	f, err := os.OpenFile(a.cfg.TLS.KeyLog, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: open key log: %w", trust.ErrConfig, err)
	}
	a.log.WithField("path", a.cfg.TLS.KeyLog).Warn("Writing TLS secrets to key log")
	return append(opts, transport.WithKeyLog(f)), func() { _ = f.Close() }, nil
}

// recorder opens the history ledger when one is configured. The returned
// Recorder is nil otherwise.
func (a *app) recorder() (transfer.Recorder, func(), error) {
	if a.cfg.History.Path == "" {
		return nil, func() {}, nil
	}
	store, err := history.Open(a.cfg.History.Path)
	if err != nil {
		return nil, nil, err
	}
	return store, func() { _ = store.Close() }, nil
}
