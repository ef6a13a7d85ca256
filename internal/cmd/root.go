package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/rudransh-shrivastava/quic-file-transfer/internal/config"
	"github.com/rudransh-shrivastava/quic-file-transfer/internal/logger"
)

// app is the state shared by all subcommands of one invocation.
type app struct {
	v          *viper.Viper
	configPath string

	cfg *config.Config
	log *logrus.Logger

	// stdout receives command output that is not logging, e.g. history.
	stdout io.Writer
	stderr io.Writer
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{v: config.NewViper(), stdout: stdout, stderr: stderr}
	def := config.Default()

	rootCmd := &cobra.Command{
		Use:   "qft",
		Short: "send a file over QUIC",
		Long: `qft transfers a single file between a sender and a receiver over one
QUIC stream secured by TLS 1.3. Start the receiver first, then point the
sender at it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
	}
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "YAML config file (also $QFT_CONFIG)")
	flags.StringP("key", "k", "", "private key file, PEM or DER")
	flags.StringP("cert", "c", "", "certificate chain file, PEM or DER")
	flags.String("keylog", "", "append TLS secrets to this file in NSS key log format")
	flags.String("log-level", def.Log.Level, "debug, info, warn or error")
	flags.String("log-format", def.Log.Format, "pretty or json")
	flags.Duration("stats-interval", def.Session.StatsInterval, "how often to log connection statistics")
	flags.Duration("keep-alive", def.Session.KeepAlive, "QUIC keep-alive period, shorter than the idle timeout")
	flags.String("history", def.History.Path, "record transfers in this SQLite file")
	rootCmd.MarkFlagsRequiredTogether("key", "cert")

	a.bind(flags, map[string]string{
		"tls.key":                "key",
		"tls.cert":               "cert",
		"tls.keylog":             "keylog",
		"log.level":              "log-level",
		"log.format":             "log-format",
		"session.stats_interval": "stats-interval",
		"session.keep_alive":     "keep-alive",
		"history.path":           "history",
	})

	rootCmd.AddCommand(newSenderCmd(a))
	rootCmd.AddCommand(newReceiverCmd(a))
	rootCmd.AddCommand(newCertgenCmd(a))
	rootCmd.AddCommand(newHistoryCmd(a))
	return rootCmd
}

// bind maps config keys to flags so an explicit flag wins over the config
// file and the environment.
func (a *app) bind(flags *pflag.FlagSet, keys map[string]string) {
	for key, name := range keys {
		if err := a.v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", name, err))
		}
	}
}

func (a *app) load() error {
	cfg, err := config.Load(a.v, a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log = logger.New(logger.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Out:    a.stderr,
	})
	return nil
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCmd(os.Stdout, os.Stderr)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		return 1
	}
	return 0
}
