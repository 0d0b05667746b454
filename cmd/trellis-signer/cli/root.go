// Package cli wires configuration, logging and the signer components into
// the trellis-signer commands.
package cli

import (
	"log/slog"

	"trellis-signer/internal/config"
	"trellis-signer/internal/logging"

	"github.com/spf13/cobra"
)

// rootOptions are the persistent flags. A flag that is set wins over the
// environment.
type rootOptions struct {
	EnvFile      string
	LogLevel     string
	LogFormat    string
	QueueBackend string
	Domain       string
	Tokens       []string
}

func (o *rootOptions) AddFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&o.EnvFile, "env-file", ".env",
		"env file read before the environment")
	cmd.PersistentFlags().StringVar(&o.LogLevel, "log-level", "",
		"minimum log level (debug, info, warn, error); overrides LOG_LEVEL")
	cmd.PersistentFlags().StringVar(&o.LogFormat, "log-format", "",
		"log output format (text, json); overrides LOG_FORMAT")
	cmd.PersistentFlags().StringVar(&o.QueueBackend, "queue-backend", "",
		"job queue backend (temporal, redis, memory); overrides QUEUE_BACKEND")
	cmd.PersistentFlags().StringVar(&o.Domain, "domain", "",
		"resource store domain; overrides DOMAIN")
	cmd.PersistentFlags().StringSliceVar(&o.Tokens, "token", nil,
		"store token, repeatable; overrides TOKEN")
}

// apply layers the flags that were set over cfg.
func (o *rootOptions) apply(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.LogLevel = o.LogLevel
	}
	if flags.Changed("log-format") {
		cfg.LogFormat = o.LogFormat
	}
	if flags.Changed("queue-backend") {
		cfg.QueueBackend = o.QueueBackend
	}
	if flags.Changed("domain") {
		cfg.Domain = config.NormalizeDomain(o.Domain)
	}
	if flags.Changed("token") {
		cfg.Tokens = o.Tokens
	}
}

// state is filled in by the root command before any subcommand runs.
type state struct {
	cfg    config.Config
	logger *slog.Logger
}

func New() *cobra.Command {
	ro := &rootOptions{}
	st := &state{}

	cmd := &cobra.Command{
		Use:               "trellis-signer",
		Short:             "Idempotent signing worker for JSON documents in a resource store.",
		DisableAutoGenTag: true,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load(ro.EnvFile)
			ro.apply(cmd, &cfg)
			st.cfg = cfg
			st.logger = logging.New(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr())
			slog.SetDefault(st.logger)
			return nil
		},
	}
	ro.AddFlags(cmd)

	cmd.AddCommand(Run(st))
	cmd.AddCommand(Submit(st))
	cmd.AddCommand(Keys(st))
	cmd.AddCommand(Verify(st))
	return cmd
}
