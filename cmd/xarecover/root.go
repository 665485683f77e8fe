package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/baxromumarov/xa-participant/pkg/logger"
)

// app carries settings shared by every subcommand.
type app struct {
	v      *viper.Viper
	logger *zap.Logger
}

func newRootCommand() *cobra.Command {
	a := &app{v: viper.New(), logger: zap.NewNop()}

	cmd := &cobra.Command{
		Use:           "xarecover",
		Short:         "Inspect and resolve in-doubt XA branches on PostgreSQL",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = a.logger.Sync()
		},
	}

	flags := cmd.PersistentFlags()
	flags.String("config", "", "config file (yaml, json or toml)")
	flags.StringSlice("dsn", nil, "PostgreSQL DSN, repeatable. Falls back to POSTGRES_DSN")
	flags.String("decision-log", "xa_decisions.enc", "path to the encrypted decision log")
	flags.String("decision-key", "", "decision log encryption key (fallback XA_DECISION_KEY)")
	flags.Bool("presume-abort", false, "roll back in-doubt branches that have no recorded decision")
	flags.Int("parallel", 4, "maximum concurrent recovery scans")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "console", "log format (json, console)")
	flags.String("log-output", "stderr", "log output (stdout, stderr or a file path)")

	a.bind(flags,
		"config", "dsn", "decision-log", "decision-key", "presume-abort", "parallel",
		"log-level", "log-format", "log-output",
	)

	cmd.AddCommand(
		newScanCommand(a),
		newResolveCommand(a),
		newDecideCommand(a),
		newWatchCommand(a),
		newStatusCommand(a),
	)
	return cmd
}

func (a *app) bind(flags *pflag.FlagSet, names ...string) {
	a.v.SetEnvPrefix("XARECOVER")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()
	for _, name := range names {
		flag := flags.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := a.v.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}
}

func (a *app) setup() error {
	if path := strings.TrimSpace(a.v.GetString("config")); path != "" {
		a.v.SetConfigFile(path)
		if err := a.v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config file %q: %w", path, err)
		}
	}

	log, err := logger.New(logger.Config{
		Level:  a.v.GetString("log-level"),
		Format: a.v.GetString("log-format"),
		Output: a.v.GetString("log-output"),
	})
	if err != nil {
		return err
	}
	a.logger = log
	return nil
}

// dsns returns the configured DSNs, falling back to POSTGRES_DSN.
func (a *app) dsns() ([]string, error) {
	var out []string
	for _, d := range a.v.GetStringSlice("dsn") {
		if d = strings.TrimSpace(d); d != "" {
			out = append(out, d)
		}
	}
	if len(out) == 0 {
		if d := os.Getenv("POSTGRES_DSN"); d != "" {
			out = append(out, d)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("postgres DSN is required: set --dsn or POSTGRES_DSN")
	}
	return out, nil
}

func (a *app) decisionKey() string {
	if key := a.v.GetString("decision-key"); key != "" {
		return key
	}
	return os.Getenv("XA_DECISION_KEY")
}
