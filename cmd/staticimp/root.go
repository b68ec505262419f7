package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/staticimp/staticimp/internal/platform"
)

var (
	configPath string
	verbose    bool
	logFormat  string
	vaultKey   string

	// cli resolves root flags from STATICIMP_* variables when unset.
	cli = viper.New()
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "staticimp",
	Short: "Commits user submitted entries to git repositories",
	Long: `staticimp receives form submissions over HTTP, validates and transforms
their fields and commits them as files to a git repository, either
directly or on a review branch with a merge request.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger(cmd.ErrOrStderr(), cli.GetBool("verbose"), cli.GetString("log-format"))
		if err != nil {
			return err
		}
		slog.SetDefault(logger)
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "Config file (default: staticimp.yml in this or a parent directory)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	flags.StringVar(&logFormat, "log-format", "text", "Log format: text or json")
	flags.StringVar(&vaultKey, "vault-key", "", "Private key file of the secret vault, overrides vault.private_key_file")

	cli.SetEnvPrefix("STATICIMP")
	cli.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	cli.AutomaticEnv()
	if err := cli.BindPFlags(flags); err != nil {
		panic(err)
	}
}

func newLogger(w io.Writer, verbose bool, format string) (*slog.Logger, error) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	switch format {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("unknown log format %q (want text or json)", format)
}

// resolveConfig returns the --config path, or the nearest config file
// above the working directory.
func resolveConfig() (string, error) {
	if p := cli.GetString("config"); p != "" {
		return p, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return platform.FindConfig(cwd)
}

// platformOptions are shared by every command that loads the config.
func platformOptions() []platform.Option {
	opts := []platform.Option{
		platform.WithLogger(slog.Default()),
		platform.WithViper(cli),
	}
	if key := cli.GetString("vault-key"); key != "" {
		opts = append(opts, platform.WithVaultKey(key))
	}
	return opts
}
