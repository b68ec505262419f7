package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/staticimp/staticimp/internal/platform"
	"github.com/staticimp/staticimp/pkg/adapters/memory"
	"github.com/staticimp/staticimp/pkg/core"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the config file",
	Long: `Validate the config file: backends, entry types, placeholders and
field rules. When a vault key is configured every secret is decrypted once.
No backend is contacted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := resolveConfig()
		if err != nil {
			return err
		}
		svc, err := offlineService(path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		defer svc.Close()

		cfg := svc.Config()
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d backends, %d entry types)\n",
			path, len(cfg.Backends), len(cfg.Entries))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

// offlineService loads the config at path with every backend replaced by an
// in-memory one.
func offlineService(path string) (*core.Service, error) {
	cfg, err := platform.LoadConfig(path, platformOptions()...)
	if err != nil {
		return nil, err
	}
	opts := platformOptions()
	for _, name := range cfg.BackendNames() {
		opts = append(opts, platform.WithBackend(name, memory.New(name)))
	}
	return platform.NewFromConfig(cfg, opts...)
}
