package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.yaml.in/yaml/v3"

	"netqual/internal/config"
)

func newConfigCmd(opts *appOptions) *cobra.Command {
	var asYAML bool

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration after defaults are applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadEnvFile(opts.envFile); err != nil {
				return err
			}
			path := config.ResolvePath(opts.configPath)
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			out, err := encodeConfig(cfg, asYAML)
			if err != nil {
				return err
			}
			if path != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "# loaded from %s\n", path)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	cmd.Flags().BoolVar(&asYAML, "yaml", false, "print as yaml instead of json")
	return cmd
}

// encodeConfig renders through json first so yaml output uses the same keys.
func encodeConfig(cfg *config.Config, asYAML bool) ([]byte, error) {
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return nil, err
	}
	if !asYAML {
		return append(b, '\n'), nil
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	return yaml.Marshal(doc)
}
