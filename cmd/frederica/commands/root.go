// Package commands implements the frederica CLI using cobra.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fredericabot/frederica/pkg/frederica/config"
)

// NewRootCmd creates the root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "frederica",
		Short: "Frederica - WeCom chat-bot gateway",
		Long: `Frederica receives WeCom messages, batches each user's rapid-fire
messages into a single turn after a quiet period, and answers through an
LLM backend with segmented replies.

Examples:
  frederica serve
  frederica serve --config ./config.yaml
  frederica chat
  frederica status
  frederica secret set llm_api_key`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newChatCmd(),
		newStatusCmd(),
		newSecretCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}

// resolveConfig loads config from the --config flag or a discovered file.
func resolveConfig(cmd *cobra.Command) (*config.Config, string, error) {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")

	if configPath == "" {
		configPath = config.FindConfigFile()
	}
	if configPath == "" {
		return nil, "", fmt.Errorf("no configuration file found (looked for config.yaml, frederica.yaml)")
	}

	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return nil, "", fmt.Errorf("loading config from %s: %w", configPath, err)
	}
	return cfg, configPath, nil
}
