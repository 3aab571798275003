package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/holtby/stftp/internal/config"
)

var configOutPath string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file populated with the built-in defaults",
	Long: `Writes the compiled-in default server configuration to a YAML file,
for hand-editing into a real deployment config rather than starting from
scratch.`,
	RunE: runConfigInit,
}

func init() {
	configInitCmd.Flags().StringVar(&configOutPath, "out", "stftp-server.yaml", "path to write the config file to")
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	cfg := config.DefaultServerConfig()
	if err := config.SaveServerConfig(cfg, configOutPath); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	cmd.Printf("wrote default config to %s\n", configOutPath)
	return nil
}
