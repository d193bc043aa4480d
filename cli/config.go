package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/smallnest/permgate/config"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the effective configuration to ~/.permgate/config.json",
	Args:  cobra.NoArgs,
	RunE:  runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var configInitForce bool

func init() {
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "Overwrite an existing config file")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := cfgFile
	if path == "" {
		var err error
		if path, err = config.GetDefaultConfigPath(); err != nil {
			return err
		}
	}
	_, statErr := os.Stat(path)
	if statErr == nil && !configInitForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	// --config may name the file about to be created
	if statErr != nil {
		cfgFile = ""
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := config.Save(cfg, path); err != nil {
		return err
	}
	fmt.Printf("Config written to %s\n", path)
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	if _, err := loadConfig(); err != nil {
		return err
	}
	cfg := config.Get()
	if cfg.Gateway.Token != "" {
		cfg.Gateway.Token = "********"
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(cfg)
}
