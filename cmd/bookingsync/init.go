package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	initRole    string
	initUserID  string
	initBaseURL string
)

func init() {
	initCmd.Flags().StringVar(&initRole, "role", "provider", "acting role: customer or provider")
	initCmd.Flags().StringVar(&initUserID, "user-id", "", "user id of the account")
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "server base URL (overrides environment)")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store credentials in ~/.bookingsync/config.toml",
	Long:  "Initialize the CLI by storing your access token and role in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := setConfigValue(cfg, "default.role", initRole); err != nil {
			return err
		}
		cfg.Default.Token = args[0]
		if initUserID != "" {
			cfg.Default.UserID = initUserID
		}
		if initBaseURL != "" {
			cfg.Default.BaseURL = initBaseURL
		}
		if cfg.Default.Environment == "" {
			cfg.Default.Environment = "production"
		}
		if cfg.Realtime.Transport == "" {
			cfg.Realtime.Transport = "ws"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Credentials saved to %s\n", path)
		return nil
	},
}
