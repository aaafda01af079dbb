package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pawpal/pawchat"
)

var initBaseURL string

func init() {
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "Server URL (default "+pawchat.DefaultBaseURL+")")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store a viewer token in ~/.pawchat/config.toml",
	Long:  "Verify a viewer token against the server and store it in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if initBaseURL != "" {
			cfg.Default.BaseURL = initBaseURL
		}

		// The realtime handshake reports the viewer the token belongs to.
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		rt := newClient(cfg.Default.BaseURL, token).Realtime(pawchat.RealtimeConfig{})
		if err := rt.Connect(ctx); err != nil {
			return fmt.Errorf("token rejected: %w", err)
		}
		viewer := rt.ViewerID()
		_ = rt.Disconnect()

		cfg.Auth.Token = token
		cfg.Auth.ViewerID = viewer
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Signed in as %s. Token saved to %s\n", viewer, path)
		return nil
	},
}
