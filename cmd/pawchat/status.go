package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pawpal/pawchat"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the current configuration, check the server, and count unread conversations.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, pawchat.DefaultBaseURL))
		fmt.Printf("  Time zone:   %s\n", valueOrDefault(cfg.Default.TimeZone, "(local)"))

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.Token == "" {
			fmt.Println("  Viewer:      (not signed in)")
			return nil
		}
		fmt.Printf("  Viewer:      %s\n", cfg.Auth.ViewerID)
		fmt.Printf("  Token:       %s\n", maskToken(cfg.Auth.Token))

		fmt.Println()
		fmt.Println("Live status:")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		client := newClient(cfg.Default.BaseURL, cfg.Auth.Token)
		if err := client.Health(ctx); err != nil {
			fmt.Printf("  Server:        UNREACHABLE (%v)\n", err)
			return nil
		}
		fmt.Println("  Server:        HEALTHY")

		convs, err := client.ListConversations(ctx, cfg.Auth.ViewerID)
		if err != nil {
			fmt.Printf("  Error fetching conversations: %v\n", err)
			return nil
		}
		unread := 0
		for _, c := range convs {
			if c.UnreadCount > 0 {
				unread++
			}
		}
		fmt.Printf("  Conversations: %d\n", len(convs))
		fmt.Printf("  Unread:        %d\n", unread)
		return nil
	},
}
