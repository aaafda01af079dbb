package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pawpal/pawchat/internal/server"
)

func init() {
	rootCmd.AddCommand(tokenCmd)
}

var tokenCmd = &cobra.Command{
	Use:   "token <viewer-id>",
	Short: "Sign a viewer token for development",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		fmt.Println(server.SignViewerToken(args[0], cfg.Server.TokenSecret))
		return nil
	},
}
