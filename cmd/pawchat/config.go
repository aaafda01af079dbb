package main

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)

	configShowCmd.Flags().Bool("raw", false, "Print the file as stored, including the token")
}

// configKey is one settable entry of config.toml.
type configKey struct {
	get      func(*Config) string
	set      func(*Config, string)
	validate func(string) error
	secret   bool
}

var configKeys = map[string]configKey{
	"default.base_url": {
		get:      func(c *Config) string { return c.Default.BaseURL },
		set:      func(c *Config, v string) { c.Default.BaseURL = strings.TrimRight(v, "/") },
		validate: validateBaseURL,
	},
	"default.time_zone": {
		get:      func(c *Config) string { return c.Default.TimeZone },
		set:      func(c *Config, v string) { c.Default.TimeZone = v },
		validate: validateTimeZone,
	},
	"auth.token": {
		get: func(c *Config) string { return c.Auth.Token },
		set: func(c *Config, v string) {
			c.Auth.Token = v
			if viewer, ok := tokenViewer(v); ok {
				c.Auth.ViewerID = viewer
			}
		},
		validate: validateToken,
		secret:   true,
	},
	"auth.viewer_id": {
		get:      func(c *Config) string { return c.Auth.ViewerID },
		set:      func(c *Config, v string) { c.Auth.ViewerID = v },
		validate: requireValue,
	},
}

func lookupKey(key string) (configKey, error) {
	if !strings.Contains(key, ".") {
		return configKey{}, fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	k, ok := configKeys[key]
	if !ok {
		return configKey{}, fmt.Errorf("unknown config key %q (valid: %s)", key, strings.Join(sortedKeys(), ", "))
	}
	return k, nil
}

func sortedKeys() []string {
	keys := make([]string, 0, len(configKeys))
	for k := range configKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// setConfigValue validates value and stores it under key (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	k, err := lookupKey(key)
	if err != nil {
		return err
	}
	value = strings.TrimSpace(value)
	if err := k.validate(value); err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	k.set(cfg, value)
	return nil
}

func unsetConfigValue(cfg *Config, key string) error {
	k, err := lookupKey(key)
	if err != nil {
		return err
	}
	k.set(cfg, "")
	return nil
}

func validateBaseURL(v string) error {
	u, err := url.Parse(v)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}

func validateTimeZone(v string) error {
	if _, err := time.LoadLocation(v); err != nil {
		return fmt.Errorf("unknown time zone %q", v)
	}
	return nil
}

func validateToken(v string) error {
	if _, ok := tokenViewer(v); !ok {
		return fmt.Errorf("expected <viewer-id>.<signature> as printed by 'pawchatd token'")
	}
	return nil
}

func requireValue(v string) error {
	if v == "" {
		return fmt.Errorf("value is empty")
	}
	return nil
}

// tokenViewer returns the viewer id a token was signed for. The signature
// follows the last dot.
func tokenViewer(token string) (string, bool) {
	i := strings.LastIndex(token, ".")
	if i <= 0 || i == len(token)-1 {
		return "", false
	}
	return token[:i], true
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage pawchat configuration",
	Long:  "View or modify the pawchat CLI configuration stored in ~/.pawchat/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		raw, _ := cmd.Flags().GetBool("raw")
		if raw {
			data, err := os.ReadFile(path)
			if err != nil {
				if os.IsNotExist(err) {
					fmt.Println("No configuration file found. Run 'pawchat init <token>' to create one.")
					return nil
				}
				return fmt.Errorf("cannot read config file: %w", err)
			}
			fmt.Print(string(data))
			return nil
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		fmt.Printf("# %s\n", path)
		for _, key := range sortedKeys() {
			k := configKeys[key]
			value := k.get(cfg)
			if value == "" {
				value = "(not set)"
			} else if k.secret {
				value = maskToken(value)
			}
			fmt.Printf("%-18s %s\n", key, value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: pawchat config set default.time_zone Europe/Berlin",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if configKeys[key].secret {
			value = maskToken(value)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Clear a configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := unsetConfigValue(cfg, args[0]); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Printf("Unset %s\n", args[0])
		return nil
	},
}
