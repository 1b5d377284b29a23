// Command asc talks to the App Store Connect API.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Sternrassler/asc-client/pkg/client"
	"github.com/Sternrassler/asc-client/pkg/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:   "asc",
		Short: "App Store Connect API client",
		Long: `A command-line interface for the App Store Connect API.

Requests are signed with an App Store Connect API key. Tokens are cached
between invocations, failed requests are retried within configurable budgets
and saved for inspection.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := initConfig(v); err != nil {
				return err
			}
			logging.Setup(logging.Config{
				Level:  logging.ParseLevel(v.GetString("log-level")),
				Pretty: v.GetBool("log-pretty"),
				Output: cmd.ErrOrStderr(),
			})
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "config file (default is $HOME/.asc/config.yml)")
	flags.String("key-id", "", "App Store Connect API key identifier")
	flags.String("issuer-id", "", "App Store Connect API issuer identifier")
	flags.String("private-key-path", "", "path to the .p8 private key")
	flags.String("base-url", client.DefaultBaseURL, "API base URL")
	flags.Bool("token-cache", true, "cache tokens on disk between invocations")
	flags.String("cache-root", "", "token cache root (default is the user cache dir)")
	flags.String("redis-url", "", "Redis address sharing tokens, responses and rate limit state")
	flags.Int("unauthorized-retries", 1, "attempts allowed to fail with 401")
	flags.Int("server-error-retries", 1, "attempts allowed to fail with 5xx")
	flags.Int("network-retries", 0, "retries for transport errors")
	flags.String("audit-dir", "", "directory for failed request dumps (default is the temp dir)")
	flags.Bool("log-requests", false, "log requests and responses")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.Bool("log-pretty", false, "human readable logs")
	flags.StringP("output", "o", "table", "output format (table, json, yaml)")

	_ = v.BindPFlags(flags)

	rootCmd.AddCommand(newListCommand(v))
	rootCmd.AddCommand(newTokenCommand(v))
	rootCmd.AddCommand(newCacheCommand(v))
	rootCmd.AddCommand(newProxyCommand(v))

	return rootCmd
}

func initConfig(v *viper.Viper) error {
	if cfgFile := v.GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".asc"))
		}
		v.SetConfigType("yml")
		v.SetConfigName("config")
	}

	v.SetEnvPrefix("ASC")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}
