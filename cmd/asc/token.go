package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

type tokenOutput struct {
	KeyID     string    `json:"key_id" yaml:"key_id"`
	Token     string    `json:"token" yaml:"token"`
	ExpiresAt time.Time `json:"expires_at" yaml:"expires_at"`
}

func newTokenCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a valid bearer token",
		Long:  "Print a bearer token for the configured API key, reusing a cached token while it is valid.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			c, cleanup, err := newClient(ctx, v)
			if err != nil {
				return err
			}
			defer cleanup()

			token, err := c.Credential().GetToken(ctx)
			if err != nil {
				return err
			}

			out := tokenOutput{KeyID: token.KeyID, Token: token.Value, ExpiresAt: token.ExpiresAt.UTC()}
			w := cmd.OutOrStdout()
			switch v.GetString("output") {
			case "json":
				encoder := json.NewEncoder(w)
				encoder.SetIndent("", "  ")
				return encoder.Encode(out)
			case "yaml":
				return yaml.NewEncoder(w).Encode(out)
			default:
				_, err := fmt.Fprintln(w, token.Value)
				return err
			}
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "revoke",
		Short: "Discard the cached token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			c, cleanup, err := newClient(ctx, v)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := c.Credential().Revoke(ctx); err != nil {
				return err
			}
			log.Info().Str("key_id", c.Credential().KeyID()).Msg("Token revoked")
			return nil
		},
	})

	return cmd
}
