package main

import (
	"fmt"

	"github.com/Sternrassler/asc-client/pkg/cache"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newCacheCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the shared response cache",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove every cached response from Redis",
		Long:  "Remove every cached response from Redis. Stored tokens and rate limit state are kept.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			redisClient, err := connectRedis(ctx, v)
			if err != nil {
				return err
			}
			if redisClient == nil {
				return fmt.Errorf("redis url is required (--redis-url or ASC_REDIS_URL)")
			}
			defer redisClient.Close()

			if err := cache.NewRedisStore(redisClient).Clear(ctx); err != nil {
				return err
			}
			log.Info().Msg("Response cache cleared")
			return nil
		},
	})

	return cmd
}
