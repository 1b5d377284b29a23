package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Sternrassler/asc-client/pkg/client"
	"github.com/Sternrassler/asc-client/pkg/metrics"
	"github.com/Sternrassler/asc-client/pkg/query"
	"github.com/Sternrassler/asc-client/pkg/session"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newProxyCommand(v *viper.Viper) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Serve authenticated, cached GET access to the API over HTTP",
		Long: `Serve authenticated, cached GET access to the API over HTTP.

  /asc/<path>  GET <base-url>/<path> with the configured key
  /health      liveness
  /ready       readiness (checks Redis when configured)
  /metrics     Prometheus metrics`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			key, err := loadAPIKey(v)
			if err != nil {
				return err
			}
			redisClient, err := connectRedis(ctx, v)
			if err != nil {
				return err
			}
			if redisClient != nil {
				defer redisClient.Close()
			}

			c, err := client.New(clientConfig(v, key, redisClient))
			if err != nil {
				return fmt.Errorf("create client: %w", err)
			}
			defer c.Close()

			server := &http.Server{
				Addr:              addr,
				Handler:           newProxyMux(c, redisClient),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				log.Info().Str("addr", addr).Str("base_url", v.GetString("base-url")).Msg("Starting App Store Connect proxy")
				errCh <- server.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return fmt.Errorf("server failed: %w", err)
			case <-ctx.Done():
				log.Info().Msg("Shutting down proxy")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			}
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	return cmd
}

func newProxyMux(c *client.Client, redisClient *redis.Client) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/ready", readyHandler(redisClient))
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/asc/", ascProxyHandler(c))
	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

func readyHandler(redisClient *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if redisClient != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := redisClient.Ping(ctx).Err(); err != nil {
				http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "OK")
	}
}

func ascProxyHandler(c *client.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		// /asc/apps/123 -> /apps/123
		endpoint := strings.TrimPrefix(r.URL.Path, "/asc")

		params := query.Params{}
		for key, values := range r.URL.Query() {
			params[key] = values
		}

		ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
		defer cancel()

		resp, err := c.Session().GetCached(ctx, endpoint, params)
		if err != nil {
			var apiErr *session.APIError
			if errors.As(err, &apiErr) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(apiErr.StatusCode)
				_, _ = w.Write(apiErr.Body)
				return
			}
			http.Error(w, fmt.Sprintf("App Store Connect request failed: %v", err), http.StatusBadGateway)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if resp.FromCache {
			w.Header().Set("X-Cache", "HIT")
		} else {
			w.Header().Set("X-Cache", "MISS")
		}
		w.WriteHeader(resp.StatusCode)
		if _, err := w.Write(resp.Body); err != nil {
			log.Warn().Err(err).Msg("Failed to write response")
		}
	}
}
