// Package main starts an in-memory Redis for local development, optionally seeded with
// a small demo fleet so the API and worker can be tried without real servers.
//
// Usage:
//
//	go run ./cmd/redis_server --seed
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alicebob/miniredis/v2"
	"github.com/guido-cesarano/taskgate/pkg/fleet"
	"github.com/guido-cesarano/taskgate/pkg/logger"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

func main() {
	var (
		addr string
		seed bool
	)
	cmd := &cobra.Command{
		Use:           "redis_server",
		Short:         "Run an in-memory Redis for development",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s := miniredis.NewMiniRedis()
			if err := s.StartAddr(addr); err != nil {
				return fmt.Errorf("start miniredis: %w", err)
			}
			defer s.Close()
			logger.Log.Info().Str("addr", s.Addr()).Msg("MiniRedis server started")

			if seed {
				if err := seedFleet(context.Background(), redis.NewClient(&redis.Options{Addr: s.Addr()})); err != nil {
					return err
				}
			}

			// Wait for interrupt signal to gracefully shutdown
			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			<-sigChan

			logger.Log.Info().Msg("Shutting down MiniRedis...")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:6379", "listen address")
	cmd.Flags().BoolVar(&seed, "seed", false, "register a demo fleet")

	if err := cmd.Execute(); err != nil {
		logger.Log.Fatal().Err(err).Msg("MiniRedis failed")
	}
}

// seedFleet registers two servers with one app each.
func seedFleet(ctx context.Context, rdb *redis.Client) error {
	reg := fleet.NewRegistry(rdb)
	for i := 1; i <= 2; i++ {
		srv := fleet.Server{ID: fmt.Sprintf("srv-%d", i), Name: fmt.Sprintf("web-%d", i)}
		if err := reg.AddServer(ctx, srv); err != nil {
			return err
		}
		app := fleet.App{ID: fmt.Sprintf("app-%d", i), ServerID: srv.ID, Name: fmt.Sprintf("shop-%d", i)}
		if err := reg.AddApp(ctx, app); err != nil {
			return err
		}
	}
	logger.Log.Info().Msg("Demo fleet registered: srv-1/app-1, srv-2/app-2")
	return nil
}
