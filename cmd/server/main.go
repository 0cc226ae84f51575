// Package main runs the taskgate API server together with the scheduler, monitor and
// reaper ticks.
//
// API Endpoints:
//
//	POST   /tasks                  enqueue a task
//	GET    /tasks/{id}             fetch one task
//	GET    /tasks?key=&owner=&state=&type=
//	POST   /override               manual override (admin key)
//	POST   /servers, POST /apps    register fleet entities
//	DELETE /servers/{id}, /apps/{id}
//	GET    /servers/{id}/available gate check
//	GET    /stats, /queues/{name}
//
// Usage:
//
//	go run ./cmd/server --config taskgate.yml
//
// Claimed tasks are published to the dispatch queue and run by cmd/worker.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guido-cesarano/taskgate/pkg/config"
	"github.com/guido-cesarano/taskgate/pkg/dispatch"
	"github.com/guido-cesarano/taskgate/pkg/fleet"
	"github.com/guido-cesarano/taskgate/pkg/gate"
	"github.com/guido-cesarano/taskgate/pkg/logger"
	"github.com/guido-cesarano/taskgate/pkg/metrics"
	"github.com/guido-cesarano/taskgate/pkg/queue"
	"github.com/guido-cesarano/taskgate/pkg/scheduler"
	"github.com/guido-cesarano/taskgate/pkg/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// collectInterval is how often the depth gauges are refreshed.
const collectInterval = 15 * time.Second

func main() {
	var configPath string
	cmd := &cobra.Command{
		Use:           "taskgate-server",
		Short:         "Run the taskgate API and ticks",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")

	if err := cmd.Execute(); err != nil {
		logger.Log.Error().Err(err).Msg("Server failed")
		os.Exit(1)
	}
}

// run wires the components and blocks until ctx is cancelled or a server fails.
func run(ctx context.Context, cfg *config.Config) error {
	logger.Configure(cfg.Logger())

	rdb := redis.NewClient(cfg.RedisOptions())
	defer rdb.Close()

	notifier, err := cfg.Notifier()
	if err != nil {
		return err
	}

	st := store.New(rdb)
	reg := fleet.NewRegistry(rdb)
	q := queue.NewClient(rdb)
	sched := scheduler.New(scheduler.Deps{
		Store:      st,
		Gate:       gate.New(st, reg),
		Resolver:   reg,
		Cleaner:    reg,
		Dispatcher: dispatch.Publisher{Queue: q},
		Notifier:   notifier,
		History:    q,
	}, cfg.Scheduler())
	reg.OnDelete(sched.OnOwnerDeleted)

	keys := Keys{API: cfg.String(config.APIKey), Admin: cfg.String(config.AdminKey)}
	if keys.API == "" && keys.Admin == "" {
		logger.Log.Warn().Msg("No API keys set. Authentication disabled, manual override unavailable.")
	} else {
		logger.Log.Info().Msg("API Authentication enabled.")
	}

	ticks, err := sched.Cron(ctx, cfg.Schedules())
	if err != nil {
		return err
	}
	ticks.Start()
	defer func() { <-ticks.Stop().Done() }()

	apiServer := &http.Server{
		Addr:              cfg.String(config.HTTPAddr),
		Handler:           setupRouter(&api{sched: sched, fleet: reg, queue: q}, keys),
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              cfg.String(config.MetricsAddr),
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range []*http.Server{apiServer, metricsServer} {
		srv := srv
		g.Go(func() error {
			logger.Log.Info().Str("addr", srv.Addr).Msg("Server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		collectMetrics(gctx, st, q)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Log.Info().Msg("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return errors.Join(apiServer.Shutdown(shutdownCtx), metricsServer.Shutdown(shutdownCtx))
	})
	return g.Wait()
}

// collectMetrics periodically refreshes the task and queue depth gauges.
func collectMetrics(ctx context.Context, st *store.Store, q *queue.Client) {
	ticker := time.NewTicker(collectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for state, n := range st.Depths(ctx) {
				metrics.TasksByState.WithLabelValues(string(state)).Set(float64(n))
			}
			for name, n := range q.GetQueueDepths(ctx) {
				metrics.QueueDepth.WithLabelValues(name).Set(float64(n))
			}
		}
	}
}
