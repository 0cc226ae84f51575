// Package main provides a benchmark tool for taskgate. It enqueues ready tasks spread
// over a number of servers, then runs scheduler ticks back to back with an in-process
// noop target until every task completed.
//
// Usage:
//
//	go run benchmark/main.go -tasks 10000 -servers 50
package main

import (
	"context"
	"flag"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/guido-cesarano/taskgate/pkg/dispatch"
	"github.com/guido-cesarano/taskgate/pkg/fleet"
	"github.com/guido-cesarano/taskgate/pkg/gate"
	"github.com/guido-cesarano/taskgate/pkg/queue"
	"github.com/guido-cesarano/taskgate/pkg/scheduler"
	"github.com/guido-cesarano/taskgate/pkg/store"
	"github.com/guido-cesarano/taskgate/pkg/tasks"
	"github.com/redis/go-redis/v9"
)

func main() {
	numTasks := flag.Int("tasks", 10000, "Number of tasks to enqueue")
	numServers := flag.Int("servers", 50, "Number of servers the tasks are spread over")
	numWorkers := flag.Int("workers", 10, "Number of concurrent enqueuers")
	addr := flag.String("redis", "localhost:6379", "Redis address")
	flag.Parse()

	rdb := redis.NewClient(&redis.Options{Addr: *addr})
	ctx := context.Background()

	st := store.New(rdb)
	reg := fleet.NewRegistry(rdb)
	targets := dispatch.NewRegistry(dispatch.NewCallbacks(st))
	targets.Register("noop", func(ctx context.Context, job queue.Job, cb *dispatch.Callbacks) error {
		return cb.Complete(ctx, job.TaskID, "benchmark")
	})
	sched := scheduler.New(scheduler.Deps{
		Store:      st,
		Gate:       gate.New(st, reg),
		Resolver:   reg,
		Cleaner:    reg,
		Dispatcher: targets,
	}, scheduler.DefaultConfig())

	fmt.Printf("taskgate Benchmark\n")
	fmt.Printf("==================\n")
	fmt.Printf("Tasks to enqueue: %s over %d servers\n", humanize.Comma(int64(*numTasks)), *numServers)
	fmt.Printf("Concurrent enqueuers: %d\n\n", *numWorkers)

	for i := 0; i < *numServers; i++ {
		if err := reg.AddServer(ctx, fleet.Server{ID: serverID(i)}); err != nil {
			fmt.Printf("Error registering server: %v\n", err)
			return
		}
	}

	// Enqueue phase
	fmt.Printf("Starting enqueue phase...\n")
	startEnqueue := time.Now()

	var wg sync.WaitGroup
	var enqueued atomic.Int64
	tasksPerWorker := *numTasks / *numWorkers

	for i := 0; i < *numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for j := 0; j < tasksPerWorker; j++ {
				_, err := sched.CreateTask(ctx, scheduler.NewTask{
					OwnerID:   serverID((workerID*tasksPerWorker + j) % *numServers),
					OwnerKind: tasks.OwnerServer,
					Type:      "benchmark",
					Details:   map[string]interface{}{tasks.DetailActionHook: "noop"},
					State:     tasks.StateReady,
				})
				if err != nil {
					fmt.Printf("Error enqueuing: %v\n", err)
					return
				}
				enqueued.Add(1)
			}
		}(i)
	}

	wg.Wait()
	enqueueTime := time.Since(startEnqueue)

	fmt.Printf("✓ Enqueued %d tasks in %s\n", enqueued.Load(), enqueueTime)
	fmt.Printf("  Throughput: %.2f tasks/sec\n\n", float64(enqueued.Load())/enqueueTime.Seconds())

	// Tick phase: one dispatch per tick, so this measures the per-tick overhead
	fmt.Printf("Running scheduler ticks until the backlog is drained...\n")
	startTicks := time.Now()
	var ticks, dispatched int64
	for dispatched < enqueued.Load() {
		t, err := sched.RunOnce(ctx)
		ticks++
		if err != nil {
			fmt.Printf("Tick failed: %v\n", err)
			return
		}
		if t != nil {
			dispatched++
		} else {
			targets.Wait()
		}
		if ticks%1000 == 0 {
			fmt.Printf("  Dispatched: %d / %d\n", dispatched, enqueued.Load())
		}
	}
	targets.Wait()
	tickTime := time.Since(startTicks)

	fmt.Printf("\n✓ %s ticks dispatched %s tasks in %s\n", humanize.Comma(ticks), humanize.Comma(dispatched), tickTime)
	fmt.Printf("  Tick rate: %.2f ticks/sec\n", float64(ticks)/tickTime.Seconds())

	depths := st.Depths(ctx)
	fmt.Printf("\nFinal states: complete=%d ready=%d in-process=%d failed=%d\n",
		depths[tasks.StateComplete], depths[tasks.StateReady], depths[tasks.StateInProcess], depths[tasks.StateFailed])
}

func serverID(i int) string {
	return fmt.Sprintf("bench-srv-%03d", i)
}
