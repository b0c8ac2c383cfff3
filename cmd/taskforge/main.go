// Taskforge - asynchronous task execution for multi-agent pipelines
//
// Submit work, let registered processors run it under watchdog
// supervision, and follow every lifecycle event as it happens.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/forgeworks/taskforge"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "status":
			runStatus(os.Args[2:])
			return
		case "inspect":
			runInspect(os.Args[2:])
			return
		case "cancel":
			runCancel(os.Args[2:])
			return
		case "cleanup":
			runCleanup(os.Args[2:])
			return
		case "locks":
			runLocks(os.Args[2:])
			return
		case "smoke":
			runSmoke(os.Args[2:])
			return
		case "help", "--help", "-h":
			printHelp()
			return
		}
	}

	printHelp()
}

func printHelp() {
	fmt.Println(`Taskforge - asynchronous task execution for multi-agent pipelines

Usage:
  taskforge status  [flags]            Queue depth and repository counts
  taskforge inspect [flags] <task-id>  Full record, queue job and position
  taskforge cancel  [flags] <task-id>  Cancel a pending task
  taskforge cleanup [flags]            Sweep expired index entries
  taskforge locks   [flags]            List, break or sweep task-state locks
  taskforge smoke   [flags]            Submit and run one task end to end

Common flags:
  --redis string  Redis address (default REDIS_ADDR or "localhost:6379")
  --queue string  Queue name (default "tasks")

Locks flags:
  --force-release string    Break the named lock regardless of holder
  --cleanup-older duration  Remove locks older than this (e.g. 5m)`)
}

func connect(fs *flag.FlagSet, args []string) (*redis.Client, string) {
	redisAddr := fs.String("redis", "", "Redis address")
	queueName := fs.String("queue", taskforge.DefaultQueueName, "Queue name")
	fs.Parse(args)

	client := redis.NewClient(taskforge.RedisOptionsWithOverrides(*redisAddr, "", 0, 0))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatalf("Redis unreachable at %s: %v", client.Options().Addr, err)
	}
	return client, *queueName
}

func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	client, queueName := connect(fs, args)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	queue := taskforge.NewRedisQueue(client, queueName)
	defer queue.Close()
	counts, err := queue.Counts(ctx)
	if err != nil {
		log.Fatalf("Failed to read queue counts: %v", err)
	}

	repo := taskforge.NewRedisTaskRepository(client)
	total, err := repo.Count(ctx)
	if err != nil {
		log.Fatalf("Failed to count tasks: %v", err)
	}

	fmt.Printf("Queue %q\n", queueName)
	fmt.Printf("  waiting:   %d\n", counts.Waiting)
	fmt.Printf("  delayed:   %d\n", counts.Delayed)
	fmt.Printf("  active:    %d\n", counts.Active)
	fmt.Printf("  completed: %d\n", counts.Completed)
	fmt.Printf("  failed:    %d\n", counts.Failed)
	fmt.Printf("Repository\n")
	fmt.Printf("  tasks:     %d\n", total)
}

func runInspect(args []string) {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	client, queueName := connect(fs, args)
	defer client.Close()

	taskID := fs.Arg(0)
	if taskID == "" {
		log.Fatal("Usage: taskforge inspect [flags] <task-id>")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	repo := taskforge.NewRedisTaskRepository(client)
	task, err := repo.FindByID(ctx, taskID)
	if err != nil {
		log.Fatalf("Task %s: %v", taskID, err)
	}
	out, _ := json.MarshalIndent(task, "", "  ")
	fmt.Printf("Task:\n%s\n", out)

	queue := taskforge.NewRedisQueue(client, queueName)
	defer queue.Close()
	job, err := queue.GetJob(ctx, taskID)
	if err != nil {
		fmt.Printf("Queue job: none (%v)\n", err)
		return
	}
	fmt.Printf("Queue job: state=%s attempts=%d stalled=%d\n", job.State, job.Attempts, job.StalledCount)

	pos, err := queue.Position(ctx, taskID)
	if err == nil && pos > 0 {
		fmt.Printf("Queue position: %d (1-based among waiting)\n", pos)
	}
}

func runCancel(args []string) {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	client, queueName := connect(fs, args)
	defer client.Close()

	taskID := fs.Arg(0)
	if taskID == "" {
		log.Fatal("Usage: taskforge cancel [flags] <task-id>")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	queue := taskforge.NewRedisQueue(client, queueName)
	defer queue.Close()

	cfg := taskforge.ConfigFromEnv()
	cfg.QueueName = queueName
	manager, err := taskforge.NewManager(queue, cfg)
	if err != nil {
		log.Fatalf("Failed to build manager: %v", err)
	}
	manager.WithRepository(taskforge.NewRedisTaskRepository(client))
	manager.WithLocker(taskforge.NewLockManager(client))

	if err := manager.Cancel(ctx, taskID); err != nil {
		log.Fatalf("Cancel failed: %v", err)
	}
	fmt.Printf("Task %s cancelled\n", taskID)
}

func runCleanup(args []string) {
	fs := flag.NewFlagSet("cleanup", flag.ExitOnError)
	client, _ := connect(fs, args)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	repo := taskforge.NewRedisTaskRepository(client)
	removed, err := repo.Cleanup(ctx)
	if err != nil {
		log.Fatalf("Cleanup failed: %v", err)
	}
	fmt.Printf("Removed %d expired index entries\n", removed)
}

func runLocks(args []string) {
	fs := flag.NewFlagSet("locks", flag.ExitOnError)
	forceRelease := fs.String("force-release", "", "Break the named lock regardless of holder")
	cleanupOlder := fs.Duration("cleanup-older", 0, "Remove locks older than this (e.g. 5m)")
	client, _ := connect(fs, args)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	lm := taskforge.NewLockManager(client)

	if *forceRelease != "" {
		if err := lm.ForceRelease(ctx, *forceRelease); err != nil {
			log.Fatalf("Force release failed: %v", err)
		}
		fmt.Printf("Lock %q released\n", *forceRelease)
		return
	}

	if *cleanupOlder > 0 {
		removed, err := lm.CleanupOrphaned(ctx, *cleanupOlder)
		if err != nil {
			log.Fatalf("Lock cleanup failed: %v", err)
		}
		fmt.Printf("Removed %d orphaned locks\n", removed)
		return
	}

	locks, err := lm.ListLocks(ctx)
	if err != nil {
		log.Fatalf("Failed to list locks: %v", err)
	}
	if len(locks) == 0 {
		fmt.Println("No active locks")
		return
	}
	fmt.Printf("Locks (%d)\n", len(locks))
	for _, info := range locks {
		age := "unknown age"
		if !info.AcquiredAt.IsZero() {
			age = fmt.Sprintf("held %s", time.Since(info.AcquiredAt).Round(time.Second))
		}
		fmt.Printf("  %-40s ttl=%-8s %s token=%s\n", info.Name, info.TTL.Round(time.Second), age, info.Token)
	}
}

// runSmoke starts a short-lived worker with a built-in processor, pushes
// one task through it and prints the events. Useful to verify a fresh
// deployment can actually execute work.
func runSmoke(args []string) {
	fs := flag.NewFlagSet("smoke", flag.ExitOnError)
	client, queueName := connect(fs, args)
	defer client.Close()

	logger, err := taskforge.NewProductionZapLogger()
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}

	queue := taskforge.NewRedisQueueWithObservability(client, queueName, logger, &taskforge.NoOpMetrics{})
	defer queue.Close()

	cfg := taskforge.ConfigFromEnv()
	cfg.QueueName = queueName
	manager, err := taskforge.NewManagerWithObservability(queue, cfg, logger, &taskforge.NoOpMetrics{})
	if err != nil {
		log.Fatalf("Failed to build manager: %v", err)
	}
	manager.WithRepository(taskforge.NewRedisTaskRepositoryWithObservability(client, logger, &taskforge.NoOpMetrics{}))
	manager.WithLocker(taskforge.NewLockManager(client))

	err = manager.RegisterProcessor("smoke", func(ctx context.Context, task *taskforge.Task, report taskforge.ProgressFunc) (interface{}, error) {
		report(50)
		return map[string]interface{}{"echo": task.Params}, nil
	})
	if err != nil {
		log.Fatalf("Failed to register processor: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := manager.StartWorker(ctx); err != nil {
		log.Fatalf("Worker failed to start: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		manager.Shutdown(shutdownCtx)
	}()

	events, unsubscribe := manager.SubscribeAll()
	defer unsubscribe()

	id, err := manager.CreateTask(ctx, "smoke", map[string]interface{}{"ping": time.Now().Format(time.RFC3339)}, taskforge.TaskOptions{})
	if err != nil {
		log.Fatalf("Submission failed: %v", err)
	}
	fmt.Printf("Submitted task %s\n", id)

	deadline := time.After(30 * time.Second)
	for {
		select {
		case event := <-events:
			fmt.Printf("  %-10s status=%s", event.Type, event.Status)
			if event.Progress != nil {
				fmt.Printf(" progress=%d", *event.Progress)
			}
			if event.Error != "" {
				fmt.Printf(" error=%q", event.Error)
			}
			fmt.Println()
			if event.Type == taskforge.EventCompleted || event.Type == taskforge.EventFailed || event.Type == taskforge.EventForceFailed {
				task, err := manager.GetTaskStatus(ctx, id)
				if err != nil {
					log.Fatalf("Status query failed: %v", err)
				}
				fmt.Printf("Final: status=%s version=%d progress=%d\n", task.Status, task.Version, task.Progress)
				return
			}
		case <-deadline:
			log.Fatal("Smoke task did not finish within 30s")
		case <-ctx.Done():
			return
		}
	}
}
