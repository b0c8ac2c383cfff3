// Package taskforge provides durable asynchronous task execution for
// multi-agent pipelines: Redis-backed queueing, versioned state commits,
// watchdog supervision and live lifecycle events, without a dedicated
// workflow engine.
//
// # Overview
//
// Taskforge turns a Redis instance (plus an optional Postgres or S3
// tier) into a task execution platform. It provides:
//
//   - Priority work queue with leases, stalled-job redelivery and delayed jobs
//   - Task records with optimistic versioning and TTL-based expiry
//   - Two-phase state commits guarded by fencing-token distributed locks
//   - Watchdog force-fail of processors that outlive their deadline
//   - Worker health classification (healthy / degraded / unhealthy)
//   - Idempotent HTTP submission with cached response replay
//   - Task recovery that rebuilds lost records from their queue jobs
//   - Live event stream (started, progress, completed, failed, queue position)
//   - Full observability (Prometheus metrics + structured logging)
//
// # Quick Start
//
// A worker that renders reports:
//
//	client := redis.NewClient(taskforge.RedisOptions())
//	queue := taskforge.NewRedisQueue(client, "reports")
//
//	manager, _ := taskforge.NewManager(queue, taskforge.DefaultConfig())
//	manager.
//	    WithRepository(taskforge.NewRedisTaskRepository(client)).
//	    WithLocker(taskforge.NewLockManager(client))
//
//	manager.RegisterProcessor("render-report", func(ctx context.Context, task *taskforge.Task, report taskforge.ProgressFunc) (interface{}, error) {
//	    report(50)
//	    return renderPDF(ctx, task.Params)
//	})
//
//	manager.StartWorker(ctx)
//	defer manager.Shutdown(shutdownCtx)
//
//	id, _ := manager.CreateTask(ctx, "render-report", params, taskforge.TaskOptions{Priority: 1})
//
// Follow the task from anywhere:
//
//	events, unsubscribe := manager.Subscribe(id)
//	defer unsubscribe()
//	for event := range events {
//	    fmt.Println(event.Type, event.Status)
//	}
//
// # Core Concepts
//
// Queue: Work distribution. Each waiting job is delivered to exactly one
// worker; a lease protects it while running, and jobs whose worker died
// are redelivered by the stalled checker.
//
// TaskRepository: The source of truth for task records. Every Update
// carries the version the caller read; a concurrent writer makes the
// commit fail with a conflict instead of silently losing a write.
// Redis, Postgres and in-memory implementations share the interface.
//
// Manager: The coordination layer. It owns submission, processor
// dispatch, the two-phase commit protocol, cancellation, queue position
// queries and the event hub.
//
// Watchdog: An external deadline around every processor execution. The
// deadline is the task timeout plus a grace period; a processor still
// running past it gets its task force-failed so the record and the
// queue job always reach a terminal state.
//
// StateReconciler: When a version conflict aborts a commit, the
// reconciler re-reads both sides and classifies the divergence, so
// permissible retries and true desynchronisation are told apart.
//
// TaskRecovery: A worker that receives a job with no matching record
// (record expired, repository restored from backup) rebuilds the record
// from the job payload, or refuses it, depending on the configured
// strategy.
//
// # State and Versioning
//
// Tasks move through pending, running and the terminal states
// completed, failed and timeout. Terminal records never change again.
// Every committed transition increments Version; readers that later
// write must present the version they read:
//
//	task, _ := repo.FindByID(ctx, id)
//	task.Progress = 40
//	err := repo.Update(ctx, task, task.Version) // conflict if someone else wrote
//
// The manager performs this under a per-task distributed lock with a
// fencing token, retries bounded times on conflict, and consults the
// reconciler between attempts.
//
// # Idempotent Submission
//
// HTTP handlers wrapped in the Idempotency middleware replay the
// original response for a retried Idempotency-Key instead of running
// the handler again:
//
//	store := taskforge.NewRedisIdempotencyStore(client)
//	idem := taskforge.NewIdempotency(store, false)
//	mux.Handle("/tasks", idem.Middleware(submitHandler))
//
// Replay lookups that fail leave the request processing normally. A
// second request arriving while the first is still in flight gets 409.
//
// # Critical Gotchas
//
// 1. Delivery is at-least-once. A worker that dies mid-task gets the
// job redelivered elsewhere after its lease lapses. Processors must be
// idempotent or guard their side effects.
//
// 2. Results flow one way. A task result is set exactly when the task
// completes; failed tasks carry an error string instead. Processors
// returning both get the error.
//
// 3. Progress is advisory. The progress callback commits through the
// same versioned path as everything else, but a conflict on a progress
// write is dropped, not retried to death.
//
// 4. Ephemeral mode forgets. A manager without WithRepository keeps
// records in process memory; after a restart only what the queue still
// holds can be recovered.
//
// 5. Shutdown does not close your clients. The manager stops its
// workers and the event hub; the Redis client, queue and repository
// belong to the caller.
//
// # When to Use Taskforge
//
// Perfect for:
//   - Agent pipeline steps (LLM calls, tool invocations, renders)
//   - Background jobs with progress reporting (exports, imports)
//   - Work that must survive worker crashes and restarts
//   - Request/poll APIs with idempotent retries
//
// Not suitable for:
//   - Multi-step workflow orchestration with branching (use Temporal)
//   - Sub-millisecond dispatch latency
//   - Exactly-once side effects without idempotent processors
//   - Fan-out/fan-in aggregation across thousands of shards
//
// # Observability
//
// Metrics (Prometheus):
//
//	metrics := taskforge.NewPrometheusMetrics(nil)
//	manager, _ := taskforge.NewManagerWithObservability(queue, cfg, logger, metrics)
//
// Logging (Zap structured logging):
//
//	logger, _ := taskforge.NewProductionZapLogger()
//
// Worker health and watchdog statistics:
//
//	snapshot := manager.HealthSnapshot() // state, error rate, queue depth
//	stats := manager.WatchdogStats()     // monitored, timeouts, average execution
//
// # Documentation and Examples
//
// Working examples:
//   - examples/basic/ - Durable worker with progress events
//   - examples/http-api/ - REST submission with idempotent retries
//
// The taskforge CLI (cmd/taskforge) inspects queues and records, cancels
// pending tasks and runs an end-to-end smoke task against a deployment.
package taskforge
