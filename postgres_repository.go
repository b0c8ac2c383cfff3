package taskforge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// postgresSchema is the table backing PostgresTaskRepository. The full
// record lives in the data column; id, type, status and version are lifted
// out for indexing and the version check.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS taskforge_tasks (
	id         TEXT PRIMARY KEY,
	type       TEXT NOT NULL,
	status     TEXT NOT NULL,
	version    BIGINT NOT NULL,
	data       JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS taskforge_tasks_status_idx ON taskforge_tasks (status);
CREATE INDEX IF NOT EXISTS taskforge_tasks_type_idx ON taskforge_tasks (type);
CREATE INDEX IF NOT EXISTS taskforge_tasks_expires_idx ON taskforge_tasks (expires_at);
`

// PostgresTaskRepository is a TaskRepository on PostgreSQL for deployments
// that want task state in the relational store next to their other data.
// Optimistic concurrency uses a versioned UPDATE; expiry is a timestamp
// column swept by Cleanup rather than a store-side TTL.
type PostgresTaskRepository struct {
	pool     *pgxpool.Pool
	taskTTL  time.Duration
	ownsPool bool
	logger   Logger
	metrics  Metrics
}

// NewPostgresTaskRepository creates a repository over an existing pool
func NewPostgresTaskRepository(pool *pgxpool.Pool) *PostgresTaskRepository {
	return NewPostgresTaskRepositoryWithObservability(pool, &NoOpLogger{}, &NoOpMetrics{})
}

// NewPostgresTaskRepositoryWithObservability creates a repository with logging and metrics
func NewPostgresTaskRepositoryWithObservability(pool *pgxpool.Pool, logger Logger, metrics Metrics) *PostgresTaskRepository {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	return &PostgresTaskRepository{
		pool:    pool,
		taskTTL: DefaultTaskTTL,
		logger:  logger,
		metrics: metrics,
	}
}

// NewPostgresTaskRepositoryFromDSN connects a new pool, ensures the schema
// and returns a repository that owns the pool.
func NewPostgresTaskRepositoryFromDSN(ctx context.Context, dsn string) (*PostgresTaskRepository, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	repo := NewPostgresTaskRepository(pool)
	repo.ownsPool = true
	if err := repo.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

// WithTaskTTL overrides the record TTL (default 24h)
func (p *PostgresTaskRepository) WithTaskTTL(ttl time.Duration) *PostgresTaskRepository {
	if ttl > 0 {
		p.taskTTL = ttl
	}
	return p
}

func (p *PostgresTaskRepository) setTaskTTL(ttl time.Duration) { p.WithTaskTTL(ttl) }

// EnsureSchema creates the backing table and indexes if they do not exist
func (p *PostgresTaskRepository) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, postgresSchema); err != nil {
		return WithContext(ErrBackendUnavailable, map[string]interface{}{
			"operation": "ensure_schema",
			"cause":     err.Error(),
		})
	}
	return nil
}

func (p *PostgresTaskRepository) Name() string { return "postgres" }

func (p *PostgresTaskRepository) Save(ctx context.Context, task *Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	if task.Version != 1 {
		return WithContext(ErrValidation, map[string]interface{}{
			"field":  "Version",
			"value":  task.Version,
			"reason": "fresh records start at version 1",
		})
	}

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO taskforge_tasks (id, type, status, version, data, created_at, expires_at)
		VALUES ($1, $2, $3, 1, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`,
		task.ID, task.Type, string(task.Status), data, task.CreatedAt, time.Now().Add(p.taskTTL),
	)
	p.metrics.Timing(MetricRepoSaveDuration, time.Since(start), "repo", "postgres")

	if err != nil {
		p.metrics.Increment(MetricRepoSaveError, "repo", "postgres")
		return WithContext(ErrBackendUnavailable, map[string]interface{}{
			"operation": "save",
			"task_id":   task.ID,
			"cause":     err.Error(),
		})
	}
	if tag.RowsAffected() == 0 {
		return WithContext(ErrAlreadyExists, map[string]interface{}{
			"task_id": task.ID,
		})
	}

	p.metrics.Increment(MetricRepoSaveSuccess, "repo", "postgres")
	return nil
}

func (p *PostgresTaskRepository) FindByID(ctx context.Context, id string) (*Task, error) {
	start := time.Now()
	var data []byte
	err := p.pool.QueryRow(ctx, `
		SELECT data FROM taskforge_tasks
		WHERE id = $1 AND expires_at > now()`,
		id,
	).Scan(&data)
	p.metrics.Timing(MetricRepoFindDuration, time.Since(start), "repo", "postgres")

	if err == pgx.ErrNoRows {
		return nil, WithContext(ErrTaskNotFound, map[string]interface{}{
			"task_id": id,
		})
	}
	if err != nil {
		p.metrics.Increment(MetricRepoFindError, "repo", "postgres")
		return nil, WithContext(ErrBackendUnavailable, map[string]interface{}{
			"operation": "find",
			"task_id":   id,
			"cause":     err.Error(),
		})
	}

	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task %s: %w", id, err)
	}

	p.metrics.Increment(MetricRepoFindSuccess, "repo", "postgres")
	return &task, nil
}

func (p *PostgresTaskRepository) Update(ctx context.Context, task *Task, expectedVersion int64) error {
	if expectedVersion < 1 {
		return WithContext(ErrValidation, map[string]interface{}{
			"field":  "expectedVersion",
			"value":  expectedVersion,
			"reason": "must be >= 1",
		})
	}

	prevVersion := task.Version
	task.Version = expectedVersion + 1
	data, err := json.Marshal(task)
	if err != nil {
		task.Version = prevVersion
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	tag, err := p.pool.Exec(ctx, `
		UPDATE taskforge_tasks
		SET data = $1, version = $2, status = $3
		WHERE id = $4 AND version = $5 AND expires_at > now()`,
		data, task.Version, string(task.Status), task.ID, expectedVersion,
	)
	if err != nil {
		task.Version = prevVersion
		p.metrics.Increment(MetricRepoUpdateError, "repo", "postgres")
		return WithContext(ErrBackendUnavailable, map[string]interface{}{
			"operation": "update",
			"task_id":   task.ID,
			"cause":     err.Error(),
		})
	}
	if tag.RowsAffected() == 0 {
		task.Version = prevVersion
		return p.classifyUpdateMiss(ctx, task.ID, expectedVersion)
	}

	p.metrics.Increment(MetricRepoUpdateSuccess, "repo", "postgres")
	return nil
}

// classifyUpdateMiss tells a stale version apart from a missing record
// after a zero-row UPDATE.
func (p *PostgresTaskRepository) classifyUpdateMiss(ctx context.Context, id string, expectedVersion int64) error {
	var storedVersion int64
	err := p.pool.QueryRow(ctx, `
		SELECT version FROM taskforge_tasks
		WHERE id = $1 AND expires_at > now()`,
		id,
	).Scan(&storedVersion)
	if err == pgx.ErrNoRows {
		return WithContext(ErrTaskNotFound, map[string]interface{}{
			"task_id": id,
		})
	}
	if err != nil {
		return WithContext(ErrBackendUnavailable, map[string]interface{}{
			"operation": "update",
			"task_id":   id,
			"cause":     err.Error(),
		})
	}

	p.metrics.Increment(MetricRepoConflict, "repo", "postgres")
	return WithContext(ErrVersionConflict, map[string]interface{}{
		"task_id":          id,
		"expected_version": expectedVersion,
		"stored_version":   storedVersion,
	})
}

func (p *PostgresTaskRepository) Delete(ctx context.Context, id string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM taskforge_tasks WHERE id = $1`, id); err != nil {
		return WithContext(ErrBackendUnavailable, map[string]interface{}{
			"operation": "delete",
			"task_id":   id,
			"cause":     err.Error(),
		})
	}
	p.metrics.Increment(MetricRepoDelete, "repo", "postgres")
	return nil
}

// List pages by id keyset; the cursor is the last id of the previous page.
func (p *PostgresTaskRepository) List(ctx context.Context, cursor string, limit int) ([]*Task, string, error) {
	if limit <= 0 {
		limit = DefaultListPageSize
	}

	rows, err := p.pool.Query(ctx, `
		SELECT data FROM taskforge_tasks
		WHERE id > $1 AND expires_at > now()
		ORDER BY id
		LIMIT $2`,
		cursor, limit+1,
	)
	if err != nil {
		return nil, "", WithContext(ErrBackendUnavailable, map[string]interface{}{
			"operation": "list",
			"cause":     err.Error(),
		})
	}
	defer rows.Close()

	tasks, err := scanTasks(rows)
	if err != nil {
		return nil, "", err
	}

	nextCursor := ""
	if len(tasks) > limit {
		tasks = tasks[:limit]
		nextCursor = tasks[len(tasks)-1].ID
	}
	return tasks, nextCursor, nil
}

func (p *PostgresTaskRepository) FindByType(ctx context.Context, taskType string) ([]*Task, error) {
	return p.findWhere(ctx, `type = $1`, taskType)
}

func (p *PostgresTaskRepository) FindByStatus(ctx context.Context, status TaskStatus) ([]*Task, error) {
	if !status.Valid() {
		return nil, WithContext(ErrValidation, map[string]interface{}{
			"field": "status",
			"value": string(status),
		})
	}
	return p.findWhere(ctx, `status = $1`, string(status))
}

func (p *PostgresTaskRepository) findWhere(ctx context.Context, cond string, arg interface{}) ([]*Task, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT data FROM taskforge_tasks
		WHERE `+cond+` AND expires_at > now()
		ORDER BY id`,
		arg,
	)
	if err != nil {
		return nil, WithContext(ErrBackendUnavailable, map[string]interface{}{
			"operation": "find_where",
			"cause":     err.Error(),
		})
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (p *PostgresTaskRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	err := p.pool.QueryRow(ctx, `
		SELECT count(*) FROM taskforge_tasks WHERE expires_at > now()`,
	).Scan(&count)
	if err != nil {
		return 0, WithContext(ErrBackendUnavailable, map[string]interface{}{
			"operation": "count",
			"cause":     err.Error(),
		})
	}
	return count, nil
}

func (p *PostgresTaskRepository) Cleanup(ctx context.Context) (int, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM taskforge_tasks WHERE expires_at <= now()`)
	if err != nil {
		return 0, WithContext(ErrBackendUnavailable, map[string]interface{}{
			"operation": "cleanup",
			"cause":     err.Error(),
		})
	}

	removed := int(tag.RowsAffected())
	if removed > 0 {
		p.logger.Info("repository cleanup removed expired records", "count", removed)
		p.metrics.Gauge(MetricRepoCleanup, float64(removed), "repo", "postgres")
	}
	return removed, nil
}

func (p *PostgresTaskRepository) Touch(ctx context.Context, id string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = p.taskTTL
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE taskforge_tasks SET expires_at = $1
		WHERE id = $2 AND expires_at > now()`,
		time.Now().Add(ttl), id,
	)
	if err != nil {
		return WithContext(ErrBackendUnavailable, map[string]interface{}{
			"operation": "touch",
			"task_id":   id,
			"cause":     err.Error(),
		})
	}
	if tag.RowsAffected() == 0 {
		return WithContext(ErrTaskNotFound, map[string]interface{}{
			"task_id": id,
		})
	}
	return nil
}

func (p *PostgresTaskRepository) HealthCheck(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return WithContext(ErrBackendUnavailable, map[string]interface{}{
			"operation": "health_check",
			"cause":     err.Error(),
		})
	}
	return nil
}

func (p *PostgresTaskRepository) Close() error {
	if p.ownsPool && p.pool != nil {
		p.pool.Close()
	}
	return nil
}

func scanTasks(rows pgx.Rows) ([]*Task, error) {
	tasks := make([]*Task, 0)
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, WithContext(ErrBackendUnavailable, map[string]interface{}{
				"operation": "scan",
				"cause":     err.Error(),
			})
		}
		var task Task
		if err := json.Unmarshal(data, &task); err != nil {
			return nil, fmt.Errorf("failed to unmarshal task: %w", err)
		}
		tasks = append(tasks, &task)
	}
	if err := rows.Err(); err != nil {
		return nil, WithContext(ErrBackendUnavailable, map[string]interface{}{
			"operation": "scan",
			"cause":     err.Error(),
		})
	}
	return tasks, nil
}
