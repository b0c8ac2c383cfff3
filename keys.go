package taskforge

import "fmt"

// Persistent key layout. Everything Taskforge writes to Redis lives under
// one of these prefixes:
//
//	tasks:{id}                  task record (TTL-bounded)
//	tasks-index:status:{s}      id set per status
//	tasks-index:type:{t}        id set per type
//	locks:{name}                distributed lock fencing token
//	idempotency:{key}           cached idempotent response
//	queue:{name}:*              work queue internals
const (
	taskKeyPrefix        = "tasks"
	statusIndexKeyPrefix = "tasks-index:status"
	typeIndexKeyPrefix   = "tasks-index:type"
	lockKeyPrefix        = "locks"
	idempotencyKeyPrefix = "idempotency"
	queueKeyPrefix       = "queue"
)

func taskKey(id string) string {
	return taskKeyPrefix + ":" + id
}

func statusIndexKey(status TaskStatus) string {
	return statusIndexKeyPrefix + ":" + string(status)
}

func typeIndexKey(taskType string) string {
	return typeIndexKeyPrefix + ":" + taskType
}

func idempotencyCacheKey(key string) string {
	return idempotencyKeyPrefix + ":" + key
}

// taskStateLockName is the lock serialising state transitions for one
// task. The lock manager adds the locks: prefix, so the full Redis key is
// locks:task-state:{id}.
func taskStateLockName(id string) string {
	return "task-state:" + id
}

func queueKey(queue, part string) string {
	return queueKeyPrefix + ":" + queue + ":" + part
}

func queueJobKey(queue, jobID string) string {
	return queueKeyPrefix + ":" + queue + ":job:" + jobID
}

func queueLeaseKey(queue, jobID string) string {
	return queueKeyPrefix + ":" + queue + ":lock:" + jobID
}

// KeyBuilder helps construct consistent storage keys.
// Eliminates error-prone fmt.Sprintf calls scattered throughout code.
//
// Example:
//
//	kb := KeyBuilder{Prefix: "archive", Suffix: ".json"}
//	key := kb.Key(taskID)  // Returns "archive/taskID.json"
type KeyBuilder struct {
	// Prefix is the namespace prefix (e.g., "archive", "tasks")
	Prefix string

	// Suffix is the file extension (e.g., ".json")
	// Optional - defaults to empty string
	Suffix string
}

// Key constructs a storage key from an ID.
func (kb KeyBuilder) Key(id string) string {
	if kb.Suffix != "" {
		return fmt.Sprintf("%s/%s%s", kb.Prefix, id, kb.Suffix)
	}
	return fmt.Sprintf("%s/%s", kb.Prefix, id)
}

// Keys constructs multiple storage keys from IDs.
func (kb KeyBuilder) Keys(ids []string) []string {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = kb.Key(id)
	}
	return keys
}
