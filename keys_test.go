package taskforge

import "testing"

// TestKeyLayout pins the Redis key layout. These strings are a wire
// contract: changing one orphans every record written by earlier
// deployments.
func TestKeyLayout(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"task record", taskKey("0198f2a0"), "tasks:0198f2a0"},
		{"status index", statusIndexKey(StatusRunning), "tasks-index:status:running"},
		{"type index", typeIndexKey("index-documents"), "tasks-index:type:index-documents"},
		{"idempotency cache", idempotencyCacheKey("req-42"), "idempotency:req-42"},
		{"state lock name", taskStateLockName("0198f2a0"), "task-state:0198f2a0"},
		{"queue part", queueKey("tasks", "waiting"), "queue:tasks:waiting"},
		{"queue job", queueJobKey("tasks", "0198f2a0"), "queue:tasks:job:0198f2a0"},
		{"queue lease", queueLeaseKey("tasks", "0198f2a0"), "queue:tasks:lock:0198f2a0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("key = %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestKeyBuilder_Key(t *testing.T) {
	kb := KeyBuilder{Prefix: "archive", Suffix: ".json"}

	key := kb.Key("task-123")
	if key != "archive/task-123.json" {
		t.Errorf("Key() = %q, want %q", key, "archive/task-123.json")
	}
}

func TestKeyBuilder_NoSuffix(t *testing.T) {
	kb := KeyBuilder{Prefix: "exports"}

	key := kb.Key("task-123")
	if key != "exports/task-123" {
		t.Errorf("Key() = %q, want %q", key, "exports/task-123")
	}
}

func TestKeyBuilder_Keys(t *testing.T) {
	kb := KeyBuilder{Prefix: "archive", Suffix: ".json"}

	ids := []string{"a", "b", "c"}
	keys := kb.Keys(ids)

	if len(keys) != len(ids) {
		t.Fatalf("Keys() returned %d keys, want %d", len(keys), len(ids))
	}

	want := []string{"archive/a.json", "archive/b.json", "archive/c.json"}
	for i, key := range keys {
		if key != want[i] {
			t.Errorf("keys[%d] = %q, want %q", i, key, want[i])
		}
	}
}

func TestKeyBuilder_EmptyIDs(t *testing.T) {
	kb := KeyBuilder{Prefix: "archive", Suffix: ".json"}

	keys := kb.Keys(nil)
	if len(keys) != 0 {
		t.Errorf("Keys(nil) returned %d keys, want 0", len(keys))
	}
}

func TestJobStateValid(t *testing.T) {
	for _, state := range []JobState{
		JobStateWaiting, JobStateDelayed, JobStateActive, JobStateCompleted, JobStateFailed,
	} {
		if !state.Valid() {
			t.Errorf("state %q should be valid", state)
		}
	}

	for _, state := range []JobState{"", "paused", "running"} {
		if state.Valid() {
			t.Errorf("state %q should be invalid", state)
		}
	}
}

func BenchmarkKeyBuilder(b *testing.B) {
	kb := KeyBuilder{Prefix: "archive", Suffix: ".json"}
	for i := 0; i < b.N; i++ {
		_ = kb.Key("0198f2a0-7b4e-7cc3-9d1a-5e8f6a0b1c2d")
	}
}
