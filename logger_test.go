package taskforge

import "testing"

func TestLoggerInterface(t *testing.T) {
	var _ Logger = &NoOpLogger{}
	var _ Logger = &StdLogger{}
	var _ Logger = &ZapLogger{}
}

func TestNoOpLogger(t *testing.T) {
	logger := &NoOpLogger{}

	// Every level must be safe to call with arbitrary fields.
	logger.Debug("dequeued job", "job_id", "j1")
	logger.Info("task committed", "task_id", "t1", "version", 3)
	logger.Warn("lease renewal failed", "error", nil)
	logger.Error("commit failed", "task_id", "t1", "attempts", 3)
}

func TestStdLoggerFormatting(t *testing.T) {
	logger := NewStdLogger("taskforge")

	tests := []struct {
		name   string
		fields []interface{}
	}{
		{"no fields", nil},
		{"one pair", []interface{}{"task_id", "t1"}},
		{"several pairs", []interface{}{"task_id", "t1", "status", "running", "version", 2}},
		{"dangling key", []interface{}{"task_id", "t1", "orphan"}},
		{"mixed types", []interface{}{
			"string", "value",
			"int", 42,
			"float", 3.14,
			"bool", true,
			"nil", nil,
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// The std logger writes to stderr; the test only asserts it
			// survives every field shape.
			logger.Debug("message", tt.fields...)
			logger.Info("message", tt.fields...)
			logger.Warn("message", tt.fields...)
			logger.Error("message", tt.fields...)
		})
	}
}

func TestToString(t *testing.T) {
	tests := []struct {
		in   interface{}
		want string
	}{
		{nil, "<nil>"},
		{"plain", "plain"},
		{42, "42"},
		{3.5, "3.5"},
		{true, "true"},
	}

	for _, tt := range tests {
		if got := toString(tt.in); got != tt.want {
			t.Errorf("toString(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
