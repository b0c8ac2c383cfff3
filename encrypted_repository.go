package taskforge

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"context"
)

// sealedField marks an encrypted payload envelope inside Params or Result.
const sealedField = "$sealed"

// EncryptedTaskRepository wraps any TaskRepository with AES-256-GCM
// encryption of the sensitive task fields at rest. Params and Result are
// sealed before the record is written and opened after it is read; id,
// type, status, progress and timestamps stay in the clear so indexes,
// reconciliation and the watchdog keep working.
//
// Example:
//
//	key := make([]byte, 32) // Generate or load from secrets manager
//	rand.Read(key)
//	repo, err := taskforge.NewEncryptedTaskRepository(redisRepo, key)
type EncryptedTaskRepository struct {
	TaskRepository
	key []byte // 32 bytes for AES-256
}

// NewEncryptedTaskRepository wraps a repository with AES-256-GCM encryption.
// Key must be exactly 32 bytes for AES-256.
func NewEncryptedTaskRepository(repo TaskRepository, key []byte) (*EncryptedTaskRepository, error) {
	if len(key) != 32 {
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
			"expected_key_length": 32,
			"actual_key_length":   len(key),
			"reason":              "AES-256 requires 32-byte key",
		})
	}

	return &EncryptedTaskRepository{
		TaskRepository: repo,
		key:            key,
	}, nil
}

// Save seals Params and Result before storing
func (e *EncryptedTaskRepository) Save(ctx context.Context, task *Task) error {
	sealed, err := e.sealTask(task)
	if err != nil {
		return err
	}
	return e.TaskRepository.Save(ctx, sealed)
}

// Update seals the task before the versioned write. On success the caller's
// in-memory version is advanced to match the stored one.
func (e *EncryptedTaskRepository) Update(ctx context.Context, task *Task, expectedVersion int64) error {
	sealed, err := e.sealTask(task)
	if err != nil {
		return err
	}
	if err := e.TaskRepository.Update(ctx, sealed, expectedVersion); err != nil {
		return err
	}
	task.Version = sealed.Version
	return nil
}

// FindByID opens the sealed fields after retrieval
func (e *EncryptedTaskRepository) FindByID(ctx context.Context, id string) (*Task, error) {
	task, err := e.TaskRepository.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := e.openTask(task); err != nil {
		return nil, err
	}
	return task, nil
}

func (e *EncryptedTaskRepository) FindByType(ctx context.Context, taskType string) ([]*Task, error) {
	tasks, err := e.TaskRepository.FindByType(ctx, taskType)
	if err != nil {
		return nil, err
	}
	return tasks, e.openTasks(tasks)
}

func (e *EncryptedTaskRepository) FindByStatus(ctx context.Context, status TaskStatus) ([]*Task, error) {
	tasks, err := e.TaskRepository.FindByStatus(ctx, status)
	if err != nil {
		return nil, err
	}
	return tasks, e.openTasks(tasks)
}

func (e *EncryptedTaskRepository) List(ctx context.Context, cursor string, limit int) ([]*Task, string, error) {
	tasks, next, err := e.TaskRepository.List(ctx, cursor, limit)
	if err != nil {
		return nil, "", err
	}
	return tasks, next, e.openTasks(tasks)
}

func (e *EncryptedTaskRepository) Name() string {
	return "encrypted(" + e.TaskRepository.Name() + ")"
}

// setTaskTTL reaches through the encryption layer so config threading
// lands on the wrapped store.
func (e *EncryptedTaskRepository) setTaskTTL(ttl time.Duration) {
	if o, ok := e.TaskRepository.(taskTTLOption); ok {
		o.setTaskTTL(ttl)
	}
}

// sealTask clones the task and replaces Params and Result with sealed
// envelopes. The original task is never mutated; Update propagates the
// version bump back explicitly.
func (e *EncryptedTaskRepository) sealTask(task *Task) (*Task, error) {
	sealed := task.Clone()

	if len(task.Params) > 0 {
		envelope, err := e.sealValue(task.Params)
		if err != nil {
			return nil, err
		}
		sealed.Params = envelope
	}
	if task.Result != nil {
		envelope, err := e.sealValue(task.Result)
		if err != nil {
			return nil, err
		}
		sealed.Result = envelope
	}
	return sealed, nil
}

// openTask reverses sealTask in place.
func (e *EncryptedTaskRepository) openTask(task *Task) error {
	if blob, ok := sealedEnvelope(task.Params); ok {
		var params map[string]interface{}
		if err := e.openValue(blob, &params); err != nil {
			return err
		}
		task.Params = params
	}
	if resultMap, ok := task.Result.(map[string]interface{}); ok {
		if blob, ok := sealedEnvelope(resultMap); ok {
			var result interface{}
			if err := e.openValue(blob, &result); err != nil {
				return err
			}
			task.Result = result
		}
	}
	return nil
}

func (e *EncryptedTaskRepository) openTasks(tasks []*Task) error {
	for _, task := range tasks {
		if err := e.openTask(task); err != nil {
			return err
		}
	}
	return nil
}

func (e *EncryptedTaskRepository) sealValue(v interface{}) (map[string]interface{}, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal for sealing: %w", err)
	}
	ciphertext, err := e.encrypt(plaintext)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		sealedField: base64.StdEncoding.EncodeToString(ciphertext),
	}, nil
}

func (e *EncryptedTaskRepository) openValue(blob string, out interface{}) error {
	ciphertext, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return WithContext(ErrInvalidData, map[string]interface{}{
			"reason": "sealed envelope is not base64",
		})
	}
	plaintext, err := e.decrypt(ciphertext)
	if err != nil {
		return err
	}
	return json.Unmarshal(plaintext, out)
}

// sealedEnvelope reports whether m is a sealed envelope and returns its blob.
func sealedEnvelope(m map[string]interface{}) (string, bool) {
	if len(m) != 1 {
		return "", false
	}
	blob, ok := m[sealedField].(string)
	return blob, ok
}

// encrypt uses AES-256-GCM with random nonce
func (e *EncryptedTaskRepository) encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	// Generate random nonce
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Encrypt and prepend nonce to ciphertext
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// decrypt reverses encryption
func (e *EncryptedTaskRepository) decrypt(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, WithContext(ErrInvalidData, map[string]interface{}{
			"reason":     "ciphertext too short",
			"min_length": nonceSize,
			"actual":     len(ciphertext),
		})
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}

	return plaintext, nil
}
