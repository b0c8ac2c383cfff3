package taskforge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

const (
	archiveDirPermissions  = 0o755
	archiveFilePermissions = 0o644
)

// FilesystemArchiveStore keeps archives on local disk. It is the
// single-node counterpart to S3ArchiveStore: same key layout, same
// missing-key behaviour, so the ArchiveSink cannot tell them apart.
type FilesystemArchiveStore struct {
	basePath string
	locks    *StripedLocks // Serialises writers of the same key
}

// NewFilesystemArchiveStore creates a filesystem archive store with 32
// lock stripes. The base directory is created on first write, not here.
func NewFilesystemArchiveStore(basePath string) *FilesystemArchiveStore {
	return &FilesystemArchiveStore{
		basePath: basePath,
		locks:    NewStripedLocks(32),
	}
}

func (f *FilesystemArchiveStore) getPath(key string) string {
	return filepath.Join(f.basePath, key)
}

// Put stores data at key, creating parent directories as needed.
func (f *FilesystemArchiveStore) Put(ctx context.Context, key string, data []byte) error {
	path := f.getPath(key)
	if err := os.MkdirAll(filepath.Dir(path), archiveDirPermissions); err != nil {
		return err
	}

	unlock := f.locks.Lock(key)
	defer unlock()

	return os.WriteFile(path, data, archiveFilePermissions)
}

// Get retrieves the archive at key. A missing file is ErrTaskNotFound,
// matching the S3 store: every key here is derived from a task id.
func (f *FilesystemArchiveStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(f.getPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, WithContext(ErrTaskNotFound, map[string]interface{}{
				"archive_key": key,
			})
		}
		return nil, err
	}
	return data, nil
}

// Exists checks whether an archive exists at key
func (f *FilesystemArchiveStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(f.getPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// List returns all keys under prefix in walk order. Keys use forward
// slashes regardless of platform, matching the S3 store.
func (f *FilesystemArchiveStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	searchPath := f.getPath(prefix)

	if _, err := os.Stat(searchPath); os.IsNotExist(err) {
		// Nothing archived under this prefix yet
		return keys, nil
	}

	err := filepath.Walk(searchPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			relPath, err := filepath.Rel(f.basePath, path)
			if err != nil {
				return err
			}
			keys = append(keys, filepath.ToSlash(relPath))
		}
		return nil
	})

	return keys, err
}

// Ping checks the base directory exists and is writable
func (f *FilesystemArchiveStore) Ping(ctx context.Context) error {
	info, err := os.Stat(f.basePath)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("archive path is not a directory: %s", f.basePath)
	}

	testFile := filepath.Join(f.basePath, ".health_check")
	if err := os.WriteFile(testFile, []byte("ok"), archiveFilePermissions); err != nil {
		return fmt.Errorf("cannot write to archive path: %w", err)
	}
	os.Remove(testFile)

	return nil
}

// Close releases resources. The filesystem has nothing to close.
func (f *FilesystemArchiveStore) Close() error {
	return nil
}
