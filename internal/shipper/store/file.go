package store

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
)

const (
	lockSuffix = ".lock"
	tmpSuffix  = ".tmp"
)

// FileOptions configures OpenFile.
type FileOptions struct {
	// CreateIfMissing creates the backing file (and parent directories) instead of failing.
	CreateIfMissing bool
}

// FileStore keeps records in a plain text file, one record per line.
// The cross-process lock lives on a sibling "<path>.lock" file so the data file
// itself can be replaced atomically on Save.
type FileStore struct {
	path     string
	lockPath string
	lockFile *os.File
	logger   *zap.Logger

	// mu serializes Load and Save within the process; the file lock covers other processes.
	mu     sync.Mutex
	closed bool
}

// OpenFile resolves path to an absolute path and opens the lock file next to it.
// A missing data file is reported as ErrStoreUnavailable unless opts.CreateIfMissing is set.
func OpenFile(path string, opts FileOptions, logger *zap.Logger) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrStoreUnavailable)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to resolve %s: %w", ErrStoreUnavailable, path, err)
	}

	info, err := os.Stat(absPath)
	switch {
	case err == nil:
		if info.IsDir() {
			return nil, fmt.Errorf("%w: %s is a directory", ErrStoreUnavailable, absPath)
		}
	case errors.Is(err, fs.ErrNotExist) && opts.CreateIfMissing:
		if err := createEmpty(absPath); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		}
		logger.Info("Created store file", zap.String("path", absPath))
	default:
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	lockPath := absPath + lockSuffix
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open lock file %s: %w", ErrStoreUnavailable, lockPath, err)
	}

	return &FileStore{
		path:     absPath,
		lockPath: lockPath,
		lockFile: lockFile,
		logger:   logger,
	}, nil
}

func createEmpty(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	return f.Close()
}

// Name returns the resolved absolute path.
func (s *FileStore) Name() string {
	return s.path
}

// Load reads every line into dst and truncates the file.
// Empty lines are skipped; every other line is enqueued verbatim.
func (s *FileStore) Load(ctx context.Context, dst Enqueuer) (int, error) {
	unlock, err := s.lock(ctx)
	if err != nil {
		return 0, err
	}
	defer unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read %s: %w", s.path, err)
	}

	records := splitRecords(string(data))
	if len(records) > 0 {
		dst.Enqueue(records...)
	}

	if err := os.Truncate(s.path, 0); err != nil {
		return len(records), fmt.Errorf("failed to truncate %s: %w", s.path, err)
	}

	s.logger.Debug("Loaded records from file",
		zap.String("path", s.path),
		zap.Int("records", len(records)))
	return len(records), nil
}

// Save appends records by writing old content plus records to a temp file and
// renaming it over the data file. On error the data file is left as it was.
func (s *FileStore) Save(ctx context.Context, records []string) error {
	if len(records) == 0 {
		return nil
	}

	unlock, err := s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	mode := fs.FileMode(0o644)
	existing, err := os.ReadFile(s.path)
	switch {
	case err == nil:
		if info, statErr := os.Stat(s.path); statErr == nil {
			mode = info.Mode().Perm()
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return fmt.Errorf("failed to read %s: %w", s.path, err)
	}

	tmpPath := s.path + tmpSuffix
	if err := writeRecords(tmpPath, mode, existing, records); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename %s: %w", tmpPath, err)
	}

	s.logger.Debug("Saved records to file",
		zap.String("path", s.path),
		zap.Int("records", len(records)))
	return nil
}

func writeRecords(path string, mode fs.FileMode, existing []byte, records []string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}

	w := bufio.NewWriter(f)
	if len(existing) > 0 {
		w.Write(existing)
		if existing[len(existing)-1] != '\n' {
			w.WriteByte('\n')
		}
	}
	for _, record := range records {
		w.WriteString(record)
		w.WriteByte('\n')
	}

	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	return nil
}

// Close releases the lock file handle. Safe to call more than once.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.lockFile.Close()
}

func (s *FileStore) lock(ctx context.Context) (func(), error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is closed", ErrStoreUnavailable, s.path)
	}

	if err := acquire(ctx, func() (bool, error) { return tryLockFile(s.lockFile) }); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("failed to lock %s: %w", s.lockPath, err)
	}

	return func() {
		if err := unlockFile(s.lockFile); err != nil {
			s.logger.Warn("Failed to release store lock",
				zap.String("path", s.lockPath),
				zap.Error(err))
		}
		s.mu.Unlock()
	}, nil
}

func splitRecords(data string) []string {
	lines := strings.Split(data, "\n")
	records := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			continue
		}
		records = append(records, line)
	}
	return records
}
