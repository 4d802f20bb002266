package position

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// FileConfig for file-based position tracking
type FileConfig struct {
	// Directory where position files are stored
	Directory string `json:"directory" yaml:"directory"`

	// FilePermissions for created files (e.g., 0644)
	FilePermissions uint32 `json:"file_permissions" yaml:"file_permissions"`

	// BackupCount keeps that many previous versions of each file. Zero disables backups.
	BackupCount int `json:"backup_count" yaml:"backup_count"`
}

// FileTracker keeps one JSON file per stream, replaced atomically on save.
type FileTracker struct {
	config *FileConfig
	mutex  sync.RWMutex
	logger *logrus.Logger
	closed bool
}

// NewFileTracker creates a new file-based position tracker
func NewFileTracker(config *FileConfig, logger *logrus.Logger) (*FileTracker, error) {
	if config == nil {
		return nil, fmt.Errorf("file config is required")
	}
	if config.Directory == "" {
		return nil, fmt.Errorf("directory is required")
	}
	if config.FilePermissions == 0 {
		config.FilePermissions = 0o644
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	if err := os.MkdirAll(config.Directory, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", config.Directory, err)
	}

	logger.WithFields(logrus.Fields{
		"directory":    config.Directory,
		"backup_count": config.BackupCount,
	}).Info("Created file-based position tracker")

	return &FileTracker{config: config, logger: logger}, nil
}

// Save writes the position to <stream>.json via a temporary file and rename.
func (ft *FileTracker) Save(ctx context.Context, streamID string, position Position, metadata map[string]interface{}) error {
	ft.mutex.Lock()
	defer ft.mutex.Unlock()

	if ft.closed {
		return ErrTrackerClosed
	}

	filePath := ft.path(streamID)
	var created time.Time
	if existing, err := readRecordFile(filePath); err == nil {
		created = existing.CreatedAt
	}

	record, err := newRecord(streamID, position, metadata, created)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal position record: %w", err)
	}

	if ft.config.BackupCount > 0 {
		if err := ft.backup(streamID); err != nil {
			ft.logger.WithError(err).Warn("Failed to create backup")
		}
	}

	tempPath := filePath + ".tmp"
	f, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fs.FileMode(ft.config.FilePermissions))
	if err != nil {
		return fmt.Errorf("failed to open temporary file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync temporary file: %w", err)
	}
	f.Close()

	if err := os.Rename(tempPath, filePath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename temporary file: %w", err)
	}

	ft.logger.WithFields(logrus.Fields{
		"stream_id": streamID,
		"position":  position.String(),
	}).Debug("Saved position to file")

	return nil
}

// Load reads the stream's position file.
func (ft *FileTracker) Load(ctx context.Context, streamID string) (*Record, error) {
	ft.mutex.RLock()
	defer ft.mutex.RUnlock()

	if ft.closed {
		return nil, ErrTrackerClosed
	}

	record, err := readRecordFile(ft.path(streamID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrPositionNotFound
		}
		return nil, fmt.Errorf("failed to load position record: %w", err)
	}
	return record, nil
}

// Delete removes the position file and its backups.
func (ft *FileTracker) Delete(ctx context.Context, streamID string) error {
	ft.mutex.Lock()
	defer ft.mutex.Unlock()

	if ft.closed {
		return ErrTrackerClosed
	}

	filePath := ft.path(streamID)
	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove position file: %w", err)
	}
	for _, b := range ft.backups(streamID) {
		os.Remove(b)
	}

	ft.logger.WithField("stream_id", streamID).Info("Deleted position file")
	return nil
}

// List returns every stored record, skipping temporary and backup files.
func (ft *FileTracker) List(ctx context.Context) ([]*Record, error) {
	ft.mutex.RLock()
	defer ft.mutex.RUnlock()

	if ft.closed {
		return nil, ErrTrackerClosed
	}

	entries, err := os.ReadDir(ft.config.Directory)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	var records []*Record
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		record, err := readRecordFile(filepath.Join(ft.config.Directory, entry.Name()))
		if err != nil {
			ft.logger.WithError(err).WithField("file", entry.Name()).Warn("Failed to load position record")
			continue
		}
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].StreamID < records[j].StreamID })
	return records, nil
}

// Close marks the tracker closed. Files are already durable.
func (ft *FileTracker) Close() error {
	ft.mutex.Lock()
	defer ft.mutex.Unlock()

	if !ft.closed {
		ft.closed = true
		ft.logger.Info("Closed file-based position tracker")
	}
	return nil
}

// HealthCheck verifies the directory is writable.
func (ft *FileTracker) HealthCheck(ctx context.Context) error {
	ft.mutex.RLock()
	defer ft.mutex.RUnlock()

	if ft.closed {
		return ErrTrackerClosed
	}

	probe := filepath.Join(ft.config.Directory, ".health_check")
	if err := os.WriteFile(probe, []byte("ok"), fs.FileMode(ft.config.FilePermissions)); err != nil {
		return fmt.Errorf("directory not writable: %w", err)
	}
	return os.Remove(probe)
}

func (ft *FileTracker) path(streamID string) string {
	return filepath.Join(ft.config.Directory, streamID+".json")
}

func readRecordFile(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal position record: %w", err)
	}
	return &record, nil
}

// backup copies the current file aside and prunes old copies.
func (ft *FileTracker) backup(streamID string) error {
	data, err := os.ReadFile(ft.path(streamID))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	backupPath := fmt.Sprintf("%s.backup.%s", ft.path(streamID), time.Now().UTC().Format("20060102-150405.000000000"))
	if err := os.WriteFile(backupPath, data, fs.FileMode(ft.config.FilePermissions)); err != nil {
		return err
	}

	existing := ft.backups(streamID)
	for i := ft.config.BackupCount; i < len(existing); i++ {
		os.Remove(existing[i])
	}
	return nil
}

// backups lists backup files newest first. The timestamp suffix sorts lexically.
func (ft *FileTracker) backups(streamID string) []string {
	matches, _ := filepath.Glob(ft.path(streamID) + ".backup.*")
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))
	return matches
}
