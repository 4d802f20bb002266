package position

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

var positionsBucket = []byte("positions")

// BoltTracker stores positions in a single bbolt file, one key per stream.
type BoltTracker struct {
	db     *bolt.DB
	path   string
	logger *logrus.Logger
	mu     sync.RWMutex
	closed bool
}

// NewBoltTracker opens (or creates) the bbolt file at path.
func NewBoltTracker(path string, logger *logrus.Logger) (*BoltTracker, error) {
	if path == "" {
		return nil, fmt.Errorf("bolt path is required")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(positionsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	logger.WithField("path", path).Info("Created bolt position tracker")
	return &BoltTracker{db: db, path: path, logger: logger}, nil
}

func (bt *BoltTracker) Save(ctx context.Context, streamID string, position Position, metadata map[string]interface{}) error {
	bt.mu.RLock()
	defer bt.mu.RUnlock()
	if bt.closed {
		return ErrTrackerClosed
	}

	err := bt.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(positionsBucket)

		var created time.Time
		if raw := b.Get([]byte(streamID)); raw != nil {
			var existing Record
			if json.Unmarshal(raw, &existing) == nil {
				created = existing.CreatedAt
			}
		}

		record, err := newRecord(streamID, position, metadata, created)
		if err != nil {
			return err
		}
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return b.Put([]byte(streamID), data)
	})
	if err != nil {
		return fmt.Errorf("failed to save position: %w", err)
	}

	bt.logger.WithFields(logrus.Fields{
		"stream_id": streamID,
		"position":  position.String(),
	}).Debug("Saved position to bolt")
	return nil
}

func (bt *BoltTracker) Load(ctx context.Context, streamID string) (*Record, error) {
	bt.mu.RLock()
	defer bt.mu.RUnlock()
	if bt.closed {
		return nil, ErrTrackerClosed
	}

	var record *Record
	err := bt.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(positionsBucket).Get([]byte(streamID))
		if raw == nil {
			return ErrPositionNotFound
		}
		record = &Record{}
		return json.Unmarshal(raw, record)
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (bt *BoltTracker) Delete(ctx context.Context, streamID string) error {
	bt.mu.RLock()
	defer bt.mu.RUnlock()
	if bt.closed {
		return ErrTrackerClosed
	}

	return bt.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(positionsBucket).Delete([]byte(streamID))
	})
}

func (bt *BoltTracker) List(ctx context.Context) ([]*Record, error) {
	bt.mu.RLock()
	defer bt.mu.RUnlock()
	if bt.closed {
		return nil, ErrTrackerClosed
	}

	var records []*Record
	err := bt.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(positionsBucket).ForEach(func(k, v []byte) error {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				bt.logger.WithError(err).WithField("stream_id", string(k)).Warn("Skipping unreadable position")
				return nil
			}
			records = append(records, &r)
			return nil
		})
	})
	return records, err
}

// Close closes the bolt file. Safe to call more than once.
func (bt *BoltTracker) Close() error {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	if bt.closed {
		return nil
	}
	bt.closed = true
	bt.logger.WithField("path", bt.path).Info("Closed bolt position tracker")
	return bt.db.Close()
}

func (bt *BoltTracker) HealthCheck(ctx context.Context) error {
	bt.mu.RLock()
	defer bt.mu.RUnlock()
	if bt.closed {
		return ErrTrackerClosed
	}
	return bt.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(positionsBucket) == nil {
			return fmt.Errorf("bucket %s missing", positionsBucket)
		}
		return nil
	})
}
