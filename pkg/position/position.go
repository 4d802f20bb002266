package position

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cohenjo/readmodel/pkg/config"
)

// Position is a resumable point in a source log.
type Position interface {
	// Kind names the source type, e.g. postgresql or mysql.
	Kind() string

	// Serialize converts the position to JSON for storage
	Serialize() ([]byte, error)

	// Deserialize restores the position from Serialize output
	Deserialize(data []byte) error

	String() string

	// IsValid reports whether the position points somewhere real
	IsValid() bool

	// Compare returns -1, 0 or 1 like strings.Compare. Positions of a
	// different kind compare as less.
	Compare(other Position) int
}

// Tracker stores one position per stream.
type Tracker interface {
	Save(ctx context.Context, streamID string, position Position, metadata map[string]interface{}) error

	// Load returns the stored record, or ErrPositionNotFound.
	Load(ctx context.Context, streamID string) (*Record, error)

	Delete(ctx context.Context, streamID string) error

	List(ctx context.Context) ([]*Record, error)

	// Close releases any resources held by the tracker
	Close() error

	// HealthCheck verifies the tracker is operational
	HealthCheck(ctx context.Context) error
}

// Record is a stored position with its bookkeeping.
type Record struct {
	StreamID     string                 `json:"stream_id"`
	Kind         string                 `json:"kind"`
	PositionData json.RawMessage        `json:"position"`
	Description  string                 `json:"description,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// Decode restores the record into into.
func (r *Record) Decode(into Position) error {
	if r.Kind != "" && r.Kind != into.Kind() {
		return fmt.Errorf("%w: stored %s, requested %s", ErrKindMismatch, r.Kind, into.Kind())
	}
	if err := into.Deserialize(r.PositionData); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPosition, err)
	}
	return nil
}

// newRecord builds the record Save persists. created is kept from any
// earlier record for the same stream.
func newRecord(streamID string, pos Position, metadata map[string]interface{}, created time.Time) (*Record, error) {
	data, err := pos.Serialize()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize position: %w", err)
	}
	now := time.Now().UTC()
	if created.IsZero() {
		created = now
	}
	return &Record{
		StreamID:     streamID,
		Kind:         pos.Kind(),
		PositionData: data,
		Description:  pos.String(),
		Metadata:     metadata,
		CreatedAt:    created,
		UpdatedAt:    now,
	}, nil
}

// LoadInto loads the stream's record and decodes it into into.
func LoadInto(ctx context.Context, t Tracker, streamID string, into Position) (*Record, error) {
	rec, err := t.Load(ctx, streamID)
	if err != nil {
		return nil, err
	}
	if err := rec.Decode(into); err != nil {
		return nil, err
	}
	return rec, nil
}

// NewTracker creates the tracker selected by cfg.
func NewTracker(ctx context.Context, cfg config.CheckpointConfig, logger *logrus.Logger) (Tracker, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	switch cfg.Type {
	case config.CheckpointFile:
		return NewFileTracker(&FileConfig{Directory: cfg.Directory}, logger)
	case config.CheckpointBolt:
		return NewBoltTracker(cfg.Path, logger)
	case config.CheckpointMongoDB:
		return NewMongoTracker(ctx, &MongoConfig{
			ConnectionURI: cfg.MongoURI,
			Database:      cfg.MongoDatabase,
			Collection:    cfg.MongoCollection,
		}, logger)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedTrackerType, cfg.Type)
	}
}
