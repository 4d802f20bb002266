package position

import (
	"encoding/json"
	"fmt"

	"github.com/jackc/pglogrepl"
)

// KindPostgreSQL identifies WAL positions.
const KindPostgreSQL = "postgresql"

// PostgreSQLPosition is a point in the PostgreSQL write-ahead log.
type PostgreSQLPosition struct {
	// LSN of the last fully applied transaction end
	LSN uint64 `json:"lsn"`

	// TxID of that transaction (optional)
	TxID uint32 `json:"tx_id,omitempty"`

	SlotName string `json:"slot_name,omitempty"`

	Database string `json:"database,omitempty"`

	// Timestamp of the commit, unix seconds
	Timestamp int64 `json:"timestamp,omitempty"`
}

// NewPostgreSQLPosition creates a new PostgreSQL position
func NewPostgreSQLPosition(lsn uint64) *PostgreSQLPosition {
	return &PostgreSQLPosition{LSN: lsn}
}

// NewPostgreSQLPositionFromString parses an LSN in XX/XXXXXXXX form.
func NewPostgreSQLPositionFromString(lsnStr string) (*PostgreSQLPosition, error) {
	lsn, err := ParseLSN(lsnStr)
	if err != nil {
		return nil, err
	}
	return &PostgreSQLPosition{LSN: lsn}, nil
}

func (pp *PostgreSQLPosition) Kind() string { return KindPostgreSQL }

// Serialize converts the position to JSON bytes
func (pp *PostgreSQLPosition) Serialize() ([]byte, error) {
	return json.Marshal(pp)
}

// Deserialize restores the position from JSON bytes
func (pp *PostgreSQLPosition) Deserialize(data []byte) error {
	return json.Unmarshal(data, pp)
}

func (pp *PostgreSQLPosition) String() string {
	if pp.SlotName != "" {
		return fmt.Sprintf("lsn=%s, slot=%s", FormatLSN(pp.LSN), pp.SlotName)
	}
	return fmt.Sprintf("lsn=%s", FormatLSN(pp.LSN))
}

// IsValid checks if the position is valid
func (pp *PostgreSQLPosition) IsValid() bool {
	return pp.LSN > 0
}

// Compare orders positions by LSN.
func (pp *PostgreSQLPosition) Compare(other Position) int {
	o, ok := other.(*PostgreSQLPosition)
	if !ok {
		return -1
	}
	switch {
	case pp.LSN < o.LSN:
		return -1
	case pp.LSN > o.LSN:
		return 1
	default:
		return 0
	}
}

// PgLSN returns the position as a pglogrepl LSN.
func (pp *PostgreSQLPosition) PgLSN() pglogrepl.LSN {
	return pglogrepl.LSN(pp.LSN)
}

// ParseLSN parses a PostgreSQL LSN string (XX/XXXXXXXX format) to uint64
func ParseLSN(lsnStr string) (uint64, error) {
	lsn, err := pglogrepl.ParseLSN(lsnStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LSN %q: %w", lsnStr, err)
	}
	return uint64(lsn), nil
}

// FormatLSN formats a uint64 LSN to PostgreSQL string format (XX/XXXXXXXX)
func FormatLSN(lsn uint64) string {
	return pglogrepl.LSN(lsn).String()
}
