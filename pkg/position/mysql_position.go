package position

import (
	"encoding/json"
	"fmt"

	"github.com/go-mysql-org/go-mysql/mysql"
)

// KindMySQL identifies binlog positions.
const KindMySQL = "mysql"

// MySQLPosition is a point in the MySQL binary log.
type MySQLPosition struct {
	// File is the binlog file name
	File string `json:"file"`

	// Position is the position within the binlog file
	Position uint32 `json:"position"`

	ServerID uint32 `json:"server_id,omitempty"`

	// Timestamp of the event header, unix seconds
	Timestamp int64 `json:"timestamp,omitempty"`
}

// NewMySQLPosition creates a new MySQL position
func NewMySQLPosition(file string, position uint32) *MySQLPosition {
	return &MySQLPosition{File: file, Position: position}
}

// NewMySQLPositionFromMySQL creates a MySQL position from go-mysql Position
func NewMySQLPositionFromMySQL(pos mysql.Position) *MySQLPosition {
	return &MySQLPosition{File: pos.Name, Position: pos.Pos}
}

// ToMySQLPosition converts to go-mysql Position
func (mp *MySQLPosition) ToMySQLPosition() mysql.Position {
	return mysql.Position{Name: mp.File, Pos: mp.Position}
}

func (mp *MySQLPosition) Kind() string { return KindMySQL }

func (mp *MySQLPosition) Serialize() ([]byte, error) {
	return json.Marshal(mp)
}

func (mp *MySQLPosition) Deserialize(data []byte) error {
	return json.Unmarshal(data, mp)
}

func (mp *MySQLPosition) String() string {
	return fmt.Sprintf("file=%s, pos=%d", mp.File, mp.Position)
}

// IsValid checks if the position is valid
func (mp *MySQLPosition) IsValid() bool {
	return mp.File != "" && mp.Position > 0
}

// Compare orders by binlog file sequence, then offset.
func (mp *MySQLPosition) Compare(other Position) int {
	o, ok := other.(*MySQLPosition)
	if !ok {
		return -1
	}
	return mp.ToMySQLPosition().Compare(o.ToMySQLPosition())
}
