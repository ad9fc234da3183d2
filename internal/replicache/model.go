package replicache

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidClientID indicates that a sync client identifier is empty or exceeds storage bounds.
	ErrInvalidClientID = errors.New("replicache: invalid client id")
	// ErrInvalidMessageID indicates that a message identifier is empty or exceeds storage bounds.
	ErrInvalidMessageID = errors.New("replicache: invalid message id")
)

// ClientID represents a validated sync client identifier.
type ClientID string

// NewClientID validates raw input and returns a ClientID.
func NewClientID(rawInput string) (ClientID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidClientID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidClientID, maxIdentifierLength)
	}
	return ClientID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ClientID) String() string {
	return string(id)
}

// Message models one immutable record in the synchronized log. Rows are
// created inside a push transaction and never updated or deleted; version is
// assigned from the global counter at insertion time and is the sole sync
// cursor field.
type Message struct {
	ID         string  `gorm:"column:id;primaryKey;size:190;not null"`
	Sender     string  `gorm:"column:sender;size:255;not null"`
	Content    string  `gorm:"column:content;type:text;not null"`
	Ord        int64   `gorm:"column:ord;not null"`
	Attachment *string `gorm:"column:attachment;size:64"`
	Version    int64   `gorm:"column:version;not null;index:idx_message_version"`
}

// TableName provides the explicit table binding for GORM.
func (Message) TableName() string {
	return "message"
}

// ReplicacheClient tracks the highest mutation sequence number durably
// applied for one sync client. It is the de-duplication cursor for
// at-least-once mutation delivery.
type ReplicacheClient struct {
	ID             string `gorm:"column:id;primaryKey;size:190;not null"`
	LastMutationID int64  `gorm:"column:last_mutation_id;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ReplicacheClient) TableName() string {
	return "replicache_client"
}

// VersionCounterName keys the single global version sequence row.
const VersionCounterName = "version"

// VersionCounter holds a named monotonic counter. The version sequence lives
// in the store rather than process memory so it stays correct when several
// server instances share one database.
type VersionCounter struct {
	Name  string `gorm:"column:name;primaryKey;size:32;not null"`
	Value int64  `gorm:"column:value;not null"`
}

// TableName provides the explicit table binding for GORM.
func (VersionCounter) TableName() string {
	return "version_counters"
}
