package blob

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

const hashLength = 64

var (
	// ErrInvalidHash indicates an identifier that is not a 64-character
	// lowercase hexadecimal digest. Rejected before touching storage.
	ErrInvalidHash = errors.New("blob: invalid hash")
	// ErrHashMismatch indicates that content does not hash to its claimed
	// digest, on upload or on a stored-bytes recheck.
	ErrHashMismatch = errors.New("blob: hash does not match content")
	// ErrNotFound indicates that no blob exists for the requested digest.
	ErrNotFound = errors.New("blob: not found")
)

// Hash represents a validated content digest identifier.
type Hash string

// ParseHash validates raw input and returns a Hash.
func ParseHash(rawInput string) (Hash, error) {
	if len(rawInput) != hashLength {
		return "", fmt.Errorf("%w: expected %d characters, got %d", ErrInvalidHash, hashLength, len(rawInput))
	}
	for _, char := range rawInput {
		isDigit := char >= '0' && char <= '9'
		isLowerHex := char >= 'a' && char <= 'f'
		if !isDigit && !isLowerHex {
			return "", fmt.Errorf("%w: non-hex character %q", ErrInvalidHash, char)
		}
	}
	return Hash(rawInput), nil
}

// String returns the underlying hex digest.
func (h Hash) String() string {
	return string(h)
}

// Digest computes the canonical content digest for a payload.
func Digest(data []byte) Hash {
	sum := sha256.Sum256(data)
	return Hash(hex.EncodeToString(sum[:]))
}

// Blob models one content-addressed binary object. The store is append-only
// and write-once per hash; rows are never updated or deleted.
type Blob struct {
	Hash string `gorm:"column:hash;primaryKey;size:64;not null"`
	Data []byte `gorm:"column:data;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Blob) TableName() string {
	return "blob"
}
