package blob

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestParseHash(t *testing.T) {
	valid := strings.Repeat("ab12", 16)

	tests := []struct {
		name        string
		input       string
		expectError bool
	}{
		{name: "valid", input: valid},
		{name: "too-short", input: valid[:63], expectError: true},
		{name: "too-long", input: valid + "a", expectError: true},
		{name: "uppercase", input: strings.ToUpper(valid), expectError: true},
		{name: "non-hex", input: strings.Repeat("zz12", 16), expectError: true},
		{name: "empty", input: "", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hash, err := ParseHash(tt.input)
			if tt.expectError {
				if !errors.Is(err, ErrInvalidHash) {
					t.Fatalf("expected ErrInvalidHash, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if hash.String() != tt.input {
				t.Fatalf("expected %q, got %q", tt.input, hash.String())
			}
		})
	}
}

func TestDigestKnownVector(t *testing.T) {
	// SHA-256 of the empty payload.
	const emptyDigest = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if Digest(nil).String() != emptyDigest {
		t.Fatalf("unexpected digest %q", Digest(nil).String())
	}
}

func TestPutAndGetRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)

	payload := []byte("binary attachment payload")
	hash := Digest(payload)

	if err := store.Put(context.Background(), hash, payload); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	loaded, err := store.Get(context.Background(), hash)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if string(loaded) != string(payload) {
		t.Fatalf("round trip mismatch: %q", loaded)
	}
}

func TestPutRejectsMismatchedHash(t *testing.T) {
	store, db := newTestStore(t)

	payload := []byte("real content")
	claimed := Digest([]byte("different content"))

	err := store.Put(context.Background(), claimed, payload)
	if !errors.Is(err, ErrHashMismatch) {
		t.Fatalf("expected ErrHashMismatch, got %v", err)
	}

	var count int64
	if err := db.Model(&Blob{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count blobs: %v", err)
	}
	if count != 0 {
		t.Fatalf("rejected upload must not store data, found %d rows", count)
	}
}

func TestPutDuplicateIsNoOp(t *testing.T) {
	store, db := newTestStore(t)

	payload := []byte("stored once")
	hash := Digest(payload)

	if err := store.Put(context.Background(), hash, payload); err != nil {
		t.Fatalf("first put failed: %v", err)
	}
	if err := store.Put(context.Background(), hash, payload); err != nil {
		t.Fatalf("duplicate put must succeed: %v", err)
	}

	var count int64
	if err := db.Model(&Blob{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count blobs: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one physical copy, got %d", count)
	}
}

func TestGetMissingBlob(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Get(context.Background(), Digest([]byte("never uploaded")))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetDetectsStoredCorruption(t *testing.T) {
	store, db := newTestStore(t)

	payload := []byte("payload before corruption")
	hash := Digest(payload)
	if err := store.Put(context.Background(), hash, payload); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	err := db.Model(&Blob{}).
		Where("hash = ?", hash.String()).
		Update("data", []byte("corrupted bytes")).Error
	if err != nil {
		t.Fatalf("failed to corrupt stored row: %v", err)
	}

	_, err = store.Get(context.Background(), hash)
	if !errors.Is(err, ErrHashMismatch) {
		t.Fatalf("expected ErrHashMismatch for corrupted row, got %v", err)
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatalf("corruption must be reported distinctly from not-found")
	}
}

func TestExistingHashes(t *testing.T) {
	store, db := newTestStore(t)

	payload := []byte("present")
	hash := Digest(payload)
	if err := store.Put(context.Background(), hash, payload); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	missing := Digest([]byte("absent")).String()
	present, err := ExistingHashes(db, []string{hash.String(), missing})
	if err != nil {
		t.Fatalf("presence check failed: %v", err)
	}
	if !present[hash.String()] {
		t.Fatalf("stored hash must be reported present")
	}
	if present[missing] {
		t.Fatalf("missing hash must not be reported present")
	}

	empty, err := ExistingHashes(db, nil)
	if err != nil {
		t.Fatalf("empty presence check failed: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected empty result, got %#v", empty)
	}
}

func newTestStore(t *testing.T) (*Store, *gorm.DB) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "blobs.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Blob{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	store, err := NewStore(StoreConfig{Database: db, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store, db
}
