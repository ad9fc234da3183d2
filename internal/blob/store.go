package blob

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// StoreConfig carries the dependencies for a Store.
type StoreConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Store provides content-addressed persistence of opaque binary objects.
// Every write re-derives the digest of the payload and every read re-derives
// the digest of the stored bytes, so callers never observe content that does
// not match its claimed hash.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStore validates dependencies and returns a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("blob.store.new: %w", errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, logger: logger}, nil
}

// Put stores a payload under its digest. A duplicate upload of identical
// content is a success with no write; a payload that does not hash to the
// supplied digest is rejected with ErrHashMismatch before anything is stored.
func (s *Store) Put(ctx context.Context, hash Hash, data []byte) error {
	if computed := Digest(data); computed != hash {
		s.logger.Warn("blob upload rejected",
			zap.String("claimed_hash", hash.String()),
			zap.String("computed_hash", computed.String()),
			zap.Int("size", len(data)))
		return fmt.Errorf("%w: claimed %s", ErrHashMismatch, hash)
	}

	record := Blob{Hash: hash.String(), Data: data}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&record).Error
	if err != nil {
		s.logger.Error("blob insert failed", zap.String("hash", hash.String()), zap.Error(err))
		return fmt.Errorf("blob.store.put: %w", err)
	}

	s.logger.Debug("blob stored", zap.String("hash", hash.String()), zap.Int("size", len(data)))
	return nil
}

// Get fetches a payload by digest and rechecks its integrity. An absent row
// yields ErrNotFound; stored bytes that no longer hash to the key yield
// ErrHashMismatch, reported distinctly because the caller must not trust the
// payload.
func (s *Store) Get(ctx context.Context, hash Hash) ([]byte, error) {
	var record Blob
	err := s.db.WithContext(ctx).Take(&record, "hash = ?", hash.String()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	if err != nil {
		s.logger.Error("blob select failed", zap.String("hash", hash.String()), zap.Error(err))
		return nil, fmt.Errorf("blob.store.get: %w", err)
	}

	if computed := Digest(record.Data); computed != hash {
		s.logger.Error("blob failed integrity recheck",
			zap.String("hash", hash.String()),
			zap.String("computed_hash", computed.String()))
		return nil, fmt.Errorf("%w: stored content for %s", ErrHashMismatch, hash)
	}

	return record.Data, nil
}

// ExistingHashes filters the supplied digests down to those present in the
// store, using the caller's transaction handle so pull diffs observe a
// consistent snapshot.
func ExistingHashes(tx *gorm.DB, hashes []string) (map[string]bool, error) {
	present := make(map[string]bool, len(hashes))
	if len(hashes) == 0 {
		return present, nil
	}
	var stored []string
	if err := tx.Model(&Blob{}).Where("hash IN ?", hashes).Pluck("hash", &stored).Error; err != nil {
		return nil, fmt.Errorf("blob.store.existing: %w", err)
	}
	for _, hash := range stored {
		present[hash] = true
	}
	return present, nil
}
