package replicache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/replichat/backend/internal/blob"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// ServiceError wraps a failure with a stable machine-readable code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew   = "replicache.service.new"
	opProcessPush  = "replicache.process_push"
	opGeneratePull = "replicache.generate_pull"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig carries the dependencies for a Service.
type ServiceConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Service owns the mutation-application (push) and incremental-diff (pull)
// protocols over the message log.
type Service struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewService validates dependencies and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{db: cfg.Database, logger: logger}, nil
}

// PushRequest is one client-submitted batch of sequenced mutations.
type PushRequest struct {
	ClientID  string     `json:"clientID"`
	Mutations []Mutation `json:"mutations"`
}

// PushResult reports what a processed batch did. Stopped is true when a
// sequence gap truncated the batch; the prefix applied so far still commits.
type PushResult struct {
	ClientID       ClientID
	Version        int64
	LastMutationID int64
	Applied        int
	Skipped        int
	Stopped        bool
}

// ProcessPush applies a batch of mutations exactly once, in client order,
// inside a single transaction. All rows created by the batch share one value
// from the global version sequence, so a later pull observes either the whole
// batch or none of it. Re-delivered mutations are skipped by sequence number;
// a future sequence number stops the batch without error.
func (s *Service) ProcessPush(ctx context.Context, request PushRequest) (PushResult, error) {
	clientID, err := NewClientID(request.ClientID)
	if err != nil {
		s.logError(opProcessPush, "invalid_client_id", err)
		return PushResult{}, newServiceError(opProcessPush, "invalid_client_id", err)
	}

	result := PushResult{ClientID: clientID}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		version, err := s.nextVersion(tx)
		if err != nil {
			s.logError(opProcessPush, "version_allocation_failed", err, zap.String("client_id", clientID.String()))
			return newServiceError(opProcessPush, "version_allocation_failed", err)
		}
		result.Version = version

		lastMutationID, err := s.lockCursor(tx, clientID)
		if err != nil {
			s.logError(opProcessPush, "cursor_select_failed", err, zap.String("client_id", clientID.String()))
			return newServiceError(opProcessPush, "cursor_select_failed", err)
		}

		for _, mutation := range request.Mutations {
			expected := lastMutationID + 1
			if mutation.ID < expected {
				s.logger.Debug("mutation already processed, skipping",
					zap.String("client_id", clientID.String()),
					zap.Int64("mutation_id", mutation.ID),
					zap.Int64("expected", expected))
				result.Skipped++
				continue
			}
			if mutation.ID > expected {
				s.logger.Warn("mutation sequence gap, stopping batch",
					zap.String("client_id", clientID.String()),
					zap.Int64("mutation_id", mutation.ID),
					zap.Int64("expected", expected))
				result.Stopped = true
				break
			}

			kind, err := ParseMutationKind(mutation.Name)
			if err != nil {
				s.logError(opProcessPush, "unknown_mutation", err,
					zap.String("client_id", clientID.String()),
					zap.Int64("mutation_id", mutation.ID))
				return newServiceError(opProcessPush, "unknown_mutation", err)
			}

			switch kind {
			case MutationKindCreateMessage:
				if err := applyCreateMessage(tx, mutation.Args, version); err != nil {
					s.logError(opProcessPush, "create_message_failed", err,
						zap.String("client_id", clientID.String()),
						zap.Int64("mutation_id", mutation.ID))
					return newServiceError(opProcessPush, "create_message_failed", err)
				}
			}

			lastMutationID = expected
			result.Applied++
		}

		cursor := ReplicacheClient{ID: clientID.String(), LastMutationID: lastMutationID}
		err = tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_mutation_id"}),
		}).Create(&cursor).Error
		if err != nil {
			s.logError(opProcessPush, "cursor_save_failed", err, zap.String("client_id", clientID.String()))
			return newServiceError(opProcessPush, "cursor_save_failed", err)
		}

		result.LastMutationID = lastMutationID
		return nil
	})
	if txErr != nil {
		return PushResult{}, txErr
	}

	s.logger.Info("push processed",
		zap.String("client_id", clientID.String()),
		zap.Int64("version", result.Version),
		zap.Int64("last_mutation_id", result.LastMutationID),
		zap.Int("applied", result.Applied),
		zap.Int("skipped", result.Skipped),
		zap.Bool("stopped", result.Stopped))
	return result, nil
}

// PullRequest asks for every change after the supplied version cookie.
// A zero cookie means "from the beginning".
type PullRequest struct {
	ClientID string `json:"clientID"`
	Cookie   int64  `json:"cookie"`
}

// PatchOperation is one put a client applies to its local replicated cache.
type PatchOperation struct {
	Op    string `json:"op"`
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// MessageValue is the patch value for a message key.
type MessageValue struct {
	From       string  `json:"from"`
	Content    string  `json:"content"`
	Order      int64   `json:"order"`
	Attachment *string `json:"attachment,omitempty"`
}

// BlobValue is the patch value for a blob-presence key.
type BlobValue struct {
	Uploaded bool `json:"uploaded"`
}

// PullResponse carries the diff that brings a client up to the new cookie.
type PullResponse struct {
	LastMutationID int64            `json:"lastMutationID"`
	Cookie         int64            `json:"cookie"`
	Patch          []PatchOperation `json:"patch"`
}

// GeneratePull computes, in one transaction, the set of puts a client needs
// after its last-seen version: one message put per row with version above the
// cookie, plus a blob-presence put for every referenced attachment that has
// been uploaded. The new cookie is the maximum version in the log, or 0 when
// the log is empty.
func (s *Service) GeneratePull(ctx context.Context, request PullRequest) (PullResponse, error) {
	clientID, err := NewClientID(request.ClientID)
	if err != nil {
		s.logError(opGeneratePull, "invalid_client_id", err)
		return PullResponse{}, newServiceError(opGeneratePull, "invalid_client_id", err)
	}

	response := PullResponse{Patch: make([]PatchOperation, 0)}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lastMutationID, err := s.loadCursor(tx, clientID)
		if err != nil {
			s.logError(opGeneratePull, "cursor_select_failed", err, zap.String("client_id", clientID.String()))
			return newServiceError(opGeneratePull, "cursor_select_failed", err)
		}
		response.LastMutationID = lastMutationID

		var changed []Message
		if err := tx.Where("version > ?", request.Cookie).Find(&changed).Error; err != nil {
			s.logError(opGeneratePull, "message_select_failed", err, zap.String("client_id", clientID.String()))
			return newServiceError(opGeneratePull, "message_select_failed", err)
		}

		var cookie int64
		err = tx.Model(&Message{}).Select("COALESCE(MAX(version), 0)").Scan(&cookie).Error
		if err != nil {
			s.logError(opGeneratePull, "cookie_select_failed", err, zap.String("client_id", clientID.String()))
			return newServiceError(opGeneratePull, "cookie_select_failed", err)
		}
		response.Cookie = cookie

		attachments := make([]string, 0)
		for _, message := range changed {
			if message.Attachment != nil && *message.Attachment != "" {
				attachments = append(attachments, *message.Attachment)
			}
		}
		uploaded, err := blob.ExistingHashes(tx, attachments)
		if err != nil {
			s.logError(opGeneratePull, "blob_presence_failed", err, zap.String("client_id", clientID.String()))
			return newServiceError(opGeneratePull, "blob_presence_failed", err)
		}

		emittedBlobs := make(map[string]bool)
		for _, message := range changed {
			response.Patch = append(response.Patch, PatchOperation{
				Op:  "put",
				Key: "message/" + message.ID,
				Value: MessageValue{
					From:       message.Sender,
					Content:    message.Content,
					Order:      message.Ord,
					Attachment: message.Attachment,
				},
			})
			if message.Attachment == nil {
				continue
			}
			hash := *message.Attachment
			if !uploaded[hash] || emittedBlobs[hash] {
				continue
			}
			emittedBlobs[hash] = true
			response.Patch = append(response.Patch, PatchOperation{
				Op:    "put",
				Key:   "blob/" + hash,
				Value: BlobValue{Uploaded: true},
			})
		}
		return nil
	})
	if txErr != nil {
		return PullResponse{}, txErr
	}

	s.logger.Debug("pull generated",
		zap.String("client_id", clientID.String()),
		zap.Int64("from_cookie", request.Cookie),
		zap.Int64("cookie", response.Cookie),
		zap.Int("patch_size", len(response.Patch)))
	return response, nil
}

// nextVersion advances the global version sequence under the caller's
// transaction. The row lock serializes concurrent pushes across all server
// instances sharing the store.
func (s *Service) nextVersion(tx *gorm.DB) (int64, error) {
	var counter VersionCounter
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Take(&counter, "name = ?", VersionCounterName).Error
	if err != nil {
		return 0, err
	}
	counter.Value++
	err = tx.Model(&VersionCounter{}).
		Where("name = ?", VersionCounterName).
		Update("value", counter.Value).Error
	if err != nil {
		return 0, err
	}
	return counter.Value, nil
}

// lockCursor reads a client's cursor under a row lock so two concurrent
// pushes from the same client cannot both observe the same stale value.
// An unknown client starts at 0.
func (s *Service) lockCursor(tx *gorm.DB, clientID ClientID) (int64, error) {
	var client ReplicacheClient
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Take(&client, "id = ?", clientID.String()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return client.LastMutationID, nil
}

func (s *Service) loadCursor(tx *gorm.DB, clientID ClientID) (int64, error) {
	var client ReplicacheClient
	err := tx.Take(&client, "id = ?", clientID.String()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return client.LastMutationID, nil
}

func applyCreateMessage(tx *gorm.DB, rawArgs json.RawMessage, version int64) error {
	var args CreateMessageArgs
	if err := json.Unmarshal(rawArgs, &args); err != nil {
		return fmt.Errorf("decode args: %w", err)
	}
	if args.ID == "" || len(args.ID) > maxIdentifierLength {
		return fmt.Errorf("%w: %q", ErrInvalidMessageID, args.ID)
	}

	message := Message{
		ID:         args.ID,
		Sender:     args.From,
		Content:    args.Content,
		Ord:        args.Order,
		Attachment: args.Attachment,
		Version:    version,
	}
	return tx.Create(&message).Error
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("replicache service error", attrs...)
}
