package updatelog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Longshot123/collabREate/internal/project"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const copyBatchSize = 200

var (
	// ErrSnapshotProject rejects appends to an immutable snapshot.
	ErrSnapshotProject = errors.New("updatelog: project is a snapshot")

	errMissingDatabase = errors.New("updatelog: database handle is required")
)

// Update is one appended record in a project's history. UpdateID is
// assigned by the store at append time and is monotonic across the
// whole server, so cross-project ordering reflects global append order.
type Update struct {
	UpdateID  uint64         `gorm:"column:updateid;primaryKey;autoIncrement"`
	ProjectID uint64         `gorm:"column:pid;not null;index"`
	Author    string         `gorm:"column:username;size:64;not null"`
	Command   string         `gorm:"column:cmd;size:64;not null"`
	Payload   datatypes.JSON `gorm:"column:json"`
	CreatedAt time.Time      `gorm:"column:created_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Update) TableName() string {
	return "updates"
}

// StoreConfig describes the dependencies of the update log store.
type StoreConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Store is the append-only, globally ordered update log partitioned by
// project.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStore constructs the update log store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, logger: logger}, nil
}

// WithTx returns a store bound to the supplied transaction handle.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	return &Store{db: tx, logger: s.logger}
}

// Append assigns the next server-wide update id and persists the
// record. The target project is re-read inside the insert transaction
// so an append can never land on a snapshot, even racing a concurrent
// snapshot creation.
func (s *Store) Append(ctx context.Context, projectID uint64, author, command string, payload datatypes.JSON) (Update, error) {
	record := Update{
		ProjectID: projectID,
		Author:    author,
		Command:   command,
		Payload:   payload,
	}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var target project.Project
		if err := tx.Where("pid = ?", projectID).Take(&target).Error; err != nil {
			return fmt.Errorf("updatelog: project lookup: %w", err)
		}
		if target.IsSnapshot() {
			return ErrSnapshotProject
		}
		return tx.Create(&record).Error
	})
	if txErr != nil {
		return Update{}, txErr
	}
	s.logger.Debug("update appended",
		zap.Uint64("updateid", record.UpdateID),
		zap.Uint64("pid", projectID),
		zap.String("cmd", command))
	return record, nil
}

// Since returns every update of the project with id greater than
// lastSeen, ascending. Used to replay history to a (re)joining client.
func (s *Store) Since(ctx context.Context, projectID, lastSeen uint64) ([]Update, error) {
	var records []Update
	err := s.db.WithContext(ctx).
		Where("pid = ? AND updateid > ?", projectID, lastSeen).
		Order("updateid ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("updatelog: read since: %w", err)
	}
	return records, nil
}

// CopyRange duplicates every update of the source project with id up to
// and including cutoff into the destination project under fresh ids,
// preserving command, payload and relative order. The whole copy runs
// in one transaction so the cutoff is a consistent snapshot read, not a
// moving target against concurrent appends.
func (s *Store) CopyRange(ctx context.Context, sourceID, cutoff, destID uint64) (int64, error) {
	var copied int64
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sources []Update
		err := tx.
			Where("pid = ? AND updateid <= ?", sourceID, cutoff).
			Order("updateid ASC").
			Find(&sources).Error
		if err != nil {
			return fmt.Errorf("updatelog: copy range read: %w", err)
		}
		if len(sources) == 0 {
			return nil
		}
		clones := make([]Update, 0, len(sources))
		for _, source := range sources {
			clones = append(clones, Update{
				ProjectID: destID,
				Author:    source.Author,
				Command:   source.Command,
				Payload:   source.Payload,
			})
		}
		if err := tx.CreateInBatches(&clones, copyBatchSize).Error; err != nil {
			return fmt.Errorf("updatelog: copy range write: %w", err)
		}
		copied = int64(len(clones))
		return nil
	})
	if txErr != nil {
		return 0, txErr
	}
	s.logger.Info("update range copied",
		zap.Uint64("source", sourceID),
		zap.Uint64("dest", destID),
		zap.Uint64("cutoff", cutoff),
		zap.Int64("count", copied))
	return copied, nil
}
