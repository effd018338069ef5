package project

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/Longshot123/collabREate/internal/perms"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	globalIDBytes = 32

	// gpid collisions are a 2^-256 event; the retry cap only exists so
	// a broken random source cannot spin forever.
	maxGlobalIDAttempts = 16
)

var (
	// ErrNotFound covers missing rows and rows hidden by the protocol
	// version gate; callers cannot tell the two apart.
	ErrNotFound = errors.New("project: not found")

	errMissingDatabase = errors.New("project: database handle is required")
)

// PeerCounter reports how many live sessions are joined to a project.
// The session registry satisfies it.
type PeerCounter interface {
	SizeOf(projectID uint64) int
}

// RegistryConfig describes the dependencies of the project registry.
type RegistryConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
	Peers    PeerCounter
	Protocol uint32
}

// Registry owns project metadata: creation with globally unique ids,
// lookups gated by protocol version, fork lineage and permission
// updates.
type Registry struct {
	db       *gorm.DB
	logger   *zap.Logger
	peers    PeerCounter
	protocol uint32
}

// NewRegistry constructs the registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	protocol := cfg.Protocol
	if protocol == 0 {
		protocol = ProtocolVersion
	}
	return &Registry{
		db:       cfg.Database,
		logger:   logger,
		peers:    cfg.Peers,
		protocol: protocol,
	}, nil
}

// WithTx returns a registry bound to the supplied transaction handle.
// Used by the coordinator to make fork sequences atomic.
func (r *Registry) WithTx(tx *gorm.DB) *Registry {
	return &Registry{db: tx, logger: r.logger, peers: r.peers, protocol: r.protocol}
}

// Create inserts a new project under a freshly sampled 256-bit global
// id. Insertion is optimistic: on a gpid uniqueness violation a new id
// is sampled and the insert retried, so concurrent creators never race
// a pre-check.
func (r *Registry) Create(ctx context.Context, owner, contentHash, description string, pub, sub perms.Mask) (Project, error) {
	for attempt := 0; attempt < maxGlobalIDAttempts; attempt++ {
		gpid, err := newGlobalID()
		if err != nil {
			return Project{}, err
		}
		record := Project{
			GlobalID:      gpid,
			ContentHash:   contentHash,
			Description:   description,
			Owner:         owner,
			PublishMask:   pub,
			SubscribeMask: sub,
			Protocol:      r.protocol,
		}
		err = r.db.WithContext(ctx).Create(&record).Error
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			r.logger.Debug("global id collision, retrying", zap.String("gpid", gpid))
			continue
		}
		if err != nil {
			return Project{}, fmt.Errorf("project: create: %w", err)
		}
		r.logger.Info("project created",
			zap.Uint64("pid", record.LocalID),
			zap.String("hash", contentHash),
			zap.String("owner", owner))
		return record, nil
	}
	return Project{}, errors.New("project: exhausted global id attempts")
}

// Migrate inserts a project imported from another server under its
// existing global id.
func (r *Registry) Migrate(ctx context.Context, owner, gpid, contentHash, description string, pub, sub perms.Mask) (Project, error) {
	record := Project{
		GlobalID:      gpid,
		ContentHash:   contentHash,
		Description:   description,
		Owner:         owner,
		PublishMask:   pub,
		SubscribeMask: sub,
		Protocol:      r.protocol,
	}
	if err := r.db.WithContext(ctx).Create(&record).Error; err != nil {
		return Project{}, fmt.Errorf("project: migrate: %w", err)
	}
	r.logger.Info("project migrated",
		zap.Uint64("pid", record.LocalID),
		zap.String("gpid", gpid),
		zap.String("owner", owner))
	return record, nil
}

// CreateSnapshot pins the source project's history at cutoffUpdateID
// under a new immutable project and records its lineage. No updates are
// copied; a snapshot only serves as a fork source.
func (r *Registry) CreateSnapshot(ctx context.Context, sourceID uint64, owner, description string, cutoffUpdateID uint64) (Project, error) {
	source, err := r.ByLocalID(ctx, sourceID)
	if err != nil {
		return Project{}, err
	}

	var snapshot Project
	txErr := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		scoped := r.WithTx(tx)
		for attempt := 0; attempt < maxGlobalIDAttempts; attempt++ {
			gpid, err := newGlobalID()
			if err != nil {
				return err
			}
			snapshot = Project{
				GlobalID:         gpid,
				ContentHash:      source.ContentHash,
				Description:      description,
				Owner:            owner,
				Protocol:         r.protocol,
				SnapshotUpdateID: cutoffUpdateID,
			}
			err = tx.Create(&snapshot).Error
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				continue
			}
			if err != nil {
				return fmt.Errorf("project: create snapshot: %w", err)
			}
			return scoped.RecordFork(ctx, snapshot.LocalID, source.LocalID)
		}
		return errors.New("project: exhausted global id attempts")
	})
	if txErr != nil {
		return Project{}, txErr
	}
	r.logger.Info("snapshot created",
		zap.Uint64("pid", snapshot.LocalID),
		zap.Uint64("source", sourceID),
		zap.Uint64("cutoff", cutoffUpdateID))
	return snapshot, nil
}

// ByLocalID fetches a project by server-local id. Rows written by
// another protocol version report ErrNotFound.
func (r *Registry) ByLocalID(ctx context.Context, localID uint64) (Project, error) {
	var record Project
	err := r.db.WithContext(ctx).
		Where("pid = ? AND protocol = ?", localID, r.protocol).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Project{}, ErrNotFound
	}
	if err != nil {
		return Project{}, fmt.Errorf("project: lookup by pid: %w", err)
	}
	return record, nil
}

// LocalIDByGlobal resolves a global id to this server's local id.
func (r *Registry) LocalIDByGlobal(ctx context.Context, globalID string) (uint64, error) {
	var record Project
	err := r.db.WithContext(ctx).
		Where("gpid = ? AND protocol = ?", globalID, r.protocol).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("project: lookup by gpid: %w", err)
	}
	return record.LocalID, nil
}

// ByContentHash lists every protocol-compatible project for the given
// content hash, enriched with parent lineage and connected peer counts.
func (r *Registry) ByContentHash(ctx context.Context, contentHash string) ([]Info, error) {
	var records []Project
	err := r.db.WithContext(ctx).
		Where("hash = ? AND protocol = ?", contentHash, r.protocol).
		Order("pid ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("project: list by hash: %w", err)
	}
	infos := make([]Info, 0, len(records))
	for _, record := range records {
		info, err := r.describe(ctx, record)
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// DescribeByLocalID returns the enriched read model for one project.
func (r *Registry) DescribeByLocalID(ctx context.Context, localID uint64) (Info, error) {
	record, err := r.ByLocalID(ctx, localID)
	if err != nil {
		return Info{}, err
	}
	return r.describe(ctx, record)
}

// ParentOf returns the fork parent of the given project, or ErrNotFound
// when the project is a lineage root.
func (r *Registry) ParentOf(ctx context.Context, childID uint64) (uint64, error) {
	var edge ForkEdge
	err := r.db.WithContext(ctx).Where("child = ?", childID).Take(&edge).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("project: parent lookup: %w", err)
	}
	return edge.ParentID, nil
}

// RecordFork inserts the lineage edge for a fork or snapshot child.
func (r *Registry) RecordFork(ctx context.Context, childID, parentID uint64) error {
	edge := ForkEdge{ChildID: childID, ParentID: parentID}
	if err := r.db.WithContext(ctx).Create(&edge).Error; err != nil {
		return fmt.Errorf("project: record fork: %w", err)
	}
	return nil
}

// SetPermissions persists new project publish/subscribe masks. Caller
// authorization (owner only) is the coordinator's concern.
func (r *Registry) SetPermissions(ctx context.Context, localID uint64, pub, sub perms.Mask) error {
	result := r.db.WithContext(ctx).Model(&Project{}).
		Where("pid = ? AND protocol = ?", localID, r.protocol).
		Updates(map[string]interface{}{"pub": pub, "sub": sub})
	if result.Error != nil {
		return fmt.Errorf("project: set permissions: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Registry) describe(ctx context.Context, record Project) (Info, error) {
	info := Info{Project: record}
	parentID, err := r.ParentOf(ctx, record.LocalID)
	if err == nil {
		info.ParentID = parentID
		parent, err := r.ByLocalID(ctx, parentID)
		if err == nil {
			info.ParentDescription = parent.Description
		} else if !errors.Is(err, ErrNotFound) {
			return Info{}, err
		}
	} else if !errors.Is(err, ErrNotFound) {
		return Info{}, err
	}
	if r.peers != nil {
		info.ConnectedPeers = r.peers.SizeOf(record.LocalID)
	}
	return info, nil
}

func newGlobalID() (string, error) {
	raw := make([]byte, globalIDBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("project: global id generation: %w", err)
	}
	return hex.EncodeToString(raw), nil
}
