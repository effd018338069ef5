package collab

import (
	"context"
	"errors"
	"fmt"

	"github.com/Longshot123/collabREate/internal/perms"
	"github.com/Longshot123/collabREate/internal/project"
	"github.com/Longshot123/collabREate/internal/session"
	"github.com/Longshot123/collabREate/internal/updatelog"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	// ErrNoSuchProject covers unknown local ids and protocol mismatches.
	ErrNoSuchProject = errors.New("collab: no such project")
	// ErrCannotJoinSnapshot rejects joining an immutable snapshot;
	// snapshots can only be forked from.
	ErrCannotJoinSnapshot = errors.New("collab: cannot join a snapshot, fork it instead")
	// ErrNotASnapshot rejects snapshot-forking a live project.
	ErrNotASnapshot = errors.New("collab: project is not a snapshot")
	// ErrForkFailed reports a fork whose persistent steps could not
	// complete; the session is returned to its original project.
	ErrForkFailed = errors.New("collab: fork failed")
	// ErrPermissionDenied rejects an operation the session's effective
	// masks do not permit.
	ErrPermissionDenied = errors.New("collab: permission denied")
	// ErrNotJoined rejects operations that require a current project.
	ErrNotJoined = errors.New("collab: session is not joined to a project")

	errMissingDatabase = errors.New("collab: database handle is required")
	errMissingRegistry = errors.New("collab: project registry is required")
	errMissingLog      = errors.New("collab: update log store is required")
	errMissingSessions = errors.New("collab: session registry is required")
)

// CoordinatorConfig describes the collaborators the coordinator
// composes.
type CoordinatorConfig struct {
	Database *gorm.DB
	Projects *project.Registry
	Updates  *updatelog.Store
	Sessions *session.Registry
	Logger   *zap.Logger
}

// Coordinator orchestrates joins, posts, forks, snapshots and
// permission updates across the registry, the update log and the live
// session set.
type Coordinator struct {
	db       *gorm.DB
	projects *project.Registry
	updates  *updatelog.Store
	sessions *session.Registry
	logger   *zap.Logger
}

// NewCoordinator constructs the coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Projects == nil {
		return nil, errMissingRegistry
	}
	if cfg.Updates == nil {
		return nil, errMissingLog
	}
	if cfg.Sessions == nil {
		return nil, errMissingSessions
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		db:       cfg.Database,
		projects: cfg.Projects,
		updates:  cfg.Updates,
		sessions: cfg.Sessions,
		logger:   logger,
	}, nil
}

// JoinResult reports the joined project and how many other sessions
// were already connected to it.
type JoinResult struct {
	Project project.Project
	Peers   int
}

// CreateProject inserts a new project owned by the session's user and
// joins the session to it with full permissions.
func (c *Coordinator) CreateProject(ctx context.Context, s *session.Session, contentHash, description string, pub, sub perms.Mask) (project.Project, error) {
	record, err := c.projects.Create(ctx, s.Username, contentHash, description, pub, sub)
	if err != nil {
		return project.Project{}, err
	}
	s.Join(record.LocalID, record.ContentHash, record.GlobalID, perms.Full, perms.Full)
	c.sessions.Add(record.LocalID, s)
	return record, nil
}

// Join connects the session to an existing project, computing its
// effective masks from the project, account and requested masks. The
// project owner always joins with full permissions.
func (c *Coordinator) Join(ctx context.Context, s *session.Session, localID uint64) (JoinResult, error) {
	target, err := c.projects.ByLocalID(ctx, localID)
	if errors.Is(err, project.ErrNotFound) {
		return JoinResult{}, ErrNoSuchProject
	}
	if err != nil {
		return JoinResult{}, err
	}
	if target.IsSnapshot() {
		c.logger.Warn("attempted to join a snapshot",
			zap.Uint64("pid", localID), zap.String("username", s.Username))
		return JoinResult{}, ErrCannotJoinSnapshot
	}

	owner := s.Username == target.Owner
	reqPub, reqSub := s.Requested()
	effPub := perms.Effective(owner, target.PublishMask, s.UserPublish, reqPub)
	effSub := perms.Effective(owner, target.SubscribeMask, s.UserSubscribe, reqSub)

	s.Join(target.LocalID, target.ContentHash, target.GlobalID, effPub, effSub)
	c.sessions.Add(target.LocalID, s)

	c.logger.Info("session joined project",
		zap.Uint64("pid", target.LocalID),
		zap.String("username", s.Username),
		zap.Bool("owner", owner),
		zap.String("pub", effPub.String()),
		zap.String("sub", effSub.String()))

	return JoinResult{Project: target, Peers: c.sessions.SizeOf(target.LocalID) - 1}, nil
}

// Replay returns every update of the session's current project newer
// than lastSeen. Replay is not filtered by the subscribe mask: a client
// that previously held access replays the history it already saw, and
// filtering would desynchronize fork cutoffs.
func (c *Coordinator) Replay(ctx context.Context, s *session.Session, lastSeen uint64) ([]updatelog.Update, error) {
	projectID, joined := s.Project()
	if !joined {
		return nil, ErrNotJoined
	}
	return c.updates.Since(ctx, projectID, lastSeen)
}

// Post appends an update to the session's current project and
// broadcasts it to every joined peer whose effective subscribe mask
// covers the update's category. The permission check precedes the
// append, so a denied post leaves no trace.
func (c *Coordinator) Post(ctx context.Context, s *session.Session, command string, category perms.Mask, payload datatypes.JSON) (updatelog.Update, error) {
	projectID, joined := s.Project()
	if !joined {
		return updatelog.Update{}, ErrNotJoined
	}
	effPub, _ := s.Effective()
	if !effPub.Allows(category) {
		c.logger.Warn("publish denied",
			zap.Uint64("pid", projectID),
			zap.String("username", s.Username),
			zap.String("cmd", command),
			zap.String("category", category.String()))
		return updatelog.Update{}, ErrPermissionDenied
	}

	record, err := c.updates.Append(ctx, projectID, s.Username, command, payload)
	if err != nil {
		return updatelog.Update{}, err
	}

	event := session.Event{
		Type:      session.EventUpdate,
		UpdateID:  record.UpdateID,
		ProjectID: record.ProjectID,
		Author:    record.Author,
		Command:   record.Command,
		Payload:   record.Payload,
	}
	for _, member := range c.sessions.Members(projectID) {
		if member.ID == s.ID {
			continue
		}
		_, effSub := member.Effective()
		if !effSub.Allows(category) {
			continue
		}
		member.Deliver(event)
	}
	return record, nil
}

// Fork branches the session's current project at cutoffUpdateID into a
// new project owned by the session's user. Project creation, lineage
// insert and update copy run in one transaction; on failure the session
// is returned to its original project and ErrForkFailed reported.
// Remaining peers of the old project receive a fork-follow offer.
func (c *Coordinator) Fork(ctx context.Context, s *session.Session, cutoffUpdateID uint64, description string) (project.Project, error) {
	oldID, joined := s.Project()
	if !joined {
		return project.Project{}, ErrNotJoined
	}
	old, err := c.projects.ByLocalID(ctx, oldID)
	if errors.Is(err, project.ErrNotFound) {
		return project.Project{}, ErrNoSuchProject
	}
	if err != nil {
		return project.Project{}, err
	}

	c.sessions.Remove(s)
	child, err := c.forkInto(ctx, s, old.LocalID, old.ContentHash, description, old.PublishMask, old.SubscribeMask, old.LocalID, cutoffUpdateID)
	if err != nil {
		// roll the session back into its original project group
		c.sessions.Add(oldID, s)
		c.logger.Error("fork failed", zap.Uint64("pid", oldID), zap.Error(err))
		return project.Project{}, fmt.Errorf("%w: %v", ErrForkFailed, err)
	}

	s.Join(child.LocalID, child.ContentHash, child.GlobalID, perms.Full, perms.Full)
	c.sessions.Add(child.LocalID, s)

	c.sessions.Broadcast(oldID, s, session.Event{
		Type:        session.EventForkFollow,
		ProjectID:   oldID,
		Author:      s.Username,
		GlobalID:    child.GlobalID,
		Description: description,
		CutoffID:    cutoffUpdateID,
	})

	c.logger.Info("project forked",
		zap.Uint64("parent", oldID),
		zap.Uint64("child", child.LocalID),
		zap.Uint64("cutoff", cutoffUpdateID),
		zap.String("username", s.Username))
	return child, nil
}

// Snapshot pins the session's current project at cutoffUpdateID. The
// session stays on its current project; the snapshot exists only as a
// future fork source.
func (c *Coordinator) Snapshot(ctx context.Context, s *session.Session, cutoffUpdateID uint64, description string) (project.Project, error) {
	projectID, joined := s.Project()
	if !joined {
		return project.Project{}, ErrNotJoined
	}
	snapshot, err := c.projects.CreateSnapshot(ctx, projectID, s.Username, description, cutoffUpdateID)
	if errors.Is(err, project.ErrNotFound) {
		return project.Project{}, ErrNoSuchProject
	}
	return snapshot, err
}

// SnapshotFork branches from a snapshot: the copy source is the
// snapshot's recorded parent and the cutoff its pinned update id, not
// the caller's live project.
func (c *Coordinator) SnapshotFork(ctx context.Context, s *session.Session, snapshotLocalID uint64, description string, pub, sub perms.Mask) (project.Project, error) {
	oldID, joined := s.Project()
	if !joined {
		return project.Project{}, ErrNotJoined
	}
	snapshot, err := c.projects.ByLocalID(ctx, snapshotLocalID)
	if errors.Is(err, project.ErrNotFound) {
		return project.Project{}, ErrNoSuchProject
	}
	if err != nil {
		return project.Project{}, err
	}
	if !snapshot.IsSnapshot() {
		return project.Project{}, ErrNotASnapshot
	}
	parentID, err := c.projects.ParentOf(ctx, snapshot.LocalID)
	if err != nil {
		return project.Project{}, fmt.Errorf("%w: snapshot lineage missing: %v", ErrForkFailed, err)
	}

	c.sessions.Remove(s)
	child, err := c.forkInto(ctx, s, snapshot.LocalID, snapshot.ContentHash, description, pub, sub, parentID, snapshot.SnapshotUpdateID)
	if err != nil {
		c.sessions.Add(oldID, s)
		c.logger.Error("snapshot fork failed", zap.Uint64("snapshot", snapshotLocalID), zap.Error(err))
		return project.Project{}, fmt.Errorf("%w: %v", ErrForkFailed, err)
	}

	s.Join(child.LocalID, child.ContentHash, child.GlobalID, perms.Full, perms.Full)
	c.sessions.Add(child.LocalID, s)

	c.logger.Info("snapshot forked",
		zap.Uint64("snapshot", snapshotLocalID),
		zap.Uint64("copy_source", parentID),
		zap.Uint64("child", child.LocalID),
		zap.String("username", s.Username))
	return child, nil
}

// forkInto runs the persistent fork sequence in one transaction:
// create the child project, record the lineage edge against edgeParent,
// and copy the update prefix from copySource.
func (c *Coordinator) forkInto(ctx context.Context, s *session.Session, edgeParent uint64, contentHash, description string, pub, sub perms.Mask, copySource, cutoff uint64) (project.Project, error) {
	var child project.Project
	txErr := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		registry := c.projects.WithTx(tx)
		created, err := registry.Create(ctx, s.Username, contentHash, description, pub, sub)
		if err != nil {
			return err
		}
		if err := registry.RecordFork(ctx, created.LocalID, edgeParent); err != nil {
			return err
		}
		if _, err := c.updates.WithTx(tx).CopyRange(ctx, copySource, cutoff, created.LocalID); err != nil {
			return err
		}
		child = created
		return nil
	})
	if txErr != nil {
		return project.Project{}, txErr
	}
	return child, nil
}

// UpdatePermissions persists new project masks (owner only) and sweeps
// every connected peer, recomputing effective masks and notifying the
// peers whose masks actually changed.
func (c *Coordinator) UpdatePermissions(ctx context.Context, s *session.Session, pub, sub perms.Mask) error {
	projectID, joined := s.Project()
	if !joined {
		return ErrNotJoined
	}
	target, err := c.projects.ByLocalID(ctx, projectID)
	if errors.Is(err, project.ErrNotFound) {
		return ErrNoSuchProject
	}
	if err != nil {
		return err
	}
	if s.Username != target.Owner {
		return ErrPermissionDenied
	}

	if err := c.projects.SetPermissions(ctx, projectID, pub, sub); err != nil {
		return err
	}

	for _, member := range c.sessions.Members(projectID) {
		if member.ID == s.ID {
			continue
		}
		owner := member.Username == target.Owner
		reqPub, reqSub := member.Requested()
		newPub := perms.Effective(owner, pub, member.UserPublish, reqPub)
		newSub := perms.Effective(owner, sub, member.UserSubscribe, reqSub)
		oldPub, oldSub := member.Effective()
		if newPub == oldPub && newSub == oldSub {
			continue
		}
		member.SetEffective(newPub, newSub)
		member.Deliver(session.Event{
			Type:          session.EventPermissions,
			ProjectID:     projectID,
			PublishMask:   newPub,
			SubscribeMask: newSub,
			Message:       "your permissions changed: the project owner updated project permissions",
		})
	}

	c.logger.Info("project permissions updated",
		zap.Uint64("pid", projectID),
		zap.String("pub", pub.String()),
		zap.String("sub", sub.String()))
	return nil
}

// ListProjects lists protocol-compatible projects for a content hash.
func (c *Coordinator) ListProjects(ctx context.Context, contentHash string) ([]project.Info, error) {
	return c.projects.ByContentHash(ctx, contentHash)
}

// ProjectInfo returns the enriched read model for one project.
func (c *Coordinator) ProjectInfo(ctx context.Context, localID uint64) (project.Info, error) {
	info, err := c.projects.DescribeByLocalID(ctx, localID)
	if errors.Is(err, project.ErrNotFound) {
		return project.Info{}, ErrNoSuchProject
	}
	return info, err
}

// Leave detaches the session from its current project. An unexpected
// disconnect and an explicit leave share this path.
func (c *Coordinator) Leave(s *session.Session) {
	c.sessions.Remove(s)
	s.LeaveProject()
}

// Disconnect runs Leave and tears the session's event stream down.
func (c *Coordinator) Disconnect(s *session.Session) {
	c.Leave(s)
	s.Close()
}
