package project

import (
	"time"

	"github.com/Longshot123/collabREate/internal/perms"
)

// ProtocolVersion is the collaboration protocol this server speaks.
// Projects written by other versions are invisible to every registry
// query, which keeps incompatible clients from corrupting each other's
// update streams.
const ProtocolVersion uint32 = 4

// Project is a stored collaborative workspace keyed by the content
// hash of the artifact under analysis. A row with SnapshotUpdateID > 0
// is an immutable snapshot: it only exists as a fork source and can
// never be joined or appended to.
type Project struct {
	LocalID          uint64     `gorm:"column:pid;primaryKey;autoIncrement"`
	GlobalID         string     `gorm:"column:gpid;size:64;not null;uniqueIndex"`
	ContentHash      string     `gorm:"column:hash;size:64;not null;index"`
	Description      string     `gorm:"column:description;type:text;not null"`
	Owner            string     `gorm:"column:owner;size:64;not null"`
	PublishMask      perms.Mask `gorm:"column:pub;not null;default:0"`
	SubscribeMask    perms.Mask `gorm:"column:sub;not null;default:0"`
	Protocol         uint32     `gorm:"column:protocol;not null"`
	SnapshotUpdateID uint64     `gorm:"column:snapupdateid;not null;default:0"`
	CreatedAt        time.Time  `gorm:"column:created_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Project) TableName() string {
	return "projects"
}

// IsSnapshot reports whether the project is an immutable snapshot.
func (p Project) IsSnapshot() bool {
	return p.SnapshotUpdateID > 0
}

// ForkEdge records one fork or snapshot operation. The edge set forms
// a forest: every non-root project has exactly one parent edge.
type ForkEdge struct {
	ForkID   uint64 `gorm:"column:fid;primaryKey;autoIncrement"`
	ChildID  uint64 `gorm:"column:child;not null;uniqueIndex"`
	ParentID uint64 `gorm:"column:parent;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (ForkEdge) TableName() string {
	return "forklist"
}

// Info is the read model returned by listing queries: the project row
// enriched with lineage and live-session context.
type Info struct {
	Project
	ParentID          uint64
	ParentDescription string
	ConnectedPeers    int
}
