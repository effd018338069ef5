package database

import (
	"testing"

	"github.com/Longshot123/collabREate/internal/project"
	"go.uber.org/zap"
)

func TestOpenSQLiteMigratesSchema(t *testing.T) {
	db, err := OpenSQLite("file::memory:", zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}

	for _, table := range []string{"users", "projects", "forklist", "updates", "db_migrations"} {
		if !db.Migrator().HasTable(table) {
			t.Fatalf("expected table %s to exist", table)
		}
	}

	var records []migrationRecord
	if err := db.Find(&records).Error; err != nil {
		t.Fatalf("failed to read migration records: %v", err)
	}
	if len(records) != 1 || records[0].Name != migrationNormalizeGlobalIDs {
		t.Fatalf("expected the gpid normalization migration to be recorded, got %d rows", len(records))
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	db, err := OpenSQLite("file:migrations_idempotent?mode=memory&cache=shared", zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := applyMigrations(db, zap.NewNop()); err != nil {
		t.Fatalf("reapplying migrations failed: %v", err)
	}
	var count int64
	if err := db.Model(&migrationRecord{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count migration records: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly 1 migration record, got %d", count)
	}
}

func TestNormalizeGlobalIDCase(t *testing.T) {
	db, err := OpenSQLite("file::memory:", zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}

	seeded := project.Project{
		GlobalID:    "ABCDEF0123",
		ContentHash: "deadbeef",
		Description: "legacy import",
		Owner:       "alice",
		Protocol:    project.ProtocolVersion,
	}
	if err := db.Create(&seeded).Error; err != nil {
		t.Fatalf("failed to seed project: %v", err)
	}
	if err := normalizeGlobalIDCase(db); err != nil {
		t.Fatalf("normalization failed: %v", err)
	}

	var reloaded project.Project
	if err := db.Where("pid = ?", seeded.LocalID).Take(&reloaded).Error; err != nil {
		t.Fatalf("failed to reload project: %v", err)
	}
	if reloaded.GlobalID != "abcdef0123" {
		t.Fatalf("expected lower-cased gpid, got %s", reloaded.GlobalID)
	}
}
