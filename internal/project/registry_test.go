package project

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/Longshot123/collabREate/internal/perms"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Project{}, &ForkEdge{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestRegistry(t *testing.T, db *gorm.DB) *Registry {
	t.Helper()
	registry, err := NewRegistry(RegistryConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	return registry
}

func TestCreateAssignsUniqueGlobalIDs(t *testing.T) {
	db := openTestDatabase(t)
	registry := newTestRegistry(t, db)
	ctx := context.Background()

	const creators = 64
	var wg sync.WaitGroup
	gpids := make(chan string, creators)
	for i := 0; i < creators; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			record, err := registry.Create(ctx, "alice", "deadbeef", "concurrent", perms.Full, perms.Full)
			if err != nil {
				t.Errorf("create failed: %v", err)
				return
			}
			gpids <- record.GlobalID
		}()
	}
	wg.Wait()
	close(gpids)

	seen := make(map[string]bool)
	for gpid := range gpids {
		if len(gpid) != 64 {
			t.Fatalf("expected 64 hex characters, got %d", len(gpid))
		}
		if seen[gpid] {
			t.Fatalf("duplicate global id %s", gpid)
		}
		seen[gpid] = true
	}
	if len(seen) != creators {
		t.Fatalf("expected %d distinct global ids, got %d", creators, len(seen))
	}
}

func TestByLocalIDHidesForeignProtocol(t *testing.T) {
	db := openTestDatabase(t)
	registry := newTestRegistry(t, db)
	ctx := context.Background()

	record, err := registry.Create(ctx, "alice", "deadbeef", "mine", perms.Full, perms.Full)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	foreign := Project{
		GlobalID:    "ff00ff00",
		ContentHash: "deadbeef",
		Description: "future protocol",
		Owner:       "alice",
		Protocol:    ProtocolVersion + 1,
	}
	if err := db.Create(&foreign).Error; err != nil {
		t.Fatalf("failed to seed foreign row: %v", err)
	}

	if _, err := registry.ByLocalID(ctx, record.LocalID); err != nil {
		t.Fatalf("expected compatible project to resolve: %v", err)
	}
	if _, err := registry.ByLocalID(ctx, foreign.LocalID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected foreign protocol row to be invisible, got %v", err)
	}

	infos, err := registry.ByContentHash(ctx, "deadbeef")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(infos) != 1 || infos[0].LocalID != record.LocalID {
		t.Fatalf("expected only the compatible project in listing, got %d rows", len(infos))
	}
}

func TestCreateSnapshotRecordsLineage(t *testing.T) {
	db := openTestDatabase(t)
	registry := newTestRegistry(t, db)
	ctx := context.Background()

	source, err := registry.Create(ctx, "alice", "deadbeef", "base", perms.Full, perms.Full)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	snapshot, err := registry.CreateSnapshot(ctx, source.LocalID, "alice", "pinned at 7", 7)
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if !snapshot.IsSnapshot() {
		t.Fatal("expected snapshot flag to be set")
	}
	if snapshot.SnapshotUpdateID != 7 {
		t.Fatalf("expected cutoff 7, got %d", snapshot.SnapshotUpdateID)
	}
	if snapshot.ContentHash != source.ContentHash {
		t.Fatalf("snapshot should inherit the content hash, got %s", snapshot.ContentHash)
	}

	parent, err := registry.ParentOf(ctx, snapshot.LocalID)
	if err != nil {
		t.Fatalf("parent lookup failed: %v", err)
	}
	if parent != source.LocalID {
		t.Fatalf("expected parent %d, got %d", source.LocalID, parent)
	}
}

func TestRecordForkRejectsSecondParent(t *testing.T) {
	db := openTestDatabase(t)
	registry := newTestRegistry(t, db)
	ctx := context.Background()

	if err := registry.RecordFork(ctx, 2, 1); err != nil {
		t.Fatalf("first edge should insert: %v", err)
	}
	if err := registry.RecordFork(ctx, 2, 3); err == nil {
		t.Fatal("expected second parent edge for the same child to violate uniqueness")
	}
}

func TestSetPermissionsPersists(t *testing.T) {
	db := openTestDatabase(t)
	registry := newTestRegistry(t, db)
	ctx := context.Background()

	record, err := registry.Create(ctx, "alice", "deadbeef", "base", perms.Full, perms.Full)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := registry.SetPermissions(ctx, record.LocalID, 0x3, 0x1); err != nil {
		t.Fatalf("set permissions failed: %v", err)
	}

	reloaded, err := registry.ByLocalID(ctx, record.LocalID)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if reloaded.PublishMask != 0x3 || reloaded.SubscribeMask != 0x1 {
		t.Fatalf("unexpected masks after update: %s / %s", reloaded.PublishMask, reloaded.SubscribeMask)
	}

	if err := registry.SetPermissions(ctx, 9999, 0x1, 0x1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing project, got %v", err)
	}
}

func TestMigrateKeepsSuppliedGlobalID(t *testing.T) {
	db := openTestDatabase(t)
	registry := newTestRegistry(t, db)
	ctx := context.Background()

	const importedGPID = "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"
	record, err := registry.Migrate(ctx, "alice", importedGPID, "deadbeef", "imported", perms.Full, perms.Full)
	if err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	if record.GlobalID != importedGPID {
		t.Fatalf("migrate must keep the supplied global id, got %s", record.GlobalID)
	}

	localID, err := registry.LocalIDByGlobal(ctx, importedGPID)
	if err != nil {
		t.Fatalf("gpid lookup failed: %v", err)
	}
	if localID != record.LocalID {
		t.Fatalf("expected %d, got %d", record.LocalID, localID)
	}

	if _, err := registry.Migrate(ctx, "bob", importedGPID, "deadbeef", "duplicate", perms.Full, perms.Full); err == nil {
		t.Fatal("expected a second import under the same global id to fail")
	}
}

func TestLocalIDByGlobalResolves(t *testing.T) {
	db := openTestDatabase(t)
	registry := newTestRegistry(t, db)
	ctx := context.Background()

	record, err := registry.Create(ctx, "alice", "deadbeef", "base", perms.Full, perms.Full)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	localID, err := registry.LocalIDByGlobal(ctx, record.GlobalID)
	if err != nil {
		t.Fatalf("gpid lookup failed: %v", err)
	}
	if localID != record.LocalID {
		t.Fatalf("expected %d, got %d", record.LocalID, localID)
	}
	if _, err := registry.LocalIDByGlobal(ctx, "unknown"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
