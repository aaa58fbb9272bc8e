package schema

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cybersemics/em-sub013/application/ports"
	"github.com/cybersemics/em-sub013/domain/documents"
)

// SchemaVersion records one applied migration step
type SchemaVersion struct {
	Version     int       `json:"version"`
	Description string    `json:"description"`
	AppliedAt   time.Time `json:"applied_at"`
	Documents   int       `json:"documents"`
}

// Migration rewrites a batch from one schema version to the next. Up must be
// idempotent: running it on a batch it already migrated changes nothing.
type Migration struct {
	FromVersion int           `json:"from_version"`
	ToVersion   int           `json:"to_version"`
	Description string        `json:"description"`
	Up          MigrationFunc `json:"-"`
}

// MigrationFunc is a function that performs a migration
type MigrationFunc func(ctx context.Context, batch *documents.Batch) error

// SchemaEvolution holds the forward-only migration chain
type SchemaEvolution struct {
	mu         sync.RWMutex
	migrations []Migration
	history    []SchemaVersion
}

// NewSchemaEvolution creates an empty migration chain
func NewSchemaEvolution() *SchemaEvolution {
	return &SchemaEvolution{}
}

// NewDefaultEvolution returns the chain that brings any known layout up to
// documents.CurrentSchemaVersion
func NewDefaultEvolution() *SchemaEvolution {
	s := NewSchemaEvolution()
	for _, m := range defaultMigrations() {
		if err := s.RegisterMigration(m); err != nil {
			panic(err)
		}
	}
	return s
}

// RegisterMigration registers a new migration
func (s *SchemaEvolution) RegisterMigration(migration Migration) error {
	if migration.ToVersion != migration.FromVersion+1 {
		return fmt.Errorf("invalid migration: %d->%d must advance exactly one version",
			migration.FromVersion, migration.ToVersion)
	}
	if migration.Up == nil {
		return fmt.Errorf("invalid migration: %d->%d has no Up function",
			migration.FromVersion, migration.ToVersion)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.migrations {
		if existing.FromVersion == migration.FromVersion {
			return fmt.Errorf("migration from %d to %d already exists",
				migration.FromVersion, migration.ToVersion)
		}
	}

	s.migrations = append(s.migrations, migration)
	sort.Slice(s.migrations, func(i, j int) bool {
		return s.migrations[i].FromVersion < s.migrations[j].FromVersion
	})
	return nil
}

// Latest returns the highest version the chain can reach
func (s *SchemaEvolution) Latest() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest := 1
	for _, m := range s.migrations {
		if m.ToVersion > latest {
			latest = m.ToVersion
		}
	}
	return latest
}

// CanMigrate reports whether a path exists from one version to another
func (s *SchemaEvolution) CanMigrate(from, to int) bool {
	if from > to {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	for v := from; v < to; v++ {
		if s.findMigration(v) == nil {
			return false
		}
	}
	return true
}

// Migrate brings batch up to targetVersion, one step at a time. A batch
// already at or past the target is left alone when it is at the target and
// rejected when it is past it; migrations never run backwards.
func (s *SchemaEvolution) Migrate(ctx context.Context, batch *documents.Batch, targetVersion int) error {
	if batch.SchemaVersion == targetVersion {
		return nil
	}
	if batch.SchemaVersion > targetVersion {
		return fmt.Errorf("cannot migrate batch from version %d down to %d", batch.SchemaVersion, targetVersion)
	}

	for batch.SchemaVersion < targetVersion {
		if err := ctx.Err(); err != nil {
			return err
		}

		s.mu.RLock()
		migration := s.findMigration(batch.SchemaVersion)
		s.mu.RUnlock()
		if migration == nil {
			return fmt.Errorf("no migration found from version %d to %d",
				batch.SchemaVersion, batch.SchemaVersion+1)
		}

		if err := migration.Up(ctx, batch); err != nil {
			return fmt.Errorf("migration %d->%d failed: %w",
				migration.FromVersion, migration.ToVersion, err)
		}
		batch.SchemaVersion = migration.ToVersion

		s.mu.Lock()
		s.history = append(s.history, SchemaVersion{
			Version:     migration.ToVersion,
			Description: migration.Description,
			AppliedAt:   time.Now(),
			Documents:   batch.Len(),
		})
		s.mu.Unlock()
	}

	return nil
}

// UpgradeStore migrates every stored document up to targetVersion, writes
// them back and records the new version. It returns the migrated snapshot.
// A store already at the target is returned as loaded.
func (s *SchemaEvolution) UpgradeStore(ctx context.Context, p ports.Persister, targetVersion int) (*documents.Batch, error) {
	stored, err := p.SchemaVersion(ctx)
	if err != nil {
		return nil, err
	}
	snapshot, err := p.Load(ctx)
	if err != nil {
		return nil, err
	}
	snapshot.SchemaVersion = stored
	if stored == targetVersion {
		return snapshot, nil
	}

	if err := s.Migrate(ctx, snapshot, targetVersion); err != nil {
		return nil, fmt.Errorf("failed to upgrade store from version %d: %w", stored, err)
	}
	if err := p.Persist(ctx, snapshot); err != nil {
		return nil, err
	}
	if err := p.SetSchemaVersion(ctx, targetVersion); err != nil {
		return nil, err
	}
	return snapshot, nil
}

func (s *SchemaEvolution) findMigration(from int) *Migration {
	for i := range s.migrations {
		if s.migrations[i].FromVersion == from {
			return &s.migrations[i]
		}
	}
	return nil
}

// GetHistory returns the migration history
func (s *SchemaEvolution) GetHistory() []SchemaVersion {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]SchemaVersion(nil), s.history...)
}
