package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cybersemics/em-sub013/application/commands"
	"github.com/cybersemics/em-sub013/domain/config"
	"github.com/cybersemics/em-sub013/domain/core/aggregates"
	"github.com/cybersemics/em-sub013/domain/core/valueobjects"
	"github.com/cybersemics/em-sub013/domain/documents"
	"github.com/cybersemics/em-sub013/domain/services/repair"
	memstore "github.com/cybersemics/em-sub013/infrastructure/persistence/memory"
	"github.com/cybersemics/em-sub013/infrastructure/persistence/schema"
	pkgerrors "github.com/cybersemics/em-sub013/pkg/errors"
)

type recordingPublisher struct {
	mu      sync.Mutex
	batches []*aggregates.Updates
}

func (p *recordingPublisher) PushAsync(ctx context.Context, u *aggregates.Updates, done func(error)) {
	p.mu.Lock()
	p.batches = append(p.batches, u)
	p.mu.Unlock()
	if done != nil {
		done(nil)
	}
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.batches)
}

func newTestService(db *memstore.InMemoryStore) (*OutlineService, *recordingPublisher) {
	cfg := config.DefaultDomainConfig()
	logger := zap.NewNop()
	pub := &recordingPublisher{}
	store := NewOutlineStore(aggregates.NewOutline(cfg))
	svc := NewOutlineService(store, pub, db, schema.NewDefaultEvolution(), repair.NewEngine(cfg, logger), nil, logger)
	return svc, pub
}

func TestApplyEdit(t *testing.T) {
	ctx := context.Background()
	svc, pub := newTestService(memstore.NewInMemoryStore())

	var completed error = assert.AnError
	result, err := svc.ApplyEdit(ctx, commands.EditCommand{
		Op:       commands.OpCreate,
		ParentID: valueobjects.RootID.String(),
		Value:    "Groceries",
	}, WithCompletion(func(err error) { completed = err }))
	require.NoError(t, err)
	assert.NoError(t, completed)
	assert.Equal(t, 1, pub.count())
	assert.Contains(t, result.ThoughtUpdates, result.ThoughtID)
	assert.Contains(t, result.LexemeUpdates, valueobjects.HashValue("Groceries"))

	children, err := svc.Children(valueobjects.RootID, false)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "Groceries", children[0].Value)

	lexeme, err := svc.LookupValue("groceries")
	require.NoError(t, err)
	require.Len(t, lexeme.Contexts, 1)
	assert.Equal(t, result.ThoughtID, lexeme.Contexts[0].ID)

	_, err = svc.ApplyEdit(ctx, commands.EditCommand{Op: commands.OpDelete, ThoughtID: result.ThoughtID.String()})
	require.NoError(t, err)
	assert.Equal(t, 2, pub.count())

	_, err = svc.LookupValue("groceries")
	assert.True(t, pkgerrors.IsNotFound(err))
	_, err = svc.Thought(result.ThoughtID)
	assert.True(t, pkgerrors.IsNotFound(err))
}

func TestApplyEditRejections(t *testing.T) {
	tests := []struct {
		name  string
		cmd   commands.EditCommand
		check func(error) bool
	}{
		{
			name:  "create without parent",
			cmd:   commands.EditCommand{Op: commands.OpCreate, Value: "a"},
			check: pkgerrors.IsValidation,
		},
		{
			name:  "unknown op",
			cmd:   commands.EditCommand{Op: "explode", ThoughtID: "x"},
			check: pkgerrors.IsValidation,
		},
		{
			name:  "rename missing thought",
			cmd:   commands.EditCommand{Op: commands.OpRename, ThoughtID: "missing", Value: "b"},
			check: pkgerrors.IsNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, pub := newTestService(memstore.NewInMemoryStore())
			_, err := svc.ApplyEdit(context.Background(), tt.cmd)
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected error: %v", err)
			assert.Zero(t, pub.count())
		})
	}
}

func TestRunRepairOnCleanOutline(t *testing.T) {
	ctx := context.Background()
	svc, pub := newTestService(memstore.NewInMemoryStore())

	_, err := svc.ApplyEdit(ctx, commands.EditCommand{Op: commands.OpCreate, ParentID: valueobjects.RootID.String(), Value: "a"})
	require.NoError(t, err)

	report, err := svc.RunRepair(ctx, repair.Options{})
	require.NoError(t, err)
	assert.True(t, report.IsEmpty())
	assert.False(t, report.Applied)
	assert.Equal(t, 1, pub.count())
}

func TestLoadSnapshot(t *testing.T) {
	ctx := context.Background()

	source := aggregates.NewOutline(config.DefaultDomainConfig())
	id, u, err := source.CreateThought(valueobjects.RootID, "Inbox", valueobjects.MissingRank)
	require.NoError(t, err)
	snapshot, err := documents.Encode(u, "peer-b", time.Now())
	require.NoError(t, err)

	db := memstore.NewInMemoryStore()
	db.Seed(snapshot)

	svc, pub := newTestService(db)
	require.NoError(t, svc.Load(ctx))
	assert.Zero(t, pub.count())

	thoughts, lexemes := svc.Stats()
	assert.Equal(t, 2, thoughts)
	assert.Equal(t, 1, lexemes)

	path, err := svc.Context(id)
	require.NoError(t, err)
	assert.Equal(t, []string{valueobjects.RootToken}, path)
}

func TestLoadRejectsNewerStore(t *testing.T) {
	db := memstore.NewInMemoryStore()
	require.NoError(t, db.SetSchemaVersion(context.Background(), documents.CurrentSchemaVersion+1))

	svc, _ := newTestService(db)
	err := svc.Load(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, pkgerrors.ErrSchemaMismatch)
}
