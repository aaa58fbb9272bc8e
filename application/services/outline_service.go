package services

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/cybersemics/em-sub013/application/commands"
	"github.com/cybersemics/em-sub013/application/ports"
	"github.com/cybersemics/em-sub013/domain/core/aggregates"
	"github.com/cybersemics/em-sub013/domain/core/entities"
	"github.com/cybersemics/em-sub013/domain/core/valueobjects"
	"github.com/cybersemics/em-sub013/domain/documents"
	"github.com/cybersemics/em-sub013/domain/services/repair"
	pkgerrors "github.com/cybersemics/em-sub013/pkg/errors"
	"github.com/cybersemics/em-sub013/pkg/observability"
)

// EditResult is the batch a local edit produced
type EditResult struct {
	ThoughtID      valueobjects.ThoughtID                       `json:"thoughtId,omitempty"`
	ThoughtUpdates map[valueobjects.ThoughtID]*entities.Thought `json:"-"`
	LexemeUpdates  map[valueobjects.LexemeKey]*entities.Lexeme  `json:"-"`
}

// Updates returns the result as one batch
func (r *EditResult) Updates() *aggregates.Updates {
	return &aggregates.Updates{Thoughts: r.ThoughtUpdates, Lexemes: r.LexemeUpdates}
}

type editOptions struct {
	done func(error)
}

// EditOption configures one ApplyEdit call
type EditOption func(*editOptions)

// WithCompletion registers a callback run once the edit's batch is persisted
// and queued for broadcast, or has failed to be
func WithCompletion(done func(error)) EditOption {
	return func(o *editOptions) {
		o.done = done
	}
}

// OutlineService is the entry point for local edits, repair and snapshot load
type OutlineService struct {
	store     *OutlineStore
	publisher ports.Publisher
	persister ports.Persister
	migrator  ports.Migrator
	repairer  *repair.Engine
	metrics   *observability.Collector
	logger    *zap.Logger
}

// NewOutlineService creates a new outline service
func NewOutlineService(
	store *OutlineStore,
	publisher ports.Publisher,
	persister ports.Persister,
	migrator ports.Migrator,
	repairer *repair.Engine,
	metrics *observability.Collector,
	logger *zap.Logger,
) *OutlineService {
	return &OutlineService{
		store:     store,
		publisher: publisher,
		persister: persister,
		migrator:  migrator,
		repairer:  repairer,
		metrics:   metrics,
		logger:    logger,
	}
}

// ApplyEdit applies cmd to the outline and returns the resulting batch at
// once. Persistence and broadcast continue in the background.
func (s *OutlineService) ApplyEdit(ctx context.Context, cmd commands.EditCommand, opts ...EditOption) (*EditResult, error) {
	ctx, span := observability.StartSpan(ctx, "OutlineService.ApplyEdit", attribute.String("op", string(cmd.Op)))
	var err error
	defer func() { observability.EndSpan(span, err) }()

	var o editOptions
	for _, opt := range opts {
		opt(&o)
	}

	if err = cmd.Validate(); err != nil {
		s.metrics.RecordEdit(string(cmd.Op), err)
		return nil, err
	}

	var result *EditResult
	err = s.store.Do(ctx, func(outline *aggregates.Outline) error {
		id, u, err := s.edit(outline, cmd)
		if err != nil {
			return err
		}
		s.drainEvents(outline)

		result = &EditResult{ThoughtID: id, ThoughtUpdates: u.Thoughts, LexemeUpdates: u.Lexemes}
		if u.IsEmpty() {
			if o.done != nil {
				go o.done(nil)
			}
			return nil
		}
		// Scheduled under the writer lock so batches reach storage in edit order.
		s.publisher.PushAsync(ctx, u.Clone(), o.done)
		return nil
	})
	s.metrics.RecordEdit(string(cmd.Op), err)
	if err != nil {
		s.logger.Debug("Edit rejected",
			zap.String("op", string(cmd.Op)),
			zap.String("thoughtID", cmd.ThoughtID),
			zap.Error(err),
		)
		return nil, err
	}
	return result, nil
}

func (s *OutlineService) edit(o *aggregates.Outline, cmd commands.EditCommand) (valueobjects.ThoughtID, *aggregates.Updates, error) {
	if cmd.Op == commands.OpCreate {
		parentID, err := cmd.Parent()
		if err != nil {
			return "", nil, pkgerrors.NewValidationError(err.Error())
		}
		return o.CreateThought(parentID, cmd.Value, cmd.RankValue())
	}

	id, err := cmd.Thought()
	if err != nil {
		return "", nil, pkgerrors.NewValidationError(err.Error())
	}

	var u *aggregates.Updates
	switch cmd.Op {
	case commands.OpRename:
		u, err = o.RenameThought(id, cmd.Value)
	case commands.OpMove:
		parentID, perr := cmd.Parent()
		if perr != nil {
			return "", nil, pkgerrors.NewValidationError(perr.Error())
		}
		u, err = o.MoveThought(id, parentID, cmd.RankValue())
	case commands.OpDelete:
		u, err = o.DeleteThought(id)
	case commands.OpArchive:
		u, err = o.ArchiveThought(id)
	case commands.OpUnarchive:
		u, err = o.UnarchiveThought(id)
	default:
		err = pkgerrors.NewValidationError(fmt.Sprintf("unknown op %q", cmd.Op))
	}
	return id, u, err
}

// drainEvents turns recorded domain events into metrics and debug logs
func (s *OutlineService) drainEvents(o *aggregates.Outline) {
	for _, e := range o.PullEvents() {
		s.metrics.RecordEvent(e.GetEventType())
		s.logger.Debug("Outline event",
			zap.String("type", e.GetEventType()),
			zap.String("thoughtID", e.GetAggregateID()),
		)
	}
	s.metrics.SetOutlineSize(o.Stats())
}

// RunRepair runs one repair pass and, unless opts.DryRun is set, applies the
// corrections as a single batch and replicates them
func (s *OutlineService) RunRepair(ctx context.Context, opts repair.Options) (*repair.Report, error) {
	ctx, span := observability.StartSpan(ctx, "OutlineService.RunRepair", attribute.Bool("dryRun", opts.DryRun))
	var err error
	defer func() { observability.EndSpan(span, err) }()

	var report *repair.Report
	err = s.store.Do(ctx, func(o *aggregates.Outline) error {
		r, err := s.repairer.Run(ctx, o, opts)
		if err != nil {
			return err
		}
		report = r
		if opts.DryRun || r.IsEmpty() {
			return nil
		}

		u := r.Updates()
		if err := o.ApplyUpdates(u); err != nil {
			return err
		}
		r.Applied = true
		s.metrics.SetOutlineSize(o.Stats())
		s.publisher.PushAsync(ctx, u.Clone(), func(err error) {
			if err != nil {
				s.logger.Error("Failed to persist repair batch", zap.Error(err))
			}
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := "clean"
	switch {
	case report.Truncated:
		result = "truncated"
	case !report.IsEmpty():
		result = "repaired"
	}
	counts := make(map[string]int, len(report.Counts))
	for c, n := range report.Counts {
		counts[string(c)] = n
	}
	s.metrics.RecordRepair(result, counts)
	span.SetAttributes(attribute.Int("corrections", report.Total()), attribute.Bool("truncated", report.Truncated))

	return report, nil
}

// SchemaVersion returns the layout of the local store
func (s *OutlineService) SchemaVersion(ctx context.Context) (int, error) {
	return s.persister.SchemaVersion(ctx)
}

// Load reads the persisted snapshot into the outline as one batch. A store
// written by older code is upgraded first.
func (s *OutlineService) Load(ctx context.Context) error {
	ctx, span := observability.StartSpan(ctx, "OutlineService.Load")
	var err error
	defer func() { observability.EndSpan(span, err) }()

	stored, err := s.persister.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	if stored > documents.CurrentSchemaVersion {
		err = pkgerrors.NewSchemaMismatchError(stored, documents.CurrentSchemaVersion)
		return err
	}

	snapshot, err := s.migrator.UpgradeStore(ctx, s.persister, documents.CurrentSchemaVersion)
	if err != nil {
		return err
	}
	if stored != documents.CurrentSchemaVersion {
		s.logger.Info("Upgraded local store",
			zap.Int("from", stored),
			zap.Int("to", documents.CurrentSchemaVersion),
			zap.Int("documents", snapshot.Len()),
		)
	}

	u, err := documents.Decode(snapshot)
	if err != nil {
		return err
	}
	err = s.store.Do(ctx, func(o *aggregates.Outline) error {
		if err := o.ApplyUpdates(u); err != nil {
			return err
		}
		s.metrics.SetOutlineSize(o.Stats())
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("Loaded outline snapshot",
		zap.Int("thoughts", len(u.Thoughts)),
		zap.Int("lexemes", len(u.Lexemes)),
	)
	return nil
}

// Thought returns a copy of one thought
func (s *OutlineService) Thought(id valueobjects.ThoughtID) (*entities.Thought, error) {
	var (
		t  *entities.Thought
		ok bool
	)
	s.store.View(func(o *aggregates.Outline) {
		t, ok = o.Thought(id)
	})
	if !ok {
		return nil, pkgerrors.NewThoughtNotFoundError(id.String())
	}
	return t, nil
}

// Children returns the rank-ordered children of id
func (s *OutlineService) Children(id valueobjects.ThoughtID, includeArchived bool) ([]*entities.Thought, error) {
	var (
		children []*entities.Thought
		err      error
	)
	s.store.View(func(o *aggregates.Outline) {
		children, err = o.Children(id, includeArchived)
	})
	return children, err
}

// Context returns the ancestor path of id, root token first
func (s *OutlineService) Context(id valueobjects.ThoughtID) ([]string, error) {
	var (
		path []string
		err  error
	)
	s.store.View(func(o *aggregates.Outline) {
		path, err = o.Context(id)
	})
	return path, err
}

// LookupValue finds the lexeme of a value
func (s *OutlineService) LookupValue(value string) (*entities.Lexeme, error) {
	var (
		l  *entities.Lexeme
		ok bool
	)
	s.store.View(func(o *aggregates.Outline) {
		l, ok = o.LookupValue(value)
	})
	if !ok {
		return nil, pkgerrors.NewDomainError(pkgerrors.DomainNotFoundError, "LEXEME_NOT_FOUND", "no thought has this value").
			WithDetail("value", value)
	}
	return l, nil
}

// Stats returns the index sizes
func (s *OutlineService) Stats() (thoughts, lexemes int) {
	s.store.View(func(o *aggregates.Outline) {
		thoughts, lexemes = o.Stats()
	})
	return thoughts, lexemes
}
