package aggregates

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cybersemics/em-sub013/domain/config"
	"github.com/cybersemics/em-sub013/domain/core/entities"
	"github.com/cybersemics/em-sub013/domain/core/valueobjects"
	"github.com/cybersemics/em-sub013/domain/events"
	pkgerrors "github.com/cybersemics/em-sub013/pkg/errors"
)

// Outline jointly owns the thought tree and the lexeme index. Every mutation
// is staged on a WorkingSet and committed as one batch, so the two indexes
// never disagree after an edit. Outline is not safe for concurrent use; the
// application layer serializes access.
type Outline struct {
	thoughts *ThoughtIndex
	lexemes  *LexemeIndex
	config   *config.DomainConfig
	now      func() time.Time
	events   []events.DomainEvent
}

// Option configures an Outline
type Option func(*Outline)

// WithClock replaces the wall clock used for timestamps
func WithClock(now func() time.Time) Option {
	return func(o *Outline) {
		o.now = now
	}
}

// NewOutline creates an outline holding only the root thought
func NewOutline(cfg *config.DomainConfig, opts ...Option) *Outline {
	if cfg == nil {
		cfg = config.DefaultDomainConfig()
	}
	o := &Outline{
		thoughts: NewThoughtIndex(),
		lexemes:  NewLexemeIndex(),
		config:   cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	o.thoughts.Put(entities.NewRoot(o.now()))
	return o
}

// Now returns the outline clock's current time
func (o *Outline) Now() time.Time {
	return o.now()
}

// Config returns the domain limits the outline enforces
func (o *Outline) Config() *config.DomainConfig {
	return o.config
}

// Thought returns a copy of the thought
func (o *Outline) Thought(id valueobjects.ThoughtID) (*entities.Thought, bool) {
	return o.thoughts.Get(id)
}

// Lexeme returns a copy of the lexeme stored under key
func (o *Outline) Lexeme(key valueobjects.LexemeKey) (*entities.Lexeme, bool) {
	return o.lexemes.Lookup(key)
}

// LookupValue finds the lexeme of a raw value
func (o *Outline) LookupValue(value string) (*entities.Lexeme, bool) {
	return o.lexemes.LookupValue(value)
}

// ThoughtIDs returns every thought id in sorted order
func (o *Outline) ThoughtIDs() []valueobjects.ThoughtID {
	return o.thoughts.IDs()
}

// LexemeKeys returns every lexeme key in sorted order
func (o *Outline) LexemeKeys() []valueobjects.LexemeKey {
	return o.lexemes.Keys()
}

// Children returns the children of id in rank order. Archived children are
// skipped unless includeArchived is set.
func (o *Outline) Children(id valueobjects.ThoughtID, includeArchived bool) ([]*entities.Thought, error) {
	if !o.thoughts.Has(id) {
		return nil, pkgerrors.NewThoughtNotFoundError(id.String())
	}
	children := childrenOf(o, id)
	if includeArchived {
		return children, nil
	}
	visible := children[:0]
	for _, c := range children {
		if !c.IsArchived() {
			visible = append(visible, c)
		}
	}
	return visible, nil
}

// Context returns the ancestor path of id, from root to its parent
func (o *Outline) Context(id valueobjects.ThoughtID) ([]string, error) {
	t, ok := o.thoughts.Get(id)
	if !ok {
		return nil, pkgerrors.NewThoughtNotFoundError(id.String())
	}
	if t.IsRoot() {
		return []string{}, nil
	}
	return pathOf(o, t.ParentID)
}

// Stats reports index sizes
func (o *Outline) Stats() (thoughts, lexemes int) {
	return o.thoughts.Len(), o.lexemes.Len()
}

// PullEvents returns and clears the events recorded since the last call
func (o *Outline) PullEvents() []events.DomainEvent {
	out := o.events
	o.events = nil
	return out
}

func (o *Outline) record(e events.DomainEvent) {
	o.events = append(o.events, e)
}

// CreateThought adds a thought under parentID. A missing rank appends the
// thought after its siblings; a rank already taken is moved just past it.
func (o *Outline) CreateThought(parentID valueobjects.ThoughtID, value string, rank valueobjects.Rank) (valueobjects.ThoughtID, *Updates, error) {
	if err := o.validateValue(value); err != nil {
		return "", nil, err
	}

	ws := NewWorkingSet(o)
	now := o.now()

	parent, ok := ws.Thought(parentID)
	if !ok {
		return "", nil, pkgerrors.NewMissingParentError("", parentID.String())
	}
	siblings := ws.Children(parentID)
	if err := o.checkDuplicate(siblings, parentID, value, ""); err != nil {
		return "", nil, err
	}
	context, err := ws.Path(parentID)
	if err != nil {
		return "", nil, err
	}

	rank = valueobjects.ResolveCollision(rank, ranksOf(siblings, ""))
	id := valueobjects.NewThoughtID()
	thought := entities.NewThought(id, parentID, value, rank, now)

	parent.AddChild(id)
	parent.Touch(now)
	ws.PutThought(parent)
	ws.PutThought(thought)
	ws.UpsertContext(valueobjects.HashValue(value), value, context, id, rank, now)

	o.commit(ws.Updates())
	o.record(events.NewThoughtCreated(id, parentID, value, rank, now))
	return id, ws.Updates(), nil
}

// RenameThought changes the value of id. The occurrence moves from the old
// value's lexeme to the new one, and every descendant's recorded path is
// rewritten since it contains the old value.
func (o *Outline) RenameThought(id valueobjects.ThoughtID, newValue string) (*Updates, error) {
	if id.IsRoot() {
		return nil, pkgerrors.NewRootImmutableError("rename")
	}
	if err := o.validateValue(newValue); err != nil {
		return nil, err
	}

	ws := NewWorkingSet(o)
	now := o.now()

	thought, ok := ws.Thought(id)
	if !ok {
		return nil, pkgerrors.NewThoughtNotFoundError(id.String())
	}
	if thought.Value == newValue {
		return NewUpdates(), nil
	}
	if err := o.checkDuplicate(ws.Children(thought.ParentID), thought.ParentID, newValue, id); err != nil {
		return nil, err
	}
	context, err := ws.ContextOf(thought)
	if err != nil {
		return nil, err
	}

	oldValue := thought.Value
	if oldKey := valueobjects.HashValue(oldValue); oldKey != valueobjects.HashValue(newValue) {
		ws.RemoveContext(oldKey, id, now)
	}

	thought.Value = newValue
	thought.Touch(now)
	ws.PutThought(thought)
	ws.UpsertContext(valueobjects.HashValue(newValue), newValue, context, id, thought.Rank, now)

	if err := o.reindexDescendants(ws, id, now); err != nil {
		return nil, err
	}

	o.commit(ws.Updates())
	o.record(events.NewThoughtRenamed(id, oldValue, newValue, now))
	return ws.Updates(), nil
}

// MoveThought re-parents id under newParentID at newRank
func (o *Outline) MoveThought(id, newParentID valueobjects.ThoughtID, newRank valueobjects.Rank) (*Updates, error) {
	if id.IsRoot() {
		return nil, pkgerrors.NewRootImmutableError("move")
	}

	ws := NewWorkingSet(o)
	now := o.now()

	thought, ok := ws.Thought(id)
	if !ok {
		return nil, pkgerrors.NewThoughtNotFoundError(id.String())
	}
	oldParent, ok := ws.Thought(thought.ParentID)
	if !ok {
		return nil, pkgerrors.NewMissingParentError(id.String(), thought.ParentID.String())
	}
	if !oldParent.HasChild(id) {
		return nil, pkgerrors.NewChildrenMapCorruptError(id.String(), oldParent.ID.String())
	}
	newParent, ok := ws.Thought(newParentID)
	if !ok {
		return nil, pkgerrors.NewMissingParentError(id.String(), newParentID.String())
	}
	if newParentID == id || ws.IsAncestor(id, newParentID) {
		return nil, pkgerrors.NewInvalidMoveError(id.String(), newParentID.String())
	}

	siblings := ws.Children(newParentID)
	if newParentID != thought.ParentID {
		if err := o.checkDuplicate(siblings, newParentID, thought.Value, id); err != nil {
			return nil, err
		}
	}
	context, err := ws.Path(newParentID)
	if err != nil {
		return nil, err
	}

	oldParentID, oldRank := thought.ParentID, thought.Rank
	newRank = valueobjects.ResolveCollision(newRank, ranksOf(siblings, id))

	if oldParentID != newParentID {
		oldParent.RemoveChild(id)
		oldParent.Touch(now)
		ws.PutThought(oldParent)
		newParent.AddChild(id)
		newParent.Touch(now)
		ws.PutThought(newParent)
	}

	thought.ParentID = newParentID
	thought.Rank = newRank
	thought.Touch(now)
	ws.PutThought(thought)
	ws.UpsertContext(valueobjects.HashValue(thought.Value), thought.Value, context, id, newRank, now)

	if oldParentID != newParentID {
		if err := o.reindexDescendants(ws, id, now); err != nil {
			return nil, err
		}
	}

	o.commit(ws.Updates())
	o.record(events.NewThoughtMoved(id, oldParentID, newParentID, oldRank, newRank, now))
	return ws.Updates(), nil
}

// DeleteThought removes id and its whole subtree together with their
// occurrences. Lexemes left without occurrences are removed.
func (o *Outline) DeleteThought(id valueobjects.ThoughtID) (*Updates, error) {
	if id.IsRoot() {
		return nil, pkgerrors.NewRootImmutableError("delete")
	}

	ws := NewWorkingSet(o)
	now := o.now()

	thought, ok := ws.Thought(id)
	if !ok {
		return nil, pkgerrors.NewThoughtNotFoundError(id.String())
	}
	parent, ok := ws.Thought(thought.ParentID)
	if !ok {
		return nil, pkgerrors.NewMissingParentError(id.String(), thought.ParentID.String())
	}
	if !parent.HasChild(id) {
		return nil, pkgerrors.NewChildrenMapCorruptError(id.String(), parent.ID.String())
	}

	parent.RemoveChild(id)
	parent.Touch(now)
	ws.PutThought(parent)

	subtree := append([]*entities.Thought{thought}, ws.Descendants(id)...)
	for _, t := range subtree {
		ws.RemoveContext(valueobjects.HashValue(t.Value), t.ID, now)
		ws.DeleteThought(t.ID)
	}

	o.commit(ws.Updates())
	o.record(events.NewThoughtDeleted(id, parent.ID, len(subtree)-1, now))
	return ws.Updates(), nil
}

// ArchiveThought marks id archived. It stays indexed.
func (o *Outline) ArchiveThought(id valueobjects.ThoughtID) (*Updates, error) {
	return o.setArchived(id, true)
}

// UnarchiveThought clears the archive marker of id
func (o *Outline) UnarchiveThought(id valueobjects.ThoughtID) (*Updates, error) {
	return o.setArchived(id, false)
}

func (o *Outline) setArchived(id valueobjects.ThoughtID, archived bool) (*Updates, error) {
	if id.IsRoot() {
		return nil, pkgerrors.NewRootImmutableError("archive")
	}

	ws := NewWorkingSet(o)
	now := o.now()

	thought, ok := ws.Thought(id)
	if !ok {
		return nil, pkgerrors.NewThoughtNotFoundError(id.String())
	}
	if thought.IsArchived() == archived {
		return NewUpdates(), nil
	}
	if archived {
		thought.Archived = &now
	} else {
		thought.Archived = nil
	}
	thought.Touch(now)
	ws.PutThought(thought)

	o.commit(ws.Updates())
	if archived {
		o.record(events.NewThoughtArchived(id, now))
	} else {
		o.record(events.NewThoughtUnarchived(id, now))
	}
	return ws.Updates(), nil
}

// ApplyUpdates commits a batch produced elsewhere: by repair, by replication
// or by loading a snapshot. Occurrences without a path are hydrated from the
// thought they point at. The batch is validated first and applied entirely
// or not at all.
func (o *Outline) ApplyUpdates(u *Updates) error {
	if u.IsEmpty() {
		return nil
	}
	for id, t := range u.Thoughts {
		if t == nil {
			if id.IsRoot() {
				return pkgerrors.NewRootImmutableError("delete")
			}
			continue
		}
		if t.ID != id {
			return pkgerrors.NewValidationError(fmt.Sprintf("thought keyed %q carries id %q", id, t.ID))
		}
	}
	for key, l := range u.Lexemes {
		if l != nil && l.ID != key {
			return pkgerrors.NewValidationError(fmt.Sprintf("lexeme keyed %q carries id %q", key, l.ID))
		}
	}

	ws := NewWorkingSet(o)
	for _, id := range u.ThoughtIDs() {
		if t := u.Thoughts[id]; t != nil {
			ws.PutThought(t)
		} else {
			ws.DeleteThought(id)
		}
	}
	for _, key := range u.LexemeKeys() {
		l := u.Lexemes[key]
		if l == nil {
			ws.DeleteLexeme(key)
			continue
		}
		l = l.Clone()
		if needsHydration(l) {
			hydrate(ws, l)
		}
		ws.PutLexeme(l)
	}

	o.commit(ws.Updates())
	return nil
}

func needsHydration(l *entities.Lexeme) bool {
	for _, c := range l.Contexts {
		if c.Context == nil {
			return true
		}
	}
	return false
}

func (o *Outline) commit(u *Updates) {
	for id, t := range u.Thoughts {
		if t == nil {
			o.thoughts.Delete(id)
			continue
		}
		o.thoughts.Put(t)
	}
	for key, l := range u.Lexemes {
		if l == nil || l.IsEmpty() {
			o.lexemes.Delete(key)
			continue
		}
		o.lexemes.Put(l)
	}
	if !o.thoughts.Has(valueobjects.RootID) {
		o.thoughts.Put(entities.NewRoot(o.now()))
	}
}

// reindexDescendants rewrites the recorded path of every thought below id
func (o *Outline) reindexDescendants(ws *WorkingSet, id valueobjects.ThoughtID, now time.Time) error {
	for _, d := range ws.Descendants(id) {
		context, err := ws.ContextOf(d)
		if err != nil {
			return err
		}
		ws.UpsertContext(valueobjects.HashValue(d.Value), d.Value, context, d.ID, d.Rank, now)
	}
	return nil
}

func (o *Outline) validateValue(value string) error {
	if utf8.RuneCountInString(value) > o.config.MaxValueLength {
		return pkgerrors.NewValidationError(fmt.Sprintf("value exceeds maximum length of %d characters", o.config.MaxValueLength))
	}
	if strings.TrimSpace(value) == "" && !o.config.AllowEmptyValue {
		return pkgerrors.NewValidationError("value cannot be empty")
	}
	if value == valueobjects.RootToken {
		return pkgerrors.NewValidationError("value is reserved")
	}
	return nil
}

// checkDuplicate rejects a value whose normalized form is already used by a
// sibling other than exclude. Empty values are never considered duplicates.
func (o *Outline) checkDuplicate(siblings []*entities.Thought, parentID valueobjects.ThoughtID, value string, exclude valueobjects.ThoughtID) error {
	if o.config.AllowDuplicateValuesInContext || valueobjects.Normalize(value) == "" {
		return nil
	}
	for _, s := range siblings {
		if s.ID != exclude && valueobjects.SameLexeme(s.Value, value) {
			return pkgerrors.NewDuplicateValueError(parentID.String(), value)
		}
	}
	return nil
}

func ranksOf(thoughts []*entities.Thought, exclude valueobjects.ThoughtID) []valueobjects.Rank {
	ranks := make([]valueobjects.Rank, 0, len(thoughts))
	for _, t := range thoughts {
		if t.ID != exclude {
			ranks = append(ranks, t.Rank)
		}
	}
	return ranks
}
