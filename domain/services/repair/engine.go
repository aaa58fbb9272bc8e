// Package repair walks the outline from root, cross-checks the tree against
// the lexeme index and stages the corrections that restore consistency.
package repair

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/cybersemics/em-sub013/domain/config"
	"github.com/cybersemics/em-sub013/domain/core/aggregates"
	"github.com/cybersemics/em-sub013/domain/core/entities"
	"github.com/cybersemics/em-sub013/domain/core/valueobjects"
)

// Engine runs repair passes. It never mutates the state it reads: every
// correction is staged and returned in the Report.
type Engine struct {
	config *config.DomainConfig
	logger *zap.Logger
	now    func() time.Time
}

// EngineOption configures an Engine
type EngineOption func(*Engine)

// WithClock replaces the wall clock used to stamp corrections
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine creates a repair engine
func NewEngine(cfg *config.DomainConfig, logger *zap.Logger, opts ...EngineOption) *Engine {
	if cfg == nil {
		cfg = config.DefaultDomainConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		config: cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// frame is one pending visit on the explicit traversal stack
type frame struct {
	id    valueobjects.ThoughtID
	path  []string
	depth int
}

type pass struct {
	ws       *aggregates.WorkingSet
	report   *Report
	visited  map[valueobjects.ThoughtID]bool
	stack    []frame
	maxDepth int
	maxItems int
	now      time.Time
}

// Run performs one repair pass over state. It fails only when ctx is done;
// inconsistent data is never an error.
func (e *Engine) Run(ctx context.Context, state aggregates.Reader, opts Options) (*Report, error) {
	p := &pass{
		ws:       aggregates.NewWorkingSet(state),
		report:   newReport(),
		visited:  map[valueobjects.ThoughtID]bool{valueobjects.RootID: true},
		maxDepth: opts.MaxDepth,
		maxItems: opts.MaxItems,
		now:      e.now(),
	}
	if p.maxDepth <= 0 {
		p.maxDepth = e.config.MaxRepairDepth
	}
	if p.maxItems <= 0 {
		p.maxItems = e.config.MaxRepairItems
	}

	if _, ok := p.ws.Thought(valueobjects.RootID); !ok {
		p.ws.PutThought(entities.NewRoot(p.now))
	}

	p.stack = append(p.stack, frame{id: valueobjects.RootID, path: []string{valueobjects.RootToken}})
	if err := p.drain(ctx); err != nil {
		return nil, err
	}

	if !p.report.Truncated {
		if err := p.relinkUnreachable(ctx); err != nil {
			return nil, err
		}
	}
	if !p.report.Truncated {
		p.pruneOrphanedContexts()
	}

	u := p.ws.Updates()
	p.report.ThoughtIndexUpdates = u.Thoughts
	p.report.LexemeIndexUpdates = u.Lexemes

	fields := []zap.Field{
		zap.Int("visited", p.report.Visited),
		zap.Int("corrections", p.report.Total()),
		zap.Bool("truncated", p.report.Truncated),
	}
	for _, c := range p.report.NonZero() {
		fields = append(fields, zap.Int(string(c), p.report.Counts[c]))
	}
	e.logger.Info("Repair pass finished", fields...)

	return p.report, nil
}

// drain visits frames until the stack is empty or a cap is hit
func (p *pass) drain(ctx context.Context) error {
	for len(p.stack) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		if p.report.Visited >= p.maxItems {
			p.report.Truncated = true
			return nil
		}

		f := p.stack[len(p.stack)-1]
		p.stack = p.stack[:len(p.stack)-1]
		p.report.Visited++

		parent, ok := p.ws.Thought(f.id)
		if !ok {
			continue
		}
		children := p.visitChildren(parent)
		p.checkRanks(children)
		for _, child := range children {
			p.checkLexemeContext(child, f.path)
		}

		if f.depth+1 > p.maxDepth {
			if len(children) > 0 {
				p.report.Truncated = true
			}
			continue
		}
		// Push in reverse so siblings are visited in rank order.
		for i := len(children) - 1; i >= 0; i-- {
			child := children[i]
			p.stack = append(p.stack, frame{id: child.ID, path: extend(f.path, child.Value), depth: f.depth + 1})
		}
	}
	return nil
}

// visitChildren validates every children map entry of parent and returns the
// children that really belong to it, ordered by rank.
func (p *pass) visitChildren(parent *entities.Thought) []*entities.Thought {
	dirty := false
	var children []*entities.Thought

	for _, key := range parent.ChildKeys() {
		childID := parent.ChildrenMap[key]
		child, ok := p.ws.Thought(childID)
		if !ok {
			delete(parent.ChildrenMap, key)
			p.report.count(MissingChildThought)
			dirty = true
			continue
		}
		if p.visited[childID] {
			delete(parent.ChildrenMap, key)
			p.report.count(CycleDetected)
			dirty = true
			continue
		}

		changed := false
		if child.ID != childID {
			child.ID = childID
			p.report.count(MissingID)
			changed = true
		}
		if child.ParentID != parent.ID {
			if owner, ok := p.ws.Thought(child.ParentID); ok && owner.HasChild(childID) {
				delete(parent.ChildrenMap, key)
				p.report.count(ChildrenMapCorrupt)
				dirty = true
				if changed {
					p.ws.PutThought(child)
				}
				continue
			}
			child.ParentID = parent.ID
			p.report.count(ChildrenMapCorrupt)
			changed = true
		}
		if changed {
			child.Touch(p.now)
			p.ws.PutThought(child)
		}

		p.visited[childID] = true
		children = append(children, child)
	}

	if dirty {
		parent.Touch(p.now)
		p.ws.PutThought(parent)
	}
	entities.SortByRank(children)
	return children
}

// checkRanks gives every child a rank of its own. The first holder of a rank
// keeps it; later holders move between it and the next distinct rank. Missing
// ranks go after the last sibling with a random offset.
func (p *pass) checkRanks(children []*entities.Thought) {
	ranks := make([]valueobjects.Rank, len(children))
	for i, c := range children {
		ranks[i] = c.Rank
	}
	others := func(skip int) []valueobjects.Rank {
		out := make([]valueobjects.Rank, 0, len(ranks)-1)
		for i, r := range ranks {
			if i != skip {
				out = append(out, r)
			}
		}
		return out
	}

	for i, c := range children {
		if c.Rank.IsMissing() {
			continue
		}
		for j := 0; j < i; j++ {
			if ranks[j].Equal(ranks[i]) {
				ranks[i] = valueobjects.ResolveCollision(ranks[i], others(i))
				p.setRank(c, ranks[i])
				p.report.count(DuplicateRank)
				break
			}
		}
	}

	for i, c := range children {
		if !c.Rank.IsMissing() {
			continue
		}
		last := valueobjects.MissingRank
		if sorted := valueobjects.SortRanks(ranks); len(sorted) > 0 {
			last = sorted[len(sorted)-1]
		}
		ranks[i] = valueobjects.RandomRankAfter(last)
		p.setRank(c, ranks[i])
		p.report.count(MissingRank)
	}
}

func (p *pass) setRank(t *entities.Thought, rank valueobjects.Rank) {
	t.Rank = rank
	t.Touch(p.now)
	p.ws.PutThought(t)
}

// checkLexemeContext makes the lexeme of child list exactly one occurrence
// for it, with the given path and its current rank. Matching is by thought
// id only, so siblings sharing a value never disturb each other.
func (p *pass) checkLexemeContext(child *entities.Thought, path []string) {
	want := entities.ThoughtContext{Context: path, ID: child.ID, Rank: child.Rank, LastUpdated: p.now}
	key := valueobjects.HashValue(child.Value)

	lex, ok := p.ws.Lexeme(key)
	if !ok {
		lex = &entities.Lexeme{ID: key, Lemma: child.Value, Created: p.now, LastUpdated: p.now}
		lex.UpsertContext(want)
		p.ws.PutLexeme(lex)
		p.report.count(MissingLexeme)
		return
	}

	matches := 0
	var existing entities.ThoughtContext
	for _, c := range lex.Contexts {
		if c.ID == child.ID {
			matches++
			existing = c
		}
	}

	switch {
	case matches == 0:
		p.report.count(MissingLexemeContext)
	case matches > 1:
		p.report.count(DuplicateThoughtContextIDs)
	case !entities.SamePath(existing.Context, path) || !existing.Rank.Equal(child.Rank):
		p.report.count(MismatchedLexemeContext)
	default:
		return
	}
	lex.UpsertContext(want)
	p.ws.PutLexeme(lex)
}

// relinkUnreachable attaches every thought the traversal did not reach. Each
// unreachable chain is followed up to its top: a top whose parent is reachable
// is listed by that parent again; a top whose parent is missing, or a chain
// that loops, is moved under root. The relinked subtree is then traversed in
// the same pass so a second pass finds nothing.
func (p *pass) relinkUnreachable(ctx context.Context) error {
	for _, id := range p.ws.ThoughtIDs() {
		for !p.visited[id] {
			if err := p.relinkChain(ctx, id); err != nil {
				return err
			}
			if p.report.Truncated {
				return nil
			}
		}
	}
	return nil
}

// relinkChain relinks the top of the unreachable chain above id and
// traverses it. Every call marks at least that top as visited.
func (p *pass) relinkChain(ctx context.Context, id valueobjects.ThoughtID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	top, parent := p.chainTop(id)
	t, ok := p.ws.Thought(top)
	if !ok {
		p.visited[top] = true
		return nil
	}
	if t.ID != top {
		t.ID = top
		p.report.count(MissingID)
	}
	parentPath, err := p.ws.Path(parent.ID)
	if err != nil {
		parent, _ = p.ws.Thought(valueobjects.RootID)
		parentPath = []string{valueobjects.RootToken}
	}

	siblings := p.ws.Children(parent.ID)
	ranks := make([]valueobjects.Rank, 0, len(siblings))
	for _, s := range siblings {
		if s.ID != top {
			ranks = append(ranks, s.Rank)
		}
	}
	switch {
	case t.Rank.IsMissing():
		t.Rank = valueobjects.AppendRank(ranks)
		p.report.count(MissingRank)
	default:
		if r := valueobjects.ResolveCollision(t.Rank, ranks); !r.Equal(t.Rank) {
			t.Rank = r
			p.report.count(DuplicateRank)
		}
	}

	t.ParentID = parent.ID
	t.Touch(p.now)
	p.ws.PutThought(t)
	parent.AddChild(top)
	parent.Touch(p.now)
	p.ws.PutThought(parent)
	p.report.count(UnreachableThought)

	p.visited[top] = true
	p.checkLexemeContext(t, parentPath)
	p.stack = append(p.stack, frame{id: top, path: extend(parentPath, t.Value), depth: len(parentPath)})
	return p.drain(ctx)
}

// chainTop follows parent pointers from id through unvisited thoughts and
// returns the thought to relink and the parent to relink it under.
func (p *pass) chainTop(id valueobjects.ThoughtID) (valueobjects.ThoughtID, *entities.Thought) {
	root, _ := p.ws.Thought(valueobjects.RootID)
	seen := make(map[valueobjects.ThoughtID]bool)
	cur := id
	for {
		seen[cur] = true
		t, ok := p.ws.Thought(cur)
		if !ok {
			return cur, root
		}
		parent, ok := p.ws.Thought(t.ParentID)
		switch {
		case !ok:
			return cur, root
		case p.visited[parent.ID]:
			return cur, parent
		case seen[parent.ID]:
			return cur, root
		}
		cur = parent.ID
	}
}

// pruneOrphanedContexts drops occurrences of thoughts that are gone or no
// longer carry the lexeme's value. Emptied lexemes are removed.
func (p *pass) pruneOrphanedContexts() {
	for _, key := range p.ws.LexemeKeys() {
		lex, ok := p.ws.Lexeme(key)
		if !ok {
			continue
		}
		pruned := false
		for _, c := range append([]entities.ThoughtContext(nil), lex.Contexts...) {
			t, ok := p.ws.Thought(c.ID)
			if ok && valueobjects.HashValue(t.Value) == key {
				continue
			}
			if lex.RemoveContext(c.ID, p.now) {
				p.report.count(OrphanedContext)
				pruned = true
			}
		}
		if pruned || lex.IsEmpty() {
			p.ws.PutLexeme(lex)
		}
	}
}

func extend(path []string, value string) []string {
	out := make([]string, len(path), len(path)+1)
	copy(out, path)
	return append(out, value)
}
