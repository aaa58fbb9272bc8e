package repair

import (
	"github.com/cybersemics/em-sub013/domain/core/aggregates"
	"github.com/cybersemics/em-sub013/domain/core/entities"
	"github.com/cybersemics/em-sub013/domain/core/valueobjects"
)

// Category classifies one correction made by a repair pass
type Category string

const (
	MissingChildThought        Category = "missing_child_thought"
	ChildrenMapCorrupt         Category = "children_map_corrupt"
	CycleDetected              Category = "cycle_detected"
	MissingID                  Category = "missing_id"
	MissingRank                Category = "missing_rank"
	DuplicateRank              Category = "duplicate_rank"
	MissingLexeme              Category = "missing_lexeme"
	MissingLexemeContext       Category = "missing_lexeme_context"
	MismatchedLexemeContext    Category = "mismatched_lexeme_context"
	DuplicateThoughtContextIDs Category = "duplicate_thought_context_ids"
	OrphanedContext            Category = "orphaned_context"
	UnreachableThought         Category = "unreachable_thought"
)

// Categories lists every category in report order
var Categories = []Category{
	MissingChildThought,
	ChildrenMapCorrupt,
	CycleDetected,
	MissingID,
	MissingRank,
	DuplicateRank,
	MissingLexeme,
	MissingLexemeContext,
	MismatchedLexemeContext,
	DuplicateThoughtContextIDs,
	OrphanedContext,
	UnreachableThought,
}

// Options bounds a repair pass. Zero values fall back to the domain config.
type Options struct {
	MaxDepth int  `json:"maxDepth,omitempty"`
	MaxItems int  `json:"maxItems,omitempty"`
	DryRun   bool `json:"dryRun,omitempty"`
}

// Report is the outcome of one repair pass. The two update maps form a single
// batch and must be applied together.
type Report struct {
	Counts              map[Category]int                             `json:"counts"`
	ThoughtIndexUpdates map[valueobjects.ThoughtID]*entities.Thought `json:"-"`
	LexemeIndexUpdates  map[valueobjects.LexemeKey]*entities.Lexeme  `json:"-"`
	Truncated           bool                                         `json:"truncated"`
	Visited             int                                          `json:"visited"`
	Applied             bool                                         `json:"applied"`
}

func newReport() *Report {
	return &Report{
		Counts:              make(map[Category]int),
		ThoughtIndexUpdates: make(map[valueobjects.ThoughtID]*entities.Thought),
		LexemeIndexUpdates:  make(map[valueobjects.LexemeKey]*entities.Lexeme),
	}
}

func (r *Report) count(c Category) {
	r.Counts[c]++
}

// Total returns the number of corrections across all categories
func (r *Report) Total() int {
	total := 0
	for _, n := range r.Counts {
		total += n
	}
	return total
}

// IsEmpty reports whether the pass found nothing to correct
func (r *Report) IsEmpty() bool {
	return r.Total() == 0 && len(r.ThoughtIndexUpdates) == 0 && len(r.LexemeIndexUpdates) == 0
}

// Updates returns the corrections as one batch
func (r *Report) Updates() *aggregates.Updates {
	u := aggregates.NewUpdates()
	for id, t := range r.ThoughtIndexUpdates {
		u.Thoughts[id] = t.Clone()
	}
	for key, l := range r.LexemeIndexUpdates {
		u.Lexemes[key] = l.Clone()
	}
	return u
}

// NonZero returns the categories with at least one correction, in report order
func (r *Report) NonZero() []Category {
	var out []Category
	for _, c := range Categories {
		if r.Counts[c] > 0 {
			out = append(out, c)
		}
	}
	return out
}
