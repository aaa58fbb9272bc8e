package repair

import (
	"fmt"

	"github.com/cybersemics/em-sub013/domain/core/aggregates"
	"github.com/cybersemics/em-sub013/domain/core/entities"
	"github.com/cybersemics/em-sub013/domain/core/valueobjects"
)

// ViolationKind names a broken consistency rule
type ViolationKind string

const (
	// A children map lists an id with no thought, or one that names another parent
	ViolationDanglingChild ViolationKind = "dangling_child"
	// Two children of one parent share a rank, or a child has no rank
	ViolationDuplicateRank ViolationKind = "duplicate_rank"
	// A thought cannot be reached from root, or its parent chain loops
	ViolationUnreachable ViolationKind = "unreachable"
	// A thought has no matching occurrence in its lexeme
	ViolationMissingOccurrence ViolationKind = "missing_occurrence"
	// An occurrence points at a thought that is gone or carries another value
	ViolationStaleOccurrence ViolationKind = "stale_occurrence"
	// A lexeme lists the same thought more than once
	ViolationDuplicateOccurrence ViolationKind = "duplicate_occurrence"
)

// Violation is one broken rule found by Check
type Violation struct {
	Kind      ViolationKind
	ThoughtID valueobjects.ThoughtID
	Detail    string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s %s: %s", v.Kind, v.ThoughtID, v.Detail)
}

// Check reads the whole outline and reports every violated rule without
// changing anything. An empty result means the tree and the lexeme index
// agree.
func Check(r aggregates.Reader) []Violation {
	var out []Violation
	add := func(kind ViolationKind, id valueobjects.ThoughtID, format string, args ...interface{}) {
		out = append(out, Violation{Kind: kind, ThoughtID: id, Detail: fmt.Sprintf(format, args...)})
	}

	ids := r.ThoughtIDs()
	thoughts := make(map[valueobjects.ThoughtID]*entities.Thought, len(ids))
	for _, id := range ids {
		if t, ok := r.Thought(id); ok {
			thoughts[id] = t
		}
	}

	for _, id := range ids {
		parent := thoughts[id]
		ranks := make(map[valueobjects.Rank]valueobjects.ThoughtID)
		for _, key := range parent.ChildKeys() {
			childID := parent.ChildrenMap[key]
			child, ok := thoughts[childID]
			if !ok {
				add(ViolationDanglingChild, id, "child %s does not exist", childID)
				continue
			}
			if child.ParentID != id {
				add(ViolationDanglingChild, id, "child %s names parent %s", childID, child.ParentID)
				continue
			}
			if child.Rank.IsMissing() {
				add(ViolationDuplicateRank, childID, "rank is missing")
				continue
			}
			if other, taken := ranks[child.Rank]; taken && other != childID {
				add(ViolationDuplicateRank, childID, "rank %s shared with %s", child.Rank, other)
				continue
			}
			ranks[child.Rank] = childID
		}
	}

	for _, id := range ids {
		t := thoughts[id]
		if t.IsRoot() {
			continue
		}
		path, err := pathFromMap(thoughts, t.ParentID)
		if err != nil {
			add(ViolationUnreachable, id, "%v", err)
			continue
		}
		if parent := thoughts[t.ParentID]; !parent.HasChild(id) {
			add(ViolationUnreachable, id, "parent %s does not list it", t.ParentID)
		}

		lex, ok := r.Lexeme(valueobjects.HashValue(t.Value))
		if !ok {
			add(ViolationMissingOccurrence, id, "no lexeme for %q", t.Value)
			continue
		}
		ctx, ok := lex.ContextFor(id)
		if !ok {
			add(ViolationMissingOccurrence, id, "lexeme %s does not list it", lex.ID)
			continue
		}
		if !entities.SamePath(ctx.Context, path) || !ctx.Rank.Equal(t.Rank) {
			add(ViolationMissingOccurrence, id, "occurrence %v@%s, want %v@%s", ctx.Context, ctx.Rank, path, t.Rank)
		}
	}

	for _, key := range r.LexemeKeys() {
		lex, ok := r.Lexeme(key)
		if !ok {
			continue
		}
		seen := make(map[valueobjects.ThoughtID]bool)
		for _, c := range lex.Contexts {
			if seen[c.ID] {
				add(ViolationDuplicateOccurrence, c.ID, "listed twice in lexeme %s", key)
				continue
			}
			seen[c.ID] = true
			t, ok := thoughts[c.ID]
			if !ok || valueobjects.HashValue(t.Value) != key {
				add(ViolationStaleOccurrence, c.ID, "lexeme %s lists a thought that no longer carries its value", key)
			}
		}
		if len(lex.Contexts) == 0 {
			add(ViolationStaleOccurrence, "", "lexeme %s is empty", key)
		}
	}

	return out
}

func pathFromMap(thoughts map[valueobjects.ThoughtID]*entities.Thought, id valueobjects.ThoughtID) ([]string, error) {
	var reversed []string
	visited := make(map[valueobjects.ThoughtID]bool)
	for cur := id; ; {
		if visited[cur] {
			return nil, fmt.Errorf("parent chain loops at %s", cur)
		}
		visited[cur] = true
		t, ok := thoughts[cur]
		if !ok {
			return nil, fmt.Errorf("ancestor %s does not exist", cur)
		}
		if t.IsRoot() {
			reversed = append(reversed, valueobjects.RootToken)
			break
		}
		reversed = append(reversed, t.Value)
		cur = t.ParentID
	}
	path := make([]string, len(reversed))
	for i, v := range reversed {
		path[len(reversed)-1-i] = v
	}
	return path, nil
}
