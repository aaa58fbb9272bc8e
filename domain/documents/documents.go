// Package documents defines the persisted and replicated JSON form of thoughts
// and lexemes, and the versioned batch that carries them.
package documents

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/cybersemics/em-sub013/domain/core/aggregates"
	"github.com/cybersemics/em-sub013/domain/core/entities"
	"github.com/cybersemics/em-sub013/domain/core/valueobjects"
)

// CurrentSchemaVersion is the document layout this code writes.
//
//	1: ranks may be strings, timestamps epoch milliseconds, lexeme contexts embedded
//	2: numeric ranks, RFC 3339 timestamps
//	3: lexeme contexts reduced to occurrence ids
const CurrentSchemaVersion = 3

// ThoughtDoc is the stored form of a thought
type ThoughtDoc struct {
	ID          string            `json:"id"`
	Value       string            `json:"value"`
	ParentID    string            `json:"parentId"`
	ChildrenMap map[string]string `json:"childrenMap"`
	Rank        valueobjects.Rank `json:"rank"`
	Created     time.Time         `json:"created"`
	LastUpdated time.Time         `json:"lastUpdated"`
	Archived    *time.Time        `json:"archived,omitempty"`
}

// LexemeDoc is the stored form of a lexeme. Only occurrence ids are kept;
// paths and ranks are rebuilt from the thoughts on apply.
type LexemeDoc struct {
	ID          string    `json:"id"`
	Lemma       string    `json:"lemma"`
	Contexts    []string  `json:"contexts"`
	Created     time.Time `json:"created"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// Batch is one atomic set of document upserts and deletions. A null document
// is a deletion.
type Batch struct {
	ID            string                     `json:"id"`
	Origin        string                     `json:"origin"`
	SchemaVersion int                        `json:"schemaVersion"`
	CreatedAt     time.Time                  `json:"createdAt"`
	Thoughts      map[string]json.RawMessage `json:"thoughts"`
	Lexemes       map[string]json.RawMessage `json:"lexemes"`
}

// NewBatch creates an empty batch at the current schema version
func NewBatch(origin string, createdAt time.Time) *Batch {
	return &Batch{
		ID:            uuid.New().String(),
		Origin:        origin,
		SchemaVersion: CurrentSchemaVersion,
		CreatedAt:     createdAt,
		Thoughts:      make(map[string]json.RawMessage),
		Lexemes:       make(map[string]json.RawMessage),
	}
}

var null = json.RawMessage("null")

// IsDeletion reports whether raw encodes a tombstone
func IsDeletion(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

// Len returns the number of documents in the batch
func (b *Batch) Len() int {
	return len(b.Thoughts) + len(b.Lexemes)
}

// ThoughtKeys returns the thought ids in sorted order
func (b *Batch) ThoughtKeys() []string {
	return sortedKeys(b.Thoughts)
}

// LexemeKeys returns the lexeme keys in sorted order
func (b *Batch) LexemeKeys() []string {
	return sortedKeys(b.Lexemes)
}

// Clone returns a deep copy
func (b *Batch) Clone() *Batch {
	c := *b
	c.Thoughts = make(map[string]json.RawMessage, len(b.Thoughts))
	for k, v := range b.Thoughts {
		c.Thoughts[k] = append(json.RawMessage(nil), v...)
	}
	c.Lexemes = make(map[string]json.RawMessage, len(b.Lexemes))
	for k, v := range b.Lexemes {
		c.Lexemes[k] = append(json.RawMessage(nil), v...)
	}
	return &c
}

// Marshal encodes the batch
func (b *Batch) Marshal() ([]byte, error) {
	return json.Marshal(b)
}

// Unmarshal decodes a batch
func Unmarshal(data []byte) (*Batch, error) {
	var b Batch
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to decode batch: %w", err)
	}
	if b.Thoughts == nil {
		b.Thoughts = make(map[string]json.RawMessage)
	}
	if b.Lexemes == nil {
		b.Lexemes = make(map[string]json.RawMessage)
	}
	if b.SchemaVersion == 0 {
		b.SchemaVersion = 1
	}
	return &b, nil
}

// FromThought converts a thought to its document
func FromThought(t *entities.Thought) ThoughtDoc {
	children := make(map[string]string, len(t.ChildrenMap))
	for key, id := range t.ChildrenMap {
		children[key] = id.String()
	}
	return ThoughtDoc{
		ID:          t.ID.String(),
		Value:       t.Value,
		ParentID:    t.ParentID.String(),
		ChildrenMap: children,
		Rank:        t.Rank,
		Created:     t.Created,
		LastUpdated: t.LastUpdated,
		Archived:    t.Archived,
	}
}

// ToThought converts the document back
func (d ThoughtDoc) ToThought() *entities.Thought {
	children := make(map[string]valueobjects.ThoughtID, len(d.ChildrenMap))
	for key, id := range d.ChildrenMap {
		children[key] = valueobjects.ThoughtID(id)
	}
	return &entities.Thought{
		ID:          valueobjects.ThoughtID(d.ID),
		Value:       d.Value,
		ParentID:    valueobjects.ThoughtID(d.ParentID),
		ChildrenMap: children,
		Rank:        d.Rank,
		Created:     d.Created,
		LastUpdated: d.LastUpdated,
		Archived:    d.Archived,
	}
}

// FromLexeme converts a lexeme to its document
func FromLexeme(l *entities.Lexeme) LexemeDoc {
	ids := make([]string, 0, len(l.Contexts))
	seen := make(map[valueobjects.ThoughtID]bool, len(l.Contexts))
	for _, c := range l.Contexts {
		if seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		ids = append(ids, c.ID.String())
	}
	sort.Strings(ids)
	return LexemeDoc{
		ID:          l.ID.String(),
		Lemma:       l.Lemma,
		Contexts:    ids,
		Created:     l.Created,
		LastUpdated: l.LastUpdated,
	}
}

// ToLexeme converts the document back. Occurrences carry only their id until
// hydrated against the tree.
func (d LexemeDoc) ToLexeme() *entities.Lexeme {
	contexts := make([]entities.ThoughtContext, 0, len(d.Contexts))
	for _, id := range d.Contexts {
		contexts = append(contexts, entities.ThoughtContext{ID: valueobjects.ThoughtID(id)})
	}
	return &entities.Lexeme{
		ID:          valueobjects.LexemeKey(d.ID),
		Lemma:       d.Lemma,
		Contexts:    contexts,
		Created:     d.Created,
		LastUpdated: d.LastUpdated,
	}
}

// Encode turns an update batch into a document batch at the current version
func Encode(u *aggregates.Updates, origin string, createdAt time.Time) (*Batch, error) {
	b := NewBatch(origin, createdAt)
	if u == nil {
		return b, nil
	}
	for id, t := range u.Thoughts {
		if t == nil {
			b.Thoughts[id.String()] = null
			continue
		}
		raw, err := json.Marshal(FromThought(t))
		if err != nil {
			return nil, fmt.Errorf("failed to encode thought %s: %w", id, err)
		}
		b.Thoughts[id.String()] = raw
	}
	for key, l := range u.Lexemes {
		if l == nil {
			b.Lexemes[key.String()] = null
			continue
		}
		raw, err := json.Marshal(FromLexeme(l))
		if err != nil {
			return nil, fmt.Errorf("failed to encode lexeme %s: %w", key, err)
		}
		b.Lexemes[key.String()] = raw
	}
	return b, nil
}

// Decode turns a document batch back into updates. The batch must already be
// at the current schema version.
func Decode(b *Batch) (*aggregates.Updates, error) {
	if b.SchemaVersion != CurrentSchemaVersion {
		return nil, fmt.Errorf("cannot decode schema version %d, expected %d", b.SchemaVersion, CurrentSchemaVersion)
	}
	u := aggregates.NewUpdates()
	for key, raw := range b.Thoughts {
		id := valueobjects.ThoughtID(key)
		if IsDeletion(raw) {
			u.DeleteThought(id)
			continue
		}
		var doc ThoughtDoc
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("failed to decode thought %s: %w", key, err)
		}
		t := doc.ToThought()
		switch {
		case t.ID.IsZero():
			// The document key is authoritative for a record that lost its id.
			t.ID = id
		case t.ID != id:
			return nil, fmt.Errorf("thought document %s carries id %s", key, t.ID)
		}
		u.Thoughts[id] = t
	}
	for key, raw := range b.Lexemes {
		lk := valueobjects.LexemeKey(key)
		if IsDeletion(raw) {
			u.DeleteLexeme(lk)
			continue
		}
		var doc LexemeDoc
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("failed to decode lexeme %s: %w", key, err)
		}
		l := doc.ToLexeme()
		if l.ID != lk {
			return nil, fmt.Errorf("lexeme document %s carries id %s", key, l.ID)
		}
		u.Lexemes[lk] = l
	}
	return u, nil
}

func sortedKeys(m map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
