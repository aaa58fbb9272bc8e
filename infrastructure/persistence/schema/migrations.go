package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cybersemics/em-sub013/domain/documents"
)

func defaultMigrations() []Migration {
	return []Migration{
		{
			FromVersion: 1,
			ToVersion:   2,
			Description: "numeric ranks and RFC 3339 timestamps",
			Up:          migrateNumericRanks,
		},
		{
			FromVersion: 2,
			ToVersion:   3,
			Description: "lexeme contexts stored as occurrence ids",
			Up:          migrateContextIDs,
		},
	}
}

var timestampFields = []string{"created", "lastUpdated", "archived"}

// migrateNumericRanks parses string ranks and converts epoch millisecond
// timestamps. Values already in the new form are left untouched.
func migrateNumericRanks(ctx context.Context, batch *documents.Batch) error {
	if err := rewriteDocs(batch.Thoughts, func(doc map[string]interface{}) {
		if s, ok := doc["rank"].(string); ok {
			if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
				doc["rank"] = f
			} else {
				doc["rank"] = nil
			}
		}
		convertTimestamps(doc)
	}); err != nil {
		return fmt.Errorf("thoughts: %w", err)
	}

	if err := rewriteDocs(batch.Lexemes, func(doc map[string]interface{}) {
		convertTimestamps(doc)
		contexts, _ := doc["contexts"].([]interface{})
		for _, c := range contexts {
			if obj, ok := c.(map[string]interface{}); ok {
				if s, ok := obj["rank"].(string); ok {
					if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
						obj["rank"] = f
					} else {
						obj["rank"] = nil
					}
				}
				convertTimestamps(obj)
			}
		}
	}); err != nil {
		return fmt.Errorf("lexemes: %w", err)
	}
	return nil
}

// migrateContextIDs replaces embedded context objects with the occurrence id
// they describe, dropping duplicates. Plain id strings pass through.
func migrateContextIDs(ctx context.Context, batch *documents.Batch) error {
	return rewriteDocs(batch.Lexemes, func(doc map[string]interface{}) {
		contexts, _ := doc["contexts"].([]interface{})
		ids := make([]interface{}, 0, len(contexts))
		seen := make(map[string]bool, len(contexts))
		for _, c := range contexts {
			var id string
			switch v := c.(type) {
			case string:
				id = v
			case map[string]interface{}:
				id, _ = v["id"].(string)
			}
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			ids = append(ids, id)
		}
		doc["contexts"] = ids
		if _, ok := doc["lemma"]; !ok {
			if v, ok := doc["value"].(string); ok {
				doc["lemma"] = v
			}
		}
		delete(doc, "value")
	})
}

func convertTimestamps(doc map[string]interface{}) {
	for _, field := range timestampFields {
		if ms, ok := doc[field].(float64); ok {
			doc[field] = time.UnixMilli(int64(ms)).UTC().Format(time.RFC3339Nano)
		}
	}
}

func rewriteDocs(docs map[string]json.RawMessage, fn func(map[string]interface{})) error {
	for key, raw := range docs {
		if documents.IsDeletion(raw) {
			continue
		}
		var doc map[string]interface{}
		if err := json.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("document %s: %w", key, err)
		}
		fn(doc)
		out, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("document %s: %w", key, err)
		}
		docs[key] = out
	}
	return nil
}
