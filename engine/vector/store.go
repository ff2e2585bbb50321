// Package vector defines the vector-store capability the core hands
// opaque vectors and ids to. Real index integrations live outside the
// core; the in-memory implementation serves tests and single-node dev.
package vector

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/threadkeep/threadkeep/engine/core"
)

// Document is one indexable projection of a conversation.
type Document struct {
	ConversationID core.ID
	GroupID        core.ID
	Text           string
	// Vector is the opaque embedding; nil when the backend embeds
	// server-side.
	Vector []float32
}

// Match is a scored search hit.
type Match struct {
	ConversationID core.ID
	Score          float64
}

// Store is the vector-index port.
type Store interface {
	Upsert(ctx context.Context, docs []Document) error
	DeleteByGroup(ctx context.Context, groupID core.ID) error
	Search(ctx context.Context, query string, limit int) ([]Match, error)
}

// Memory is the in-process store. Scoring is term overlap; good enough
// for tests and dev-mode semantic search.
type Memory struct {
	mu   sync.RWMutex
	docs map[core.ID]Document
}

func NewMemory() *Memory {
	return &Memory{docs: make(map[core.ID]Document)}
}

func (m *Memory) Upsert(_ context.Context, docs []Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, doc := range docs {
		m.docs[doc.ConversationID] = doc
	}
	return nil
}

func (m *Memory) DeleteByGroup(_ context.Context, groupID core.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, doc := range m.docs {
		if doc.GroupID == groupID {
			delete(m.docs, id)
		}
	}
	return nil
}

// CountByGroup reports how many documents remain for the group; tests
// assert cascade deletes with it.
func (m *Memory) CountByGroup(groupID core.ID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, doc := range m.docs {
		if doc.GroupID == groupID {
			n++
		}
	}
	return n
}

func (m *Memory) Search(_ context.Context, query string, limit int) ([]Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	terms := strings.Fields(strings.ToLower(query))
	var out []Match
	for id, doc := range m.docs {
		text := strings.ToLower(doc.Text)
		score := 0.0
		for _, term := range terms {
			if strings.Contains(text, term) {
				score++
			}
		}
		if score > 0 {
			out = append(out, Match{ConversationID: id, Score: score / float64(len(terms))})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ConversationID < out[j].ConversationID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
