package database

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// MemoryStore keeps session documents in process. Used when no database is configured.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*SessionDocument
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*SessionDocument)}
}

func (ms *MemoryStore) Get(_ context.Context, id string) (*SessionDocument, error) {
	if id == "" {
		return nil, ErrIDEmpty
	}
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	doc, ok := ms.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return doc.clone(), nil
}

func (ms *MemoryStore) Save(_ context.Context, doc *SessionDocument) error {
	if doc.ID == "" {
		return ErrIDEmpty
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	var current int64
	if stored, ok := ms.sessions[doc.ID]; ok {
		current = stored.Version
	}
	if current != doc.Version {
		return fmt.Errorf("%w: %s at version %d, stored %d", ErrConflict, doc.ID, doc.Version, current)
	}
	if doc.JoinCode != "" {
		for id, other := range ms.sessions {
			if id != doc.ID && other.JoinCode == doc.JoinCode {
				return fmt.Errorf("unique key conflicts: join code %s", doc.JoinCode)
			}
		}
	}
	doc.Version++
	ms.sessions[doc.ID] = doc.clone()
	return nil
}

func (ms *MemoryStore) Delete(_ context.Context, id string) error {
	if id == "" {
		return ErrIDEmpty
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if _, ok := ms.sessions[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(ms.sessions, id)
	return nil
}

func (ms *MemoryStore) Find(_ context.Context, query Query) ([]*SessionDocument, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	var docs []*SessionDocument
	for _, doc := range ms.sessions {
		if doc.matches(query) {
			docs = append(docs, doc.clone())
		}
	}
	slices.SortFunc(docs, func(a, b *SessionDocument) int { return strings.Compare(a.ID, b.ID) })
	if query.Limit > 0 && len(docs) > query.Limit {
		docs = docs[:query.Limit]
	}
	return docs, nil
}
