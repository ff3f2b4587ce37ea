// Package contacts resolves the caller's saved recipients. The directory is
// read by the agent once per getContacts call; entries are never cached.
package contacts

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Contact is a saved recipient.
type Contact struct {
	ID      string `json:"id" yaml:"id"`
	Name    string `json:"name" yaml:"name"`
	Address string `json:"address" yaml:"address"`
}

// Directory lists contacts owned by one caller.
type Directory interface {
	List(ctx context.Context, ownerID string) ([]Contact, error)
}

// Store is a Directory that can also be seeded.
type Store interface {
	Directory
	Put(ctx context.Context, ownerID string, contact Contact) error
}

// MemoryDirectory keeps contacts in process memory.
type MemoryDirectory struct {
	mu      sync.RWMutex
	entries map[string]map[string]Contact
}

// NewMemoryDirectory returns an empty directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{entries: make(map[string]map[string]Contact)}
}

// Put inserts or replaces contact under ownerID.
func (m *MemoryDirectory) Put(_ context.Context, ownerID string, contact Contact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	owner := strings.TrimSpace(ownerID)
	if m.entries[owner] == nil {
		m.entries[owner] = make(map[string]Contact)
	}
	m.entries[owner][contact.ID] = contact
	return nil
}

// List returns the owner's contacts ordered by name.
func (m *MemoryDirectory) List(_ context.Context, ownerID string) ([]Contact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	owned := m.entries[strings.TrimSpace(ownerID)]
	out := make([]Contact, 0, len(owned))
	for _, c := range owned {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}
