// Copyright (C) 2024 Mozilla Services
// See LICENSE for copying information.

package syncstorage

import (
	"context"
	"sync"
)

// FirstCustomCollectionID is the smallest id assigned to a collection that
// is not one of the well-knowns; 1..99 are reserved.
const FirstCustomCollectionID = int32(100)

// WellKnownCollections are the pre-seeded collection name to id mappings
// shared by every deployment.
var WellKnownCollections = map[string]int32{
	"clients":     1,
	"crypto":      2,
	"forms":       3,
	"history":     4,
	"keys":        5,
	"meta":        6,
	"bookmarks":   7,
	"prefs":       8,
	"tabs":        9,
	"passwords":   10,
	"addons":      11,
	"addresses":   12,
	"creditcards": 13,
}

// CollectionStore is the slice of the backend the cache needs: resolving
// and creating the global name to id mapping.
type CollectionStore interface {
	// GetCollectionID returns the id for name, or ErrCollectionNotFound.
	GetCollectionID(ctx context.Context, name string) (int32, error)
	// CreateCollection assigns the next free id (>= 100) to name. If a
	// concurrent creator won, it returns the winning id.
	CreateCollection(ctx context.Context, name string) (int32, error)
}

// CollectionCache is the process-wide mapping from collection name to
// integer id. It is populated lazily; unknown names are created in the
// backend on first write.
type CollectionCache struct {
	store CollectionStore

	mu     sync.RWMutex
	byName map[string]int32
	byID   map[int32]string
}

// NewCollectionCache constructs a cache pre-seeded with the well-known
// collections.
func NewCollectionCache(store CollectionStore) *CollectionCache {
	cache := &CollectionCache{
		store:  store,
		byName: make(map[string]int32, len(WellKnownCollections)),
		byID:   make(map[int32]string, len(WellKnownCollections)),
	}
	for name, id := range WellKnownCollections {
		cache.byName[name] = id
		cache.byID[id] = name
	}
	return cache
}

// GetID resolves name to its collection id, creating the collection in the
// backend if it has never been seen. Concurrent racers converge on the
// winning id.
func (cache *CollectionCache) GetID(ctx context.Context, name string) (int32, error) {
	cache.mu.RLock()
	id, ok := cache.byName[name]
	cache.mu.RUnlock()
	if ok {
		return id, nil
	}

	id, err := cache.store.GetCollectionID(ctx, name)
	if ErrCollectionNotFound.Has(err) {
		id, err = cache.store.CreateCollection(ctx, name)
	}
	if err != nil {
		return 0, err
	}

	cache.put(name, id)
	return id, nil
}

// LookupID resolves name without creating it; ErrCollectionNotFound when
// the collection does not exist anywhere.
func (cache *CollectionCache) LookupID(ctx context.Context, name string) (int32, error) {
	cache.mu.RLock()
	id, ok := cache.byName[name]
	cache.mu.RUnlock()
	if ok {
		return id, nil
	}

	id, err := cache.store.GetCollectionID(ctx, name)
	if err != nil {
		return 0, err
	}
	cache.put(name, id)
	return id, nil
}

// Name returns the cached name for id, if any. Used when shaping info
// responses from id-keyed rows.
func (cache *CollectionCache) Name(id int32) (string, bool) {
	cache.mu.RLock()
	defer cache.mu.RUnlock()
	name, ok := cache.byID[id]
	return name, ok
}

// Put stores a mapping discovered outside the cache, typically a row
// another process inserted into the collections table.
func (cache *CollectionCache) Put(name string, id int32) { cache.put(name, id) }

func (cache *CollectionCache) put(name string, id int32) {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	// a racer may have stored a different winner; first write stays
	if existing, ok := cache.byName[name]; ok {
		id = existing
	}
	cache.byName[name] = id
	cache.byID[id] = name
}
