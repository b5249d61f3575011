// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package shardactor implements the index shard actor of spec.md §4.7:
// the same actor class as a workflow runner, specialized by naming
// convention ("__index:<type>:<shard>"), whose storage holds only the
// instances table. Its two RPCs, indexWrite and indexList, are exposed
// here as IndexWrite/IndexList.
package shardactor

import (
	"context"
	"fmt"
	"sync"

	"github.com/tombee/ablauf/internal/actorhost"
	"github.com/tombee/ablauf/internal/storage"
)

// Actor is one index shard: a single-writer actor over a ShardStore.
// Every call runs through the host's mailbox for its name, so IndexWrite
// and IndexList never overlap for the same shard (spec.md §5).
type Actor struct {
	store *storage.ShardStore
}

// New wraps an already-open ShardStore as a shard actor.
func New(store *storage.ShardStore) *Actor {
	return &Actor{store: store}
}

// IndexWrite upserts entry, preserving the original createdAt on
// conflict (storage.ShardStore.Upsert already implements that rule).
func (a *Actor) IndexWrite(ctx context.Context, entry storage.IndexEntryRow) error {
	return a.store.Upsert(ctx, &entry)
}

// IndexList returns every instance matching status (empty means any),
// capped at limit (0 means unlimited).
func (a *Actor) IndexList(ctx context.Context, status string, limit int) ([]storage.IndexEntryRow, error) {
	rows, err := a.store.List(ctx, status, limit)
	if err != nil {
		return nil, err
	}
	out := make([]storage.IndexEntryRow, len(rows))
	for i, r := range rows {
		out[i] = *r
	}
	return out, nil
}

// Close releases the underlying store.
func (a *Actor) Close() error { return a.store.Close() }

// OpenFunc opens the ShardStore backing a given shard actor name. The
// runner/registry supplies this so shardactor stays ignorant of path
// layout conventions (e.g. one file per shard under a data directory).
type OpenFunc func(ctx context.Context, name string) (*storage.ShardStore, error)

// Registry lazily creates and caches one Actor per shard name and routes
// calls to it through the host's per-actor mailbox, satisfying
// shardsink.ShardIndex. This is the only place in the tree that knows
// both the actor-host abstraction and the shard storage layout.
type Registry struct {
	host Host
	open OpenFunc

	mu     sync.Mutex
	actors map[string]*Actor
}

// Host is the subset of actorhost.Host the registry needs.
type Host interface {
	Mailbox(name string) actorhost.Mailbox
}

// NewRegistry builds a Registry that opens shard stores on demand via
// open and serializes access to each through host.
func NewRegistry(host Host, open OpenFunc) *Registry {
	return &Registry{host: host, open: open, actors: map[string]*Actor{}}
}

func (r *Registry) actorFor(ctx context.Context, name string) (*Actor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.actors[name]; ok {
		return a, nil
	}
	store, err := r.open(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("shardactor: open shard %s: %w", name, err)
	}
	a := New(store)
	r.actors[name] = a
	return a, nil
}

// IndexWrite implements shardsink.ShardIndex by routing entry through
// the named shard's mailbox.
func (r *Registry) IndexWrite(ctx context.Context, shard string, entry storage.IndexEntryRow) error {
	a, err := r.actorFor(ctx, shard)
	if err != nil {
		return err
	}
	mb := r.host.Mailbox(shard)
	return mb.Do(ctx, func(ctx context.Context) error {
		return a.IndexWrite(ctx, entry)
	})
}

// IndexList implements shardsink.ShardIndex by routing the read through
// the named shard's mailbox.
func (r *Registry) IndexList(ctx context.Context, shard string, status string, limit int) ([]storage.IndexEntryRow, error) {
	a, err := r.actorFor(ctx, shard)
	if err != nil {
		return nil, err
	}
	mb := r.host.Mailbox(shard)
	var out []storage.IndexEntryRow
	err = mb.Do(ctx, func(ctx context.Context) error {
		rows, err := a.IndexList(ctx, status, limit)
		if err != nil {
			return err
		}
		out = rows
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
