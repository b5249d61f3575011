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

package runner

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/tombee/ablauf/internal/actorhost"
	alog "github.com/tombee/ablauf/internal/log"
	"github.com/tombee/ablauf/internal/observability"
	"github.com/tombee/ablauf/internal/observability/shardsink"
	"github.com/tombee/ablauf/internal/shardactor"
	"github.com/tombee/ablauf/internal/storage"
)

// Manager is the process-wide wiring a single ablauf.Engine embeds: one
// actorhost.Host shared by every instance actor and every index shard
// actor, one on-disk SQLite file per instance under dataDir, and a
// shardsink.Provider fronting the shard actors as the default
// observability backend (spec.md §1, §4.2, §4.7).
type Manager struct {
	host     actorhost.Host
	registry *Registry
	dataDir  string
	provider observability.Provider
	shards   *shardactor.Registry
	logger   *slog.Logger

	mu      sync.Mutex
	runners map[string]*Runner
}

// NewManager builds a Manager. shardCount controls how many index
// shards each workflow type's instances are distributed across — see
// pkg/shardhash. logger is the process's base logger; Manager and every
// Runner/Provider it hands out logs through their own
// internal/log.WithComponent child of it.
func NewManager(host actorhost.Host, registry *Registry, dataDir string, shardCount int, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = alog.New(alog.DefaultConfig())
	}
	shards := shardactor.NewRegistry(host, func(ctx context.Context, name string) (*storage.ShardStore, error) {
		return storage.OpenShardStore(ctx, storage.Config{Path: filepath.Join(dataDir, "shards", name+".db")})
	})
	return &Manager{
		host:     host,
		registry: registry,
		dataDir:  dataDir,
		provider: shardsink.New(shards, shardCount, alog.WithComponent(logger, "observability"), shardsink.WithRateLimit(200, 20)),
		shards:   shards,
		logger:   alog.WithComponent(logger, "manager"),
		runners:  map[string]*Runner{},
	}
}

// Provider returns the observability backend every Runner this Manager
// hands out reports to.
func (m *Manager) Provider() observability.Provider { return m.provider }

// Get returns the cached Runner for id, opening its instance store on
// first access. The returned Runner is safe to share across goroutines
// — every method already serializes through its actorhost mailbox.
func (m *Manager) Get(ctx context.Context, id string) (*Runner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.runners[id]; ok {
		return r, nil
	}
	st, err := storage.OpenInstanceStore(ctx, storage.Config{Path: filepath.Join(m.dataDir, "instances", id+".db")})
	if err != nil {
		m.logger.Error("open instance store failed", alog.String(alog.InstanceIDKey, id), alog.Error(err))
		return nil, fmt.Errorf("runner: open instance store for %s: %w", id, err)
	}
	r := New(id, st, m.host, m.registry, m.provider, m.logger)
	m.runners[id] = r
	return r, nil
}

// Close releases every opened instance store's underlying SQLite
// connection. It does not close the shard stores shardactor.Registry
// opened lazily, and shutting down the host does not close them either.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for id, r := range m.runners {
		if err := r.store.Close(); err != nil {
			m.logger.Error("close instance store failed", alog.String(alog.InstanceIDKey, id), alog.Error(err))
			if firstErr == nil {
				firstErr = fmt.Errorf("runner: close instance store for %s: %w", id, err)
			}
		}
	}
	m.runners = map[string]*Runner{}
	return firstErr
}
