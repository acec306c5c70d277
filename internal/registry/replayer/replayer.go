// Package replayer caches folded registry states per (ledger, head).
// Replay is pure, so a snapshot computed once for a given head never goes
// stale; new commits produce a new head and therefore a new cache key.
package replayer

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/concord-lab/concord-ledger/internal/core/ledger"
	"github.com/concord-lab/concord-ledger/internal/registry/encryption"
	"github.com/concord-lab/concord-ledger/internal/registry/identity"
	"github.com/concord-lab/concord-ledger/internal/registry/permission"
)

// Config carries the replay configuration shared by all cached snapshots.
type Config struct {
	Permissions permission.Config
}

// Snapshot bundles the three registry states folded at one head.
type Snapshot struct {
	Head        string
	Identities  *identity.State
	Permissions *permission.State
	Encryption  *encryption.State
}

// Replayer memoizes registry replays keyed by (ledger id, head).
type Replayer struct {
	config Config

	mu          sync.RWMutex
	snapshots   map[string]*Snapshot
	replayGroup singleflight.Group // Dedupe concurrent replays of the same head
}

// New creates a replay cache.
func New(config Config) *Replayer {
	return &Replayer{
		config:    config,
		snapshots: make(map[string]*Snapshot),
	}
}

func snapshotKey(ledgerID, head string) string {
	return ledgerID + ":" + head
}

// Snapshot returns the registry states at head, computing them at most once
// per (ledger id, head) even under concurrent callers. An empty head means
// the container's own head.
func (r *Replayer) Snapshot(ctx context.Context, ledgerID string, container *ledger.Container, head string) (*Snapshot, error) {
	if head == "" {
		head = container.Head
	}
	key := snapshotKey(ledgerID, head)

	r.mu.RLock()
	if snapshot, exists := r.snapshots[key]; exists {
		r.mu.RUnlock()
		return snapshot, nil
	}
	r.mu.RUnlock()

	result, err, _ := r.replayGroup.Do(key, func() (interface{}, error) {
		// Double-check cache after acquiring singleflight lock
		r.mu.RLock()
		if snapshot, exists := r.snapshots[key]; exists {
			r.mu.RUnlock()
			return snapshot, nil
		}
		r.mu.RUnlock()

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		snapshot, err := r.replay(container, head)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.snapshots[key] = snapshot
		r.mu.Unlock()

		return snapshot, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*Snapshot), nil
}

func (r *Replayer) replay(container *ledger.Container, head string) (*Snapshot, error) {
	identities, err := identity.Replay(container, head)
	if err != nil {
		return nil, err
	}
	permissions, err := permission.Replay(container, head, r.config.Permissions)
	if err != nil {
		return nil, err
	}
	encryptionState, err := encryption.Replay(container, head, encryption.Config{Permissions: r.config.Permissions})
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		Head:        head,
		Identities:  identities,
		Permissions: permissions,
		Encryption:  encryptionState,
	}, nil
}

// Invalidate drops one cached snapshot, for operators repairing a ledger in
// place.
func (r *Replayer) Invalidate(ledgerID, head string) {
	r.mu.Lock()
	delete(r.snapshots, snapshotKey(ledgerID, head))
	r.mu.Unlock()
}
