// Package ledger implements the content-addressed commit DAG at the core of
// the Concord protocol: immutable entries grouped into single-parent commits
// whose identifiers are SHA-256 digests of their canonical form. A ledger is
// a value, not a service: every operation here takes a snapshot and returns
// a new one without performing any I/O.
package ledger

import (
	"github.com/concord-lab/concord-ledger/internal/core/canonical"
)

const (
	// Format and Version identify the container codec on disk and over the
	// persistence boundary.
	Format  = "concord-ledger"
	Version = "1.0"

	// ProtocolSpec is stamped into genesis commit metadata.
	ProtocolSpec = "concord-protocol@1.0"
)

// Entry is the atomic unit of the ledger. The signature is excluded from
// identity derivation so that re-signing (key rotation re-signatures) never
// changes an entry's id.
type Entry struct {
	Kind      string      `json:"kind"`
	Timestamp string      `json:"timestamp"`
	Author    string      `json:"author"`
	Payload   interface{} `json:"payload"`
	Signature string      `json:"signature,omitempty"`
}

// Core returns the entry fields that participate in hashing and signing,
// lowered to the canonical value domain.
func (e Entry) Core() map[string]interface{} {
	return map[string]interface{}{
		"kind":      e.Kind,
		"timestamp": e.Timestamp,
		"author":    e.Author,
		"payload":   e.Payload,
	}
}

// SigningPayload is the canonical string signed by entry authors. It is the
// same pre-image used for the entry id.
func (e Entry) SigningPayload() (string, error) {
	s, err := canonical.Marshal(e.Core())
	if err != nil {
		return "", newError(CodeInvalidEntry, "entry is not canonicalizable: %v", err)
	}
	return s, nil
}

// Commit points at one parent commit and an ordered list of entry ids. The
// commit id commits to entry ids, not entry bodies.
type Commit struct {
	Parent    *string                `json:"parent"`
	Timestamp string                 `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata"`
	Entries   []string               `json:"entries"`
}

// IsGenesis reports whether the commit carries the genesis marker.
func (c Commit) IsGenesis() bool {
	return c.Metadata != nil && c.Metadata["genesis"] == true
}

func (c Commit) core() map[string]interface{} {
	var parent interface{}
	if c.Parent != nil {
		parent = *c.Parent
	}
	entries := make([]interface{}, len(c.Entries))
	for i, id := range c.Entries {
		entries[i] = id
	}
	var metadata interface{}
	if c.Metadata != nil {
		metadata = c.Metadata
	}
	return map[string]interface{}{
		"parent":    parent,
		"timestamp": c.Timestamp,
		"metadata":  metadata,
		"entries":   entries,
	}
}

// Container is a full ledger snapshot: every commit and entry reachable from
// head, keyed by id. Owned by the external command layer; registries only
// read it.
type Container struct {
	Format  string            `json:"format"`
	Version string            `json:"version"`
	Commits map[string]Commit `json:"commits"`
	Entries map[string]Entry  `json:"entries"`
	Head    string            `json:"head"`
}

// Clone returns a shallow-map copy of the container. Commit and entry values
// are immutable once appended, so sharing them between copies is safe.
func (c *Container) Clone() *Container {
	commits := make(map[string]Commit, len(c.Commits))
	for id, commit := range c.Commits {
		commits[id] = commit
	}
	entries := make(map[string]Entry, len(c.Entries))
	for id, entry := range c.Entries {
		entries[id] = entry
	}
	return &Container{
		Format:  c.Format,
		Version: c.Version,
		Commits: commits,
		Entries: entries,
		Head:    c.Head,
	}
}
