// Package registry holds the shared fold-over-commits engine that the
// identity, permission, and encryption registries specialize. A registry is
// a pure function from a ledger snapshot to typed state; all of them walk
// the same commit chain, skip the genesis commit's bookkeeping entries, and
// fold only the entry kinds they own.
package registry

import (
	"github.com/concord-lab/concord-ledger/internal/core/ledger"
)

// Visitor receives every non-genesis entry in replay order. Position is the
// entry's index within its commit, used by registries that need
// point-in-time dependency states.
type Visitor func(commitID string, position int, entryID string, entry ledger.Entry) error

// Walk folds fn over the commit chain of the container. A non-empty head
// truncates the walk at that commit for point-in-time queries. Unknown
// entry kinds are the visitor's business; structural problems (missing
// commits or entries, cycles) abort the walk with a ledger.ProtocolError.
func Walk(container *ledger.Container, head string, fn Visitor) error {
	replay := At(container, head)
	chain, err := ledger.CommitChain(replay)
	if err != nil {
		return err
	}
	for _, commitID := range chain {
		commit := replay.Commits[commitID]
		if commit.IsGenesis() {
			continue
		}
		for position, entryID := range commit.Entries {
			entry, ok := replay.Entries[entryID]
			if !ok {
				return &ledger.ProtocolError{
					Code:    ledger.CodeMissingEntry,
					Message: "missing entry " + entryID,
				}
			}
			if err := fn(commitID, position, entryID, entry); err != nil {
				return err
			}
		}
	}
	return nil
}

// At returns a view of the container truncated at head. An empty head means
// the container's own head.
func At(container *ledger.Container, head string) *ledger.Container {
	if head == "" || head == container.Head {
		return container
	}
	view := container.Clone()
	view.Head = head
	return view
}

// SliceBefore returns a view of the container whose chain ends at commitID
// and whose final commit contains only the entries strictly before position.
// Registries that consult other registries' state replay dependencies
// against this view, so an entry never sees state it causally follows.
func SliceBefore(container *ledger.Container, commitID string, position int) *ledger.Container {
	view := container.Clone()
	commit, ok := view.Commits[commitID]
	if !ok {
		return view
	}
	if position < 0 {
		position = 0
	}
	if position > len(commit.Entries) {
		position = len(commit.Entries)
	}
	commit.Entries = append([]string(nil), commit.Entries[:position]...)
	view.Commits[commitID] = commit
	view.Head = commitID
	return view
}
