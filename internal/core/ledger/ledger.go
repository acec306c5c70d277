package ledger

import (
	"github.com/concord-lab/concord-ledger/internal/core/canonical"
)

// DeriveEntryID deterministically derives an entry id from entry content.
// The signature field never participates.
func DeriveEntryID(entry Entry) (string, error) {
	payload, err := entry.SigningPayload()
	if err != nil {
		return "", err
	}
	return canonical.HashString(payload), nil
}

// DeriveCommitID deterministically derives a commit id from commit content.
func DeriveCommitID(commit Commit) (string, error) {
	s, err := canonical.Marshal(commit.core())
	if err != nil {
		return "", newError(CodeInvalidCommit, "commit is not canonicalizable: %v", err)
	}
	return canonical.HashString(s), nil
}

// NewLedger creates a container holding a genesis commit stamped with the
// protocol spec, optionally seeded with entries.
func NewLedger(metadata map[string]interface{}, timestamp string, entries []Entry) (*Container, error) {
	entryMap := make(map[string]Entry)
	entryIDs := make([]string, 0, len(entries))
	for _, entry := range entries {
		if err := checkEntry(entry); err != nil {
			return nil, err
		}
		entryID, err := DeriveEntryID(entry)
		if err != nil {
			return nil, err
		}
		if _, dup := entryMap[entryID]; dup {
			return nil, newError(CodeDuplicateEntry, "entry %s already exists", entryID)
		}
		entryMap[entryID] = entry
		entryIDs = append(entryIDs, entryID)
	}

	genesisMeta := map[string]interface{}{
		"genesis": true,
		"spec":    ProtocolSpec,
	}
	for key, value := range metadata {
		genesisMeta[key] = value
	}
	genesis := Commit{
		Parent:    nil,
		Timestamp: timestamp,
		Metadata:  genesisMeta,
		Entries:   entryIDs,
	}
	commitID, err := DeriveCommitID(genesis)
	if err != nil {
		return nil, err
	}

	return &Container{
		Format:  Format,
		Version: Version,
		Commits: map[string]Commit{commitID: genesis},
		Entries: entryMap,
		Head:    commitID,
	}, nil
}

// AppendEntry validates the entry and returns a new container including it.
// The entry is not referenced by any commit yet.
func AppendEntry(container *Container, entry Entry) (*Container, string, error) {
	if err := checkEntry(entry); err != nil {
		return nil, "", err
	}
	entryID, err := DeriveEntryID(entry)
	if err != nil {
		return nil, "", err
	}
	if _, dup := container.Entries[entryID]; dup {
		return nil, "", newError(CodeDuplicateEntry, "entry %s already exists", entryID)
	}
	next := container.Clone()
	next.Entries[entryID] = entry
	return next, entryID, nil
}

// CreateCommit builds a non-genesis commit referencing the given entry ids.
// A nil parent means "commit on the current head". An explicit empty-string
// parent is a caller error, distinct from a parent that simply is not in the
// container.
func CreateCommit(container *Container, entryIDs []string, metadata map[string]interface{}, timestamp string, parent *string) (string, Commit, error) {
	if entryIDs == nil {
		return "", Commit{}, newError(CodeInvalidEntries, "entries must be a list of entry ids")
	}
	for _, entryID := range entryIDs {
		if _, ok := container.Entries[entryID]; !ok {
			return "", Commit{}, newError(CodeMissingEntry, "missing entry %s", entryID)
		}
	}

	resolvedParent := container.Head
	if parent != nil {
		resolvedParent = *parent
	}
	if resolvedParent == "" {
		return "", Commit{}, newError(CodeInvalidParent, "non-genesis commits must reference a parent")
	}
	if _, ok := container.Commits[resolvedParent]; !ok {
		return "", Commit{}, newError(CodeMissingCommit, "missing commit %s", resolvedParent)
	}

	commit := Commit{
		Parent:    &resolvedParent,
		Timestamp: timestamp,
		Metadata:  metadata,
		Entries:   append([]string(nil), entryIDs...),
	}
	commitID, err := DeriveCommitID(commit)
	if err != nil {
		return "", Commit{}, err
	}
	return commitID, commit, nil
}

// AppendCommit adds a commit under the supplied id and advances head. The id
// is trusted; use AppendCommitStrict when the commit crosses a boundary where
// tampering is possible.
func AppendCommit(container *Container, commitID string, commit Commit) (*Container, error) {
	if commit.IsGenesis() {
		return nil, newError(CodeInvalidCommit, "genesis commits must be created via NewLedger")
	}
	if commit.Parent == nil || *commit.Parent == "" {
		return nil, newError(CodeInvalidParent, "commit parent must be a non-empty commit id")
	}
	if _, ok := container.Commits[*commit.Parent]; !ok {
		return nil, newError(CodeMissingCommit, "missing commit %s", *commit.Parent)
	}
	if err := checkCommit(commit); err != nil {
		return nil, err
	}
	for _, entryID := range commit.Entries {
		if _, ok := container.Entries[entryID]; !ok {
			return nil, newError(CodeMissingEntry, "missing entry %s", entryID)
		}
	}
	if _, dup := container.Commits[commitID]; dup {
		return nil, newError(CodeDuplicateCommit, "commit %s already exists", commitID)
	}

	next := container.Clone()
	next.Commits[commitID] = commit
	next.Head = commitID
	return next, nil
}

// AppendCommitStrict recomputes the commit id and rejects a supplied id that
// does not match the commit content.
func AppendCommitStrict(container *Container, commitID string, commit Commit) (*Container, error) {
	derived, err := DeriveCommitID(commit)
	if err != nil {
		return nil, err
	}
	if derived != commitID {
		return nil, newError(CodeCommitIDMismatch, "commit id does not match commit content")
	}
	return AppendCommit(container, commitID, commit)
}

// CommitChain returns commit ids from genesis to head in replay order. The
// walk follows parent pointers with a visited set, so a cycle is detected as
// COMMIT_CHAIN_CYCLE rather than looping forever.
func CommitChain(container *Container) ([]string, error) {
	if _, ok := container.Commits[container.Head]; !ok {
		return nil, newError(CodeMissingHead, "missing head commit %s", container.Head)
	}

	var chain []string
	visited := make(map[string]struct{})
	current := container.Head
	for {
		if _, again := visited[current]; again {
			return nil, newError(CodeCommitChainCycle, "commit chain cycle detected at %s", current)
		}
		visited[current] = struct{}{}
		chain = append(chain, current)

		commit, ok := container.Commits[current]
		if !ok {
			return nil, newError(CodeMissingCommit, "missing commit %s", current)
		}
		if commit.Parent == nil {
			break
		}
		if *commit.Parent == "" {
			return nil, newError(CodeInvalidParent, "commit parent must be null or a commit id")
		}
		current = *commit.Parent
	}

	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// ReplayEntryIDs returns entry ids in deterministic replay order, excluding
// the genesis commit's bookkeeping entries.
func ReplayEntryIDs(container *Container) ([]string, error) {
	chain, err := CommitChain(container)
	if err != nil {
		return nil, err
	}
	var entryIDs []string
	for _, commitID := range chain {
		commit := container.Commits[commitID]
		if commit.IsGenesis() {
			continue
		}
		entryIDs = append(entryIDs, commit.Entries...)
	}
	return entryIDs, nil
}

// ReplayEntries resolves entries in deterministic replay order.
func ReplayEntries(container *Container) ([]Entry, error) {
	entryIDs, err := ReplayEntryIDs(container)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(entryIDs))
	for _, entryID := range entryIDs {
		entry, ok := container.Entries[entryID]
		if !ok {
			return nil, newError(CodeMissingEntry, "missing entry %s", entryID)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
