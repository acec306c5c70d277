package permission

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/concord-lab/concord-ledger/internal/core/ledger"
)

const rootAdmin = "did:root"

func permEntry(kind, author string, payload map[string]interface{}) ledger.Entry {
	return ledger.Entry{
		Kind:      kind,
		Timestamp: "2026-03-01T10:00:00.000Z",
		Author:    author,
		Payload:   payload,
	}
}

func grantEntry(author, scope string, capability Cap, targetID string) ledger.Entry {
	return permEntry(KindGrant, author, map[string]interface{}{
		"scope": scope,
		"cap":   string(capability),
		"target": map[string]interface{}{
			"type": "principal",
			"id":   targetID,
		},
	})
}

func revokeEntry(author, scope string, capability Cap, targetID string) ledger.Entry {
	return permEntry(KindRevoke, author, map[string]interface{}{
		"scope": scope,
		"cap":   string(capability),
		"target": map[string]interface{}{
			"type": "principal",
			"id":   targetID,
		},
	})
}

func newTestLedger(t *testing.T) *ledger.Container {
	t.Helper()
	container, err := ledger.NewLedger(nil, "2026-03-01T09:00:00.000Z", nil)
	require.NoError(t, err)
	return container
}

func commitEntries(t *testing.T, container *ledger.Container, entries ...ledger.Entry) *ledger.Container {
	t.Helper()
	entryIDs := make([]string, 0, len(entries))
	for _, entry := range entries {
		next, entryID, err := ledger.AppendEntry(container, entry)
		require.NoError(t, err)
		container = next
		entryIDs = append(entryIDs, entryID)
	}
	commitID, commit, err := ledger.CreateCommit(container, entryIDs, nil, "2026-03-01T10:30:00.000Z", nil)
	require.NoError(t, err)
	next, err := ledger.AppendCommitStrict(container, commitID, commit)
	require.NoError(t, err)
	return next
}

func replayWithRoot(t *testing.T, container *ledger.Container) *State {
	t.Helper()
	state, err := Replay(container, "", Config{RootAdmins: []string{rootAdmin}})
	require.NoError(t, err)
	return state
}

func requireReplayCode(t *testing.T, container *ledger.Container, code string) {
	t.Helper()
	_, err := Replay(container, "", Config{RootAdmins: []string{rootAdmin}})
	require.Error(t, err)
	var permErr *Error
	require.ErrorAs(t, err, &permErr)
	require.Equal(t, code, permErr.Code)
}

func TestEffectiveCaps_RootAdminHoldsEverything(t *testing.T) {
	state := replayWithRoot(t, newTestLedger(t))

	caps := state.EffectiveCaps(rootAdmin, "anything", noExpiry)
	require.Equal(t, AllCaps(), caps)
}

func TestEffectiveCaps_GrantThenRevokeExcludes(t *testing.T) {
	container := commitEntries(t, newTestLedger(t),
		grantEntry(rootAdmin, "vault", CapRead, "did:alice"),
		revokeEntry(rootAdmin, "vault", CapRead, "did:alice"),
	)
	state := replayWithRoot(t, container)

	require.False(t, state.Can("did:alice", CapRead, "vault", noExpiry))
}

func TestEffectiveCaps_RevokeThenGrantRestores(t *testing.T) {
	container := commitEntries(t, newTestLedger(t),
		revokeEntry(rootAdmin, "vault", CapRead, "did:alice"),
		grantEntry(rootAdmin, "vault", CapRead, "did:alice"),
	)
	state := replayWithRoot(t, container)

	require.True(t, state.Can("did:alice", CapRead, "vault", noExpiry))
}

func TestEffectiveCaps_ImplicationExpansion(t *testing.T) {
	tests := []struct {
		granted Cap
		want    map[Cap]bool
	}{
		{granted: CapRead, want: map[Cap]bool{CapRead: true}},
		{granted: CapWrite, want: map[Cap]bool{CapWrite: true}},
		{granted: CapGrant, want: map[Cap]bool{CapGrant: true, CapRead: true}},
		{granted: CapAdmin, want: AllCaps()},
	}
	for _, tc := range tests {
		t.Run(string(tc.granted), func(t *testing.T) {
			container := commitEntries(t, newTestLedger(t),
				grantEntry(rootAdmin, "vault", tc.granted, "did:alice"),
			)
			state := replayWithRoot(t, container)
			require.Equal(t, tc.want, state.EffectiveCaps("did:alice", "vault", noExpiry))
		})
	}
}

func TestEffectiveCaps_ScopedToGrantScope(t *testing.T) {
	container := commitEntries(t, newTestLedger(t),
		grantEntry(rootAdmin, "vault", CapRead, "did:alice"),
	)
	state := replayWithRoot(t, container)

	require.True(t, state.Can("did:alice", CapRead, "vault", noExpiry))
	require.False(t, state.Can("did:alice", CapRead, "other", noExpiry))
}

func TestEffectiveCaps_ExpiredGrantDropped(t *testing.T) {
	container := commitEntries(t, newTestLedger(t), permEntry(KindGrant, rootAdmin, map[string]interface{}{
		"scope": "vault",
		"cap":   "read",
		"target": map[string]interface{}{
			"type": "principal",
			"id":   "did:alice",
		},
		"constraints": map[string]interface{}{
			"expires": "2026-03-02T00:00:00Z",
		},
	}))
	state := replayWithRoot(t, container)

	before := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	after := time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC)
	require.True(t, state.Can("did:alice", CapRead, "vault", before))
	require.False(t, state.Can("did:alice", CapRead, "vault", after))
	require.False(t, state.Can("did:alice", CapRead, "vault", time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)),
		"expiry boundary is at-or-before now")
}

func TestEffectiveCaps_GroupTarget(t *testing.T) {
	container := newTestLedger(t)
	container = commitEntries(t, container,
		permEntry(KindGroupUpsert, rootAdmin, map[string]interface{}{"groupId": "ops"}),
		permEntry(KindMemberAdd, rootAdmin, map[string]interface{}{"groupId": "ops", "principalId": "did:alice"}),
		permEntry(KindGrant, rootAdmin, map[string]interface{}{
			"scope":  "vault",
			"cap":    "write",
			"target": map[string]interface{}{"type": "group", "id": "ops"},
		}),
	)
	state := replayWithRoot(t, container)

	require.True(t, state.Can("did:alice", CapWrite, "vault", noExpiry))
	require.False(t, state.Can("did:bob", CapWrite, "vault", noExpiry))
}

func TestEffectiveCaps_GroupRemovalDropsCaps(t *testing.T) {
	container := newTestLedger(t)
	container = commitEntries(t, container,
		permEntry(KindGroupUpsert, rootAdmin, map[string]interface{}{"groupId": "ops"}),
		permEntry(KindMemberAdd, rootAdmin, map[string]interface{}{"groupId": "ops", "principalId": "did:alice"}),
		permEntry(KindGrant, rootAdmin, map[string]interface{}{
			"scope":  "vault",
			"cap":    "read",
			"target": map[string]interface{}{"type": "group", "id": "ops"},
		}),
	)
	container = commitEntries(t, container,
		permEntry(KindMemberRemove, rootAdmin, map[string]interface{}{"groupId": "ops", "principalId": "did:alice"}),
	)
	state := replayWithRoot(t, container)

	require.False(t, state.Can("did:alice", CapRead, "vault", noExpiry))
}

func TestReplay_GrantRequiresGrantCapability(t *testing.T) {
	container := commitEntries(t, newTestLedger(t),
		grantEntry("did:mallory", "vault", CapRead, "did:alice"),
	)
	requireReplayCode(t, container, CodeUnauthorizedGrant)
}

func TestReplay_GrantHolderCanGrantButNotRevoke(t *testing.T) {
	base := commitEntries(t, newTestLedger(t),
		grantEntry(rootAdmin, "vault", CapGrant, "did:alice"),
	)

	granted := commitEntries(t, base, grantEntry("did:alice", "vault", CapRead, "did:bob"))
	state := replayWithRoot(t, granted)
	require.True(t, state.Can("did:bob", CapRead, "vault", noExpiry))

	revoked := commitEntries(t, granted, revokeEntry("did:alice", "vault", CapRead, "did:bob"))
	requireReplayCode(t, revoked, CodeUnauthorizedRevoke)
}

func TestReplay_GroupOwnerImmutable(t *testing.T) {
	container := newTestLedger(t)
	container = commitEntries(t, container,
		permEntry(KindGroupUpsert, "did:owner", map[string]interface{}{"groupId": "ops", "displayName": "Ops"}),
	)
	container = commitEntries(t, container,
		permEntry(KindGroupUpsert, rootAdmin, map[string]interface{}{"groupId": "ops", "displayName": "Renamed"}),
	)
	state := replayWithRoot(t, container)

	group, ok := state.Groups["ops"]
	require.True(t, ok)
	require.Equal(t, "did:owner", group.Owner)
	require.Equal(t, "Renamed", group.DisplayName)
}

func TestReplay_GroupUpdateRequiresOwnerOrRootAdmin(t *testing.T) {
	base := commitEntries(t, newTestLedger(t),
		permEntry(KindGroupUpsert, "did:owner", map[string]interface{}{"groupId": "ops"}),
	)

	unauthorized := commitEntries(t, base,
		permEntry(KindMemberAdd, "did:mallory", map[string]interface{}{"groupId": "ops", "principalId": "did:mallory"}),
	)
	requireReplayCode(t, unauthorized, CodeUnauthorizedGroupUpdate)

	byOwner := commitEntries(t, base,
		permEntry(KindMemberAdd, "did:owner", map[string]interface{}{"groupId": "ops", "principalId": "did:alice"}),
	)
	state := replayWithRoot(t, byOwner)
	require.Equal(t, []string{"did:alice"}, state.Groups["ops"].Members)
}

func TestReplay_MemberAddToMissingGroup(t *testing.T) {
	container := commitEntries(t, newTestLedger(t),
		permEntry(KindMemberAdd, rootAdmin, map[string]interface{}{"groupId": "ghost", "principalId": "did:alice"}),
	)
	requireReplayCode(t, container, CodeGroupNotFound)
}

func TestReplay_InvalidPayloads(t *testing.T) {
	tests := []struct {
		name  string
		entry ledger.Entry
		code  string
	}{
		{
			name: "bad cap",
			entry: permEntry(KindGrant, rootAdmin, map[string]interface{}{
				"scope":  "vault",
				"cap":    "superuser",
				"target": map[string]interface{}{"type": "principal", "id": "did:alice"},
			}),
			code: CodeInvalidCap,
		},
		{
			name: "bad target type",
			entry: permEntry(KindGrant, rootAdmin, map[string]interface{}{
				"scope":  "vault",
				"cap":    "read",
				"target": map[string]interface{}{"type": "robot", "id": "did:alice"},
			}),
			code: CodeInvalidTarget,
		},
		{
			name:  "grant missing scope",
			entry: permEntry(KindGrant, rootAdmin, map[string]interface{}{"cap": "read"}),
			code:  CodeInvalidGrant,
		},
		{
			name:  "group upsert missing id",
			entry: permEntry(KindGroupUpsert, rootAdmin, map[string]interface{}{}),
			code:  CodeInvalidGroupUpsert,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			container := commitEntries(t, newTestLedger(t), tc.entry)
			requireReplayCode(t, container, tc.code)
		})
	}
}

func TestReplay_OrderMonotonicAcrossCommits(t *testing.T) {
	container := newTestLedger(t)
	container = commitEntries(t, container, grantEntry(rootAdmin, "vault", CapRead, "did:alice"))
	container = commitEntries(t, container, revokeEntry(rootAdmin, "vault", CapRead, "did:alice"))
	container = commitEntries(t, container, grantEntry(rootAdmin, "vault", CapWrite, "did:alice"))
	state := replayWithRoot(t, container)

	require.Len(t, state.Grants, 2)
	require.Len(t, state.Revokes, 1)
	require.Equal(t, 0, state.Grants[0].Order)
	require.Equal(t, 1, state.Revokes[0].Order)
	require.Equal(t, 2, state.Grants[1].Order)
}
