package encryption

import (
	"sort"
	"time"

	"github.com/concord-lab/concord-ledger/internal/core/ledger"
	"github.com/concord-lab/concord-ledger/internal/registry/identity"
	"github.com/concord-lab/concord-ledger/internal/registry/permission"
)

// Reason codes carried by Diagnostics. Callers branch on these rather than
// message text.
const (
	ReasonEpochUnknown      = "EPOCH_UNKNOWN"
	ReasonMissingWrap       = "MISSING_WRAP"
	ReasonMissingRecipients = "MISSING_RECIPIENTS"
	ReasonMissingRead       = "MISSING_READ"
)

// Diagnostics explains whether, and why not, a principal can decrypt
// material at a (scope, epoch). A bare boolean is never enough: operators
// have to show the caller which precondition failed.
type Diagnostics struct {
	OK           bool     `json:"ok"`
	Reasons      []string `json:"reasons"`
	HasWrap      bool     `json:"hasWrap"`
	HasRecipient bool     `json:"hasRecipient"`
	HasRead      bool     `json:"hasRead"`
}

// ResolutionContext carries the dependency states consulted during
// resolution. Nil fields skip the corresponding check.
type ResolutionContext struct {
	Permissions *permission.State
	Identities  *identity.State
	Now         time.Time
}

// ExplainWhyCannotDecrypt evaluates one (principal, scope, epoch) against
// the folded encryption state.
func ExplainWhyCannotDecrypt(state *State, principalID, scope string, epoch int, ctx *ResolutionContext) Diagnostics {
	diagnostics := Diagnostics{
		Reasons:      []string{},
		HasRecipient: true,
		HasRead:      true,
	}

	if epoch > state.ScopeStateFor(scope).CurrentEpoch {
		diagnostics.Reasons = append(diagnostics.Reasons, ReasonEpochUnknown)
	}
	diagnostics.HasWrap = len(state.FindWrapsForPrincipal(principalID, scope, epoch)) > 0

	if ctx != nil && ctx.Identities != nil {
		diagnostics.HasRecipient = len(ctx.Identities.AgeRecipients(principalID)) > 0
		if !diagnostics.HasRecipient {
			diagnostics.Reasons = append(diagnostics.Reasons, ReasonMissingRecipients)
		}
	}
	if ctx != nil && ctx.Permissions != nil {
		diagnostics.HasRead = ctx.Permissions.Can(principalID, permission.CapRead, scope, ctx.Now)
		if !diagnostics.HasRead {
			diagnostics.Reasons = append(diagnostics.Reasons, ReasonMissingRead)
		}
	}
	if !diagnostics.HasWrap {
		diagnostics.Reasons = append(diagnostics.Reasons, ReasonMissingWrap)
	}

	diagnostics.OK = diagnostics.HasWrap && diagnostics.HasRecipient && diagnostics.HasRead &&
		len(diagnostics.Reasons) == 0
	return diagnostics
}

// ExplainDecryptability replays the ledger and explains, per scope, whether
// the principal can decrypt material published at that scope's current
// epoch.
func ExplainDecryptability(container *ledger.Container, principalID string, rootAdmins []string) (map[string]Diagnostics, error) {
	config := Config{Permissions: permission.Config{RootAdmins: rootAdmins}}
	state, err := Replay(container, "", config)
	if err != nil {
		return nil, err
	}
	perms, err := permission.Replay(container, "", config.Permissions)
	if err != nil {
		return nil, err
	}
	identities, err := identity.Replay(container, "")
	if err != nil {
		return nil, err
	}

	ctx := &ResolutionContext{Permissions: perms, Identities: identities}
	scopes := make([]string, 0, len(state.Scopes))
	for scope := range state.Scopes {
		scopes = append(scopes, scope)
	}
	for key := range state.wraps {
		if _, ok := state.Scopes[key.scope]; !ok {
			scopes = append(scopes, key.scope)
		}
	}
	sort.Strings(scopes)

	result := make(map[string]Diagnostics, len(scopes))
	for _, scope := range scopes {
		if _, ok := result[scope]; ok {
			continue
		}
		epoch := state.ScopeStateFor(scope).CurrentEpoch
		result[scope] = ExplainWhyCannotDecrypt(state, principalID, scope, epoch, ctx)
	}
	return result, nil
}
