package encryption

import (
	"time"

	"github.com/concord-lab/concord-ledger/internal/core/ledger"
	"github.com/concord-lab/concord-ledger/internal/registry"
	"github.com/concord-lab/concord-ledger/internal/registry/identity"
	"github.com/concord-lab/concord-ledger/internal/registry/permission"
)

// Replay-time authorization ignores grant expiry; expiry only matters when
// resolving decryptability for a caller-supplied instant.
var noExpiry time.Time

type rotatePayload struct {
	Scope    string
	NewEpoch int
	Wraps    []epochWrap
}

type epochWrap struct {
	PrincipalID string
	Epoch       int
	Wrap        Wrap
}

type publishPayload struct {
	Scope       string
	Epoch       int
	PrincipalID string
	Wrap        Wrap
}

func requireString(payload map[string]interface{}, key string) (string, error) {
	value, ok := payload[key].(string)
	if !ok || value == "" {
		return "", &Error{Code: CodeInvalidPayload, Message: key + " must be a non-empty string"}
	}
	return value, nil
}

func parseRotatePayload(raw interface{}) (*rotatePayload, error) {
	payload, ok := raw.(map[string]interface{})
	if !ok {
		return nil, &Error{Code: CodeInvalidPayload, Message: "enc.epoch.rotate payload must be an object"}
	}
	scope, err := requireString(payload, "scope")
	if err != nil {
		return nil, err
	}
	newEpoch, err := parseEpochNumber(payload["newEpoch"], "newEpoch")
	if err != nil {
		return nil, err
	}
	rawWraps, ok := payload["wraps"].([]interface{})
	if !ok {
		return nil, &Error{Code: CodeInvalidPayload, Message: "wraps must be a list"}
	}
	wraps := make([]epochWrap, 0, len(rawWraps))
	for _, item := range rawWraps {
		entry, ok := item.(map[string]interface{})
		if !ok {
			return nil, &Error{Code: CodeInvalidPayload, Message: "wraps must contain objects"}
		}
		principalID, err := requireString(entry, "principalId")
		if err != nil {
			return nil, err
		}
		epoch, err := parseEpochNumber(entry["epoch"], "wrap.epoch")
		if err != nil {
			return nil, err
		}
		wrap, err := parseWrap(entry["wrap"])
		if err != nil {
			return nil, err
		}
		wraps = append(wraps, epochWrap{PrincipalID: principalID, Epoch: epoch, Wrap: wrap})
	}
	return &rotatePayload{Scope: scope, NewEpoch: newEpoch, Wraps: wraps}, nil
}

func parsePublishPayload(raw interface{}) (*publishPayload, error) {
	payload, ok := raw.(map[string]interface{})
	if !ok {
		return nil, &Error{Code: CodeInvalidPayload, Message: "enc.wrap.publish payload must be an object"}
	}
	scope, err := requireString(payload, "scope")
	if err != nil {
		return nil, err
	}
	epoch, err := parseEpochNumber(payload["epoch"], "epoch")
	if err != nil {
		return nil, err
	}
	principalID, err := requireString(payload, "principalId")
	if err != nil {
		return nil, err
	}
	wrap, err := parseWrap(payload["wrap"])
	if err != nil {
		return nil, err
	}
	return &publishPayload{Scope: scope, Epoch: epoch, PrincipalID: principalID, Wrap: wrap}, nil
}

// dependencyStates replays the permission and identity registries against
// the ledger sliced strictly before the entry under evaluation, so
// authorization never observes state the entry causally precedes.
func dependencyStates(container *ledger.Container, commitID string, position int, config Config) (*permission.State, *identity.State, error) {
	partial := registry.SliceBefore(container, commitID, position)
	perms, err := permission.Replay(partial, commitID, config.Permissions)
	if err != nil {
		return nil, nil, err
	}
	identities, err := identity.Replay(partial, commitID)
	if err != nil {
		return nil, nil, err
	}
	return perms, identities, nil
}

func ensureRecipientsCovered(state *State, identities *identity.State, scope, principalID string, to []string) error {
	recipients := identities.AgeRecipients(principalID)
	if len(recipients) == 0 {
		state.addWarning(Warning{
			Code:        WarnMissingRecipients,
			Message:     "principal has no registered age recipients",
			Scope:       scope,
			PrincipalID: principalID,
		})
		return nil
	}
	covered := make(map[string]bool, len(to))
	for _, recipient := range to {
		covered[recipient] = true
	}
	for _, recipient := range recipients {
		if !covered[recipient] {
			return &Error{Code: CodeInvalidPayload, Message: "wrap recipients must include all registered age recipients"}
		}
	}
	return nil
}

func applyRotate(state *State, entry ledger.Entry, payload *rotatePayload, perms *permission.State, identities *identity.State) error {
	if !perms.Can(entry.Author, permission.CapAdmin, payload.Scope, noExpiry) {
		return &Error{Code: CodeUnauthorizedRotate, Message: "enc.epoch.rotate requires admin capability"}
	}
	if payload.NewEpoch != state.ScopeStateFor(payload.Scope).CurrentEpoch+1 {
		return &Error{Code: CodeInvalidEpochTransition, Message: "newEpoch must equal currentEpoch + 1"}
	}
	state.Scopes[payload.Scope] = ScopeState{CurrentEpoch: payload.NewEpoch}

	for _, wrap := range payload.Wraps {
		if wrap.Epoch != payload.NewEpoch {
			return &Error{Code: CodeInvalidPayload, Message: "wrap.epoch must equal newEpoch"}
		}
		if !perms.Can(wrap.PrincipalID, permission.CapRead, payload.Scope, noExpiry) {
			return &Error{Code: CodeIneligibleTarget, Message: "wrap target must have read capability"}
		}
		if err := ensureRecipientsCovered(state, identities, payload.Scope, wrap.PrincipalID, wrap.Wrap.To); err != nil {
			return err
		}
		state.addWrap(WrapRecord{
			Scope:       payload.Scope,
			Epoch:       wrap.Epoch,
			PrincipalID: wrap.PrincipalID,
			Wrap:        wrap.Wrap,
			PublishedBy: entry.Author,
			PublishedAt: entry.Timestamp,
			Source:      SourceRotate,
		})
	}
	return nil
}

func applyPublish(state *State, entry ledger.Entry, payload *publishPayload, perms *permission.State, identities *identity.State) error {
	caps := perms.EffectiveCaps(entry.Author, payload.Scope, noExpiry)
	if !caps[permission.CapGrant] && !caps[permission.CapAdmin] {
		return &Error{Code: CodeUnauthorizedWrap, Message: "enc.wrap.publish requires grant or admin capability"}
	}
	if !perms.Can(payload.PrincipalID, permission.CapRead, payload.Scope, noExpiry) {
		return &Error{Code: CodeIneligibleTarget, Message: "wrap target must have read capability"}
	}
	if err := ensureRecipientsCovered(state, identities, payload.Scope, payload.PrincipalID, payload.Wrap.To); err != nil {
		return err
	}
	state.addWrap(WrapRecord{
		Scope:       payload.Scope,
		Epoch:       payload.Epoch,
		PrincipalID: payload.PrincipalID,
		Wrap:        payload.Wrap,
		PublishedBy: entry.Author,
		PublishedAt: entry.Timestamp,
		Source:      SourcePublish,
	})
	return nil
}

// Replay folds rotation and wrap-publication entries into an encryption
// state. An empty head replays to the container's own head.
func Replay(container *ledger.Container, head string, config Config) (*State, error) {
	state := NewState()
	view := registry.At(container, head)
	err := registry.Walk(view, head, func(commitID string, position int, entryID string, entry ledger.Entry) error {
		if entry.Kind != KindRotate && entry.Kind != KindPublish {
			return nil
		}
		perms, identities, err := dependencyStates(view, commitID, position, config)
		if err != nil {
			return err
		}
		switch entry.Kind {
		case KindRotate:
			payload, err := parseRotatePayload(entry.Payload)
			if err != nil {
				return err
			}
			return applyRotate(state, entry, payload, perms, identities)
		case KindPublish:
			payload, err := parsePublishPayload(entry.Payload)
			if err != nil {
				return err
			}
			return applyPublish(state, entry, payload, perms, identities)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}
