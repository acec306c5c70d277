package permission

import (
	"github.com/concord-lab/concord-ledger/internal/core/ledger"
	"github.com/concord-lab/concord-ledger/internal/registry"
)

func parseCap(raw interface{}, code string) (Cap, error) {
	value, ok := raw.(string)
	if !ok {
		return "", &Error{Code: code, Message: "cap must be a string"}
	}
	switch Cap(value) {
	case CapRead, CapWrite, CapGrant, CapAdmin:
		return Cap(value), nil
	}
	return "", &Error{Code: CodeInvalidCap, Message: "cap must be one of read, write, grant, admin"}
}

func parseTarget(raw interface{}) (Target, error) {
	payload, ok := raw.(map[string]interface{})
	if !ok {
		return Target{}, &Error{Code: CodeInvalidTarget, Message: "target must be an object"}
	}
	targetType, _ := payload["type"].(string)
	if targetType != string(TargetPrincipal) && targetType != string(TargetGroup) {
		return Target{}, &Error{Code: CodeInvalidTarget, Message: "target.type must be principal or group"}
	}
	id, _ := payload["id"].(string)
	if id == "" {
		return Target{}, &Error{Code: CodeInvalidTarget, Message: "target.id must be a non-empty string"}
	}
	return Target{Type: TargetType(targetType), ID: id}, nil
}

func parseConstraints(raw interface{}) (*Constraints, error) {
	if raw == nil {
		return nil, nil
	}
	payload, ok := raw.(map[string]interface{})
	if !ok {
		return nil, &Error{Code: CodeInvalidGrant, Message: "constraints must be an object"}
	}
	constraints := &Constraints{}
	if v, present := payload["expires"]; present && v != nil {
		expires, ok := v.(string)
		if !ok {
			return nil, &Error{Code: CodeInvalidGrant, Message: "constraints.expires must be a string"}
		}
		constraints.Expires = expires
	}
	if v, present := payload["note"]; present && v != nil {
		note, ok := v.(string)
		if !ok {
			return nil, &Error{Code: CodeInvalidGrant, Message: "constraints.note must be a string"}
		}
		constraints.Note = note
	}
	return constraints, nil
}

func objectPayload(entry ledger.Entry, code string) (map[string]interface{}, error) {
	payload, ok := entry.Payload.(map[string]interface{})
	if !ok {
		return nil, &Error{Code: code, Message: "payload must be an object"}
	}
	return payload, nil
}

func requireString(payload map[string]interface{}, key, code string) (string, error) {
	value, ok := payload[key].(string)
	if !ok || value == "" {
		return "", &Error{Code: code, Message: key + " must be a non-empty string"}
	}
	return value, nil
}

func applyGroupUpsert(state *State, entry ledger.Entry) error {
	payload, err := objectPayload(entry, CodeInvalidGroupUpsert)
	if err != nil {
		return err
	}
	groupID, err := requireString(payload, "groupId", CodeInvalidGroupUpsert)
	if err != nil {
		return err
	}
	displayName, _ := payload["displayName"].(string)

	if existing, ok := state.Groups[groupID]; ok {
		if !state.authorizedGroupChange(entry.Author, groupID) {
			return &Error{
				Code:    CodeUnauthorizedGroupUpdate,
				Message: "group.upsert requires group owner or root admin",
			}
		}
		if displayName != "" {
			existing.DisplayName = displayName
		}
		state.Groups[groupID] = existing
		return nil
	}

	state.Groups[groupID] = GroupRecord{
		GroupID:     groupID,
		DisplayName: displayName,
		Owner:       entry.Author,
		Members:     []string{},
	}
	return nil
}

func applyGroupMember(state *State, entry ledger.Entry, add bool) error {
	payload, err := objectPayload(entry, CodeInvalidGroupMember)
	if err != nil {
		return err
	}
	groupID, err := requireString(payload, "groupId", CodeInvalidGroupMember)
	if err != nil {
		return err
	}
	principalID, err := requireString(payload, "principalId", CodeInvalidGroupMember)
	if err != nil {
		return err
	}

	group, ok := state.Groups[groupID]
	if !ok {
		return &Error{Code: CodeGroupNotFound, Message: "missing group " + groupID}
	}
	if !state.authorizedGroupChange(entry.Author, groupID) {
		return &Error{
			Code:    CodeUnauthorizedGroupUpdate,
			Message: "group membership changes require group owner or root admin",
		}
	}

	members := make([]string, 0, len(group.Members)+1)
	present := false
	for _, member := range group.Members {
		if member == principalID {
			present = true
			if !add {
				continue
			}
		}
		members = append(members, member)
	}
	if add && !present {
		members = append(members, principalID)
	}
	group.Members = members
	state.Groups[groupID] = group
	return nil
}

func applyGrant(state *State, entry ledger.Entry) error {
	payload, err := objectPayload(entry, CodeInvalidGrant)
	if err != nil {
		return err
	}
	scope, err := requireString(payload, "scope", CodeInvalidGrant)
	if err != nil {
		return err
	}
	capability, err := parseCap(payload["cap"], CodeInvalidGrant)
	if err != nil {
		return err
	}
	target, err := parseTarget(payload["target"])
	if err != nil {
		return err
	}
	constraints, err := parseConstraints(payload["constraints"])
	if err != nil {
		return err
	}

	// Granting only requires grant: a grantor can hand out at most what the
	// capability lattice lets them reach, which is self-limiting. Revocation
	// is the privileged operation.
	if !state.Can(entry.Author, CapGrant, scope, noExpiry) {
		return &Error{
			Code:    CodeUnauthorizedGrant,
			Message: "perm.grant requires grant or admin capability",
		}
	}

	state.Grants = append(state.Grants, GrantRecord{
		Scope:       scope,
		Cap:         capability,
		Target:      target,
		Constraints: constraints,
		GrantedBy:   entry.Author,
		GrantedAt:   entry.Timestamp,
		Order:       state.nextOrder,
	})
	state.nextOrder++
	return nil
}

func applyRevoke(state *State, entry ledger.Entry) error {
	payload, err := objectPayload(entry, CodeInvalidRevoke)
	if err != nil {
		return err
	}
	scope, err := requireString(payload, "scope", CodeInvalidRevoke)
	if err != nil {
		return err
	}
	capability, err := parseCap(payload["cap"], CodeInvalidRevoke)
	if err != nil {
		return err
	}
	target, err := parseTarget(payload["target"])
	if err != nil {
		return err
	}
	reason, _ := payload["reason"].(string)

	if !state.Can(entry.Author, CapAdmin, scope, noExpiry) {
		return &Error{
			Code:    CodeUnauthorizedRevoke,
			Message: "perm.revoke requires admin capability",
		}
	}

	state.Revokes = append(state.Revokes, RevokeRecord{
		Scope:     scope,
		Cap:       capability,
		Target:    target,
		Reason:    reason,
		RevokedBy: entry.Author,
		RevokedAt: entry.Timestamp,
		Order:     state.nextOrder,
	})
	state.nextOrder++
	return nil
}

// Replay folds permission entries into a capability registry. A non-empty
// head replays state as of that commit.
func Replay(container *ledger.Container, head string, config Config) (*State, error) {
	state := NewState(config)
	err := registry.Walk(container, head, func(_ string, _ int, _ string, entry ledger.Entry) error {
		switch entry.Kind {
		case KindGroupUpsert:
			return applyGroupUpsert(state, entry)
		case KindMemberAdd:
			return applyGroupMember(state, entry, true)
		case KindMemberRemove:
			return applyGroupMember(state, entry, false)
		case KindGrant:
			return applyGrant(state, entry)
		case KindRevoke:
			return applyRevoke(state, entry)
		default:
			return nil
		}
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}
