// Package identity replays principal self-declarations into a registry of
// identity records. Principals may only declare themselves; the newest
// upsert per principal wins.
package identity

import (
	"fmt"

	"github.com/concord-lab/concord-ledger/internal/core/ledger"
	"github.com/concord-lab/concord-ledger/internal/registry"
)

// KindUpsert is the only entry kind this registry folds.
const KindUpsert = "identity.upsert"

const (
	CodeInvalidUpsert  = "INVALID_IDENTITY_UPSERT"
	CodeAuthorMismatch = "AUTHOR_MISMATCH"
)

// Error is a typed identity replay failure.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Record is the folded identity of one principal.
type Record struct {
	PrincipalID   string                 `json:"principalId"`
	DisplayName   string                 `json:"displayName,omitempty"`
	AgeRecipients []string               `json:"ageRecipients"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	UpdatedAt     string                 `json:"updatedAt"`
	UpdatedBy     string                 `json:"updatedBy"`
}

// State maps principal ids to their latest record.
type State struct {
	Principals map[string]Record `json:"principals"`
}

// NewState returns an empty identity state.
func NewState() *State {
	return &State{Principals: make(map[string]Record)}
}

// Principal looks up a principal's record.
func (s *State) Principal(principalID string) (Record, bool) {
	record, ok := s.Principals[principalID]
	return record, ok
}

// AgeRecipients returns a principal's registered recipients in declared order.
func (s *State) AgeRecipients(principalID string) []string {
	return s.Principals[principalID].AgeRecipients
}

// CurrentAgeRecipient returns the principal's current recipient. The FIRST
// element is current by protocol convention, even though upserts append:
// fixture ledgers depend on this ordering, so it is load-bearing.
func (s *State) CurrentAgeRecipient(principalID string) (string, bool) {
	recipients := s.AgeRecipients(principalID)
	if len(recipients) == 0 {
		return "", false
	}
	return recipients[0], true
}

type upsertPayload struct {
	principalID   string
	displayName   string
	ageRecipients []string
	metadata      map[string]interface{}
}

func parseUpsertPayload(raw interface{}) (*upsertPayload, error) {
	payload, ok := raw.(map[string]interface{})
	if !ok {
		return nil, &Error{Code: CodeInvalidUpsert, Message: "payload must be an object"}
	}
	principalID, ok := payload["principalId"].(string)
	if !ok || principalID == "" {
		return nil, &Error{Code: CodeInvalidUpsert, Message: "principalId must be a non-empty string"}
	}
	parsed := &upsertPayload{principalID: principalID}

	if raw, present := payload["displayName"]; present && raw != nil {
		displayName, ok := raw.(string)
		if !ok {
			return nil, &Error{Code: CodeInvalidUpsert, Message: "displayName must be a string"}
		}
		parsed.displayName = displayName
	}

	parsed.ageRecipients = []string{}
	if raw, present := payload["ageRecipients"]; present && raw != nil {
		list, ok := raw.([]interface{})
		if !ok {
			return nil, &Error{Code: CodeInvalidUpsert, Message: "ageRecipients must be a list"}
		}
		for _, item := range list {
			recipient, ok := item.(string)
			if !ok || recipient == "" {
				return nil, &Error{Code: CodeInvalidUpsert, Message: "ageRecipients must contain non-empty strings"}
			}
			parsed.ageRecipients = append(parsed.ageRecipients, recipient)
		}
	}

	if raw, present := payload["metadata"]; present && raw != nil {
		metadata, ok := raw.(map[string]interface{})
		if !ok {
			return nil, &Error{Code: CodeInvalidUpsert, Message: "metadata must be an object"}
		}
		parsed.metadata = metadata
	}
	return parsed, nil
}

func apply(state *State, entry ledger.Entry) error {
	payload, err := parseUpsertPayload(entry.Payload)
	if err != nil {
		return err
	}
	if entry.Author != payload.principalID {
		return &Error{
			Code:    CodeAuthorMismatch,
			Message: "identity.upsert author must match payload.principalId",
		}
	}
	state.Principals[payload.principalID] = Record{
		PrincipalID:   payload.principalID,
		DisplayName:   payload.displayName,
		AgeRecipients: payload.ageRecipients,
		Metadata:      payload.metadata,
		UpdatedAt:     entry.Timestamp,
		UpdatedBy:     entry.Author,
	}
	return nil
}

// Replay folds identity.upsert entries into identity state. A non-empty
// head replays state as of that commit.
func Replay(container *ledger.Container, head string) (*State, error) {
	state := NewState()
	err := registry.Walk(container, head, func(_ string, _ int, _ string, entry ledger.Entry) error {
		if entry.Kind != KindUpsert {
			return nil
		}
		return apply(state, entry)
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}
