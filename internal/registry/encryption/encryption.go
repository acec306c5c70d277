// Package encryption replays key-rotation and wrap-publication entries into
// a registry of wrapped keys per (scope, epoch, principal). Revocation is by
// omission: a principal with no wrap at the current epoch cannot decrypt
// anything published from that epoch on, and no explicit revoke kind exists.
package encryption

import (
	"fmt"

	"github.com/concord-lab/concord-ledger/internal/registry/permission"
)

// Entry kinds owned by this registry.
const (
	KindRotate  = "enc.epoch.rotate"
	KindPublish = "enc.wrap.publish"
)

const (
	CodeInvalidPayload         = "INVALID_PAYLOAD"
	CodeUnauthorizedRotate     = "UNAUTHORIZED_ROTATE"
	CodeUnauthorizedWrap       = "UNAUTHORIZED_WRAP"
	CodeIneligibleTarget       = "INELIGIBLE_TARGET"
	CodeInvalidEpochTransition = "INVALID_EPOCH_TRANSITION"

	// WarnMissingRecipients flags a wrap published for a principal with no
	// registered age recipients. Not fatal: the wrap may predate the
	// principal's identity record.
	WarnMissingRecipients = "MISSING_RECIPIENTS"
)

// Error is a typed encryption replay failure.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Wrap is an encryption key wrapped for a recipient set.
type Wrap struct {
	To []string `json:"to"`
	CT string   `json:"ct"`
}

// WrapSource records how a wrap entered the registry.
type WrapSource string

const (
	SourceRotate  WrapSource = "rotate"
	SourcePublish WrapSource = "publish"
)

// WrapRecord is one wrap discovered during replay, keyed by
// (scope, epoch, principal).
type WrapRecord struct {
	Scope       string     `json:"scope"`
	Epoch       int        `json:"epoch"`
	PrincipalID string     `json:"principalId"`
	Wrap        Wrap       `json:"wrap"`
	PublishedBy string     `json:"publishedBy"`
	PublishedAt string     `json:"publishedAt"`
	Source      WrapSource `json:"source"`
}

// Warning is a non-fatal replay observation.
type Warning struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Scope       string `json:"scope,omitempty"`
	PrincipalID string `json:"principalId,omitempty"`
}

// ScopeState tracks the rotation epoch for one scope. Epoch numbering
// starts at 1 before any rotation.
type ScopeState struct {
	CurrentEpoch int `json:"currentEpoch"`
}

type wrapKey struct {
	scope       string
	epoch       int
	principalID string
}

// State is the folded encryption registry.
type State struct {
	Scopes   map[string]ScopeState `json:"scopes"`
	Warnings []Warning             `json:"warnings,omitempty"`

	wraps map[wrapKey][]WrapRecord
}

// NewState returns an empty encryption state.
func NewState() *State {
	return &State{
		Scopes: make(map[string]ScopeState),
		wraps:  make(map[wrapKey][]WrapRecord),
	}
}

// ScopeStateFor returns the rotation state for a scope, defaulting to
// epoch 1 for scopes that never rotated.
func (s *State) ScopeStateFor(scope string) ScopeState {
	if state, ok := s.Scopes[scope]; ok {
		return state
	}
	return ScopeState{CurrentEpoch: 1}
}

func (s *State) addWrap(record WrapRecord) {
	key := wrapKey{scope: record.Scope, epoch: record.Epoch, principalID: record.PrincipalID}
	s.wraps[key] = append(s.wraps[key], record)
}

func (s *State) addWarning(warning Warning) {
	s.Warnings = append(s.Warnings, warning)
}

// FindWrapsForPrincipal returns every wrap visible to the principal at the
// given scope and epoch.
func (s *State) FindWrapsForPrincipal(principalID, scope string, epoch int) []WrapRecord {
	records := s.wraps[wrapKey{scope: scope, epoch: epoch, principalID: principalID}]
	return append([]WrapRecord(nil), records...)
}

// FindWrap returns the first wrap for the principal at the scope and epoch.
func (s *State) FindWrap(principalID, scope string, epoch int) (WrapRecord, bool) {
	records := s.wraps[wrapKey{scope: scope, epoch: epoch, principalID: principalID}]
	if len(records) == 0 {
		return WrapRecord{}, false
	}
	return records[0], true
}

// Config wires the dependency replays.
type Config struct {
	Permissions permission.Config
}

func parseWrap(raw interface{}) (Wrap, error) {
	payload, ok := raw.(map[string]interface{})
	if !ok {
		return Wrap{}, &Error{Code: CodeInvalidPayload, Message: "wrap must be an object"}
	}
	rawTo, ok := payload["to"].([]interface{})
	if !ok || len(rawTo) == 0 {
		return Wrap{}, &Error{Code: CodeInvalidPayload, Message: "wrap.to must be a non-empty list"}
	}
	to := make([]string, 0, len(rawTo))
	for _, item := range rawTo {
		recipient, ok := item.(string)
		if !ok || recipient == "" {
			return Wrap{}, &Error{Code: CodeInvalidPayload, Message: "wrap.to must contain non-empty strings"}
		}
		to = append(to, recipient)
	}
	ct, ok := payload["ct"].(string)
	if !ok || ct == "" {
		return Wrap{}, &Error{Code: CodeInvalidPayload, Message: "wrap.ct must be a non-empty string"}
	}
	return Wrap{To: to, CT: ct}, nil
}

func parseEpochNumber(raw interface{}, field string) (int, error) {
	var epoch int
	switch v := raw.(type) {
	case float64:
		epoch = int(v)
		if float64(epoch) != v {
			return 0, &Error{Code: CodeInvalidPayload, Message: field + " must be an integer"}
		}
	case int:
		epoch = v
	default:
		if n, ok := rawAsNumber(raw); ok {
			return parseEpochNumber(n, field)
		}
		return 0, &Error{Code: CodeInvalidPayload, Message: field + " must be an integer"}
	}
	if epoch < 1 {
		return 0, &Error{Code: CodeInvalidPayload, Message: field + " must be >= 1"}
	}
	return epoch, nil
}

func rawAsNumber(raw interface{}) (float64, bool) {
	type numeric interface{ Float64() (float64, error) }
	if n, ok := raw.(numeric); ok {
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}
