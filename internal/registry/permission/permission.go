// Package permission replays grants, revokes, and group membership into a
// capability registry. Resolution is order-sensitive: grants and revokes
// are folded with a monotonic replay sequence number, and the most recent
// operation per capability wins.
package permission

import (
	"fmt"
	"time"
)

// Entry kinds owned by this registry.
const (
	KindGroupUpsert  = "group.upsert"
	KindMemberAdd    = "group.member.add"
	KindMemberRemove = "group.member.remove"
	KindGrant        = "perm.grant"
	KindRevoke       = "perm.revoke"
)

const (
	CodeInvalidCap              = "INVALID_CAP"
	CodeInvalidTarget           = "INVALID_TARGET"
	CodeInvalidGroupUpsert      = "INVALID_GROUP_UPSERT"
	CodeInvalidGroupMember      = "INVALID_GROUP_MEMBER"
	CodeInvalidGrant            = "INVALID_PERM_GRANT"
	CodeInvalidRevoke           = "INVALID_PERM_REVOKE"
	CodeGroupNotFound           = "GROUP_NOT_FOUND"
	CodeUnauthorizedGrant       = "UNAUTHORIZED_GRANT"
	CodeUnauthorizedRevoke      = "UNAUTHORIZED_REVOKE"
	CodeUnauthorizedGroupUpdate = "UNAUTHORIZED_GROUP_UPDATE"
)

// Error is a typed permission replay failure. The offending entry is never
// folded into state.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Cap is one capability. Admin implies grant and write, grant implies read.
type Cap string

const (
	CapRead  Cap = "read"
	CapWrite Cap = "write"
	CapGrant Cap = "grant"
	CapAdmin Cap = "admin"
)

var impliedCaps = map[Cap][]Cap{
	CapRead:  nil,
	CapWrite: nil,
	CapGrant: {CapRead},
	CapAdmin: {CapGrant, CapWrite, CapRead},
}

// AllCaps is the full capability set held by root admins.
func AllCaps() map[Cap]bool {
	return map[Cap]bool{CapRead: true, CapWrite: true, CapGrant: true, CapAdmin: true}
}

// TargetType discriminates grant/revoke targets.
type TargetType string

const (
	TargetPrincipal TargetType = "principal"
	TargetGroup     TargetType = "group"
)

// Target is the subject of a grant or revoke.
type Target struct {
	Type TargetType `json:"type"`
	ID   string     `json:"id"`
}

// Constraints restricts a grant; an expired grant is ignored at resolution
// time, not removed from state.
type Constraints struct {
	Expires string `json:"expires,omitempty"`
	Note    string `json:"note,omitempty"`
}

// GroupRecord is one group's folded state. Owner is the author of the first
// group.upsert and never changes.
type GroupRecord struct {
	GroupID     string   `json:"groupId"`
	DisplayName string   `json:"displayName,omitempty"`
	Owner       string   `json:"owner"`
	Members     []string `json:"members"`
}

// GrantRecord is one applied perm.grant. Order is the replay sequence
// number, monotonic across the whole replay.
type GrantRecord struct {
	Scope       string       `json:"scope"`
	Cap         Cap          `json:"cap"`
	Target      Target       `json:"target"`
	Constraints *Constraints `json:"constraints,omitempty"`
	GrantedBy   string       `json:"grantedBy"`
	GrantedAt   string       `json:"grantedAt"`
	Order       int          `json:"order"`
}

// RevokeRecord is one applied perm.revoke.
type RevokeRecord struct {
	Scope     string `json:"scope"`
	Cap       Cap    `json:"cap"`
	Target    Target `json:"target"`
	Reason    string `json:"reason,omitempty"`
	RevokedBy string `json:"revokedBy"`
	RevokedAt string `json:"revokedAt"`
	Order     int    `json:"order"`
}

// noExpiry skips expiry checks during replay-time authorization; expiry is
// a resolution-time concern.
var noExpiry time.Time

// Config seeds replay with externally configured root admins. Root admins
// bypass capability resolution entirely.
type Config struct {
	RootAdmins []string
}

// State is the folded permission registry.
type State struct {
	RootAdmins []string               `json:"rootAdmins"`
	Groups     map[string]GroupRecord `json:"groups"`
	Grants     []GrantRecord          `json:"grants"`
	Revokes    []RevokeRecord         `json:"revokes"`

	nextOrder int
}

// NewState returns an empty permission state carrying the configured root
// admin set.
func NewState(config Config) *State {
	return &State{
		RootAdmins: append([]string(nil), config.RootAdmins...),
		Groups:     make(map[string]GroupRecord),
	}
}

func (s *State) isRootAdmin(principalID string) bool {
	for _, admin := range s.RootAdmins {
		if admin == principalID {
			return true
		}
	}
	return false
}

// groupMemberships collects the groups a principal belongs to. Memberships
// are resolved in one pass before grants are considered, so group targets
// never recurse back into capability resolution.
func (s *State) groupMemberships(principalID string) map[string]bool {
	groups := make(map[string]bool)
	for groupID, group := range s.Groups {
		for _, member := range group.Members {
			if member == principalID {
				groups[groupID] = true
				break
			}
		}
	}
	return groups
}

func (t Target) matches(principalID string, groups map[string]bool) bool {
	if t.Type == TargetPrincipal {
		return t.ID == principalID
	}
	return groups[t.ID]
}

func grantExpired(constraints *Constraints, now time.Time) bool {
	if constraints == nil || constraints.Expires == "" || now.IsZero() {
		return false
	}
	expires, err := time.Parse(time.RFC3339, constraints.Expires)
	if err != nil {
		return false
	}
	return !expires.After(now)
}

// EffectiveCaps resolves the capability set for (principal, scope) at now.
// Root admins hold everything unconditionally. Everyone else gets explicit
// grants and revokes matching the principal or one of its groups, merged by
// replay order so a later revoke removes an earlier grant and a later grant
// restores a revoked capability, then expanded through implication. A zero
// now skips expiry checks.
func (s *State) EffectiveCaps(principalID, scope string, now time.Time) map[Cap]bool {
	if s.isRootAdmin(principalID) {
		return AllCaps()
	}

	groups := s.groupMemberships(principalID)

	type op struct {
		order int
		cap   Cap
		grant bool
	}
	var ops []op
	for _, grant := range s.Grants {
		if grant.Scope != scope || !grant.Target.matches(principalID, groups) {
			continue
		}
		if grantExpired(grant.Constraints, now) {
			continue
		}
		ops = append(ops, op{order: grant.Order, cap: grant.Cap, grant: true})
	}
	for _, revoke := range s.Revokes {
		if revoke.Scope != scope || !revoke.Target.matches(principalID, groups) {
			continue
		}
		ops = append(ops, op{order: revoke.Order, cap: revoke.Cap})
	}

	// Grants and revokes are each already in replay order; merge the two
	// streams by the global order.
	explicit := make(map[Cap]bool)
	for len(ops) > 0 {
		lowest := 0
		for i, candidate := range ops {
			if candidate.order < ops[lowest].order {
				lowest = i
			}
		}
		next := ops[lowest]
		ops = append(ops[:lowest], ops[lowest+1:]...)
		if next.grant {
			explicit[next.cap] = true
		} else {
			delete(explicit, next.cap)
		}
	}

	expanded := make(map[Cap]bool, len(explicit))
	for capability := range explicit {
		expanded[capability] = true
		for _, implied := range impliedCaps[capability] {
			expanded[implied] = true
		}
	}
	return expanded
}

// Can reports whether the principal holds the capability on the scope.
func (s *State) Can(principalID string, cap Cap, scope string, now time.Time) bool {
	return s.EffectiveCaps(principalID, scope, now)[cap]
}

func (s *State) authorizedGroupChange(author, groupID string) bool {
	if s.isRootAdmin(author) {
		return true
	}
	group, ok := s.Groups[groupID]
	return ok && group.Owner == author
}
