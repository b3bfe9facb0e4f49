// Package access defines principals and the capability sets evaluated by the
// subscription gateway and the write endpoints.
package access

import (
	"errors"
	"slices"
)

// Capability is a single permission.
type Capability string

// Capabilities known to the system.
const (
	CapViewAllUsers     Capability = "users:view_all"
	CapViewSelf         Capability = "users:view_self"
	CapWriteUsers       Capability = "users:write"
	CapViewAllRequests  Capability = "requests:view_all"
	CapViewOwnRequests  Capability = "requests:view_own"
	CapWriteAllRequests Capability = "requests:write_all"
	CapWriteOwnRequests Capability = "requests:write_own"
	CapViewItemGroups   Capability = "itemgroups:view"
	CapWriteItemGroups  Capability = "itemgroups:write"
)

// Role is a named bundle of capabilities.
type Role string

// Roles.
const (
	RoleAdmin    Role = "admin"
	RoleManager  Role = "manager"
	RoleEmployee Role = "employee"
)

// ErrUnknownRole is returned for roles without a capability mapping.
var ErrUnknownRole = errors.New("unknown role")

// Set is an immutable set of capabilities.
type Set struct {
	caps map[Capability]struct{}
}

// NewSet creates a set holding caps.
func NewSet(caps ...Capability) Set {
	s := Set{caps: make(map[Capability]struct{}, len(caps))}
	for _, c := range caps {
		s.caps[c] = struct{}{}
	}
	return s
}

// Has reports whether the set contains c.
func (s Set) Has(c Capability) bool {
	_, ok := s.caps[c]
	return ok
}

// Slice returns the capabilities in a stable order.
func (s Set) Slice() []Capability {
	out := make([]Capability, 0, len(s.caps))
	for c := range s.caps {
		out = append(out, c)
	}
	slices.Sort(out)
	return out
}

// Len returns the number of capabilities.
func (s Set) Len() int {
	return len(s.caps)
}

// CapabilitiesFor returns the capability set granted by role.
func CapabilitiesFor(role Role) (Set, error) {
	switch role {
	case RoleAdmin:
		return NewSet(
			CapViewAllUsers, CapViewSelf, CapWriteUsers,
			CapViewAllRequests, CapViewOwnRequests, CapWriteAllRequests, CapWriteOwnRequests,
			CapViewItemGroups, CapWriteItemGroups,
		), nil
	case RoleManager:
		return NewSet(
			CapViewAllUsers, CapViewSelf,
			CapViewAllRequests, CapViewOwnRequests, CapWriteAllRequests, CapWriteOwnRequests,
			CapViewItemGroups, CapWriteItemGroups,
		), nil
	case RoleEmployee:
		return NewSet(
			CapViewSelf,
			CapViewOwnRequests, CapWriteOwnRequests,
			CapViewItemGroups,
		), nil
	default:
		return Set{}, ErrUnknownRole
	}
}

// Principal is a verified identity attached to a connection or request.
type Principal struct {
	UserID       string
	Username     string
	Role         Role
	Capabilities Set
}

// NewPrincipal creates a principal whose capabilities derive from role.
func NewPrincipal(userID, username string, role Role) (*Principal, error) {
	caps, err := CapabilitiesFor(role)
	if err != nil {
		return nil, err
	}
	return &Principal{
		UserID:       userID,
		Username:     username,
		Role:         role,
		Capabilities: caps,
	}, nil
}

// Can reports whether the principal holds c. A nil principal holds nothing.
func (p *Principal) Can(c Capability) bool {
	return p != nil && p.Capabilities.Has(c)
}
