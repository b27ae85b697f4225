package permissions

import "sort"

// RoleGrant is one role held by the user on the channel's server.
type RoleGrant struct {
	Allow    Bits
	Priority int
}

// Overwrite adjusts the mask for one subject on one channel. Priority is the
// priority of the role the overwrite targets; it is ignored for the user
// overwrite, which always applies last.
type Overwrite struct {
	Allow    Bits
	Deny     Bits
	Priority int
}

// Snapshot is one consistent read of everything that feeds a (user, channel)
// resolution: the user's roles on the server, the channel overwrites scoped
// to those roles, and the user-scoped overwrite if one exists.
type Snapshot struct {
	Roles          []RoleGrant
	RoleOverwrites []Overwrite
	UserOverwrite  *Overwrite
}

// Resolve computes the effective mask for a snapshot. Layers apply in order:
// the union of role allows, then role overwrites in ascending priority with
// deny cleared before allow is set, then the user overwrite. The result is
// masked to the known bit set, so an absent grant stays denied and unknown
// bits are never set.
func Resolve(s Snapshot) Bits {
	var mask Bits
	for _, g := range s.Roles {
		mask |= g.Allow
	}

	ows := make([]Overwrite, len(s.RoleOverwrites))
	copy(ows, s.RoleOverwrites)
	sort.SliceStable(ows, func(i, j int) bool { return ows[i].Priority < ows[j].Priority })
	for _, ow := range ows {
		mask &^= ow.Deny
		mask |= ow.Allow
	}

	if ow := s.UserOverwrite; ow != nil {
		mask &^= ow.Deny
		mask |= ow.Allow
	}

	return mask & All
}
