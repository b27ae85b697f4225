// Package permissions implements layered bitmask resolution for channel
// access. Resolution is a pure function over a snapshot of grants; callers
// load the snapshot and decide what to do with the resulting mask.
package permissions

// Bits is a permission mask. The zero value grants nothing.
type Bits uint64

const (
	ViewChannel Bits = 1 << iota
	SendMessages
	AttachFiles
	ManageMessages
	ManageChannel
	ManageRoles
	ManageServer
	KickMembers
	BanMembers
	CreateInvites
	MentionEveryone

	// All is the union of every defined bit. Resolution masks its result
	// with All so bits outside the known set are never granted.
	All = MentionEveryone<<1 - 1
)

// DMMemberMask is the fixed mask every member of a direct-message channel
// holds. DM channels have no roles or overwrites to resolve.
const DMMemberMask = ViewChannel | SendMessages | AttachFiles

func (b Bits) Has(p Bits) bool { return b&p == p }
