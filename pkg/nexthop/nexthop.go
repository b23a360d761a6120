// Package nexthop implements the shared next-hop-group store. Groups are
// immutable member slices held in a fixed-capacity slot array, indexed by
// the route tables. Identical groups are deduplicated through a content
// hash and shared via refcounting.
//
// All mutation (create, release, replace) runs on the control thread
// under the route engine's lock. The forwarding path only calls Lookup
// and Select, which are wait-free: slots are atomic pointers and a
// published group is never modified, only swapped.
package nexthop

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/psaab/fibrx/pkg/fal"
	"github.com/psaab/fibrx/pkg/iface"
)

// Next-hop flag bits.
const (
	FlagGateway uint32 = 1 << iota // hop forwards via Gateway
	FlagLocal                      // destination is local
	FlagBlackhole                  // silently drop
	FlagReject                     // drop and signal unreachable
	FlagNoRoute                    // reserved no-route entry
	FlagSlowpath                   // punt to slow path
	FlagBroadcast                  // link broadcast
	FlagDead                       // interface gone, skip for ECMP
	FlagNeighPresent               // gateway's neighbor entry is resolved
	FlagNeighCreated               // hop exists only because of a neighbor
)

// CmpFlagMask selects the flag bits that participate in group
// deduplication. Dead and neighbor-linkage bits are runtime state, not
// identity.
const CmpFlagMask = ^(FlagDead | FlagNeighPresent | FlagNeighCreated)

// DefaultCapacity is the default slot-array size.
const DefaultCapacity = 1 << 15

// ErrStoreFull is returned when every slot is in use.
var ErrStoreFull = errors.New("nexthop: store full")

// ErrEmptyGroup is returned for a create with no members.
var ErrEmptyGroup = errors.New("nexthop: empty group")

// Proto tags the protocol that owns a group; it is part of the dedup key
// so different owners never share state.
type Proto uint8

const (
	ProtoRoute Proto = iota // unicast route tables
	ProtoNeigh              // neighbor-synthesized entries
)

// NextHop is one group member.
type NextHop struct {
	Gateway netip.Addr
	Ifp     *iface.Interface
	Flags   uint32
	Labels  []uint32

	// Neigh is the linked neighbor entry when FlagNeighPresent or
	// FlagNeighCreated is set.
	Neigh *iface.Neighbor
}

// IfIndex returns the egress interface index, or 0.
func (nh *NextHop) IfIndex() int {
	if nh.Ifp == nil {
		return 0
	}
	return nh.Ifp.Index
}

// ToFAL converts the member for offload programming.
func (nh *NextHop) ToFAL() fal.NextHop {
	return fal.NextHop{
		Gateway: nh.Gateway,
		IfIndex: nh.IfIndex(),
		Flags:   nh.Flags,
		Labels:  nh.Labels,
	}
}

func (nh *NextHop) sameContent(o *NextHop) bool {
	if nh.Gateway != o.Gateway ||
		nh.IfIndex() != o.IfIndex() ||
		nh.Flags&CmpFlagMask != o.Flags&CmpFlagMask ||
		len(nh.Labels) != len(o.Labels) {
		return false
	}
	for i, l := range nh.Labels {
		if o.Labels[i] != l {
			return false
		}
	}
	return true
}

// Group is an immutable, refcounted set of next hops.
type Group struct {
	Members []NextHop
	Proto   Proto

	// PDState and PDCreated record offload programming state. FALGroup
	// and FALMembers are the platform handles when PDCreated is true.
	PDState    fal.ObjState
	PDCreated  bool
	FALGroup   fal.Object
	FALMembers []fal.Object

	index uint32
	refs  int64
	hash  uint64
}

// Index returns the group's slot index.
func (g *Group) Index() uint32 { return g.index }

// Refs returns the current reference count.
func (g *Group) Refs() int64 { return g.refs }

// NeighPresent counts members with a resolved neighbor.
func (g *Group) NeighPresent() int {
	c := 0
	for i := range g.Members {
		if g.Members[i].Flags&FlagNeighPresent != 0 {
			c++
		}
	}
	return c
}

// NeighCreated counts members that exist only because of a neighbor.
func (g *Group) NeighCreated() int {
	c := 0
	for i := range g.Members {
		if g.Members[i].Flags&FlagNeighCreated != 0 {
			c++
		}
	}
	return c
}

// ToFAL converts all members for offload programming.
func (g *Group) ToFAL() []fal.NextHop {
	hops := make([]fal.NextHop, len(g.Members))
	for i := range g.Members {
		hops[i] = g.Members[i].ToFAL()
	}
	return hops
}

func contentHash(proto Proto, members []NextHop) uint64 {
	d := xxhash.New()
	var b [8]byte
	b[0] = byte(proto)
	d.Write(b[:1])
	for i := range members {
		nh := &members[i]
		if nh.Gateway.IsValid() {
			a := nh.Gateway.As16()
			d.Write(a[:])
		}
		binary.LittleEndian.PutUint32(b[:4], uint32(nh.IfIndex()))
		binary.LittleEndian.PutUint32(b[4:], nh.Flags&CmpFlagMask)
		d.Write(b[:])
		for _, l := range nh.Labels {
			binary.LittleEndian.PutUint32(b[:4], l)
			d.Write(b[:4])
		}
	}
	return d.Sum64()
}

func sameGroup(g *Group, proto Proto, members []NextHop) bool {
	if g.Proto != proto || len(g.Members) != len(members) {
		return false
	}
	for i := range members {
		if !g.Members[i].sameContent(&members[i]) {
			return false
		}
	}
	return true
}

// Config carries store construction parameters.
type Config struct {
	Capacity int       // slot count, DefaultCapacity if 0
	MaxPath  int       // ECMP path bound, unlimited if 0
	Plane    fal.Plane // offload plane, fal.Disabled if nil
	Log      *slog.Logger
}

// Store is the next-hop-group slot array plus its dedup index.
type Store struct {
	plane   fal.Plane
	maxPath int
	log     *slog.Logger

	entries []atomic.Pointer[Group]
	rover   uint32
	inUse   int
	dedup   map[uint64][]*Group
}

// New creates an empty store.
func New(cfg Config) *Store {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.Plane == nil {
		cfg.Plane = fal.Disabled{}
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Store{
		plane:   cfg.Plane,
		maxPath: cfg.MaxPath,
		log:     cfg.Log,
		entries: make([]atomic.Pointer[Group], cfg.Capacity),
		dedup:   make(map[uint64][]*Group),
	}
}

// Capacity returns the slot-array size.
func (s *Store) Capacity() int { return len(s.entries) }

// InUse returns the number of allocated slots.
func (s *Store) InUse() int { return s.inUse }

// DedupKeys returns the number of distinct content keys in use.
func (s *Store) DedupKeys() int { return len(s.dedup) }

// Lookup returns the group at index, or nil. Wait-free.
func (s *Store) Lookup(index uint32) *Group {
	if int(index) >= len(s.entries) {
		return nil
	}
	return s.entries[index].Load()
}

// Select picks the forwarding member of g for a flow hash. Member choice
// is bounded by the configured ECMP path limit and skips dead members,
// wrapping within the bounded width. Returns nil if every candidate is
// dead. Wait-free.
func (s *Store) Select(g *Group, hash uint32) *NextHop {
	n := len(g.Members)
	if n == 0 {
		return nil
	}
	if s.maxPath > 0 && s.maxPath < n {
		n = s.maxPath
	}
	i := int(hash) % n
	for k := 0; k < n; k++ {
		nh := &g.Members[(i+k)%n]
		if nh.Flags&FlagDead == 0 {
			return nh
		}
	}
	return nil
}

// CreateOrReuse returns a group index for the given members, reusing an
// existing identical group when possible. The members slice is copied.
// Offload programming is attempted on first creation; failure degrades
// the group's PD state and is not an error.
func (s *Store) CreateOrReuse(proto Proto, members []NextHop) (uint32, error) {
	if len(members) == 0 {
		return 0, ErrEmptyGroup
	}
	h := contentHash(proto, members)
	for _, g := range s.dedup[h] {
		if sameGroup(g, proto, members) {
			g.refs++
			return g.index, nil
		}
	}

	idx, ok := s.allocSlot()
	if !ok {
		return 0, ErrStoreFull
	}
	g := &Group{
		Members: append([]NextHop(nil), members...),
		Proto:   proto,
		index:   idx,
		refs:    1,
		hash:    h,
	}
	s.programGroup(g)
	s.entries[idx].Store(g)
	s.dedup[h] = append(s.dedup[h], g)
	s.inUse++
	return idx, nil
}

func (s *Store) allocSlot() (uint32, bool) {
	n := uint32(len(s.entries))
	for i := uint32(0); i < n; i++ {
		idx := (s.rover + i) % n
		if s.entries[idx].Load() == nil {
			s.rover = idx + 1
			return idx, true
		}
	}
	return 0, false
}

func (s *Store) programGroup(g *Group) {
	obj, members, err := s.plane.CreateNextHopGroup(g.ToFAL())
	g.PDState = fal.StateFromError(err)
	if err == nil {
		g.PDCreated = true
		g.FALGroup = obj
		g.FALMembers = members
	}
}

func (s *Store) unprogramGroup(g *Group) error {
	if !g.PDCreated {
		return nil
	}
	g.PDCreated = false
	return s.plane.DeleteNextHopGroup(g.FALGroup, g.ToFAL(), g.FALMembers)
}

// AddRef takes an additional reference on index.
func (s *Store) AddRef(index uint32) {
	g := s.mustGet(index)
	g.refs++
}

// Release drops one reference on index, freeing the slot and the offload
// object when it reaches zero.
func (s *Store) Release(index uint32) error {
	g := s.mustGet(index)
	g.refs--
	if g.refs > 0 {
		return nil
	}
	if g.refs < 0 {
		panic(fmt.Sprintf("nexthop: refcount underflow on group %d", index))
	}
	s.entries[index].Store(nil)
	s.dropDedup(g)
	s.inUse--
	if err := s.unprogramGroup(g); err != nil {
		return fmt.Errorf("delete next-hop group %d: %w", index, err)
	}
	return nil
}

func (s *Store) mustGet(index uint32) *Group {
	g := s.Lookup(index)
	if g == nil {
		panic(fmt.Sprintf("nexthop: no group at index %d", index))
	}
	return g
}

func (s *Store) dropDedup(g *Group) {
	bucket := s.dedup[g.hash]
	for i, e := range bucket {
		if e == g {
			bucket = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	if len(bucket) == 0 {
		delete(s.dedup, g.hash)
	} else {
		s.dedup[g.hash] = bucket
	}
}

// Change is one member's disposition during a group replacement.
type Change int

const (
	NoChange Change = iota
	SetNeighCreated
	ClearNeighCreated
	SetNeighPresent
	ClearNeighPresent
	SetDead
	ClearDead
	SetSlowpath
	ClearSlowpath
	DeleteMember
)

// Decision is a replacement callback's verdict for one member. Neigh is
// attached for the set changes and ignored otherwise.
type Decision struct {
	Change Change
	Neigh  *iface.Neighbor
}

// ReplaceResult reports what a Replace did.
type ReplaceResult int

const (
	// ReplaceNone: no member changed.
	ReplaceNone ReplaceResult = iota
	// ReplaceUpdated: a new group was published at the same index.
	ReplaceUpdated
	// ReplaceDeleteRoute: every member was deleted; the caller must
	// remove the routes referencing the group.
	ReplaceDeleteRoute
)

// Replace builds a modified copy of the group at index, applying decide
// to each member, and publishes it on the same slot with the same
// refcount. When membership shrinks the offload group is reprogrammed;
// flag-only changes keep the existing platform objects.
func (s *Store) Replace(index uint32, decide func(*NextHop) Decision) (ReplaceResult, *Group) {
	g := s.mustGet(index)

	changed := false
	next := make([]NextHop, 0, len(g.Members))
	for i := range g.Members {
		nh := g.Members[i]
		d := decide(&nh)
		switch d.Change {
		case NoChange:
		case SetNeighCreated:
			nh.Flags |= FlagNeighCreated
			nh.Neigh = d.Neigh
			changed = true
		case ClearNeighCreated:
			nh.Flags &^= FlagNeighCreated
			nh.Neigh = nil
			changed = true
		case SetNeighPresent:
			nh.Flags |= FlagNeighPresent
			nh.Neigh = d.Neigh
			changed = true
		case ClearNeighPresent:
			nh.Flags &^= FlagNeighPresent
			nh.Neigh = nil
			changed = true
		case SetDead:
			nh.Flags |= FlagDead
			changed = true
		case ClearDead:
			nh.Flags &^= FlagDead
			changed = true
		case SetSlowpath:
			nh.Flags |= FlagSlowpath
			changed = true
		case ClearSlowpath:
			nh.Flags &^= FlagSlowpath
			changed = true
		case DeleteMember:
			changed = true
			continue
		}
		next = append(next, nh)
	}
	if !changed {
		return ReplaceNone, g
	}
	if len(next) == 0 {
		return ReplaceDeleteRoute, g
	}

	ng := &Group{
		Members: next,
		Proto:   g.Proto,
		index:   g.index,
		refs:    g.refs,
		hash:    contentHash(g.Proto, next),
	}
	if len(next) == len(g.Members) {
		// Same membership, keep the platform objects.
		ng.PDState = g.PDState
		ng.PDCreated = g.PDCreated
		ng.FALGroup = g.FALGroup
		ng.FALMembers = g.FALMembers
	} else {
		if err := s.unprogramGroup(g); err != nil {
			s.log.Warn("delete next-hop group", "index", g.index, "err", err)
		}
		s.programGroup(ng)
	}

	s.dropDedup(g)
	s.dedup[ng.hash] = append(s.dedup[ng.hash], ng)
	s.entries[index].Store(ng)
	return ReplaceUpdated, ng
}

// Walk calls fn for every allocated group until fn returns false.
func (s *Store) Walk(fn func(*Group) bool) {
	for i := range s.entries {
		g := s.entries[i].Load()
		if g == nil {
			continue
		}
		if !fn(g) {
			return
		}
	}
}
