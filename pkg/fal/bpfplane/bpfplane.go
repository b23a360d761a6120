// Package bpfplane implements fal.Plane on eBPF maps: an LPM trie keyed
// by (vrf, table, prefix) resolving to a next-hop-group slot in an array
// map, mirroring the software store's layout so an XDP or TC program can
// forward from the same indexes.
package bpfplane

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/cilium/ebpf"
	"golang.org/x/sys/unix"

	"github.com/psaab/fibrx/pkg/fal"
)

// MaxGroupMembers bounds the ECMP width one map slot can hold.
const MaxGroupMembers = 16

// Config carries plane construction parameters.
type Config struct {
	MaxRoutes uint32 // LPM trie capacity, default 1M
	MaxGroups uint32 // group array capacity, default 64K
	Log       *slog.Logger
}

// routeKey is the LPM trie key: the prefix length covers the vrf and
// table words exactly plus the destination's depth.
type routeKey struct {
	PrefixLen uint32
	VRF       uint32
	Table     uint32
	Addr      [4]byte
}

type memberValue struct {
	Gateway uint32
	IfIndex uint32
	Flags   uint32
	Pad     uint32
}

type groupValue struct {
	Count   uint32
	Pad     uint32
	Members [MaxGroupMembers]memberValue
}

// Plane programs the maps. Mutation comes only from the route engine's
// control thread, so no internal locking is needed.
type Plane struct {
	log    *slog.Logger
	routes *ebpf.Map
	groups *ebpf.Map

	next uint32
	free []uint32
	caps uint32
}

// New creates the maps and returns a ready plane.
func New(cfg Config) (*Plane, error) {
	if cfg.MaxRoutes == 0 {
		cfg.MaxRoutes = 1 << 20
	}
	if cfg.MaxGroups == 0 {
		cfg.MaxGroups = 1 << 16
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	routes, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:       "fibrx_routes4",
		Type:       ebpf.LPMTrie,
		KeySize:    16,
		ValueSize:  4,
		MaxEntries: cfg.MaxRoutes,
		Flags:      unix.BPF_F_NO_PREALLOC,
	})
	if err != nil {
		return nil, fmt.Errorf("create route map: %w", err)
	}
	groups, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:       "fibrx_nhgroups",
		Type:       ebpf.Array,
		KeySize:    4,
		ValueSize:  uint32(8 + 16*MaxGroupMembers),
		MaxEntries: cfg.MaxGroups,
	})
	if err != nil {
		routes.Close()
		return nil, fmt.Errorf("create group map: %w", err)
	}

	return &Plane{
		log:    cfg.Log,
		routes: routes,
		groups: groups,
		caps:   cfg.MaxGroups,
	}, nil
}

// Close releases the maps.
func (p *Plane) Close() error {
	err := p.routes.Close()
	if gerr := p.groups.Close(); err == nil {
		err = gerr
	}
	return err
}

// RouteMap exposes the trie for attaching to a program.
func (p *Plane) RouteMap() *ebpf.Map { return p.routes }

// GroupMap exposes the group array for attaching to a program.
func (p *Plane) GroupMap() *ebpf.Map { return p.groups }

func (p *Plane) allocSlot() (uint32, bool) {
	if n := len(p.free); n > 0 {
		idx := p.free[n-1]
		p.free = p.free[:n-1]
		return idx, true
	}
	if p.next >= p.caps {
		return 0, false
	}
	idx := p.next
	p.next++
	return idx, true
}

func encodeGroup(hops []fal.NextHop) (groupValue, error) {
	var v groupValue
	if len(hops) > MaxGroupMembers {
		return v, fal.ErrNoResource
	}
	v.Count = uint32(len(hops))
	for i, h := range hops {
		m := &v.Members[i]
		if h.Gateway.IsValid() && h.Gateway.Is4() {
			b := h.Gateway.As4()
			m.Gateway = binary.BigEndian.Uint32(b[:])
		}
		m.IfIndex = uint32(h.IfIndex)
		m.Flags = h.Flags
	}
	return v, nil
}

// CreateNextHopGroup writes the members into a fresh array slot. The
// returned handle is the slot index offset by one so the zero Object
// stays "none"; member handles pack the slot and member position.
func (p *Plane) CreateNextHopGroup(hops []fal.NextHop) (fal.Object, []fal.Object, error) {
	val, err := encodeGroup(hops)
	if err != nil {
		return fal.ObjectNone, nil, err
	}
	idx, ok := p.allocSlot()
	if !ok {
		return fal.ObjectNone, nil, fal.ErrNoResource
	}
	if err := p.groups.Update(idx, val, ebpf.UpdateAny); err != nil {
		p.free = append(p.free, idx)
		return fal.ObjectNone, nil, fmt.Errorf("update group map: %w", err)
	}
	obj := fal.Object(idx) + 1
	members := make([]fal.Object, len(hops))
	for i := range hops {
		members[i] = fal.Object(uint64(obj)<<16 | uint64(i))
	}
	return obj, members, nil
}

// DeleteNextHopGroup zeroes the slot and recycles it.
func (p *Plane) DeleteNextHopGroup(group fal.Object, _ []fal.NextHop, _ []fal.Object) error {
	if group == fal.ObjectNone {
		return nil
	}
	idx := uint32(group) - 1
	var zero groupValue
	if err := p.groups.Update(idx, zero, ebpf.UpdateAny); err != nil {
		return fmt.Errorf("clear group map: %w", err)
	}
	p.free = append(p.free, idx)
	return nil
}

func makeKey(vrfID uint32, dst netip.Prefix, tableID uint32) (routeKey, error) {
	addr := dst.Addr()
	if addr.Is4In6() {
		addr = addr.Unmap()
	}
	if !addr.Is4() {
		return routeKey{}, fal.ErrUnsupported
	}
	k := routeKey{
		// vrf and table words always match exactly.
		PrefixLen: 64 + uint32(dst.Bits()),
		VRF:       vrfID,
		Table:     tableID,
		Addr:      addr.As4(),
	}
	return k, nil
}

func (p *Plane) putRoute(vrfID uint32, dst netip.Prefix, tableID uint32, group fal.Object) error {
	if group == fal.ObjectNone {
		return fal.ErrUnsupported
	}
	key, err := makeKey(vrfID, dst, tableID)
	if err != nil {
		return err
	}
	idx := uint32(group) - 1
	if err := p.routes.Update(key, idx, ebpf.UpdateAny); err != nil {
		return fmt.Errorf("update route map: %w", err)
	}
	return nil
}

func (p *Plane) CreateRoute(vrfID uint32, dst netip.Prefix, tableID uint32, _ []fal.NextHop, group fal.Object) error {
	return p.putRoute(vrfID, dst, tableID, group)
}

func (p *Plane) UpdateRoute(vrfID uint32, dst netip.Prefix, tableID uint32, _ []fal.NextHop, group fal.Object) error {
	return p.putRoute(vrfID, dst, tableID, group)
}

func (p *Plane) DeleteRoute(vrfID uint32, dst netip.Prefix, tableID uint32) error {
	key, err := makeKey(vrfID, dst, tableID)
	if err != nil {
		return err
	}
	if err := p.routes.Delete(key); err != nil {
		return fmt.Errorf("delete route map entry: %w", err)
	}
	return nil
}

var _ fal.Plane = (*Plane)(nil)
