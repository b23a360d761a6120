// Package iface holds the route engine's view of network interfaces and
// their per-interface neighbor (ARP) tables. Interface objects are owned
// elsewhere (netlink feed, tests); the engine only borrows them.
package iface

import (
	"net"
	"net/netip"
	"sync"
)

// Interface is one egress interface. Route next hops reference it weakly;
// a nil Interface means a local/blackhole style hop.
type Interface struct {
	Index int
	Name  string
	VRFID uint32

	neigh *NeighborTable
}

// New creates an interface with an empty neighbor table.
func New(index int, name string, vrfID uint32) *Interface {
	return &Interface{
		Index: index,
		Name:  name,
		VRFID: vrfID,
		neigh: NewNeighborTable(),
	}
}

// Neighbors returns the interface's neighbor table.
func (ifp *Interface) Neighbors() *NeighborTable {
	return ifp.neigh
}

// Neighbor is one resolved link-layer entry on an interface.
type Neighbor struct {
	IP netip.Addr
	HW net.HardwareAddr

	ifp *Interface
}

// Interface returns the interface the neighbor was learned on.
func (n *Neighbor) Interface() *Interface {
	return n.ifp
}

// NeighborTable is the set of resolved neighbors on one interface.
// It is written by the control-plane thread and read under the engine's
// route mutex, so a plain mutex is sufficient.
type NeighborTable struct {
	mu   sync.Mutex
	byIP map[netip.Addr]*Neighbor
}

// NewNeighborTable creates an empty neighbor table.
func NewNeighborTable() *NeighborTable {
	return &NeighborTable{byIP: make(map[netip.Addr]*Neighbor)}
}

// Insert adds or refreshes a neighbor entry and returns it.
func (t *NeighborTable) Insert(ifp *Interface, ip netip.Addr, hw net.HardwareAddr) *Neighbor {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n, ok := t.byIP[ip]; ok {
		n.HW = hw
		return n
	}
	n := &Neighbor{IP: ip, HW: hw, ifp: ifp}
	t.byIP[ip] = n
	return n
}

// Remove deletes the entry for ip and returns it, or nil if absent.
func (t *NeighborTable) Remove(ip netip.Addr) *Neighbor {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.byIP[ip]
	delete(t.byIP, ip)
	return n
}

// Lookup returns the entry for ip, or nil.
func (t *NeighborTable) Lookup(ip netip.Addr) *Neighbor {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byIP[ip]
}

// Walk calls fn for every neighbor until fn returns false.
func (t *NeighborTable) Walk(fn func(*Neighbor) bool) {
	t.mu.Lock()
	entries := make([]*Neighbor, 0, len(t.byIP))
	for _, n := range t.byIP {
		entries = append(entries, n)
	}
	t.mu.Unlock()

	// Callbacks may re-enter the table, so run them outside the lock.
	for _, n := range entries {
		if !fn(n) {
			return
		}
	}
}

// Len returns the number of entries.
func (t *NeighborTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byIP)
}
