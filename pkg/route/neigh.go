package route

// Neighbor (ARP) linkage. Two entry points are driven by the neighbor
// table: NeighborResolved and NeighborRemoved. The rest is invoked from
// the mutation path to keep synthesized /32 host routes consistent with
// the routes that cover them.
//
// A member carries at most one of the neighbor flags: neighbor-created
// means the /32 exists purely because of a resolution and is torn down
// with it; neighbor-present means a real route was annotated with the
// resolution and only the annotation is stripped on removal.

import (
	"net/netip"

	"golang.org/x/sys/unix"

	"github.com/psaab/fibrx/pkg/iface"
	"github.com/psaab/fibrx/pkg/lpm"
	"github.com/psaab/fibrx/pkg/nexthop"
	"github.com/psaab/fibrx/pkg/vrf"
)

const neighFlags = nexthop.FlagNeighCreated | nexthop.FlagNeighPresent

// memberConnected reports whether a hop forwards onto an attached
// subnet: it has an interface and none of the gateway/terminal flags.
func memberConnected(nh *nexthop.NextHop) bool {
	const terminal = nexthop.FlagGateway | nexthop.FlagLocal |
		nexthop.FlagBlackhole | nexthop.FlagReject |
		nexthop.FlagNoRoute | nexthop.FlagSlowpath
	return nh.Ifp != nil && nh.Flags&terminal == 0
}

func groupConnected(g *nexthop.Group) bool {
	for i := range g.Members {
		if memberConnected(&g.Members[i]) {
			return true
		}
	}
	return false
}

func ifVRF(ifp *iface.Interface) uint32 {
	if ifp.VRFID == vrf.InvalidID {
		return vrf.DefaultID
	}
	return ifp.VRFID
}

// NeighborResolved reacts to a neighbor entry becoming resolved: it
// annotates or synthesizes the /32 host route for the address and marks
// gateway hops pointing at it as neighbor-present.
func (e *Engine) NeighborResolved(n *iface.Neighbor) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.neighborResolvedLocked(n)
}

func (e *Engine) neighborResolvedLocked(n *iface.Neighbor) {
	ifp := n.Interface()
	key, ok := addrToKey(n.IP)
	if !ok || ifp == nil {
		return
	}

	if t := e.mainTable(ifVRF(ifp)); t != nil {
		if r := t.BestRule(key, lpm.MaxDepth); r != nil {
			e.annotateExactHost(r, ifp, n)
		} else {
			e.synthesizeHost(ifVRF(ifp), t, key, ifp, n)
		}
	}

	// Gateway routes pointing at the address become neighbor-present
	// regardless of whether a /32 exists.
	e.markGatewayHops(n.IP, ifp.Index, true, n)
}

// NeighborRemoved reacts to a neighbor entry going away: it deletes or
// demotes the /32 host route and strips neighbor-present from gateway
// hops. The caller removes the entry from the interface's neighbor
// table first.
func (e *Engine) NeighborRemoved(n *iface.Neighbor) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.neighborRemovedLocked(n)
}

func (e *Engine) neighborRemovedLocked(n *iface.Neighbor) {
	ifp := n.Interface()
	key, ok := addrToKey(n.IP)
	if !ok || ifp == nil {
		return
	}
	vrfID := ifVRF(ifp)

	if t := e.mainTable(vrfID); t != nil {
		if r := t.BestRule(key, lpm.MaxDepth); r != nil {
			e.unlinkExactHost(vrfID, t, key, r, ifp)
		}
	}
	e.markGatewayHops(n.IP, ifp.Index, false, nil)
}

func (e *Engine) mainTable(vrfID uint32) *lpm.Table {
	v := e.vrfs.Find(vrfID)
	if v == nil {
		return nil
	}
	return v.Routes.Table(TableMain)
}

// annotateExactHost applies a resolution to an existing /32. If any
// sibling is already neighbor-created the route is neighbor-derived and
// the member becomes neighbor-created too; otherwise the route exists in
// its own right and the member is merely annotated neighbor-present.
// Only connected hops take the resolution: a gateway hop's link-layer
// state belongs to the gateway's own entry, not the destination's.
func (e *Engine) annotateExactHost(r *lpm.Rule, ifp *iface.Interface, n *iface.Neighbor) {
	g := e.store.Lookup(r.NHIndex)
	if g == nil {
		return
	}
	derived := g.NeighCreated() > 0
	e.store.Replace(r.NHIndex, func(m *nexthop.NextHop) nexthop.Decision {
		if !memberConnected(m) || m.IfIndex() != ifp.Index || m.Flags&neighFlags != 0 {
			return nexthop.Decision{}
		}
		if derived {
			return nexthop.Decision{Change: nexthop.SetNeighCreated, Neigh: n}
		}
		return nexthop.Decision{Change: nexthop.SetNeighPresent, Neigh: n}
	})
}

// synthesizeHost creates a /32 from the covering connected route,
// copying the cover's members and marking the one on the resolving
// interface neighbor-created.
func (e *Engine) synthesizeHost(vrfID uint32, t *lpm.Table, key uint32, ifp *iface.Interface, n *iface.Neighbor) {
	_, _, cidx, ok := t.FindCover(key, lpm.MaxDepth)
	if !ok {
		return
	}
	cg := e.store.Lookup(cidx)
	if cg == nil {
		return
	}
	members := append([]nexthop.NextHop(nil), cg.Members...)
	matched := false
	for i := range members {
		if !matched && memberConnected(&members[i]) && members[i].IfIndex() == ifp.Index {
			members[i].Flags |= nexthop.FlagNeighCreated
			members[i].Neigh = n
			matched = true
		}
	}
	if !matched {
		return
	}
	err := e.insertLocked(vrfID, TableMain, key, lpm.MaxDepth,
		unix.RT_SCOPE_LINK, nexthop.ProtoNeigh, members, false)
	if err != nil {
		e.log.Warn("synthesize host route",
			"vrf", vrfID, "ip", n.IP, "ifindex", ifp.Index, "err", err)
	}
}

// unlinkExactHost undoes a resolution on the /32 for the removed
// neighbor: a neighbor-created member takes the whole route (or just
// itself, with created siblings remaining) away; a neighbor-present
// member is demoted to a plain hop.
func (e *Engine) unlinkExactHost(vrfID uint32, t *lpm.Table, key uint32, r *lpm.Rule, ifp *iface.Interface) {
	g := e.store.Lookup(r.NHIndex)
	if g == nil {
		return
	}
	var member *nexthop.NextHop
	for i := range g.Members {
		m := &g.Members[i]
		if memberConnected(m) && m.IfIndex() == ifp.Index && m.Flags&neighFlags != 0 {
			member = m
			break
		}
	}
	if member == nil {
		return
	}

	if member.Flags&nexthop.FlagNeighCreated != 0 {
		// Plain siblings were copied from the cover and have no life of
		// their own: the last created member takes the whole route.
		if g.NeighCreated() == 1 {
			e.deleteLocked(vrfID, TableMain, key, lpm.MaxDepth, r.Scope, false)
			return
		}
		res, ng := e.store.Replace(r.NHIndex, func(m *nexthop.NextHop) nexthop.Decision {
			if m.IfIndex() == ifp.Index && m.Flags&nexthop.FlagNeighCreated != 0 {
				return nexthop.Decision{Change: nexthop.DeleteMember}
			}
			return nexthop.Decision{}
		})
		switch res {
		case nexthop.ReplaceDeleteRoute:
			e.deleteLocked(vrfID, TableMain, key, lpm.MaxDepth, r.Scope, false)
		case nexthop.ReplaceUpdated:
			// Membership changed; repoint the offload route.
			if r.PD.Created {
				e.falUpdateRoute(vrfID, keyToPrefix(key, lpm.MaxDepth), TableMain, r, ng)
			}
		}
		return
	}

	e.store.Replace(r.NHIndex, func(m *nexthop.NextHop) nexthop.Decision {
		if m.IfIndex() == ifp.Index && m.Flags&nexthop.FlagNeighPresent != 0 {
			return nexthop.Decision{Change: nexthop.ClearNeighPresent}
		}
		return nexthop.Decision{}
	})
}

// markGatewayHops sets or clears neighbor-present on every group member
// whose gateway is ip on the given interface. Group indexes are
// collected before replacing since each replacement swaps its slot.
func (e *Engine) markGatewayHops(ip netip.Addr, ifIndex int, present bool, n *iface.Neighbor) {
	var idxs []uint32
	e.store.Walk(func(g *nexthop.Group) bool {
		for i := range g.Members {
			m := &g.Members[i]
			if m.Flags&nexthop.FlagGateway == 0 || m.Gateway != ip || m.IfIndex() != ifIndex {
				continue
			}
			has := m.Flags&nexthop.FlagNeighPresent != 0
			if has != present {
				idxs = append(idxs, g.Index())
				break
			}
		}
		return true
	})
	for _, idx := range idxs {
		e.store.Replace(idx, func(m *nexthop.NextHop) nexthop.Decision {
			if m.Flags&nexthop.FlagGateway == 0 || m.Gateway != ip || m.IfIndex() != ifIndex {
				return nexthop.Decision{}
			}
			if present && m.Flags&neighFlags == 0 {
				return nexthop.Decision{Change: nexthop.SetNeighPresent, Neigh: n}
			}
			if !present && m.Flags&nexthop.FlagNeighPresent != 0 {
				return nexthop.Decision{Change: nexthop.ClearNeighPresent}
			}
			return nexthop.Decision{}
		})
	}
}

// annotateHostRoute runs at /32 insert time: if the destination is
// already resolved on a member's interface, the member is annotated
// neighbor-present immediately instead of waiting for the next event.
func (e *Engine) annotateHostRoute(key uint32, rule *lpm.Rule) {
	ip := keyToAddr(key)
	e.store.Replace(rule.NHIndex, func(m *nexthop.NextHop) nexthop.Decision {
		if !memberConnected(m) || m.Flags&neighFlags != 0 {
			return nexthop.Decision{}
		}
		n := m.Ifp.Neighbors().Lookup(ip)
		if n == nil {
			return nexthop.Decision{}
		}
		return nexthop.Decision{Change: nexthop.SetNeighPresent, Neigh: n}
	})
}

// coverChangeCleanup is the covering-route change reconciliation: when a
// connected route (or one whose cover is connected) is inserted or
// deleted, every neighbor-derived /32 in its subtree that it covers is
// removed. The /32 is resynthesized on the next neighbor event, trading
// a transient full lookup for never serving a stale shortcut.
func (e *Engine) coverChangeCleanup(vrfID, tableID uint32, t *lpm.Table, key uint32, depth uint8, changing *nexthop.Group) {
	if depth == lpm.MaxDepth {
		return
	}
	if !groupConnected(changing) {
		_, _, cidx, ok := t.FindCover(key, depth)
		if !ok {
			return
		}
		cg := e.store.Lookup(cidx)
		if cg == nil || !groupConnected(cg) {
			return
		}
	}
	t.SubtreeWalk(key, depth, func(a uint32, d uint8, idx uint32) {
		g := e.store.Lookup(idx)
		if g == nil || g.NeighCreated() == 0 {
			return
		}
		// Only entries this route is the immediate cover of; deeper
		// covers keep their derivations.
		ca, cd, _, ok := t.FindCover(a, d)
		if !ok || ca != key || cd != depth {
			return
		}
		r := t.BestRule(a, d)
		if r == nil {
			return
		}
		e.deleteLocked(vrfID, tableID, a, d, r.Scope, false)
	})
}

// relinkCover rebuilds neighbor derivations after a governing route was
// removed: neighbors covered by the deleted prefix are re-resolved
// against whatever covers them now.
func (e *Engine) relinkCover(t *lpm.Table, key uint32, depth uint8) {
	_, _, cidx, ok := t.FindCover(key, depth)
	if !ok {
		return
	}
	cg := e.store.Lookup(cidx)
	if cg == nil {
		return
	}
	e.walkCoveredNeighbors(cg, key, depth)
}

// revalidateNeighbors runs after inserting a connected route: already
// resolved neighbors inside the new prefix get their /32s rebuilt
// against it.
func (e *Engine) revalidateNeighbors(t *lpm.Table, key uint32, depth uint8, g *nexthop.Group) {
	e.walkCoveredNeighbors(g, key, depth)
}

func (e *Engine) walkCoveredNeighbors(g *nexthop.Group, key uint32, depth uint8) {
	for i := range g.Members {
		m := &g.Members[i]
		if !memberConnected(m) {
			continue
		}
		m.Ifp.Neighbors().Walk(func(n *iface.Neighbor) bool {
			if nk, ok := addrToKey(n.IP); ok && lpm.Masked(nk, depth) == key {
				e.neighborResolvedLocked(n)
			}
			return true
		})
	}
}
