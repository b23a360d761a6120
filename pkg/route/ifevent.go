package route

// Interface lifecycle hooks. Link loss does not tear down user routes;
// their hops are marked dead so ECMP selection skips them and revived if
// the link returns. Neighbor-derived host routes are deleted outright
// since their resolutions died with the link.

import (
	"github.com/psaab/fibrx/pkg/iface"
	"github.com/psaab/fibrx/pkg/lpm"
	"github.com/psaab/fibrx/pkg/nexthop"
	"github.com/psaab/fibrx/pkg/vrf"
)

// PurgeInterface handles an interface going away: neighbor-created host
// routes on it are deleted and every other hop using it is marked dead.
func (e *Engine) PurgeInterface(ifp *iface.Interface) {
	e.mu.Lock()
	defer e.mu.Unlock()

	type victim struct {
		vrfID, tableID uint32
		addr           uint32
		depth          uint8
		scope          int16
	}
	var victims []victim

	e.vrfs.Walk(func(v *vrf.VRF) bool {
		v.Routes.Walk(func(tableID uint32, t *lpm.Table) bool {
			t.Walk(func(en lpm.Entry) bool {
				g := e.store.Lookup(en.NHIndex)
				if g == nil {
					return true
				}
				for i := range g.Members {
					m := &g.Members[i]
					if m.IfIndex() == ifp.Index && m.Flags&nexthop.FlagNeighCreated != 0 {
						victims = append(victims, victim{
							v.ID, tableID, en.Addr, en.Depth, en.Scope,
						})
						break
					}
				}
				return true
			})
			return true
		})
		return true
	})

	for _, vc := range victims {
		e.deleteLocked(vc.vrfID, vc.tableID, vc.addr, vc.depth, vc.scope, false)
	}

	e.setInterfaceFlagLocked(ifp, nexthop.SetDead, nexthop.FlagDead, true)
	e.log.Info("interface purged", "ifindex", ifp.Index, "name", ifp.Name,
		"host_routes", len(victims))
}

// SetInterfaceDead marks or revives every hop on ifp without touching
// route state. Used for link down/up.
func (e *Engine) SetInterfaceDead(ifp *iface.Interface, dead bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if dead {
		e.setInterfaceFlagLocked(ifp, nexthop.SetDead, nexthop.FlagDead, true)
	} else {
		e.setInterfaceFlagLocked(ifp, nexthop.ClearDead, nexthop.FlagDead, false)
	}
}

// SetInterfaceSlowpath punts (or stops punting) traffic egressing ifp to
// the slow path.
func (e *Engine) SetInterfaceSlowpath(ifp *iface.Interface, on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if on {
		e.setInterfaceFlagLocked(ifp, nexthop.SetSlowpath, nexthop.FlagSlowpath, true)
	} else {
		e.setInterfaceFlagLocked(ifp, nexthop.ClearSlowpath, nexthop.FlagSlowpath, false)
	}
}

func (e *Engine) setInterfaceFlagLocked(ifp *iface.Interface, change nexthop.Change, flag uint32, want bool) {
	var idxs []uint32
	e.store.Walk(func(g *nexthop.Group) bool {
		for i := range g.Members {
			m := &g.Members[i]
			if m.IfIndex() != ifp.Index {
				continue
			}
			if (m.Flags&flag != 0) != want {
				idxs = append(idxs, g.Index())
				break
			}
		}
		return true
	})
	for _, idx := range idxs {
		e.store.Replace(idx, func(m *nexthop.NextHop) nexthop.Decision {
			if m.IfIndex() != ifp.Index {
				return nexthop.Decision{}
			}
			if (m.Flags&flag != 0) == want {
				return nexthop.Decision{}
			}
			return nexthop.Decision{Change: change}
		})
	}
}
