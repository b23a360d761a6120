package route

// Read-only JSON-serializable views for the diagnostics API. These walk
// published snapshots and take no locks.

import (
	"net/netip"

	"github.com/psaab/fibrx/pkg/fal"
	"github.com/psaab/fibrx/pkg/lpm"
	"github.com/psaab/fibrx/pkg/nexthop"
)

// NextHopInfo is one group member in a dump.
type NextHopInfo struct {
	Gateway   string   `json:"gateway,omitempty"`
	Interface string   `json:"interface,omitempty"`
	IfIndex   int      `json:"ifindex,omitempty"`
	Flags     []string `json:"flags,omitempty"`
	Labels    []uint32 `json:"labels,omitempty"`
}

// RouteInfo is one rule in a dump.
type RouteInfo struct {
	Prefix   string        `json:"prefix"`
	Scope    int16         `json:"scope"`
	Best     bool          `json:"best"`
	NHIndex  uint32        `json:"nhindex"`
	Proto    uint8         `json:"proto"`
	HWState  string        `json:"hw_state"`
	NextHops []NextHopInfo `json:"nexthops"`
}

// Summary aggregates one table plus store-wide counters.
type Summary struct {
	VRF            uint32                `json:"vrf"`
	Table          uint32                `json:"table"`
	Routes         int                   `json:"routes"`
	ByDepth        [lpm.MaxDepth + 1]int `json:"by_depth"`
	StoreCapacity  int                   `json:"nexthop_capacity"`
	StoreInUse     int                   `json:"nexthop_in_use"`
	StoreDedupKeys int                   `json:"nexthop_dedup_keys"`
	SWStates       map[string]uint64     `json:"sw_states"`
	HWStates       map[string]uint64     `json:"hw_states"`
}

var flagNames = []struct {
	bit  uint32
	name string
}{
	{nexthop.FlagGateway, "gateway"},
	{nexthop.FlagLocal, "local"},
	{nexthop.FlagBlackhole, "blackhole"},
	{nexthop.FlagReject, "reject"},
	{nexthop.FlagNoRoute, "noroute"},
	{nexthop.FlagSlowpath, "slowpath"},
	{nexthop.FlagBroadcast, "broadcast"},
	{nexthop.FlagDead, "dead"},
	{nexthop.FlagNeighPresent, "neigh_present"},
	{nexthop.FlagNeighCreated, "neigh_created"},
}

// DescribeFlags renders a member flag set as names for dumps.
func DescribeFlags(flags uint32) []string {
	var out []string
	for _, f := range flagNames {
		if flags&f.bit != 0 {
			out = append(out, f.name)
		}
	}
	return out
}

func (e *Engine) describeEntry(en lpm.Entry) RouteInfo {
	info := RouteInfo{
		Prefix:  keyToPrefix(en.Addr, en.Depth).String(),
		Scope:   en.Scope,
		Best:    en.Best,
		NHIndex: en.NHIndex,
		HWState: en.PD.State.String(),
	}
	if g := e.store.Lookup(en.NHIndex); g != nil {
		info.Proto = uint8(g.Proto)
		for i := range g.Members {
			m := &g.Members[i]
			nhi := NextHopInfo{
				Flags:  DescribeFlags(m.Flags),
				Labels: m.Labels,
			}
			if m.Gateway.IsValid() {
				nhi.Gateway = m.Gateway.String()
			}
			if m.Ifp != nil {
				nhi.Interface = m.Ifp.Name
				nhi.IfIndex = m.Ifp.Index
			}
			info.NextHops = append(info.NextHops, nhi)
		}
	}
	return info
}

// DumpTable returns every rule in a table, shadowed ones included.
func (e *Engine) DumpTable(vrfID, tableID uint32) ([]RouteInfo, error) {
	tableID, err := normalizeTable(tableID)
	if err != nil {
		return nil, err
	}
	t := e.table(vrfID, tableID)
	if t == nil {
		return nil, ErrNotFound
	}
	var out []RouteInfo
	t.Walk(func(en lpm.Entry) bool {
		out = append(out, e.describeEntry(en))
		return true
	})
	return out, nil
}

// DumpTableFrom resumes a dump after a prefix, returning at most limit
// entries and whether more remain.
func (e *Engine) DumpTableFrom(vrfID, tableID uint32, after netip.Prefix, limit int) ([]RouteInfo, bool, error) {
	tableID, err := normalizeTable(tableID)
	if err != nil {
		return nil, false, err
	}
	t := e.table(vrfID, tableID)
	if t == nil {
		return nil, false, ErrNotFound
	}
	key, depth, err := prefixKey(after)
	if err != nil {
		return nil, false, err
	}
	var out []RouteInfo
	more := t.WalkFrom(key, depth, limit, func(en lpm.Entry) bool {
		out = append(out, e.describeEntry(en))
		return true
	})
	return out, more, nil
}

// TableSummary returns per-depth counts and store utilization.
func (e *Engine) TableSummary(vrfID, tableID uint32) (Summary, error) {
	tableID, err := normalizeTable(tableID)
	if err != nil {
		return Summary{}, err
	}
	t := e.table(vrfID, tableID)
	if t == nil {
		return Summary{}, ErrNotFound
	}
	s := Summary{
		VRF:            vrfID,
		Table:          tableID,
		Routes:         t.RuleCount(),
		StoreCapacity:  e.store.Capacity(),
		StoreInUse:     e.store.InUse(),
		StoreDedupKeys: e.store.DedupKeys(),
		SWStates:       map[string]uint64{},
		HWStates:       map[string]uint64{},
	}
	t.Walk(func(en lpm.Entry) bool {
		s.ByDepth[en.Depth]++
		return true
	})
	sw, hw := e.StatsSnapshot()
	for st := fal.ObjState(0); st < fal.StateCount; st++ {
		s.SWStates[st.String()] = sw[st]
		s.HWStates[st.String()] = hw[st]
	}
	return s, nil
}
