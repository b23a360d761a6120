// Package route is the IPv4 route mutation engine. It coordinates the
// per-VRF LPM tables, the shared next-hop-group store, the optional
// offload plane and the neighbor linkage state machine.
//
// All mutation runs under a single engine mutex spanning every VRF and
// table; mutation throughput is orders of magnitude below lookup rate,
// so the lock is deliberately coarse. Lookups never take the lock.
package route

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/psaab/fibrx/pkg/fal"
	"github.com/psaab/fibrx/pkg/iface"
	"github.com/psaab/fibrx/pkg/lpm"
	"github.com/psaab/fibrx/pkg/nexthop"
	"github.com/psaab/fibrx/pkg/vrf"
)

// Table ids follow the kernel numbering. The local table folds into
// main; table 0 is invalid.
const (
	TableUnspec uint32 = unix.RT_TABLE_UNSPEC
	TableMain   uint32 = unix.RT_TABLE_MAIN
	TableLocal  uint32 = unix.RT_TABLE_LOCAL
)

var (
	// ErrBadTable is returned for table id 0 or above the table limit.
	ErrBadTable = errors.New("route: invalid table id")
	// ErrBadAddress is returned for a non-IPv4 destination.
	ErrBadAddress = errors.New("route: not an IPv4 destination")
	// ErrBadVRF is returned for VRF id 0.
	ErrBadVRF = errors.New("route: invalid vrf id")
	// ErrNotFound is returned when a delete names no existing route.
	ErrNotFound = errors.New("route: no such route")
	// ErrReserved is returned for attempts to mutate a reserved route.
	ErrReserved = errors.New("route: reserved route")
)

// Reserved routes are seeded into every table and protected from
// deletion. Their count defines the empty-table criterion.
type reservedRoute struct {
	addr  uint32
	depth uint8
	scope int16
	flags uint32
}

var reservedRoutes = [...]reservedRoute{
	{0, 0, lpm.ScopePanDimensional, nexthop.FlagNoRoute | nexthop.FlagReject},
	{0x7f000000, 8, unix.RT_SCOPE_HOST, nexthop.FlagBlackhole},
	{0xffffffff, 32, unix.RT_SCOPE_HOST, nexthop.FlagBroadcast | nexthop.FlagLocal},
}

// ReservedRouteCount is the number of rules in an empty table.
const ReservedRouteCount = len(reservedRoutes)

// Config carries engine construction parameters.
type Config struct {
	Plane           fal.Plane // offload plane, fal.Disabled if nil
	NexthopCapacity int       // next-hop store slots, default if 0
	MaxPath         int       // ECMP path bound, unlimited if 0
	Log             *slog.Logger
}

// Engine owns all route state. Construct with New, one per process.
type Engine struct {
	log   *slog.Logger
	plane fal.Plane
	store *nexthop.Store
	vrfs  *vrf.Registry

	mu sync.Mutex

	swStats [fal.StateCount]atomic.Uint64
	hwStats [fal.StateCount]atomic.Uint64

	// fallback is a blackhole group programmed in place of a degraded
	// group so the offload plane always points at a safe object.
	fallback   uint32
	fallbackOK bool
}

// New creates an engine with the default VRF and its main table seeded.
func New(cfg Config) (*Engine, error) {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Plane == nil {
		cfg.Plane = fal.Disabled{}
	}
	e := &Engine{
		log:   cfg.Log,
		plane: cfg.Plane,
		vrfs:  vrf.NewRegistry(),
	}
	e.store = nexthop.New(nexthop.Config{
		Capacity: cfg.NexthopCapacity,
		MaxPath:  cfg.MaxPath,
		Plane:    cfg.Plane,
		Log:      cfg.Log,
	})

	idx, err := e.store.CreateOrReuse(nexthop.ProtoRoute,
		[]nexthop.NextHop{{Flags: nexthop.FlagBlackhole}})
	if err != nil {
		return nil, fmt.Errorf("create fallback group: %w", err)
	}
	e.fallback = idx
	e.fallbackOK = true

	// The default VRF and its main table live for the engine's lifetime.
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, _, err := e.getOrCreateTable(vrf.DefaultID, TableMain); err != nil {
		return nil, err
	}
	return e, nil
}

// Store exposes the next-hop store for diagnostics.
func (e *Engine) Store() *nexthop.Store { return e.store }

// VRFs exposes the VRF registry for diagnostics.
func (e *Engine) VRFs() *vrf.Registry { return e.vrfs }

// StatsSnapshot returns the software and hardware programming-state
// counters, indexed by fal.ObjState.
func (e *Engine) StatsSnapshot() (sw, hw [fal.StateCount]uint64) {
	for i := range sw {
		sw[i] = e.swStats[i].Load()
		hw[i] = e.hwStats[i].Load()
	}
	return sw, hw
}

func (e *Engine) swAdd(s fal.ObjState) { e.swStats[s].Add(1) }
func (e *Engine) swDel(s fal.ObjState) { e.swStats[s].Add(^uint64(0)) }
func (e *Engine) hwAdd(s fal.ObjState) { e.hwStats[s].Add(1) }
func (e *Engine) hwDel(s fal.ObjState) { e.hwStats[s].Add(^uint64(0)) }

func addrToKey(a netip.Addr) (uint32, bool) {
	if a.Is4In6() {
		a = a.Unmap()
	}
	if !a.Is4() {
		return 0, false
	}
	b := a.As4()
	return binary.BigEndian.Uint32(b[:]), true
}

func keyToAddr(key uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], key)
	return netip.AddrFrom4(b)
}

func keyToPrefix(key uint32, depth uint8) netip.Prefix {
	return netip.PrefixFrom(keyToAddr(key), int(depth))
}

func prefixKey(dst netip.Prefix) (uint32, uint8, error) {
	key, ok := addrToKey(dst.Addr())
	if !ok {
		return 0, 0, ErrBadAddress
	}
	depth := uint8(dst.Bits())
	return lpm.Masked(key, depth), depth, nil
}

func normalizeTable(id uint32) (uint32, error) {
	if id == TableLocal {
		id = TableMain
	}
	if id == TableUnspec || id > vrf.MaxTableID {
		return 0, ErrBadTable
	}
	return id, nil
}

func isReserved(key uint32, depth uint8, scope int16) bool {
	for _, r := range reservedRoutes {
		if r.addr == key && r.depth == depth && r.scope == scope {
			return true
		}
	}
	return false
}

func isEmpty(t *lpm.Table) bool {
	return t.RuleCount() == ReservedRouteCount
}

// tableOwner returns the VRF that stores a table. Non-main tables are
// global policy tables owned by the default VRF and visible from every
// VRF.
func tableOwner(vrfID, tableID uint32) uint32 {
	if tableID != TableMain {
		return vrf.DefaultID
	}
	return vrfID
}

// table resolves a table for the read path. Wait-free.
func (e *Engine) table(vrfID, tableID uint32) *lpm.Table {
	v := e.vrfs.Find(vrfID)
	if v == nil {
		return nil
	}
	t := v.Routes.Table(tableID)
	if t == nil && tableID != TableMain {
		if dv := e.vrfs.Find(vrf.DefaultID); dv != nil {
			t = dv.Routes.Table(tableID)
		}
	}
	return t
}

// getOrCreateTable returns the owning VRF with one reference taken plus
// the table, creating and seeding both lazily. The caller must balance
// the reference.
func (e *Engine) getOrCreateTable(vrfID, tableID uint32) (*vrf.VRF, *lpm.Table, error) {
	owner := tableOwner(vrfID, tableID)
	v, created := e.vrfs.FindOrCreate(owner)
	t := v.Routes.Table(tableID)
	if t == nil {
		t = lpm.New(tableID)
		if err := v.Routes.SetTable(tableID, t); err != nil {
			e.vrfs.Unref(v)
			return nil, nil, err
		}
		e.seedReserved(owner, tableID, t)
		if created {
			e.log.Debug("vrf created", "vrf", owner)
		}
		e.log.Debug("route table created", "vrf", owner, "table", tableID)
	}
	return v, t, nil
}

// seedReserved installs the protected default/loopback/broadcast rules.
func (e *Engine) seedReserved(vrfID, tableID uint32, t *lpm.Table) {
	for _, r := range reservedRoutes {
		idx, err := e.store.CreateOrReuse(nexthop.ProtoRoute,
			[]nexthop.NextHop{{Flags: r.flags}})
		if err != nil {
			// Reserved groups are single-member and deduplicated; this
			// can only fail if the store is exhausted at table create.
			e.log.Error("seed reserved route", "table", tableID, "err", err)
			continue
		}
		_, rule, _, err := t.Add(r.addr, r.depth, r.scope, idx)
		if err != nil {
			e.store.Release(idx)
			e.log.Error("seed reserved route", "table", tableID, "err", err)
			continue
		}
		g := e.store.Lookup(idx)
		e.falCreateRoute(vrfID, keyToPrefix(r.addr, r.depth), tableID, rule, g)
		e.swAdd(fal.StateFull)
		e.hwAdd(rule.PD.State)
	}
}

// falHops picks the group (or the blackhole fallback when the group is
// degraded) to hand to the plane.
func (e *Engine) falHops(g *nexthop.Group) ([]fal.NextHop, fal.Object, bool) {
	if g.PDCreated {
		return g.ToFAL(), g.FALGroup, false
	}
	if e.fallbackOK {
		if fb := e.store.Lookup(e.fallback); fb != nil && fb.PDCreated {
			return fb.ToFAL(), fb.FALGroup, true
		}
	}
	return g.ToFAL(), fal.ObjectNone, false
}

func (e *Engine) falCreateRoute(vrfID uint32, dst netip.Prefix, tableID uint32, rule *lpm.Rule, g *nexthop.Group) {
	hops, obj, degraded := e.falHops(g)
	err := e.plane.CreateRoute(vrfID, dst, tableID, hops, obj)
	rule.PD.Created = err == nil
	rule.PD.State = fal.StateFromError(err)
	if err == nil && degraded {
		rule.PD.State = g.PDState
	}
	if err != nil && !errors.Is(err, fal.ErrUnsupported) {
		e.log.Warn("offload route create failed",
			"vrf", vrfID, "dst", dst, "table", tableID, "err", err)
	}
}

func (e *Engine) falUpdateRoute(vrfID uint32, dst netip.Prefix, tableID uint32, rule *lpm.Rule, g *nexthop.Group) {
	hops, obj, degraded := e.falHops(g)
	err := e.plane.UpdateRoute(vrfID, dst, tableID, hops, obj)
	rule.PD.Created = err == nil
	rule.PD.State = fal.StateFromError(err)
	if err == nil && degraded {
		rule.PD.State = g.PDState
	}
	if err != nil && !errors.Is(err, fal.ErrUnsupported) {
		e.log.Warn("offload route update failed",
			"vrf", vrfID, "dst", dst, "table", tableID, "err", err)
	}
}

func (e *Engine) falDeleteRoute(vrfID uint32, dst netip.Prefix, tableID uint32) {
	if err := e.plane.DeleteRoute(vrfID, dst, tableID); err != nil &&
		!errors.Is(err, fal.ErrUnsupported) {
		e.log.Warn("offload route delete failed",
			"vrf", vrfID, "dst", dst, "table", tableID, "err", err)
	}
}

// Insert adds a route. Duplicate inserts replace the next-hop binding
// of the existing rule and are not an error.
func (e *Engine) Insert(vrfID uint32, dst netip.Prefix, tableID uint32, scope int16, proto nexthop.Proto, hops []nexthop.NextHop) error {
	return e.mutate(vrfID, dst, tableID, scope, proto, hops, false)
}

// Replace atomically swaps any existing rule at (dst, scope) for the
// given next hops, then behaves like Insert.
func (e *Engine) Replace(vrfID uint32, dst netip.Prefix, tableID uint32, scope int16, proto nexthop.Proto, hops []nexthop.NextHop) error {
	return e.mutate(vrfID, dst, tableID, scope, proto, hops, true)
}

func (e *Engine) mutate(vrfID uint32, dst netip.Prefix, tableID uint32, scope int16, proto nexthop.Proto, hops []nexthop.NextHop, replace bool) error {
	if vrfID == vrf.InvalidID {
		return ErrBadVRF
	}
	key, depth, err := prefixKey(dst)
	if err != nil {
		return err
	}
	tableID, err = normalizeTable(tableID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.insertLocked(vrfID, tableID, key, depth, scope, proto, hops, replace)
}

// synthesizeHostGateway fills in the destination as the gateway of
// gateway-less members of a /32 route, without setting the gateway
// flag. Host routes then dedup separately from the connected-subnet
// groups on the same interface.
func synthesizeHostGateway(key uint32, depth uint8, hops []nexthop.NextHop) []nexthop.NextHop {
	if depth != lpm.MaxDepth {
		return hops
	}
	needs := false
	for i := range hops {
		if !hops[i].Gateway.IsValid() {
			needs = true
			break
		}
	}
	if !needs {
		return hops
	}
	out := append([]nexthop.NextHop(nil), hops...)
	dst := keyToAddr(key)
	for i := range out {
		if !out[i].Gateway.IsValid() {
			out[i].Gateway = dst
		}
	}
	return out
}

func (e *Engine) insertLocked(vrfID, tableID uint32, key uint32, depth uint8, scope int16, proto nexthop.Proto, hops []nexthop.NextHop, replace bool) error {
	if isReserved(key, depth, scope) {
		return ErrReserved
	}
	v, t, err := e.getOrCreateTable(vrfID, tableID)
	if err != nil {
		return err
	}

	hops = synthesizeHostGateway(key, depth, hops)
	idx, err := e.store.CreateOrReuse(proto, hops)
	if err != nil {
		e.vrfs.Unref(v)
		return fmt.Errorf("create next-hop group: %w", err)
	}

	if replace {
		if old := t.Find(key, depth, scope); old != nil {
			if err := e.deleteLocked(vrfID, tableID, key, depth, scope, false); err != nil {
				e.store.Release(idx)
				e.vrfs.Unref(v)
				return err
			}
		}
	}
	wasEmpty := isEmpty(t)

	dst := keyToPrefix(key, depth)
	res, rule, old, err := t.Add(key, depth, scope, idx)
	if err != nil {
		e.store.Release(idx)
		e.vrfs.Unref(v)
		return fmt.Errorf("lpm add %s: %w", dst, err)
	}
	g := e.store.Lookup(idx)
	governing := false

	switch res {
	case lpm.Added:
		e.falCreateRoute(vrfID, dst, tableID, rule, g)
		e.swAdd(fal.StateFull)
		e.hwAdd(rule.PD.State)
		governing = true

	case lpm.AddedDemoted:
		// The previous winner keeps its rule but loses the forwarding
		// object; the plane's route moves to the new winner.
		if old.PD.Created {
			e.falUpdateRoute(vrfID, dst, tableID, rule, g)
		} else {
			e.falCreateRoute(vrfID, dst, tableID, rule, g)
		}
		e.swAdd(fal.StateFull)
		e.hwAdd(rule.PD.State)
		e.swDel(fal.StateFull)
		e.swAdd(fal.StateNotNeeded)
		e.hwDel(old.PD.State)
		e.hwAdd(fal.StateNotNeeded)
		old.PD = lpm.PDState{State: fal.StateNotNeeded}
		governing = true

	case lpm.AddedShadowed:
		rule.PD = lpm.PDState{State: fal.StateNotNeeded}
		e.swAdd(fal.StateNotNeeded)
		e.hwAdd(fal.StateNotNeeded)

	case lpm.AlreadyExists:
		e.store.Release(old.NHIndex)
		if t.BestRule(key, depth) == rule {
			oldState := rule.PD.State
			if rule.PD.Created {
				e.falUpdateRoute(vrfID, dst, tableID, rule, g)
			} else {
				e.falCreateRoute(vrfID, dst, tableID, rule, g)
			}
			e.hwDel(oldState)
			e.hwAdd(rule.PD.State)
			governing = true
		}
	}

	// Neighbor linkage applies to main tables only; policy tables never
	// hold synthesized host routes.
	if governing && tableID == TableMain {
		e.coverChangeCleanup(vrfID, tableID, t, key, depth, g)
		if depth == lpm.MaxDepth {
			e.annotateHostRoute(key, rule)
		} else if groupConnected(g) {
			e.revalidateNeighbors(t, key, depth, g)
		}
	}

	if !wasEmpty {
		e.vrfs.Unref(v)
	}
	e.log.Debug("route insert", "vrf", vrfID, "table", tableID,
		"dst", dst, "scope", scope, "nhindex", idx, "result", int(res))
	return nil
}

// Delete removes the route at (dst, scope).
func (e *Engine) Delete(vrfID uint32, dst netip.Prefix, tableID uint32, scope int16) error {
	if vrfID == vrf.InvalidID {
		return ErrBadVRF
	}
	key, depth, err := prefixKey(dst)
	if err != nil {
		return err
	}
	tableID, err = normalizeTable(tableID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deleteLocked(vrfID, tableID, key, depth, scope, true)
}

// deleteLocked removes one rule. relink controls whether neighbor
// derivations are rebuilt from the covering route afterwards; internal
// cleanup deletes pass false so invalidated /32s stay gone until the
// next neighbor event.
func (e *Engine) deleteLocked(vrfID, tableID uint32, key uint32, depth uint8, scope int16, relink bool) error {
	if isReserved(key, depth, scope) {
		return ErrReserved
	}
	owner := tableOwner(vrfID, tableID)
	v := e.vrfs.Find(owner)
	if v == nil {
		return ErrNotFound
	}
	t := v.Routes.Table(tableID)
	if t == nil {
		return ErrNotFound
	}
	r := t.Find(key, depth, scope)
	if r == nil {
		return ErrNotFound
	}
	governing := t.BestRule(key, depth) == r

	// Unlink neighbor derivations while the rule is still in place so
	// the subtree walk sees the pre-delete cover relationships.
	if governing && tableID == TableMain {
		if g := e.store.Lookup(r.NHIndex); g != nil {
			e.coverChangeCleanup(vrfID, tableID, t, key, depth, g)
		}
	}

	dst := keyToPrefix(key, depth)
	res, removed, promoted, err := t.Delete(key, depth, scope)
	if err != nil {
		return ErrNotFound
	}

	switch res {
	case lpm.Deleted:
		if removed.PD.Created {
			e.falDeleteRoute(vrfID, dst, tableID)
		}
		e.swDel(fal.StateFull)
		e.hwDel(removed.PD.State)

	case lpm.DeletedPromoted:
		pg := e.store.Lookup(promoted.NHIndex)
		if removed.PD.Created {
			e.falUpdateRoute(vrfID, dst, tableID, promoted, pg)
		} else {
			e.falCreateRoute(vrfID, dst, tableID, promoted, pg)
		}
		e.swDel(fal.StateFull)
		e.hwDel(removed.PD.State)
		e.swDel(fal.StateNotNeeded)
		e.swAdd(fal.StateFull)
		e.hwDel(fal.StateNotNeeded)
		e.hwAdd(promoted.PD.State)

	case lpm.DeletedShadowed:
		e.swDel(fal.StateNotNeeded)
		e.hwDel(fal.StateNotNeeded)
	}

	freed := removed.NHIndex
	if err := e.store.Release(freed); err != nil {
		e.log.Warn("release next-hop group", "nhindex", freed, "err", err)
	}

	if governing && relink && tableID == TableMain {
		e.relinkCover(t, key, depth)
	}

	if isEmpty(t) {
		e.vrfs.Unref(v)
	}
	e.log.Debug("route delete", "vrf", vrfID, "table", tableID,
		"dst", dst, "scope", scope, "nhindex", freed, "result", int(res))
	return nil
}

// Flush removes every non-reserved route from every table the VRF owns
// and re-seeds the reserved entries. Used on VRF teardown.
func (e *Engine) Flush(vrfID uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	v := e.vrfs.Find(vrfID)
	if v == nil {
		return ErrNotFound
	}
	type owned struct {
		id uint32
		t  *lpm.Table
	}
	var tables []owned
	v.Routes.Walk(func(id uint32, t *lpm.Table) bool {
		tables = append(tables, owned{id, t})
		return true
	})
	for _, o := range tables {
		e.flushTable(vrfID, o.id, o.t, v)
	}
	return nil
}

func (e *Engine) flushTable(vrfID, tableID uint32, t *lpm.Table, v *vrf.VRF) {
	wasEmpty := isEmpty(t)
	t.DeleteAll(func(en lpm.Entry) {
		if en.Best {
			if en.PD.Created {
				e.falDeleteRoute(vrfID, keyToPrefix(en.Addr, en.Depth), tableID)
			}
			e.swDel(fal.StateFull)
			e.hwDel(en.PD.State)
		} else {
			e.swDel(fal.StateNotNeeded)
			e.hwDel(fal.StateNotNeeded)
		}
		if err := e.store.Release(en.NHIndex); err != nil {
			e.log.Warn("release next-hop group", "nhindex", en.NHIndex, "err", err)
		}
	})
	e.seedReserved(vrfID, tableID, t)
	if !wasEmpty {
		e.vrfs.Unref(v)
	}
	e.log.Info("route table flushed", "vrf", vrfID, "table", tableID)
}

// FlushAll flushes every VRF.
func (e *Engine) FlushAll() {
	var ids []uint32
	e.vrfs.Walk(func(v *vrf.VRF) bool {
		ids = append(ids, v.ID)
		return true
	})
	for _, id := range ids {
		if err := e.Flush(id); err != nil && !errors.Is(err, ErrNotFound) {
			e.log.Warn("flush vrf", "vrf", id, "err", err)
		}
	}
}

// LinkVRFToTable aliases a global policy table into a VRF so lookups
// against that table id resolve without falling back to the default
// VRF. The table is created in the default VRF if needed.
func (e *Engine) LinkVRFToTable(vrfID, tableID uint32) error {
	if vrfID == vrf.InvalidID || vrfID == vrf.DefaultID {
		return ErrBadVRF
	}
	tableID, err := normalizeTable(tableID)
	if err != nil {
		return err
	}
	if tableID == TableMain {
		return ErrBadTable
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_, t, err := e.getOrCreateTable(vrf.DefaultID, tableID)
	if err != nil {
		return err
	}
	v, _ := e.vrfs.FindOrCreate(vrfID)
	return v.Routes.SetTable(tableID, t)
}

// UnlinkVRFFromTable removes a policy-table alias installed by
// LinkVRFToTable and drops the references it took.
func (e *Engine) UnlinkVRFFromTable(vrfID, tableID uint32) error {
	tableID, err := normalizeTable(tableID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	v := e.vrfs.Find(vrfID)
	if v == nil || v.Routes.Table(tableID) == nil {
		return ErrNotFound
	}
	if err := v.Routes.SetTable(tableID, nil); err != nil {
		return err
	}
	e.vrfs.Unref(v)
	if dv := e.vrfs.Find(vrf.DefaultID); dv != nil {
		e.vrfs.Unref(dv)
	}
	return nil
}

// LookupResult is one forwarding decision.
type LookupResult struct {
	NextHop *nexthop.NextHop
	Group   *nexthop.Group
	Index   uint32
}

// Lookup resolves the forwarding next hop for addr. Wait-free; never
// returns an error, only "no match".
func (e *Engine) Lookup(vrfID, tableID uint32, addr netip.Addr, flowHash uint32) (LookupResult, bool) {
	key, ok := addrToKey(addr)
	if !ok {
		return LookupResult{}, false
	}
	if tableID == TableLocal || tableID == TableUnspec {
		tableID = TableMain
	}
	t := e.table(vrfID, tableID)
	if t == nil {
		return LookupResult{}, false
	}
	idx, ok := t.Lookup(key)
	if !ok {
		return LookupResult{}, false
	}
	g := e.store.Lookup(idx)
	if g == nil {
		return LookupResult{}, false
	}
	nh := e.store.Select(g, flowHash)
	if nh == nil {
		return LookupResult{}, false
	}
	return LookupResult{NextHop: nh, Group: g, Index: idx}, true
}

// IsLocal reports whether addr is a local address in the VRF's main
// table. Wait-free.
func (e *Engine) IsLocal(vrfID uint32, addr netip.Addr) bool {
	res, ok := e.Lookup(vrfID, TableMain, addr, 0)
	return ok && res.NextHop.Flags&nexthop.FlagLocal != 0
}

// LookupEgress returns the egress interface for addr, or nil.
func (e *Engine) LookupEgress(vrfID uint32, addr netip.Addr, flowHash uint32) *iface.Interface {
	res, ok := e.Lookup(vrfID, TableMain, addr, flowHash)
	if !ok {
		return nil
	}
	return res.NextHop.Ifp
}

// LookupByIndex resolves a next-hop-group index directly, returning the
// selected member's gateway and interface index.
func (e *Engine) LookupByIndex(index uint32, flowHash uint32) (netip.Addr, int, bool) {
	g := e.store.Lookup(index)
	if g == nil {
		return netip.Addr{}, 0, false
	}
	nh := e.store.Select(g, flowHash)
	if nh == nil {
		return netip.Addr{}, 0, false
	}
	return nh.Gateway, nh.IfIndex(), true
}
