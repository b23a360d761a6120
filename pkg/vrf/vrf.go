// Package vrf tracks VRF instances and their per-table route tries.
// The registry map and each VRF's table array are copy-on-write and
// published atomically so forwarding lookups never take a lock; all
// mutation happens on the control thread under the route engine's lock.
package vrf

import (
	"errors"
	"sync/atomic"

	"github.com/psaab/fibrx/pkg/lpm"
)

const (
	// InvalidID is never a valid VRF.
	InvalidID uint32 = 0
	// DefaultID is the default VRF.
	DefaultID uint32 = 1
)

// MaxTableID bounds per-VRF table ids (kernel ids fit in a byte; policy
// tables may go higher).
const MaxTableID uint32 = 4095

// ErrTableID is returned for a table id above MaxTableID.
var ErrTableID = errors.New("vrf: table id out of range")

// VRF is one routing instance. The reference count follows the routes
// and tables using the instance and is only touched on the control
// thread.
type VRF struct {
	ID     uint32
	Routes *RouteHead

	refs int64
}

// Refs returns the current reference count.
func (v *VRF) Refs() int64 { return v.refs }

// RouteHead is a VRF's table-id indexed set of route tries. The backing
// slice is copy-on-write; readers index a published snapshot.
type RouteHead struct {
	tables atomic.Pointer[[]*lpm.Table]
}

// NewRouteHead creates an empty route head.
func NewRouteHead() *RouteHead {
	rh := &RouteHead{}
	empty := make([]*lpm.Table, 0)
	rh.tables.Store(&empty)
	return rh
}

// Table returns the trie for table id, or nil. Wait-free.
func (rh *RouteHead) Table(id uint32) *lpm.Table {
	ts := *rh.tables.Load()
	if int(id) >= len(ts) {
		return nil
	}
	return ts[id]
}

// SetTable publishes t as table id, growing the array as needed. A nil t
// unlinks the slot.
func (rh *RouteHead) SetTable(id uint32, t *lpm.Table) error {
	if id > MaxTableID {
		return ErrTableID
	}
	old := *rh.tables.Load()
	n := len(old)
	if int(id) >= n {
		n = int(id) + 1
	}
	next := make([]*lpm.Table, n)
	copy(next, old)
	next[id] = t
	rh.tables.Store(&next)
	return nil
}

// Walk calls fn for each linked table until fn returns false.
func (rh *RouteHead) Walk(fn func(id uint32, t *lpm.Table) bool) {
	ts := *rh.tables.Load()
	for id, t := range ts {
		if t == nil {
			continue
		}
		if !fn(uint32(id), t) {
			return
		}
	}
}

// Registry holds all live VRFs, keyed by id.
type Registry struct {
	v atomic.Value // map[uint32]*VRF
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.v.Store(map[uint32]*VRF{})
	return r
}

func (r *Registry) snapshot() map[uint32]*VRF {
	return r.v.Load().(map[uint32]*VRF)
}

// Find returns the VRF for id, or nil. Wait-free.
func (r *Registry) Find(id uint32) *VRF {
	return r.snapshot()[id]
}

// FindOrCreate returns the VRF for id with one reference taken, creating
// it if needed. Reports whether the VRF was created.
func (r *Registry) FindOrCreate(id uint32) (*VRF, bool) {
	if v := r.Find(id); v != nil {
		v.refs++
		return v, false
	}
	v := &VRF{ID: id, Routes: NewRouteHead(), refs: 1}
	old := r.snapshot()
	next := make(map[uint32]*VRF, len(old)+1)
	for k, e := range old {
		next[k] = e
	}
	next[id] = v
	r.v.Store(next)
	return v, true
}

// Ref takes an additional reference on v.
func (r *Registry) Ref(v *VRF) {
	v.refs++
}

// Unref drops one reference, removing the VRF from the registry when it
// reaches zero. Reports whether the VRF was removed.
func (r *Registry) Unref(v *VRF) bool {
	v.refs--
	if v.refs > 0 {
		return false
	}
	old := r.snapshot()
	next := make(map[uint32]*VRF, len(old))
	for k, e := range old {
		if k != v.ID {
			next[k] = e
		}
	}
	r.v.Store(next)
	return true
}

// Walk calls fn for every VRF until fn returns false.
func (r *Registry) Walk(fn func(*VRF) bool) {
	for _, v := range r.snapshot() {
		if !fn(v) {
			return
		}
	}
}

// Len returns the number of live VRFs.
func (r *Registry) Len() int {
	return len(r.snapshot())
}
