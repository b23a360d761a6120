// Package fal abstracts the forwarding abstraction layer: an optional
// hardware (or eBPF) offload plane that mirrors the software route and
// next-hop-group state. All calls are best effort; a failure degrades the
// affected object to software-only forwarding and is never propagated as
// an operation failure by callers.
package fal

import (
	"errors"
	"net/netip"
)

// Object is an opaque handle to a platform-created object.
type Object uint64

// ObjectNone is the zero handle, meaning "not programmed".
const ObjectNone Object = 0

// ObjState is the programming state of a software object in the platform.
type ObjState uint8

const (
	// StateNone means no programming has been attempted.
	StateNone ObjState = iota
	// StateFull means the object is fully programmed.
	StateFull
	// StateNoResource means programming failed due to platform capacity.
	StateNoResource
	// StateError means programming failed for any other reason.
	StateError
	// StateNotNeeded means the object does not need programming, either
	// because there is no platform or because a better-scoped entry
	// already governs forwarding.
	StateNotNeeded

	// StateCount sizes per-state counter arrays.
	StateCount
)

func (s ObjState) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateFull:
		return "full"
	case StateNoResource:
		return "no_resource"
	case StateError:
		return "error"
	case StateNotNeeded:
		return "not_needed"
	}
	return "unknown"
}

// ErrUnsupported is returned by planes that do not implement an operation.
var ErrUnsupported = errors.New("fal: operation not supported")

// ErrNoResource is returned when the platform has run out of capacity.
var ErrNoResource = errors.New("fal: no resource")

// StateFromError maps a plane call result to an object state.
func StateFromError(err error) ObjState {
	switch {
	case err == nil:
		return StateFull
	case errors.Is(err, ErrUnsupported):
		return StateNotNeeded
	case errors.Is(err, ErrNoResource):
		return StateNoResource
	default:
		return StateError
	}
}

// NextHop is the platform view of a single next-hop-group member.
type NextHop struct {
	Gateway netip.Addr // zero value if none
	IfIndex int        // 0 for interface-less hops
	Flags   uint32     // forwarding-relevant flag bits, plane specific
	Labels  []uint32   // outgoing label stack, outermost first
}

// Plane is the set of offload operations the route engine drives.
//
// CreateNextHopGroup returns a group handle plus one handle per member.
// Route calls identify a route by (vrf, destination prefix, table id).
type Plane interface {
	CreateNextHopGroup(hops []NextHop) (Object, []Object, error)
	DeleteNextHopGroup(group Object, hops []NextHop, members []Object) error

	CreateRoute(vrfID uint32, dst netip.Prefix, tableID uint32, hops []NextHop, group Object) error
	UpdateRoute(vrfID uint32, dst netip.Prefix, tableID uint32, hops []NextHop, group Object) error
	DeleteRoute(vrfID uint32, dst netip.Prefix, tableID uint32) error
}

// Disabled is a Plane for platforms with no offload. Every call reports
// ErrUnsupported, which maps to StateNotNeeded.
type Disabled struct{}

func (Disabled) CreateNextHopGroup([]NextHop) (Object, []Object, error) {
	return ObjectNone, nil, ErrUnsupported
}

func (Disabled) DeleteNextHopGroup(Object, []NextHop, []Object) error {
	return ErrUnsupported
}

func (Disabled) CreateRoute(uint32, netip.Prefix, uint32, []NextHop, Object) error {
	return ErrUnsupported
}

func (Disabled) UpdateRoute(uint32, netip.Prefix, uint32, []NextHop, Object) error {
	return ErrUnsupported
}

func (Disabled) DeleteRoute(uint32, netip.Prefix, uint32) error {
	return ErrUnsupported
}

var _ Plane = Disabled{}
