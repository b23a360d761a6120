// Package nlfeed replays kernel route, neighbor and link updates into
// the route engine via netlink subscriptions. It owns the interface
// objects the engine's next hops reference.
package nlfeed

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/psaab/fibrx/pkg/iface"
	"github.com/psaab/fibrx/pkg/nexthop"
	"github.com/psaab/fibrx/pkg/route"
	"github.com/psaab/fibrx/pkg/vrf"
)

// Config configures the feed.
type Config struct {
	Engine *route.Engine
	Log    *slog.Logger
}

// Feed is one netlink subscription pump.
type Feed struct {
	engine *route.Engine
	log    *slog.Logger

	mu     sync.Mutex
	ifaces map[int]*iface.Interface

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a feed; Start begins consuming updates.
func New(cfg Config) *Feed {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Feed{
		engine: cfg.Engine,
		log:    cfg.Log,
		ifaces: make(map[int]*iface.Interface),
		done:   make(chan struct{}),
	}
}

// Start primes the interface map and subscribes to route, neighbor and
// link updates.
func (f *Feed) Start() error {
	links, err := netlink.LinkList()
	if err != nil {
		return fmt.Errorf("list links: %w", err)
	}
	for _, l := range links {
		f.trackLink(l)
	}

	routeCh := make(chan netlink.RouteUpdate, 1024)
	if err := netlink.RouteSubscribe(routeCh, f.done); err != nil {
		return fmt.Errorf("subscribe routes: %w", err)
	}
	neighCh := make(chan netlink.NeighUpdate, 1024)
	if err := netlink.NeighSubscribe(neighCh, f.done); err != nil {
		return fmt.Errorf("subscribe neighbors: %w", err)
	}
	linkCh := make(chan netlink.LinkUpdate, 64)
	if err := netlink.LinkSubscribe(linkCh, f.done); err != nil {
		return fmt.Errorf("subscribe links: %w", err)
	}

	f.wg.Add(1)
	go f.loop(routeCh, neighCh, linkCh)
	return nil
}

// Stop terminates the subscriptions and waits for the pump to exit.
func (f *Feed) Stop() {
	close(f.done)
	f.wg.Wait()
}

// Interface returns the tracked interface for a link index, or nil.
func (f *Feed) Interface(index int) *iface.Interface {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ifaces[index]
}

func (f *Feed) trackLink(l netlink.Link) *iface.Interface {
	attrs := l.Attrs()
	vrfID := vrf.DefaultID
	if v, ok := l.(*netlink.Vrf); ok {
		vrfID = v.Table
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if ifp, ok := f.ifaces[attrs.Index]; ok {
		return ifp
	}
	ifp := iface.New(attrs.Index, attrs.Name, vrfID)
	f.ifaces[attrs.Index] = ifp
	return ifp
}

func (f *Feed) loop(routeCh chan netlink.RouteUpdate, neighCh chan netlink.NeighUpdate, linkCh chan netlink.LinkUpdate) {
	defer f.wg.Done()
	for {
		select {
		case <-f.done:
			return
		case ru, ok := <-routeCh:
			if !ok {
				return
			}
			f.handleRoute(ru)
		case nu, ok := <-neighCh:
			if !ok {
				return
			}
			f.handleNeigh(nu)
		case lu, ok := <-linkCh:
			if !ok {
				return
			}
			f.handleLink(lu)
		}
	}
}

func ipToAddr(ip []byte) (netip.Addr, bool) {
	a, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}, false
	}
	if a.Is4In6() {
		a = a.Unmap()
	}
	return a, a.Is4()
}

func typeFlags(rtType int) uint32 {
	switch rtType {
	case unix.RTN_BLACKHOLE:
		return nexthop.FlagBlackhole
	case unix.RTN_UNREACHABLE, unix.RTN_PROHIBIT:
		return nexthop.FlagReject
	case unix.RTN_LOCAL:
		return nexthop.FlagLocal
	case unix.RTN_BROADCAST:
		return nexthop.FlagBroadcast | nexthop.FlagLocal
	}
	return 0
}

func (f *Feed) routeHops(r *netlink.Route) []nexthop.NextHop {
	base := typeFlags(r.Type)
	if len(r.MultiPath) > 0 {
		hops := make([]nexthop.NextHop, 0, len(r.MultiPath))
		for _, np := range r.MultiPath {
			nh := nexthop.NextHop{Flags: base, Ifp: f.Interface(np.LinkIndex)}
			if gw, ok := ipToAddr(np.Gw); ok {
				nh.Gateway = gw
				nh.Flags |= nexthop.FlagGateway
			}
			hops = append(hops, nh)
		}
		return hops
	}
	nh := nexthop.NextHop{Flags: base, Ifp: f.Interface(r.LinkIndex)}
	if gw, ok := ipToAddr(r.Gw); ok {
		nh.Gateway = gw
		nh.Flags |= nexthop.FlagGateway
	}
	return []nexthop.NextHop{nh}
}

func (f *Feed) handleRoute(ru netlink.RouteUpdate) {
	r := ru.Route
	var dst netip.Prefix
	if r.Dst == nil {
		dst = netip.PrefixFrom(netip.IPv4Unspecified(), 0)
	} else {
		addr, ok := ipToAddr(r.Dst.IP)
		if !ok {
			return
		}
		ones, _ := r.Dst.Mask.Size()
		dst = netip.PrefixFrom(addr, ones)
	}

	vrfID := vrf.DefaultID
	tableID := uint32(r.Table)
	scope := int16(r.Scope)

	switch ru.Type {
	case unix.RTM_NEWROUTE:
		hops := f.routeHops(&r)
		err := f.engine.Replace(vrfID, dst, tableID, scope, nexthop.ProtoRoute, hops)
		if err != nil {
			f.log.Warn("route replay insert", "dst", dst, "table", tableID, "err", err)
		}
	case unix.RTM_DELROUTE:
		err := f.engine.Delete(vrfID, dst, tableID, scope)
		if err != nil && !errors.Is(err, route.ErrNotFound) {
			f.log.Warn("route replay delete", "dst", dst, "table", tableID, "err", err)
		}
	}
}

// Neighbor states that count as resolved.
const nudResolved = unix.NUD_REACHABLE | unix.NUD_STALE |
	unix.NUD_DELAY | unix.NUD_PROBE | unix.NUD_PERMANENT | unix.NUD_NOARP

func (f *Feed) handleNeigh(nu netlink.NeighUpdate) {
	ip, ok := ipToAddr(nu.IP)
	if !ok {
		return
	}
	ifp := f.Interface(nu.LinkIndex)
	if ifp == nil {
		return
	}

	resolved := nu.Type == unix.RTM_NEWNEIGH &&
		nu.State&nudResolved != 0 && len(nu.HardwareAddr) > 0
	if resolved {
		n := ifp.Neighbors().Insert(ifp, ip, nu.HardwareAddr)
		f.engine.NeighborResolved(n)
		return
	}
	// Failed or deleted entries come out of the table before the engine
	// relinks, so resynthesis cannot resurrect them.
	if n := ifp.Neighbors().Remove(ip); n != nil {
		f.engine.NeighborRemoved(n)
	}
}

func (f *Feed) handleLink(lu netlink.LinkUpdate) {
	switch lu.Header.Type {
	case unix.RTM_DELLINK:
		f.mu.Lock()
		ifp := f.ifaces[int(lu.Index)]
		delete(f.ifaces, int(lu.Index))
		f.mu.Unlock()
		if ifp != nil {
			f.engine.PurgeInterface(ifp)
		}
	case unix.RTM_NEWLINK:
		ifp := f.trackLink(lu.Link)
		up := lu.IfInfomsg.Flags&unix.IFF_UP != 0
		f.engine.SetInterfaceDead(ifp, !up)
	}
}
