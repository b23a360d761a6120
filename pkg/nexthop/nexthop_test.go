package nexthop

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/psaab/fibrx/pkg/fal"
	"github.com/psaab/fibrx/pkg/iface"
)

var (
	eth0 = iface.New(2, "eth0", 1)
	eth1 = iface.New(3, "eth1", 1)
)

func gw(s string) netip.Addr { return netip.MustParseAddr(s) }

// stickyPlane hands out sequential group handles and refuses deletes.
type stickyPlane struct {
	next      fal.Object
	deletes   int
	deleteErr error
}

func (p *stickyPlane) CreateNextHopGroup(hops []fal.NextHop) (fal.Object, []fal.Object, error) {
	p.next++
	return p.next, make([]fal.Object, len(hops)), nil
}

func (p *stickyPlane) DeleteNextHopGroup(fal.Object, []fal.NextHop, []fal.Object) error {
	p.deletes++
	return p.deleteErr
}

func (p *stickyPlane) CreateRoute(uint32, netip.Prefix, uint32, []fal.NextHop, fal.Object) error {
	return nil
}

func (p *stickyPlane) UpdateRoute(uint32, netip.Prefix, uint32, []fal.NextHop, fal.Object) error {
	return nil
}

func (p *stickyPlane) DeleteRoute(uint32, netip.Prefix, uint32) error { return nil }

func TestDedup(t *testing.T) {
	s := New(Config{Capacity: 16})
	hops := []NextHop{{Gateway: gw("10.0.0.1"), Ifp: eth0, Flags: FlagGateway}}

	a, err := s.CreateOrReuse(ProtoRoute, hops)
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.CreateOrReuse(ProtoRoute, hops)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatalf("identical groups got indexes %d and %d", a, b)
	}
	if g := s.Lookup(a); g.Refs() != 2 {
		t.Fatalf("refs = %d, want 2", g.Refs())
	}
	if s.InUse() != 1 {
		t.Fatalf("InUse = %d, want 1", s.InUse())
	}

	t.Run("different gateway", func(t *testing.T) {
		c, err := s.CreateOrReuse(ProtoRoute, []NextHop{
			{Gateway: gw("10.0.0.2"), Ifp: eth0, Flags: FlagGateway},
		})
		if err != nil {
			t.Fatal(err)
		}
		if c == a {
			t.Fatal("distinct content shared an index")
		}
	})

	t.Run("different interface", func(t *testing.T) {
		c, _ := s.CreateOrReuse(ProtoRoute, []NextHop{
			{Gateway: gw("10.0.0.1"), Ifp: eth1, Flags: FlagGateway},
		})
		if c == a {
			t.Fatal("distinct interface shared an index")
		}
	})

	t.Run("different proto", func(t *testing.T) {
		c, _ := s.CreateOrReuse(ProtoNeigh, hops)
		if c == a {
			t.Fatal("distinct proto shared an index")
		}
	})

	t.Run("runtime flags excluded from identity", func(t *testing.T) {
		c, _ := s.CreateOrReuse(ProtoRoute, []NextHop{
			{Gateway: gw("10.0.0.1"), Ifp: eth0, Flags: FlagGateway | FlagDead},
		})
		if c != a {
			t.Fatal("dead flag changed dedup identity")
		}
	})
}

func TestReleaseReclaims(t *testing.T) {
	s := New(Config{Capacity: 16})
	hops := []NextHop{{Gateway: gw("10.0.0.1"), Ifp: eth0, Flags: FlagGateway}}

	idx, _ := s.CreateOrReuse(ProtoRoute, hops)
	s.CreateOrReuse(ProtoRoute, hops) // second ref

	if err := s.Release(idx); err != nil {
		t.Fatal(err)
	}
	if s.Lookup(idx) == nil {
		t.Fatal("group freed while referenced")
	}
	if err := s.Release(idx); err != nil {
		t.Fatal(err)
	}
	if s.Lookup(idx) != nil {
		t.Fatal("group not freed at refcount zero")
	}
	if s.InUse() != 0 || s.DedupKeys() != 0 {
		t.Fatalf("InUse=%d DedupKeys=%d after release, want 0,0", s.InUse(), s.DedupKeys())
	}

	// Same content after release allocates a fresh group with refs 1.
	idx2, _ := s.CreateOrReuse(ProtoRoute, hops)
	if g := s.Lookup(idx2); g.Refs() != 1 {
		t.Fatalf("refs on recreated group = %d, want 1", g.Refs())
	}
}

func TestStoreFull(t *testing.T) {
	s := New(Config{Capacity: 2})
	s.CreateOrReuse(ProtoRoute, []NextHop{{Gateway: gw("10.0.0.1"), Flags: FlagGateway}})
	s.CreateOrReuse(ProtoRoute, []NextHop{{Gateway: gw("10.0.0.2"), Flags: FlagGateway}})
	_, err := s.CreateOrReuse(ProtoRoute, []NextHop{{Gateway: gw("10.0.0.3"), Flags: FlagGateway}})
	if !errors.Is(err, ErrStoreFull) {
		t.Fatalf("err = %v, want ErrStoreFull", err)
	}
}

func TestEmptyGroup(t *testing.T) {
	s := New(Config{Capacity: 2})
	if _, err := s.CreateOrReuse(ProtoRoute, nil); !errors.Is(err, ErrEmptyGroup) {
		t.Fatalf("err = %v, want ErrEmptyGroup", err)
	}
}

func TestSelect(t *testing.T) {
	s := New(Config{Capacity: 16, MaxPath: 2})
	idx, _ := s.CreateOrReuse(ProtoRoute, []NextHop{
		{Gateway: gw("10.0.0.1"), Ifp: eth0, Flags: FlagGateway},
		{Gateway: gw("10.0.0.2"), Ifp: eth0, Flags: FlagGateway},
		{Gateway: gw("10.0.0.3"), Ifp: eth0, Flags: FlagGateway},
	})
	g := s.Lookup(idx)

	// The path limit bounds selection to the first two members.
	for hash := uint32(0); hash < 8; hash++ {
		nh := s.Select(g, hash)
		if nh == nil || nh.Gateway == gw("10.0.0.3") {
			t.Fatalf("hash %d selected %v, want member within path limit", hash, nh)
		}
	}

	// Dead members are skipped within the bounded width.
	s.Replace(idx, func(m *NextHop) Decision {
		if m.Gateway == gw("10.0.0.1") {
			return Decision{Change: SetDead}
		}
		return Decision{}
	})
	g = s.Lookup(idx)
	for hash := uint32(0); hash < 8; hash++ {
		nh := s.Select(g, hash)
		if nh == nil || nh.Gateway != gw("10.0.0.2") {
			t.Fatalf("hash %d selected %v, want 10.0.0.2", hash, nh)
		}
	}

	// All candidates dead yields no selection.
	s.Replace(idx, func(m *NextHop) Decision {
		if m.Flags&FlagDead == 0 {
			return Decision{Change: SetDead}
		}
		return Decision{}
	})
	g = s.Lookup(idx)
	if nh := s.Select(g, 0); nh != nil {
		t.Fatalf("all-dead select = %v, want nil", nh)
	}
}

func TestReplace(t *testing.T) {
	s := New(Config{Capacity: 16})
	n := eth0.Neighbors().Insert(eth0, gw("10.0.0.1"), nil)

	t.Run("no change", func(t *testing.T) {
		idx, _ := s.CreateOrReuse(ProtoRoute, []NextHop{
			{Gateway: gw("10.0.0.1"), Ifp: eth0, Flags: FlagGateway},
		})
		res, g := s.Replace(idx, func(*NextHop) Decision { return Decision{} })
		if res != ReplaceNone {
			t.Fatalf("res = %v, want ReplaceNone", res)
		}
		if g != s.Lookup(idx) {
			t.Fatal("no-op replace swapped the group")
		}
		s.Release(idx)
	})

	t.Run("set and clear neighbor present", func(t *testing.T) {
		idx, _ := s.CreateOrReuse(ProtoRoute, []NextHop{
			{Gateway: gw("10.0.0.1"), Ifp: eth0, Flags: FlagGateway},
		})
		res, g := s.Replace(idx, func(m *NextHop) Decision {
			return Decision{Change: SetNeighPresent, Neigh: n}
		})
		if res != ReplaceUpdated {
			t.Fatalf("res = %v, want ReplaceUpdated", res)
		}
		if g.Members[0].Flags&FlagNeighPresent == 0 || g.Members[0].Neigh != n {
			t.Fatalf("member = %+v, want neighbor-present with entry", g.Members[0])
		}
		if g.Index() != idx || g.Refs() != 1 {
			t.Fatalf("identity not preserved: index=%d refs=%d", g.Index(), g.Refs())
		}

		res, g = s.Replace(idx, func(m *NextHop) Decision {
			return Decision{Change: ClearNeighPresent}
		})
		if res != ReplaceUpdated || g.Members[0].Flags&FlagNeighPresent != 0 || g.Members[0].Neigh != nil {
			t.Fatalf("clear failed: res=%v member=%+v", res, g.Members[0])
		}
		s.Release(idx)
	})

	t.Run("delete one member", func(t *testing.T) {
		idx, _ := s.CreateOrReuse(ProtoRoute, []NextHop{
			{Gateway: gw("10.0.0.1"), Ifp: eth0, Flags: FlagGateway},
			{Gateway: gw("10.0.0.2"), Ifp: eth1, Flags: FlagGateway},
		})
		res, g := s.Replace(idx, func(m *NextHop) Decision {
			if m.Gateway == gw("10.0.0.1") {
				return Decision{Change: DeleteMember}
			}
			return Decision{}
		})
		if res != ReplaceUpdated || len(g.Members) != 1 || g.Members[0].Gateway != gw("10.0.0.2") {
			t.Fatalf("res=%v members=%+v, want single 10.0.0.2", res, g.Members)
		}
		s.Release(idx)
	})

	t.Run("delete every member reports delete-route", func(t *testing.T) {
		idx, _ := s.CreateOrReuse(ProtoRoute, []NextHop{
			{Gateway: gw("10.0.0.9"), Ifp: eth0, Flags: FlagGateway},
		})
		res, _ := s.Replace(idx, func(*NextHop) Decision {
			return Decision{Change: DeleteMember}
		})
		if res != ReplaceDeleteRoute {
			t.Fatalf("res = %v, want ReplaceDeleteRoute", res)
		}
		// The group is untouched; the caller deletes the routes.
		if g := s.Lookup(idx); g == nil || len(g.Members) != 1 {
			t.Fatal("group mutated on delete-route outcome")
		}
		s.Release(idx)
	})

	t.Run("shrink reprograms despite delete failure", func(t *testing.T) {
		p := &stickyPlane{deleteErr: errors.New("object busy")}
		s := New(Config{Capacity: 16, Plane: p})
		idx, _ := s.CreateOrReuse(ProtoRoute, []NextHop{
			{Gateway: gw("10.2.0.1"), Ifp: eth0, Flags: FlagGateway},
			{Gateway: gw("10.2.0.2"), Ifp: eth1, Flags: FlagGateway},
		})
		old := s.Lookup(idx)
		if !old.PDCreated {
			t.Fatalf("group not programmed: %+v", old)
		}
		res, ng := s.Replace(idx, func(m *NextHop) Decision {
			if m.Gateway == gw("10.2.0.2") {
				return Decision{Change: DeleteMember}
			}
			return Decision{}
		})
		if res != ReplaceUpdated {
			t.Fatalf("res = %v, want ReplaceUpdated", res)
		}
		// The stale handle failing to delete must not block programming
		// the shrunk membership.
		if !ng.PDCreated || ng.FALGroup == old.FALGroup {
			t.Fatalf("shrunk group kept stale handle: created=%v group=%d", ng.PDCreated, ng.FALGroup)
		}
		if p.deletes != 1 {
			t.Fatalf("deletes = %d, want 1", p.deletes)
		}
	})

	t.Run("dedup key follows content", func(t *testing.T) {
		idx, _ := s.CreateOrReuse(ProtoRoute, []NextHop{
			{Gateway: gw("10.1.0.1"), Ifp: eth0, Flags: FlagGateway},
			{Gateway: gw("10.1.0.2"), Ifp: eth0, Flags: FlagGateway},
		})
		s.Replace(idx, func(m *NextHop) Decision {
			if m.Gateway == gw("10.1.0.2") {
				return Decision{Change: DeleteMember}
			}
			return Decision{}
		})
		// A new group with the shrunk content must reuse the slot.
		idx2, _ := s.CreateOrReuse(ProtoRoute, []NextHop{
			{Gateway: gw("10.1.0.1"), Ifp: eth0, Flags: FlagGateway},
		})
		if idx2 != idx {
			t.Fatalf("post-replace content not rekeyed: %d vs %d", idx2, idx)
		}
		s.Release(idx)
		s.Release(idx)
	})
}
