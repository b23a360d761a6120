// Package lpm implements the longest-prefix-match trie backing one IPv4
// route table. Keys are host-order uint32 addresses with a depth of 0-32.
//
// Each (prefix, depth) key holds a rule list ordered by scope; the rule
// with the numerically lowest scope governs forwarding and is the only
// one visible to Lookup. Remaining rules are retained for promotion when
// the governing rule is deleted.
//
// All mutation happens on the single control thread, serialized by the
// route engine. Lookup is wait-free: nodes and governing rules are
// published with atomic pointers and are never mutated once visible to a
// reader; a reader sees either the old rule or the new one.
package lpm

import (
	"errors"
	"sync/atomic"

	"github.com/psaab/fibrx/pkg/fal"
)

// MaxDepth is the maximum prefix length.
const MaxDepth = 32

// ScopePanDimensional orders after every valid kernel scope (0-255), so a
// reserved rule carrying it loses the tie-break to any real route at the
// same prefix.
const ScopePanDimensional int16 = 256

// DefaultMaxRules bounds the number of rules in one table.
const DefaultMaxRules = 1 << 20

// ErrNoSpace is returned when the table's rule limit is exhausted.
var ErrNoSpace = errors.New("lpm: rule table full")

// ErrNotFound is returned by Delete when no rule matches the key.
var ErrNotFound = errors.New("lpm: no matching rule")

// Result describes what an Add or Delete did beyond succeeding.
type Result int

const (
	// Added: a new governing rule was installed.
	Added Result = iota
	// AddedShadowed: the rule was accepted into the rule list but a
	// better-scoped rule at the same key still governs forwarding.
	AddedShadowed
	// AddedDemoted: the rule was installed as governing and the previous
	// governing rule at the same key was demoted to the rule list.
	AddedDemoted
	// AlreadyExists: a rule with the same key and scope existed; its
	// next-hop binding was replaced.
	AlreadyExists
	// Deleted: the governing rule was removed and nothing was promoted.
	Deleted
	// DeletedShadowed: a non-governing rule was removed; forwarding
	// state is unchanged.
	DeletedShadowed
	// DeletedPromoted: the governing rule was removed and the next rule
	// in scope order was promoted to governing.
	DeletedPromoted
)

// PDState is the platform (offload) programming state carried per rule.
type PDState struct {
	Created bool
	State   fal.ObjState
}

// Rule is one (prefix, depth, scope) binding to a next-hop-group index.
// NHIndex and Scope are immutable after insertion; PD is owned by the
// route engine and only touched under its mutation lock.
type Rule struct {
	Scope   int16
	NHIndex uint32
	PD      PDState
}

// Entry is a walk callback's view of one rule.
type Entry struct {
	Addr    uint32
	Depth   uint8
	Scope   int16
	NHIndex uint32
	PD      PDState
	Best    bool // governing rule for its key
}

type ruleList struct {
	rules []*Rule // ascending scope, rules[0] governs
}

type node struct {
	addr  uint32
	depth uint8

	child [2]atomic.Pointer[node]
	rules atomic.Pointer[ruleList]
	best  atomic.Pointer[Rule]
}

// Table is one route table's trie.
type Table struct {
	id       uint32
	root     *node
	maxRules int
	count    atomic.Int64
}

// New creates an empty table with the default rule limit.
func New(id uint32) *Table {
	return NewWithLimit(id, DefaultMaxRules)
}

// NewWithLimit creates an empty table holding at most maxRules rules.
func NewWithLimit(id uint32, maxRules int) *Table {
	return &Table{
		id:       id,
		root:     &node{},
		maxRules: maxRules,
	}
}

// ID returns the table id the trie was created with.
func (t *Table) ID() uint32 {
	return t.id
}

// RuleCount returns the total number of rules, including shadowed ones.
func (t *Table) RuleCount() int {
	return int(t.count.Load())
}

func bit(addr uint32, depth uint8) int {
	return int(addr>>(31-depth)) & 1
}

func mask(depth uint8) uint32 {
	if depth == 0 {
		return 0
	}
	return ^uint32(0) << (32 - depth)
}

// Masked returns addr masked to depth bits.
func Masked(addr uint32, depth uint8) uint32 {
	return addr & mask(depth)
}

// findNode returns the node for (addr, depth), or nil.
func (t *Table) findNode(addr uint32, depth uint8) *node {
	n := t.root
	for d := uint8(0); d < depth; d++ {
		n = n.child[bit(addr, d)].Load()
		if n == nil {
			return nil
		}
	}
	return n
}

// ensureNode returns the node for (addr, depth), creating path nodes.
func (t *Table) ensureNode(addr uint32, depth uint8) *node {
	n := t.root
	for d := uint8(0); d < depth; d++ {
		b := bit(addr, d)
		next := n.child[b].Load()
		if next == nil {
			next = &node{addr: Masked(addr, d+1), depth: d + 1}
			n.child[b].Store(next)
		}
		n = next
	}
	return n
}

// publish installs a new rule list on n and republishes the governing rule.
func (n *node) publish(rules []*Rule) {
	if len(rules) == 0 {
		n.rules.Store(nil)
		n.best.Store(nil)
		return
	}
	n.rules.Store(&ruleList{rules: rules})
	n.best.Store(rules[0])
}

// Add inserts a rule for (addr, depth, scope) bound to nhIndex.
//
// The returned rule is the inserted one. For AddedDemoted the second rule
// is the demoted previous governing rule; for AlreadyExists it is the
// replaced rule, still carrying the old next-hop index and PD state.
func (t *Table) Add(addr uint32, depth uint8, scope int16, nhIndex uint32) (Result, *Rule, *Rule, error) {
	addr = Masked(addr, depth)
	n := t.findNode(addr, depth)

	var old []*Rule
	if n != nil {
		if rl := n.rules.Load(); rl != nil {
			old = rl.rules
		}
	}

	for i, r := range old {
		if r.Scope == scope {
			repl := &Rule{Scope: scope, NHIndex: nhIndex, PD: r.PD}
			rules := make([]*Rule, len(old))
			copy(rules, old)
			rules[i] = repl
			n.publish(rules)
			return AlreadyExists, repl, r, nil
		}
	}

	if int(t.count.Load()) >= t.maxRules {
		return 0, nil, nil, ErrNoSpace
	}
	if n == nil {
		n = t.ensureNode(addr, depth)
	}

	nr := &Rule{Scope: scope, NHIndex: nhIndex}
	pos := len(old)
	for i, r := range old {
		if scope < r.Scope {
			pos = i
			break
		}
	}
	rules := make([]*Rule, 0, len(old)+1)
	rules = append(rules, old[:pos]...)
	rules = append(rules, nr)
	rules = append(rules, old[pos:]...)
	n.publish(rules)
	t.count.Add(1)

	switch {
	case len(old) == 0:
		return Added, nr, nil, nil
	case pos == 0:
		return AddedDemoted, nr, old[0], nil
	default:
		return AddedShadowed, nr, nil, nil
	}
}

// Delete removes the rule for (addr, depth, scope).
//
// The first returned rule is the removed one. For DeletedPromoted the
// second is the newly governing rule.
func (t *Table) Delete(addr uint32, depth uint8, scope int16) (Result, *Rule, *Rule, error) {
	addr = Masked(addr, depth)
	n := t.findNode(addr, depth)
	if n == nil {
		return 0, nil, nil, ErrNotFound
	}
	rl := n.rules.Load()
	if rl == nil {
		return 0, nil, nil, ErrNotFound
	}

	for i, r := range rl.rules {
		if r.Scope != scope {
			continue
		}
		rules := make([]*Rule, 0, len(rl.rules)-1)
		rules = append(rules, rl.rules[:i]...)
		rules = append(rules, rl.rules[i+1:]...)
		n.publish(rules)
		t.count.Add(-1)
		if len(rules) == 0 {
			t.prune(addr, depth)
		}

		switch {
		case i != 0:
			return DeletedShadowed, r, nil, nil
		case len(rules) > 0:
			return DeletedPromoted, r, rules[0], nil
		default:
			return Deleted, r, nil, nil
		}
	}
	return 0, nil, nil, ErrNotFound
}

// prune removes empty leaf nodes along the path to (addr, depth).
// Readers may still traverse detached nodes; they only ever see rules
// that were published, so this is safe.
func (t *Table) prune(addr uint32, depth uint8) {
	if depth == 0 {
		return
	}
	var path [MaxDepth]*node
	n := t.root
	for d := uint8(0); d < depth; d++ {
		path[d] = n
		n = n.child[bit(addr, d)].Load()
		if n == nil {
			return
		}
	}
	for d := depth; d > 0; d-- {
		if n.rules.Load() != nil || n.child[0].Load() != nil || n.child[1].Load() != nil {
			return
		}
		parent := path[d-1]
		parent.child[bit(addr, d-1)].Store(nil)
		n = parent
	}
}

// Lookup returns the next-hop index governing addr. Wait-free.
func (t *Table) Lookup(addr uint32) (uint32, bool) {
	var hit *Rule
	n := t.root
	for {
		if r := n.best.Load(); r != nil {
			hit = r
		}
		if n.depth == MaxDepth {
			break
		}
		n = n.child[bit(addr, n.depth)].Load()
		if n == nil {
			break
		}
	}
	if hit == nil {
		return 0, false
	}
	return hit.NHIndex, true
}

// LookupExact returns the governing next-hop index for exactly
// (addr, depth).
func (t *Table) LookupExact(addr uint32, depth uint8) (uint32, bool) {
	n := t.findNode(Masked(addr, depth), depth)
	if n == nil {
		return 0, false
	}
	r := n.best.Load()
	if r == nil {
		return 0, false
	}
	return r.NHIndex, true
}

// Find returns the rule for exactly (addr, depth, scope), or nil.
func (t *Table) Find(addr uint32, depth uint8, scope int16) *Rule {
	n := t.findNode(Masked(addr, depth), depth)
	if n == nil {
		return nil
	}
	rl := n.rules.Load()
	if rl == nil {
		return nil
	}
	for _, r := range rl.rules {
		if r.Scope == scope {
			return r
		}
	}
	return nil
}

// BestRule returns the governing rule for exactly (addr, depth), or nil.
func (t *Table) BestRule(addr uint32, depth uint8) *Rule {
	n := t.findNode(Masked(addr, depth), depth)
	if n == nil {
		return nil
	}
	return n.best.Load()
}

// FindCover returns the closest covering entry of (addr, depth): the
// longest governing prefix shorter than depth that contains addr.
func (t *Table) FindCover(addr uint32, depth uint8) (uint32, uint8, uint32, bool) {
	addr = Masked(addr, depth)
	var hit *node
	var hitRule *Rule
	n := t.root
	for d := uint8(0); d < depth; d++ {
		if r := n.best.Load(); r != nil {
			hit = n
			hitRule = r
		}
		n = n.child[bit(addr, d)].Load()
		if n == nil {
			break
		}
	}
	if hit == nil {
		return 0, 0, 0, false
	}
	return hit.addr, hit.depth, hitRule.NHIndex, true
}

// SubtreeWalk calls fn for every governing entry strictly more specific
// than (addr, depth) within its prefix range. Entries are snapshotted
// before fn runs, so fn may mutate the table, including deleting the
// entry it was called for.
func (t *Table) SubtreeWalk(addr uint32, depth uint8, fn func(addr uint32, depth uint8, nhIndex uint32)) {
	n := t.findNode(Masked(addr, depth), depth)
	if n == nil {
		return
	}
	type item struct {
		addr    uint32
		depth   uint8
		nhIndex uint32
	}
	var found []item
	var dfs func(*node)
	dfs = func(m *node) {
		if m == nil {
			return
		}
		if m != n {
			if r := m.best.Load(); r != nil {
				found = append(found, item{m.addr, m.depth, r.NHIndex})
			}
		}
		dfs(m.child[0].Load())
		dfs(m.child[1].Load())
	}
	dfs(n)
	for _, it := range found {
		fn(it.addr, it.depth, it.nhIndex)
	}
}

// snapshot collects every rule in (addr, depth) order.
func (t *Table) snapshot() []Entry {
	var out []Entry
	var dfs func(*node)
	dfs = func(n *node) {
		if n == nil {
			return
		}
		if rl := n.rules.Load(); rl != nil {
			for i, r := range rl.rules {
				out = append(out, Entry{
					Addr:    n.addr,
					Depth:   n.depth,
					Scope:   r.Scope,
					NHIndex: r.NHIndex,
					PD:      r.PD,
					Best:    i == 0,
				})
			}
		}
		dfs(n.child[0].Load())
		dfs(n.child[1].Load())
	}
	dfs(t.root)
	return out
}

// Walk calls fn for every rule, shadowed ones included, until fn returns
// false. The table is snapshotted first, so fn may mutate it.
func (t *Table) Walk(fn func(Entry) bool) {
	for _, e := range t.snapshot() {
		if !fn(e) {
			return
		}
	}
}

// WalkFrom resumes a walk after (addr, depth), visiting at most limit
// entries. It reports whether more entries remain, supporting paginated
// dumps.
func (t *Table) WalkFrom(addr uint32, depth uint8, limit int, fn func(Entry) bool) bool {
	entries := t.snapshot()
	seen := 0
	for _, e := range entries {
		if e.Addr < addr || (e.Addr == addr && e.Depth <= depth) {
			continue
		}
		if limit >= 0 && seen >= limit {
			return true
		}
		seen++
		if !fn(e) {
			return false
		}
	}
	return false
}

// DeleteAll removes every rule, calling fn for each as it goes.
func (t *Table) DeleteAll(fn func(Entry)) {
	entries := t.snapshot()
	t.root = &node{}
	t.count.Store(0)
	for _, e := range entries {
		if fn != nil {
			fn(e)
		}
	}
}
