// Package cfg holds the control-flow graph observed for one code region.
package cfg

import (
	"fmt"
	"sort"

	"github.com/xlab/treeprint"
)

type addrSet map[uint32]struct{}

// CFG is a mutable, mergeable graph of observed instruction addresses,
// non-fallthrough branch edges and call edges for one region. Entries are
// only ever added.
type CFG struct {
	// StartAddress is the region entry.
	StartAddress uint32

	// FunctionAddress is the function the region belongs to. It equals
	// StartAddress for a function's own graph.
	FunctionAddress uint32

	instructions addrSet
	branches     map[uint32]addrSet
	calls        map[uint32]addrSet
}

// New creates an empty graph.
func New(start, function uint32) *CFG {
	return &CFG{
		StartAddress:    start,
		FunctionAddress: function,
		instructions:    addrSet{},
		branches:        map[uint32]addrSet{},
		calls:           map[uint32]addrSet{},
	}
}

// IsFunction reports whether the region is a function entry.
func (g *CFG) IsFunction() bool {
	return g.StartAddress == g.FunctionAddress
}

// AddInstruction records an instruction address as part of the region.
func (g *CFG) AddInstruction(addr uint32) {
	g.instructions[addr] = struct{}{}
}

// AddBranch records a transfer from one address to another. Fallthrough
// to from+4 is implicit and ignored.
func (g *CFG) AddBranch(from, to uint32) {
	if to == from+4 {
		return
	}
	add(g.branches, from, to)
}

// AddCall records a call target for a call site.
func (g *CFG) AddCall(site, target uint32) {
	add(g.calls, site, target)
}

func add(m map[uint32]addrSet, k, v uint32) {
	s, ok := m[k]
	if !ok {
		s = addrSet{}
		m[k] = s
	}
	s[v] = struct{}{}
}

// Size is the number of instructions plus branch edges plus call edges.
func (g *CFG) Size() int {
	n := len(g.instructions)
	for _, s := range g.branches {
		n += len(s)
	}
	for _, s := range g.calls {
		n += len(s)
	}
	return n
}

// HasInstruction reports whether addr is a known instruction of the region.
func (g *CFG) HasInstruction(addr uint32) bool {
	_, ok := g.instructions[addr]
	return ok
}

// Merge adds every entry of other into g.
func (g *CFG) Merge(other *CFG) {
	for a := range other.instructions {
		g.instructions[a] = struct{}{}
	}
	for from, s := range other.branches {
		for to := range s {
			add(g.branches, from, to)
		}
	}
	for site, s := range other.calls {
		for t := range s {
			add(g.calls, site, t)
		}
	}
}

// Clone returns a deep copy.
func (g *CFG) Clone() *CFG {
	c := New(g.StartAddress, g.FunctionAddress)
	c.Merge(g)
	return c
}

// Instructions returns the instruction addresses in ascending order.
func (g *CFG) Instructions() []uint32 {
	return sorted(g.instructions)
}

// Branches returns the recorded branch targets of addr in ascending order.
func (g *CFG) Branches(addr uint32) []uint32 {
	return sorted(g.branches[addr])
}

// BranchSources returns every address with at least one branch edge.
func (g *CFG) BranchSources() []uint32 {
	return sortedKeys(g.branches)
}

// Calls returns the recorded call targets of a call site in ascending order.
func (g *CFG) Calls(site uint32) []uint32 {
	return sorted(g.calls[site])
}

// CallSites returns every address with at least one call edge.
func (g *CFG) CallSites() []uint32 {
	return sortedKeys(g.calls)
}

func sorted(s addrSet) []uint32 {
	out := make([]uint32, 0, len(s))
	for a := range s {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortedKeys(m map[uint32]addrSet) []uint32 {
	out := make([]uint32, 0, len(m))
	for a := range m {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Tree renders the graph for diagnostics.
func (g *CFG) Tree() treeprint.Tree {
	tree := treeprint.New()
	tree.SetValue(fmt.Sprintf("0x%08X (fn 0x%08X) size=%d", g.StartAddress, g.FunctionAddress, g.Size()))

	insts := tree.AddBranch("instructions")
	for _, a := range g.Instructions() {
		insts.AddNode(fmt.Sprintf("0x%08X", a))
	}

	branches := tree.AddBranch("branches")
	for _, from := range g.BranchSources() {
		b := branches.AddBranch(fmt.Sprintf("0x%08X", from))
		for _, to := range g.Branches(from) {
			b.AddNode(fmt.Sprintf("-> 0x%08X", to))
		}
	}

	calls := tree.AddBranch("calls")
	for _, site := range g.CallSites() {
		c := calls.AddBranch(fmt.Sprintf("0x%08X", site))
		for _, t := range g.Calls(site) {
			c.AddNode(fmt.Sprintf("=> 0x%08X", t))
		}
	}

	return tree
}

func (g *CFG) String() string {
	return g.Tree().String()
}
