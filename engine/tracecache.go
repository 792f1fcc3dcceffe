package engine

import (
	akitacache "github.com/sarchlab/akita/v4/mem/cache"
)

// processedTrace remembers which blocks a trace touched so that a repeat
// only bumps hit counters.
type processedTrace struct {
	blocks []*BlockEntry
}

// traceCache is a bounded, set-associative LRU of processed traces keyed
// by trace ID. An evicted trace is simply merged again if it recurs.
type traceCache struct {
	ways      int
	directory *akitacache.DirectoryImpl

	// Indexed by (setID * ways + wayID).
	records []*processedTrace

	evictions uint64
}

func newTraceCache(sets, ways int) *traceCache {
	return &traceCache{
		ways: ways,
		// Block size 1 makes the tag the full trace ID.
		directory: akitacache.NewDirectory(sets, ways, 1, akitacache.NewLRUVictimFinder()),
		records:   make([]*processedTrace, sets*ways),
	}
}

func (c *traceCache) blockIndex(block *akitacache.Block) int {
	return block.SetID*c.ways + block.WayID
}

// lookup returns the record for id and marks it recently used.
func (c *traceCache) lookup(id uint64) *processedTrace {
	block := c.directory.Lookup(0, id)
	if block == nil || !block.IsValid {
		return nil
	}
	c.directory.Visit(block)
	return c.records[c.blockIndex(block)]
}

// insert stores a record for id, evicting the least recently used trace
// of its set when full.
func (c *traceCache) insert(id uint64, rec *processedTrace) {
	victim := c.directory.FindVictim(id)
	if victim == nil {
		return
	}
	if victim.IsValid {
		c.evictions++
	}

	victim.Tag = id
	victim.IsValid = true
	c.records[c.blockIndex(victim)] = rec
	c.directory.Visit(victim)
}

// len returns the number of cached traces.
func (c *traceCache) len() int {
	n := 0
	for _, set := range c.directory.GetSets() {
		for _, block := range set.Blocks {
			if block.IsValid {
				n++
			}
		}
	}
	return n
}
