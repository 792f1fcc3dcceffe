package dispatch

import (
	"time"

	"github.com/sarchlab/m2rec/cpu"
	"github.com/sarchlab/m2rec/engine"
)

type cacheEntry struct {
	ordinal uint32
	uses    uint32
}

// GetExecutable resolves addr to its current handler. Addresses the engine
// has no ordinal for resolve to def. The second result reports whether the
// handler is compiled code.
func (d *Dispatcher) GetExecutable(addr uint32, def cpu.Executable) (cpu.Executable, bool) {
	defer d.maybeSweep()

	ce, ok := d.cache[addr]
	if !ok {
		d.stats.CacheMisses.Inc()
		ord := d.engine.GetOrdinal(addr)
		if ord == engine.NoOrdinal {
			return def, false
		}
		ce = &cacheEntry{ordinal: ord}
		d.cache[addr] = ce
	}
	ce.uses++

	entry := d.engine.GetExecutable(ce.ordinal)
	if entry == nil || entry.IsDefault() {
		return def, false
	}
	return entry.Exec, true
}

// maybeSweep drops cache entries that were not used since the previous
// sweep and releases their modules.
func (d *Dispatcher) maybeSweep() {
	now := d.now()
	if now.Sub(d.lastSweep) <= d.sweepInterval {
		return
	}
	d.lastSweep = now
	d.stats.Sweeps.Inc()

	for addr, ce := range d.cache {
		if ce.uses == 0 {
			delete(d.cache, addr)
			d.engine.FreeExecutable(ce.ordinal)
			d.stats.Evictions.Inc()
			continue
		}
		ce.uses = 0
	}
}

// Cached reports whether addr is in the resolution cache.
func (d *Dispatcher) Cached(addr uint32) bool {
	_, ok := d.cache[addr]
	return ok
}

func systemClock() time.Time {
	return time.Now()
}
