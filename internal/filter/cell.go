package filter

import (
	"net/url"
	"sync/atomic"
)

// snapshot is the unit published by a Cell. It is never mutated after
// publication.
type snapshot struct {
	filter  Filter
	version uint64
}

// Cell holds the process-wide active filter. Readers perform one atomic load
// per request; writers build the complete filter before publishing it.
type Cell struct {
	current atomic.Pointer[snapshot]
}

// NewCell creates a cell holding initial. A nil initial filter publishes an
// empty chain, which monitors nothing.
func NewCell(initial Filter) *Cell {
	if initial == nil {
		initial = NewChain()
	}
	c := &Cell{}
	c.current.Store(&snapshot{filter: initial, version: 1})
	return c
}

// Active returns the filter in force. Callers should load it once per
// request and keep using that value for the rest of the request.
func (c *Cell) Active() Filter {
	return c.current.Load().filter
}

// Version returns the publication counter of the active filter.
func (c *Cell) Version() uint64 {
	return c.current.Load().version
}

// Publish unconditionally swaps in f.
func (c *Cell) Publish(f Filter) {
	for {
		old := c.current.Load()
		if c.current.CompareAndSwap(old, &snapshot{filter: f, version: old.version + 1}) {
			return
		}
	}
}

// CompareAndPublish swaps in f only if the active version is still version.
func (c *Cell) CompareAndPublish(version uint64, f Filter) bool {
	old := c.current.Load()
	if old.version != version {
		return false
	}
	return c.current.CompareAndSwap(old, &snapshot{filter: f, version: version + 1})
}

// Monitor evaluates the request against the active filter.
func (c *Cell) Monitor(path string, query url.Values) bool {
	return c.Active().Monitor(path, query)
}
