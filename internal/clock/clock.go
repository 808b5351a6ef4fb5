package clock

import (
	"sync"
)

// Clock holds the two process-wide scalars of the aggregation server: the
// Lamport clock and the global update counter. Every read-modify-write
// sequence runs under a single mutex so that a PUT observes a consistent
// (lamport, seq) pair.
type Clock struct {
	mu      sync.Mutex
	lamport int64
	updates int64
}

// New creates a Clock with both scalars at zero.
func New() *Clock {
	return &Clock{}
}

// Restore sets both scalars, used at bootstrap to resume from the maxima
// observed in persisted records.
func (c *Clock) Restore(lamport, updates int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lamport = lamport
	c.updates = updates
}

// TickForRequest advances the Lamport clock against a peer value:
// lamport = max(lamport, peer) + 1. Returns the new value.
func (c *Clock) TickForRequest(peer int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tickLocked(peer)
}

// TickForInternal advances the Lamport clock by one without a peer value,
// used when a response must carry a timestamp but the request did not
// parse.
func (c *Clock) TickForInternal() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tickLocked(c.lamport)
}

// BumpUpdateSeq increments and returns the global update counter.
func (c *Clock) BumpUpdateSeq() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates++
	return c.updates
}

// AdmitWrite advances the Lamport clock against the peer value and bumps
// the update counter in one critical section. The series of (lamport, seq)
// pairs handed out is a total order consistent with the order callers
// entered the section.
func (c *Clock) AdmitWrite(peer int64) (lamport, seq int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	lamport = c.tickLocked(peer)
	c.updates++
	return lamport, c.updates
}

// Lamport returns the current Lamport value.
func (c *Clock) Lamport() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lamport
}

// UpdateCount returns the current global update counter.
func (c *Clock) UpdateCount() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updates
}

func (c *Clock) tickLocked(peer int64) int64 {
	if peer > c.lamport {
		c.lamport = peer
	}
	c.lamport++
	return c.lamport
}
