// Package slots is the two-level concurrency controller: a global
// counter bounded by max_concurrent and a per-agent counter bounded by
// each agent's max_parallel.
package slots

import "sync"

// Controller tracks reserved execution slots. The zero value is not
// usable; construct with New.
type Controller struct {
	maxConcurrent int

	globalMu sync.Mutex
	global   int

	agentMu  sync.Mutex
	perAgent map[string]int
}

// New creates a controller with the given global limit.
func New(maxConcurrent int) *Controller {
	return &Controller{
		maxConcurrent: maxConcurrent,
		perAgent:      make(map[string]int),
	}
}

// Reserve attempts to take one global slot and one slot for the agent.
// It returns false when either limit is reached, leaving both counters
// unchanged: the global counter is incremented before the per-agent
// check and rolled back on per-agent denial.
func (c *Controller) Reserve(abbreviation string, maxParallel int) bool {
	c.globalMu.Lock()
	if c.global >= c.maxConcurrent {
		c.globalMu.Unlock()
		return false
	}
	c.global++
	c.globalMu.Unlock()

	c.agentMu.Lock()
	if c.perAgent[abbreviation] >= maxParallel {
		c.agentMu.Unlock()
		c.globalMu.Lock()
		c.global--
		c.globalMu.Unlock()
		return false
	}
	c.perAgent[abbreviation]++
	c.agentMu.Unlock()
	return true
}

// Release returns one slot for the agent and one global slot. Must be
// called exactly once per successful Reserve; callers defer it across
// the whole execution so every exit path releases.
func (c *Controller) Release(abbreviation string) {
	c.agentMu.Lock()
	if c.perAgent[abbreviation] > 0 {
		c.perAgent[abbreviation]--
	}
	if c.perAgent[abbreviation] == 0 {
		delete(c.perAgent, abbreviation)
	}
	c.agentMu.Unlock()

	c.globalMu.Lock()
	if c.global > 0 {
		c.global--
	}
	c.globalMu.Unlock()
}

// InFlight returns the number of globally reserved slots.
func (c *Controller) InFlight() int {
	c.globalMu.Lock()
	defer c.globalMu.Unlock()
	return c.global
}

// AgentInFlight returns the reserved slots for one agent.
func (c *Controller) AgentInFlight(abbreviation string) int {
	c.agentMu.Lock()
	defer c.agentMu.Unlock()
	return c.perAgent[abbreviation]
}
