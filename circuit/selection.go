package circuit

import "sort"

// RoundRobin distributes outgoing user traffic across active circuits
// (spec §4.8 C8). It is pure and holds no reference to Tables beyond the
// call it's given, mirroring the teacher's stateless selection helpers.
type RoundRobin struct {
	index int
}

// Select returns the next circuit_id from the list of active_circuits
// sorted in ascending numeric order (state == READY), cycling a persistent index.
// Returns (0, false) if no circuit is active.
func (r *RoundRobin) Select(t *Tables) (uint32, bool) {
	active := make([]uint32, 0)
	for _, cid := range t.CircuitIDs() {
		c, ok := t.Circuit(cid)
		if !ok {
			continue
		}
		if c.Ready() {
			active = append(active, cid)
		}
	}
	if len(active) == 0 {
		return 0, false
	}
	sort.Slice(active, func(i, j int) bool { return active[i] < active[j] })

	if r.index >= len(active) {
		r.index = 0
	}
	selected := active[r.index]
	r.index = (r.index + 1) % len(active)
	return selected, true
}
