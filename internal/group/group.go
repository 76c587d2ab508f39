// Package group implements the per-group_id FIFO ordering queue used by a
// MessageManager: at most one message of a given group id may be in flight
// at a time.
package group

// Group holds the ordered sequence ids for a single group_id, smallest first.
type Group struct {
	sequenceIDs []int64
}

// NewGroup returns an empty Group.
func NewGroup() *Group {
	return &Group{}
}

// Add appends a sequence id, keeping ascending order (callers add in
// sequence-id order, so this is normally an append; Insert sorted handles
// out-of-order replay safely too).
func (g *Group) Add(seq int64) {
	i := 0
	for i < len(g.sequenceIDs) && g.sequenceIDs[i] < seq {
		i++
	}
	if i < len(g.sequenceIDs) && g.sequenceIDs[i] == seq {
		return
	}
	g.sequenceIDs = append(g.sequenceIDs, 0)
	copy(g.sequenceIDs[i+1:], g.sequenceIDs[i:])
	g.sequenceIDs[i] = seq
}

// CanSend reports whether seq is the smallest sequence id currently queued
// in the group -- i.e. it is next in line.
func (g *Group) CanSend(seq int64) bool {
	if len(g.sequenceIDs) == 0 {
		return true
	}
	return g.sequenceIDs[0] == seq
}

// Remove deletes seq from the group. Returns true if the group is now empty
// (the caller should prune it from the parent map).
func (g *Group) Remove(seq int64) (empty bool) {
	for i, s := range g.sequenceIDs {
		if s == seq {
			g.sequenceIDs = append(g.sequenceIDs[:i], g.sequenceIDs[i+1:]...)
			break
		}
	}
	return len(g.sequenceIDs) == 0
}

// Len returns the number of sequence ids currently tracked.
func (g *Group) Len() int { return len(g.sequenceIDs) }
