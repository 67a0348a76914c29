package source

import (
	"fmt"
	"sync"
)

// Operation distinguishes source-add from source-remove.
type Operation int

const (
	Add Operation = iota
	Remove
)

// String returns the string representation of the operation.
func (o Operation) String() string {
	switch o {
	case Add:
		return "Add"
	case Remove:
		return "Remove"
	default:
		return fmt.Sprintf("Unknown(%d)", int(o))
	}
}

// SourcesToAddOrRemove is one source-add or source-remove to signal to a peer.
type SourcesToAddOrRemove struct {
	Operation Operation
	Sources   ConferenceSourceMap
}

// PeerCapabilities are the receiver-side capabilities that shape which
// sources a participant is told about.
type PeerCapabilities struct {
	SupportsAudio           bool
	SupportsVideo           bool
	ReceivesSimulcast       bool
	ReceivesMultipleStreams bool
}

// AllCapabilities returns capabilities with nothing filtered.
func AllCapabilities() PeerCapabilities {
	return PeerCapabilities{
		SupportsAudio:           true,
		SupportsVideo:           true,
		ReceivesSimulcast:       true,
		ReceivesMultipleStreams: true,
	}
}

// Signaling is the per-participant outbox of source updates. It remembers
// what the peer was last told (signaled) next to the pending truth (updated)
// and emits the per-peer-filtered delta on Flush.
type Signaling struct {
	mu       sync.Mutex
	caps     PeerCapabilities
	signaled ConferenceSourceMap
	updated  ConferenceSourceMap
}

// NewSignaling creates an outbox for a peer with the given capabilities.
func NewSignaling(caps PeerCapabilities) *Signaling {
	return &Signaling{
		caps:     caps,
		signaled: ConferenceSourceMap{},
		updated:  ConferenceSourceMap{},
	}
}

// AddSources records sources to be added on the next flush.
func (s *Signaling) AddSources(m ConferenceSourceMap) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updated.Add(m)
}

// RemoveSources records sources to be removed on the next flush.
func (s *Signaling) RemoveSources(m ConferenceSourceMap) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updated.Remove(m)
}

// Reset replaces both the signaled and pending state, used when a full source
// set is sent inside session-initiate or transport-replace.
func (s *Signaling) Reset(m ConferenceSourceMap) ConferenceSourceMap {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updated = m.Copy()
	s.signaled = m.Copy()
	return s.filter(s.signaled)
}

// Flush computes the filtered delta since the last flush and marks it
// signaled. The add operation, when present, always precedes the remove.
func (s *Signaling) Flush() []SourcesToAddOrRemove {
	s.mu.Lock()
	defer s.mu.Unlock()

	newFiltered := s.filter(s.updated)
	oldFiltered := s.filter(s.signaled)

	toAdd := newFiltered.Diff(oldFiltered)
	toRemove := oldFiltered.Diff(newFiltered)
	s.signaled = s.updated.Copy()

	var ops []SourcesToAddOrRemove
	if !toAdd.IsEmpty() {
		ops = append(ops, SourcesToAddOrRemove{Operation: Add, Sources: toAdd})
	}
	if !toRemove.IsEmpty() {
		ops = append(ops, SourcesToAddOrRemove{Operation: Remove, Sources: toRemove})
	}
	return ops
}

// filter applies the peer's capability mask to a conference source map.
func (s *Signaling) filter(m ConferenceSourceMap) ConferenceSourceMap {
	return m.MapSets(func(set EndpointSourceSet) EndpointSourceSet {
		keep := make([]MediaType, 0, 2)
		if s.caps.SupportsAudio {
			keep = append(keep, MediaAudio)
		}
		if s.caps.SupportsVideo {
			keep = append(keep, MediaVideo)
		}
		out := set.FilterByMediaType(keep...)
		if !s.caps.ReceivesSimulcast {
			out = out.StripSimulcast()
		}
		if !s.caps.ReceivesMultipleStreams {
			out = out.FilterMultiStream()
		}
		return out
	})
}

// AddRemoveQueue orders source operations awaiting transmission. Consecutive
// operations of the same kind fold into one entry; a kind change starts a new
// entry, so add/remove interleavings are preserved.
type AddRemoveQueue struct {
	mu    sync.Mutex
	items []SourcesToAddOrRemove
}

// Enqueue appends an operation, merging it into the tail entry when the kinds
// match.
func (q *AddRemoveQueue) Enqueue(op SourcesToAddOrRemove) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n := len(q.items); n > 0 && q.items[n-1].Operation == op.Operation {
		merged := q.items[n-1].Sources.Copy()
		merged.Add(op.Sources)
		q.items[n-1].Sources = merged
		return
	}
	q.items = append(q.items, SourcesToAddOrRemove{
		Operation: op.Operation,
		Sources:   op.Sources.Copy(),
	})
}

// Drain removes and returns all queued operations in order.
func (q *AddRemoveQueue) Drain() []SourcesToAddOrRemove {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.items
	q.items = nil
	return items
}

// Len returns the number of queued entries.
func (q *AddRemoveQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
