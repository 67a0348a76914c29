package source

import (
	"sort"
	"strings"
)

// ConferenceSourceMap maps endpoint IDs (bare occupant JIDs, or the empty
// string for the bridge's own sources) to their source sets. Operations
// return new maps or mutate only the receiver; values are never shared.
type ConferenceSourceMap map[string]EndpointSourceSet

// NewConferenceSourceMap builds a map holding the given endpoint's sources.
func NewConferenceSourceMap(endpointID string, set EndpointSourceSet) ConferenceSourceMap {
	if set.IsEmpty() {
		return ConferenceSourceMap{}
	}
	return ConferenceSourceMap{endpointID: set.Copy()}
}

// Copy returns a deep copy.
func (m ConferenceSourceMap) Copy() ConferenceSourceMap {
	out := make(ConferenceSourceMap, len(m))
	for id, set := range m {
		out[id] = set.Copy()
	}
	return out
}

// IsEmpty reports whether no endpoint has any source.
func (m ConferenceSourceMap) IsEmpty() bool {
	for _, set := range m {
		if !set.IsEmpty() {
			return false
		}
	}
	return true
}

// Add merges other into m, unioning per endpoint.
func (m ConferenceSourceMap) Add(other ConferenceSourceMap) {
	for id, set := range other {
		m[id] = m[id].Union(set)
	}
}

// Remove subtracts other from m per endpoint, dropping endpoints that end up
// empty.
func (m ConferenceSourceMap) Remove(other ConferenceSourceMap) {
	for id, set := range other {
		left := m[id].Diff(set)
		if left.IsEmpty() {
			delete(m, id)
		} else {
			m[id] = left
		}
	}
}

// Diff returns the entries of m not present in other.
func (m ConferenceSourceMap) Diff(other ConferenceSourceMap) ConferenceSourceMap {
	out := make(ConferenceSourceMap)
	for id, set := range m {
		d := set.Diff(other[id])
		if !d.IsEmpty() {
			out[id] = d
		}
	}
	return out
}

// Equal reports whether both maps hold the same endpoints with equal sets.
func (m ConferenceSourceMap) Equal(other ConferenceSourceMap) bool {
	if len(m) != len(other) {
		return false
	}
	for id, set := range m {
		if !set.Equal(other[id]) {
			return false
		}
	}
	return true
}

// SSRCCount returns the total number of sources across all endpoints.
func (m ConferenceSourceMap) SSRCCount() int {
	n := 0
	for _, set := range m {
		n += len(set.Sources)
	}
	return n
}

// HasSSRC reports whether any endpoint advertises the given SSRC.
func (m ConferenceSourceMap) HasSSRC(ssrc int64) bool {
	for _, set := range m {
		if set.HasSSRC(ssrc) {
			return true
		}
	}
	return false
}

// MapSets returns a copy with fn applied to every endpoint set; endpoints
// whose set becomes empty are dropped.
func (m ConferenceSourceMap) MapSets(fn func(EndpointSourceSet) EndpointSourceSet) ConferenceSourceMap {
	out := make(ConferenceSourceMap, len(m))
	for id, set := range m {
		mapped := fn(set)
		if !mapped.IsEmpty() {
			out[id] = mapped
		}
	}
	return out
}

// String returns a stable debug representation, endpoints sorted.
func (m ConferenceSourceMap) String() string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, id+"="+m[id].String())
	}
	return "[" + strings.Join(parts, " ") + "]"
}
