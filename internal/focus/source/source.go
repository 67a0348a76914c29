// Package source implements the media source algebra of the focus: immutable
// sets of SSRCs and ssrc-groups per endpoint, with union/difference, per-peer
// filtering, validation and the compact wire encoding.
package source

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// MediaType is the media kind of a source.
type MediaType string

const (
	MediaAudio MediaType = "audio"
	MediaVideo MediaType = "video"
)

// VideoType distinguishes camera from desktop capture.
type VideoType string

const (
	VideoTypeNone    VideoType = ""
	VideoTypeCamera  VideoType = "camera"
	VideoTypeDesktop VideoType = "desktop"
)

// Source is one media SSRC advertised by an endpoint. Treated as immutable.
type Source struct {
	SSRC      int64
	MediaType MediaType
	Name      string
	MSID      string
	VideoType VideoType
	Injected  bool
}

// String returns a compact debug representation.
func (s Source) String() string {
	var b strings.Builder
	b.WriteString(string(s.MediaType))
	b.WriteString("[ssrc=")
	b.WriteString(strconv.FormatInt(s.SSRC, 10))
	if s.Name != "" {
		b.WriteString(" name=")
		b.WriteString(s.Name)
	}
	if s.MSID != "" {
		b.WriteString(" msid=")
		b.WriteString(s.MSID)
	}
	if s.VideoType != VideoTypeNone {
		b.WriteString(" videoType=")
		b.WriteString(string(s.VideoType))
	}
	if s.Injected {
		b.WriteString(" injected")
	}
	b.WriteString("]")
	return b.String()
}

// GroupSemantics is the semantics attribute of an ssrc-group.
type GroupSemantics string

const (
	SemanticsSim   GroupSemantics = "SIM"
	SemanticsFid   GroupSemantics = "FID"
	SemanticsFecFr GroupSemantics = "FEC-FR"
)

// SsrcGroup ties several SSRCs of one endpoint together. Treated as
// immutable; a valid group references at least two SSRCs.
type SsrcGroup struct {
	Semantics GroupSemantics
	SSRCs     []int64
	MediaType MediaType
}

// key returns a canonical identity for set membership.
func (g SsrcGroup) key() string {
	parts := make([]string, 0, len(g.SSRCs)+2)
	parts = append(parts, string(g.Semantics), string(g.MediaType))
	for _, ssrc := range g.SSRCs {
		parts = append(parts, strconv.FormatInt(ssrc, 10))
	}
	return strings.Join(parts, ":")
}

// Primary returns the first (primary) SSRC of the group.
func (g SsrcGroup) Primary() int64 {
	if len(g.SSRCs) == 0 {
		return 0
	}
	return g.SSRCs[0]
}

// Contains reports whether the group references the given SSRC.
func (g SsrcGroup) Contains(ssrc int64) bool {
	for _, s := range g.SSRCs {
		if s == ssrc {
			return true
		}
	}
	return false
}

// String returns a compact debug representation.
func (g SsrcGroup) String() string {
	ssrcs := make([]string, len(g.SSRCs))
	for i, s := range g.SSRCs {
		ssrcs[i] = strconv.FormatInt(s, 10)
	}
	return fmt.Sprintf("%s(%s)[%s]", g.Semantics, g.MediaType, strings.Join(ssrcs, ","))
}

// EndpointSourceSet is the set of sources and groups of one endpoint.
// All operations return new values; the receiver is never mutated.
type EndpointSourceSet struct {
	Sources    []Source
	SsrcGroups []SsrcGroup
}

// IsEmpty reports whether the set has no sources and no groups.
func (s EndpointSourceSet) IsEmpty() bool {
	return len(s.Sources) == 0 && len(s.SsrcGroups) == 0
}

// HasSSRC reports whether any source carries the given SSRC.
func (s EndpointSourceSet) HasSSRC(ssrc int64) bool {
	for _, src := range s.Sources {
		if src.SSRC == ssrc {
			return true
		}
	}
	return false
}

// SSRCs returns all SSRCs in the set, sorted.
func (s EndpointSourceSet) SSRCs() []int64 {
	out := make([]int64, 0, len(s.Sources))
	for _, src := range s.Sources {
		out = append(out, src.SSRC)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Union returns the set union of s and other.
func (s EndpointSourceSet) Union(other EndpointSourceSet) EndpointSourceSet {
	out := EndpointSourceSet{
		Sources:    append([]Source(nil), s.Sources...),
		SsrcGroups: append([]SsrcGroup(nil), s.SsrcGroups...),
	}
	for _, src := range other.Sources {
		if !containsSource(out.Sources, src) {
			out.Sources = append(out.Sources, src)
		}
	}
	for _, g := range other.SsrcGroups {
		if !containsGroup(out.SsrcGroups, g) {
			out.SsrcGroups = append(out.SsrcGroups, g)
		}
	}
	return out
}

// Diff returns the elements of s not present in other.
func (s EndpointSourceSet) Diff(other EndpointSourceSet) EndpointSourceSet {
	var out EndpointSourceSet
	for _, src := range s.Sources {
		if !containsSource(other.Sources, src) {
			out.Sources = append(out.Sources, src)
		}
	}
	for _, g := range s.SsrcGroups {
		if !containsGroup(other.SsrcGroups, g) {
			out.SsrcGroups = append(out.SsrcGroups, g)
		}
	}
	return out
}

// Equal reports set equality.
func (s EndpointSourceSet) Equal(other EndpointSourceSet) bool {
	if len(s.Sources) != len(other.Sources) || len(s.SsrcGroups) != len(other.SsrcGroups) {
		return false
	}
	return s.Diff(other).IsEmpty() && other.Diff(s).IsEmpty()
}

// Copy returns a deep copy.
func (s EndpointSourceSet) Copy() EndpointSourceSet {
	out := EndpointSourceSet{
		Sources:    append([]Source(nil), s.Sources...),
		SsrcGroups: make([]SsrcGroup, 0, len(s.SsrcGroups)),
	}
	for _, g := range s.SsrcGroups {
		out.SsrcGroups = append(out.SsrcGroups, SsrcGroup{
			Semantics: g.Semantics,
			SSRCs:     append([]int64(nil), g.SSRCs...),
			MediaType: g.MediaType,
		})
	}
	return out
}

// String returns a compact debug representation.
func (s EndpointSourceSet) String() string {
	parts := make([]string, 0, len(s.Sources)+len(s.SsrcGroups))
	for _, src := range s.Sources {
		parts = append(parts, src.String())
	}
	for _, g := range s.SsrcGroups {
		parts = append(parts, g.String())
	}
	return "{" + strings.Join(parts, " ") + "}"
}

func containsSource(sources []Source, s Source) bool {
	for _, src := range sources {
		if src == s {
			return true
		}
	}
	return false
}

func containsGroup(groups []SsrcGroup, g SsrcGroup) bool {
	key := g.key()
	for _, grp := range groups {
		if grp.key() == key {
			return true
		}
	}
	return false
}
