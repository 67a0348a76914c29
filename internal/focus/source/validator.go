package source

import (
	"fmt"
	"log/slog"
)

// maxSSRCValue is the largest value a 32-bit SSRC can take on the wire.
const maxSSRCValue = int64(1)<<32 - 1

// ValidationFailure enumerates why a candidate source set was rejected.
type ValidationFailure int

const (
	// IllegalSsrcValue means an SSRC outside [1, 2^32-1].
	IllegalSsrcValue ValidationFailure = iota
	// DuplicateSsrc means the SSRC is already advertised, in any media.
	DuplicateSsrc
	// GroupReferencesMissingSsrc means a group names an SSRC with no source.
	GroupReferencesMissingSsrc
	// GroupedSsrcMissingMsid means a grouped source carries no msid.
	GroupedSsrcMissingMsid
	// GroupMsidMismatch means sources within one group disagree on msid.
	GroupMsidMismatch
	// DuplicateMsid means two ungrouped sources of one media share an msid.
	DuplicateMsid
)

// String returns the string representation of the failure.
func (f ValidationFailure) String() string {
	switch f {
	case IllegalSsrcValue:
		return "IllegalSsrcValue"
	case DuplicateSsrc:
		return "DuplicateSsrc"
	case GroupReferencesMissingSsrc:
		return "GroupReferencesMissingSsrc"
	case GroupedSsrcMissingMsid:
		return "GroupedSsrcMissingMsid"
	case GroupMsidMismatch:
		return "GroupMsidMismatch"
	case DuplicateMsid:
		return "DuplicateMsid"
	default:
		return fmt.Sprintf("Unknown(%d)", int(f))
	}
}

// ValidationError reports a rejected candidate. It maps to not-acceptable on
// the wire.
type ValidationError struct {
	Failure ValidationFailure
	Detail  string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return e.Failure.String() + ": " + e.Detail
}

func validationErrorf(failure ValidationFailure, format string, args ...any) *ValidationError {
	return &ValidationError{Failure: failure, Detail: fmt.Sprintf(format, args...)}
}

// TryAdd validates candidate against the sources already advertised in the
// conference and returns the accepted subset for the endpoint. Sources beyond
// maxPerUser are truncated rather than rejected; empty and duplicate groups
// are dropped with a warning. Any other inconsistency rejects the whole
// candidate and leaves existing untouched.
func TryAdd(existing ConferenceSourceMap, endpointID string, candidate EndpointSourceSet, maxPerUser int) (EndpointSourceSet, error) {
	current := existing[endpointID]

	var accepted EndpointSourceSet
	remaining := maxPerUser - len(current.Sources)

	seen := make(map[int64]bool)
	for _, src := range candidate.Sources {
		if src.SSRC <= 0 || src.SSRC > maxSSRCValue {
			return EndpointSourceSet{}, validationErrorf(IllegalSsrcValue, "ssrc %d out of range", src.SSRC)
		}
		if seen[src.SSRC] || existing.HasSSRC(src.SSRC) {
			return EndpointSourceSet{}, validationErrorf(DuplicateSsrc, "ssrc %d already advertised", src.SSRC)
		}
		seen[src.SSRC] = true

		if remaining <= 0 {
			slog.Warn("[SourceValidator] Dropping source over per-user limit",
				"endpoint", endpointID, "ssrc", src.SSRC, "limit", maxPerUser)
			continue
		}
		remaining--
		accepted.Sources = append(accepted.Sources, src)
	}

	// Groups are validated against everything the endpoint will have after
	// the add, so a group may reference a previously signaled source.
	visible := current.Union(accepted)

	for _, g := range candidate.SsrcGroups {
		if len(g.SSRCs) == 0 {
			slog.Warn("[SourceValidator] Dropping empty ssrc-group", "endpoint", endpointID, "group", g.String())
			continue
		}
		if containsGroup(visible.SsrcGroups, g) || containsGroup(accepted.SsrcGroups, g) {
			slog.Warn("[SourceValidator] Dropping duplicate ssrc-group", "endpoint", endpointID, "group", g.String())
			continue
		}

		groupMsid := ""
		for i, ssrc := range g.SSRCs {
			src, ok := findSource(visible.Sources, ssrc)
			if !ok {
				return EndpointSourceSet{}, validationErrorf(GroupReferencesMissingSsrc,
					"group %s references unknown ssrc %d", g.String(), ssrc)
			}
			if src.MSID == "" {
				return EndpointSourceSet{}, validationErrorf(GroupedSsrcMissingMsid,
					"grouped ssrc %d has no msid", ssrc)
			}
			if i == 0 {
				groupMsid = src.MSID
			} else if src.MSID != groupMsid {
				return EndpointSourceSet{}, validationErrorf(GroupMsidMismatch,
					"group %s mixes msid %q and %q", g.String(), groupMsid, src.MSID)
			}
		}
		accepted.SsrcGroups = append(accepted.SsrcGroups, g)
	}

	if err := checkMsidConflicts(current.Union(accepted)); err != nil {
		return EndpointSourceSet{}, err
	}

	return accepted, nil
}

// checkMsidConflicts rejects two ungrouped sources of the same media sharing
// an msid. Grouped sources legitimately share the msid of their group.
func checkMsidConflicts(set EndpointSourceSet) error {
	grouped := make(map[int64]bool)
	for _, g := range set.SsrcGroups {
		for _, ssrc := range g.SSRCs {
			grouped[ssrc] = true
		}
	}

	type msidKey struct {
		media MediaType
		msid  string
	}
	seen := make(map[msidKey]int64)
	for _, src := range set.Sources {
		if src.MSID == "" || grouped[src.SSRC] {
			continue
		}
		key := msidKey{src.MediaType, src.MSID}
		if prior, ok := seen[key]; ok {
			return validationErrorf(DuplicateMsid,
				"msid %q used by both ssrc %d and ssrc %d", src.MSID, prior, src.SSRC)
		}
		seen[key] = src.SSRC
	}
	return nil
}

func findSource(sources []Source, ssrc int64) (Source, bool) {
	for _, src := range sources {
		if src.SSRC == ssrc {
			return src, true
		}
	}
	return Source{}, false
}
