package source

// FilterByMediaType returns the subset of the set with the given media types.
// Groups whose media type is filtered out are dropped as well.
func (s EndpointSourceSet) FilterByMediaType(keep ...MediaType) EndpointSourceSet {
	kept := make(map[MediaType]bool, len(keep))
	for _, mt := range keep {
		kept[mt] = true
	}

	var out EndpointSourceSet
	for _, src := range s.Sources {
		if kept[src.MediaType] {
			out.Sources = append(out.Sources, src)
		}
	}
	for _, g := range s.SsrcGroups {
		if kept[g.MediaType] {
			out.SsrcGroups = append(out.SsrcGroups, g)
		}
	}
	return out
}

// FilterMultiStream reduces the set for a receiver that can only handle a
// single video stream per endpoint. If the endpoint has a desktop source, all
// non-desktop video sources are dropped. Groups are then re-filtered against
// the retained SSRCs, so no group references a source that was removed.
func (s EndpointSourceSet) FilterMultiStream() EndpointSourceSet {
	hasDesktop := false
	for _, src := range s.Sources {
		if src.MediaType == MediaVideo && src.VideoType == VideoTypeDesktop {
			hasDesktop = true
			break
		}
	}
	if !hasDesktop {
		return s.Copy()
	}

	var out EndpointSourceSet
	retained := make(map[int64]bool)
	for _, src := range s.Sources {
		if src.MediaType == MediaVideo && src.VideoType != VideoTypeDesktop {
			continue
		}
		out.Sources = append(out.Sources, src)
		retained[src.SSRC] = true
	}
	out.SsrcGroups = filterGroups(s.SsrcGroups, retained)
	return out
}

// StripSimulcast collapses each SIM group to its primary SSRC. Secondary SIM
// SSRCs are removed from the set together with the SIM groups themselves, and
// any FID group referencing a removed SSRC is removed along with its retransmission
// SSRCs.
func (s EndpointSourceSet) StripSimulcast() EndpointSourceSet {
	removed := make(map[int64]bool)
	for _, g := range s.SsrcGroups {
		if g.Semantics != SemanticsSim {
			continue
		}
		for i, ssrc := range g.SSRCs {
			if i > 0 {
				removed[ssrc] = true
			}
		}
	}
	if len(removed) == 0 {
		return s.Copy()
	}

	var out EndpointSourceSet
	for _, g := range s.SsrcGroups {
		switch g.Semantics {
		case SemanticsSim:
			// Collapsed away entirely.
		case SemanticsFid:
			if removed[g.Primary()] {
				// The FID group of a stripped SIM layer goes away along
				// with its retransmission SSRCs.
				for i, ssrc := range g.SSRCs {
					if i > 0 {
						removed[ssrc] = true
					}
				}
			} else {
				out.SsrcGroups = append(out.SsrcGroups, g)
			}
		default:
			out.SsrcGroups = append(out.SsrcGroups, g)
		}
	}
	for _, src := range s.Sources {
		if !removed[src.SSRC] {
			out.Sources = append(out.Sources, src)
		}
	}
	return out
}

// filterGroups keeps only groups all of whose SSRCs are retained.
func filterGroups(groups []SsrcGroup, retained map[int64]bool) []SsrcGroup {
	var out []SsrcGroup
	for _, g := range groups {
		complete := true
		for _, ssrc := range g.SSRCs {
			if !retained[ssrc] {
				complete = false
				break
			}
		}
		if complete {
			out = append(out, g)
		}
	}
	return out
}
