package source

import (
	"encoding/json"
	"fmt"
)

// Compact wire encoding of a conference source map, used when a peer
// advertises json-encoded-sources support. The per-source object is
// bit-sensitive: {"s":<ssrc>,"n":"<name>","m":"<msid>"} with "n" and "m"
// omitted when absent. Media type is not encoded; it is implied by the list
// the source appears in.

type compactSource struct {
	SSRC int64  `json:"s"`
	Name string `json:"n,omitempty"`
	MSID string `json:"m,omitempty"`
}

type compactGroup struct {
	Semantics string  `json:"sem"`
	SSRCs     []int64 `json:"ssrcs"`
}

type compactEndpoint struct {
	Audio  []compactSource `json:"audio,omitempty"`
	Video  []compactSource `json:"video,omitempty"`
	Groups []compactGroup  `json:"groups,omitempty"`
}

type compactMessage struct {
	Sources map[string]compactEndpoint `json:"sources"`
}

// EncodeCompact serializes the map into the compact JSON form.
func EncodeCompact(m ConferenceSourceMap) (string, error) {
	msg := compactMessage{Sources: make(map[string]compactEndpoint, len(m))}
	for id, set := range m {
		var ep compactEndpoint
		for _, src := range set.Sources {
			cs := compactSource{SSRC: src.SSRC, Name: src.Name, MSID: src.MSID}
			switch src.MediaType {
			case MediaAudio:
				ep.Audio = append(ep.Audio, cs)
			case MediaVideo:
				ep.Video = append(ep.Video, cs)
			default:
				return "", fmt.Errorf("source %s has unknown media type %q", src, src.MediaType)
			}
		}
		for _, g := range set.SsrcGroups {
			ep.Groups = append(ep.Groups, compactGroup{
				Semantics: string(g.Semantics),
				SSRCs:     append([]int64(nil), g.SSRCs...),
			})
		}
		msg.Sources[id] = ep
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("encoding compact sources: %w", err)
	}
	return string(data), nil
}

// DecodeCompact parses the compact JSON form. Groups are assigned video media
// type; audio sources are never grouped on the wire.
func DecodeCompact(payload string) (ConferenceSourceMap, error) {
	var msg compactMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return nil, fmt.Errorf("decoding compact sources: %w", err)
	}

	out := make(ConferenceSourceMap, len(msg.Sources))
	for id, ep := range msg.Sources {
		var set EndpointSourceSet
		for _, cs := range ep.Audio {
			set.Sources = append(set.Sources, Source{
				SSRC: cs.SSRC, MediaType: MediaAudio, Name: cs.Name, MSID: cs.MSID,
			})
		}
		for _, cs := range ep.Video {
			set.Sources = append(set.Sources, Source{
				SSRC: cs.SSRC, MediaType: MediaVideo, Name: cs.Name, MSID: cs.MSID,
			})
		}
		for _, cg := range ep.Groups {
			set.SsrcGroups = append(set.SsrcGroups, SsrcGroup{
				Semantics: GroupSemantics(cg.Semantics),
				SSRCs:     cg.SSRCs,
				MediaType: MediaVideo,
			})
		}
		out[id] = set
	}
	return out, nil
}
