package source

import (
	"encoding/json"
	"testing"
)

func TestCompactSourceWireFormat(t *testing.T) {
	tests := []struct {
		name string
		src  compactSource
		want string
	}{
		{"full", compactSource{SSRC: 123, Name: "v1", MSID: "m1"}, `{"s":123,"n":"v1","m":"m1"}`},
		{"no msid", compactSource{SSRC: 123, Name: "v1"}, `{"s":123,"n":"v1"}`},
		{"ssrc only", compactSource{SSRC: 123}, `{"s":123}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.src)
			if err != nil {
				t.Fatalf("Marshal() error = %v", err)
			}
			if got := string(data); got != tt.want {
				t.Errorf("Marshal() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestCompactRoundTrip(t *testing.T) {
	m := ConferenceSourceMap{
		"room@muc/alice": {
			Sources: []Source{
				{SSRC: 1, MediaType: MediaAudio, Name: "a1", MSID: "ms-a"},
				{SSRC: 2, MediaType: MediaVideo, Name: "v1", MSID: "ms-v"},
				{SSRC: 3, MediaType: MediaVideo, Name: "v1", MSID: "ms-v"},
			},
			SsrcGroups: []SsrcGroup{
				{Semantics: SemanticsFid, SSRCs: []int64{2, 3}, MediaType: MediaVideo},
			},
		},
	}

	payload, err := EncodeCompact(m)
	if err != nil {
		t.Fatalf("EncodeCompact() error = %v", err)
	}
	decoded, err := DecodeCompact(payload)
	if err != nil {
		t.Fatalf("DecodeCompact() error = %v", err)
	}

	got := decoded["room@muc/alice"]
	if got.IsEmpty() {
		t.Fatal("decoded endpoint is empty")
	}
	for _, ssrc := range []int64{1, 2, 3} {
		if !got.HasSSRC(ssrc) {
			t.Errorf("decoded set missing ssrc %d", ssrc)
		}
	}
	if got, want := len(got.SsrcGroups), 1; got != want {
		t.Errorf("len(SsrcGroups) = %d, want %d", got, want)
	}

	// Media types survive: audio in the audio list, video elsewhere.
	for _, src := range got.Sources {
		if src.SSRC == 1 && src.MediaType != MediaAudio {
			t.Errorf("ssrc 1 media = %s, want audio", src.MediaType)
		}
		if src.SSRC != 1 && src.MediaType != MediaVideo {
			t.Errorf("ssrc %d media = %s, want video", src.SSRC, src.MediaType)
		}
	}
}

func TestDecodeCompactRejectsGarbage(t *testing.T) {
	if _, err := DecodeCompact("{not json"); err == nil {
		t.Error("DecodeCompact accepted malformed payload")
	}
}
