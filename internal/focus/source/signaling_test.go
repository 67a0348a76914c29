package source

import (
	"testing"
)

func TestSignalingFlushDelta(t *testing.T) {
	s := NewSignaling(AllCapabilities())

	s.AddSources(ConferenceSourceMap{"e1": {Sources: []Source{audioSrc(1, "m1")}}})
	ops := s.Flush()
	if got, want := len(ops), 1; got != want {
		t.Fatalf("len(ops) = %d, want %d", got, want)
	}
	if ops[0].Operation != Add {
		t.Errorf("op = %s, want Add", ops[0].Operation)
	}
	if !ops[0].Sources.HasSSRC(1) {
		t.Error("flushed add is missing ssrc 1")
	}
}

// After a flush the signaled and updated state agree, so a second flush is
// empty.
func TestSignalingFlushFixedPoint(t *testing.T) {
	s := NewSignaling(AllCapabilities())
	s.AddSources(ConferenceSourceMap{"e1": {Sources: []Source{audioSrc(1, "m1"), audioSrc(2, "m1")}}})
	s.RemoveSources(ConferenceSourceMap{"e1": {Sources: []Source{audioSrc(2, "m1")}}})

	if ops := s.Flush(); len(ops) == 0 {
		t.Fatal("first Flush() returned nothing")
	}
	if ops := s.Flush(); len(ops) != 0 {
		t.Errorf("second Flush() = %v, want empty", ops)
	}
}

func TestSignalingAddBeforeRemove(t *testing.T) {
	s := NewSignaling(AllCapabilities())
	s.AddSources(ConferenceSourceMap{"e1": {Sources: []Source{audioSrc(1, "m1")}}})
	s.Flush()

	s.AddSources(ConferenceSourceMap{"e2": {Sources: []Source{audioSrc(2, "m2")}}})
	s.RemoveSources(ConferenceSourceMap{"e1": {Sources: []Source{audioSrc(1, "m1")}}})

	ops := s.Flush()
	if got, want := len(ops), 2; got != want {
		t.Fatalf("len(ops) = %d, want %d", got, want)
	}
	if ops[0].Operation != Add || ops[1].Operation != Remove {
		t.Errorf("ops = [%s %s], want [Add Remove]", ops[0].Operation, ops[1].Operation)
	}
}

// Replaying every emitted operation transforms the initially signaled set
// into the final updated set.
func TestSignalingDiffCompleteness(t *testing.T) {
	s := NewSignaling(AllCapabilities())

	replay := ConferenceSourceMap{}
	apply := func(ops []SourcesToAddOrRemove) {
		for _, op := range ops {
			switch op.Operation {
			case Add:
				replay.Add(op.Sources)
			case Remove:
				replay.Remove(op.Sources)
			}
		}
	}

	s.AddSources(ConferenceSourceMap{"e1": {Sources: []Source{audioSrc(1, "m1")}}})
	apply(s.Flush())
	s.AddSources(ConferenceSourceMap{"e2": {Sources: []Source{audioSrc(2, "m2"), videoSrc(3, "v2", VideoTypeCamera)}}})
	s.RemoveSources(ConferenceSourceMap{"e1": {Sources: []Source{audioSrc(1, "m1")}}})
	apply(s.Flush())
	s.RemoveSources(ConferenceSourceMap{"e2": {Sources: []Source{videoSrc(3, "v2", VideoTypeCamera)}}})
	apply(s.Flush())

	want := ConferenceSourceMap{"e2": {Sources: []Source{audioSrc(2, "m2")}}}
	if !replay.Equal(want) {
		t.Errorf("replayed state = %s, want %s", replay, want)
	}
}

func TestSignalingFiltersAudioForAudiolessPeer(t *testing.T) {
	caps := AllCapabilities()
	caps.SupportsAudio = false
	s := NewSignaling(caps)

	s.AddSources(ConferenceSourceMap{"e1": {Sources: []Source{
		audioSrc(1, "m1"),
		videoSrc(2, "v1", VideoTypeCamera),
	}}})

	ops := s.Flush()
	if got, want := len(ops), 1; got != want {
		t.Fatalf("len(ops) = %d, want %d", got, want)
	}
	if ops[0].Sources.HasSSRC(1) {
		t.Error("audio source signaled to a peer without audio support")
	}
	if !ops[0].Sources.HasSSRC(2) {
		t.Error("video source missing")
	}
}

func TestSignalingStripsSimulcastForLimitedPeer(t *testing.T) {
	caps := AllCapabilities()
	caps.ReceivesSimulcast = false
	s := NewSignaling(caps)

	s.AddSources(ConferenceSourceMap{"e1": {
		Sources: []Source{
			videoSrc(1, "v", VideoTypeCamera),
			videoSrc(2, "v", VideoTypeCamera),
		},
		SsrcGroups: []SsrcGroup{{Semantics: SemanticsSim, SSRCs: []int64{1, 2}, MediaType: MediaVideo}},
	}})

	ops := s.Flush()
	if got, want := len(ops), 1; got != want {
		t.Fatalf("len(ops) = %d, want %d", got, want)
	}
	if ops[0].Sources.HasSSRC(2) {
		t.Error("secondary simulcast ssrc signaled to a peer without simulcast support")
	}
}

func TestSignalingReset(t *testing.T) {
	s := NewSignaling(AllCapabilities())
	full := ConferenceSourceMap{"e1": {Sources: []Source{audioSrc(1, "m1")}}}

	sent := s.Reset(full)
	if !sent.Equal(full) {
		t.Errorf("Reset returned %s, want %s", sent, full)
	}
	if ops := s.Flush(); len(ops) != 0 {
		t.Errorf("Flush after Reset = %v, want empty", ops)
	}
}

func TestAddRemoveQueueMergesSameKindRuns(t *testing.T) {
	var q AddRemoveQueue

	q.Enqueue(SourcesToAddOrRemove{Operation: Add, Sources: ConferenceSourceMap{"e1": {Sources: []Source{audioSrc(1, "m1")}}}})
	q.Enqueue(SourcesToAddOrRemove{Operation: Add, Sources: ConferenceSourceMap{"e2": {Sources: []Source{audioSrc(2, "m2")}}}})
	q.Enqueue(SourcesToAddOrRemove{Operation: Remove, Sources: ConferenceSourceMap{"e1": {Sources: []Source{audioSrc(1, "m1")}}}})
	q.Enqueue(SourcesToAddOrRemove{Operation: Remove, Sources: ConferenceSourceMap{"e2": {Sources: []Source{audioSrc(2, "m2")}}}})
	q.Enqueue(SourcesToAddOrRemove{Operation: Add, Sources: ConferenceSourceMap{"e3": {Sources: []Source{audioSrc(3, "m3")}}}})

	items := q.Drain()
	if got, want := len(items), 3; got != want {
		t.Fatalf("len(items) = %d, want %d", got, want)
	}

	wantOps := []Operation{Add, Remove, Add}
	for i, op := range wantOps {
		if items[i].Operation != op {
			t.Errorf("items[%d].Operation = %s, want %s", i, items[i].Operation, op)
		}
	}
	// The first entry folded both adds.
	if !items[0].Sources.HasSSRC(1) || !items[0].Sources.HasSSRC(2) {
		t.Error("merged add entry is missing sources")
	}
	if q.Len() != 0 {
		t.Error("queue not empty after Drain")
	}
}
