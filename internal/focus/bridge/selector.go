package bridge

import (
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// SelectorConfig tunes candidate filtering.
type SelectorConfig struct {
	// MaxStress is the corrected-stress ceiling above which a bridge is not
	// offered new endpoints. Always below 1.
	MaxStress float64
	// FailureCooldown excludes a bridge from selection after a colibri
	// failure.
	FailureCooldown time.Duration
}

// Strategy picks one bridge from the pre-filtered, stress-ordered candidates.
// conferenceBridges maps bridge ID to the conference's endpoint count there.
type Strategy interface {
	Name() string
	Select(candidates []*Bridge, conferenceBridges map[string]int, participantRegion string) *Bridge
}

// NewStrategy returns the strategy with the given configuration name.
func NewStrategy(name string) (Strategy, error) {
	switch name {
	case "single":
		return SingleBridgeStrategy{}, nil
	case "split":
		return SplitBridgeStrategy{}, nil
	case "region":
		return RegionBasedStrategy{}, nil
	case "region-cascade":
		return RegionBasedWithCascadeStrategy{}, nil
	default:
		return nil, fmt.Errorf("unknown bridge selection strategy %q", name)
	}
}

// Selector filters the fleet and applies the configured strategy.
type Selector struct {
	cfg      SelectorConfig
	detector *Detector
	strategy Strategy
	now      func() time.Time
}

// NewSelector creates a selector over the detector's fleet.
func NewSelector(cfg SelectorConfig, detector *Detector, strategy Strategy) *Selector {
	return &Selector{
		cfg:      cfg,
		detector: detector,
		strategy: strategy,
		now:      time.Now,
	}
}

// Detector returns the fleet detector this selector draws from.
func (s *Selector) Detector() *Detector { return s.detector }

// SelectBridge picks a bridge for a new endpoint. versionPin restricts
// candidates to one bridge version when the conference is already pinned.
// Returns nil when no bridge is usable.
func (s *Selector) SelectBridge(conferenceBridges map[string]int, participantRegion, versionPin string) *Bridge {
	now := s.now()

	var candidates []*Bridge
	for _, b := range s.detector.Snapshot() {
		status := b.Status()
		switch {
		case !b.IsOperational():
		case status.Drain:
		case status.ShutdownInProgress:
		case versionPin != "" && status.Version != versionPin:
		case b.InFailureCooldown(now, s.cfg.FailureCooldown):
		case b.CorrectedStress(now) > s.cfg.MaxStress || b.CorrectedStress(now) >= 1:
		default:
			candidates = append(candidates, b)
		}
	}

	if len(candidates) == 0 {
		slog.Warn("[Selector] No usable bridge",
			"known", len(s.detector.Snapshot()),
			"region", participantRegion,
			"version_pin", versionPin)
		return nil
	}

	// Order by corrected stress, ties by JID, so "least stressed" is stable.
	sort.Slice(candidates, func(i, j int) bool {
		si, sj := candidates[i].CorrectedStress(now), candidates[j].CorrectedStress(now)
		if si != sj {
			return si < sj
		}
		return candidates[i].ID() < candidates[j].ID()
	})

	chosen := s.strategy.Select(candidates, conferenceBridges, participantRegion)
	if chosen != nil {
		slog.Debug("[Selector] Bridge chosen",
			"jid", chosen.ID(),
			"strategy", s.strategy.Name(),
			"stress", chosen.CorrectedStress(now),
			"region", chosen.Region())
	}
	return chosen
}

func leastStressedInRegion(candidates []*Bridge, region string) *Bridge {
	if region == "" {
		return nil
	}
	for _, b := range candidates {
		if b.Region() == region {
			return b
		}
	}
	return nil
}

func conferenceBridgeInRegion(candidates []*Bridge, conferenceBridges map[string]int, region string) *Bridge {
	if region == "" {
		return nil
	}
	for _, b := range candidates {
		if _, inConf := conferenceBridges[b.ID()]; inConf && b.Region() == region {
			return b
		}
	}
	return nil
}

func leastStressedConferenceBridge(candidates []*Bridge, conferenceBridges map[string]int) *Bridge {
	for _, b := range candidates {
		if _, inConf := conferenceBridges[b.ID()]; inConf {
			return b
		}
	}
	return nil
}

// SingleBridgeStrategy keeps a conference on its one bridge for as long as
// that bridge stays usable.
type SingleBridgeStrategy struct{}

func (SingleBridgeStrategy) Name() string { return "single" }

func (SingleBridgeStrategy) Select(candidates []*Bridge, conferenceBridges map[string]int, participantRegion string) *Bridge {
	if len(conferenceBridges) == 1 {
		if b := leastStressedConferenceBridge(candidates, conferenceBridges); b != nil {
			return b
		}
	}
	if b := leastStressedInRegion(candidates, participantRegion); b != nil {
		return b
	}
	return candidates[0]
}

// SplitBridgeStrategy always prefers a bridge the conference is not on yet.
// Exists for cascade testing.
type SplitBridgeStrategy struct{}

func (SplitBridgeStrategy) Name() string { return "split" }

func (SplitBridgeStrategy) Select(candidates []*Bridge, conferenceBridges map[string]int, participantRegion string) *Bridge {
	for _, b := range candidates {
		if _, inConf := conferenceBridges[b.ID()]; !inConf {
			return b
		}
	}
	return candidates[0]
}

// RegionBasedStrategy places each participant in their own region when
// possible, falling back to the least stressed bridge overall even when that
// brings a new bridge into the conference.
type RegionBasedStrategy struct{}

func (RegionBasedStrategy) Name() string { return "region" }

func (RegionBasedStrategy) Select(candidates []*Bridge, conferenceBridges map[string]int, participantRegion string) *Bridge {
	if b := conferenceBridgeInRegion(candidates, conferenceBridges, participantRegion); b != nil {
		return b
	}
	if b := leastStressedInRegion(candidates, participantRegion); b != nil {
		return b
	}
	return candidates[0]
}

// RegionBasedWithCascadeStrategy is region-based but only grows the cascade
// for a region win: with no usable bridge in the participant's region it
// keeps the participant on a bridge the conference already uses, where
// RegionBasedStrategy would split onto the least stressed bridge overall.
type RegionBasedWithCascadeStrategy struct{}

func (RegionBasedWithCascadeStrategy) Name() string { return "region-cascade" }

func (RegionBasedWithCascadeStrategy) Select(candidates []*Bridge, conferenceBridges map[string]int, participantRegion string) *Bridge {
	if b := conferenceBridgeInRegion(candidates, conferenceBridges, participantRegion); b != nil {
		return b
	}
	if b := leastStressedInRegion(candidates, participantRegion); b != nil {
		return b
	}
	if b := leastStressedConferenceBridge(candidates, conferenceBridges); b != nil {
		return b
	}
	return candidates[0]
}
