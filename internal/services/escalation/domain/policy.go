package domain

import (
	"fmt"
	"time"
)

const (
	defaultStageWindow = 10 * time.Minute
)

// Policy decides when each stage of the ladder becomes due.
//
// The first enabled stage is due once scheduled_at <= now + LeadTime, so a
// positive LeadTime reminds early and a negative one reminds late. Every later
// stage is due once its predecessor's timestamp is at least its window old.
type Policy struct {
	LeadTime     time.Duration
	UrgentWindow time.Duration
	CallWindow   time.Duration
	MissWindow   time.Duration
	// Disabled skips channel stages entirely. Auto-miss cannot be disabled.
	Disabled map[Stage]bool
}

// DefaultPolicy returns the ladder with every stage enabled and ten-minute
// windows.
func DefaultPolicy() Policy {
	return Policy{
		UrgentWindow: defaultStageWindow,
		CallWindow:   defaultStageWindow,
		MissWindow:   defaultStageWindow,
	}
}

// Validate reports whether the policy can drive a ladder. Every stage that
// follows another enabled stage needs a positive window.
func (p Policy) Validate() error {
	for stage, disabled := range p.Disabled {
		if !stage.Valid() {
			return fmt.Errorf("%w: unknown stage %q", ErrInvalidPolicy, stage)
		}
		if disabled && stage == StageAutoMiss {
			return fmt.Errorf("%w: auto_miss cannot be disabled", ErrInvalidPolicy)
		}
	}
	if p.UrgentWindow < 0 || p.CallWindow < 0 || p.MissWindow < 0 {
		return fmt.Errorf("%w: windows must not be negative", ErrInvalidPolicy)
	}
	// A zero window would let two stages fire in the same tick.
	for _, stage := range p.Stages() {
		if _, ok := p.Predecessor(stage); ok && p.Window(stage) <= 0 {
			return fmt.Errorf("%w: %s window must be positive", ErrInvalidPolicy, stage)
		}
	}
	for _, stage := range p.Stages() {
		if stage.Stamped() {
			return nil
		}
	}
	return fmt.Errorf("%w: at least one channel stage must be enabled", ErrInvalidPolicy)
}

// Enabled reports whether the ladder runs stage.
func (p Policy) Enabled(stage Stage) bool {
	if !stage.Valid() {
		return false
	}
	return stage == StageAutoMiss || !p.Disabled[stage]
}

// Stages returns the enabled stages in ladder order.
func (p Policy) Stages() []Stage {
	stages := make([]Stage, 0, 4)
	for _, stage := range Ladder() {
		if p.Enabled(stage) {
			stages = append(stages, stage)
		}
	}
	return stages
}

// Predecessor returns the enabled stamped stage that must fire before stage.
// ok is false for the first enabled stage, which anchors on scheduled_at.
func (p Policy) Predecessor(stage Stage) (Stage, bool) {
	var previous Stage
	for _, candidate := range Ladder() {
		if candidate == stage {
			break
		}
		if candidate.Stamped() && p.Enabled(candidate) {
			previous = candidate
		}
	}
	return previous, previous != ""
}

// Window returns how long the ladder waits after the predecessor before stage
// becomes due.
func (p Policy) Window(stage Stage) time.Duration {
	switch stage {
	case StageUrgent:
		return p.UrgentWindow
	case StageCall:
		return p.CallWindow
	case StageAutoMiss:
		return p.MissWindow
	}
	return 0
}

// DueCutoff returns the anchor timestamp bound for stage at now: rows whose
// anchor (scheduled_at for the first stage, the predecessor's sent_at
// otherwise) is at or before the cutoff are due.
func (p Policy) DueCutoff(stage Stage, now time.Time) time.Time {
	if _, ok := p.Predecessor(stage); !ok {
		return now.Add(p.LeadTime)
	}
	return now.Add(-p.Window(stage))
}
