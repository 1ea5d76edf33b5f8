package domain

import (
	"fmt"
	"strings"
)

// Stage is one rung of the escalation ladder.
type Stage string

const (
	// StageReminder is the silent push reminder around the due instant.
	StageReminder Stage = "reminder"
	// StageUrgent is the urgent message sent after the reminder window.
	StageUrgent Stage = "urgent"
	// StageCall is the outbound voice call.
	StageCall Stage = "call"
	// StageAutoMiss marks the task missed once the call window lapses.
	StageAutoMiss Stage = "auto_miss"
)

// Ladder returns every stage in escalation order.
func Ladder() []Stage {
	return []Stage{StageReminder, StageUrgent, StageCall, StageAutoMiss}
}

// ParseStage validates a stage name.
func ParseStage(raw string) (Stage, error) {
	stage := Stage(strings.ToLower(strings.TrimSpace(raw)))
	if !stage.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStage, raw)
	}
	return stage, nil
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	switch s {
	case StageReminder, StageUrgent, StageCall, StageAutoMiss:
		return true
	}
	return false
}

// Stamped reports whether claiming s records a <stage>_sent_at timestamp.
// Auto-miss claims on task status instead.
func (s Stage) Stamped() bool {
	return s == StageReminder || s == StageUrgent || s == StageCall
}

// Channel returns the delivery channel that carries s.
func (s Stage) Channel() Channel {
	switch s {
	case StageReminder:
		return ChannelPush
	case StageUrgent:
		return ChannelUrgent
	case StageCall:
		return ChannelCall
	case StageAutoMiss:
		return ChannelAutoMiss
	}
	return ""
}

// Channel identifies how a dispatch attempt reaches the user.
type Channel string

const (
	// ChannelPush delivers silent push notifications.
	ChannelPush Channel = "push"
	// ChannelUrgent delivers urgent messages (SMS or chat).
	ChannelUrgent Channel = "urgent"
	// ChannelCall places outbound voice calls.
	ChannelCall Channel = "call"
	// ChannelAutoMiss is the internal pseudo-channel for the auto-miss
	// transition. It has no provider.
	ChannelAutoMiss Channel = "auto_miss"
)

// ParseChannel validates a channel name.
func ParseChannel(raw string) (Channel, error) {
	channel := Channel(strings.ToLower(strings.TrimSpace(raw)))
	if !channel.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidChannel, raw)
	}
	return channel, nil
}

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelPush, ChannelUrgent, ChannelCall, ChannelAutoMiss:
		return true
	}
	return false
}

// AcceptsResponses reports whether users can answer on c.
func (c Channel) AcceptsResponses() bool {
	return c == ChannelPush || c == ChannelUrgent || c == ChannelCall
}

// Stage returns the ladder stage that dispatches on c.
func (c Channel) Stage() Stage {
	switch c {
	case ChannelPush:
		return StageReminder
	case ChannelUrgent:
		return StageUrgent
	case ChannelCall:
		return StageCall
	case ChannelAutoMiss:
		return StageAutoMiss
	}
	return ""
}
