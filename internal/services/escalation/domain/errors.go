package domain

import "errors"

var (
	// ErrInvalidStage indicates an unknown escalation stage.
	ErrInvalidStage = errors.New("invalid escalation stage")
	// ErrInvalidChannel indicates an unknown delivery channel.
	ErrInvalidChannel = errors.New("invalid channel")
	// ErrInvalidTaskStatus indicates an unknown task status.
	ErrInvalidTaskStatus = errors.New("invalid task status")
	// ErrInvalidDispatchStatus indicates an unknown dispatch status.
	ErrInvalidDispatchStatus = errors.New("invalid dispatch status")
	// ErrInvalidResponse indicates an unknown response kind.
	ErrInvalidResponse = errors.New("invalid response kind")
	// ErrInvalidPolicy indicates an escalation policy that cannot run.
	ErrInvalidPolicy = errors.New("invalid escalation policy")
)
