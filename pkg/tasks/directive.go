package tasks

import (
	"errors"
	"fmt"
)

// Directive is an operator-forced transition applied by the manual override.
type Directive string

const (
	DirectiveResetReady     Directive = "reset-to-ready"
	DirectiveResetInProcess Directive = "reset-to-in-process"
	DirectiveForceComplete  Directive = "force-complete"
	DirectiveForceFailed    Directive = "force-failed"
)

var ErrUnknownDirective = errors.New("unknown override directive")

// ParseDirective validates a raw directive name.
func ParseDirective(raw string) (Directive, error) {
	switch d := Directive(raw); d {
	case DirectiveResetReady, DirectiveResetInProcess, DirectiveForceComplete, DirectiveForceFailed:
		return d, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownDirective, raw)
}

// TargetState is the state a directive moves a task into.
func (d Directive) TargetState() State {
	switch d {
	case DirectiveResetReady:
		return StateReady
	case DirectiveResetInProcess:
		return StateInProcess
	case DirectiveForceComplete:
		return StateCompleteManual
	case DirectiveForceFailed:
		return StateFailedManual
	}
	return ""
}
