package deploy

import (
	"errors"
	"fmt"
)

// Step identifies a deploy stage.
type Step uint8

const (
	StepProxy Step = iota + 1
	StepPorts
	StepRouting
	StepContainer
	StepPersist
	StepProbe
)

func (s Step) String() string {
	switch s {
	case StepProxy:
		return "proxy"
	case StepPorts:
		return "ports"
	case StepRouting:
		return "routing"
	case StepContainer:
		return "container"
	case StepPersist:
		return "persist"
	case StepProbe:
		return "probe"
	default:
		return "unknown"
	}
}

// StepError records which stage a deploy failed in.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Hint returns the remediation of the underlying error, if it has one.
func (e *StepError) Hint() string {
	var h interface{ Hint() string }
	if errors.As(e.Err, &h) {
		return h.Hint()
	}
	return ""
}
