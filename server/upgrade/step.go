package upgrade

import (
	"fmt"
)

// Step is the workflow state machine's closed set of states. The display
// strings double as the persisted representation in checkpoints, so changing
// them breaks resume of in-flight workflows.
type Step int

const (
	StepIdle Step = iota
	StepDownloadingBase
	StepDownloading
	StepInstalling
	StepRebooting
	StepMonitoringReboot
	StepComplete
	StepFailed
)

var stepNames = map[Step]string{
	StepIdle:             "Idle",
	StepDownloadingBase:  "Downloading Base",
	StepDownloading:      "Downloading",
	StepInstalling:       "Installing",
	StepRebooting:        "Rebooting",
	StepMonitoringReboot: "Monitoring Reboot",
	StepComplete:         "Complete",
	StepFailed:           "Failed",
}

func (s Step) String() string {
	if name, ok := stepNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Step(%d)", int(s))
}

func ParseStep(str string) (Step, error) {
	for step, name := range stepNames {
		if name == str {
			return step, nil
		}
	}
	return StepIdle, fmt.Errorf("unknown upgrade step: %q", str)
}

// validTransitions is the explicit predecessor → successor table. Every state
// may fall back to Idle (cancellation) and every in-flight state may fail.
var validTransitions = map[Step][]Step{
	StepIdle:             {StepDownloadingBase, StepDownloading, StepInstalling},
	StepDownloadingBase:  {StepDownloading, StepInstalling, StepFailed, StepIdle},
	StepDownloading:      {StepInstalling, StepFailed, StepIdle},
	StepInstalling:       {StepRebooting, StepFailed, StepIdle},
	StepRebooting:        {StepMonitoringReboot, StepFailed, StepIdle},
	StepMonitoringReboot: {StepComplete, StepFailed, StepIdle},
	StepComplete:         {StepIdle},
	StepFailed:           {StepIdle},
}

// CanTransition reports whether moving from s to next is a legal workflow
// transition.
func (s Step) CanTransition(next Step) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Transition returns next or an error if the move is illegal. Illegal moves
// indicate a programming error, not a device condition.
func (s Step) Transition(next Step) (Step, error) {
	if !s.CanTransition(next) {
		return s, fmt.Errorf("illegal upgrade step transition: %s -> %s", s, next)
	}
	return next, nil
}

// Terminal reports whether no further work happens in this state.
func (s Step) Terminal() bool {
	return s == StepComplete || s == StepFailed
}
