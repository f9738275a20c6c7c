package agent

import "time"

// Step names a stage of the cycle.
type Step string

const (
	StepAssociate  Step = "associate"
	StepTimeSync   Step = "time_sync"
	StepRegister   Step = "register"
	StepDescriptor Step = "descriptor"
	StepDownload   Step = "download"
	StepRender     Step = "render"
	StepPowerOff   Step = "power_off"
	StepSleep      Step = "sleep"
)

// StepResult is the outcome of one stage.
type StepResult struct {
	Step Step
	Err  error
}

// Report lists what happened during a cycle, in order.
type Report struct {
	Steps []StepResult

	AssetBytes  int64
	AssetDigest string // BLAKE3, hex
	Sleep       time.Duration
}

func (r *Report) record(step Step, err error) {
	r.Steps = append(r.Steps, StepResult{Step: step, Err: err})
}

// Ran reports whether step was attempted.
func (r *Report) Ran(step Step) bool {
	for _, s := range r.Steps {
		if s.Step == step {
			return true
		}
	}
	return false
}

// Err returns the error recorded for step, or nil.
func (r *Report) Err(step Step) error {
	for _, s := range r.Steps {
		if s.Step == step {
			return s.Err
		}
	}
	return nil
}

// Failed returns the steps that recorded an error.
func (r *Report) Failed() []Step {
	var out []Step
	for _, s := range r.Steps {
		if s.Err != nil {
			out = append(out, s.Step)
		}
	}
	return out
}
