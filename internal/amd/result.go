// Package amd normalizes heterogeneous answering-machine-detection backends
// behind one adapter contract: start an outbound call, classify a raw
// detection signal into a fixed {label, confidence, model} shape.
package amd

// Label is a normalized classification outcome.
type Label string

const (
	LabelHuman     Label = "human"
	LabelMachine   Label = "machine"
	LabelUncertain Label = "uncertain"
	LabelError     Label = "error"
)

// ValidLabel reports whether l is a member of the label vocabulary.
func ValidLabel(l Label) bool {
	switch l {
	case LabelHuman, LabelMachine, LabelUncertain, LabelError:
		return true
	}
	return false
}

// Result is the normalized classification every adapter must produce,
// regardless of its native output vocabulary.
type Result struct {
	Label      Label   `json:"label"`
	Confidence float64 `json:"confidence"`
	Model      string  `json:"model"`
}

// ErrorResult is the normalized shape for a backend failure. Confidence is
// zero: a failed backend justifies no claim at all.
func ErrorResult(model string) Result {
	return Result{Label: LabelError, Confidence: 0, Model: model}
}

// Normalize clamps a result into its invariants: a known label, confidence
// within [0,1], and zero confidence on error labels.
func (r Result) Normalize() Result {
	if !ValidLabel(r.Label) {
		r.Label = LabelUncertain
	}
	if r.Label == LabelError {
		r.Confidence = 0
		return r
	}
	if r.Confidence < 0 {
		r.Confidence = 0
	}
	if r.Confidence > 1 {
		r.Confidence = 1
	}
	return r
}
