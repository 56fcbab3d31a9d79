package workflow

import "fmt"

// Strengths outside this range are accepted but should be confirmed by a
// human before submission.
const (
	minConfirmedStrength = 0.0
	maxConfirmedStrength = 2.0
)

// AdapterSpec names one adapter (LoRA) and the strength it is applied with.
// A slice of specs is an application chain: each adapter consumes the output
// of the one before it.
type AdapterSpec struct {
	Name     string  `json:"name"`
	Strength float64 `json:"strength"`
	// ClipStrength overrides Strength for the encoder channel when set.
	ClipStrength *float64 `json:"clip_strength,omitempty"`
}

// EncoderStrength is the strength applied to the encoder channel.
func (a AdapterSpec) EncoderStrength() float64 {
	if a.ClipStrength != nil {
		return *a.ClipStrength
	}
	return a.Strength
}

// NeedsConfirmation reports whether any strength lies outside [0,2].
func (a AdapterSpec) NeedsConfirmation() bool {
	return outOfRange(a.Strength) || outOfRange(a.EncoderStrength())
}

func (a AdapterSpec) String() string {
	if a.ClipStrength != nil {
		return fmt.Sprintf("%s@%g/%g", a.Name, a.Strength, *a.ClipStrength)
	}
	return fmt.Sprintf("%s@%g", a.Name, a.Strength)
}

func outOfRange(s float64) bool {
	return s < minConfirmedStrength || s > maxConfirmedStrength
}
