// Package control decides the actuator command for a concentration
// reading.
package control

// DefaultThreshold is the smoke concentration, in ppm, at and above
// which the exhaust fan runs.
const DefaultThreshold = 1200.0

// Command is the desired actuator state.
type Command bool

// Commands.
const (
	Off Command = false
	On  Command = true
)

func (c Command) String() string {
	if c {
		return "on"
	}
	return "off"
}

// Decide returns On when concentration is at or above threshold and Off
// below it. There is no hysteresis.
func Decide(concentration, threshold float64) Command {
	if concentration >= threshold {
		return On
	}
	return Off
}

// Policy is a threshold policy with a configured threshold.
type Policy struct {
	Threshold float64
}

// NewPolicy returns a policy using threshold, or [DefaultThreshold] when
// threshold is zero.
func NewPolicy(threshold float64) Policy {
	if threshold == 0 {
		threshold = DefaultThreshold
	}
	return Policy{Threshold: threshold}
}

// Decide applies the policy to one reading.
func (p Policy) Decide(concentration float64) Command {
	return Decide(concentration, p.Threshold)
}
