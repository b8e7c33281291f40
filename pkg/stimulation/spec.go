package stimulation

import (
	"fmt"
	"math"
)

// Mode identifies a stimulation waveform
type Mode string

const (
	ModeDC         Mode = "DC"
	ModeAC         Mode = "AC"
	ModeSquareWave Mode = "SQUARE_WAVE"
	ModePulse      Mode = "PULSE"
)

// Limits bounds the values a channel spec may carry for one device
type Limits struct {
	MinChannel int     `yaml:"min_channel" json:"minChannel"`
	MaxChannel int     `yaml:"max_channel" json:"maxChannel"`
	MaxCurrent float64 `yaml:"max_current_ma" json:"maxCurrent"` // 0 means unbounded
}

// DefaultLimits matches the stimulation front end of the 64 channel amplifier
var DefaultLimits = Limits{
	MinChannel: 0,
	MaxChannel: 63,
}

// Spec is one channel of a stimulation program. It is implemented by
// DC, AC, SquareWave and Pulse only; Program.AddChannel also takes
// pointers to them and stores the value.
type Spec interface {
	Mode() Mode
	Common() Base
	Validate(limits Limits) error
	isSpec()
}

// Base holds the fields shared by every waveform
type Base struct {
	Channel  int     `json:"channel"`
	Current  float64 `json:"current"`  // mA
	Duration float64 `json:"duration"` // seconds
	RampUp   float64 `json:"rampUp"`   // seconds
	RampDown float64 `json:"rampDown"` // seconds
}

// Common returns the shared fields
func (b Base) Common() Base { return b }

func (b Base) validate(limits Limits) error {
	if b.Channel < limits.MinChannel || b.Channel > limits.MaxChannel {
		return invalid("channel %d outside [%d, %d]", b.Channel, limits.MinChannel, limits.MaxChannel)
	}
	if !finite(b.Current) || b.Current < 0 {
		return invalid("current %v must be a non-negative number", b.Current)
	}
	if limits.MaxCurrent > 0 && b.Current > limits.MaxCurrent {
		return invalid("current %v exceeds limit %v", b.Current, limits.MaxCurrent)
	}
	if !finite(b.Duration) || b.Duration < 0 {
		return invalid("duration %v must not be negative", b.Duration)
	}
	if !finite(b.RampUp) || b.RampUp < 0 {
		return invalid("ramp up %v must not be negative", b.RampUp)
	}
	if !finite(b.RampDown) || b.RampDown < 0 {
		return invalid("ramp down %v must not be negative", b.RampDown)
	}
	return nil
}

// DC is a constant current stimulation
type DC struct {
	Base
}

// AC is a sinusoidal stimulation
type AC struct {
	Base
	Frequency float64 `json:"frequency"` // Hz
	Phase     int     `json:"phase"`     // degrees
}

// SquareWave is a square wave stimulation
type SquareWave struct {
	Base
	Frequency float64 `json:"frequency"` // Hz
	Duty      float64 `json:"duty"`      // fraction of the period, (0, 1]
}

// Pulse is a (bi)phasic pulse train
type Pulse struct {
	Base
	Frequency       float64 `json:"frequency"`       // Hz
	PulseWidth      int     `json:"pulseWidth"`      // µs
	PulseWidthRatio float64 `json:"pulseWidthRatio"` // second phase width / first phase width
	PulseInterval   int     `json:"pulseInterval"`   // µs between phases
	DelayTime       float64 `json:"delayTime"`       // seconds
}

func (DC) Mode() Mode         { return ModeDC }
func (AC) Mode() Mode         { return ModeAC }
func (SquareWave) Mode() Mode { return ModeSquareWave }
func (Pulse) Mode() Mode      { return ModePulse }

func (DC) isSpec()         {}
func (AC) isSpec()         {}
func (SquareWave) isSpec() {}
func (Pulse) isSpec()      {}

// Validate checks the spec against limits
func (s DC) Validate(limits Limits) error {
	return s.Base.validate(limits)
}

// Validate checks the spec against limits
func (s AC) Validate(limits Limits) error {
	if err := s.Base.validate(limits); err != nil {
		return err
	}
	if err := positiveFrequency(s.Frequency); err != nil {
		return err
	}
	if s.Phase < 0 || s.Phase >= 360 {
		return invalid("phase %d outside [0, 360)", s.Phase)
	}
	return nil
}

// Validate checks the spec against limits
func (s SquareWave) Validate(limits Limits) error {
	if err := s.Base.validate(limits); err != nil {
		return err
	}
	if err := positiveFrequency(s.Frequency); err != nil {
		return err
	}
	if !finite(s.Duty) || s.Duty <= 0 || s.Duty > 1 {
		return invalid("duty %v outside (0, 1]", s.Duty)
	}
	return nil
}

// Validate checks the spec against limits
func (s Pulse) Validate(limits Limits) error {
	if err := s.Base.validate(limits); err != nil {
		return err
	}
	if err := positiveFrequency(s.Frequency); err != nil {
		return err
	}
	if s.PulseWidth <= 0 {
		return invalid("pulse width %d must be positive", s.PulseWidth)
	}
	if !finite(s.PulseWidthRatio) || s.PulseWidthRatio < 0 {
		return invalid("pulse width ratio %v must not be negative", s.PulseWidthRatio)
	}
	if s.PulseInterval < 0 {
		return invalid("pulse interval %d must not be negative", s.PulseInterval)
	}
	if !finite(s.DelayTime) || s.DelayTime < 0 {
		return invalid("delay time %v must not be negative", s.DelayTime)
	}
	// both phases plus the gap have to fit in one period
	period := 1e6 / s.Frequency
	width := float64(s.PulseWidth)*(1+s.PulseWidthRatio) + float64(s.PulseInterval)
	if width > period {
		return invalid("pulse of %.0fµs does not fit a %.0fµs period", width, period)
	}
	return nil
}

func positiveFrequency(f float64) error {
	if !finite(f) || f <= 0 {
		return invalid("frequency %v must be positive", f)
	}
	return nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidSpec, fmt.Sprintf(format, args...))
}
