package stimulation

import "fmt"

// DriverProgram is a complete program in the form the device driver consumes.
// An empty Channels slice is a valid, empty program.
type DriverProgram struct {
	Channels []DriverChannel `json:"channels"`
}

// DriverChannel is one channel of a DriverProgram. Fields that do not apply
// to the mode are zero.
type DriverChannel struct {
	Channel         int     `json:"channel"`
	Mode            Mode    `json:"mode"`
	Current         float64 `json:"current"`
	Duration        float64 `json:"duration"`
	RampUp          float64 `json:"rampUp"`
	RampDown        float64 `json:"rampDown"`
	Frequency       float64 `json:"frequency,omitempty"`
	Phase           int     `json:"phase,omitempty"`
	Duty            float64 `json:"duty,omitempty"`
	PulseWidth      int     `json:"pulseWidth,omitempty"`
	PulseWidthRatio float64 `json:"pulseWidthRatio,omitempty"`
	PulseInterval   int     `json:"pulseInterval,omitempty"`
	DelayTime       float64 `json:"delayTime,omitempty"`
}

// Empty reports whether the program has no channels
func (p *DriverProgram) Empty() bool {
	return p == nil || len(p.Channels) == 0
}

func toDriverChannel(spec Spec) DriverChannel {
	b := spec.Common()
	dc := DriverChannel{
		Channel:  b.Channel,
		Mode:     spec.Mode(),
		Current:  b.Current,
		Duration: b.Duration,
		RampUp:   b.RampUp,
		RampDown: b.RampDown,
	}

	switch s := spec.(type) {
	case DC:
	case AC:
		dc.Frequency = s.Frequency
		dc.Phase = s.Phase
	case SquareWave:
		dc.Frequency = s.Frequency
		dc.Duty = s.Duty
	case Pulse:
		dc.Frequency = s.Frequency
		dc.PulseWidth = s.PulseWidth
		dc.PulseWidthRatio = s.PulseWidthRatio
		dc.PulseInterval = s.PulseInterval
		dc.DelayTime = s.DelayTime
	default:
		panic(fmt.Errorf("unknown stimulation spec %T", spec))
	}

	return dc
}

// SpecFromDriver rebuilds a Spec from its driver form, used by drivers that
// receive programs over the wire.
func SpecFromDriver(dc DriverChannel) (Spec, error) {
	base := Base{
		Channel:  dc.Channel,
		Current:  dc.Current,
		Duration: dc.Duration,
		RampUp:   dc.RampUp,
		RampDown: dc.RampDown,
	}
	switch dc.Mode {
	case ModeDC:
		return DC{Base: base}, nil
	case ModeAC:
		return AC{Base: base, Frequency: dc.Frequency, Phase: dc.Phase}, nil
	case ModeSquareWave:
		return SquareWave{Base: base, Frequency: dc.Frequency, Duty: dc.Duty}, nil
	case ModePulse:
		return Pulse{
			Base:            base,
			Frequency:       dc.Frequency,
			PulseWidth:      dc.PulseWidth,
			PulseWidthRatio: dc.PulseWidthRatio,
			PulseInterval:   dc.PulseInterval,
			DelayTime:       dc.DelayTime,
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidSpec, dc.Mode)
	}
}
