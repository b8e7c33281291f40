package client

import (
	"context"
	"math"

	"github.com/quanlan-server/quanlan-server/pkg/stimulation"
)

// The pulse types describe stimulation in experiment units: amplitude in µA,
// durations in ms, phase as a fraction of a cycle.

// DCPulse is a constant current step
type DCPulse struct {
	Amplitude float64 // µA
	Duration  float64 // ms
}

// ACPulse is a sinusoid
type ACPulse struct {
	Amplitude float64 // µA
	Duration  float64 // ms
	Frequency float64 // Hz
	Phase     float64 // fraction of a cycle
}

// SWPulse is a square wave
type SWPulse struct {
	Amplitude float64 // µA
	Duration  float64 // ms
	Frequency float64 // Hz
	Duty      float64
}

// BiPhasicPulse is a symmetric biphasic pulse train
type BiPhasicPulse struct {
	Amplitude          float64 // µA
	Duration           float64 // ms
	Frequency          float64 // Hz
	PulseWidth         float64 // ms, per phase
	InterPhaseInterval float64 // ms
}

// Spec converts p to device units on channel
func (p DCPulse) Spec(channel int) stimulation.DC {
	return stimulation.DC{Base: base(channel, p.Amplitude, p.Duration)}
}

// Spec converts p to device units on channel. A full cycle wraps to 0°.
func (p ACPulse) Spec(channel int) stimulation.AC {
	return stimulation.AC{
		Base:      base(channel, p.Amplitude, p.Duration),
		Frequency: p.Frequency,
		Phase:     int(math.RoundToEven(p.Phase*360)) % 360,
	}
}

// Spec converts p to device units on channel
func (p SWPulse) Spec(channel int) stimulation.SquareWave {
	return stimulation.SquareWave{
		Base:      base(channel, p.Amplitude, p.Duration),
		Frequency: p.Frequency,
		Duty:      p.Duty,
	}
}

// Spec converts p to device units on channel
func (p BiPhasicPulse) Spec(channel int) stimulation.Pulse {
	return stimulation.Pulse{
		Base:            base(channel, p.Amplitude, p.Duration),
		Frequency:       p.Frequency,
		PulseWidth:      msToMicros(p.PulseWidth),
		PulseWidthRatio: 1,
		PulseInterval:   msToMicros(p.InterPhaseInterval),
	}
}

func base(channel int, amplitudeUA, durationMS float64) stimulation.Base {
	return stimulation.Base{
		Channel:  channel,
		Current:  amplitudeUA / 1000,
		Duration: durationMS / 1000,
	}
}

func msToMicros(ms float64) int {
	return int(math.RoundToEven(ms * 1000))
}

// SetDCPulse programs a DC pulse on channel
func (c *Client) SetDCPulse(ctx context.Context, channel int, p DCPulse) (bool, error) {
	return c.SetDCStimulation(ctx, p.Spec(channel), false)
}

// SetACPulse programs an AC pulse on channel
func (c *Client) SetACPulse(ctx context.Context, channel int, p ACPulse) (bool, error) {
	return c.SetACStimulation(ctx, p.Spec(channel), false)
}

// SetSWPulse programs a square wave pulse on channel
func (c *Client) SetSWPulse(ctx context.Context, channel int, p SWPulse) (bool, error) {
	return c.SetSquareWaveStimulation(ctx, p.Spec(channel), false)
}

// SetBiPhasicPulse programs a biphasic pulse train on channel
func (c *Client) SetBiPhasicPulse(ctx context.Context, channel int, p BiPhasicPulse) (bool, error) {
	return c.SetPulseStimulation(ctx, p.Spec(channel), false)
}
