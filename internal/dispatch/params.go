package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/quanlan-server/quanlan-server/internal/device"
	"github.com/quanlan-server/quanlan-server/pkg/stimulation"
)

// ConnectParams are the parameters of connectDevice. Timeout is in seconds
// and at most one day. Empty values fall back to the configured defaults.
type ConnectParams struct {
	DeviceID string  `json:"deviceId"`
	Timeout  float64 `json:"timeout" validate:"gte=0,lte=86400"`
}

// UnmarshalJSON accepts the named form and the positional ["id", timeout]
// form of the original interface.
func (p *ConnectParams) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var arr []json.RawMessage
		if err := json.Unmarshal(trimmed, &arr); err != nil {
			return err
		}
		if len(arr) > 2 {
			return fmt.Errorf("expected at most 2 positional params, got %d", len(arr))
		}
		if len(arr) > 0 {
			if err := json.Unmarshal(arr[0], &p.DeviceID); err != nil {
				return fmt.Errorf("deviceId: %w", err)
			}
		}
		if len(arr) > 1 {
			if err := json.Unmarshal(arr[1], &p.Timeout); err != nil {
				return fmt.Errorf("timeout: %w", err)
			}
		}
		return nil
	}

	type plain ConnectParams
	return json.Unmarshal(trimmed, (*plain)(p))
}

// AcquisitionParams are the parameters of setAcquisitionParameters
type AcquisitionParams struct {
	Channels   []int   `json:"channels" validate:"required"`
	SampleRate int     `json:"sample_rate"`
	Range      float64 `json:"range"`
}

func (p AcquisitionParams) toDevice() device.AcqParams {
	return device.AcqParams{Channels: p.Channels, SampleRate: p.SampleRate, Range: p.Range}
}

// StimulationParams holds the fields every stimulation setter takes
type StimulationParams struct {
	Channel  int     `json:"channel" validate:"gte=0"`
	Current  float64 `json:"current"`
	Duration float64 `json:"duration"`
	RampUp   float64 `json:"rampUp"`
	RampDown float64 `json:"rampDown"`
	Update   bool    `json:"update"`
}

func (p StimulationParams) base() stimulation.Base {
	return stimulation.Base{
		Channel:  p.Channel,
		Current:  p.Current,
		Duration: p.Duration,
		RampUp:   p.RampUp,
		RampDown: p.RampDown,
	}
}

// DCStimulationParams are the parameters of setDCStimulation
type DCStimulationParams struct {
	StimulationParams
}

func (p DCStimulationParams) spec() stimulation.DC {
	return stimulation.DC{Base: p.base()}
}

// ACStimulationParams are the parameters of setACStimulation
type ACStimulationParams struct {
	StimulationParams
	Frequency float64 `json:"frequency"`
	Phase     int     `json:"phase"`
}

func (p ACStimulationParams) spec() stimulation.AC {
	return stimulation.AC{Base: p.base(), Frequency: p.Frequency, Phase: p.Phase}
}

// SquareWaveStimulationParams are the parameters of setSquareWaveStimulation
type SquareWaveStimulationParams struct {
	StimulationParams
	Frequency float64 `json:"frequency"`
	Duty      float64 `json:"duty"`
}

func (p SquareWaveStimulationParams) spec() stimulation.SquareWave {
	return stimulation.SquareWave{Base: p.base(), Frequency: p.Frequency, Duty: p.Duty}
}

// PulseStimulationParams are the parameters of setPulseStimulation.
// PulseWidth and PulseInterval are in microseconds.
type PulseStimulationParams struct {
	StimulationParams
	Frequency       float64 `json:"frequency"`
	PulseWidth      int     `json:"pulseWidth"`
	PulseWidthRatio float64 `json:"pulseWidthRatio"`
	PulseInterval   int     `json:"pulseInterval"`
	DelayTime       float64 `json:"delayTime"`
}

func (p PulseStimulationParams) spec() stimulation.Pulse {
	return stimulation.Pulse{
		Base:            p.base(),
		Frequency:       p.Frequency,
		PulseWidth:      p.PulseWidth,
		PulseWidthRatio: p.PulseWidthRatio,
		PulseInterval:   p.PulseInterval,
		DelayTime:       p.DelayTime,
	}
}
