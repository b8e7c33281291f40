package stimulation

import (
	"errors"
	"fmt"
	"sort"
)

// Common errors
var (
	ErrInvalidSpec       = errors.New("invalid stimulation spec")
	ErrChannelConfigured = errors.New("channel already configured")
)

// MergePolicy decides what AddChannel does when update is false and the
// channel already has a spec.
type MergePolicy string

const (
	MergeReject  MergePolicy = "reject"
	MergeReplace MergePolicy = "replace"
)

// ParseMergePolicy parses a policy name, empty meaning MergeReject
func ParseMergePolicy(s string) (MergePolicy, error) {
	switch MergePolicy(s) {
	case "", MergeReject:
		return MergeReject, nil
	case MergeReplace:
		return MergeReplace, nil
	default:
		return "", fmt.Errorf("unknown merge policy %q", s)
	}
}

// Program accumulates one spec per channel. It is not safe for concurrent
// use; the owning session serializes access.
type Program struct {
	limits   Limits
	policy   MergePolicy
	channels map[int]Spec
}

// NewProgram creates an empty program
func NewProgram(limits Limits, policy MergePolicy) *Program {
	if policy == "" {
		policy = MergeReject
	}
	return &Program{
		limits:   limits,
		policy:   policy,
		channels: make(map[int]Spec),
	}
}

// AddChannel validates spec and stores it for its channel. An existing entry
// is replaced when update is true, otherwise the merge policy applies. On
// error the program is left unmodified.
func (p *Program) AddChannel(spec Spec, update bool) error {
	spec, err := valueSpec(spec)
	if err != nil {
		return err
	}
	if err := spec.Validate(p.limits); err != nil {
		return err
	}

	ch := spec.Common().Channel
	if _, exists := p.channels[ch]; exists && !update && p.policy != MergeReplace {
		return fmt.Errorf("%w: channel %d", ErrChannelConfigured, ch)
	}

	p.channels[ch] = spec
	return nil
}

// valueSpec dereferences pointer variants so the program only ever holds
// the four value types.
func valueSpec(spec Spec) (Spec, error) {
	switch s := spec.(type) {
	case DC, AC, SquareWave, Pulse:
		return s, nil
	case *DC:
		if s != nil {
			return *s, nil
		}
	case *AC:
		if s != nil {
			return *s, nil
		}
	case *SquareWave:
		if s != nil {
			return *s, nil
		}
	case *Pulse:
		if s != nil {
			return *s, nil
		}
	}
	return nil, fmt.Errorf("%w: unsupported spec %T", ErrInvalidSpec, spec)
}

// Clear removes every channel
func (p *Program) Clear() {
	for ch := range p.channels {
		delete(p.channels, ch)
	}
}

// Len returns the number of configured channels
func (p *Program) Len() int {
	return len(p.channels)
}

// Channels returns the configured channel numbers in ascending order
func (p *Program) Channels() []int {
	out := make([]int, 0, len(p.channels))
	for ch := range p.channels {
		out = append(out, ch)
	}
	sort.Ints(out)
	return out
}

// ToDeviceFormat builds the representation handed to the device driver
func (p *Program) ToDeviceFormat() *DriverProgram {
	dp := &DriverProgram{Channels: make([]DriverChannel, 0, len(p.channels))}
	for _, ch := range p.Channels() {
		dp.Channels = append(dp.Channels, toDriverChannel(p.channels[ch]))
	}
	return dp
}
