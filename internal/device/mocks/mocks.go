// Package mocks provides testify mocks of the device interfaces.
package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/quanlan-server/quanlan-server/internal/device"
	"github.com/quanlan-server/quanlan-server/pkg/stimulation"
)

// Driver is a mock device.Driver
type Driver struct {
	mock.Mock
}

// Connect implements device.Driver
func (m *Driver) Connect(ctx context.Context, id string, timeout time.Duration) (device.Handle, error) {
	args := m.Called(ctx, id, timeout)
	h, _ := args.Get(0).(device.Handle)
	return h, args.Error(1)
}

// Handle is a mock device.Handle
type Handle struct {
	mock.Mock
}

func (m *Handle) ID() string {
	return m.Called().String(0)
}

func (m *Handle) SetAcqParam(ctx context.Context, channels []int, sampleRate int, rng float64) error {
	return m.Called(ctx, channels, sampleRate, rng).Error(0)
}

func (m *Handle) StartAcquisition(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *Handle) StopAcquisition(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *Handle) StartImpedance(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *Handle) StopImpedance(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *Handle) SetStimParam(ctx context.Context, program *stimulation.DriverProgram) error {
	return m.Called(ctx, program).Error(0)
}

func (m *Handle) StartStimulation(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *Handle) StopStimulation(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}
