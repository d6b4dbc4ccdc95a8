package device

import (
	"math/rand"
	"sync"
	"time"
)

const (
	SIM_CAPACITANCE_DELTA = 0.5e-12
	SIM_UPDATE_INTERVAL   = time.Second / 10
)

// SimulatedBoard stands in for real hardware during development. The
// capacitance reading drifts with a small random walk so downstream
// consumers see changing values.
type SimulatedBoard struct {
	lock        sync.Mutex
	hvEnabled   bool
	voltage     float64
	frequency   float64
	channels    []byte
	capacitance float64
	closed      bool
}

func NewSimulatedBoard() (b *SimulatedBoard) {
	b = &SimulatedBoard{
		channels:    make([]byte, 120),
		capacitance: 10e-12,
	}
	go b.update()
	return
}

func (b *SimulatedBoard) update() {
	for {
		time.Sleep(SIM_UPDATE_INTERVAL)

		b.lock.Lock()
		if b.closed {
			b.lock.Unlock()
			return
		}
		b.capacitance += (rand.Float64() - 0.5) * 2 * SIM_CAPACITANCE_DELTA
		if b.capacitance < 0 {
			b.capacitance = 0
		}
		b.lock.Unlock()
	}
}

func (b *SimulatedBoard) Port() string {
	return "simulator"
}

func (b *SimulatedBoard) Identity() (Identity, error) {
	return Identity{
		PackageName:     HostPackageName,
		DisplayName:     "DropBot (simulated)",
		HardwareVersion: "3.1",
		SoftwareVersion: HostSoftwareVersion,
		ID:              "SIM-0",
		UUID:            "00000000-0000-0000-0000-000000000000",
	}, nil
}

func (b *SimulatedBoard) Capabilities() (Capabilities, error) {
	return Capabilities{
		MinWaveformVoltage:   0,
		MaxWaveformVoltage:   150,
		MinWaveformFrequency: 100,
		MaxWaveformFrequency: 20e3,
		NumberOfChannels:     len(b.channels),
	}, nil
}

func (b *SimulatedBoard) InitializeSwitchingBoards() error {
	return nil
}

func (b *SimulatedBoard) HVOutputEnabled() (bool, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.hvEnabled, nil
}

func (b *SimulatedBoard) SetHVOutputEnabled(on bool) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.hvEnabled = on
	return nil
}

func (b *SimulatedBoard) SetVoltage(volts float64) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.voltage = volts
	return nil
}

func (b *SimulatedBoard) SetFrequency(hz float64) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.frequency = hz
	return nil
}

func (b *SimulatedBoard) SetStateOfChannels(states []byte) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	copy(b.channels, states)
	return nil
}

func (b *SimulatedBoard) MeasureVoltage() (float64, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if !b.hvEnabled {
		return 0, nil
	}
	return b.voltage, nil
}

func (b *SimulatedBoard) MeasureCapacitance() (float64, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.capacitance, nil
}

func (b *SimulatedBoard) Close() error {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.closed = true
	return nil
}
