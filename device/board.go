package device

// Host-side driver identity. The connected board must report the same
// package name or the session is rejected.
const (
	HostPackageName     = "dropbot"
	HostSoftwareVersion = "2.1.0"
)

type Identity struct {
	PackageName     string
	DisplayName     string
	HardwareVersion string
	SoftwareVersion string // firmware version reported by the board
	ID              string
	UUID            string
}

type Capabilities struct {
	MinWaveformVoltage   float64
	MaxWaveformVoltage   float64
	MinWaveformFrequency float64
	MaxWaveformFrequency float64
	NumberOfChannels     int
}

// ControlBoard is the driver surface the session coordinates against.
// Implemented by SerialBoard for real hardware and SimulatedBoard for
// development without a device attached.
type ControlBoard interface {
	Port() string
	Identity() (Identity, error)
	Capabilities() (Capabilities, error)
	InitializeSwitchingBoards() error

	HVOutputEnabled() (bool, error)
	SetHVOutputEnabled(on bool) error
	SetVoltage(volts float64) error
	SetFrequency(hz float64) error
	SetStateOfChannels(states []byte) error
	MeasureVoltage() (float64, error)
	MeasureCapacitance() (float64, error)

	Close() error
}
