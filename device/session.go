package device

import (
	"fmt"

	"github.com/rs/zerolog"

	deverrors "github.com/sci-bots/dropctl/device/errors"
)

type OpenFunc func(port string) (ControlBoard, error)
type EnumerateFunc func() []string

// Session owns at most one open connection to a control board. All
// methods are driven from the coordinator loop; the session itself does
// no locking.
type Session struct {
	log       zerolog.Logger
	open      OpenFunc
	enumerate EnumerateFunc

	board    ControlBoard
	identity Identity
	caps     Capabilities
	status   string
}

func NewSession(log zerolog.Logger) *Session {
	return NewSessionWith(log,
		func(port string) (ControlBoard, error) { return OpenSerialBoard(port) },
		EnumeratePorts)
}

func NewSessionWith(log zerolog.Logger, open OpenFunc, enumerate EnumerateFunc) *Session {
	return &Session{
		log:       log.With().Str("component", "session").Logger(),
		open:      open,
		enumerate: enumerate,
		status:    "Not connected",
	}
}

// Connect opens a board, preferring the supplied transport and falling
// back across the remaining enumerated transports in order. Any prior
// session is torn down first.
func (s *Session) Connect(preferred string) (err error) {
	s.Disconnect()

	ports := s.enumerate()
	if len(ports) == 0 {
		return deverrors.TransportUnavailableError{}
	}

	var board ControlBoard
	if len(preferred) > 0 {
		board, err = s.open(preferred)
		if err != nil {
			// Fallback scan still runs, so an open failure on the
			// preferred transport is only a warning.
			s.log.Warn().Err(err).Str("port", preferred).
				Msg("could not connect to control board on preferred port, checking other ports")
			board = nil
		}
	}

	if board == nil {
		for _, port := range ports {
			if port == preferred {
				continue
			}
			board, err = s.open(port)
			if err == nil {
				break
			}
			s.log.Debug().Err(err).Str("port", port).Msg("open failed")
			board = nil
		}
	}

	if board == nil {
		return deverrors.TransportExhaustedError{Ports: ports, Last: err}
	}

	if err = board.InitializeSwitchingBoards(); err != nil {
		board.Close()
		return fmt.Errorf("switching board initialization failed: %v", err)
	}

	identity, err := board.Identity()
	if err != nil {
		board.Close()
		return fmt.Errorf("unable to read board identity: %v", err)
	}

	caps, err := board.Capabilities()
	if err != nil {
		board.Close()
		return fmt.Errorf("unable to read board capabilities: %v", err)
	}

	s.board = board
	s.identity = identity
	s.caps = caps
	s.updateStatus()

	s.log.Info().Str("port", board.Port()).Str("board", identity.DisplayName).
		Msg("control board connected")
	return nil
}

// VerifyIdentity checks that the connected device reports the expected
// package identity and that its firmware (major, minor) matches the
// host driver. An identity mismatch closes the session; a version
// mismatch does not — the session may still be operable and the caller
// is handed the decision point.
func (s *Session) VerifyIdentity() error {
	if !s.Connected() {
		return deverrors.NotConnectedError{}
	}

	if s.identity.PackageName != HostPackageName {
		actual := s.identity.PackageName
		s.Disconnect()
		return deverrors.IdentityMismatchError{
			Expected: HostPackageName,
			Actual:   actual,
		}
	}

	host, err := ParseVersion(HostSoftwareVersion)
	if err != nil {
		return err
	}
	remote, err := ParseVersion(s.identity.SoftwareVersion)
	if err != nil {
		return err
	}

	if !host.CompatibleWith(remote) {
		return deverrors.VersionMismatchError{
			Host:   host.String(),
			Remote: remote.String(),
		}
	}
	return nil
}

// Disconnect is idempotent. HV output is disabled before closing;
// errors from that step are swallowed since the device may already be
// gone.
func (s *Session) Disconnect() {
	if s.board == nil {
		return
	}

	s.board.SetHVOutputEnabled(false)
	if err := s.board.Close(); err != nil {
		s.log.Warn().Err(err).Msg("error closing control board")
	}

	s.board = nil
	s.identity = Identity{}
	s.caps = Capabilities{}
	s.status = "Not connected"
}

func (s *Session) Connected() bool {
	return s.board != nil
}

func (s *Session) Board() ControlBoard {
	return s.board
}

func (s *Session) Port() string {
	if s.board == nil {
		return ""
	}
	return s.board.Port()
}

func (s *Session) Identity() Identity {
	return s.identity
}

func (s *Session) Capabilities() Capabilities {
	return s.caps
}

func (s *Session) ChannelCount() int {
	return s.caps.NumberOfChannels
}

// Status is a human readable connection summary suitable for status
// labels and the set-stats signal.
func (s *Session) Status() string {
	return s.status
}

func (s *Session) updateStatus() {
	uuid := s.identity.UUID
	if len(uuid) > 8 {
		uuid = uuid[:8]
	}
	s.status = fmt.Sprintf("%s v%s (Firmware: %s, id: %s, uuid: %s)\n%d channels",
		s.identity.DisplayName, s.identity.HardwareVersion,
		s.identity.SoftwareVersion, s.identity.ID, uuid,
		s.caps.NumberOfChannels)
}

// EnsureHVOutput enables high voltage output only when it is currently
// disabled.
func (s *Session) EnsureHVOutput() error {
	if s.board == nil {
		return deverrors.NotConnectedError{}
	}

	enabled, err := s.board.HVOutputEnabled()
	if err != nil {
		return err
	}
	if !enabled {
		return s.board.SetHVOutputEnabled(true)
	}
	return nil
}

func (s *Session) DisableHVOutput() error {
	if s.board == nil {
		return deverrors.NotConnectedError{}
	}
	return s.board.SetHVOutputEnabled(false)
}

func (s *Session) ApplyChannelStates(states []byte) error {
	if s.board == nil {
		return deverrors.NotConnectedError{}
	}
	return s.board.SetStateOfChannels(states)
}

func (s *Session) SetVoltage(volts float64) error {
	if s.board == nil {
		return deverrors.NotConnectedError{}
	}
	return s.board.SetVoltage(volts)
}

func (s *Session) SetFrequency(hz float64) error {
	if s.board == nil {
		return deverrors.NotConnectedError{}
	}
	return s.board.SetFrequency(hz)
}

func (s *Session) MeasureVoltage() (float64, error) {
	if s.board == nil {
		return 0, deverrors.NotConnectedError{}
	}
	return s.board.MeasureVoltage()
}

func (s *Session) MeasureCapacitance() (float64, error) {
	if s.board == nil {
		return 0, deverrors.NotConnectedError{}
	}
	return s.board.MeasureCapacitance()
}
