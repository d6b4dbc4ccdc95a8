package device

import (
	"bufio"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tarm/serial"
)

const (
	BAUD_RATE    = 115200
	READ_TIMEOUT = 500 * time.Millisecond
)

// Patterns scanned by EnumeratePorts. Overridable for tests and for
// platforms with non-standard device naming.
var PortGlobs = []string{
	"/dev/ttyACM*",
	"/dev/ttyUSB*",
	"/dev/cu.usbmodem*",
}

// EnumeratePorts lists candidate serial transports in a stable order.
func EnumeratePorts() (ports []string) {
	for _, pattern := range PortGlobs {
		matches, _ := filepath.Glob(pattern)
		ports = append(ports, matches...)
	}
	sort.Strings(ports)
	return
}

// SerialBoard talks the board's line-oriented ASCII protocol:
// "GET <key>" replies with a single value line, "SET <key> <value>"
// replies with "OK". Serial I/O must stay fast relative to the
// coordinator's 10ms polling cadence, so every exchange is bounded by
// READ_TIMEOUT.
type SerialBoard struct {
	port   string
	conn   *serial.Port
	reader *bufio.Reader
	lock   sync.Mutex
}

func OpenSerialBoard(port string) (b *SerialBoard, err error) {
	conn, err := serial.OpenPort(&serial.Config{
		Name:        port,
		Baud:        BAUD_RATE,
		ReadTimeout: READ_TIMEOUT,
	})
	if err != nil {
		return nil, err
	}

	b = &SerialBoard{
		port:   port,
		conn:   conn,
		reader: bufio.NewReader(conn),
	}
	return
}

func (b *SerialBoard) Port() string {
	return b.port
}

// exchange sends one command line and reads one reply line. Keep as
// little processing inside the critical section as possible.
func (b *SerialBoard) exchange(cmd string) (resp string, err error) {
	b.lock.Lock()
	defer b.lock.Unlock()

	if _, err = b.conn.Write([]byte(cmd + "\n")); err != nil {
		return
	}

	line, err := b.reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("no response to '%s': %v", cmd, err)
	}

	resp = strings.TrimSpace(line)
	if strings.HasPrefix(resp, "ERR") {
		return "", fmt.Errorf("board error for '%s': %s", cmd, resp)
	}
	return
}

func (b *SerialBoard) get(key string) (string, error) {
	return b.exchange("GET " + key)
}

func (b *SerialBoard) getFloat(key string) (float64, error) {
	raw, err := b.get(key)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(raw, 64)
}

func (b *SerialBoard) set(key, value string) error {
	_, err := b.exchange(fmt.Sprintf("SET %s %s", key, value))
	return err
}

func (b *SerialBoard) Identity() (id Identity, err error) {
	fields := []struct {
		key  string
		dest *string
	}{
		{"package_name", &id.PackageName},
		{"display_name", &id.DisplayName},
		{"hardware_version", &id.HardwareVersion},
		{"software_version", &id.SoftwareVersion},
		{"id", &id.ID},
		{"uuid", &id.UUID},
	}

	for _, f := range fields {
		if *f.dest, err = b.get(f.key); err != nil {
			return
		}
	}
	return
}

func (b *SerialBoard) Capabilities() (caps Capabilities, err error) {
	if caps.MinWaveformVoltage, err = b.getFloat("min_waveform_voltage"); err != nil {
		return
	}
	if caps.MaxWaveformVoltage, err = b.getFloat("max_waveform_voltage"); err != nil {
		return
	}
	if caps.MinWaveformFrequency, err = b.getFloat("min_waveform_frequency"); err != nil {
		return
	}
	if caps.MaxWaveformFrequency, err = b.getFloat("max_waveform_frequency"); err != nil {
		return
	}

	raw, err := b.get("number_of_channels")
	if err != nil {
		return
	}
	caps.NumberOfChannels, err = strconv.Atoi(raw)
	return
}

func (b *SerialBoard) InitializeSwitchingBoards() error {
	_, err := b.exchange("INIT switching_boards")
	return err
}

func (b *SerialBoard) HVOutputEnabled() (bool, error) {
	raw, err := b.get("hv_output_enabled")
	if err != nil {
		return false, err
	}
	return raw == "1" || strings.EqualFold(raw, "true"), nil
}

func (b *SerialBoard) SetHVOutputEnabled(on bool) error {
	value := "0"
	if on {
		value = "1"
	}
	return b.set("hv_output_enabled", value)
}

func (b *SerialBoard) SetVoltage(volts float64) error {
	return b.set("voltage", strconv.FormatFloat(volts, 'f', -1, 64))
}

func (b *SerialBoard) SetFrequency(hz float64) error {
	return b.set("frequency", strconv.FormatFloat(hz, 'f', -1, 64))
}

// SetStateOfChannels pushes a dense channel state array, one digit per
// channel.
func (b *SerialBoard) SetStateOfChannels(states []byte) error {
	var sb strings.Builder
	sb.Grow(len(states))
	for _, s := range states {
		if s != 0 {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
	return b.set("channels", sb.String())
}

func (b *SerialBoard) MeasureVoltage() (float64, error) {
	return b.getFloat("measured_voltage")
}

func (b *SerialBoard) MeasureCapacitance() (float64, error) {
	return b.getFloat("capacitance")
}

func (b *SerialBoard) Close() error {
	return b.conn.Close()
}
