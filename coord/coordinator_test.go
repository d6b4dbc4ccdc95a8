package coord

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	. "github.com/smartystreets/goconvey/convey"

	deverrors "github.com/sci-bots/dropctl/device/errors"
)

type published struct {
	topic   string
	payload interface{}
}

type testBus struct {
	testNode
	signals []published
}

func (b *testBus) Publish(topic string, payload interface{}) error {
	b.signals = append(b.signals, published{topic, payload})
	return nil
}

func (b *testBus) topics() (topics []string) {
	for _, s := range b.signals {
		topics = append(topics, s.topic)
	}
	return
}

type testSession struct {
	connected    bool
	connects     int
	port         string
	channelCount int

	connectErr error
	verifyErr  error

	hvDisables  int
	hvEnsures   int
	voltages    []float64
	frequencies []float64
	applied     [][]byte
	capacitance float64
}

func (s *testSession) Connect(preferred string) error {
	if s.connectErr != nil {
		return s.connectErr
	}
	s.connects++
	s.connected = true
	if s.port == "" {
		s.port = "/dev/ttyACM0"
	}
	return nil
}

func (s *testSession) VerifyIdentity() error {
	err := s.verifyErr
	if _, ok := err.(deverrors.IdentityMismatchError); ok {
		s.connected = false
	}
	return err
}

func (s *testSession) Disconnect() {
	s.connected = false
}

func (s *testSession) Connected() bool   { return s.connected }
func (s *testSession) Port() string      { return s.port }
func (s *testSession) Status() string    { return "test board" }
func (s *testSession) ChannelCount() int { return s.channelCount }

func (s *testSession) EnsureHVOutput() error {
	s.hvEnsures++
	return nil
}

func (s *testSession) DisableHVOutput() error {
	s.hvDisables++
	return nil
}

func (s *testSession) ApplyChannelStates(states []byte) error {
	s.applied = append(s.applied, states)
	return nil
}

func (s *testSession) SetVoltage(v float64) error {
	s.voltages = append(s.voltages, v)
	return nil
}

func (s *testSession) SetFrequency(hz float64) error {
	s.frequencies = append(s.frequencies, hz)
	return nil
}

func (s *testSession) MeasureVoltage() (float64, error) {
	return 0, nil
}

func (s *testSession) MeasureCapacitance() (float64, error) {
	return s.capacitance, nil
}

type testSettings struct {
	port    string
	saved   []string
	saveErr error
}

func (s *testSettings) PreferredPort() string { return s.port }

func (s *testSettings) SetPreferredPort(port string) error {
	s.saved = append(s.saved, port)
	s.port = port
	return s.saveErr
}

func (s *testSettings) DefaultStep() StepRequest {
	return StepRequest{Voltage: 80, Frequency: 10e3, Duration: time.Second}
}

func createTestCoordinator() (*testBus, *testSession, *testSettings, *Coordinator) {
	b := &testBus{}
	session := &testSession{channelCount: 40}
	settings := &testSettings{}
	c := NewCoordinator("dropbot_plugin", b, session, settings, zerolog.Nop())
	return b, session, settings, c
}

func TestCoordinatorConnect(t *testing.T) {
	Convey("Given a coordinator", t, func() {
		b, session, settings, c := createTestCoordinator()

		Convey("a successful connect persists the winning transport", func() {
			So(c.ConnectAndVerify(), ShouldBeNil)
			So(settings.saved, ShouldResemble, []string{"/dev/ttyACM0"})

			Convey("and publishes the connection stats", func() {
				So(b.topics(), ShouldContain, SignalStats)
			})
		})

		Convey("the persisted transport is not rewritten when it wins again", func() {
			settings.port = "/dev/ttyACM0"
			So(c.ConnectAndVerify(), ShouldBeNil)
			So(settings.saved, ShouldBeEmpty)
		})

		Convey("no transports leaves no open session and surfaces the error", func() {
			session.connectErr = deverrors.TransportUnavailableError{}

			err := c.ConnectAndVerify()
			So(err, ShouldHaveSameTypeAs, deverrors.TransportUnavailableError{})
			So(session.connected, ShouldBeFalse)
		})

		Convey("a firmware mismatch surfaces the decision point but keeps the session", func() {
			session.verifyErr = deverrors.VersionMismatchError{Host: "2.1.0", Remote: "2.2.0"}

			var promptHost, promptRemote string
			c.Prompt = func(host, remote string) bool {
				promptHost, promptRemote = host, remote
				return false
			}

			So(c.ConnectAndVerify(), ShouldBeNil)
			So(promptHost, ShouldEqual, "2.1.0")
			So(promptRemote, ShouldEqual, "2.2.0")
			So(session.connected, ShouldBeTrue)
		})

		Convey("an identity mismatch fails the connect attempt", func() {
			session.verifyErr = deverrors.IdentityMismatchError{Expected: "dropbot", Actual: "toaster"}

			err := c.ConnectAndVerify()
			So(err, ShouldHaveSameTypeAs, deverrors.IdentityMismatchError{})
			So(session.connected, ShouldBeFalse)
		})
	})
}

func TestCoordinatorApplySettings(t *testing.T) {
	Convey("Given a connected coordinator", t, func() {
		_, session, settings, c := createTestCoordinator()
		So(c.ConnectAndVerify(), ShouldBeNil)

		Convey("a changed preferred port triggers a reconnect", func() {
			settings.port = "/dev/ttyACM7"

			c.ApplySettings()

			So(session.connects, ShouldEqual, 2)
			So(session.connected, ShouldBeTrue)
		})

		Convey("a matching port leaves the session alone", func() {
			c.ApplySettings()
			So(session.connects, ShouldEqual, 1)
		})
	})
}

func TestCoordinatorModes(t *testing.T) {
	Convey("Given a connected coordinator", t, func() {
		b, session, _, c := createTestCoordinator()
		So(c.ConnectAndVerify(), ShouldBeNil)

		Convey("StartProtocol flips to running and announces it", func() {
			c.StartProtocol(10)

			So(c.Running(), ShouldBeTrue)
			So(b.topics(), ShouldContain, SignalRunningState)
		})

		Convey("PauseProtocol drops running mode and turns the electrodes off", func() {
			c.StartProtocol(10)
			c.PauseProtocol()

			So(c.Running(), ShouldBeFalse)
			So(session.hvDisables, ShouldEqual, 1)
		})

		Convey("PauseProtocol leaves HV alone while realtime mode holds", func() {
			c.SetRealtime(true)
			c.StartProtocol(10)
			c.PauseProtocol()

			So(session.hvDisables, ShouldEqual, 0)
		})

		Convey("leaving realtime mode with nothing running turns the electrodes off", func() {
			c.SetRealtime(true)
			So(session.hvDisables, ShouldEqual, 0)

			c.SetRealtime(false)
			So(session.hvDisables, ShouldEqual, 1)
		})
	})
}

func TestCoordinatorWaveform(t *testing.T) {
	Convey("Waveform changes hit the board and are broadcast", t, func() {
		b, session, _, c := createTestCoordinator()
		So(c.ConnectAndVerify(), ShouldBeNil)

		So(c.SetVoltage(95), ShouldBeNil)
		So(c.SetFrequency(1e3), ShouldBeNil)

		So(session.voltages, ShouldResemble, []float64{95})
		So(session.frequencies, ShouldResemble, []float64{1e3})
		So(b.topics(), ShouldContain, SignalVoltage)
		So(b.topics(), ShouldContain, SignalFrequency)
	})
}

func TestCoordinatorLiveActuation(t *testing.T) {
	Convey("Given a connected coordinator in realtime mode", t, func() {
		b, session, _, c := createTestCoordinator()
		So(c.ConnectAndVerify(), ShouldBeNil)
		c.SetRealtime(true)

		Convey("a merged state update re-runs the current step immediately", func() {
			c.Store().Merge(map[int]bool{3: true})
			c.onStatesUpdated(false)

			So(session.applied, ShouldHaveLength, 1)
			So(session.applied[0][3], ShouldEqual, 1)
			So(b.topics(), ShouldContain, SignalCapacitance)
		})

		Convey("without a board the update only reads as state", func() {
			session.connected = false
			c.onStatesUpdated(false)

			So(session.applied, ShouldBeEmpty)
		})
	})
}

func TestCoordinatorLoop(t *testing.T) {
	Convey("Work submitted with Call runs on the coordinator loop", t, func() {
		_, _, _, c := createTestCoordinator()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go c.Run(ctx)

		ran := false
		c.Call(func() { ran = true })
		So(ran, ShouldBeTrue)
	})
}

func TestScheduleRequests(t *testing.T) {
	Convey("Handler ordering constraints are declared statically", t, func() {
		_, _, _, c := createTestCoordinator()

		So(c.ScheduleRequests("on_step_run"), ShouldResemble, []ScheduleRequest{
			{First: "droplet_planning_plugin", Second: "dropbot_plugin"},
		})
		So(c.ScheduleRequests("on_step_options_changed"), ShouldHaveLength, 2)
		So(c.ScheduleRequests("unknown_handler"), ShouldBeNil)
	})
}

var _ Bus = (*testBus)(nil)
var _ BusNode = (*testNode)(nil)
