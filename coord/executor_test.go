package coord

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	. "github.com/smartystreets/goconvey/convey"
)

type testDevice struct {
	connected bool
	channels  int
	hvCalls   int
	applied   [][]byte
}

func (d *testDevice) Connected() bool {
	return d.connected
}

func (d *testDevice) ChannelCount() int {
	return d.channels
}

func (d *testDevice) EnsureHVOutput() error {
	d.hvCalls++
	return nil
}

func (d *testDevice) ApplyChannelStates(states []byte) error {
	d.applied = append(d.applied, states)
	return nil
}

type testWaveform struct {
	voltages    []float64
	frequencies []float64
}

func (w *testWaveform) SetVoltage(v float64) error {
	w.voltages = append(w.voltages, v)
	return nil
}

func (w *testWaveform) SetFrequency(hz float64) error {
	w.frequencies = append(w.frequencies, hz)
	return nil
}

type testModes struct {
	realtime, running bool
}

func (m *testModes) Realtime() bool { return m.realtime }
func (m *testModes) Running() bool  { return m.running }

func createTestExecutor() (dev *testDevice, wf *testWaveform, modes *testModes,
	expiry chan uint64, completions *int, e *StepExecutor) {
	dev = &testDevice{connected: true, channels: 4}
	wf = &testWaveform{}
	modes = &testModes{}
	expiry = make(chan uint64, 1)

	store := NewChannelStates()
	store.Merge(map[int]bool{1: true})

	completions = new(int)
	e = NewStepExecutor(dev, wf, modes, store, expiry, zerolog.Nop())
	e.OnComplete = func(interface{}) { *completions++ }
	return
}

func waitExpiry(expiry chan uint64) (gen uint64, ok bool) {
	select {
	case gen = <-expiry:
		return gen, true
	case <-time.After(time.Second):
		return 0, false
	}
}

func TestStepExecutorActuation(t *testing.T) {
	Convey("Given an executor with a connected board", t, func() {
		dev, wf, modes, _, completions, e := createTestExecutor()

		Convey("with no mode flags set, hardware is untouched and nothing is signalled", func() {
			e.RunStep(StepRequest{Voltage: 80, Frequency: 10e3, Duration: 10 * time.Millisecond})

			So(dev.applied, ShouldBeEmpty)
			So(*completions, ShouldEqual, 0)
			So(e.State(), ShouldEqual, StateIdle)
		})

		Convey("in realtime mode the step actuates and completes immediately", func() {
			modes.realtime = true

			e.RunStep(StepRequest{Voltage: 80, Frequency: 10e3, Duration: 10 * time.Millisecond})

			So(wf.frequencies, ShouldResemble, []float64{10e3})
			So(wf.voltages, ShouldResemble, []float64{80})
			So(dev.hvCalls, ShouldEqual, 1)
			So(dev.applied, ShouldResemble, [][]byte{{0, 1, 0, 0}})
			So(*completions, ShouldEqual, 1)
			So(e.State(), ShouldEqual, StateIdle)
		})

		Convey("with no board connected, actuation is skipped but completion still fires", func() {
			dev.connected = false
			modes.realtime = true

			e.RunStep(StepRequest{Duration: 10 * time.Millisecond})

			So(dev.applied, ShouldBeEmpty)
			So(*completions, ShouldEqual, 1)
		})
	})
}

func TestStepExecutorTimer(t *testing.T) {
	Convey("Given an executor running a timed protocol", t, func() {
		dev, _, modes, expiry, completions, e := createTestExecutor()
		modes.running = true

		Convey("the step arms and completes only after its duration", func() {
			e.RunStep(StepRequest{Duration: 5 * time.Millisecond})

			So(e.State(), ShouldEqual, StateArmed)
			So(*completions, ShouldEqual, 0)

			gen, ok := waitExpiry(expiry)
			So(ok, ShouldBeTrue)

			e.OnTimerExpiry(gen)

			So(*completions, ShouldEqual, 1)
			So(e.State(), ShouldEqual, StateIdle)
		})

		Convey("arming a second step cancels the first; only one completion fires", func() {
			e.RunStep(StepRequest{Duration: time.Minute})
			e.RunStep(StepRequest{Duration: 5 * time.Millisecond})

			gen, ok := waitExpiry(expiry)
			So(ok, ShouldBeTrue)
			e.OnTimerExpiry(gen)

			So(*completions, ShouldEqual, 1)

			// no second expiry arrives
			select {
			case <-expiry:
				So("unexpected second expiry", ShouldBeEmpty)
			case <-time.After(20 * time.Millisecond):
			}

			So(dev.applied, ShouldHaveLength, 2)
		})

		Convey("a stale generation is ignored", func() {
			e.RunStep(StepRequest{Duration: 5 * time.Millisecond})
			gen, ok := waitExpiry(expiry)
			So(ok, ShouldBeTrue)

			e.OnTimerExpiry(gen + 1)
			So(*completions, ShouldEqual, 0)
			So(e.State(), ShouldEqual, StateArmed)

			e.OnTimerExpiry(gen)
			So(*completions, ShouldEqual, 1)

			Convey("as is a second delivery of the same generation", func() {
				e.OnTimerExpiry(gen)
				So(*completions, ShouldEqual, 1)
			})
		})

		Convey("cancelling returns to idle without signalling", func() {
			e.RunStep(StepRequest{Duration: time.Minute})
			e.CancelStep()

			So(e.State(), ShouldEqual, StateIdle)
			So(*completions, ShouldEqual, 0)
		})
	})
}

func TestStepComplete(t *testing.T) {
	Convey("StepComplete only signals while an orchestrator is listening", t, func() {
		_, _, modes, _, completions, e := createTestExecutor()

		e.StepComplete(nil)
		So(*completions, ShouldEqual, 0)

		modes.realtime = true
		e.StepComplete(nil)
		So(*completions, ShouldEqual, 1)

		modes.realtime = false
		modes.running = true
		e.StepComplete(nil)
		So(*completions, ShouldEqual, 2)
	})
}
