package coord

import (
	"time"

	"github.com/rs/zerolog"
)

type StepState int

const (
	StateIdle StepState = iota
	StateArmed
)

// StepRequest is one protocol step: waveform parameters plus the
// minimum duration the applied channel state must be held. The channel
// state itself is snapshotted from the store at execution time.
type StepRequest struct {
	Voltage   float64
	Frequency float64
	Duration  time.Duration
}

// StepDevice is the slice of the device session the executor actuates.
type StepDevice interface {
	Connected() bool
	ChannelCount() int
	EnsureHVOutput() error
	ApplyChannelStates(states []byte) error
}

// WaveformGenerator applies waveform parameters. The coordinator's
// implementation also broadcasts each change so other waveform
// generating collaborators can react.
type WaveformGenerator interface {
	SetVoltage(volts float64) error
	SetFrequency(hz float64) error
}

// ModeFlags exposes the externally controlled execution mode.
type ModeFlags interface {
	Realtime() bool
	Running() bool
}

// StepExecutor drives one step at a time: IDLE -> ARMED while a
// duration timer is pending -> IDLE. Arming a new step always cancels
// the previous timer, so at most one step is ever in flight.
type StepExecutor struct {
	log      zerolog.Logger
	device   StepDevice
	waveform WaveformGenerator
	modes    ModeFlags
	store    *ChannelStates

	// Timer expiries are delivered through this channel so they are
	// handled on the owning loop rather than the timer goroutine.
	expiry chan<- uint64

	// OnComplete emits the step completion signal to the orchestrator.
	OnComplete func(result interface{})

	state      StepState
	generation uint64
	timer      *time.Timer
}

func NewStepExecutor(device StepDevice, waveform WaveformGenerator, modes ModeFlags,
	store *ChannelStates, expiry chan<- uint64, log zerolog.Logger) *StepExecutor {
	return &StepExecutor{
		log:      log.With().Str("component", "executor").Logger(),
		device:   device,
		waveform: waveform,
		modes:    modes,
		store:    store,
		expiry:   expiry,
	}
}

func (e *StepExecutor) State() StepState {
	return e.state
}

// RunStep executes one step. Any step still armed is abandoned first;
// its completion will never fire. Hardware actuation is skipped when no
// board is connected or neither realtime nor running mode is set.
func (e *StepExecutor) RunStep(req StepRequest) {
	e.CancelStep()

	if e.device.Connected() && (e.modes.Realtime() || e.modes.Running()) {
		snapshot := e.store.Snapshot(e.device.ChannelCount())

		if err := e.waveform.SetFrequency(req.Frequency); err != nil {
			e.log.Warn().Err(err).Float64("frequency", req.Frequency).
				Msg("unable to set frequency")
		}
		if err := e.waveform.SetVoltage(req.Voltage); err != nil {
			e.log.Warn().Err(err).Float64("voltage", req.Voltage).
				Msg("unable to set voltage")
		}

		if err := e.device.EnsureHVOutput(); err != nil {
			e.log.Warn().Err(err).Msg("unable to enable HV output")
		}

		if err := e.device.ApplyChannelStates(snapshot); err != nil {
			e.log.Error().Err(err).Msg("unable to push channel states to board")
		}
	}

	if e.modes.Running() {
		// Completion is deferred until the minimum duration elapses.
		e.arm(req.Duration)
		return
	}

	e.StepComplete(nil)
}

func (e *StepExecutor) arm(d time.Duration) {
	e.generation++
	gen := e.generation
	expiry := e.expiry

	e.state = StateArmed
	e.timer = time.AfterFunc(d, func() {
		expiry <- gen
	})
}

// CancelStep invalidates any armed timer. An expiry already in flight
// is discarded by its stale generation.
func (e *StepExecutor) CancelStep() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.generation++
	e.state = StateIdle
}

// OnTimerExpiry handles a delivered timer generation. Fires at most
// once per armed period; stale generations are no-ops.
func (e *StepExecutor) OnTimerExpiry(gen uint64) {
	if e.state != StateArmed || gen != e.generation {
		return
	}

	e.timer = nil
	e.state = StateIdle
	e.StepComplete(nil)
}

// StepComplete emits the completion signal, but only while an
// orchestrator is listening (running or realtime mode).
func (e *StepExecutor) StepComplete(result interface{}) {
	if !e.modes.Running() && !e.modes.Realtime() {
		return
	}
	if e.OnComplete != nil {
		e.OnComplete(result)
	}
}
