package coord

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	deverrors "github.com/sci-bots/dropctl/device/errors"
)

// Outbound hub signal topics.
const (
	SignalRunningState = "send-running-state"
	SignalStats        = "set-stats"
	SignalVoltage      = "set-voltage"
	SignalFrequency    = "set-frequency"
	SignalCapacitance  = "set-capacitance"
	SignalSchema       = "put-schema"
	SignalStepComplete = "on-step-complete"
)

// POLL_INTERVAL is the cadence for servicing the hub sockets. Serial
// exchanges with the board block the loop, so they must stay fast
// relative to this.
const POLL_INTERVAL = 10 * time.Millisecond

// Bus is the hub endpoint surface the coordinator drives.
type Bus interface {
	BusNode
	Publish(topic string, payload interface{}) error
}

// DeviceSession is the control board session surface.
type DeviceSession interface {
	StepDevice
	Connect(preferred string) error
	VerifyIdentity() error
	Disconnect()
	Port() string
	Status() string
	SetVoltage(volts float64) error
	SetFrequency(hz float64) error
	DisableHVOutput() error
	MeasureVoltage() (float64, error)
	MeasureCapacitance() (float64, error)
}

// Settings is the persisted configuration collaborator.
type Settings interface {
	PreferredPort() string
	SetPreferredPort(port string) error
	DefaultStep() StepRequest
}

// ScheduleRequest declares that handler dispatch for First must run
// before Second. Consumed by the host orchestrator.
type ScheduleRequest struct {
	First  string
	Second string
}

// Coordinator owns the channel state store, the device session and the
// step executor, funnelling all mutation through a single loop. Code
// on other goroutines submits work with Do or Call.
type Coordinator struct {
	name string
	log  zerolog.Logger

	store    *ChannelStates
	router   *Router
	executor *StepExecutor
	session  DeviceSession
	bus      Bus
	settings Settings

	// Prompt is the firmware mismatch decision point. Returning true
	// records that the operator accepted a reflash; the transfer
	// itself is handled by an external collaborator.
	Prompt func(host, remote string) bool

	// OnStatus receives connection status updates for UI surfaces.
	OnStatus func(status string)

	realtime bool
	running  bool
	current  StepRequest

	timerC chan uint64
	doC    chan func()
}

func NewCoordinator(name string, b Bus, session DeviceSession, settings Settings,
	log zerolog.Logger) (c *Coordinator) {
	c = &Coordinator{
		name:     name,
		log:      log.With().Str("component", "coordinator").Logger(),
		store:    NewChannelStates(),
		session:  session,
		bus:      b,
		settings: settings,
		timerC:   make(chan uint64, 1),
		doC:      make(chan func(), 16),
	}

	c.current = settings.DefaultStep()

	c.router = NewRouter(b, c.store, log)
	c.router.OnStatesUpdated = c.onStatesUpdated

	c.executor = NewStepExecutor(session, c, c, c.store, c.timerC, log)
	c.executor.OnComplete = c.emitStepComplete

	return
}

func (c *Coordinator) Store() *ChannelStates {
	return c.store
}

func (c *Coordinator) Router() *Router {
	return c.router
}

func (c *Coordinator) Realtime() bool {
	return c.realtime
}

func (c *Coordinator) Running() bool {
	return c.running
}

func (c *Coordinator) Status() string {
	return c.session.Status()
}

func (c *Coordinator) CurrentStep() StepRequest {
	return c.current
}

// Run services the hub sockets, the step timer and marshaled calls
// until ctx is cancelled. Everything the coordinator owns is mutated
// only from this goroutine.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(POLL_INTERVAL)
	defer ticker.Stop()

	c.publishSchema()

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return

		case <-ticker.C:
			c.router.CheckSockets()

		case gen := <-c.timerC:
			c.executor.OnTimerExpiry(gen)

		case fn := <-c.doC:
			fn()
		}
	}
}

// Do schedules fn onto the coordinator loop and returns immediately.
func (c *Coordinator) Do(fn func()) {
	c.doC <- fn
}

// Call runs fn on the coordinator loop and waits for it to finish.
func (c *Coordinator) Call(fn func()) {
	done := make(chan struct{})
	c.doC <- func() {
		fn()
		close(done)
	}
	<-done
}

func (c *Coordinator) shutdown() {
	c.executor.CancelStep()
	if c.session.Connected() {
		c.session.DisableHVOutput()
		c.session.Disconnect()
	}
	c.updateStatus()
}

//---
// Connection management
//---

// ConnectAndVerify establishes a board session on the persisted
// preferred transport (falling back across the others), records the
// transport that won for future attempts, and checks device identity
// and firmware compatibility. A firmware version mismatch is surfaced
// through Prompt but leaves the session open.
func (c *Coordinator) ConnectAndVerify() error {
	if err := c.session.Connect(c.settings.PreferredPort()); err != nil {
		c.log.Warn().Err(err).Msg("unable to connect to control board")
		c.updateStatus()
		return err
	}

	if port := c.session.Port(); port != c.settings.PreferredPort() {
		if err := c.settings.SetPreferredPort(port); err != nil {
			c.log.Warn().Err(err).Msg("unable to persist preferred port")
		}
	}

	if err := c.session.VerifyIdentity(); err != nil {
		var mismatch deverrors.VersionMismatchError
		if errors.As(err, &mismatch) {
			c.log.Warn().Msg(mismatch.Error())
			if c.Prompt != nil && c.Prompt(mismatch.Host, mismatch.Remote) {
				// Reflash mechanics are an external concern; the
				// decision is recorded for the collaborator to act on.
				c.log.Info().Msg("firmware update accepted")
			}
		} else {
			c.updateStatus()
			return err
		}
	}

	c.updateStatus()
	return nil
}

func (c *Coordinator) Disconnect() {
	c.executor.CancelStep()
	c.session.Disconnect()
	c.updateStatus()
}

// ApplySettings reconnects when the persisted preferred transport no
// longer matches the open session.
func (c *Coordinator) ApplySettings() {
	port := c.settings.PreferredPort()
	if c.session.Connected() && len(port) > 0 && c.session.Port() != port {
		c.ConnectAndVerify()
	}
}

func (c *Coordinator) updateStatus() {
	status := c.session.Status()
	if c.session.Connected() {
		c.bus.Publish(SignalStats, map[string]interface{}{
			"pluginName": c.name,
			"status":     status,
		})
	}
	if c.OnStatus != nil {
		c.OnStatus(status)
	}
}

//---
// Mode flags
//---

func (c *Coordinator) SetRealtime(on bool) {
	c.realtime = on
	c.applyModePolicy()
}

// StartProtocol marks a timed protocol as running. maxChannel is the
// highest channel the protocol addresses; a board with fewer channels
// is warned about but not rejected.
func (c *Coordinator) StartProtocol(maxChannel int) {
	if !c.session.Connected() {
		c.log.Warn().Msg("no control board connected")
	} else if c.session.ChannelCount() <= maxChannel {
		c.log.Warn().Int("channels", c.session.ChannelCount()).
			Int("max_channel", maxChannel).
			Msg("currently connected board does not have enough channels for this protocol")
	}

	c.running = true
	c.publishRunningState()
}

// PauseProtocol abandons any armed step and drops out of running mode.
func (c *Coordinator) PauseProtocol() {
	c.executor.CancelStep()
	c.running = false
	c.applyModePolicy()
	c.publishRunningState()
}

// applyModePolicy turns off all electrodes once neither realtime nor
// running mode is active.
func (c *Coordinator) applyModePolicy() {
	if c.session.Connected() && !c.realtime && !c.running {
		c.log.Info().Msg("turning off all electrodes")
		if err := c.session.DisableHVOutput(); err != nil {
			c.log.Warn().Err(err).Msg("unable to disable HV output")
		}
	}
}

func (c *Coordinator) publishRunningState() {
	c.bus.Publish(SignalRunningState, map[string]interface{}{
		"pluginName": c.name,
		"running":    c.running,
	})
}

//---
// Step execution
//---

// SetStepOptions records the step parameters to apply on subsequent
// runs. Outside of a running protocol the step is re-run immediately so
// realtime previews pick up the change.
func (c *Coordinator) SetStepOptions(req StepRequest) {
	c.current = req
	if !c.running {
		c.executor.RunStep(c.current)
	}
}

// RunStep executes req as the current step.
func (c *Coordinator) RunStep(req StepRequest) {
	c.current = req
	c.executor.RunStep(req)
}

// RunCurrentStep re-executes the most recent step parameters.
func (c *Coordinator) RunCurrentStep() {
	c.executor.RunStep(c.current)
}

func (c *Coordinator) emitStepComplete(result interface{}) {
	c.bus.Publish(SignalStepComplete, map[string]interface{}{
		"pluginName":   c.name,
		"return_value": result,
	})
}

// onStatesUpdated fires after the router merged a channel state update.
// With a board attached in realtime or running mode the new state is
// actuated immediately.
func (c *Coordinator) onStatesUpdated(fullRefresh bool) {
	if c.session.Connected() && (c.realtime || c.running) {
		c.executor.RunStep(c.current)
	}
	c.readCapacitance()
}

func (c *Coordinator) readCapacitance() {
	if !c.session.Connected() {
		return
	}

	capacitance, err := c.session.MeasureCapacitance()
	if err != nil {
		c.log.Warn().Err(err).Msg("unable to measure capacitance")
		return
	}

	c.bus.Publish(SignalCapacitance, map[string]interface{}{
		"pluginName":  c.name,
		"capacitance": capacitance,
	})
}

//---
// Waveform generation
//---

// SetVoltage applies the waveform voltage and broadcasts the change so
// other waveform generating collaborators can react.
func (c *Coordinator) SetVoltage(volts float64) error {
	if err := c.session.SetVoltage(volts); err != nil {
		return err
	}

	c.bus.Publish(SignalVoltage, map[string]interface{}{
		"pluginName": c.name,
		"voltage":    volts,
	})
	return nil
}

// SetFrequency applies the waveform frequency and broadcasts the
// change.
func (c *Coordinator) SetFrequency(hz float64) error {
	if err := c.session.SetFrequency(hz); err != nil {
		return err
	}

	c.bus.Publish(SignalFrequency, map[string]interface{}{
		"pluginName": c.name,
		"frequency":  hz,
	})
	return nil
}

//---
// Host orchestrator integration
//---

// publishSchema announces the step form shape so the schema model can
// render and validate step options.
func (c *Coordinator) publishSchema() {
	def := c.settings.DefaultStep()

	c.bus.Publish(SignalSchema, map[string]interface{}{
		"pluginName": c.name,
		"schema": map[string]interface{}{
			"duration": map[string]interface{}{
				"type": "integer", "unit": "ms", "minimum": 0,
				"default": int(def.Duration / time.Millisecond),
			},
			"voltage": map[string]interface{}{
				"type": "number", "unit": "V", "minimum": 0,
				"default": def.Voltage,
			},
			"frequency": map[string]interface{}{
				"type": "number", "unit": "Hz", "minimum": 0,
				"default": def.Frequency,
			},
		},
	})
}

// ScheduleRequests declares handler ordering constraints for the host
// orchestrator.
func (c *Coordinator) ScheduleRequests(handler string) []ScheduleRequest {
	switch handler {
	case "on_step_options_changed":
		return []ScheduleRequest{
			{First: c.name, Second: "protocol_grid_controller"},
			{First: c.name, Second: "protocol_controller"},
		}
	case "on_step_run":
		return []ScheduleRequest{
			{First: "droplet_planning_plugin", Second: c.name},
		}
	case "on_app_exit":
		return []ScheduleRequest{
			{First: "experiment_log_controller", Second: c.name},
		}
	}
	return nil
}
