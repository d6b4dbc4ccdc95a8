package coord

import (
	"github.com/rs/zerolog"

	"github.com/sci-bots/dropctl/bus"
)

const (
	SourceElectrodeController = "microdrop.electrode_controller_plugin"
	MsgTypeExecuteReply       = "execute_reply"

	CmdSetElectrodeState  = "set_electrode_state"
	CmdSetElectrodeStates = "set_electrode_states"
	CmdGetChannelStates   = "get_channel_states"
)

// BusNode is the slice of the bus endpoint the router polls.
type BusNode interface {
	RecvCommand() (parts [][]byte, ok bool, err error)
	ReplyCommand(parts [][]byte) error
	RecvSubscribe() (f bus.Frame, ok bool, err error)
}

// CommandHandler produces the synchronous reply for a command frame.
type CommandHandler func(parts [][]byte) (reply [][]byte)

type electrodeStateData struct {
	ActuatedArea  float64                `json:"actuated_area"`
	ChannelStates map[string]interface{} `json:"channel_states"`
}

// Router decodes inbound hub traffic and reconciles electrode state
// updates into the channel state store. One bad message must never halt
// the polling loop; every decode or merge failure is logged and the
// next cycle proceeds.
type Router struct {
	log   zerolog.Logger
	node  BusNode
	store *ChannelStates

	// Handler dispatches command-channel requests. Optional; without
	// one the frame is echoed back as the reply.
	Handler CommandHandler

	// OnStatesUpdated fires after a successful merge. fullRefresh is
	// true for get_channel_states handling.
	OnStatesUpdated func(fullRefresh bool)

	actuatedArea float64
	mostRecent   []byte
}

func NewRouter(node BusNode, store *ChannelStates, log zerolog.Logger) *Router {
	return &Router{
		log:   log.With().Str("component", "router").Logger(),
		node:  node,
		store: store,
	}
}

// CheckSockets runs one poll cycle over the command and subscribe
// sockets. Called on the coordinator's polling cadence; an empty poll
// on either socket is the expected idle case.
func (r *Router) CheckSockets() {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().Interface("panic", rec).Msg("recovered while processing bus message")
		}
	}()

	r.checkCommand()
	r.checkSubscribe()
}

func (r *Router) checkCommand() {
	parts, ok, err := r.node.RecvCommand()
	if err != nil {
		r.log.Error().Err(err).Msg("error receiving on command socket")
		return
	}
	if !ok {
		return
	}

	reply := parts
	if r.Handler != nil {
		reply = r.Handler(parts)
	}
	if err := r.node.ReplyCommand(reply); err != nil {
		r.log.Error().Err(err).Msg("error replying on command socket")
	}
}

func (r *Router) checkSubscribe() {
	frame, ok, err := r.node.RecvSubscribe()
	if err != nil {
		r.log.Error().Err(DecodeError{Stage: "subscribe frame", Err: err}).
			Msg("error processing message from subscribe socket")
		return
	}
	if !ok {
		return
	}

	if frame.Source != SourceElectrodeController || frame.MsgType != MsgTypeExecuteReply {
		// Retained verbatim for inspection; not merged into state.
		r.mostRecent = frame.Payload
		return
	}

	msg, err := bus.DecodeMessage(frame.Payload)
	if err != nil {
		r.log.Error().Err(DecodeError{Stage: "execute_reply payload", Err: err}).
			Msg("error processing message from subscribe socket")
		return
	}

	switch msg.Content.Command {
	case CmdSetElectrodeState, CmdSetElectrodeStates:
		r.applyStates(msg, false)

	case CmdGetChannelStates:
		// Full refresh: the reply carries the complete state, so the
		// store is cleared before merging.
		r.applyStates(msg, true)

	default:
		// Other electrode controller replies carry no state for us.
	}
}

func (r *Router) applyStates(msg bus.Message, fullRefresh bool) {
	var data electrodeStateData
	if err := msg.DecodeData(&data); err != nil {
		r.log.Error().Err(DecodeError{Stage: "channel state data", Err: err}).
			Msg("error processing message from subscribe socket")
		return
	}

	r.actuatedArea = data.ActuatedArea

	if fullRefresh {
		r.store.Reset()
	}

	if err := r.store.MergeRaw(data.ChannelStates); err != nil {
		r.log.Error().Err(err).Msg("discarding incompatible channel state update")
		return
	}

	if r.OnStatesUpdated != nil {
		r.OnStatesUpdated(fullRefresh)
	}
}

// ActuatedArea is the most recently reported actuated electrode area.
func (r *Router) ActuatedArea() float64 {
	return r.actuatedArea
}

// MostRecent returns the latest unrecognized subscribe payload.
func (r *Router) MostRecent() []byte {
	return r.mostRecent
}
