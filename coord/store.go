package coord

import (
	"sort"
	"strconv"
)

// ChannelStates is the authoritative sparse mapping of channel index to
// actuation state. Absent channels are implicitly off. Owned exclusively
// by the coordinator loop.
type ChannelStates struct {
	states map[int]bool
}

func NewChannelStates() *ChannelStates {
	return &ChannelStates{states: make(map[int]bool)}
}

// Merge combines update into the store. Updated channels win on
// conflict; channels only present in the store survive untouched.
func (cs *ChannelStates) Merge(update map[int]bool) {
	for channel, state := range update {
		cs.states[channel] = state
	}
}

// MergeRaw validates and merges a decoded JSON channel_states object.
// Keys must parse as non-negative channel indices and values must
// coerce to booleans. Validation is all-or-nothing: on any bad entry the
// store is left unchanged and a MergeError carrying both the update and
// the prior state is returned.
func (cs *ChannelStates) MergeRaw(raw map[string]interface{}) error {
	staged := make(map[int]bool, len(raw))

	for key, value := range raw {
		channel, err := strconv.Atoi(key)
		if err != nil || channel < 0 {
			return MergeError{
				Update: raw,
				Prior:  cs.Sparse(),
				Reason: "invalid channel index '" + key + "'",
			}
		}

		state, ok := coerceState(value)
		if !ok {
			return MergeError{
				Update: raw,
				Prior:  cs.Sparse(),
				Reason: "invalid state for channel " + key,
			}
		}
		staged[channel] = state
	}

	cs.Merge(staged)
	return nil
}

func coerceState(value interface{}) (state, ok bool) {
	switch v := value.(type) {
	case bool:
		return v, true
	case float64:
		return v != 0, true
	case int:
		return v != 0, true
	}
	return false, false
}

// Reset clears the store to empty.
func (cs *ChannelStates) Reset() {
	cs.states = make(map[int]bool)
}

// Snapshot produces a dense array of length max with one entry per
// channel, defaulting to off. Channels at or beyond max are ignored
// rather than rejected at merge time; the device simply has no output
// line for them.
func (cs *ChannelStates) Snapshot(max int) []byte {
	dense := make([]byte, max)
	for channel, state := range cs.states {
		if channel >= max {
			continue
		}
		if state {
			dense[channel] = 1
		}
	}
	return dense
}

// Sparse returns a copy of the current sparse state.
func (cs *ChannelStates) Sparse() map[int]bool {
	out := make(map[int]bool, len(cs.states))
	for channel, state := range cs.states {
		out[channel] = state
	}
	return out
}

func (cs *ChannelStates) Get(channel int) bool {
	return cs.states[channel]
}

func (cs *ChannelStates) Len() int {
	return len(cs.states)
}

// MaxChannel returns the highest channel index present, or -1 when the
// store is empty.
func (cs *ChannelStates) MaxChannel() int {
	max := -1
	for channel := range cs.states {
		if channel > max {
			max = channel
		}
	}
	return max
}

// Active lists the channels currently on, in ascending order.
func (cs *ChannelStates) Active() []int {
	var active []int
	for channel, state := range cs.states {
		if state {
			active = append(active, channel)
		}
	}
	sort.Ints(active)
	return active
}
