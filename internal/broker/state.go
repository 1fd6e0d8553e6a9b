package broker

// State is the connection lifecycle state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Consuming
	Closing
)

// States lists every state, in lifecycle order.
var States = []State{Disconnected, Connecting, Connected, Consuming, Closing}

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Consuming:
		return "CONSUMING"
	case Closing:
		return "CLOSING"
	default:
		return "UNKNOWN"
	}
}

// Event is something the broker client (or the manager itself) reports.
type Event int

const (
	EventDial Event = iota
	EventConnOpened
	EventConnFailed
	EventChannelOpened
	EventChannelFailed
	EventConsumeStarted
	EventConsumeFailed
	EventChannelClosed
	EventConnClosed
	EventConsumerCancelled
	EventStop
	EventClosed
)

func (e Event) String() string {
	switch e {
	case EventDial:
		return "dial"
	case EventConnOpened:
		return "conn_opened"
	case EventConnFailed:
		return "conn_failed"
	case EventChannelOpened:
		return "channel_opened"
	case EventChannelFailed:
		return "channel_failed"
	case EventConsumeStarted:
		return "consume_started"
	case EventConsumeFailed:
		return "consume_failed"
	case EventChannelClosed:
		return "channel_closed"
	case EventConnClosed:
		return "conn_closed"
	case EventConsumerCancelled:
		return "consumer_cancelled"
	case EventStop:
		return "stop"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Action is a side effect the manager performs after a transition.
type Action int

const (
	ActionDial Action = iota
	ActionOpenChannel
	ActionConsume
	ActionCloseChannel
	ActionCloseConnection
	ActionScheduleReconnect
	ActionResetBackoff
)

func (a Action) String() string {
	switch a {
	case ActionDial:
		return "dial"
	case ActionOpenChannel:
		return "open_channel"
	case ActionConsume:
		return "consume"
	case ActionCloseChannel:
		return "close_channel"
	case ActionCloseConnection:
		return "close_connection"
	case ActionScheduleReconnect:
		return "schedule_reconnect"
	case ActionResetBackoff:
		return "reset_backoff"
	default:
		return "unknown"
	}
}

// Transition is the lifecycle state machine. It is pure: the manager feeds it
// events and performs the returned actions in order.
//
// Every failure path ends in Disconnected with a scheduled reconnect, so the
// only way out of the connect loop is EventStop. Once Closing, failure events
// are absorbed until EventClosed.
func Transition(s State, e Event) (State, []Action) {
	if e == EventStop {
		if s == Closing {
			return Closing, nil
		}
		return Closing, []Action{ActionCloseChannel, ActionCloseConnection}
	}
	if s == Closing {
		if e == EventClosed {
			return Disconnected, nil
		}
		return Closing, nil
	}

	switch e {
	case EventDial:
		if s == Disconnected {
			return Connecting, []Action{ActionDial}
		}
	case EventConnOpened:
		if s == Connecting {
			return Connected, []Action{ActionOpenChannel}
		}
	case EventConnFailed:
		if s == Connecting {
			return Disconnected, []Action{ActionScheduleReconnect}
		}
	case EventChannelOpened:
		if s == Connected {
			return Connected, []Action{ActionConsume}
		}
	case EventChannelFailed, EventConsumeFailed:
		if s == Connected {
			return Disconnected, []Action{ActionCloseConnection, ActionScheduleReconnect}
		}
	case EventConsumeStarted:
		if s == Connected {
			return Consuming, []Action{ActionResetBackoff}
		}
	case EventConsumerCancelled:
		// Closing the channel surfaces as EventChannelClosed, which reconnects.
		if s == Connected || s == Consuming {
			return s, []Action{ActionCloseChannel}
		}
	case EventChannelClosed:
		if s == Connected || s == Consuming {
			return Disconnected, []Action{ActionCloseConnection, ActionScheduleReconnect}
		}
	case EventConnClosed:
		if s == Connecting || s == Connected || s == Consuming {
			return Disconnected, []Action{ActionCloseChannel, ActionCloseConnection, ActionScheduleReconnect}
		}
	}
	return s, nil
}
