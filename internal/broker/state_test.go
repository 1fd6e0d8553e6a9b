package broker

import (
	"slices"
	"testing"
)

func TestTransitionHappyPath(t *testing.T) {
	steps := []struct {
		ev      Event
		want    State
		actions []Action
	}{
		{EventDial, Connecting, []Action{ActionDial}},
		{EventConnOpened, Connected, []Action{ActionOpenChannel}},
		{EventChannelOpened, Connected, []Action{ActionConsume}},
		{EventConsumeStarted, Consuming, []Action{ActionResetBackoff}},
	}
	s := Disconnected
	for _, st := range steps {
		next, actions := Transition(s, st.ev)
		if next != st.want || !slices.Equal(actions, st.actions) {
			t.Fatalf("%s + %s = %s %v, want %s %v", s, st.ev, next, actions, st.want, st.actions)
		}
		s = next
	}
}

func TestTransitionFailuresAlwaysReconnect(t *testing.T) {
	cases := []struct {
		from State
		ev   Event
	}{
		{Connecting, EventConnFailed},
		{Connected, EventChannelFailed},
		{Connected, EventConsumeFailed},
		{Connected, EventChannelClosed},
		{Consuming, EventChannelClosed},
		{Connecting, EventConnClosed},
		{Connected, EventConnClosed},
		{Consuming, EventConnClosed},
	}
	for _, c := range cases {
		next, actions := Transition(c.from, c.ev)
		if next != Disconnected {
			t.Fatalf("%s + %s = %s, want DISCONNECTED", c.from, c.ev, next)
		}
		if len(actions) == 0 || actions[len(actions)-1] != ActionScheduleReconnect {
			t.Fatalf("%s + %s actions = %v, want trailing schedule_reconnect", c.from, c.ev, actions)
		}
	}
}

func TestTransitionConsumerCancelClosesChannel(t *testing.T) {
	next, actions := Transition(Consuming, EventConsumerCancelled)
	if next != Consuming || !slices.Equal(actions, []Action{ActionCloseChannel}) {
		t.Fatalf("cancel = %s %v", next, actions)
	}
	next, _ = Transition(next, EventChannelClosed)
	if next != Disconnected {
		t.Fatalf("after channel close = %s", next)
	}
}

func TestTransitionStopFromAnyState(t *testing.T) {
	for _, s := range []State{Disconnected, Connecting, Connected, Consuming} {
		next, actions := Transition(s, EventStop)
		if next != Closing || !slices.Equal(actions, []Action{ActionCloseChannel, ActionCloseConnection}) {
			t.Fatalf("%s + stop = %s %v", s, next, actions)
		}
	}
	if next, actions := Transition(Closing, EventStop); next != Closing || actions != nil {
		t.Fatalf("closing + stop = %s %v", next, actions)
	}
}

func TestTransitionClosingAbsorbsFailures(t *testing.T) {
	for _, ev := range []Event{EventChannelClosed, EventConnClosed, EventConsumerCancelled, EventConnFailed, EventDial} {
		next, actions := Transition(Closing, ev)
		if next != Closing || actions != nil {
			t.Fatalf("closing + %s = %s %v", ev, next, actions)
		}
	}
	if next, _ := Transition(Closing, EventClosed); next != Disconnected {
		t.Fatalf("closing + closed = %s", next)
	}
}

func TestTransitionIgnoresStaleEvents(t *testing.T) {
	for _, ev := range []Event{EventChannelClosed, EventConnClosed, EventConsumerCancelled, EventConsumeStarted} {
		next, actions := Transition(Disconnected, ev)
		if next != Disconnected || actions != nil {
			t.Fatalf("disconnected + %s = %s %v", ev, next, actions)
		}
	}
}

// Every reachable non-closing state must have a path back to Consuming
// using only client events, without Stop.
func TestTransitionNoDeadEnds(t *testing.T) {
	paths := map[State][]Event{
		Disconnected: {EventDial, EventConnOpened, EventChannelOpened, EventConsumeStarted},
		Connecting:   {EventConnOpened, EventChannelOpened, EventConsumeStarted},
		Connected:    {EventChannelOpened, EventConsumeStarted},
	}
	for from, path := range paths {
		s := from
		for _, ev := range path {
			s, _ = Transition(s, ev)
		}
		if s != Consuming {
			t.Fatalf("from %s ended in %s", from, s)
		}
	}
}
