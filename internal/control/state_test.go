package control

import "testing"

func TestLegalTransitions(t *testing.T) {
	cases := []struct {
		from, to State
		want     bool
	}{
		{StateConnecting, StateAuthenticating, true},
		{StateConnecting, StateReady, false},
		{StateAuthenticating, StateReady, true},
		{StateAuthenticating, StateClosed, true},
		{StateReady, StateDraining, true},
		{StateDraining, StateReady, true},
		{StateDraining, StateClosed, true},
		{StateReady, StateConnecting, false},
		{StateClosed, StateReady, false},
	}
	for _, c := range cases {
		got := c.from.canTransitionTo(c.to)
		if got != c.want {
			t.Errorf("%s -> %s: got %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestStateString(t *testing.T) {
	if StateReady.String() != "ready" {
		t.Errorf("got %q", StateReady.String())
	}
}
