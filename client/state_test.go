// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import "testing"

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
		{StateClosed, "closed"},
		{State(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestStateTransitions(t *testing.T) {
	sm := newStateManager()

	if sm.get() != StateDisconnected {
		t.Fatalf("expected initial state disconnected, got %s", sm.get())
	}
	if sm.transition(StateConnected, StateDisconnected) {
		t.Error("transition from wrong state should fail")
	}
	if !sm.transition(StateDisconnected, StateConnecting) {
		t.Error("disconnected -> connecting should succeed")
	}
	if !sm.transition(StateConnecting, StateConnected) {
		t.Error("connecting -> connected should succeed")
	}
	if !sm.isConnected() {
		t.Error("expected connected")
	}

	sm.set(StateClosed)
	if !sm.isClosed() || sm.isConnected() {
		t.Error("expected closed")
	}
}
