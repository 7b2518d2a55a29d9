// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import "sync/atomic"

// State is the lifecycle stage of a client connection.
type State uint32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosed
)

var stateNames = [...]string{
	StateDisconnected: "disconnected",
	StateConnecting:   "connecting",
	StateConnected:    "connected",
	StateClosed:       "closed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// stateManager holds the current State. Closed is terminal: once set, no
// transition leaves it.
type stateManager struct {
	v atomic.Uint32
}

func newStateManager() *stateManager {
	return new(stateManager)
}

func (sm *stateManager) get() State { return State(sm.v.Load()) }
func (sm *stateManager) set(s State) { sm.v.Store(uint32(s)) }
func (sm *stateManager) isConnected() bool { return sm.get() == StateConnected }
func (sm *stateManager) isClosed() bool { return sm.get() == StateClosed }

// transition moves from -> to and reports whether the current state was from.
func (sm *stateManager) transition(from, to State) bool {
	return sm.v.CompareAndSwap(uint32(from), uint32(to))
}
