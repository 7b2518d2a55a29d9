// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package exchange

import (
	"errors"
	"fmt"
)

// Configuration errors.
var (
	ErrInvalidName  = errors.New("name cannot be empty")
	ErrInvalidMode  = errors.New("invalid exchange mode")
	ErrModeMismatch = errors.New("exchange already declared with a different mode")
)

// ConfigError is returned when a declaration or binding conflicts with the
// registry state. It is reported back to the declaring client.
type ConfigError struct {
	Exchange string
	Message  string
	Err      error
}

func (e *ConfigError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("exchange %q: %s", e.Exchange, e.Err)
	}
	return fmt.Sprintf("exchange %q: %s: %s", e.Exchange, e.Err, e.Message)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// RouteCode classifies routing failures.
type RouteCode int

// Routing failure codes.
const (
	UnknownExchange RouteCode = iota + 1
	NoMatchingBinding
)

func (c RouteCode) String() string {
	switch c {
	case UnknownExchange:
		return "unknown exchange"
	case NoMatchingBinding:
		return "no matching binding"
	default:
		return fmt.Sprintf("route code(%d)", int(c))
	}
}

// Sentinel routing errors, matched with errors.Is by code.
var (
	ErrUnknownExchange   = &RouteError{Code: UnknownExchange}
	ErrNoMatchingBinding = &RouteError{Code: NoMatchingBinding}
)

// RouteError describes why a payload could not be routed.
type RouteError struct {
	Code     RouteCode
	Exchange string
	Key      string
}

func (e *RouteError) Error() string {
	return fmt.Sprintf("route: %s: exchange %q key %q", e.Code, e.Exchange, e.Key)
}

// Is reports whether target is a RouteError with the same code.
func (e *RouteError) Is(target error) bool {
	t, ok := target.(*RouteError)
	return ok && t.Code == e.Code
}
