// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package exchange

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Mode is the routing mode of an exchange.
type Mode uint8

// Routing modes.
const (
	Fanout Mode = iota + 1
	Direct
)

// ParseMode parses "fanout" or "direct".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "fanout":
		return Fanout, nil
	case "direct":
		return Direct, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

func (m Mode) String() string {
	switch m {
	case Fanout:
		return "fanout"
	case Direct:
		return "direct"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(b []byte) error {
	v, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

func (m Mode) valid() bool {
	return m == Fanout || m == Direct
}

// Binding associates a queue with an exchange. Key is ignored by fanout
// exchanges.
type Binding struct {
	Queue string `json:"queue"`
	Key   string `json:"key,omitempty"`
}

// Info is a snapshot of one exchange.
type Info struct {
	Name     string    `json:"name"`
	Mode     Mode      `json:"mode"`
	Bindings []Binding `json:"bindings"`
}

type exchange struct {
	mode     Mode
	bindings []Binding
	index    map[Binding]struct{}
}

// Registry maps exchange names to their mode and bindings.
type Registry struct {
	mu        sync.RWMutex
	exchanges map[string]*exchange
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		exchanges: make(map[string]*exchange),
	}
}

// Declare creates the exchange. Redeclaring with the same mode is a no-op;
// created reports whether the exchange is new.
func (r *Registry) Declare(name string, mode Mode) (created bool, err error) {
	if name == "" {
		return false, &ConfigError{Exchange: name, Err: ErrInvalidName}
	}
	if !mode.valid() {
		return false, &ConfigError{Exchange: name, Message: mode.String(), Err: ErrInvalidMode}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if ex, ok := r.exchanges[name]; ok {
		if ex.mode != mode {
			return false, &ConfigError{
				Exchange: name,
				Message:  fmt.Sprintf("declared %s, requested %s", ex.mode, mode),
				Err:      ErrModeMismatch,
			}
		}
		return false, nil
	}

	r.exchanges[name] = &exchange{
		mode:  mode,
		index: make(map[Binding]struct{}),
	}
	return true, nil
}

// Bind adds a binding. Identical bindings collapse; added reports whether the
// binding is new.
func (r *Registry) Bind(name, queue, key string) (added bool, err error) {
	if queue == "" {
		return false, &ConfigError{Exchange: name, Message: "queue", Err: ErrInvalidName}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ex, ok := r.exchanges[name]
	if !ok {
		return false, &RouteError{Code: UnknownExchange, Exchange: name, Key: key}
	}
	b := Binding{Queue: queue, Key: key}
	if _, ok := ex.index[b]; ok {
		return false, nil
	}
	ex.index[b] = struct{}{}
	ex.bindings = append(ex.bindings, b)
	return true, nil
}

// Unbind removes a binding; removed reports whether it existed.
func (r *Registry) Unbind(name, queue, key string) (removed bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ex, ok := r.exchanges[name]
	if !ok {
		return false, &RouteError{Code: UnknownExchange, Exchange: name, Key: key}
	}
	b := Binding{Queue: queue, Key: key}
	if _, ok := ex.index[b]; !ok {
		return false, nil
	}
	delete(ex.index, b)
	filtered := ex.bindings[:0]
	for _, eb := range ex.bindings {
		if eb != b {
			filtered = append(filtered, eb)
		}
	}
	ex.bindings = filtered
	return true, nil
}

// Route resolves the queues a payload published to the exchange with the
// given routing key must reach. The empty exchange name is the default
// exchange, which routes to the queue named by the key. A nil slice with a
// nil error means nothing matched.
func (r *Registry) Route(name, key string) ([]string, error) {
	if name == "" {
		if key == "" {
			return nil, nil
		}
		return []string{key}, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	ex, ok := r.exchanges[name]
	if !ok {
		return nil, &RouteError{Code: UnknownExchange, Exchange: name, Key: key}
	}

	var queues []string
	seen := make(map[string]struct{}, len(ex.bindings))
	for _, b := range ex.bindings {
		if !matches(ex.mode, b.Key, key) {
			continue
		}
		if _, dup := seen[b.Queue]; dup {
			continue
		}
		seen[b.Queue] = struct{}{}
		queues = append(queues, b.Queue)
	}
	return queues, nil
}

func matches(mode Mode, bindingKey, routingKey string) bool {
	switch mode {
	case Fanout:
		return true
	case Direct:
		return routingKey != "" && bindingKey == routingKey
	default:
		return false
	}
}

// Mode returns the mode of a declared exchange.
func (r *Registry) Mode(name string) (Mode, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ex, ok := r.exchanges[name]
	if !ok {
		return 0, false
	}
	return ex.mode, true
}

// Exchanges returns a snapshot of every exchange sorted by name.
func (r *Registry) Exchanges() []Info {
	r.mu.RLock()
	infos := make([]Info, 0, len(r.exchanges))
	for name, ex := range r.exchanges {
		infos = append(infos, Info{
			Name:     name,
			Mode:     ex.mode,
			Bindings: append([]Binding(nil), ex.bindings...),
		})
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}
