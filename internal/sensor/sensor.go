// Package sensor provides implementations of the recorder's
// edge-detection collaborator contract.
//
// Hardware drivers (GPIO character device, lgpio, vendor SDKs) live
// out-of-tree and implement recorder.Sensor themselves. This package
// carries the implementations the monitor itself needs: a simulated
// line for tests and manual triggering, and a disconnected line that
// reports the hardware as unavailable.
package sensor

import (
	"errors"
	"sync"
	"time"
)

// Sim is a software sensor line. Rise and Fall drive level transitions
// by hand; the subscribed callback fires synchronously on each
// transition that survives the debounce window, mirroring how a
// hardware driver suppresses contact bounce below its bouncetime.
type Sim struct {
	mu             sync.Mutex
	level          int
	onTransition   func()
	debounce       time.Duration
	lastTransition time.Time
}

// NewSim creates a simulated line, initially low. A zero debounce
// disables suppression.
func NewSim(debounce time.Duration) *Sim {
	return &Sim{debounce: debounce}
}

// CurrentLevel reports the line level, 0 or 1.
func (s *Sim) CurrentLevel() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.level, nil
}

// Subscribe arms the callback for level transitions.
func (s *Sim) Subscribe(onTransition func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTransition = onTransition
	return nil
}

// Unsubscribe disarms the callback. Safe to call when not subscribed.
func (s *Sim) Unsubscribe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTransition = nil
	return nil
}

// Rise drives the line high.
func (s *Sim) Rise() {
	s.transition(1)
}

// Fall drives the line low.
func (s *Sim) Fall() {
	s.transition(0)
}

// Pulse drives one full high/low cycle.
func (s *Sim) Pulse() {
	s.Rise()
	s.Fall()
}

func (s *Sim) transition(level int) {
	s.mu.Lock()
	now := time.Now()
	if s.debounce > 0 && now.Sub(s.lastTransition) < s.debounce {
		s.mu.Unlock()
		return
	}
	s.lastTransition = now
	s.level = level
	cb := s.onTransition
	s.mu.Unlock()

	if cb != nil {
		cb()
	}
}

// Disconnected is a sensor with no hardware behind it. Subscribing
// always fails, so starting a monitor against it surfaces the
// hardware-unavailable error path.
type Disconnected struct{}

// ErrNoHardware is returned by Disconnected on every arm attempt.
var ErrNoHardware = errors.New("no edge-detection hardware present")

func (Disconnected) CurrentLevel() (int, error) { return 0, ErrNoHardware }
func (Disconnected) Subscribe(func()) error     { return ErrNoHardware }
func (Disconnected) Unsubscribe() error         { return nil }
