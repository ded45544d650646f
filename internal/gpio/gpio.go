// Package gpio defines the pin-level capability the sensor sources are
// built against. Hardware drivers live out of tree and implement
// [Chip]; the in-tree [MemChip] backs tests and development runs.
package gpio

import (
	"fmt"
	"sync"
)

// Mode is the pin numbering scheme. It is fixed at startup and applies
// uniformly to every configured pin.
type Mode string

const (
	// ModeBCM numbers pins by the Broadcom channel.
	ModeBCM Mode = "BCM"
	// ModePHY numbers pins by the physical header position.
	ModePHY Mode = "PHY"
)

// ParseMode converts a config string to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "BCM":
		return ModeBCM, nil
	case "PHY":
		return ModePHY, nil
	default:
		return "", fmt.Errorf("unknown gpio mode %q (valid: BCM, PHY)", s)
	}
}

// EdgeFunc is called when a rising edge is detected on a registered
// pin. It runs on the driver's interrupt goroutine and must not block.
type EdgeFunc func(pin int)

// Chip is the GPIO capability. Implementations own pin-mode
// configuration and bus I/O.
type Chip interface {
	// ReadLevel returns the current level of a pin.
	ReadLevel(pin int) (bool, error)

	// OnEdge registers a rising-edge callback for a pin. At most one
	// callback per pin; a second registration replaces the first.
	OnEdge(pin int, fn EdgeFunc) error

	// Close releases the chip. Edge callbacks stop firing afterwards.
	Close() error
}

// MemChip is an in-memory Chip for tests and development. Levels are
// set with SetLevel and edges are injected with FireEdge.
type MemChip struct {
	mode Mode

	mu        sync.Mutex
	levels    map[int]bool
	callbacks map[int]EdgeFunc
	closed    bool
}

// NewMemChip creates an in-memory chip. All pins read low until set.
func NewMemChip(mode Mode) *MemChip {
	return &MemChip{
		mode:      mode,
		levels:    make(map[int]bool),
		callbacks: make(map[int]EdgeFunc),
	}
}

// Mode returns the numbering scheme the chip was opened with.
func (c *MemChip) Mode() Mode { return c.mode }

// ReadLevel returns the level previously set for the pin.
func (c *MemChip) ReadLevel(pin int) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, fmt.Errorf("gpio: chip closed")
	}
	return c.levels[pin], nil
}

// OnEdge registers the callback for the pin.
func (c *MemChip) OnEdge(pin int, fn EdgeFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("gpio: chip closed")
	}
	c.callbacks[pin] = fn
	return nil
}

// Close marks the chip closed; subsequent calls and edge injections fail.
func (c *MemChip) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// SetLevel sets the level a subsequent ReadLevel observes.
func (c *MemChip) SetLevel(pin int, high bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.levels[pin] = high
}

// FireEdge invokes the registered edge callback for the pin, if any.
// The callback runs synchronously on the caller's goroutine, matching
// the driver contract that callbacks must not block.
func (c *MemChip) FireEdge(pin int) {
	c.mu.Lock()
	fn := c.callbacks[pin]
	closed := c.closed
	c.mu.Unlock()

	if fn != nil && !closed {
		fn(pin)
	}
}
