// Package button abstracts the maintenance push button that moves the
// device out of its operational state.
package button

import (
	"bytes"
	"os"
	"sync"

	"github.com/tcc-grupo-4-pes/gse-fls/internal/common"
)

// Trigger reports a maintenance request. Pressed must consume the event:
// a single press yields exactly one true.
type Trigger interface {
	Pressed() bool
}

// ManualTrigger is a software button for bench use and tests.
type ManualTrigger struct {
	mu      sync.Mutex
	pending bool
}

// Press latches one maintenance request.
func (m *ManualTrigger) Press() {
	m.mu.Lock()
	m.pending = true
	m.mu.Unlock()
}

func (m *ManualTrigger) Pressed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.pending
	m.pending = false
	return p
}

// GPIOButton polls a sysfs GPIO value file and reports rising edges.
type GPIOButton struct {
	path      string
	activeLow bool
	last      bool
}

// NewGPIOButton watches the given exported GPIO value file, for example
// /sys/class/gpio/gpio17/value.
func NewGPIOButton(path string, activeLow bool) *GPIOButton {
	return &GPIOButton{path: path, activeLow: activeLow}
}

func (b *GPIOButton) Pressed() bool {
	raw, err := os.ReadFile(b.path)
	if err != nil {
		common.Logf("button: read %s: %v", b.path, err)
		return false
	}
	level := len(raw) > 0 && bytes.TrimSpace(raw)[0] == '1'
	if b.activeLow {
		level = !level
	}
	edge := level && !b.last
	b.last = level
	return edge
}
