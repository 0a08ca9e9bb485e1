package common

import (
	"errors"
	"sort"
	"strings"
	"sync"
)

var ErrModulePaused = errors.New("module paused")

// PauseView reports whether a named module is currently paused.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard rejects the call when the module is paused. A nil view means pausing
// is not configured and every module is treated as live.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

// Pauses is the mutable pause switchboard wired into the engines and exposed
// through the administrative interface.
type Pauses struct {
	mu     sync.RWMutex
	paused map[string]bool
}

// NewPauses constructs an empty switchboard with every module live.
func NewPauses() *Pauses {
	return &Pauses{paused: make(map[string]bool)}
}

// Set flips the pause switch for the named module.
func (p *Pauses) Set(module string, paused bool) {
	if p == nil {
		return
	}
	name := normaliseModule(module)
	if name == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if paused {
		p.paused[name] = true
		return
	}
	delete(p.paused, name)
}

// IsPaused implements PauseView.
func (p *Pauses) IsPaused(module string) bool {
	if p == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.paused[normaliseModule(module)]
}

// Snapshot lists the currently paused modules in stable order.
func (p *Pauses) Snapshot() []string {
	if p == nil {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.paused))
	for name := range p.paused {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func normaliseModule(module string) string {
	return strings.ToLower(strings.TrimSpace(module))
}
