// Package endstop provides limit switch inputs. A switch reports its pin
// level; polarity handling ($5) belongs to the limits package.
package endstop

import (
	"errors"
	"sync"
	"time"

	"github.com/sabbiolino80/Grbl-Esp32/pkg/vecmath"
)

// Common errors
var (
	ErrNoQuery = errors.New("endstop: no query callback set")
)

// EndstopState represents the physical state of a switch.
type EndstopState int

const (
	StateOpen EndstopState = iota
	StateTriggered
	StateUnknown
)

func (s EndstopState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateTriggered:
		return "triggered"
	default:
		return "unknown"
	}
}

// Endstop represents a single limit switch.
type Endstop struct {
	mu sync.RWMutex

	// Configuration
	name           string
	pin            string
	axis           int
	normallyClosed bool

	// State
	state       EndstopState
	lastTrigger time.Time

	onTrigger  func(axis int)
	queryState func() (bool, error)
}

// EndstopConfig holds configuration for an endstop.
type EndstopConfig struct {
	Name string
	Pin  string
	Axis int
	// NormallyClosed switches drive the pin high when triggered; normally
	// open ones pull it low.
	NormallyClosed bool
}

// DefaultEndstopConfig returns a normally closed switch on X.
func DefaultEndstopConfig() EndstopConfig {
	return EndstopConfig{
		Name:           "endstop",
		NormallyClosed: true,
	}
}

// New creates a new endstop.
func New(cfg EndstopConfig) *Endstop {
	return &Endstop{
		name:           cfg.Name,
		pin:            cfg.Pin,
		axis:           cfg.Axis,
		normallyClosed: cfg.NormallyClosed,
		state:          StateUnknown,
	}
}

// SetQueryCallback sets the callback reporting whether the switch is pressed.
func (e *Endstop) SetQueryCallback(fn func() (bool, error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queryState = fn
}

// SetTriggerCallback sets the callback run when a query sees the switch
// go from open to triggered.
func (e *Endstop) SetTriggerCallback(fn func(axis int)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onTrigger = fn
}

// Query samples the switch.
func (e *Endstop) Query() (EndstopState, error) {
	e.mu.RLock()
	query := e.queryState
	e.mu.RUnlock()

	if query == nil {
		return StateUnknown, ErrNoQuery
	}
	triggered, err := query()
	if err != nil {
		return StateUnknown, err
	}

	e.mu.Lock()
	prev := e.state
	if triggered {
		e.state = StateTriggered
	} else {
		e.state = StateOpen
	}
	state := e.state
	var callback func(int)
	if state == StateTriggered && prev != StateTriggered {
		e.lastTrigger = time.Now()
		callback = e.onTrigger
	}
	e.mu.Unlock()

	if callback != nil {
		callback(e.axis)
	}
	return state, nil
}

// Level samples the switch and returns its pin level.
func (e *Endstop) Level() (bool, error) {
	state, err := e.Query()
	if err != nil {
		return false, err
	}
	return (state == StateTriggered) == e.normallyClosed, nil
}

// GetState returns the last known state.
func (e *Endstop) GetState() EndstopState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *Endstop) GetName() string { return e.name }
func (e *Endstop) Axis() int       { return e.axis }

// IsTriggered returns true if the last query saw the switch pressed.
func (e *Endstop) IsTriggered() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state == StateTriggered
}

// Status holds endstop status information.
type Status struct {
	Name        string    `json:"name"`
	Pin         string    `json:"pin"`
	Axis        int       `json:"axis"`
	State       string    `json:"state"`
	IsTriggered bool      `json:"triggered"`
	LastTrigger time.Time `json:"last_trigger"`
}

// GetStatus returns the current endstop status.
func (e *Endstop) GetStatus() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return Status{
		Name:        e.name,
		Pin:         e.pin,
		Axis:        e.axis,
		State:       e.state.String(),
		IsTriggered: e.state == StateTriggered,
		LastTrigger: e.lastTrigger,
	}
}

// PositionSource reports the physical carriage position in millimeters.
// It is unaffected by homing, which only rewrites machine coordinates.
type PositionSource interface {
	PhysicalPosition() [vecmath.NAxis]float64
}

// Virtual is a simulated switch mounted at a fixed physical position. It is
// pressed while the carriage is at or beyond the mount point, measured away
// from the physical origin.
type Virtual struct {
	Axis     int
	Position float64
	Source   PositionSource
}

// Pressed implements an Endstop query callback.
func (v Virtual) Pressed() (bool, error) {
	p := v.Source.PhysicalPosition()[v.Axis]
	if v.Position < 0 {
		return p <= v.Position, nil
	}
	return p >= v.Position, nil
}

// EndstopGroup holds one switch per axis.
type EndstopGroup struct {
	mu       sync.RWMutex
	name     string
	endstops []*Endstop
}

// NewEndstopGroup creates a new endstop group.
func NewEndstopGroup(name string) *EndstopGroup {
	return &EndstopGroup{
		name:     name,
		endstops: make([]*Endstop, 0),
	}
}

// Add adds an endstop to the group.
func (g *EndstopGroup) Add(e *Endstop) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.endstops = append(g.endstops, e)
}

// Endstops returns the group members.
func (g *EndstopGroup) Endstops() []*Endstop {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Endstop, len(g.endstops))
	copy(out, g.endstops)
	return out
}

// AnyTriggered returns true if any endstop in the group is triggered.
func (g *EndstopGroup) AnyTriggered() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, e := range g.endstops {
		if e.IsTriggered() {
			return true
		}
	}
	return false
}

// Levels samples every switch and returns the pin levels as an axis
// bitmask. A switch that cannot be read counts as low.
func (g *EndstopGroup) Levels() uint8 {
	var mask uint8
	for _, e := range g.Endstops() {
		high, err := e.Level()
		if err == nil && high {
			mask |= 1 << uint(e.axis)
		}
	}
	return mask
}

// QueryAll queries all endstops and returns any that are triggered.
func (g *EndstopGroup) QueryAll() ([]*Endstop, error) {
	var triggered []*Endstop
	for _, e := range g.Endstops() {
		state, err := e.Query()
		if err != nil {
			return nil, err
		}
		if state == StateTriggered {
			triggered = append(triggered, e)
		}
	}
	return triggered, nil
}
