package endstop

import (
	"errors"
	"testing"

	"github.com/sabbiolino80/Grbl-Esp32/pkg/vecmath"
)

type fakeCarriage struct{ pos [vecmath.NAxis]float64 }

func (f *fakeCarriage) PhysicalPosition() [vecmath.NAxis]float64 { return f.pos }

func TestDefaultEndstopConfig(t *testing.T) {
	cfg := DefaultEndstopConfig()

	if cfg.Name != "endstop" {
		t.Errorf("Name = %s, want endstop", cfg.Name)
	}
	if !cfg.NormallyClosed {
		t.Error("NormallyClosed should be true by default")
	}
}

func TestNew(t *testing.T) {
	cfg := DefaultEndstopConfig()
	cfg.Name = "limit_y"
	cfg.Pin = "GPIO4"
	cfg.Axis = 1

	e := New(cfg)

	if e.GetName() != "limit_y" {
		t.Errorf("Name = %s, want limit_y", e.GetName())
	}
	if st := e.GetStatus(); st.Pin != "GPIO4" {
		t.Errorf("Pin = %s, want GPIO4", st.Pin)
	}
	if e.Axis() != 1 {
		t.Errorf("Axis = %d, want 1", e.Axis())
	}
	if e.GetState() != StateUnknown {
		t.Errorf("Initial state = %s, want unknown", e.GetState())
	}
}

func TestEndstopStateString(t *testing.T) {
	tests := []struct {
		state    EndstopState
		expected string
	}{
		{StateOpen, "open"},
		{StateTriggered, "triggered"},
		{StateUnknown, "unknown"},
		{EndstopState(99), "unknown"},
	}

	for _, tt := range tests {
		if tt.state.String() != tt.expected {
			t.Errorf("State %d String() = %s, want %s", tt.state, tt.state.String(), tt.expected)
		}
	}
}

func TestQuery(t *testing.T) {
	e := New(DefaultEndstopConfig())

	state, err := e.Query()
	if !errors.Is(err, ErrNoQuery) {
		t.Errorf("Query without callback: err = %v, want ErrNoQuery", err)
	}
	if state != StateUnknown {
		t.Errorf("State = %s, want unknown", state)
	}

	pressed := false
	e.SetQueryCallback(func() (bool, error) { return pressed, nil })

	state, err = e.Query()
	if err != nil || state != StateOpen {
		t.Errorf("Query = %s, %v; want open", state, err)
	}

	pressed = true
	state, err = e.Query()
	if err != nil || state != StateTriggered {
		t.Errorf("Query = %s, %v; want triggered", state, err)
	}
	if !e.IsTriggered() {
		t.Error("IsTriggered should return true")
	}
	if e.GetStatus().LastTrigger.IsZero() {
		t.Error("Trigger time should be set")
	}
}

func TestQueryError(t *testing.T) {
	e := New(DefaultEndstopConfig())
	boom := errors.New("bus fault")
	e.SetQueryCallback(func() (bool, error) { return false, boom })

	if _, err := e.Query(); !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
	if _, err := e.Level(); !errors.Is(err, boom) {
		t.Errorf("Level err = %v, want %v", err, boom)
	}
}

func TestTriggerCallbackOnEdge(t *testing.T) {
	cfg := DefaultEndstopConfig()
	cfg.Axis = 1
	e := New(cfg)

	pressed := false
	e.SetQueryCallback(func() (bool, error) { return pressed, nil })

	var calls []int
	e.SetTriggerCallback(func(axis int) { calls = append(calls, axis) })

	e.Query()
	pressed = true
	e.Query()
	e.Query()
	pressed = false
	e.Query()
	pressed = true
	e.Query()

	if len(calls) != 2 {
		t.Fatalf("callback called %d times, want 2", len(calls))
	}
	if calls[0] != 1 {
		t.Errorf("callback axis = %d, want 1", calls[0])
	}
}

func TestLevelPolarity(t *testing.T) {
	tests := []struct {
		normallyClosed bool
		pressed        bool
		want           bool
	}{
		{true, true, true},
		{true, false, false},
		{false, true, false},
		{false, false, true},
	}

	for _, tt := range tests {
		cfg := DefaultEndstopConfig()
		cfg.NormallyClosed = tt.normallyClosed
		e := New(cfg)
		pressed := tt.pressed
		e.SetQueryCallback(func() (bool, error) { return pressed, nil })

		got, err := e.Level()
		if err != nil {
			t.Fatalf("Level failed: %v", err)
		}
		if got != tt.want {
			t.Errorf("nc=%v pressed=%v: level = %v, want %v", tt.normallyClosed, tt.pressed, got, tt.want)
		}
	}
}

func TestVirtualSwitch(t *testing.T) {
	car := &fakeCarriage{}
	low := Virtual{Axis: 0, Position: -5, Source: car}
	high := Virtual{Axis: 1, Position: 250, Source: car}

	check := func(v Virtual, want bool) {
		t.Helper()
		got, err := v.Pressed()
		if err != nil {
			t.Fatalf("Pressed failed: %v", err)
		}
		if got != want {
			t.Errorf("axis %d at %v: pressed = %v, want %v", v.Axis, car.pos, got, want)
		}
	}

	check(low, false)
	check(high, false)

	car.pos = [vecmath.NAxis]float64{-5, 249.9}
	check(low, true)
	check(high, false)

	car.pos = [vecmath.NAxis]float64{-4.99, 260}
	check(low, false)
	check(high, true)
}

func TestEndstopGroup(t *testing.T) {
	car := &fakeCarriage{}
	g := NewEndstopGroup("limits")

	for axis, pos := range []float64{-5, -5} {
		cfg := DefaultEndstopConfig()
		cfg.Axis = axis
		e := New(cfg)
		e.SetQueryCallback(Virtual{Axis: axis, Position: pos, Source: car}.Pressed)
		g.Add(e)
	}

	if levels := g.Levels(); levels != 0 {
		t.Errorf("Levels = %02b, want 00", levels)
	}
	if g.AnyTriggered() {
		t.Error("no switch should be triggered")
	}

	car.pos[1] = -6
	if levels := g.Levels(); levels != 0b10 {
		t.Errorf("Levels = %02b, want 10", levels)
	}

	triggered, err := g.QueryAll()
	if err != nil {
		t.Fatalf("QueryAll failed: %v", err)
	}
	if len(triggered) != 1 || triggered[0].Axis() != 1 {
		t.Errorf("QueryAll = %v, want the Y switch", triggered)
	}
	if !g.AnyTriggered() {
		t.Error("AnyTriggered should be true")
	}
	if len(g.Endstops()) != 2 {
		t.Errorf("Endstops() = %d, want 2", len(g.Endstops()))
	}
}
