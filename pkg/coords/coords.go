// Package coords persists the work coordinate systems (G54..G59) and the
// two predefined positions (G28, G30), in machine millimeters.
package coords

import (
	"encoding/binary"
	"errors"
	"math"
	"sync"

	"github.com/sabbiolino80/Grbl-Esp32/pkg/vecmath"
)

// Slot numbers.
const (
	SlotG54 = 0 // G55..G59 follow
	SlotG28 = 6
	SlotG30 = 7

	NCoordSystems = 6
	NSlots        = 8
)

var (
	// ErrCorrupt is returned for a stored record whose checksum does not match.
	ErrCorrupt = errors.New("coords: corrupt record")
	// ErrSlot is returned for a slot number outside 0..NSlots-1.
	ErrSlot = errors.New("coords: invalid slot")
)

// Vector is one stored position.
type Vector = [vecmath.NAxis]float64

// Store reads and writes coordinate slots. A slot never written reads as
// the zero vector.
type Store interface {
	Read(slot int) (Vector, error)
	Write(slot int, v Vector) error
	Reset() error
	Close() error
}

func checkSlot(slot int) error {
	if slot < 0 || slot >= NSlots {
		return ErrSlot
	}
	return nil
}

// Checksum folds the IEEE-754 bytes of v with a rotate-and-add byte sum.
func Checksum(v Vector) uint8 {
	var buf [8]byte
	var sum uint8
	for _, c := range v {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(c))
		for _, b := range buf {
			sum = sum<<1 | sum>>7
			sum += b
		}
	}
	return sum
}

// Memory is a Store kept in process memory.
type Memory struct {
	mu    sync.Mutex
	slots [NSlots]Vector
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Read(slot int) (Vector, error) {
	if err := checkSlot(slot); err != nil {
		return Vector{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slots[slot], nil
}

func (m *Memory) Write(slot int, v Vector) error {
	if err := checkSlot(slot); err != nil {
		return err
	}
	m.mu.Lock()
	m.slots[slot] = v
	m.mu.Unlock()
	return nil
}

func (m *Memory) Reset() error {
	m.mu.Lock()
	m.slots = [NSlots]Vector{}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error { return nil }
