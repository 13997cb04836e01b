// Package settings holds the machine's numbered $ settings, their defaults,
// validation of $N=value writes and YAML persistence.
package settings

import (
	"math"
	"sync"

	"github.com/sabbiolino80/Grbl-Esp32/pkg/log"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/status"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/vecmath"
)

// Version is bumped whenever the persisted layout changes. A file with a
// different version is discarded.
const Version = 10

// MaxStepRateHz bounds steps/mm * max rate for every axis.
const MaxStepRateHz = 30000

// Setting numbers.
const (
	PulseMicroseconds   = 0
	StepperIdleLockTime = 1
	StepInvertMask      = 2
	DirInvertMask       = 3
	InvertStEnable      = 4
	InvertLimitPins     = 5
	StatusReportMask    = 10
	JunctionDeviation   = 11
	SoftLimitEnable     = 20
	HardLimitEnable     = 21
	HomingEnable        = 22
	HomingDirMask       = 23
	HomingFeedRate      = 24
	HomingSeekRate      = 25
	HomingDebounceDelay = 26
	HomingPulloff       = 27

	AxisSettingsStart     = 100
	AxisSettingsIncrement = 10
	AxisSettingsCount     = 4
)

// Flags bits.
const (
	FlagInvertStEnable uint8 = 1 << 2
	FlagHardLimit      uint8 = 1 << 3
	FlagHomingEnable   uint8 = 1 << 4
	FlagSoftLimit      uint8 = 1 << 5
	FlagInvertLimit    uint8 = 1 << 6
)

// Status report mask bits ($10).
const (
	ReportMachinePosition uint8 = 1 << 0
	ReportBufferState     uint8 = 1 << 1
)

// Restore masks for $RST.
const (
	RestoreDefaults   uint8 = 1 << 0
	RestoreParameters uint8 = 1 << 1
	RestoreAll        uint8 = 0xFF
)

// Settings is one complete set of machine settings. Acceleration is kept
// in mm/min^2 and MaxTravel as a negative number, matching the planner and
// soft-limit math.
type Settings struct {
	PulseMicroseconds   uint8   `yaml:"pulse_microseconds"`
	StepperIdleLockTime uint8   `yaml:"stepper_idle_lock_time"`
	StepInvertMask      uint8   `yaml:"step_invert_mask"`
	DirInvertMask       uint8   `yaml:"dir_invert_mask"`
	StatusReportMask    uint8   `yaml:"status_report_mask"`
	JunctionDeviation   float64 `yaml:"junction_deviation"`
	Flags               uint8   `yaml:"flags"`
	HomingDirMask       uint8   `yaml:"homing_dir_mask"`
	HomingFeedRate      float64 `yaml:"homing_feed_rate"`
	HomingSeekRate      float64 `yaml:"homing_seek_rate"`
	HomingDebounceDelay uint16  `yaml:"homing_debounce_delay"`
	HomingPulloff       float64 `yaml:"homing_pulloff"`

	StepsPerMM   [vecmath.NAxis]float64 `yaml:"steps_per_mm,flow"`
	MaxRate      [vecmath.NAxis]float64 `yaml:"max_rate,flow"`
	Acceleration [vecmath.NAxis]float64 `yaml:"acceleration,flow"`
	MaxTravel    [vecmath.NAxis]float64 `yaml:"max_travel,flow"`
}

// Defaults returns the generic two-axis machine.
func Defaults() Settings {
	return Settings{
		PulseMicroseconds:   3,
		StepperIdleLockTime: 250,
		StatusReportMask:    ReportBufferState,
		JunctionDeviation:   0.01,
		Flags:               FlagInvertLimit,
		HomingDirMask:       3,
		HomingFeedRate:      200,
		HomingSeekRate:      2000,
		HomingDebounceDelay: 250,
		HomingPulloff:       1,
		StepsPerMM:          [vecmath.NAxis]float64{800, 800},
		MaxRate:             [vecmath.NAxis]float64{5000, 4000},
		Acceleration:        [vecmath.NAxis]float64{200 * 3600, 200 * 3600},
		MaxTravel:           [vecmath.NAxis]float64{-300, -300},
	}
}

func (s Settings) has(flag uint8) bool { return s.Flags&flag != 0 }

func (s *Settings) set(flag uint8, on bool) {
	if on {
		s.Flags |= flag
	} else {
		s.Flags &^= flag
	}
}

func (s Settings) SoftLimits() bool       { return s.has(FlagSoftLimit) }
func (s Settings) HardLimits() bool       { return s.has(FlagHardLimit) }
func (s Settings) HomingEnabled() bool    { return s.has(FlagHomingEnable) }
func (s Settings) InvertLimitPins() bool  { return s.has(FlagInvertLimit) }
func (s Settings) InvertStepEnable() bool { return s.has(FlagInvertStEnable) }

// apply validates and writes one setting into s.
func (s *Settings) apply(param int, value float64) status.Code {
	if value < 0 {
		return status.NegativeValue
	}
	if param >= AxisSettingsStart {
		p := param - AxisSettingsStart
		set, axis := p/AxisSettingsIncrement, p%AxisSettingsIncrement
		if set >= AxisSettingsCount || axis >= vecmath.NAxis {
			return status.InvalidStatement
		}
		switch set {
		case 0:
			if value*s.MaxRate[axis] > MaxStepRateHz*60 {
				return status.MaxStepRateExceeded
			}
			s.StepsPerMM[axis] = value
		case 1:
			if value*s.StepsPerMM[axis] > MaxStepRateHz*60 {
				return status.MaxStepRateExceeded
			}
			s.MaxRate[axis] = value
		case 2:
			s.Acceleration[axis] = value * 60 * 60
		case 3:
			s.MaxTravel[axis] = -value
		}
		return status.OK
	}

	iv := math.Trunc(value)
	u8 := uint8(math.Min(iv, math.MaxUint8))
	on := iv != 0
	switch param {
	case PulseMicroseconds:
		if u8 < 3 {
			return status.SettingStepPulseMin
		}
		s.PulseMicroseconds = u8
	case StepperIdleLockTime:
		s.StepperIdleLockTime = u8
	case StepInvertMask:
		s.StepInvertMask = u8
	case DirInvertMask:
		s.DirInvertMask = u8
	case InvertStEnable:
		s.set(FlagInvertStEnable, on)
	case InvertLimitPins:
		s.set(FlagInvertLimit, on)
	case StatusReportMask:
		s.StatusReportMask = u8
	case JunctionDeviation:
		s.JunctionDeviation = value
	case SoftLimitEnable:
		if on && !s.HomingEnabled() {
			return status.SoftLimitError
		}
		s.set(FlagSoftLimit, on)
	case HardLimitEnable:
		s.set(FlagHardLimit, on)
	case HomingEnable:
		s.set(FlagHomingEnable, on)
		if !on {
			s.set(FlagSoftLimit, false)
		}
	case HomingDirMask:
		s.HomingDirMask = u8
	case HomingFeedRate:
		s.HomingFeedRate = value
	case HomingSeekRate:
		s.HomingSeekRate = value
	case HomingDebounceDelay:
		s.HomingDebounceDelay = uint16(math.Min(iv, math.MaxUint16))
	case HomingPulloff:
		s.HomingPulloff = value
	default:
		return status.InvalidStatement
	}
	return status.OK
}

// Entry is one line of the $$ dump.
type Entry struct {
	Number  int
	Value   float64
	Integer bool
}

func b2f(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Entries lists every setting in dump order with its user-facing value.
func (s Settings) Entries() []Entry {
	out := []Entry{
		{PulseMicroseconds, float64(s.PulseMicroseconds), true},
		{StepperIdleLockTime, float64(s.StepperIdleLockTime), true},
		{StepInvertMask, float64(s.StepInvertMask), true},
		{DirInvertMask, float64(s.DirInvertMask), true},
		{InvertStEnable, b2f(s.InvertStepEnable()), true},
		{InvertLimitPins, b2f(s.InvertLimitPins()), true},
		{StatusReportMask, float64(s.StatusReportMask), true},
		{JunctionDeviation, s.JunctionDeviation, false},
		{SoftLimitEnable, b2f(s.SoftLimits()), true},
		{HardLimitEnable, b2f(s.HardLimits()), true},
		{HomingEnable, b2f(s.HomingEnabled()), true},
		{HomingDirMask, float64(s.HomingDirMask), true},
		{HomingFeedRate, s.HomingFeedRate, false},
		{HomingSeekRate, s.HomingSeekRate, false},
		{HomingDebounceDelay, float64(s.HomingDebounceDelay), true},
		{HomingPulloff, s.HomingPulloff, false},
	}
	for set := 0; set < AxisSettingsCount; set++ {
		for axis := 0; axis < vecmath.NAxis; axis++ {
			var v float64
			switch set {
			case 0:
				v = s.StepsPerMM[axis]
			case 1:
				v = s.MaxRate[axis]
			case 2:
				v = s.Acceleration[axis] / (60 * 60)
			case 3:
				v = -s.MaxTravel[axis]
			}
			out = append(out, Entry{AxisSettingsStart + set*AxisSettingsIncrement + axis, v, false})
		}
	}
	return out
}

// Listener is told which setting changed after a successful write.
type Listener func(param int, s Settings)

// Store is the live, concurrency-safe settings owner.
type Store struct {
	mu        sync.RWMutex
	cur       Settings
	persist   Persister
	listeners []Listener
	logger    *log.Logger
}

// Persister saves a settings snapshot.
type Persister interface {
	Save(Settings) error
}

// NewStore creates a store holding s. persist may be nil.
func NewStore(s Settings, persist Persister) *Store {
	return &Store{cur: s, persist: persist, logger: log.GetLogger("settings")}
}

// Get returns a copy of the current settings.
func (st *Store) Get() Settings {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.cur
}

// OnChange registers l for successful writes.
func (st *Store) OnChange(l Listener) {
	st.mu.Lock()
	st.listeners = append(st.listeners, l)
	st.mu.Unlock()
}

// Store validates and applies $param=value, persists and notifies.
func (st *Store) Store(param int, value float64) status.Code {
	st.mu.Lock()
	next := st.cur
	code := next.apply(param, value)
	if code != status.OK {
		st.mu.Unlock()
		return code
	}
	st.cur = next
	listeners := append([]Listener(nil), st.listeners...)
	st.mu.Unlock()

	st.logger.WithFields(log.Fields{"setting": param, "value": value}).Info("setting changed")
	st.save(next)
	for _, l := range listeners {
		l(param, next)
	}
	return status.OK
}

// Override applies a boot-time value without persisting it.
func (st *Store) Override(param int, value float64) status.Code {
	st.mu.Lock()
	defer st.mu.Unlock()
	next := st.cur
	code := next.apply(param, value)
	if code == status.OK {
		st.cur = next
	}
	return code
}

// Restore resets to defaults when mask includes RestoreDefaults.
func (st *Store) Restore(mask uint8) {
	if mask&RestoreDefaults == 0 {
		return
	}
	st.mu.Lock()
	st.cur = Defaults()
	next := st.cur
	listeners := append([]Listener(nil), st.listeners...)
	st.mu.Unlock()

	st.logger.Info("settings restored to defaults")
	st.save(next)
	for _, l := range listeners {
		l(-1, next)
	}
}

func (st *Store) save(s Settings) {
	if st.persist == nil {
		return
	}
	if err := st.persist.Save(s); err != nil {
		st.logger.WithError(err).Error("unable to persist settings")
	}
}
