package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/sabbiolino80/Grbl-Esp32/pkg/vecmath"
)

// Serial drivers.
const (
	DriverNative = "native"
	DriverTarm   = "tarm"
)

// MemoryStore selects the in-memory coordinate store.
const MemoryStore = ":memory:"

// SerialConfig is the [serial] section. An empty Device disables the port.
type SerialConfig struct {
	Device string
	Baud   int
	Driver string
}

// APIConfig is the [api] section. An empty Listen disables the server.
type APIConfig struct {
	Listen         string
	StatusInterval time.Duration
}

// MachineConfig is the typed view of a machine file.
type MachineConfig struct {
	SettingsFile        string
	CoordsDB            string
	HomingInitLock      bool
	CheckLimitsAtInit   bool
	AutoResumeAfterHold bool
	// TimeScale multiplies simulated motion time; 1 is real time.
	TimeScale float64

	Serial        SerialConfig
	API           APIConfig
	MetricsListen string

	// SwitchPositions holds the simulated limit switch location per axis
	// in machine mm, for the axes that configure one.
	SwitchPositions map[int]float64

	// Overrides maps a $N setting number to the value written at boot,
	// collected from [axis *] and [settings].
	Overrides map[int]float64
}

// DefaultMachineConfig returns the configuration used without a file.
func DefaultMachineConfig() *MachineConfig {
	return &MachineConfig{
		CoordsDB:        MemoryStore,
		HomingInitLock:  true,
		TimeScale:       1,
		Serial:          SerialConfig{Baud: 115200, Driver: DriverNative},
		API:             APIConfig{StatusInterval: 250 * time.Millisecond},
		SwitchPositions: make(map[int]float64),
		Overrides:       make(map[int]float64),
	}
}

// LoadMachine loads and validates a machine file.
func LoadMachine(path string) (*MachineConfig, error) {
	c, err := Load(path)
	if err != nil {
		return nil, err
	}
	return ParseMachine(c)
}

// axis option -> base setting number; the axis index is added.
var axisSettings = map[string]int{
	"steps_per_mm": 100,
	"max_rate":     110,
	"acceleration": 120,
	"max_travel":   130,
}

// ParseMachine builds a MachineConfig from a parsed file and rejects
// unknown sections and options.
func ParseMachine(c *Config) (*MachineConfig, error) {
	mc := DefaultMachineConfig()
	var err error

	if s := c.SectionOptional("machine"); s != nil {
		if mc.SettingsFile, err = s.Get("settings_file", ""); err != nil {
			return nil, err
		}
		if mc.CoordsDB, err = s.Get("coords_db", MemoryStore); err != nil {
			return nil, err
		}
		if mc.HomingInitLock, err = s.GetBool("homing_init_lock", true); err != nil {
			return nil, err
		}
		if mc.CheckLimitsAtInit, err = s.GetBool("check_limits_at_init", false); err != nil {
			return nil, err
		}
		if mc.AutoResumeAfterHold, err = s.GetBool("auto_resume_after_hold", false); err != nil {
			return nil, err
		}
		if mc.TimeScale, err = s.GetFloatWithBounds("time_scale", FloatBounds{Above: Ptr(0)}, 1); err != nil {
			return nil, err
		}
	}

	if s := c.SectionOptional("serial"); s != nil {
		if mc.Serial.Device, err = s.Get("device", ""); err != nil {
			return nil, err
		}
		if mc.Serial.Baud, err = s.GetIntWithBounds("baud", 1200, 4000000, 115200); err != nil {
			return nil, err
		}
		if mc.Serial.Driver, err = s.GetChoice("driver", []string{DriverNative, DriverTarm}, DriverNative); err != nil {
			return nil, err
		}
	}

	if s := c.SectionOptional("api"); s != nil {
		if mc.API.Listen, err = s.Get("listen", ""); err != nil {
			return nil, err
		}
		if mc.API.StatusInterval, err = s.GetDuration("status_interval", 250*time.Millisecond); err != nil {
			return nil, err
		}
		if mc.API.StatusInterval <= 0 {
			return nil, ErrValidation("api", "status_interval", "must be positive")
		}
	}

	if s := c.SectionOptional("metrics"); s != nil {
		if mc.MetricsListen, err = s.Get("listen", ""); err != nil {
			return nil, err
		}
	}

	for i, letter := range vecmath.AxisNames {
		s := c.SectionOptional("axis " + strings.ToLower(string(letter)))
		if s == nil {
			continue
		}
		for option, base := range axisSettings {
			if !s.HasOption(option) {
				continue
			}
			v, err := s.GetFloatWithBounds(option, FloatBounds{Above: Ptr(0)})
			if err != nil {
				return nil, err
			}
			mc.Overrides[base+i] = v
		}
		if s.HasOption("switch_position") {
			v, err := s.GetFloat("switch_position")
			if err != nil {
				return nil, err
			}
			mc.SwitchPositions[i] = v
		}
	}

	if s := c.SectionOptional("settings"); s != nil {
		for _, option := range s.Options() {
			n, err := strconv.Atoi(strings.TrimPrefix(option, "$"))
			if err != nil || n < 0 {
				return nil, ErrValidation("settings", option, "expected a setting number")
			}
			v, err := s.GetFloat(option)
			if err != nil {
				return nil, err
			}
			mc.Overrides[n] = v
		}
	}

	if err := c.CheckUnused(); err != nil {
		return nil, err
	}
	return mc, nil
}
