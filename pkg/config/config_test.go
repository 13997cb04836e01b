package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sabbiolino80/Grbl-Esp32/pkg/errors"
)

const sampleMachine = `
# simulated two-axis table
[machine]
settings_file: /var/lib/grbl/settings.yaml
coords_db = /var/lib/grbl/coords.db
homing_init_lock: no
auto_resume_after_hold: yes
time_scale: 0.5

[serial]
device: /dev/ttyUSB0
baud: 250000
driver: TARM

[api]
listen: :7125 ; websocket and JSON-RPC
status_interval: 100ms

[axis x]
steps_per_mm: 400
max_travel: 200
switch_position: -1

[settings]
$24: 500
11: 0.02
`

func TestLoadStringSections(t *testing.T) {
	cfg, err := LoadString(sampleMachine)
	if err != nil {
		t.Fatalf("LoadString failed: %v", err)
	}
	want := []string{"machine", "serial", "api", "axis x", "settings"}
	got := cfg.SectionNames()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("section order = %v, want %v", got, want)
	}
	api, err := cfg.Section("API")
	if err != nil {
		t.Fatalf("Section(API): %v", err)
	}
	listen, _ := api.Get("listen")
	if listen != ":7125" {
		t.Errorf("listen = %q, trailing comment should be stripped", listen)
	}
	if _, err := cfg.Section("heater"); !errors.Is(err, errors.ErrConfigSection) {
		t.Errorf("expected CONFIG_SECTION error, got %v", err)
	}
}

func TestParseMachine(t *testing.T) {
	cfg, err := LoadString(sampleMachine)
	if err != nil {
		t.Fatal(err)
	}
	mc, err := ParseMachine(cfg)
	if err != nil {
		t.Fatalf("ParseMachine: %v", err)
	}
	if mc.SettingsFile != "/var/lib/grbl/settings.yaml" || mc.CoordsDB != "/var/lib/grbl/coords.db" {
		t.Errorf("unexpected paths %q %q", mc.SettingsFile, mc.CoordsDB)
	}
	if mc.HomingInitLock || !mc.AutoResumeAfterHold || mc.TimeScale != 0.5 {
		t.Errorf("unexpected machine flags %+v", mc)
	}
	if mc.Serial.Driver != DriverTarm || mc.Serial.Baud != 250000 {
		t.Errorf("unexpected serial %+v", mc.Serial)
	}
	if mc.API.StatusInterval != 100*time.Millisecond {
		t.Errorf("status interval = %v", mc.API.StatusInterval)
	}
	checks := map[int]float64{100: 400, 130: 200, 24: 500, 11: 0.02}
	for n, v := range checks {
		if mc.Overrides[n] != v {
			t.Errorf("override $%d = %v, want %v", n, mc.Overrides[n], v)
		}
	}
	if len(mc.Overrides) != len(checks) {
		t.Errorf("unexpected overrides %v", mc.Overrides)
	}
	if p, ok := mc.SwitchPositions[0]; !ok || p != -1 {
		t.Errorf("switch position = %v %v", p, ok)
	}
}

func TestParseMachineDefaults(t *testing.T) {
	cfg, err := LoadString("")
	if err != nil {
		t.Fatal(err)
	}
	mc, err := ParseMachine(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if mc.CoordsDB != MemoryStore || !mc.HomingInitLock || mc.Serial.Device != "" {
		t.Errorf("unexpected defaults %+v", mc)
	}
}

func TestParseMachineRejectsUnknown(t *testing.T) {
	for _, data := range []string{
		"[machine]\nkinematics: corexy\n",
		"[extruder]\nnozzle: 0.4\n",
		"[axis z]\nsteps_per_mm: 80\n",
	} {
		cfg, err := LoadString(data)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := ParseMachine(cfg); !errors.IsConfig(err) {
			t.Errorf("%q: expected config error, got %v", data, err)
		}
	}
}

func TestParseMachineValidation(t *testing.T) {
	cases := []string{
		"[machine]\ntime_scale: 0\n",
		"[serial]\ndriver: usb\n",
		"[serial]\nbaud: 12\n",
		"[axis y]\nmax_rate: -5\n",
		"[settings]\nfoo: 1\n",
		"[api]\nstatus_interval: soon\n",
	}
	for _, data := range cases {
		cfg, err := LoadString(data)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := ParseMachine(cfg); err == nil {
			t.Errorf("%q: expected an error", data)
		}
	}
}

func TestSyntaxErrors(t *testing.T) {
	for _, data := range []string{"orphan: 1\n", "[]\n", "[machine]\njunk\n", "[include other.cfg]\n"} {
		if _, err := LoadString(data); err == nil {
			t.Errorf("%q: expected a syntax error", data)
		}
	}
}

func TestSectionGetters(t *testing.T) {
	cfg, err := LoadString("[s]\ni: 7\nf: 2.5\nb: off\nbad: x\n")
	if err != nil {
		t.Fatal(err)
	}
	s, _ := cfg.Section("s")
	if v, _ := s.GetInt("i"); v != 7 {
		t.Errorf("GetInt = %d", v)
	}
	if v, _ := s.GetFloat("f"); v != 2.5 {
		t.Errorf("GetFloat = %v", v)
	}
	if v, _ := s.GetBool("b"); v {
		t.Error("GetBool = true")
	}
	if v, _ := s.GetInt("missing", 3); v != 3 {
		t.Errorf("fallback = %d", v)
	}
	if _, err := s.GetFloat("bad"); err == nil {
		t.Error("expected parse error")
	}
	if _, err := s.GetFloat("absent"); !errors.Is(err, errors.ErrConfigOption) {
		t.Errorf("expected CONFIG_OPTION error, got %v", err)
	}
	if _, err := s.GetFloatWithBounds("f", FloatBounds{MaxVal: Ptr(2)}); err == nil {
		t.Error("expected bounds error")
	}
}

func TestIncludeFiles(t *testing.T) {
	dir := t.TempDir()
	write := func(name, data string) {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(data), 0644); err != nil {
			t.Fatal(err)
		}
	}
	write("machine.cfg", "[include axes/*.cfg]\n[machine]\ntime_scale: 2\n")
	if err := os.Mkdir(filepath.Join(dir, "axes"), 0755); err != nil {
		t.Fatal(err)
	}
	write("axes/x.cfg", "[axis x]\nsteps_per_mm: 250\n")
	write("axes/y.cfg", "[axis y]\nsteps_per_mm: 260\n")

	mc, err := LoadMachine(filepath.Join(dir, "machine.cfg"))
	if err != nil {
		t.Fatalf("LoadMachine: %v", err)
	}
	if mc.Overrides[100] != 250 || mc.Overrides[101] != 260 || mc.TimeScale != 2 {
		t.Errorf("unexpected result %+v", mc)
	}

	write("loop.cfg", "[include loop.cfg]\n")
	if _, err := Load(filepath.Join(dir, "loop.cfg")); err == nil {
		t.Error("expected recursive include error")
	}
}
