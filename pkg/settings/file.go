package settings

import (
	"bytes"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/sabbiolino80/Grbl-Esp32/pkg/errors"
)

// fileFormat is the on-disk YAML document.
type fileFormat struct {
	Version  int      `yaml:"version"`
	Settings Settings `yaml:"settings"`
}

// File persists settings as a YAML document at Path.
type File struct {
	Path string
}

// Load reads the file. A missing file yields defaults. A
// version mismatch or an undecodable document also yields defaults, with
// readFail=true so the caller can report SettingReadFail once.
func (f File) Load() (s Settings, readFail bool, err error) {
	data, err := os.ReadFile(f.Path)
	if os.IsNotExist(err) {
		return Defaults(), false, nil
	}
	if err != nil {
		return Defaults(), true, errors.SettingsReadError(f.Path, err)
	}
	var doc fileFormat
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil || doc.Version != Version {
		return Defaults(), true, nil
	}
	return doc.Settings, false, nil
}

// Save writes s atomically through a temporary file in the same directory.
func (f File) Save(s Settings) error {
	data, err := yaml.Marshal(fileFormat{Version: Version, Settings: s})
	if err != nil {
		return errors.SettingsWriteError(f.Path, err)
	}
	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.SettingsWriteError(f.Path, err)
	}
	tmp, err := os.CreateTemp(dir, ".settings-*.yaml")
	if err != nil {
		return errors.SettingsWriteError(f.Path, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.SettingsWriteError(f.Path, err)
	}
	if err := tmp.Close(); err != nil {
		return errors.SettingsWriteError(f.Path, err)
	}
	if err := os.Rename(tmp.Name(), f.Path); err != nil {
		return errors.SettingsWriteError(f.Path, err)
	}
	return nil
}

// Open loads path into a new Store that persists back to it. An empty path
// gives an unpersisted store with defaults.
func Open(path string) (st *Store, readFail bool, err error) {
	if path == "" {
		return NewStore(Defaults(), nil), false, nil
	}
	f := File{Path: path}
	s, readFail, err := f.Load()
	if err != nil {
		return nil, readFail, err
	}
	st = NewStore(s, f)
	if readFail {
		st.logger.WithField("file", path).Warn("settings unreadable, restoring defaults")
		st.save(s)
	}
	return st, readFail, nil
}
