package main

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"go.uber.org/multierr"

	"github.com/sabbiolino80/Grbl-Esp32/pkg/config"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/coords"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/errors"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/grbl"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/log"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/metrics"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/settings"
	"github.com/sabbiolino80/Grbl-Esp32/pkg/status"
)

// machine is one configured controller with the stores it owns.
type machine struct {
	cfg      *config.MachineConfig
	settings *settings.Store
	coords   coords.Store
	metrics  *metrics.ControllerMetrics
	ctrl     *grbl.Controller
	logger   *log.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
	runErr error
}

func loadConfig(path string) (*config.MachineConfig, error) {
	if path == "" {
		return config.DefaultMachineConfig(), nil
	}
	return config.LoadMachine(path)
}

// openSettings opens the settings store and applies the file's overrides.
func openSettings(cfg *config.MachineConfig, logger *log.Logger) (*settings.Store, error) {
	st, readFail, err := settings.Open(cfg.SettingsFile)
	if err != nil {
		return nil, err
	}
	if readFail {
		logger.WithField("code", int(status.SettingReadFail)).Warn("settings restored to defaults")
	}
	if err := applyOverrides(st, cfg.Overrides); err != nil {
		return nil, err
	}
	return st, nil
}

// applyOverrides writes boot-time values in setting order. A value that is
// rejected only because of another pending override (a step rate over the
// limit until the max rate drops, say) succeeds on the second pass.
func applyOverrides(st *settings.Store, overrides map[int]float64) error {
	params := make([]int, 0, len(overrides))
	for p := range overrides {
		params = append(params, p)
	}
	sort.Ints(params)

	var failed []int
	for pass := 0; pass < 2; pass++ {
		failed = failed[:0]
		for _, p := range params {
			if st.Override(p, overrides[p]) != status.OK {
				failed = append(failed, p)
			}
		}
		if len(failed) == 0 {
			return nil
		}
		params = append([]int(nil), failed...)
	}
	p := failed[0]
	return errors.ConfigValidationError("settings", "$"+strconv.Itoa(p), st.Override(p, overrides[p]).String())
}

// newMachine builds a controller from the configuration at path.
func newMachine(path string, adjust func(*config.MachineConfig)) (*machine, error) {
	logger := log.GetLogger("main")
	cfg, err := loadConfig(path)
	if err != nil {
		return nil, err
	}
	if adjust != nil {
		adjust(cfg)
	}

	st, err := openSettings(cfg, logger)
	if err != nil {
		return nil, err
	}
	cs, err := coords.Open(cfg.CoordsDB)
	if err != nil {
		return nil, err
	}

	m := &machine{
		cfg:      cfg,
		settings: st,
		coords:   cs,
		metrics:  metrics.NewControllerMetrics(nil),
		logger:   logger,
	}
	m.ctrl = grbl.New(st, cs, grbl.Options{
		HomingInitLock:    cfg.HomingInitLock,
		CheckLimitsAtInit: cfg.CheckLimitsAtInit,
		AutoResume:        cfg.AutoResumeAfterHold,
		TimeScale:         cfg.TimeScale,
		SwitchPositions:   cfg.SwitchPositions,
		BuildInfo:         "host",
		Observer:          m.metrics,
	})
	m.metrics.SetSampler(m.ctrl.Snapshot)

	logger.WithFields(log.Fields{
		"config":     path,
		"coords_db":  cfg.CoordsDB,
		"time_scale": cfg.TimeScale,
	}).Info("machine configured")
	return m, nil
}

// start runs the controller until stop.
func (m *machine) start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runErr = m.ctrl.Run(ctx)
	}()
}

// stop halts the controller and closes the coordinate store.
func (m *machine) stop() error {
	var err error
	if m.cancel != nil {
		m.cancel()
		m.wg.Wait()
		err = m.runErr
	}
	return multierr.Append(err, m.coords.Close())
}
