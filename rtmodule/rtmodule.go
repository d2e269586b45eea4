// Package rtmodule is the load/unload boundary of the sound module. Init builds the port,
// scheduler and controller from a config and starts the sound session; Cleanup undoes it.
// At most one module is loaded per process.
package rtmodule

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/rtsound/config"
	"go.viam.com/rtsound/controller"
	"go.viam.com/rtsound/ioport"
	"go.viam.com/rtsound/logging"
	"go.viam.com/rtsound/scheduler"
	"go.viam.com/rtsound/speaker"
)

// ErrAlreadyLoaded is returned by Init while a module is loaded.
var ErrAlreadyLoaded = errors.New("sound module is already loaded")

// Module is a running sound session and everything it owns.
type Module struct {
	conf   *config.Config
	logger logging.Logger
	port   ioport.Port
	sched  *scheduler.SoftScheduler
	ctrl   *controller.Controller
	period scheduler.Ticks
}

// New opens the configured port and starts a session timed by clk (nil for the wall
// clock). Nothing is left open if it fails.
func New(ctx context.Context, conf *config.Config, clk clock.Clock, logger logging.Logger) (*Module, error) {
	if err := conf.Validate("rtsound"); err != nil {
		return nil, err
	}
	port, err := OpenPort(conf, logger.Sublogger("port"))
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s port", conf.Backend)
	}

	m, err := start(ctx, conf, port, clk, logger)
	if err != nil {
		return nil, multierr.Combine(err, port.Close())
	}
	return m, nil
}

func start(ctx context.Context, conf *config.Config, port ioport.Port, clk clock.Clock, logger logging.Logger) (*Module, error) {
	spk, err := speaker.New(port, conf.PortAddress, conf.SoundMask)
	if err != nil {
		return nil, err
	}
	sched, err := scheduler.NewSoftScheduler(clk, conf.TimeBase(), logger.Sublogger("scheduler"))
	if err != nil {
		return nil, err
	}
	ctrl, err := controller.New(sched, spk, controller.Options{
		StackSize: conf.StackSize,
		Priority:  conf.Priority,
	}, logger.Sublogger("controller"))
	if err != nil {
		return nil, err
	}
	period, err := ctrl.Start(ctx, conf.PeriodNs)
	if err != nil {
		return nil, errors.Wrap(err, "starting sound session")
	}
	return &Module{
		conf:   conf,
		logger: logger,
		port:   port,
		sched:  sched,
		ctrl:   ctrl,
		period: period,
	}, nil
}

// OpenPort opens the register backend named by conf.Backend.
func OpenPort(conf *config.Config, logger logging.Logger) (ioport.Port, error) {
	switch conf.Backend {
	case config.BackendDevPort:
		port, err := ioport.OpenDevPort(conf.DevPortPath)
		if err != nil {
			return nil, err
		}
		return port, nil
	case config.BackendGPIO:
		pins, err := conf.PinNames()
		if err != nil {
			return nil, err
		}
		port, err := ioport.OpenGPIOPort(conf.PortAddress, pins)
		if err != nil {
			return nil, err
		}
		return port, nil
	case config.BackendFake:
		return ioport.NewFakePort(map[ioport.Address]byte{conf.PortAddress: 0}, logger), nil
	default:
		return nil, errors.Errorf("unknown backend %q", conf.Backend)
	}
}

// Period is the negotiated toggle period in timer counts.
func (m *Module) Period() scheduler.Ticks {
	return m.period
}

// Controller returns the session controller.
func (m *Module) Controller() *controller.Controller {
	return m.ctrl
}

// Port returns the register backend.
func (m *Module) Port() ioport.Port {
	return m.port
}

// Close stops the session, leaving the speaker off, and closes the port.
func (m *Module) Close() error {
	m.ctrl.Stop()
	return errors.Wrap(m.port.Close(), "closing port")
}

var (
	loadedMu sync.Mutex
	loaded   *Module
)

// Init loads the module with the wall clock.
func Init(ctx context.Context, conf *config.Config, logger logging.Logger) error {
	loadedMu.Lock()
	defer loadedMu.Unlock()
	if loaded != nil {
		return ErrAlreadyLoaded
	}
	m, err := New(ctx, conf, nil, logger)
	if err != nil {
		logger.Errorw("sound module failed to load", "error", err)
		return err
	}
	loaded = m
	logger.Infow("sound module loaded", "config", conf.String(), "period_counts", m.period)
	return nil
}

// Loaded returns the loaded module, or nil.
func Loaded() *Module {
	loadedMu.Lock()
	defer loadedMu.Unlock()
	return loaded
}

// Cleanup unloads the module. It is a no-op when nothing is loaded.
func Cleanup() {
	loadedMu.Lock()
	defer loadedMu.Unlock()
	if loaded == nil {
		return
	}
	m := loaded
	loaded = nil
	if err := m.Close(); err != nil {
		m.logger.Errorw("sound module unload", "error", err)
	}
	m.logger.Info("sound module unloaded")
}
