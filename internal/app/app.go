package app

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/dshills/pathbus/internal/bus"
	"github.com/dshills/pathbus/internal/bus/path"
	"github.com/dshills/pathbus/internal/config"
	"github.com/dshills/pathbus/internal/provider/poll"
	"github.com/dshills/pathbus/internal/provider/remote"
)

// Application owns the bus, its providers, and the config watcher. It is
// built from a config.Config and torn down with Shutdown.
type Application struct {
	mu sync.Mutex

	cfg     config.Config
	logger  *Logger
	logFile *os.File
	bus     *bus.Bus

	remotes []*remote.Provider
	watcher *config.Watcher

	pollSources map[string]poll.Fetch
	logOutput   io.Writer
	configPath  string

	shutdown bool
}

// Option configures an Application.
type Option func(*Application)

// WithPollSource registers the fetch function backing the named poll
// provider. Poll providers in the config must have a matching source.
func WithPollSource(name string, fetch poll.Fetch) Option {
	return func(a *Application) {
		a.pollSources[name] = fetch
	}
}

// WithLogOutput overrides the log destination. Takes precedence over
// the configured log file.
func WithLogOutput(w io.Writer) Option {
	return func(a *Application) {
		a.logOutput = w
	}
}

// WithConfigFile enables live reload of the config file at the given
// path. Only the log level is applied on reload; provider changes need
// a restart.
func WithConfigFile(path string) Option {
	return func(a *Application) {
		a.configPath = path
	}
}

// New builds an application from the given configuration. Providers are
// constructed and registered on the bus but stay dormant until the first
// subscriber arrives under their mount.
func New(cfg config.Config, opts ...Option) (*Application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &Application{
		cfg:         cfg,
		pollSources: make(map[string]poll.Fetch),
	}
	for _, opt := range opts {
		opt(a)
	}

	if err := a.initLogger(); err != nil {
		return nil, err
	}

	a.bus = bus.New(
		bus.WithMaxRetained(cfg.Bus.MaxRetainedDeltas),
		bus.WithLogger(a.logger.WithComponent("bus")),
	)

	if err := a.initProviders(); err != nil {
		a.closeResources()
		return nil, err
	}

	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.applyReload)
		if err != nil {
			a.closeResources()
			return nil, fmt.Errorf("watching config: %w", err)
		}
		a.watcher = w
		a.logger.Info("watching config file", "path", w.Path())
	}

	return a, nil
}

func (a *Application) initLogger() error {
	logCfg := LoggerConfig{
		Level:  ParseLogLevel(a.cfg.Log.Level),
		Prefix: "pathbusd",
	}

	switch {
	case a.logOutput != nil:
		logCfg.Output = a.logOutput
	case a.cfg.Log.File != "":
		f, err := os.OpenFile(a.cfg.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		a.logFile = f
		logCfg.Output = f
	}

	a.logger = NewLogger(logCfg)
	return nil
}

func (a *Application) initProviders() error {
	for _, pc := range a.cfg.Providers {
		mount := path.FromString(pc.Mount)
		plog := a.logger.WithComponent("provider." + pc.Name)

		var prov bus.Provider
		switch pc.Kind {
		case config.KindRemote:
			rp, err := remote.New(remote.Config{
				URL:    pc.URL,
				Mount:  mount,
				Logger: plog,
			})
			if err != nil {
				return fmt.Errorf("provider %s: %w", pc.Name, err)
			}
			a.remotes = append(a.remotes, rp)
			prov = rp

		case config.KindPoll:
			fetch, ok := a.pollSources[pc.Name]
			if !ok {
				return fmt.Errorf("provider %s: no poll source registered", pc.Name)
			}
			pp, err := poll.New(pc.Interval.Std(), fetch, poll.WithLogger(plog))
			if err != nil {
				return fmt.Errorf("provider %s: %w", pc.Name, err)
			}
			prov = pp
		}

		if err := a.bus.RegisterProvider(mount, prov); err != nil {
			return fmt.Errorf("registering provider %s: %w", pc.Name, err)
		}
		a.logger.Info("provider registered",
			"name", pc.Name, "kind", pc.Kind, "mount", mount.String())
	}

	return nil
}

// applyReload handles config file changes. Only the log level can be
// changed at runtime.
func (a *Application) applyReload(cfg config.Config, err error) {
	if err != nil {
		a.logger.Error("config reload failed", "error", err)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.shutdown {
		return
	}

	if cfg.Log.Level != a.cfg.Log.Level {
		a.logger.SetLevel(ParseLogLevel(cfg.Log.Level))
		a.logger.Info("log level changed", "level", cfg.Log.Level)
	}
	if len(cfg.Providers) != len(a.cfg.Providers) {
		a.logger.Warn("provider changes in config require a restart")
	}
	a.cfg = cfg
}

// Bus returns the application's data bus.
func (a *Application) Bus() *bus.Bus {
	return a.bus
}

// Logger returns the application logger.
func (a *Application) Logger() *Logger {
	return a.logger
}

// Shutdown tears down the watcher, providers, and bus. Safe to call
// more than once.
func (a *Application) Shutdown() error {
	a.mu.Lock()
	if a.shutdown {
		a.mu.Unlock()
		return nil
	}
	a.shutdown = true
	a.mu.Unlock()

	a.logger.Info("shutting down")
	a.closeResources()
	return nil
}

func (a *Application) closeResources() {
	if a.watcher != nil {
		_ = a.watcher.Close()
		a.watcher = nil
	}
	for _, rp := range a.remotes {
		_ = rp.Close()
	}
	a.remotes = nil
	if a.bus != nil {
		_ = a.bus.Close()
	}
	if a.logFile != nil {
		_ = a.logFile.Close()
		a.logFile = nil
	}
}
