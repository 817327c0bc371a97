package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/specialistvlad/dmriprepgo/internal/config"
	"github.com/specialistvlad/dmriprepgo/internal/registry"
)

// ErrPipelineFailed reports that at least one subject or run did not
// produce its derivatives.
var ErrPipelineFailed = errors.New("pipeline failed")

// BuildFunc runs graph construction for the snapshot at the given path.
type BuildFunc func(ctx context.Context, snapshot string) error

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	outW     io.Writer
	logger   *slog.Logger
	cfg      *config.Config
	modules  []registry.Module
	lookPath registry.LookPathFunc
	build    BuildFunc
	now      func() time.Time
}

// Option customizes an App.
type Option func(*App)

// WithModules replaces the compiled-in stage modules.
func WithModules(modules ...registry.Module) Option {
	return func(a *App) { a.modules = modules }
}

// WithLookPath replaces exec.LookPath for external tool resolution.
func WithLookPath(fn registry.LookPathFunc) Option {
	return func(a *App) { a.lookPath = fn }
}

// WithBuild replaces the child process that constructs the graph.
func WithBuild(fn BuildFunc) Option {
	return func(a *App) { a.build = fn }
}

// WithInProcessBuild constructs the graph inside the calling process.
// It is meant for tests; production runs keep the process boundary.
func WithInProcessBuild() Option {
	return func(a *App) {
		a.build = func(ctx context.Context, snapshot string) error {
			return BuildGraph(ctx, a.outW, snapshot, a.modules...)
		}
	}
}

// WithClock sets the time source used for the run identifier.
func WithClock(now func() time.Time) Option {
	return func(a *App) { a.now = now }
}

// NewApp is the constructor for the main application. The logger follows
// the configuration's log level and format.
func NewApp(outW io.Writer, cfg *config.Config, opts ...Option) *App {
	a := &App{
		outW:     outW,
		logger:   newLogger(cfg.Execution.LogLevel, cfg.Execution.LogFormat, outW),
		cfg:      cfg,
		lookPath: exec.LookPath,
		now:      time.Now,
	}
	a.build = a.spawnBuild
	for _, opt := range opts {
		opt(a)
	}
	a.logger.Debug("Logger configured successfully.")
	return a
}

// Config returns the configuration of the last completed phase. After Run
// it is the record reloaded from the snapshot.
func (a *App) Config() *config.Config {
	return a.cfg
}

// spawnBuild runs "<self> build-graph <snapshot>" and waits for it.
func (a *App) spawnBuild(ctx context.Context, snapshot string) error {
	self, err := os.Executable()
	if err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, self, BuildCommand, snapshot)
	cmd.Stdout = a.outW
	cmd.Stderr = a.outW
	cmd.Env = os.Environ()
	a.logger.Debug("Starting graph construction process.", "command", cmd.String())
	return cmd.Run()
}
