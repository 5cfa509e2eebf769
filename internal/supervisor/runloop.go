package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/kahiteam/lxproc/internal/api"
	"github.com/kahiteam/lxproc/internal/config"
	"github.com/kahiteam/lxproc/internal/events"
	"github.com/kahiteam/lxproc/internal/kernel"
	"github.com/kahiteam/lxproc/internal/linuxerr"
	"github.com/kahiteam/lxproc/internal/logging"
	"github.com/kahiteam/lxproc/internal/metrics"
	"github.com/kahiteam/lxproc/internal/process"
	"github.com/kahiteam/lxproc/internal/registry"
	"github.com/kahiteam/lxproc/internal/sched"
	"github.com/kahiteam/lxproc/internal/version"
	"github.com/kahiteam/lxproc/internal/web"
)

// killGrace bounds the wait for init after SIGKILL.
const killGrace = 5 * time.Second

// Supervisor is the daemon run loop around one kernel.
type Supervisor struct {
	mu         sync.Mutex
	config     *config.Config
	kernel     *kernel.Kernel
	bus        *events.Bus
	console    *logging.Console
	metrics    *metrics.Collector
	server     *api.Server
	logger     *slog.Logger
	initTask   *sched.Task
	ready      atomic.Bool
	shutting   bool
	shutdownCh chan struct{}
	doneCh     chan struct{}
}

// Options configures a supervisor.
type Options struct {
	Config *config.Config
	Logger *slog.Logger
	// Echo receives a copy of console output unless console.quiet is set.
	Echo io.Writer
	// Programs are registered with the kernel loader before boot. The
	// configured init path must be among them.
	Programs map[string]kernel.Program
	Registry *registry.Registry
}

// New builds the kernel, its console and, when enabled, the API server.
func New(opts Options) (*Supervisor, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	echo := opts.Echo
	if echo == nil {
		echo = io.Discard
	}

	bus := events.NewBus(logger)
	console, err := logging.NewConsole(cfg.Console, echo, logger)
	if err != nil {
		return nil, err
	}
	console.OnLine(func(line string) {
		logger.Debug("console", "line", line)
	})

	reg := opts.Registry
	if reg == nil {
		reg = registry.New()
	}
	k := kernel.New(kernel.Options{
		Config:   cfg.Kernel,
		Logger:   logger,
		Bus:      bus,
		Registry: reg,
		Console:  console,
	})
	for path, prog := range opts.Programs {
		k.Loader().Register(path, prog)
	}

	m := metrics.New()
	m.SetBuildInfo(version.Version, runtime.Version())

	s := &Supervisor{
		config:     cfg,
		kernel:     k,
		bus:        bus,
		console:    console,
		metrics:    m,
		logger:     logger,
		shutdownCh: make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	if cfg.Server.Enabled {
		apiCfg := api.Config{
			Username: cfg.Server.Username,
			Password: cfg.Server.Password,
			Metrics:  m.Handler(),
			Console:  console,
		}
		if cfg.Server.Web {
			dashboard, err := web.NewHandler(k, console, web.Config{StaticDir: cfg.Server.StaticDir}, logger)
			if err != nil {
				return nil, err
			}
			apiCfg.Web = dashboard
		}
		s.server = api.NewServer(apiCfg, k, s, bus, logger)
	}
	return s, nil
}

// Kernel returns the supervised kernel.
func (s *Supervisor) Kernel() *kernel.Kernel { return s.kernel }

// Bus returns the lifecycle event bus.
func (s *Supervisor) Bus() *events.Bus { return s.bus }

// Console returns the console behind init's standard descriptors.
func (s *Supervisor) Console() *logging.Console { return s.console }

// Metrics returns the Prometheus collector.
func (s *Supervisor) Metrics() *metrics.Collector { return s.metrics }

// Server returns the API server, or nil when it is disabled.
func (s *Supervisor) Server() *api.Server { return s.server }

// Run boots init and blocks until init exits, Shutdown is called, a
// terminating host signal arrives or ctx is canceled. It returns init's
// wait status.
func (s *Supervisor) Run(ctx context.Context) (int, error) {
	defer close(s.doneCh)
	defer func() {
		if err := s.console.Close(); err != nil {
			s.logger.Warn("console close failed", "error", err)
		}
	}()

	pidFile, err := AcquirePIDFile(ctx, s.config.Daemon.PIDFile, s.logger)
	if err != nil {
		return 0, err
	}
	defer pidFile.Release()

	ticker := events.NewTicker(s.bus)
	defer ticker.Stop()
	detach := s.metrics.Attach(s.bus, s.kernel.Stats)
	defer detach()

	signals := NewSignalQueue(s.logger)
	defer signals.Stop()

	if s.server != nil {
		if err := s.server.Listen(s.config.Server.Listen); err != nil {
			return 0, err
		}
	}

	initTask, err := s.kernel.Boot()
	if err != nil {
		s.stopServer()
		return 0, err
	}
	s.mu.Lock()
	s.initTask = initTask
	s.mu.Unlock()
	s.ready.Store(true)
	s.logger.Info("kernel running", "init", int(initTask.ID()), "host_pid", os.Getpid())

	g, gctx := errgroup.WithContext(ctx)
	if s.server != nil {
		g.Go(s.server.Serve)
	}
	var status int
	g.Go(func() error {
		defer s.stopServer()
		var err error
		status, err = s.loop(gctx, initTask, signals)
		return err
	})
	err = g.Wait()
	s.ready.Store(false)
	s.logger.Info("shutdown complete", "status", status)
	return status, err
}

func (s *Supervisor) loop(ctx context.Context, initTask *sched.Task, signals *SignalQueue) (int, error) {
	for {
		select {
		case <-initTask.Done():
			s.markShutting("init exited")
			s.logger.Info("init exited", "status", initTask.ExitCode())
			return initTask.ExitCode(), nil
		case sig := <-signals.C:
			if s.handleSignal(sig) {
				return s.stopInit(initTask, sig.String())
			}
		case <-s.shutdownCh:
			return s.stopInit(initTask, "shutdown requested")
		case <-ctx.Done():
			return s.stopInit(initTask, "context canceled")
		}
	}
}

// handleSignal processes a host signal and returns true if shutdown should
// begin.
func (s *Supervisor) handleSignal(sig os.Signal) bool {
	s.logger.Info("received signal", "signal", sig.String())

	switch sig {
	case syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT:
		return true

	case syscall.SIGHUP, syscall.SIGUSR1:
		s.forwardToInit(sig.(syscall.Signal))
		return false

	case syscall.SIGUSR2:
		s.logger.Info("reopening console file")
		if err := s.console.Reopen(); err != nil {
			s.logger.Error("console reopen failed", "error", err)
		}
		return false

	default:
		s.logger.Warn("unhandled signal", "signal", sig.String())
		return false
	}
}

func (s *Supervisor) forwardToInit(sig syscall.Signal) {
	s.mu.Lock()
	initTask := s.initTask
	s.mu.Unlock()
	if initTask == nil {
		return
	}
	if err := s.kernel.SignalProcess(process.Pid(initTask.ID()), int(sig)); err != nil {
		s.logger.Warn("cannot forward signal to init", "signal", sig.String(), "error", err)
	}
}

// stopInit asks init to terminate with SIGTERM and escalates to SIGKILL
// after the configured shutdown timeout.
func (s *Supervisor) stopInit(initTask *sched.Task, reason string) (int, error) {
	s.markShutting(reason)
	pid := process.Pid(initTask.ID())
	timeout := time.Duration(s.config.Daemon.ShutdownTimeout) * time.Second

	if err := s.kernel.SignalProcess(pid, int(unix.SIGTERM)); err != nil && !errors.Is(err, linuxerr.ErrNoSuchEntity) {
		s.logger.Warn("cannot signal init", "error", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if status, err := initTask.Join(ctx); err == nil {
		return status, nil
	}

	s.logger.Warn("shutdown timeout exceeded, killing init", "timeout", timeout)
	_ = s.kernel.SignalProcess(pid, int(unix.SIGKILL))
	killCtx, killCancel := context.WithTimeout(context.Background(), killGrace)
	defer killCancel()
	status, err := initTask.Join(killCtx)
	if err != nil {
		return 0, fmt.Errorf("init did not exit after SIGKILL: %w", err)
	}
	return status, nil
}

func (s *Supervisor) markShutting(reason string) {
	s.mu.Lock()
	first := !s.shutting
	s.shutting = true
	s.mu.Unlock()
	if !first {
		return
	}
	s.logger.Info("shutting down", "reason", reason)
	s.bus.Publish(events.Event{
		Type: events.KernelStateStopping,
		Data: map[string]string{"reason": reason},
	})
}

func (s *Supervisor) stopServer() {
	if s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Stop(ctx); err != nil {
		s.logger.Warn("api server stop failed", "error", err)
	}
}

// Shutdown triggers a graceful shutdown.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.shutdownCh:
	default:
		close(s.shutdownCh)
	}
}

// Done returns a channel that closes when Run has returned.
func (s *Supervisor) Done() <-chan struct{} { return s.doneCh }

// IsShuttingDown returns true once shutdown has begun.
func (s *Supervisor) IsShuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutting
}

// IsReady returns true while init is running and shutdown has not begun.
func (s *Supervisor) IsReady() bool {
	return s.ready.Load() && !s.IsShuttingDown()
}

// Version returns build and platform information.
func (s *Supervisor) Version() map[string]string {
	info := version.Info()
	info["arch"] = s.config.Kernel.Arch
	return info
}
