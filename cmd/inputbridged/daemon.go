package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"tools.zach/dev/inputbridge/internal/capture"
	"tools.zach/dev/inputbridge/internal/config"
	"tools.zach/dev/inputbridge/internal/consoleuser"
	"tools.zach/dev/inputbridge/internal/killswitch"
	"tools.zach/dev/inputbridge/internal/logger"
	"tools.zach/dev/inputbridge/internal/metrics"
	"tools.zach/dev/inputbridge/internal/receiver"
	"tools.zach/dev/inputbridge/internal/status"
	"tools.zach/dev/inputbridge/internal/supervisor"
	versionwatch "tools.zach/dev/inputbridge/internal/version"
)

// ///////////////////////////////////////////////
// Assembly
// ///////////////////////////////////////////////

type daemonOptions struct {
	DataDir      string
	Build        string
	ForcePolling bool
	Logger       *slog.Logger
}

// daemon is the fully wired process: status document, kill switch, metrics
// and the supervisor with its watchers.
type daemon struct {
	cfg     *config.Config
	log     *slog.Logger
	status  *status.Writer
	handle  *status.Handle
	ks      *killswitch.KillSwitch
	metrics *metrics.Metrics
	sup     *supervisor.Supervisor
}

// newDaemon builds every component from cfg. Nothing is started.
func newDaemon(cfg *config.Config, opts daemonOptions) (*daemon, error) {
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}

	d := &daemon{
		cfg:     cfg,
		log:     log,
		status:  status.NewWriter(cfg.StatusFile(opts.DataDir), opts.Build, os.Getpid(), logger.Component(log, "status")),
		ks:      killswitch.New(logger.Component(log, "killswitch")),
		metrics: metrics.New(),
	}
	d.handle = status.NewHandle(d.status)

	versionWatcher := versionwatch.New(cfg.Marker.File, opts.Build, versionwatch.Options{
		PollInterval: cfg.MarkerPollInterval(),
		ForcePolling: opts.ForcePolling,
		Logger:       logger.Component(log, "version"),
	})
	sessionWatcher := consoleuser.New(consoleuser.Options{
		UtmpFile:          cfg.Session.UtmpFile,
		PollInterval:      cfg.SessionPollInterval(),
		ForcePolling:      opts.ForcePolling,
		IsConsoleTerminal: cfg.IsConsoleTerminal,
		IsIgnoredUser:     cfg.IsIgnoredUser,
		Logger:            logger.Component(log, "session"),
	})
	captureWatcher := capture.New(capture.Options{
		DeviceDir:    cfg.Capture.DeviceDir,
		IsDevice:     cfg.IsCaptureDevice,
		PollInterval: cfg.CapturePollInterval(),
		ForcePolling: opts.ForcePolling,
		OnChange:     d.captureChanged,
		Logger:       logger.Component(log, "capture"),
	})

	sup, err := supervisor.New(supervisor.Options{
		Status:      d.handle,
		KillSwitch:  killswitch.Current,
		Version:     versionWatcher,
		Session:     sessionWatcher,
		Capture:     captureWatcher,
		NewReceiver: receiverFactory(cfg.Receiver, logger.Component(log, "receiver")),
		Logger:      logger.Component(log, "supervisor"),
		Metrics:     d.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("create supervisor: %w", err)
	}
	d.sup = sup
	return d, nil
}

// receiverFactory adapts the receiver package to the supervisor.
func receiverFactory(rc config.ReceiverConfig, log *slog.Logger) supervisor.ReceiverFactory {
	cfg := receiver.Config{
		SocketDir:      rc.SocketDir,
		SocketName:     rc.SocketName,
		MaxConnections: rc.MaxConnections,
		AcceptRate:     rc.AcceptRatePerSecond,
		AcceptBurst:    rc.AcceptBurst,
		Logger:         log,
	}
	return func(uid uint32, h *status.Handle) (supervisor.Receiver, error) {
		r, err := receiver.New(cfg, uid, h)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
}

func (d *daemon) captureChanged(available bool) {
	d.log.Info("input capture availability changed", "available", available)
	d.handle.Do(func(w *status.Writer) { _ = w.SetCaptureAvailable(available) })
	d.metrics.CaptureAvailable(available)
}

// ///////////////////////////////////////////////
// Lifetime
// ///////////////////////////////////////////////

// run starts the supervisor and blocks until a shutdown signal, a
// termination request or ctx ends. It returns the process exit code.
func (d *daemon) run(ctx context.Context, signals <-chan os.Signal) int {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	killswitch.Install(d.ks)
	defer killswitch.Uninstall(d.ks)

	if err := d.status.Flush(); err != nil {
		d.log.Warn("failed to write status document", "error", err)
	}

	if addr := d.cfg.Metrics.Listen; addr != "" {
		go func() {
			if err := d.metrics.Serve(ctx, addr, logger.Component(d.log, "metrics")); err != nil {
				d.log.Error("metrics endpoint failed", "error", err)
			}
		}()
	}

	if err := d.sup.Start(); err != nil {
		d.log.Error("failed to start supervisor", "error", err)
		return exitFatal
	}

	code := exitOK
	select {
	case sig := <-signals:
		d.log.Info("received shutdown signal", "signal", sig.String())
	case <-d.ks.Done():
		d.log.Warn("terminating", "reason", d.ks.Reason())
		code = exitReplaced
	case <-ctx.Done():
		d.log.Info("context done, shutting down")
	}

	d.sup.Shutdown()
	d.handle.Release()
	if err := d.status.Flush(); err != nil {
		d.log.Warn("failed to write status document", "error", err)
	}
	d.log.Info("inputbridged stopped", "exit_code", code)
	return code
}
