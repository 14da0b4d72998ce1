// Package main implements inputbridged, the privileged input-bridge daemon.
// It keeps one receiver bound to the console user and exits when the
// installed version marker changes, so the service manager starts the new
// build.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"strings"

	"github.com/spf13/pflag"

	rootpkg "tools.zach/dev/inputbridge"
	"tools.zach/dev/inputbridge/internal/config"
	"tools.zach/dev/inputbridge/internal/logger"
	"tools.zach/dev/inputbridge/internal/paths"
	"tools.zach/dev/inputbridge/internal/update"
)

// ///////////////////////////////////////////////
// Version
// ///////////////////////////////////////////////

// version is set at build time with -ldflags "-X main.version=1.4.0". The
// installer writes the same string to the version marker.
var version = "dev"

// resolveVersion returns [version], or "dev+<hash>" from the embedded VCS
// info when no version was linked in.
func resolveVersion() string {
	if version != "dev" {
		return version
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return version
	}
	var revision string
	var dirty bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if revision == "" {
		return version
	}
	hash := revision[:min(7, len(revision))]
	if dirty {
		return "dev+" + hash + ".dirty"
	}
	return "dev+" + hash
}

// ///////////////////////////////////////////////
// Exit Codes
// ///////////////////////////////////////////////

const (
	exitOK    = 0
	exitFatal = 1
	exitUsage = 2
	// exitReplaced tells the service manager a newer build is installed.
	exitReplaced = 3
)

// ///////////////////////////////////////////////
// Flags
// ///////////////////////////////////////////////

type options struct {
	dataDir      string
	configPath   string
	foreground   bool
	forcePolling bool
	showVersion  bool
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var o options
	fs := pflag.NewFlagSet(paths.BinaryName, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVarP(&o.dataDir, "data-dir", "d", paths.DefaultDataDir(), "directory for config, status, log and PID file")
	fs.StringVarP(&o.configPath, "config", "c", "", "config file (default <data-dir>/"+paths.ConfigFile+")")
	fs.BoolVarP(&o.foreground, "foreground", "f", false, "copy log output to stderr")
	fs.BoolVar(&o.forcePolling, "poll", false, "poll watched paths instead of using filesystem notifications")
	fs.BoolVarP(&o.showVersion, "version", "V", false, "print the version and exit")

	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if fs.NArg() > 0 {
		return o, fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}
	if o.configPath == "" {
		o.configPath = DataPaths{Root: o.dataDir}.Config()
	}
	return o, nil
}

// ///////////////////////////////////////////////
// PID Management
// ///////////////////////////////////////////////

// pidToken generates a random token that proves this instance wrote the PID
// file.
func pidToken() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// writePID locks the PID file and writes "PID:TOKEN" into it. The returned
// file must stay open for the daemon's lifetime to hold the lock.
func writePID(dp DataPaths, token string) (*os.File, error) {
	f, err := os.OpenFile(dp.PID(), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open PID file: %w", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("lock PID file: %w", err)
	}
	if err := f.Truncate(0); err != nil {
		_ = unlockFile(f)
		f.Close()
		return nil, fmt.Errorf("truncate PID file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d:%s", os.Getpid(), token); err != nil {
		_ = unlockFile(f)
		f.Close()
		return nil, fmt.Errorf("write PID file: %w", err)
	}
	return f, nil
}

// removePID unlocks f and removes the PID file if it still carries token.
func removePID(dp DataPaths, token string, f *os.File) {
	if f != nil {
		_ = unlockFile(f)
		f.Close()
	}
	data, err := os.ReadFile(dp.PID())
	if err != nil {
		return
	}
	if _, tok, ok := strings.Cut(string(data), ":"); ok && tok == token {
		os.Remove(dp.PID())
	}
}

// checkStalePID reports whether another instance holds the PID file lock. A
// PID file nobody holds is left over from a dead instance and is removed.
func checkStalePID(dp DataPaths) (alive bool, pid int) {
	f, err := os.OpenFile(dp.PID(), os.O_RDWR, 0o600)
	if err != nil {
		return false, 0
	}

	if lockErr := lockFile(f); lockErr != nil {
		data, _ := os.ReadFile(dp.PID())
		f.Close()
		head, _, _ := strings.Cut(string(data), ":")
		if p, convErr := strconv.Atoi(head); convErr == nil {
			return true, p
		}
		return true, 0
	}

	_ = unlockFile(f)
	f.Close()
	os.Remove(dp.PID())
	return false, 0
}

// ///////////////////////////////////////////////
// Startup Helpers
// ///////////////////////////////////////////////

// writeDefaultConfig seeds path with the commented default config when no
// file exists yet.
func writeDefaultConfig(path string) error {
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, rootpkg.DefaultConfigTOML, 0o644)
}

// checkForUpdate logs when the release manifest lists a newer build.
func checkForUpdate(ctx context.Context, cfg *config.Config, current string, log *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("update check panic", "error", r)
		}
	}()
	update.NewChecker(cfg.Update.ManifestURL, cfg.UpdateTimeout(), logger.Component(log, "update")).Check(ctx, current)
}

// ///////////////////////////////////////////////
// Main
// ///////////////////////////////////////////////

func main() {
	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if errors.Is(err, pflag.ErrHelp) {
		os.Exit(exitOK)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", paths.BinaryName, err)
		os.Exit(exitUsage)
	}
	if opts.showVersion {
		fmt.Println(resolveVersion())
		return
	}
	os.Exit(run(opts))
}

// run owns the process lifetime and returns the exit code.
func run(opts options) int {
	dp := DataPaths{Root: opts.dataDir}

	if err := os.MkdirAll(dp.Root, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: create data dir: %v\n", err)
		return exitFatal
	}

	if alive, pid := checkStalePID(dp); alive {
		fmt.Fprintf(os.Stderr, "%s already running (pid %d)\n", paths.BinaryName, pid)
		return exitFatal
	}

	if err := writeDefaultConfig(opts.configPath); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to write default config: %v\n", err)
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: load config: %v\n", err)
		return exitFatal
	}

	log, logCloser, err := logger.NewLogger(dp.Log(), logger.ParseLevel(cfg.Log.Level), cfg.Log.MaxSizeMB, opts.foreground)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: init logger: %v\n", err)
		return exitFatal
	}
	defer logCloser.Close()
	slog.SetDefault(log)

	ver := resolveVersion()
	log.Info("inputbridged starting", "version", ver, "data_dir", dp.Root, "config", opts.configPath)

	token := pidToken()
	pidFile, err := writePID(dp, token)
	if err != nil {
		log.Error("failed to write PID file", "error", err)
		return exitFatal
	}
	defer removePID(dp, token, pidFile)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go checkForUpdate(ctx, cfg, ver, log)

	d, err := newDaemon(cfg, daemonOptions{
		DataDir:      dp.Root,
		Build:        ver,
		ForcePolling: opts.forcePolling,
		Logger:       log,
	})
	if err != nil {
		log.Error("failed to assemble daemon", "error", err)
		return exitFatal
	}

	signals, stop := shutdownSignals()
	defer stop()
	return d.run(ctx, signals)
}
