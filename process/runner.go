package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

var ErrNotRunning = errors.New("process not running")

type StartParams struct {
	Dir     string
	Command string
	Args    []string
	Env     map[string]string
	PidFile string
	LogFile string
}

// Start launches the standalone server detached from the calling
// process. Its output goes to a size-rotated log file and its pid is
// written to the pidfile for later Stop/Alive checks.
func Start(params StartParams, logger zerolog.Logger) (int, error) {
	cmd := exec.Command(params.Command, params.Args...)
	cmd.Dir = params.Dir
	cmd.Env = append(os.Environ(), flattenEnv(params.Env)...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if params.LogFile != "" {
		sink := &lumberjack.Logger{
			Filename:   params.LogFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
		}
		cmd.Stdout = sink
		cmd.Stderr = sink
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("could not start server process: %w", err)
	}

	pid := cmd.Process.Pid
	logger.Info().Int("pid", pid).Str("command", params.Command).Msg("started server process")

	// Reap the child if it exits while we are still around.
	go func() {
		_ = cmd.Wait()
	}()

	if params.PidFile != "" {
		if err := os.WriteFile(params.PidFile, []byte(strconv.Itoa(pid)), 0644); err != nil {
			logger.Warn().Err(err).Str("path", params.PidFile).Msg("could not write pidfile")
		}
	}

	return pid, nil
}

// Alive reports whether the process recorded in pidFile still runs.
func Alive(pidFile string) (int, bool) {
	pid, err := readPidFile(pidFile)
	if err != nil {
		return 0, false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, false
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return 0, false
	}
	return pid, true
}

// Stop terminates the process recorded in pidFile: TERM first, then
// KILL after the grace period. The pidfile is removed on success.
func Stop(pidFile string, grace time.Duration, logger zerolog.Logger) error {
	pid, alive := Alive(pidFile)
	if !alive {
		return ErrNotRunning
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}

	logger.Info().Int("pid", pid).Msg("stopping server process")
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("could not signal process %d: %w", pid, err)
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if err := proc.Signal(syscall.Signal(0)); err != nil {
			removePidFile(pidFile, logger)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	logger.Warn().Int("pid", pid).Msg("process did not stop in time, killing")
	if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("could not kill process %d: %w", pid, err)
	}

	removePidFile(pidFile, logger)
	return nil
}

func removePidFile(pidFile string, logger zerolog.Logger) {
	if err := os.Remove(pidFile); err != nil && !os.IsNotExist(err) {
		logger.Warn().Err(err).Str("path", pidFile).Msg("could not remove pidfile")
	}
}

func readPidFile(pidFile string) (int, error) {
	raw, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("bad pidfile contents: %w", err)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("bad pid: %d", pid)
	}
	return pid, nil
}

func flattenEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(env))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
