package main

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// Credentials shared between the generated scenario configs and the tests.
const (
	e2eToken        = "sk-e2e-alpha"
	e2eTokenAlt     = "sk-e2e-beta"
	e2eMetricsToken = "e2e-metrics-token"

	e2eProxyUser = "e2e-proxy-user"
	e2eProxyPass = "e2e-proxy-pass"
)

// run executes a command, printing it to stdout, and returns combined output.
func run(name string, args ...string) (string, error) {
	fmt.Printf("  $ %s %s\n", name, strings.Join(args, " "))

	cmd := exec.Command(name, args...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	output := buf.String()

	if err != nil {
		return output, fmt.Errorf("%s %s failed: %w\n%s", name, strings.Join(args, " "), err, output)
	}

	return output, nil
}

// runInDir executes a command in a specific directory.
func runInDir(dir, name string, args ...string) (string, error) {
	fmt.Printf("  [%s] $ %s %s\n", dir, name, strings.Join(args, " "))

	cmd := exec.Command(name, args...)
	cmd.Dir = dir

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	output := buf.String()

	if err != nil {
		return output, fmt.Errorf("%s failed in %s: %w\n%s", name, dir, err, output)
	}

	return output, nil
}

// startProcess launches a binary in the background with stdout/stderr going
// to a log file and returns its recorded state. A reaper goroutine collects
// the exit status so stopped children do not linger as zombies when setup
// and teardown run in the same process.
func startProcess(name, logPath string, env []string, bin string, args ...string) (processState, error) {
	logFile, err := os.Create(logPath)
	if err != nil {
		return processState{}, fmt.Errorf("create log file for %s: %w", name, err)
	}

	cmd := exec.Command(bin, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(), env...)

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return processState{}, fmt.Errorf("start %s: %w", name, err)
	}
	logFile.Close()

	go func() { _ = cmd.Wait() }()

	info("  started %s (pid %d)", name, cmd.Process.Pid)

	return processState{Name: name, PID: cmd.Process.Pid, LogFile: logPath}, nil
}

// stopProcess sends SIGTERM so the gateway can drain, waits briefly, then
// falls back to SIGKILL.
func stopProcess(ps processState) {
	proc, err := os.FindProcess(ps.PID)
	if err != nil {
		return
	}

	if err := proc.Signal(syscall.SIGTERM); err != nil {
		// Already gone.
		return
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if !processAlive(ps.PID) {
			info("  stopped %s (pid %d)", ps.Name, ps.PID)
			return
		}
		time.Sleep(100 * time.Millisecond)
	}

	warn("%s (pid %d) did not exit after SIGTERM, killing", ps.Name, ps.PID)
	_ = proc.Kill()
}

// processAlive reports whether a PID still exists (signal 0 probe).
func processAlive(pid int) bool {
	return syscall.Kill(pid, syscall.Signal(0)) == nil
}

// allocateAddr binds 127.0.0.1:0 to pick a free port and returns the
// host:port string. The listener is closed before the real process binds,
// so there is a small reuse window; fine for a local test harness.
func allocateAddr() string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		fatal("cannot allocate port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// getProjectRoot returns the module root (the directory holding cmd/keyfront).
func getProjectRoot() string {
	wd, err := os.Getwd()
	if err != nil {
		fatal("Cannot get working directory: %v", err)
	}

	// If we're inside e2e/, the root is one level up.
	if filepath.Base(wd) == "e2e" {
		return filepath.Dir(wd)
	}

	if fileExists(filepath.Join(wd, "cmd", "keyfront")) {
		return wd
	}

	fatal("Cannot locate project root from %s", wd)
	return ""
}

// getE2EDir returns the absolute path to the e2e/ directory.
func getE2EDir() string {
	wd, err := os.Getwd()
	if err != nil {
		fatal("Cannot get working directory: %v", err)
	}

	if filepath.Base(wd) == "e2e" {
		return wd
	}

	candidate := filepath.Join(wd, "e2e")
	if fileExists(candidate) {
		return candidate
	}

	fatal("Cannot locate e2e directory from %s", wd)
	return ""
}

// banner prints a section header.
func banner(msg string) {
	fmt.Printf("\n%s\n", strings.Repeat("=", 70))
	fmt.Printf("  %s\n", msg)
	fmt.Printf("%s\n\n", strings.Repeat("=", 70))
}

// info prints an info line.
func info(format string, args ...any) {
	fmt.Printf("[INFO] "+format+"\n", args...)
}

// warn prints a warning line.
func warn(format string, args ...any) {
	fmt.Printf("[WARN] "+format+"\n", args...)
}

// fatal prints an error and exits.
func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "[FATAL] "+format+"\n", args...)
	os.Exit(1)
}

// fileExists checks whether a path exists.
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// pollUntil calls check repeatedly with exponential backoff until it returns
// true or the timeout expires. Initial interval is 250ms, max interval is 2s.
// Returns an error if the timeout is exceeded.
func pollUntil(timeout time.Duration, desc string, check func() bool) error {
	deadline := time.Now().Add(timeout)
	interval := 250 * time.Millisecond

	for time.Now().Before(deadline) {
		if check() {
			return nil
		}
		sleep := interval
		if remaining := time.Until(deadline); sleep > remaining {
			sleep = remaining
		}
		time.Sleep(sleep)
		interval = min(interval*2, 2*time.Second)
	}
	return fmt.Errorf("timeout after %s waiting for: %s", timeout, desc)
}
