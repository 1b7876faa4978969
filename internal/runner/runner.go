// Package runner launches the external configuration tool for a job and
// streams its combined output line by line.
package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
)

var ErrScriptMissing = errors.New("playbook not found")

const (
	DefaultBinary = "ansible-playbook"
	DefaultUser   = "root"
	stopGrace     = 5 * time.Second
	lineBuffer    = 256
)

// Invocation is one run of a playbook against a set of hosts.
type Invocation struct {
	JobID     int64
	Playbook  string
	Hosts     []string
	ExtraVars map[string]any
	User      string
}

// Inventory renders hosts as an inline inventory. An empty host list targets
// localhost.
func (inv Invocation) Inventory() string {
	if len(inv.Hosts) == 0 {
		return "localhost,"
	}
	return strings.Join(inv.Hosts, ",") + ","
}

func (inv Invocation) Args() ([]string, error) {
	vars, err := json.Marshal(inv.ExtraVars)
	if err != nil {
		return nil, fmt.Errorf("encoding extra vars: %w", err)
	}
	user := inv.User
	if user == "" {
		user = DefaultUser
	}
	return []string{
		"-i", inv.Inventory(),
		inv.Playbook,
		"--extra-vars", string(vars),
		"-u", user,
		"--ssh-common-args", "-o StrictHostKeyChecking=no",
	}, nil
}

// Launcher starts invocations. Ansible is the production implementation.
type Launcher interface {
	Launch(ctx context.Context, inv Invocation) (Process, error)
}

// Process is a running invocation.
type Process interface {
	// Lines yields combined stdout and stderr, one line per value, and is
	// closed once the output ends.
	Lines() <-chan string
	// Wait blocks until the process exits and returns its exit code. A
	// non-nil error means the exit status could not be determined.
	Wait() (int, error)
	Stop() error
}

type Ansible struct {
	Binary string
	LogDir string
	log    *zap.Logger
}

func NewAnsible(binary, logDir string, logger *zap.Logger) *Ansible {
	if binary == "" {
		binary = DefaultBinary
	}
	return &Ansible{Binary: binary, LogDir: logDir, log: logger.Named("runner")}
}

func (a *Ansible) Launch(ctx context.Context, inv Invocation) (Process, error) {
	if _, err := os.Stat(inv.Playbook); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrScriptMissing, inv.Playbook)
		}
		return nil, fmt.Errorf("checking playbook: %w", err)
	}

	args, err := inv.Args()
	if err != nil {
		return nil, err
	}

	var logFile *os.File
	if a.LogDir != "" {
		if err := os.MkdirAll(a.LogDir, 0755); err != nil {
			return nil, fmt.Errorf("creating log dir: %w", err)
		}
		logFile, err = os.Create(filepath.Join(a.LogDir, fmt.Sprintf("%d.log", inv.JobID)))
		if err != nil {
			return nil, fmt.Errorf("creating log file: %w", err)
		}
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		closeFile(logFile)
		return nil, fmt.Errorf("creating output pipe: %w", err)
	}

	cmd := exec.Command(a.Binary, args...)
	cmd.Stdout = pw
	cmd.Stderr = pw
	cmd.Env = os.Environ()
	// New process group so Stop reaches ssh children too
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		closeFile(logFile)
		return nil, fmt.Errorf("starting %s: %w", a.Binary, err)
	}
	pw.Close()

	a.log.Info("playbook started",
		zap.Int64("job_id", inv.JobID),
		zap.String("playbook", inv.Playbook),
		zap.Strings("hosts", inv.Hosts),
		zap.Int("pid", cmd.Process.Pid))

	p := &process{
		cmd:      cmd,
		lines:    make(chan string, lineBuffer),
		finished: make(chan struct{}),
	}

	var sink io.Writer
	if logFile != nil {
		sink = NewLimitWriter(logFile, MaxLogSize)
	}
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		p.pump(pr, sink)
		pr.Close()
		closeFile(logFile)
	}()

	go func() {
		p.err = cmd.Wait()
		<-readDone
		close(p.finished)
	}()

	return p, nil
}

type process struct {
	cmd      *exec.Cmd
	lines    chan string
	err      error
	finished chan struct{}
}

func (p *process) pump(r io.Reader, sink io.Writer) {
	defer close(p.lines)
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			if sink != nil {
				io.WriteString(sink, line)
			}
			p.lines <- line
		}
		if err != nil {
			return
		}
	}
}

func (p *process) Lines() <-chan string {
	return p.lines
}

func (p *process) Wait() (int, error) {
	<-p.finished
	if p.err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(p.err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, p.err
}

func (p *process) Stop() error {
	if p.cmd.Process == nil {
		return nil
	}

	select {
	case <-p.finished:
		return nil
	default:
	}

	pgid, err := syscall.Getpgid(p.cmd.Process.Pid)
	if err == nil {
		syscall.Kill(-pgid, syscall.SIGTERM)
	} else {
		p.cmd.Process.Signal(syscall.SIGTERM)
	}

	select {
	case <-p.finished:
		return nil
	case <-time.After(stopGrace):
		if err == nil {
			syscall.Kill(-pgid, syscall.SIGKILL)
		} else {
			p.cmd.Process.Kill()
		}
		<-p.finished
		return nil
	}
}

func closeFile(f *os.File) {
	if f != nil {
		f.Close()
	}
}
