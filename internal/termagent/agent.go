// Package termagent executes one CLI session inside a pseudo-terminal and
// turns its opaque output into a structured state signal via an LLM
// observer.
package termagent

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"
	"golang.org/x/time/rate"

	"github.com/neboloop/lens/internal/ai"
	"github.com/neboloop/lens/internal/logging"
)

const (
	ptyCols = 120
	ptyRows = 40

	windowBytes = 8 * 1024

	// Polite-interrupt grace before the hard kill.
	killGrace = 3 * time.Second

	// Log streaming ceiling per agent; excess lines are truncated.
	logLinesPerSecond = 50
)

// Reporter delivers agent events to the server (socket or REST fallback).
type Reporter interface {
	ReportStatus(agentID, status, observation string)
	ReportComplete(agentID, result, errMsg string)
	ReportLog(agentID, line, stream string)
}

// Config describes one agent run.
type Config struct {
	AgentID          string
	Goal             string
	WorkingDirectory string
	Command          string
	Args             []string
	StreamLogs       bool

	Observer ai.ObserverClient
	Reporter Reporter
}

// Agent is one live PTY session. Teardown always reaps the child and
// releases the PTY before the terminal event is reported, so no zombies
// survive an agent.
type Agent struct {
	cfg    Config
	cmd    *exec.Cmd
	ptmx   *os.File
	window *rollingWindow

	outputMu sync.Mutex
	outputAt time.Time

	cancel   context.CancelFunc
	done     chan struct{}
	killOnce sync.Once
	killed   chan struct{}

	finalOnce sync.Once
}

// Start validates the working directory, allocates the PTY, spawns the CLI
// and begins the observer loop. Spawn failures are reported as an immediate
// terminal event and returned.
func Start(ctx context.Context, cfg Config) (*Agent, error) {
	if cfg.WorkingDirectory != "" {
		info, err := os.Stat(cfg.WorkingDirectory)
		if err != nil || !info.IsDir() {
			cfg.Reporter.ReportComplete(cfg.AgentID, "", "spawn_failed")
			return nil, fmt.Errorf("working directory %s: not a directory", cfg.WorkingDirectory)
		}
	}

	args := append([]string{}, cfg.Args...)
	args = append(args, cfg.Goal)
	cmd := exec.Command(cfg.Command, args...)
	cmd.Dir = cfg.WorkingDirectory

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: ptyRows, Cols: ptyCols})
	if err != nil {
		cfg.Reporter.ReportComplete(cfg.AgentID, "", "spawn_failed")
		return nil, fmt.Errorf("spawn %s in pty: %w", cfg.Command, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	agent := &Agent{
		cfg:      cfg,
		cmd:      cmd,
		ptmx:     ptmx,
		window:   newRollingWindow(windowBytes),
		outputAt: time.Now(),
		cancel:   cancel,
		done:     make(chan struct{}),
		killed:   make(chan struct{}),
	}

	logging.Infof("[TermAgent %s] Started %s (pid=%d)", cfg.AgentID, cfg.Command, cmd.Process.Pid)
	go agent.run(runCtx)
	return agent, nil
}

// Done closes when the agent has fully torn down.
func (a *Agent) Done() <-chan struct{} { return a.done }

// Kill requests termination: polite interrupt, bounded wait, then force.
func (a *Agent) Kill() {
	a.killOnce.Do(func() {
		close(a.killed)
		a.cancel()
	})
}

// run owns the agent lifecycle: read pump, observer loop, teardown, report.
func (a *Agent) run(ctx context.Context) {
	defer close(a.done)
	defer a.cancel()

	exited := make(chan error, 1)
	readDone := make(chan struct{})

	go a.readPump(readDone)
	go func() { exited <- a.cmd.Wait() }()

	obsCh := make(chan *ai.Observation, 1)
	go func() { obsCh <- a.observerLoop(ctx) }()

	var (
		final   *ai.Observation
		exitErr error
		byKill  bool
	)

	select {
	case obs := <-obsCh:
		if obs != nil {
			final = obs
		} else {
			// Observer loop ended by cancellation: kill path.
			byKill = a.wasKilled()
		}
		exitErr = a.stopChild(exited)

	case exitErr = <-exited:
		// Child exited on its own; stop the observer and classify the tail.
		a.cancel()
		<-obsCh
		final = a.finalClassification(exitErr)
	}

	<-readDone
	a.ptmx.Close()

	a.report(final, exitErr, byKill || a.wasKilled())
}

// readPump drains the PTY into the rolling window and optionally streams
// log lines at a bounded rate.
func (a *Agent) readPump(done chan<- struct{}) {
	defer close(done)

	limiter := rate.NewLimiter(rate.Limit(logLinesPerSecond), logLinesPerSecond)
	reader := bufio.NewReader(a.ptmx)
	buf := make([]byte, 4096)

	for {
		n, err := reader.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			a.window.append(chunk)
			a.outputMu.Lock()
			a.outputAt = time.Now()
			a.outputMu.Unlock()

			if a.cfg.StreamLogs {
				for _, line := range bytes.Split(chunk, []byte("\n")) {
					if len(line) == 0 {
						continue
					}
					if limiter.Allow() {
						a.cfg.Reporter.ReportLog(a.cfg.AgentID, string(line), "pty")
					}
				}
			}
		}
		if err != nil {
			// PTY read errors (EIO on child exit) end the pump.
			return
		}
	}
}

func (a *Agent) lastOutputAt() time.Time {
	a.outputMu.Lock()
	defer a.outputMu.Unlock()
	return a.outputAt
}

func (a *Agent) wasKilled() bool {
	select {
	case <-a.killed:
		return true
	default:
		return false
	}
}

// stopChild interrupts the CLI, waits for a natural exit, then forces
// termination, and always reaps.
func (a *Agent) stopChild(exited <-chan error) error {
	if a.cmd.Process == nil {
		return nil
	}
	select {
	case err := <-exited:
		return err
	default:
	}

	a.cmd.Process.Signal(os.Interrupt)
	select {
	case err := <-exited:
		return err
	case <-time.After(killGrace):
	}

	a.cmd.Process.Kill()
	return <-exited
}

// finalClassification reads the tail once more after the child exits.
func (a *Agent) finalClassification(exitErr error) *ai.Observation {
	window, _ := a.window.snapshot()
	if strings.TrimSpace(window) != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if obs, err := a.classifyWithRetry(ctx, window); err == nil && obs.Terminal() {
			return obs
		}
	}
	if exitErr == nil {
		return &ai.Observation{State: ai.ObserverSuccess, Summary: tail(window, 500)}
	}
	return &ai.Observation{State: ai.ObserverFailure, Summary: fmt.Sprintf("exited with error: %v", exitErr)}
}

// report emits the terminal event exactly once, after teardown.
func (a *Agent) report(final *ai.Observation, exitErr error, byKill bool) {
	a.finalOnce.Do(func() {
		switch {
		case byKill:
			a.cfg.Reporter.ReportComplete(a.cfg.AgentID, "", "killed")
		case final != nil && final.State == ai.ObserverSuccess:
			a.cfg.Reporter.ReportComplete(a.cfg.AgentID, final.Summary, "")
		case final != nil:
			a.cfg.Reporter.ReportComplete(a.cfg.AgentID, "", final.Summary)
		case exitErr != nil:
			a.cfg.Reporter.ReportComplete(a.cfg.AgentID, "", fmt.Sprintf("exited with error: %v", exitErr))
		default:
			a.cfg.Reporter.ReportComplete(a.cfg.AgentID, "", "terminated")
		}
		logging.Infof("[TermAgent %s] Finished", a.cfg.AgentID)
	})
}

// reportStatus forwards an observation-driven status transition.
func (a *Agent) reportStatus(status, observation string) {
	a.cfg.Reporter.ReportStatus(a.cfg.AgentID, status, observation)
}

func tail(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}
