// ABOUTME: Implements the stdio Adapter - spawns the server process, pipes
// ABOUTME: its stdio, and watches stderr plus a fallback timer for readiness.
package transport

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"sync"
	"time"
)

// readyPattern matches the readiness strings well-behaved servers print to
// stderr on startup.
var readyPattern = regexp.MustCompile(`(?i)(ready|running|started)`)

// stdioAdapter runs one server as a child process. stdout chunks become
// EventData, stderr lines become EventLog, and readiness comes from the first
// of: a stderr match, or the ready timer expiring. Servers that never print a
// recognizable signal are assumed ready rather than left to deadlock.
type stdioAdapter struct {
	cfg Config
	cmd *exec.Cmd

	stdin io.WriteCloser

	events chan Event
	done   chan struct{}

	readyOnce sync.Once
	closeOnce sync.Once
	writeMu   sync.Mutex

	readyTimer *time.Timer
}

func newStdio(cfg Config, opts Options) (*stdioAdapter, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("stdio server %q: command missing", cfg.Name)
	}
	cmd := exec.Command(cfg.Command, cfg.Args...)
	env := os.Environ()
	for k, v := range cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdio server %q: stdin pipe: %w", cfg.Name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdio server %q: stdout pipe: %w", cfg.Name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stdio server %q: stderr pipe: %w", cfg.Name, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("stdio server %q: start: %w", cfg.Name, err)
	}

	s := &stdioAdapter{
		cfg:    cfg,
		cmd:    cmd,
		stdin:  stdin,
		events: make(chan Event, 256),
		done:   make(chan struct{}),
	}
	s.readyTimer = time.AfterFunc(opts.readyTimeout(), s.markReady)

	var pumps sync.WaitGroup
	pumps.Add(2)
	go s.pumpStdout(stdout, &pumps)
	go s.pumpStderr(stderr, &pumps)
	go s.wait(&pumps)
	return s, nil
}

// Send writes payload plus a newline to the child's stdin. A write failure
// means the process side of the pipe is gone and surfaces as a connection
// error to the supervisor.
func (s *stdioAdapter) Send(payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.stdin.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("stdio server %q: write: %w", s.cfg.Name, err)
	}
	return nil
}

// Events returns the adapter's event stream. Consumers must drain it until
// EventExit.
func (s *stdioAdapter) Events() <-chan Event { return s.events }

// Close kills the child process. The exit event still flows through the
// normal wait path.
func (s *stdioAdapter) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.readyTimer.Stop()
		_ = s.stdin.Close()
		if s.cmd.Process != nil {
			err = s.cmd.Process.Kill()
		}
	})
	return err
}

func (s *stdioAdapter) pumpStdout(r io.Reader, pumps *sync.WaitGroup) {
	defer pumps.Done()
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.emit(Event{Kind: EventData, Data: chunk})
		}
		if err != nil {
			return
		}
	}
}

func (s *stdioAdapter) pumpStderr(r io.Reader, pumps *sync.WaitGroup) {
	defer pumps.Done()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		s.emit(Event{Kind: EventLog, Line: line})
		if readyPattern.MatchString(line) {
			s.markReady()
		}
	}
}

func (s *stdioAdapter) wait(pumps *sync.WaitGroup) {
	pumps.Wait()
	err := s.cmd.Wait()
	s.readyTimer.Stop()
	s.events <- Event{Kind: EventExit, Err: err}
	close(s.done)
}

func (s *stdioAdapter) markReady() {
	s.readyOnce.Do(func() {
		s.emit(Event{Kind: EventReady})
	})
}

// emit delivers an event unless the adapter has already exited. The done
// guard keeps the ready timer from blocking forever if it fires after the
// consumer has seen EventExit and walked away.
func (s *stdioAdapter) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}
