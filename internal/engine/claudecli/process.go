package claudecli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/buildd-ai/runner/internal/engine"
	"github.com/buildd-ai/runner/internal/log"
)

// stderrTailLines bounds the stderr ring buffer kept for exit error context.
const stderrTailLines = 64

// process is one live claude session. It implements engine.Stream.
type process struct {
	ctx    context.Context
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader

	events chan engine.Event
	errors chan error

	hooks *hookRegistry
	input engine.InputSource
	echo  io.Writer

	// writeMu serializes stdin frames: the input bridge and hook responses
	// share the pipe.
	writeMu   sync.Mutex
	stdinOnce sync.Once

	errMu     sync.Mutex
	errClosed bool

	stderrMu   sync.Mutex
	stderrTail []string

	readers sync.WaitGroup
}

func newProcess(ctx context.Context, cmd *exec.Cmd, stdin io.WriteCloser, stdout, stderr io.Reader, opts engine.Options) *process {
	return &process{
		ctx:    ctx,
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		events: make(chan engine.Event, 100),
		errors: make(chan error, 10),
		hooks:  newHookRegistry(opts.Hooks),
		input:  opts.Input,
		echo:   opts.Stderr,
	}
}

// Events returns parsed engine events. Closed at stdout EOF.
func (p *process) Events() <-chan engine.Event { return p.events }

// Errors carries at most the terminal failure. Closed after the process is
// reaped.
func (p *process) Errors() <-chan error { return p.errors }

// run launches the pipe readers, the reaper, and the stdin feeder.
func (p *process) run(prompt engine.Prompt) {
	p.readers.Add(2)
	go p.parseOutput()
	go p.parseStderr()
	go p.waitForCompletion()
	go p.feedInput(prompt)
}

// parseOutput reads stdout line by line. Event payloads can be large, so
// the scanner buffer starts at 64 KiB and grows to 1 MiB.
func (p *process) parseOutput() {
	defer p.readers.Done()
	defer close(p.events)

	scanner := bufio.NewScanner(p.stdout)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		p.handleLine(line)
	}
	if err := scanner.Err(); err != nil {
		log.Debug(log.CatEngine, "stdout scanner error", "error", err)
		p.sendError(fmt.Errorf("stdout scan: %w", err))
	}
}

// handleLine routes one stdout line: control frames are protocol traffic,
// everything else is an engine event for the caller.
func (p *process) handleLine(line []byte) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(line, &head); err != nil {
		log.Debug(log.CatEngine, "unparseable engine output", "error", err, "line", string(line))
		return
	}

	switch head.Type {
	case frameControlRequest:
		p.handleControlRequest(line)
	case frameControlResponse, frameControlCancel:
		// Acks for our own control traffic.
	default:
		var ev engine.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			log.Debug(log.CatEngine, "malformed engine event", "error", err, "line", string(line))
			return
		}
		ev.Raw = append([]byte(nil), line...)
		select {
		case p.events <- ev:
		case <-p.ctx.Done():
		}
	}
}

func (p *process) parseStderr() {
	defer p.readers.Done()

	scanner := bufio.NewScanner(p.stderr)
	for scanner.Scan() {
		line := scanner.Text()
		p.recordStderr(line)
		if p.echo != nil {
			fmt.Fprintln(p.echo, line)
		}
	}
}

// recordStderr keeps the most recent lines only.
func (p *process) recordStderr(line string) {
	p.stderrMu.Lock()
	defer p.stderrMu.Unlock()
	p.stderrTail = append(p.stderrTail, line)
	if len(p.stderrTail) > stderrTailLines {
		p.stderrTail = p.stderrTail[len(p.stderrTail)-stderrTailLines:]
	}
}

func (p *process) stderrContext() string {
	p.stderrMu.Lock()
	defer p.stderrMu.Unlock()
	return strings.Join(p.stderrTail, "\n")
}

// waitForCompletion reaps the process after both pipe readers drain and
// reports a non-zero exit on the errors channel.
func (p *process) waitForCompletion() {
	defer p.closeErrors()

	p.readers.Wait()
	err := p.cmd.Wait()
	p.closeStdin()

	if err == nil {
		return
	}
	if p.ctx.Err() != nil {
		// The caller killed the session; the exit status is expected noise.
		log.Debug(log.CatEngine, "claude process ended by cancellation", "error", err)
		return
	}
	if tail := p.stderrContext(); tail != "" {
		p.sendError(fmt.Errorf("claude exited: %w: %s", err, tail))
	} else {
		p.sendError(fmt.Errorf("claude exited: %w", err))
	}
}

// feedInput writes the opening frames and bridges follow-up messages from
// opts.Input until the source ends.
func (p *process) feedInput(prompt engine.Prompt) {
	if p.hooks.enabled() {
		if err := p.writeFrame(initializeRequest(p.hooks)); err != nil {
			p.sendError(fmt.Errorf("initialize: %w", err))
			return
		}
	}
	if err := p.writeFrame(promptFrame(prompt)); err != nil {
		p.sendError(fmt.Errorf("prompt: %w", err))
		return
	}

	if p.input == nil {
		// Hook answers share stdin, so it stays open while callbacks may
		// still fire.
		if !p.hooks.enabled() {
			p.closeStdin()
		}
		return
	}

	for {
		msg, ok := p.input.Next(p.ctx)
		if !ok {
			p.closeStdin()
			return
		}
		if err := p.writeFrame(messageFrame(msg)); err != nil {
			p.sendError(fmt.Errorf("bridge message: %w", err))
			return
		}
		log.Debug(log.CatEngine, "bridged user message",
			"toolResult", msg.ParentToolUseID != "", "bytes", len(msg.Text))
	}
}

// writeFrame marshals one JSONL frame onto stdin.
func (p *process) writeFrame(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, err = p.stdin.Write(data)
	return err
}

func (p *process) closeStdin() {
	p.stdinOnce.Do(func() {
		_ = p.stdin.Close()
	})
}

// sendError delivers a terminal error without blocking or panicking: the
// channel may be full, or already closed by waitForCompletion.
func (p *process) sendError(err error) {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	if p.errClosed {
		log.Debug(log.CatEngine, "error after stream close", "error", err)
		return
	}
	select {
	case p.errors <- err:
	default:
		log.Debug(log.CatEngine, "error channel full, dropping error", "error", err)
	}
}

func (p *process) closeErrors() {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	p.errClosed = true
	close(p.errors)
}
