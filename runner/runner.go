// Package runner spawns scripts as child processes and multiplexes their output.
//
// A process has three outputs: stdout, stderr, and a message side channel that the script finds at the file descriptor
// named by the SCRIPTSTREAM_MESSAGE_FD environment variable. All three are read line by line and delivered on a single channel.
// Lines from one output arrive in the order they were written, but there is no ordering between outputs.
package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/guseggert/scriptstream/stream"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultTimeout = 5 * time.Minute

	// MessageFDEnv names the environment variable holding the side channel's file descriptor.
	MessageFDEnv = "SCRIPTSTREAM_MESSAGE_FD"
	messageFD    = 3

	// maxLineSize bounds a single line of output, images are sent as one line.
	maxLineSize = 16 << 20

	// pipeCloseDelay is how long readers may keep draining after the process exits,
	// before pipes inherited by orphaned descendants are forcibly closed.
	pipeCloseDelay = 2 * time.Second
)

type Command struct {
	Path string
	Args []string
	// Env is overlaid on the inherited environment.
	Env map[string]string
	Dir string
	// Timeout defaults to DefaultTimeout.
	Timeout time.Duration
}

// Output is one line read from one of the process's outputs, without its newline.
type Output struct {
	Source stream.Source
	Data   []byte
}

type Result struct {
	ExitCode int
	TimedOut bool
	// Killed is true if Kill was called before the process exited.
	Killed bool
	TimeMS int64
	// Err is set when waiting for the process failed for a reason other than a non-zero exit.
	Err error
}

func (r Result) Success() bool {
	return r.ExitCode == 0 && r.Err == nil && !r.TimedOut && !r.Killed
}

type Runner struct {
	Log *zap.SugaredLogger
}

type Process struct {
	log    *zap.SugaredLogger
	cmd    *exec.Cmd
	ctx    context.Context
	cancel context.CancelFunc

	out  chan Output
	stop chan struct{}
	done chan struct{}

	killOnce sync.Once
	killed   bool
	result   Result
}

// Start spawns the command. The process is killed when ctx is done, when the timeout expires, or when Kill is called.
// Once started, Output must be drained or Kill called, otherwise the process blocks on writing its output.
func (r *Runner) Start(ctx context.Context, c Command) (*Process, error) {
	log := r.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)

	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Dir = c.Dir
	configureProcess(cmd)

	var readers, writers []*os.File
	closeAll := func(files []*os.File) {
		for _, f := range files {
			f.Close()
		}
	}
	newPipe := func() (*os.File, *os.File, error) {
		pr, pw, err := os.Pipe()
		if err != nil {
			return nil, nil, err
		}
		readers = append(readers, pr)
		writers = append(writers, pw)
		return pr, pw, nil
	}
	fail := func(err error) (*Process, error) {
		cancel()
		closeAll(readers)
		closeAll(writers)
		return nil, err
	}

	stdoutR, stdoutW, err := newPipe()
	if err != nil {
		return fail(fmt.Errorf("creating stdout pipe: %w", err))
	}
	stderrR, stderrW, err := newPipe()
	if err != nil {
		return fail(fmt.Errorf("creating stderr pipe: %w", err))
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	env := map[string]string{}
	for k, v := range c.Env {
		env[k] = v
	}
	var msgR *os.File
	if sideChannelSupported {
		var msgW *os.File
		msgR, msgW, err = newPipe()
		if err != nil {
			return fail(fmt.Errorf("creating message pipe: %w", err))
		}
		cmd.ExtraFiles = []*os.File{msgW}
		env[MessageFDEnv] = fmt.Sprint(messageFD)
	}
	cmd.Env = overlayEnv(os.Environ(), env)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return fail(fmt.Errorf("starting %q: %w", c.Path, err))
	}
	// the child has its own copies now, EOF on our readers means every holder closed them
	closeAll(writers)

	p := &Process{
		log:    log.With("PID", cmd.Process.Pid),
		cmd:    cmd,
		ctx:    ctx,
		cancel: cancel,
		out:    make(chan Output),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	p.log.Debugw("process started", "Command", c.Path, "Args", c.Args, "Dir", c.Dir, "Timeout", timeout)

	var g errgroup.Group
	g.Go(func() error { return p.pump(stream.SourceStdout, stdoutR) })
	g.Go(func() error { return p.pump(stream.SourceStderr, stderrR) })
	if msgR != nil {
		g.Go(func() error { return p.pump(stream.SourceMessage, msgR) })
	}
	go p.reap(&g, readers, start)

	return p, nil
}

// Output returns the multiplexed output of the process. It is closed once every output is drained and the process has exited.
func (p *Process) Output() <-chan Output {
	return p.out
}

// Done is closed once the process has exited and its output channel is closed.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the process has exited and its output is drained.
func (p *Process) Wait() Result {
	<-p.done
	return p.result
}

func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Kill kills the process and everything it spawned. It's safe to call multiple times and after the process exited.
// Output still read from the pipes after Kill is discarded.
func (p *Process) Kill() {
	p.killOnce.Do(func() {
		select {
		case <-p.done:
			return
		default:
		}
		p.log.Debug("killing process")
		p.killed = true
		close(p.stop)
		p.cancel()
	})
}

func (p *Process) pump(src stream.Source, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		b := append([]byte(nil), scanner.Bytes()...)
		select {
		case p.out <- Output{Source: src, Data: b}:
		case <-p.stop:
		}
	}
	err := scanner.Err()
	if errors.Is(err, bufio.ErrTooLong) {
		p.log.Warnw("output line too long, discarding the rest of the output", "Source", src)
		select {
		case p.out <- Output{Source: stream.SourceStderr, Data: []byte(fmt.Sprintf("%s line exceeds %d bytes, discarding the rest of %s", src, maxLineSize, src))}:
		case <-p.stop:
		}
		_, err = io.Copy(io.Discard, r)
	}
	if err != nil && !errors.Is(err, os.ErrClosed) {
		p.log.Debugw("error reading output", "Source", src, "Error", err)
		return fmt.Errorf("reading %s: %w", src, err)
	}
	return nil
}

func (p *Process) reap(g *errgroup.Group, readers []*os.File, start time.Time) {
	waitErr := p.cmd.Wait()
	timeMS := time.Since(start).Milliseconds()

	forceClose := time.AfterFunc(pipeCloseDelay, func() {
		p.log.Debug("output still open after exit, closing pipes")
		for _, r := range readers {
			r.Close()
		}
	})
	pumpErr := g.Wait()
	forceClose.Stop()
	for _, r := range readers {
		r.Close()
	}

	res := Result{
		ExitCode: p.cmd.ProcessState.ExitCode(),
		TimeMS:   timeMS,
	}
	p.killOnce.Do(func() {})
	res.Killed = p.killed || errors.Is(p.ctx.Err(), context.Canceled)
	res.TimedOut = !res.Killed && errors.Is(p.ctx.Err(), context.DeadlineExceeded)
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) && !res.Killed && !res.TimedOut {
		res.Err = waitErr
	}
	if res.Err == nil && pumpErr != nil {
		res.Err = pumpErr
	}
	p.cancel()
	p.result = res

	p.log.Debugw("process exited", "ExitCode", res.ExitCode, "TimedOut", res.TimedOut, "Killed", res.Killed, "TimeMS", timeMS, "Error", res.Err)
	close(p.out)
	close(p.done)
}

// overlayEnv returns base with the overlay variables set, replacing any inherited value of the same name.
func overlayEnv(base []string, overlay map[string]string) []string {
	env := make([]string, 0, len(base)+len(overlay))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if _, ok := overlay[k]; ok {
			continue
		}
		env = append(env, kv)
	}
	keys := make([]string, 0, len(overlay))
	for k := range overlay {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+overlay[k])
	}
	return env
}
