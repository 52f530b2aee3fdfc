package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/guseggert/scriptstream/internal/metrics"
	"github.com/guseggert/scriptstream/stream"
	"go.uber.org/zap"
)

var ErrStreamClosed = errors.New("outbound stream closed")

// Sink is the outbound half of a run's stream.
type Sink interface {
	// WriteLine writes one whole line. It may block while the transport applies backpressure.
	WriteLine(line []byte) error
	// Closed reports whether the reader has gone away.
	Closed() bool
}

// Controller queues envelopes and flushes them to a Sink.
// Run is the only goroutine that writes to the sink, so a blocked write holds the queue rather than the producer.
// When the sink closes, the controller discards the queue and kills the process instead of buffering.
type Controller struct {
	log  *zap.SugaredLogger
	sink Sink
	kill func()

	wake chan struct{}
	done chan struct{}

	mut      sync.Mutex
	queue    []stream.Envelope
	closed   bool
	finished bool
}

func NewController(log *zap.SugaredLogger, sink Sink, kill func()) *Controller {
	return &Controller{
		log:  log,
		sink: sink,
		kill: kill,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Enqueue queues env and wakes the flush loop.
// It returns false, queueing nothing, once the stream has closed or Finish was called.
func (c *Controller) Enqueue(env stream.Envelope) bool {
	c.mut.Lock()
	if c.closed || c.finished {
		c.mut.Unlock()
		return false
	}
	c.queue = append(c.queue, env)
	c.mut.Unlock()
	c.signal()
	return true
}

// Finish tells Run to return once the queue is flushed.
func (c *Controller) Finish() {
	c.mut.Lock()
	c.finished = true
	c.mut.Unlock()
	c.signal()
}

// Done is closed when Run returns.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

func (c *Controller) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Run flushes the queue until Finish is called and everything is written, or until the stream closes.
// ctx should be done when the reader disconnects, Run then aborts even if nothing is queued.
// It returns an error wrapping ErrStreamClosed if the stream closed first.
func (c *Controller) Run(ctx context.Context) error {
	defer close(c.done)
	for {
		if err := c.flush(); err != nil {
			return err
		}
		c.mut.Lock()
		finished := c.finished && len(c.queue) == 0
		c.mut.Unlock()
		if finished {
			return nil
		}
		select {
		case <-ctx.Done():
			return c.abort(ctx.Err())
		case <-c.wake:
		}
	}
}

func (c *Controller) pop() (stream.Envelope, bool) {
	c.mut.Lock()
	defer c.mut.Unlock()
	if c.closed || len(c.queue) == 0 {
		return stream.Envelope{}, false
	}
	env := c.queue[0]
	c.queue[0] = stream.Envelope{}
	c.queue = c.queue[1:]
	return env, true
}

func (c *Controller) flush() error {
	for {
		if c.sink.Closed() {
			return c.abort(nil)
		}
		env, ok := c.pop()
		if !ok {
			return nil
		}
		line, err := env.MarshalLine()
		if err != nil {
			c.log.Errorw("dropping envelope that can't be encoded", "Type", env.Type, "Error", err)
			continue
		}
		if err := c.sink.WriteLine(line); err != nil {
			return c.abort(err)
		}
		metrics.EnvelopesWritten.WithLabelValues(string(env.Type)).Inc()
	}
}

func (c *Controller) abort(cause error) error {
	c.mut.Lock()
	if c.closed {
		c.mut.Unlock()
		return ErrStreamClosed
	}
	c.closed = true
	dropped := len(c.queue)
	c.queue = nil
	c.mut.Unlock()

	c.log.Debugw("stream closed, killing process", "Dropped", dropped, "Cause", cause)
	metrics.EnvelopesDropped.Add(float64(dropped))
	c.kill()
	if cause != nil {
		return fmt.Errorf("%w: %s", ErrStreamClosed, cause)
	}
	return ErrStreamClosed
}
