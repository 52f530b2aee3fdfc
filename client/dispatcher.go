package client

import (
	"fmt"

	"github.com/guseggert/scriptstream/session"
	"github.com/guseggert/scriptstream/stream"
	"go.uber.org/zap"
)

// Lifecycle event names scripts emit. Events are forwarded by name, these are only the ones this package interprets.
const (
	EventItemStart    = "item.start"
	EventItemFinished = "item.finished"
	EventItemSkipped  = "item.skipped"
	EventRunProgress  = "run.progress"
	EventRunFinished  = "run.finished"
)

// MessageExecutionFailed is the text of the item added when a run could not be read to the end.
const MessageExecutionFailed = "execution failed"

// EventFunc receives the lifecycle events of a run. fields is the event's data, including eventName.
type EventFunc func(name string, fields map[string]any)

// Dispatcher routes the lines of one run: events go to the EventFunc, everything else becomes a session item.
type Dispatcher struct {
	log     *zap.SugaredLogger
	sess    *session.Session
	runID   int64
	onEvent EventFunc
}

func NewDispatcher(log *zap.SugaredLogger, sess *session.Session, runID int64, onEvent EventFunc) *Dispatcher {
	if onEvent == nil {
		onEvent = func(string, map[string]any) {}
	}
	return &Dispatcher{log: log, sess: sess, runID: runID, onEvent: onEvent}
}

// Dispatch handles one complete line. It never fails, a line that can't be decoded becomes an error item.
// Nothing from a run that is no longer current reaches the session or the EventFunc.
func (d *Dispatcher) Dispatch(line []byte) {
	msg, err := stream.Decode(line)
	if err != nil {
		d.log.Debugw("undecodable line", "Line", string(line), "Error", err)
		d.Error(fmt.Sprintf("undecodable line: %s", err))
		return
	}
	switch m := msg.(type) {
	case stream.Event:
		if !d.sess.IsCurrent(d.runID) {
			d.log.Debugw("event of stale run discarded", "RunID", d.runID, "Event", m.Name)
			return
		}
		d.onEvent(m.Name, m.Fields)
	case stream.Log:
		d.append(session.Item{Type: m.Level, Text: m.Text()})
	case stream.Image:
		d.append(session.Item{Type: stream.TypeImage, Image: m.Data})
	case stream.Verdict:
		success := m.Success
		text := "failed"
		if success {
			text = "passed"
		}
		d.append(session.Item{Type: stream.TypeVerdict, Text: text, Success: &success, Reason: m.Reason})
	case stream.Raw:
		d.append(session.Item{Type: stream.TypeData, Text: string(m.Data)})
	default:
		d.Error(fmt.Sprintf("unhandled message %T", msg))
	}
}

// Error adds an error item to the run.
func (d *Dispatcher) Error(text string) {
	d.append(session.Item{Type: stream.TypeError, Text: text})
}

// Done emits the done pseudo-event. It is emitted even for a stale run, so the caller always sees the end of every run it started.
func (d *Dispatcher) Done() {
	d.onEvent(stream.EventDone, map[string]any{"runId": d.runID})
}

func (d *Dispatcher) append(item session.Item) {
	if _, ok := d.sess.Append(d.runID, item); !ok {
		d.log.Debugw("item of stale run discarded", "RunID", d.runID, "Type", item.Type)
	}
}

// RecordStats counts finished and skipped items in the session's stats before passing every event on to next.
// An item.finished event with a boolean success field is a pass or a failure, without one it counts as other,
// as does item.skipped.
func RecordStats(sess *session.Session, next EventFunc) EventFunc {
	return func(name string, fields map[string]any) {
		switch name {
		case EventItemFinished:
			success, ok := fields["success"].(bool)
			switch {
			case !ok:
				sess.RecordOther()
			case success:
				sess.RecordPass()
			default:
				sess.RecordFail()
			}
		case EventItemSkipped:
			sess.RecordOther()
		}
		if next != nil {
			next(name, fields)
		}
	}
}
