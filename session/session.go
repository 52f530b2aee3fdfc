// Package session holds the state of one execution control: which run is current, whether it is running,
// the rendered results of the current run, and pass/fail statistics.
//
// Every control owns its own Session. Nothing here is shared between sessions.
package session

import (
	"context"
	"errors"
	"sync"

	"github.com/guseggert/scriptstream/stream"
	"go.uber.org/zap"
)

var ErrRunInProgress = errors.New("run in progress")

type Status int

const (
	StatusIdle Status = iota
	StatusRunning
)

func (s Status) String() string {
	if s == StatusRunning {
		return "running"
	}
	return "idle"
}

// Item is a renderable result of a run.
type Item struct {
	// Key is the value of the result index when the item was appended, unique within a run.
	Key  int
	Type stream.Type
	Text string

	// Image is set for stream.TypeImage items.
	Image []byte
	// Success is set for stream.TypeVerdict items.
	Success *bool
	Reason  any
}

// Stats aggregates verdicts. Percentages are in [0, 100] and are all 0 when there are no verdicts.
type Stats struct {
	Passed int
	Failed int
	Other  int

	PassedPct float64
	FailedPct float64
	OtherPct  float64
}

func (s Stats) Total() int {
	return s.Passed + s.Failed + s.Other
}

func (s *Stats) recompute() {
	total := s.Total()
	if total == 0 {
		s.PassedPct, s.FailedPct, s.OtherPct = 0, 0, 0
		return
	}
	s.PassedPct = 100 * float64(s.Passed) / float64(total)
	s.FailedPct = 100 * float64(s.Failed) / float64(total)
	s.OtherPct = 100 * float64(s.Other) / float64(total)
}

type Session struct {
	log   *zap.SugaredLogger
	limit int

	mut         sync.Mutex
	runID       int64
	status      Status
	resultIndex int
	results     []Item
	stats       Stats
	cancel      context.CancelFunc

	onAppend func(Item)
}

type Option func(s *Session)

// WithLimit caps the number of results kept, the oldest are dropped first. Zero means unbounded.
func WithLimit(n int) Option {
	return func(s *Session) {
		s.limit = n
	}
}

// WithOnAppend calls f with every item appended, after its key is assigned. f is called without the session locked.
func WithOnAppend(f func(Item)) Option {
	return func(s *Session) {
		s.onAppend = f
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Session) {
		s.log = l.Named("session").Sugar()
	}
}

func New(opts ...Option) *Session {
	s := &Session{log: zap.NewNop().Sugar()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start begins a new run and returns its ID.
// The results and result index are cleared before Start returns, so callers must call it before sending the run request.
// If a run is already in progress, Start changes nothing and returns ErrRunInProgress.
// The cancel func, if not nil, is called by Cancel.
func (s *Session) Start(cancel context.CancelFunc) (int64, error) {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.status == StatusRunning {
		s.log.Warnw("ignoring start, a run is already in progress", "RunID", s.runID)
		return 0, ErrRunInProgress
	}
	s.runID++
	s.resultIndex = 0
	s.results = nil
	s.status = StatusRunning
	s.cancel = cancel
	s.log.Debugw("run started", "RunID", s.runID)
	return s.runID, nil
}

// Finish marks the run idle, whatever its outcome. Finishing a run that is no longer current is a no-op.
func (s *Session) Finish(runID int64) {
	s.mut.Lock()
	defer s.mut.Unlock()
	if runID != s.runID {
		return
	}
	s.status = StatusIdle
	s.cancel = nil
	s.log.Debugw("run finished", "RunID", runID)
}

// Cancel tears down the current run, clears its results and returns to idle.
func (s *Session) Cancel() {
	s.mut.Lock()
	cancel := s.cancel
	wasRunning := s.status == StatusRunning
	s.cancel = nil
	s.status = StatusIdle
	s.results = nil
	s.resultIndex = 0
	runID := s.runID
	s.mut.Unlock()

	if cancel != nil {
		cancel()
	}
	if wasRunning {
		s.log.Debugw("run canceled", "RunID", runID)
	}
}

// Append adds an item produced by the given run and returns it with its key assigned.
// Items from a run that is not the current, running run are discarded and false is returned.
func (s *Session) Append(runID int64, item Item) (Item, bool) {
	item, ok := s.add(runID, item)
	if ok && s.onAppend != nil {
		s.onAppend(item)
	}
	return item, ok
}

// IsCurrent reports whether runID is the current run and it is still running.
func (s *Session) IsCurrent(runID int64) bool {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.isCurrent(runID)
}

func (s *Session) isCurrent(runID int64) bool {
	return runID == s.runID && s.status == StatusRunning
}

func (s *Session) add(runID int64, item Item) (Item, bool) {
	s.mut.Lock()
	defer s.mut.Unlock()
	if !s.isCurrent(runID) {
		s.log.Debugw("discarding result of stale run", "RunID", runID, "CurrentRunID", s.runID)
		return Item{}, false
	}
	item.Key = s.resultIndex
	s.resultIndex++
	s.results = append(s.results, item)
	if s.limit > 0 && len(s.results) > s.limit {
		s.results = append([]Item(nil), s.results[len(s.results)-s.limit:]...)
	}
	return item, true
}

func (s *Session) RecordPass() {
	s.record(func(st *Stats) { st.Passed++ })
}

func (s *Session) RecordFail() {
	s.record(func(st *Stats) { st.Failed++ })
}

// RecordOther counts a verdict that is neither a pass nor a failure, e.g. a skipped item.
func (s *Session) RecordOther() {
	s.record(func(st *Stats) { st.Other++ })
}

func (s *Session) record(f func(st *Stats)) {
	s.mut.Lock()
	defer s.mut.Unlock()
	f(&s.stats)
	s.stats.recompute()
}

func (s *Session) Stats() Stats {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.stats
}

// Results returns a copy of the current results, oldest first.
func (s *Session) Results() []Item {
	s.mut.Lock()
	defer s.mut.Unlock()
	return append([]Item(nil), s.results...)
}

func (s *Session) RunID() int64 {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.runID
}

func (s *Session) ResultIndex() int {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.resultIndex
}

func (s *Session) Status() Status {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.status
}
