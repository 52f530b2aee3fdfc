package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/scriptstream/credentials"
	"github.com/guseggert/scriptstream/internal/metrics"
	"github.com/guseggert/scriptstream/runner"
	"github.com/guseggert/scriptstream/stream"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ErrControlBusy is returned when an execution control already has an active run.
var ErrControlBusy = errors.New("execution control already has an active run")

// RunIDHeader carries the ID of the run on a POST /run response.
const RunIDHeader = "X-Run-Id"

const readLimit = 32768

const (
	// A request for a busy control waits up to noticeWait for the active run to start closing,
	// the server may not have seen that run's reader go away yet.
	noticeWait = 250 * time.Millisecond
	// releaseWait bounds how long a request waits for a closing run to be torn down.
	releaseWait = 5 * time.Second
)

// Server runs scripts on request and streams their output back.
type Server struct {
	log *zap.SugaredLogger

	listenAddr  string
	scriptsDir  string
	interpreter []string
	timeout     time.Duration

	creds       credentials.Store
	usernameEnv string
	passwordEnv string

	runner     *runner.Runner
	httpServer *http.Server

	addrMut sync.Mutex
	addr    net.Addr

	activeMut sync.Mutex
	active    map[string]*handle
}

type Option func(s *Server)

func WithListenAddr(addr string) Option {
	return func(s *Server) {
		s.listenAddr = addr
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.log = l.Named("server").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(s *Server) {
		s.log = s.log.WithOptions(zap.IncreaseLevel(l))
	}
}

// WithScriptsDir sets the directory scripts are resolved against and run in. Defaults to the working directory.
func WithScriptsDir(dir string) Option {
	return func(s *Server) {
		s.scriptsDir = dir
	}
}

// WithInterpreter runs scripts through a command line such as "node --enable-source-maps", instead of executing them directly.
func WithInterpreter(cmdline string) Option {
	return func(s *Server) {
		s.interpreter = strings.Fields(cmdline)
	}
}

func WithTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.timeout = d
	}
}

func WithCredentials(store credentials.Store) Option {
	return func(s *Server) {
		s.creds = store
	}
}

// WithCredentialEnv sets the names of the environment variables the credentials are injected as.
func WithCredentialEnv(usernameVar, passwordVar string) Option {
	return func(s *Server) {
		s.usernameEnv = usernameVar
		s.passwordEnv = passwordVar
	}
}

func New(opts ...Option) (*Server, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	s := &Server{
		log:         logger.Named("server").Sugar(),
		listenAddr:  "0.0.0.0:8080",
		scriptsDir:  ".",
		timeout:     runner.DefaultTimeout,
		creds:       credentials.None{},
		usernameEnv: credentials.DefaultUsernameEnv,
		passwordEnv: credentials.DefaultPasswordEnv,
		active:      map[string]*handle{},
	}
	for _, o := range opts {
		o(s)
	}
	s.scriptsDir, err = filepath.Abs(s.scriptsDir)
	if err != nil {
		return nil, fmt.Errorf("resolving scripts dir: %w", err)
	}
	s.runner = &runner.Runner{Log: s.log.Named("runner")}
	s.httpServer = &http.Server{Handler: s.Handler()}
	metrics.Register()
	return s, nil
}

func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/heartbeat", s.heartbeat)
	router.POST("/run", s.runHTTP)
	router.GET("/run/ws", s.runWS)
	router.Handler(http.MethodGet, "/metrics", metrics.Handler())
	return router
}

// Run serves HTTP and returns once the server has stopped.
func (s *Server) Run() error {
	listener, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	s.addrMut.Lock()
	s.addr = listener.Addr()
	s.addrMut.Unlock()
	s.log.Infow("listening", "Addr", listener.Addr().String(), "ScriptsDir", s.scriptsDir)

	err = s.httpServer.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Addr returns the address Run is listening on, or nil if it isn't listening yet.
// With a listen address port of 0 this is where the picked port shows up.
func (s *Server) Addr() net.Addr {
	s.addrMut.Lock()
	defer s.addrMut.Unlock()
	return s.addr
}

// Stop closes every connection, which kills every running script.
func (s *Server) Stop() error {
	return s.httpServer.Close()
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s.activeMut.Lock()
	active := len(s.active)
	s.activeMut.Unlock()
	response := struct {
		Time       string
		ActiveRuns int
	}{
		Time:       time.Now().UTC().Format(time.RFC3339),
		ActiveRuns: active,
	}
	b, err := json.Marshal(response)
	if err != nil {
		s.log.Debugf("error marshaling heartbeat response: %s", err)
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}

// runHTTP runs a script and streams its envelopes as a chunked NDJSON response.
func (s *Server) runHTTP(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var req stream.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	cmd, err := s.command(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h, err := s.acquire(r.Context(), req.ControlKey())
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	defer s.release(h)

	w.Header().Set("Content-Type", stream.ContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set(RunIDHeader, h.id.String())
	w.WriteHeader(http.StatusOK)
	sink := newHTTPSink(w, r)
	if err := sink.flush(); err != nil {
		s.log.Debugf("error flushing response header: %s", err)
		return
	}

	s.execute(r.Context(), h, sink, req, cmd)
}

// runWS is the same as runHTTP over a WebSocket. The client sends the request as the first message,
// then every line is sent as one text message, and the server closes normally after the last one.
func (s *Server) runWS(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		s.log.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")
	conn.SetReadLimit(readLimit)

	var req stream.Request
	if err := wsjson.Read(r.Context(), conn, &req); err != nil {
		s.log.Debugf("error reading request message: %s", err)
		conn.Close(websocket.StatusPolicyViolation, closeReason(fmt.Sprintf("reading request: %s", err)))
		return
	}
	cmd, err := s.command(req)
	if err != nil {
		conn.Close(websocket.StatusPolicyViolation, closeReason(err.Error()))
		return
	}
	h, err := s.acquire(r.Context(), req.ControlKey())
	if err != nil {
		conn.Close(websocket.StatusTryAgainLater, closeReason(err.Error()))
		return
	}
	defer s.release(h)

	ctx := conn.CloseRead(r.Context())
	s.execute(ctx, h, &wsSink{ctx: ctx, conn: conn}, req, cmd)
	conn.Close(websocket.StatusNormalClosure, "")
}

// closeReason truncates a close reason, WebSocket close reasons can't be above 123 bytes.
func closeReason(reason string) string {
	if len(reason) > 100 {
		return reason[:100]
	}
	return reason
}

// command resolves the script of a request. Scripts outside of the scripts dir are rejected.
func (s *Server) command(req stream.Request) (runner.Command, error) {
	if req.Script == "" {
		return runner.Command{}, errors.New("request contained no script")
	}
	path := filepath.Join(s.scriptsDir, filepath.FromSlash(req.Script))
	rel, err := filepath.Rel(s.scriptsDir, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return runner.Command{}, fmt.Errorf("script %q is outside of the scripts dir", req.Script)
	}

	cmd := runner.Command{
		Path:    path,
		Args:    req.Args,
		Dir:     s.scriptsDir,
		Timeout: s.timeout,
	}
	if len(s.interpreter) > 0 {
		cmd.Path = s.interpreter[0]
		cmd.Args = append(append(append([]string{}, s.interpreter[1:]...), path), req.Args...)
	}
	return cmd, nil
}

// acquire claims the control for a new run. If the control's active run is being torn down,
// acquire waits for it to be released instead of rejecting the request.
func (s *Server) acquire(ctx context.Context, control string) (*handle, error) {
	for {
		s.activeMut.Lock()
		cur, busy := s.active[control]
		if !busy {
			h := newHandle(control)
			s.active[control] = h
			s.activeMut.Unlock()
			return h, nil
		}
		s.activeMut.Unlock()

		if !cur.waitReleased(ctx) {
			metrics.RunsRejected.Inc()
			s.log.Infow("rejecting run, control is busy", "Control", control, "ActiveRunID", cur.id.String())
			return nil, fmt.Errorf("%w: %q", ErrControlBusy, control)
		}
		s.log.Debugw("control released by previous run", "Control", control, "PreviousRunID", cur.id.String())
	}
}

func (s *Server) release(h *handle) {
	s.activeMut.Lock()
	if s.active[h.control] == h {
		delete(s.active, h.control)
	}
	s.activeMut.Unlock()
	close(h.released)
}

// credentialEnv returns the user's credentials as environment variables, or nil if there are none.
func (s *Server) credentialEnv(ctx context.Context, log *zap.SugaredLogger, user string) map[string]string {
	c, err := s.creds.Lookup(ctx, user)
	if errors.Is(err, credentials.ErrNotFound) {
		log.Debugw("no credentials, running without", "User", user)
		return nil
	}
	if err != nil {
		log.Warnw("error looking up credentials, running without", "User", user, "Error", err)
		return nil
	}
	return c.Env(s.usernameEnv, s.passwordEnv)
}

// execute runs the script and streams its output to sink until the process exits or the stream closes.
// The process is killed on every path out of execute.
func (s *Server) execute(ctx context.Context, h *handle, sink Sink, req stream.Request, cmd runner.Command) {
	log := s.log.With("RunID", h.id.String(), "Script", req.Script, "Control", h.control)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer h.kill()

	ctrl := NewController(log.Named("controller"), sink, h.kill)
	flushErr := make(chan error, 1)
	go func() { flushErr <- ctrl.Run(ctx) }()

	metrics.RunsActive.Inc()
	defer metrics.RunsActive.Dec()
	start := time.Now()
	log.Infow("starting run")

	cmd.Env = s.credentialEnv(ctx, log, req.User)
	outcome := s.pumpOutput(ctx, log, h, ctrl, cmd)
	ctrl.Finish()

	err := <-flushErr
	if errors.Is(err, ErrStreamClosed) {
		outcome = "canceled"
	}
	metrics.RunsTotal.WithLabelValues(outcome).Inc()
	metrics.RunDuration.Observe(time.Since(start).Seconds())
	log.Infow("run done", "Outcome", outcome, "Duration", time.Since(start), "StreamError", err)
}

// pumpOutput spawns the process and pumps its output into the controller, followed by the final lifecycle line.
func (s *Server) pumpOutput(ctx context.Context, log *zap.SugaredLogger, h *handle, ctrl *Controller, cmd runner.Command) string {
	proc, err := s.runner.Start(ctx, cmd)
	if err != nil {
		log.Warnw("error starting script", "Error", err)
		ctrl.Enqueue(stream.Text(stream.TypeError, err.Error()))
		ctrl.Enqueue(stream.Text(stream.TypeInfo, stream.MessageCrashed))
		return "spawn_failed"
	}
	h.setProcess(proc)

	// once the stream is closed Enqueue is a no-op, keep draining until the killed process's pipes close
	for out := range proc.Output() {
		ctrl.Enqueue(stream.Frame(out.Source, out.Data))
	}
	res := proc.Wait()

	switch {
	case res.Success():
		ctrl.Enqueue(stream.Text(stream.TypeInfo, stream.MessageFinished))
		return "finished"
	case res.TimedOut:
		log.Infow("script timed out", "Timeout", cmd.Timeout)
		ctrl.Enqueue(stream.Text(stream.TypeInfo, stream.MessageCrashed))
		return "timeout"
	default:
		if res.Err != nil {
			log.Warnw("error waiting for script", "Error", res.Err)
		}
		ctrl.Enqueue(stream.Text(stream.TypeInfo, stream.MessageCrashed))
		return "crashed"
	}
}

// handle binds one running process to the stream it is writing to.
type handle struct {
	id      uuid.UUID
	control string

	// closing is closed on the first kill, released once the control is free again
	closing  chan struct{}
	released chan struct{}

	mut    sync.Mutex
	proc   *runner.Process
	killed bool
}

func newHandle(control string) *handle {
	return &handle{
		id:       uuid.New(),
		control:  control,
		closing:  make(chan struct{}),
		released: make(chan struct{}),
	}
}

// waitReleased reports whether h was released. A run still going after noticeWait is not waited on.
func (h *handle) waitReleased(ctx context.Context) bool {
	notice := time.NewTimer(noticeWait)
	defer notice.Stop()
	select {
	case <-h.released:
		return true
	case <-h.closing:
	case <-notice.C:
		return false
	case <-ctx.Done():
		return false
	}

	release := time.NewTimer(releaseWait)
	defer release.Stop()
	select {
	case <-h.released:
		return true
	case <-release.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// setProcess attaches the process, killing it right away if the stream already closed.
func (h *handle) setProcess(p *runner.Process) {
	h.mut.Lock()
	h.proc = p
	killed := h.killed
	h.mut.Unlock()
	if killed {
		p.Kill()
	}
}

func (h *handle) kill() {
	h.mut.Lock()
	if !h.killed {
		h.killed = true
		close(h.closing)
	}
	p := h.proc
	h.mut.Unlock()
	if p != nil {
		p.Kill()
	}
}
