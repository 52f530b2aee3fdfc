// Package client runs scripts on a scriptstream server and feeds their output into a session.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/guseggert/scriptstream/session"
	"github.com/guseggert/scriptstream/stream"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ErrNoStream is returned when the server answered a run request with something other than a stream.
var ErrNoStream = errors.New("response is not a stream")

// StatusError is returned when the server rejected a run request.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("non-200 status code %d: %s", e.Code, e.Body)
}

const (
	// readLimit bounds a single WebSocket message, images are sent as one line.
	readLimit = 16 << 20
	chunkSize = 32 * 1024
)

type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL                  string
	waitInterval             time.Duration
	customizeRetryableClient func(*retryablehttp.Client)
}

type ClientOption func(c *Client)

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.Logger = l.Named("client").Sugar()
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// NewClient builds a client for the server at baseURL, e.g. "http://127.0.0.1:8080".
// Requests are retried on connection errors and 5xx responses. A run request is never retried once its stream has started.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		Logger:       zap.NewNop().Sugar(),
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		waitInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 4
	retryClient.RetryWaitMax = 5 * time.Second
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}
	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}
	c.HTTPClient = retryClient.StandardClient()
	return c
}

func (c *Client) SendHeartbeat(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/heartbeat", nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected heartbeat status code %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			err := c.SendHeartbeat(ctx)
			if err == nil {
				c.Logger.Debug("heartbeat succeeded, done waiting for server")
				return nil
			}
			c.Logger.Debugf("got heartbeat error: %s", err)
		}
	}
}

// Execute runs a script over a chunked HTTP response and feeds its output into sess until the stream ends.
//
// The run is started on sess before the request is sent. If sess already has a run in progress nothing is sent
// and session.ErrRunInProgress is returned. Canceling ctx or calling sess.Cancel closes the stream, which kills the script.
// Whatever happens, sess is idle again and the done event has been emitted when Execute returns.
// Items for failures are added to sess, and the error is also returned.
func (c *Client) Execute(ctx context.Context, sess *session.Session, req stream.Request, onEvent EventFunc) error {
	return c.execute(ctx, sess, req, onEvent, c.openHTTP)
}

// ExecuteWS is the same as Execute, over a WebSocket.
func (c *Client) ExecuteWS(ctx context.Context, sess *session.Session, req stream.Request, onEvent EventFunc) error {
	return c.execute(ctx, sess, req, onEvent, c.openWS)
}

type openFunc func(ctx context.Context, req stream.Request) (io.ReadCloser, error)

func (c *Client) execute(ctx context.Context, sess *session.Session, req stream.Request, onEvent EventFunc, open openFunc) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	runID, err := sess.Start(cancel)
	if err != nil {
		return err
	}
	log := c.Logger.With("RunID", runID, "Script", req.Script)
	d := NewDispatcher(log.Named("dispatcher"), sess, runID, onEvent)
	defer d.Done()
	defer sess.Finish(runID)

	log.Debug("opening stream")
	body, err := open(ctx, req)
	if err != nil {
		d.Error(fmt.Sprintf("%s: %s", MessageExecutionFailed, err))
		return err
	}
	defer body.Close()

	err = consume(d, body)
	if err != nil {
		log.Debugw("stream failed", "Error", err)
		if ctx.Err() != nil {
			return fmt.Errorf("run canceled: %w", ctx.Err())
		}
		return err
	}
	log.Debug("stream done")
	return nil
}

// consume reads r to the end, dispatching every complete line.
func consume(d *Dispatcher, r io.Reader) error {
	var ra stream.Reassembler
	buf := make([]byte, chunkSize)
	for {
		n, err := r.Read(buf)
		for _, line := range ra.Feed(buf[:n]) {
			d.Dispatch(line)
		}
		if errors.Is(err, io.EOF) {
			line, err := ra.End()
			if err != nil {
				d.Error(fmt.Sprintf("%s: %s", MessageExecutionFailed, err))
				return fmt.Errorf("reading stream: %w", err)
			}
			if line != nil {
				d.Dispatch(line)
			}
			return nil
		}
		if err != nil {
			d.Error(fmt.Sprintf("%s: %s", MessageExecutionFailed, err))
			return fmt.Errorf("reading stream: %w", err)
		}
	}
}

func (c *Client) openHTTP(ctx context.Context, req stream.Request) (io.ReadCloser, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/run", bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", stream.ContentType)

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending run request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		var body string
		b, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if err != nil {
			body = fmt.Errorf("error reading body: %w", err).Error()
		} else {
			body = strings.TrimSpace(string(b))
		}
		return nil, &StatusError{Code: resp.StatusCode, Body: body}
	}
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if resp.Body == nil || resp.Body == http.NoBody || mediaType != stream.ContentType {
		if resp.Body != nil {
			resp.Body.Close()
		}
		return nil, fmt.Errorf("%w: content type %q", ErrNoStream, resp.Header.Get("Content-Type"))
	}
	c.Logger.Debugw("stream opened", "ServerRunID", resp.Header.Get("X-Run-Id"))
	return resp.Body, nil
}

func (c *Client) openWS(ctx context.Context, req stream.Request) (io.ReadCloser, error) {
	u := c.baseURL + "/run/ws"
	c.Logger.Debugw("dialing WebSocket for run", "URL", u)
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPClient:      c.HTTPClient,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return nil, fmt.Errorf("establishing WebSocket conn to run: %w", err)
	}
	conn.SetReadLimit(readLimit)
	if err := wsjson.Write(ctx, conn, req); err != nil {
		conn.Close(websocket.StatusInternalError, "")
		return nil, fmt.Errorf("sending run request: %w", err)
	}
	return &wsStream{Conn: websocket.NetConn(ctx, conn, websocket.MessageText)}, nil
}

// wsStream reads the messages of a run as one byte stream. A rejected request shows up as a StatusError.
type wsStream struct {
	net.Conn
}

func (s *wsStream) Read(p []byte) (int, error) {
	n, err := s.Conn.Read(p)
	var closeErr websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case websocket.StatusTryAgainLater:
			return n, &StatusError{Code: http.StatusConflict, Body: closeErr.Reason}
		case websocket.StatusPolicyViolation:
			return n, &StatusError{Code: http.StatusBadRequest, Body: closeErr.Reason}
		}
	}
	return n, err
}
