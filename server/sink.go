package server

import (
	"context"
	"fmt"
	"net/http"

	"nhooyr.io/websocket"
)

// httpSink writes lines to a chunked HTTP response, flushing after each line.
type httpSink struct {
	ctx context.Context
	w   http.ResponseWriter
	rc  *http.ResponseController
}

func newHTTPSink(w http.ResponseWriter, r *http.Request) *httpSink {
	return &httpSink{ctx: r.Context(), w: w, rc: http.NewResponseController(w)}
}

func (s *httpSink) WriteLine(line []byte) error {
	if s.Closed() {
		return ErrStreamClosed
	}
	if _, err := s.w.Write(line); err != nil {
		return fmt.Errorf("writing line: %w", err)
	}
	return s.flush()
}

func (s *httpSink) flush() error {
	if err := s.rc.Flush(); err != nil {
		return fmt.Errorf("flushing response: %w", err)
	}
	return nil
}

func (s *httpSink) Closed() bool {
	return s.ctx.Err() != nil
}

// wsSink sends each line as one text message.
// ctx must come from conn.CloseRead so that it is canceled when the client closes the connection.
type wsSink struct {
	ctx  context.Context
	conn *websocket.Conn
}

func (s *wsSink) WriteLine(line []byte) error {
	return s.conn.Write(s.ctx, websocket.MessageText, line)
}

func (s *wsSink) Closed() bool {
	return s.ctx.Err() != nil
}
